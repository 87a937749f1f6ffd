package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/starsfund-backend/internal/anonymize"
	"github.com/angelmondragon/starsfund-backend/internal/campaigns"
	"github.com/angelmondragon/starsfund-backend/internal/ledger"
	"github.com/angelmondragon/starsfund-backend/internal/reconcile"
	"github.com/angelmondragon/starsfund-backend/pkg/db"
	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
	"github.com/angelmondragon/starsfund-backend/pkg/metrics"
	"github.com/angelmondragon/starsfund-backend/pkg/outbox"
	"github.com/angelmondragon/starsfund-backend/pkg/outbox/payloads"
)

const (
	defaultManifestPrefix = "manifests"
	maxReferenceLength    = 1024
	maxLastErrorLength    = 1000
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// criticalSection is the part of the engine the linker shares so closure and
// donation commits never interleave for a campaign.
type criticalSection interface {
	Serialize(ctx context.Context, campaignID string, fn reconcile.SerializedFunc) error
	Exclusive(ctx context.Context, campaignID string, fn func(ctx context.Context) error) error
	Invalidate(ctx context.Context, campaignID string)
}

// LinkerParams wires the linker dependencies.
type LinkerParams struct {
	DB             txRunner
	Repo           *Repository
	Engine         criticalSection
	Campaigns      campaigns.Service
	Ledger         ledger.Store
	Proofs         ProofStore
	Outbox         outbox.Emitter
	Projector      anonymize.Projector
	Metrics        *metrics.ArchiveMetrics
	Retry          db.RetryPolicy
	ManifestPrefix string
	Logger         *logger.Logger
	Clock          func() time.Time
}

// Linker owns archive entries: it closes campaigns and links them to
// archived settlement proof.
type Linker struct {
	db             txRunner
	repo           *Repository
	engine         criticalSection
	campaigns      campaigns.Service
	ledger         ledger.Store
	proofs         ProofStore
	outbox         outbox.Emitter
	projector      anonymize.Projector
	metrics        *metrics.ArchiveMetrics
	retry          db.RetryPolicy
	manifestPrefix string
	logg           *logger.Logger
	clock          func() time.Time
}

func NewLinker(params LinkerParams) (*Linker, error) {
	switch {
	case params.DB == nil:
		return nil, fmt.Errorf("db required")
	case params.Repo == nil:
		return nil, fmt.Errorf("archive repository required")
	case params.Engine == nil:
		return nil, fmt.Errorf("reconciliation engine required")
	case params.Campaigns == nil:
		return nil, fmt.Errorf("campaign service required")
	case params.Ledger == nil:
		return nil, fmt.Errorf("ledger store required")
	case params.Proofs == nil:
		return nil, fmt.Errorf("proof store required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	}
	prefix := strings.Trim(strings.TrimSpace(params.ManifestPrefix), "/")
	if prefix == "" {
		prefix = defaultManifestPrefix
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Linker{
		db:             params.DB,
		repo:           params.Repo,
		engine:         params.Engine,
		campaigns:      params.Campaigns,
		ledger:         params.Ledger,
		proofs:         params.Proofs,
		outbox:         params.Outbox,
		projector:      params.Projector,
		metrics:        params.Metrics,
		retry:          params.Retry,
		manifestPrefix: prefix,
		logg:           logg,
		clock:          clock,
	}, nil
}

// Close freezes the campaign's totals and opens a pending archive entry. From
// then on the engine refuses donations for it. Closing twice is refused.
func (l *Linker) Close(ctx context.Context, campaignID string) (models.ArchiveEntry, error) {
	ctx = l.logg.WithCampaignID(ctx, campaignID)
	if _, err := l.campaigns.Get(ctx, campaignID); err != nil {
		return models.ArchiveEntry{}, err
	}

	var entry models.ArchiveEntry
	err := l.engine.Serialize(ctx, campaignID, func(ctx context.Context, tx *gorm.DB, aggregate models.CampaignAggregate) error {
		repo := l.repo.WithTx(tx)
		existing, err := repo.FindEntry(ctx, campaignID)
		if err != nil {
			return err
		}
		if existing != nil {
			return pkgerrors.New(pkgerrors.CodeCampaignClosed, "campaign is already closed").
				WithDetails(map[string]any{"campaign_id": campaignID, "archive_status": existing.Status})
		}
		now := l.now()
		entry = models.ArchiveEntry{
			CampaignID:           campaignID,
			SnapshotTotal:        aggregate.TotalAmount,
			SnapshotCount:        aggregate.DonationCount,
			SnapshotLastSequence: aggregate.LastSequence,
			Status:               enums.ArchiveStatusPending,
			ClosedAt:             now,
			UpdatedAt:            now,
		}
		if err := repo.CreateEntry(ctx, &entry); err != nil {
			return err
		}
		return l.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventCampaignClosed,
			AggregateType: enums.AggregateCampaign,
			AggregateID:   campaignID,
			Actor:         outbox.ActorFrom(ctx, outbox.ActorRef{Kind: outbox.ActorKindOperator}),
			OccurredAt:    now,
			Data: payloads.CampaignClosedEvent{
				CampaignID:           campaignID,
				SnapshotTotal:        entry.SnapshotTotal,
				SnapshotCount:        entry.SnapshotCount,
				SnapshotLastSequence: entry.SnapshotLastSequence,
				ClosedAt:             now,
			},
		})
	})
	if err != nil {
		return models.ArchiveEntry{}, err
	}

	l.metrics.IncTransition(string(enums.ArchiveStatusPending))
	l.logg.Info(l.logg.WithFields(ctx, map[string]any{
		"snapshot_total": entry.SnapshotTotal,
		"snapshot_count": entry.SnapshotCount,
	}), "campaign closed")
	return entry, nil
}

// AttachProofs records proof references against a closed, not yet archived
// campaign. Attaching a reference twice is a no-op.
func (l *Linker) AttachProofs(ctx context.Context, campaignID string, refs []string) (models.ArchiveEntry, error) {
	ctx = l.logg.WithCampaignID(ctx, campaignID)
	cleaned, err := normalizeRefs(refs)
	if err != nil {
		return models.ArchiveEntry{}, err
	}

	var entry models.ArchiveEntry
	added := 0
	err = l.engine.Exclusive(ctx, campaignID, func(ctx context.Context) error {
		return l.withRetry(ctx, "attach proofs", func(ctx context.Context) error {
			return l.db.WithTx(ctx, func(tx *gorm.DB) error {
				repo := l.repo.WithTx(tx)
				current, err := archivableEntry(ctx, repo, campaignID)
				if err != nil {
					return err
				}
				if current.Status == enums.ArchiveStatusArchived {
					return pkgerrors.New(pkgerrors.CodeStateConflict, "campaign is already archived").
						WithDetails(map[string]any{"campaign_id": campaignID})
				}
				n, err := repo.AttachProofs(ctx, campaignID, cleaned, l.now())
				if err != nil {
					return err
				}
				added = n
				entry = *current
				return nil
			})
		})
	})
	if err != nil {
		return models.ArchiveEntry{}, err
	}
	l.metrics.AddProofs(added)
	l.logg.Info(l.logg.WithField(ctx, "proofs_added", added), "proof references attached")
	return entry, nil
}

// Archive moves a pending or failed entry to archived. Every attached proof
// must exist in the proof store; an anonymized manifest is written next to
// them. Any storage failure leaves the entry failed and returns
// ArchivalFailure so the attempt can be repeated. Archived entries are
// returned unchanged.
func (l *Linker) Archive(ctx context.Context, campaignID string) (models.ArchiveEntry, error) {
	ctx = l.logg.WithCampaignID(ctx, campaignID)
	var entry models.ArchiveEntry
	err := l.engine.Exclusive(ctx, campaignID, func(ctx context.Context) error {
		var err error
		entry, err = l.archiveLocked(ctx, campaignID)
		return err
	})
	return entry, err
}

// AttachAndArchive attaches refs and immediately attempts archival.
func (l *Linker) AttachAndArchive(ctx context.Context, campaignID string, refs []string) (models.ArchiveEntry, error) {
	if _, err := l.AttachProofs(ctx, campaignID, refs); err != nil {
		return models.ArchiveEntry{}, err
	}
	return l.Archive(ctx, campaignID)
}

// RetryFailed re-attempts archival for up to limit failed entries. Each
// campaign is attempted independently; the returned error combines failures.
func (l *Linker) RetryFailed(ctx context.Context, limit int) (int, error) {
	var failed []models.ArchiveEntry
	err := l.withRetry(ctx, "list failed archive entries", func(ctx context.Context) error {
		var err error
		failed, err = l.repo.ListFailed(ctx, limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	var errs error
	archived := 0
	for _, entry := range failed {
		if ctx.Err() != nil {
			return archived, multierr.Append(errs, ctx.Err())
		}
		result, err := l.Archive(ctx, entry.CampaignID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("campaign %s: %w", entry.CampaignID, err))
			continue
		}
		if result.Status == enums.ArchiveStatusArchived {
			archived++
		}
	}
	return archived, errs
}

// Entry returns the archive entry and its proof references.
func (l *Linker) Entry(ctx context.Context, campaignID string) (*models.ArchiveEntry, []models.ProofArtifact, error) {
	entry, err := l.repo.FindEntry(ctx, campaignID)
	if err != nil || entry == nil {
		return entry, nil, err
	}
	proofs, err := l.repo.ListProofs(ctx, campaignID)
	if err != nil {
		return nil, nil, err
	}
	return entry, proofs, nil
}

func (l *Linker) archiveLocked(ctx context.Context, campaignID string) (models.ArchiveEntry, error) {
	var (
		entry  *models.ArchiveEntry
		proofs []models.ProofArtifact
	)
	err := l.withRetry(ctx, "load archive entry", func(ctx context.Context) error {
		var err error
		entry, err = archivableEntry(ctx, l.repo, campaignID)
		if err != nil {
			return err
		}
		proofs, err = l.repo.ListProofs(ctx, campaignID)
		return err
	})
	if err != nil {
		return models.ArchiveEntry{}, err
	}
	if entry.Status == enums.ArchiveStatusArchived {
		return *entry, nil
	}
	if len(proofs) == 0 {
		return models.ArchiveEntry{}, pkgerrors.New(pkgerrors.CodeStateConflict, "no proof artifacts attached").
			WithDetails(map[string]any{"campaign_id": campaignID})
	}

	refs := make([]string, 0, len(proofs))
	for _, p := range proofs {
		refs = append(refs, p.Reference)
	}

	manifestRef, attemptErr := l.publish(ctx, *entry, refs)
	if attemptErr != nil {
		return l.fail(ctx, *entry, attemptErr)
	}

	now := l.now()
	err = l.withRetry(ctx, "mark campaign archived", func(ctx context.Context) error {
		return l.db.WithTx(ctx, func(tx *gorm.DB) error {
			ok, err := l.repo.WithTx(tx).MarkArchived(ctx, campaignID, manifestRef, now)
			if err != nil {
				return err
			}
			if !ok {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "archive entry changed during archival")
			}
			return l.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventCampaignArchived,
				AggregateType: enums.AggregateCampaign,
				AggregateID:   campaignID,
				Actor:         outbox.ActorFrom(ctx, outbox.ActorRef{Kind: outbox.ActorKindOperator}),
				OccurredAt:    now,
				Data: payloads.CampaignArchivedEvent{
					CampaignID:      campaignID,
					ManifestRef:     manifestRef,
					ProofReferences: refs,
					ArchivedAt:      now,
				},
			})
		})
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return models.ArchiveEntry{}, err
		}
		return l.fail(ctx, *entry, err)
	}

	entry.Status = enums.ArchiveStatusArchived
	entry.ManifestRef = &manifestRef
	entry.ArchivedAt = &now
	entry.LastError = nil
	entry.UpdatedAt = now

	l.engine.Invalidate(ctx, campaignID)
	l.metrics.IncTransition(string(enums.ArchiveStatusArchived))
	l.logg.Info(l.logg.WithField(ctx, "manifest_ref", manifestRef), "campaign archived")
	return *entry, nil
}

// publish verifies every proof and writes the manifest. Proof store errors
// other than a missing object are retried with backoff first.
func (l *Linker) publish(ctx context.Context, entry models.ArchiveEntry, refs []string) (string, error) {
	var missing []string
	for _, ref := range refs {
		var exists bool
		err := db.RetryIf(ctx, l.retry, transientProofError, func(ctx context.Context) error {
			var err error
			exists, err = l.proofs.Exists(ctx, ref)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("verify proof %s: %w", ref, err)
		}
		if !exists {
			missing = append(missing, ref)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrProofNotFound, strings.Join(missing, ", "))
	}

	document, err := buildManifest(ctx, l.ledger, l.projector, entry, refs, l.now())
	if err != nil {
		return "", fmt.Errorf("build manifest: %w", err)
	}
	var manifestRef string
	err = db.RetryIf(ctx, l.retry, transientProofError, func(ctx context.Context) error {
		var err error
		manifestRef, err = l.proofs.Put(ctx, manifestKey(l.manifestPrefix, entry.CampaignID), manifestContentType, document)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return manifestRef, nil
}

// fail records the failed attempt and reports ArchivalFailure. The entry stays
// eligible for retry.
func (l *Linker) fail(ctx context.Context, entry models.ArchiveEntry, cause error) (models.ArchiveEntry, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.ArchiveEntry{}, ctxErr
	}
	reason := truncate(strings.ToValidUTF8(cause.Error(), "\uFFFD"), maxLastErrorLength)
	now := l.now()
	attempts := entry.AttemptCount + 1

	err := l.withRetry(ctx, "mark archival failed", func(ctx context.Context) error {
		return l.db.WithTx(ctx, func(tx *gorm.DB) error {
			if _, err := l.repo.WithTx(tx).MarkFailed(ctx, entry.CampaignID, reason, now); err != nil {
				return err
			}
			return l.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventCampaignArchiveFailed,
				AggregateType: enums.AggregateCampaign,
				AggregateID:   entry.CampaignID,
				Actor:         outbox.ActorFrom(ctx, outbox.ActorRef{Kind: outbox.ActorKindOperator}),
				OccurredAt:    now,
				Data: payloads.CampaignArchiveFailedEvent{
					CampaignID:   entry.CampaignID,
					AttemptCount: attempts,
					Reason:       reason,
				},
			})
		})
	})
	if err != nil {
		return models.ArchiveEntry{}, multierr.Combine(cause, err)
	}

	entry.Status = enums.ArchiveStatusFailed
	entry.AttemptCount = attempts
	entry.LastError = &reason
	entry.UpdatedAt = now

	l.engine.Invalidate(ctx, entry.CampaignID)
	l.metrics.IncTransition(string(enums.ArchiveStatusFailed))
	l.logg.Error(l.logg.WithField(ctx, "attempt_count", attempts), "campaign archival failed", cause)
	return entry, pkgerrors.Wrap(pkgerrors.CodeArchivalFailure, cause, "archival attempt failed").
		WithDetails(map[string]any{"campaign_id": entry.CampaignID, "attempt_count": attempts})
}

// withRetry retries transient database errors and maps exhaustion to
// StorageUnavailable. Typed errors pass through.
func (l *Linker) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := db.Retry(ctx, l.retry, fn)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctxErr
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	l.logg.Error(l.logg.WithField(ctx, "error_dump", pkgerrors.Dump(err)), op+" failed", err)
	return pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, op)
}

func (l *Linker) now() time.Time {
	return l.clock().UTC()
}

func archivableEntry(ctx context.Context, repo *Repository, campaignID string) (*models.ArchiveEntry, error) {
	entry, err := repo.FindEntry(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "campaign has not been closed").
			WithDetails(map[string]any{"campaign_id": campaignID})
	}
	return entry, nil
}

func normalizeRefs(refs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if len(ref) > maxReferenceLength {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "proof reference too long").
				WithDetails(map[string]any{"max_length": maxReferenceLength})
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	if len(out) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one proof reference is required")
	}
	return out, nil
}

func transientProofError(err error) bool {
	if err == nil || errors.Is(err, ErrProofNotFound) || errors.Is(err, ErrInvalidReference) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
