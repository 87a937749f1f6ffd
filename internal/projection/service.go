// Package projection answers the public read queries over ledger and archive
// state. Everything it returns is anonymized; nothing here writes.
package projection

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/starsfund-backend/internal/anonymize"
	"github.com/angelmondragon/starsfund-backend/internal/campaigns"
	"github.com/angelmondragon/starsfund-backend/internal/ledger"
	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
)

const maxHistoryPage = 500

// Progress is the public progress view of a campaign.
type Progress struct {
	CampaignID      string               `json:"campaign_id"`
	Title           string               `json:"title"`
	Total           int64                `json:"total"`
	Count           int64                `json:"count"`
	Target          *int64               `json:"target,omitempty"`
	Status          enums.CampaignStatus `json:"status"`
	PercentOfTarget *decimal.Decimal     `json:"percent_of_target,omitempty"`
}

// CampaignListOptions selects a window of open campaigns. After is the id of
// the last campaign on the previous page.
type CampaignListOptions struct {
	After string
	Limit int
}

// HistoryOptions selects a window of the public history.
type HistoryOptions struct {
	AfterSequence int64
	Limit         int
}

// ArchiveView is the public state of a campaign's archive entry.
type ArchiveView struct {
	CampaignID      string              `json:"campaign_id"`
	Status          enums.ArchiveStatus `json:"status"`
	Snapshot        Snapshot            `json:"snapshot"`
	ProofReferences []string            `json:"proof_references"`
	ManifestRef     *string             `json:"manifest_ref,omitempty"`
	AttemptCount    int                 `json:"attempt_count"`
	ClosedAt        time.Time           `json:"closed_at"`
	ArchivedAt      *time.Time          `json:"archived_at,omitempty"`
}

// Snapshot is the aggregate frozen at closure.
type Snapshot struct {
	Total        int64 `json:"total"`
	Count        int64 `json:"count"`
	LastSequence int64 `json:"last_sequence"`
}

type archiveReader interface {
	Entry(ctx context.Context, campaignID string) (*models.ArchiveEntry, []models.ProofArtifact, error)
}

// ServiceParams wires the projection dependencies.
type ServiceParams struct {
	Campaigns campaigns.Service
	Ledger    ledger.Store
	Archive   archiveReader
	Projector anonymize.Projector
	Cache     *ProgressCache
	Logger    *logger.Logger
}

type Service struct {
	campaigns campaigns.Service
	ledger    ledger.Store
	archive   archiveReader
	projector anonymize.Projector
	cache     *ProgressCache
	logg      *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Campaigns == nil {
		return nil, fmt.Errorf("campaign service required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if params.Archive == nil {
		return nil, fmt.Errorf("archive reader required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		campaigns: params.Campaigns,
		ledger:    params.Ledger,
		archive:   params.Archive,
		projector: params.Projector,
		cache:     params.Cache,
		logg:      logg,
	}, nil
}

// CampaignProgress reports the anonymized total, count and target of a
// campaign. Amount and count come from one aggregate row, so they are never
// torn. A cached snapshot is only served while its sequence still matches the
// aggregate.
func (s *Service) CampaignProgress(ctx context.Context, campaignID string) (Progress, error) {
	cached, version, hit := s.cache.load(ctx, campaignID)

	if hit {
		aggregate, err := s.ledger.Aggregate(ctx, cached.Progress.CampaignID)
		if err != nil {
			return Progress{}, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "load campaign aggregate")
		}
		if aggregate.LastSequence == cached.LastSequence {
			return cached.Progress, nil
		}
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"campaign_id":     campaignID,
			"cached_sequence": cached.LastSequence,
			"ledger_sequence": aggregate.LastSequence,
		}), "projection cache snapshot outdated")
	}

	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return Progress{}, err
	}
	aggregate, err := s.ledger.Aggregate(ctx, campaign.ID)
	if err != nil {
		return Progress{}, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "load campaign aggregate")
	}
	progress := progressOf(campaign, aggregate)
	s.cache.save(ctx, campaign.ID, version, progressSnapshot{Progress: progress, LastSequence: aggregate.LastSequence})
	return progress, nil
}

func progressOf(campaign campaigns.Campaign, aggregate models.CampaignAggregate) Progress {
	return Progress{
		CampaignID:      campaign.ID,
		Title:           campaign.Title,
		Total:           aggregate.TotalAmount,
		Count:           aggregate.DonationCount,
		Target:          campaign.Target,
		Status:          campaign.Status,
		PercentOfTarget: percentOf(aggregate.TotalAmount, campaign.Target),
	}
}

// ListCampaigns returns the campaigns accepting donations with their public
// progress, ordered by id.
func (s *Service) ListCampaigns(ctx context.Context, opts CampaignListOptions) ([]Progress, error) {
	if opts.Limit < 0 || opts.Limit > maxHistoryPage {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("limit must be between 0 and %d", maxHistoryPage))
	}
	list, err := s.campaigns.ListOpen(ctx, opts.After, opts.Limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	aggregates, err := s.ledger.Aggregates(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "load campaign aggregates")
	}
	out := make([]Progress, 0, len(list))
	for _, c := range list {
		aggregate, ok := aggregates[c.ID]
		if !ok {
			aggregate = models.CampaignAggregate{CampaignID: c.ID}
		}
		out = append(out, progressOf(c, aggregate))
	}
	return out, nil
}

// CampaignHistory returns the anonymized donations of a campaign in sequence
// order. The sequence is lazy and may be ranged over more than once.
func (s *Service) CampaignHistory(ctx context.Context, campaignID string, opts HistoryOptions) (iter.Seq2[anonymize.PublicDonation, error], error) {
	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if opts.AfterSequence < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cursor must not be negative")
	}
	if opts.Limit < 0 || opts.Limit > maxHistoryPage {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("limit must be between 0 and %d", maxHistoryPage))
	}
	records := s.ledger.History(ctx, campaign.ID, ledger.HistoryOptions{
		AfterSequence: opts.AfterSequence,
		Limit:         opts.Limit,
	})
	return s.projector.ProjectAll(records), nil
}

// ArchiveStatus returns the archive view of a closed campaign. Open campaigns
// have no archive entry and yield NotFound.
func (s *Service) ArchiveStatus(ctx context.Context, campaignID string) (ArchiveView, error) {
	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return ArchiveView{}, err
	}
	entry, proofs, err := s.archive.Entry(ctx, campaign.ID)
	if err != nil {
		return ArchiveView{}, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "load archive entry")
	}
	if entry == nil {
		return ArchiveView{}, pkgerrors.New(pkgerrors.CodeNotFound, "campaign has not been closed").
			WithDetails(map[string]any{"campaign_id": campaign.ID})
	}
	refs := make([]string, 0, len(proofs))
	for _, p := range proofs {
		refs = append(refs, p.Reference)
	}
	return ArchiveView{
		CampaignID: entry.CampaignID,
		Status:     entry.Status,
		Snapshot: Snapshot{
			Total:        entry.SnapshotTotal,
			Count:        entry.SnapshotCount,
			LastSequence: entry.SnapshotLastSequence,
		},
		ProofReferences: refs,
		ManifestRef:     entry.ManifestRef,
		AttemptCount:    entry.AttemptCount,
		ClosedAt:        entry.ClosedAt.UTC(),
		ArchivedAt:      entry.ArchivedAt,
	}, nil
}

func percentOf(total int64, target *int64) *decimal.Decimal {
	if target == nil || *target <= 0 {
		return nil
	}
	pct := decimal.NewFromInt(total).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(*target), 2)
	return &pct
}
