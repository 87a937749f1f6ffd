package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/starsfund-backend/internal/anonymize"
	"github.com/angelmondragon/starsfund-backend/internal/ledger"
	"github.com/angelmondragon/starsfund-backend/pkg/db"
	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
	"github.com/angelmondragon/starsfund-backend/pkg/metrics"
	"github.com/angelmondragon/starsfund-backend/pkg/outbox"
	"github.com/angelmondragon/starsfund-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ClosureChecker reports, inside the caller's transaction, whether a campaign
// has been closed by the ledger.
type ClosureChecker interface {
	IsClosed(ctx context.Context, tx *gorm.DB, campaignID string) (bool, error)
}

// Invalidator is told after every committed change to a campaign.
type Invalidator interface {
	Invalidate(ctx context.Context, campaignID string) error
}

// EngineParams wires the engine dependencies.
type EngineParams struct {
	DB          txRunner
	Store       ledger.Store
	Outbox      outbox.Emitter
	Closures    ClosureChecker
	Projector   anonymize.Projector
	Invalidator Invalidator
	Metrics     *metrics.LedgerMetrics
	Retry       db.RetryPolicy
	Logger      *logger.Logger
	Clock       func() time.Time
}

// Engine applies payment events to campaign state exactly once.
type Engine struct {
	db          txRunner
	store       ledger.Store
	outbox      outbox.Emitter
	closures    ClosureChecker
	projector   anonymize.Projector
	invalidator Invalidator
	metrics     *metrics.LedgerMetrics
	retry       db.RetryPolicy
	logg        *logger.Logger
	clock       func() time.Time
	gate        *gate
}

// NewEngine validates the dependencies and builds an engine.
func NewEngine(params EngineParams) (*Engine, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	closures := params.Closures
	if closures == nil {
		closures = archiveEntries{}
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		db:          params.DB,
		store:       params.Store,
		outbox:      params.Outbox,
		closures:    closures,
		projector:   params.Projector,
		invalidator: params.Invalidator,
		metrics:     params.Metrics,
		retry:       params.Retry,
		logg:        logg,
		clock:       clock,
		gate:        newGate(),
	}, nil
}

// Apply commits evt unless its dedup key was already committed for the
// campaign, in which case the original sequence is reported as a duplicate.
func (e *Engine) Apply(ctx context.Context, evt Event) (Result, error) {
	if err := evt.validate(); err != nil {
		return Result{}, err
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = e.now()
	}
	evt.ReceivedAt = evt.ReceivedAt.UTC()
	started := time.Now()

	ctx = e.logg.WithCampaignID(ctx, evt.CampaignID)
	ctx = e.logg.WithDedupKey(ctx, evt.DedupKey)

	release, err := e.gate.acquire(ctx, evt.CampaignID, evt.orderKey())
	if err != nil {
		return Result{}, err
	}
	defer release()

	var result Result
	attempt := 0
	err = db.Retry(ctx, e.retry, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			e.metrics.IncRetry()
		}
		r, err := e.applyOnce(ctx, evt)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return Result{}, e.classify(ctx, err, "apply donation")
	}

	committedAmount := int64(0)
	if result.Outcome == OutcomeCommitted {
		committedAmount = evt.Amount
		e.invalidate(ctx, evt.CampaignID)
	}
	e.metrics.ObserveApplied(string(result.Outcome), committedAmount, time.Since(started))
	e.logg.Info(e.logg.WithFields(ctx, map[string]any{
		"outcome":  result.Outcome,
		"sequence": result.Sequence,
	}), "donation applied")
	return result, nil
}

func (e *Engine) applyOnce(ctx context.Context, evt Event) (Result, error) {
	var result Result
	err := e.db.WithTx(ctx, func(tx *gorm.DB) error {
		store := e.store.WithTx(tx)

		existing, err := store.Exists(ctx, evt.CampaignID, evt.DedupKey)
		if err != nil {
			return err
		}
		if existing != nil {
			aggregate, err := store.Aggregate(ctx, evt.CampaignID)
			if err != nil {
				return err
			}
			result = duplicateOf(existing, aggregate)
			return nil
		}

		aggregate, err := store.LockAggregate(ctx, evt.CampaignID)
		if err != nil {
			return err
		}
		closed, err := e.closures.IsClosed(ctx, tx, evt.CampaignID)
		if err != nil {
			return err
		}
		if closed {
			return pkgerrors.New(pkgerrors.CodeCampaignClosed, "campaign is closed").
				WithDetails(map[string]any{"campaign_id": evt.CampaignID})
		}

		aggregate.LastSequence++
		aggregate.TotalAmount += evt.Amount
		aggregate.DonationCount++
		record := models.DonationRecord{
			DedupKey:   evt.DedupKey,
			CampaignID: evt.CampaignID,
			Amount:     evt.Amount,
			DonorRef:   evt.DonorRef,
			ProviderAt: evt.ProviderAt,
			ReceivedAt: evt.ReceivedAt,
			Sequence:   aggregate.LastSequence,
		}
		if err := store.AppendCommitted(ctx, &record, &aggregate); err != nil {
			return err
		}

		public := e.projector.Project(record)
		if err := e.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDonationCommitted,
			AggregateType: enums.AggregateCampaign,
			AggregateID:   evt.CampaignID,
			Actor:         &outbox.ActorRef{Kind: outbox.ActorKindEngine},
			Data: payloads.DonationCommittedEvent{
				CampaignID:    evt.CampaignID,
				Sequence:      public.Sequence,
				Amount:        public.Amount,
				ReceivedOn:    public.ReceivedOn,
				TotalAmount:   aggregate.TotalAmount,
				DonationCount: aggregate.DonationCount,
			},
		}); err != nil {
			return err
		}

		result = Result{
			Outcome:   OutcomeCommitted,
			Sequence:  record.Sequence,
			Aggregate: aggregateFrom(aggregate),
		}
		return nil
	})
	if err != nil && ledger.IsDuplicateRecord(err) {
		// another process committed the same key between our check and insert
		existing, rerr := e.store.Exists(ctx, evt.CampaignID, evt.DedupKey)
		if rerr != nil {
			return Result{}, rerr
		}
		if existing != nil {
			aggregate, rerr := e.store.Aggregate(ctx, evt.CampaignID)
			if rerr != nil {
				return Result{}, rerr
			}
			return duplicateOf(existing, aggregate), nil
		}
	}
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func duplicateOf(existing *models.DonationRecord, aggregate models.CampaignAggregate) Result {
	return Result{
		Outcome:   OutcomeDuplicate,
		Sequence:  existing.Sequence,
		Aggregate: aggregateFrom(aggregate),
	}
}

// SerializedFunc runs inside a campaign's critical section with the aggregate
// row locked.
type SerializedFunc func(ctx context.Context, tx *gorm.DB, aggregate models.CampaignAggregate) error

// Serialize runs fn in the same critical section donation commits use, so the
// two never interleave for a campaign. Transient storage errors rerun fn.
func (e *Engine) Serialize(ctx context.Context, campaignID string, fn SerializedFunc) error {
	if fn == nil {
		return errors.New("serialized func required")
	}
	release, err := e.gate.acquire(ctx, campaignID, e.now())
	if err != nil {
		return err
	}
	defer release()

	err = db.Retry(ctx, e.retry, func(ctx context.Context) error {
		return e.db.WithTx(ctx, func(tx *gorm.DB) error {
			aggregate, err := e.store.WithTx(tx).LockAggregate(ctx, campaignID)
			if err != nil {
				return err
			}
			return fn(ctx, tx, aggregate)
		})
	})
	if err != nil {
		return e.classify(ctx, err, "serialized campaign update")
	}
	e.invalidate(ctx, campaignID)
	return nil
}

// Exclusive holds the campaign slot while fn runs, without a transaction.
// Used for work that talks to external stores and must not overlap itself.
func (e *Engine) Exclusive(ctx context.Context, campaignID string, fn func(ctx context.Context) error) error {
	release, err := e.gate.acquire(ctx, campaignID, e.now())
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Invalidate forwards a change notification for campaignID.
func (e *Engine) Invalidate(ctx context.Context, campaignID string) {
	e.invalidate(ctx, campaignID)
}

// invalidate runs after commit, so the caller giving up must not skip it.
func (e *Engine) invalidate(ctx context.Context, campaignID string) {
	if e.invalidator == nil {
		return
	}
	if err := e.invalidator.Invalidate(context.WithoutCancel(ctx), campaignID); err != nil {
		e.logg.Error(ctx, "failed to invalidate campaign projection", err)
	}
}

// classify turns whatever escaped the retry loop into the error callers see.
// Typed errors pass through; anything else is a storage failure.
func (e *Engine) classify(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctxErr
	}
	if typed := pkgerrors.As(err); typed != nil {
		return err
	}
	logCtx := e.logg.WithField(ctx, "error_dump", pkgerrors.Dump(err))
	e.logg.Error(logCtx, op+" failed", err)
	return pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, op)
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// archiveEntries treats the existence of an archive entry as closure.
type archiveEntries struct{}

func (archiveEntries) IsClosed(ctx context.Context, tx *gorm.DB, campaignID string) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).
		Model(&models.ArchiveEntry{}).
		Where("campaign_id = ?", campaignID).
		Count(&count).Error
	return count > 0, err
}
