package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/starsfund-backend/internal/anonymize"
	"github.com/angelmondragon/starsfund-backend/internal/ledger"
	"github.com/angelmondragon/starsfund-backend/pkg/db"
	"github.com/angelmondragon/starsfund-backend/pkg/db/dbtest"
	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
	"github.com/angelmondragon/starsfund-backend/pkg/metrics"
	"github.com/angelmondragon/starsfund-backend/pkg/outbox"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingInvalidator struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, campaignID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[campaignID]++
	return nil
}

func (r *recordingInvalidator) count(campaignID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[campaignID]
}

type harness struct {
	client      *db.Client
	store       ledger.Store
	engine      *Engine
	invalidator *recordingInvalidator
}

func newHarness(t *testing.T, mutate ...func(*EngineParams)) *harness {
	t.Helper()
	client := dbtest.Open(t)
	store := ledger.NewStore(client.DB(), 2)
	invalidator := &recordingInvalidator{}
	params := EngineParams{
		DB:          client,
		Store:       store,
		Outbox:      outbox.NewService(outbox.NewRepository(client.DB()), logger.Nop()),
		Projector:   anonymize.NewProjector("day"),
		Invalidator: invalidator,
		Retry:       db.RetryPolicy{Attempts: 2, Base: time.Millisecond, Max: 2 * time.Millisecond},
		Clock:       func() time.Time { return fixedNow },
	}
	for _, fn := range mutate {
		fn(&params)
	}
	engine, err := NewEngine(params)
	require.NoError(t, err)
	return &harness{client: client, store: store, engine: engine, invalidator: invalidator}
}

func donation(campaignID, key string, amount int64) Event {
	return Event{DedupKey: key, CampaignID: campaignID, Amount: amount, DonorRef: "tg:" + key}
}

func (h *harness) closeCampaign(t *testing.T, campaignID string) {
	t.Helper()
	err := h.engine.Serialize(context.Background(), campaignID, func(ctx context.Context, tx *gorm.DB, aggregate models.CampaignAggregate) error {
		return tx.Create(&models.ArchiveEntry{
			CampaignID:           campaignID,
			SnapshotTotal:        aggregate.TotalAmount,
			SnapshotCount:        aggregate.DonationCount,
			SnapshotLastSequence: aggregate.LastSequence,
			Status:               enums.ArchiveStatusPending,
			ClosedAt:             fixedNow,
		}).Error
	})
	require.NoError(t, err)
}

func (h *harness) outboxCount(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.client.DB().Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(EngineParams{})
	assert.Error(t, err)
}

func TestEngine_Well123Scenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.engine.Apply(ctx, donation("well-123", "tx1", 5000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, first.Outcome)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, Aggregate{CampaignID: "well-123", TotalAmount: 5000, DonationCount: 1, LastSequence: 1}, first.Aggregate)

	again, err := h.engine.Apply(ctx, donation("well-123", "tx1", 5000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Equal(t, int64(1), again.Sequence)
	assert.Equal(t, int64(5000), again.Aggregate.TotalAmount)

	second, err := h.engine.Apply(ctx, donation("well-123", "tx2", 3000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, second.Outcome)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, int64(8000), second.Aggregate.TotalAmount)
	assert.Equal(t, int64(2), second.Aggregate.DonationCount)

	h.closeCampaign(t, "well-123")

	_, err = h.engine.Apply(ctx, donation("well-123", "tx3", 1000))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeCampaignClosed), "got %v", err)

	aggregate, err := h.store.Aggregate(ctx, "well-123")
	require.NoError(t, err)
	assert.Equal(t, int64(8000), aggregate.TotalAmount)
	assert.Equal(t, int64(2), aggregate.DonationCount)
	assert.Equal(t, int64(2), h.outboxCount(t, enums.EventDonationCommitted))
}

func TestEngine_IdempotentUnderRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := h.engine.Apply(ctx, donation("c-1", "tx-same", 42))
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Sequence)
		if i == 0 {
			assert.Equal(t, OutcomeCommitted, result.Outcome)
		} else {
			assert.Equal(t, OutcomeDuplicate, result.Outcome)
		}
	}

	fold, err := h.store.Fold(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fold.Count)
	assert.Equal(t, int64(42), fold.Total)
	assert.Equal(t, 1, h.invalidator.count("c-1"), "duplicates must not invalidate")
}

func TestEngine_DedupKeysScopedPerCampaign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.engine.Apply(ctx, donation("c-1", "tx-1", 10))
	require.NoError(t, err)
	b, err := h.engine.Apply(ctx, donation("c-2", "tx-1", 20))
	require.NoError(t, err)

	assert.Equal(t, OutcomeCommitted, a.Outcome)
	assert.Equal(t, OutcomeCommitted, b.Outcome)
	assert.Equal(t, int64(1), b.Sequence)
}

func TestEngine_ConservationAndGapFreeSequences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	var want int64
	for i := 0; i < 40; i++ {
		amount := int64(rng.Intn(10000) + 1)
		key := fmt.Sprintf("tx-%d", rng.Intn(30))
		result, err := h.engine.Apply(ctx, donation("c-1", key, amount))
		require.NoError(t, err)
		if result.Outcome == OutcomeCommitted {
			want += amount
		}
	}

	fold, err := h.store.Fold(ctx, "c-1")
	require.NoError(t, err)
	aggregate, err := h.store.Aggregate(ctx, "c-1")
	require.NoError(t, err)

	assert.Equal(t, want, aggregate.TotalAmount)
	assert.True(t, fold.Matches(aggregate))
	assert.True(t, fold.GapFree())

	var prev int64
	for record, err := range h.store.History(ctx, "c-1", ledger.HistoryOptions{}) {
		require.NoError(t, err)
		assert.Equal(t, prev+1, record.Sequence)
		prev = record.Sequence
	}
	assert.Equal(t, aggregate.LastSequence, prev)
}

func TestEngine_ConcurrentDistinctKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const n = 24

	var wg sync.WaitGroup
	errs := make(chan error, n*2)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Apply(ctx, donation("hot", fmt.Sprintf("tx-%d", i), int64(i+1)))
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Apply(ctx, donation(fmt.Sprintf("cold-%d", i%3), fmt.Sprintf("tx-%d", i), 1))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	aggregate, err := h.store.Aggregate(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, int64(n*(n+1)/2), aggregate.TotalAmount)
	assert.Equal(t, int64(n), aggregate.DonationCount)

	fold, err := h.store.Fold(ctx, "hot")
	require.NoError(t, err)
	assert.True(t, fold.GapFree())
	assert.Zero(t, h.engine.gate.active())
}

func TestEngine_ConcurrentSameKeyCommitsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var committed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.engine.Apply(ctx, donation("c-1", "tx-dup", 5))
			assert.NoError(t, err)
			if result.Outcome == OutcomeCommitted {
				committed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), committed.Load())
	aggregate, err := h.store.Aggregate(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), aggregate.TotalAmount)
}

func TestEngine_RejectsInvalidEvents(t *testing.T) {
	h := newHarness(t)
	cases := map[string]Event{
		"zero amount":     donation("c-1", "tx", 0),
		"negative amount": donation("c-1", "tx", -5),
		"missing key":     donation("c-1", "", 5),
		"missing campaign": donation("", "tx", 5),
		"missing donor":   {DedupKey: "tx", CampaignID: "c-1", Amount: 5},
	}
	for name, evt := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.engine.Apply(context.Background(), evt)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidEvent), "got %v", err)
		})
	}
}

func TestEngine_OutboxPayloadIsAnonymous(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Apply(ctx, Event{
		DedupKey: "tx-9", CampaignID: "c-1", Amount: 77, DonorRef: "tg:987654",
		ReceivedAt: time.Date(2026, 3, 1, 18, 45, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	var rows []models.OutboxEvent
	require.NoError(t, h.client.DB().Find(&rows).Error)
	require.Len(t, rows, 1)
	payload := string(rows[0].Payload)
	assert.NotContains(t, payload, "987654")
	assert.NotContains(t, payload, "tx-9")
	assert.Contains(t, payload, `"received_on":"2026-03-01T00:00:00Z"`)
	assert.Equal(t, "c-1", rows[0].AggregateID)
}

func TestEngine_ResolvesRacingWriterAsDuplicate(t *testing.T) {
	blind := &atomic.Bool{}
	var store ledger.Store
	h := newHarness(t, func(p *EngineParams) {
		store = blindStore{Store: p.Store, blind: blind}
		p.Store = store
	})
	ctx := context.Background()

	_, err := h.engine.Apply(ctx, donation("c-1", "tx-1", 10))
	require.NoError(t, err)

	blind.Store(true)
	result, err := h.engine.Apply(ctx, donation("c-1", "tx-1", 10))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, result.Outcome)
	assert.Equal(t, int64(1), result.Sequence)

	aggregate, err := h.store.Aggregate(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), aggregate.DonationCount)
}

// blindStore misses the first dedup lookup, as if another process committed
// the key after the check.
type blindStore struct {
	ledger.Store
	blind *atomic.Bool
}

func (s blindStore) WithTx(tx *gorm.DB) ledger.Store {
	return blindStore{Store: s.Store.WithTx(tx), blind: s.blind}
}

func (s blindStore) Exists(ctx context.Context, campaignID, dedupKey string) (*models.DonationRecord, error) {
	if s.blind.CompareAndSwap(true, false) {
		return nil, nil
	}
	return s.Store.Exists(ctx, campaignID, dedupKey)
}

type flakyRunner struct {
	inner    txRunner
	failures int
	calls    atomic.Int32
}

func (f *flakyRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if int(f.calls.Add(1)) <= f.failures {
		return errors.New("database is locked")
	}
	return f.inner.WithTx(ctx, fn)
}

func TestEngine_RetriesTransientStorageErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	runner := &flakyRunner{failures: 2}
	h := newHarness(t, func(p *EngineParams) {
		runner.inner = p.DB
		p.DB = runner
		p.Metrics = metrics.NewLedgerMetrics(reg)
	})

	result, err := h.engine.Apply(context.Background(), donation("c-1", "tx-1", 10))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, result.Outcome)
	assert.Equal(t, int32(3), runner.calls.Load())

	count, err := testutil.GatherAndCount(reg, "starsfund_ledger_storage_retries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEngine_ExhaustedRetriesAreStorageUnavailable(t *testing.T) {
	runner := &flakyRunner{failures: 100}
	h := newHarness(t, func(p *EngineParams) {
		runner.inner = p.DB
		p.DB = runner
	})

	_, err := h.engine.Apply(context.Background(), donation("c-1", "tx-1", 10))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStorageUnavailable), "got %v", err)
	assert.True(t, pkgerrors.IsRetryable(err))
	assert.Equal(t, int32(3), runner.calls.Load())

	fold, ferr := h.store.Fold(context.Background(), "c-1")
	require.NoError(t, ferr)
	assert.Zero(t, fold.Count)
	assert.Zero(t, h.invalidator.count("c-1"))
}

func TestEngine_CancelledContextHasNoEffect(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.Apply(ctx, donation("c-1", "tx-1", 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	fold, ferr := h.store.Fold(context.Background(), "c-1")
	require.NoError(t, ferr)
	assert.Zero(t, fold.Count)
}

func TestEngine_SerializeRollsBackOnError(t *testing.T) {
	h := newHarness(t)
	boom := pkgerrors.New(pkgerrors.CodeStateConflict, "nope")

	err := h.engine.Serialize(context.Background(), "c-1", func(ctx context.Context, tx *gorm.DB, aggregate models.CampaignAggregate) error {
		if err := tx.Create(&models.ArchiveEntry{CampaignID: "c-1", Status: enums.ArchiveStatusPending, ClosedAt: fixedNow}).Error; err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = h.engine.Apply(context.Background(), donation("c-1", "tx-1", 10))
	assert.NoError(t, err, "rolled back closure must leave the campaign open")
}

func TestEngine_ExclusiveBlocksDonationsForCampaign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entered := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- h.engine.Exclusive(ctx, "c-1", func(ctx context.Context) error {
			close(entered)
			<-proceed
			return nil
		})
	}()
	<-entered

	applied := make(chan struct{})
	go func() {
		_, _ = h.engine.Apply(ctx, donation("c-1", "tx-1", 1))
		close(applied)
	}()

	select {
	case <-applied:
		t.Fatal("donation committed while the campaign slot was held")
	case <-time.After(50 * time.Millisecond):
	}
	close(proceed)
	require.NoError(t, <-done)
	<-applied
}
