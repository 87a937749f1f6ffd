package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/starsfund-backend/internal/anonymize"
	"github.com/angelmondragon/starsfund-backend/internal/archive"
	"github.com/angelmondragon/starsfund-backend/internal/campaigns"
	"github.com/angelmondragon/starsfund-backend/internal/ledger"
	"github.com/angelmondragon/starsfund-backend/internal/reconcile"
	"github.com/angelmondragon/starsfund-backend/pkg/db"
	"github.com/angelmondragon/starsfund-backend/pkg/db/dbtest"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
	"github.com/angelmondragon/starsfund-backend/pkg/outbox"
)

var fixedNow = time.Date(2026, 5, 20, 18, 45, 0, 0, time.UTC)

type fakeCache struct {
	mu     sync.Mutex
	values map[string]string
	sets   int
	getErr error
	// incrFailures fails that many Incr calls before succeeding; -1 fails all.
	incrFailures int
	incrCalls    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: map[string]string{}}
}

func (f *fakeCache) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", f.getErr
	}
	v, ok := f.values[key]
	if !ok {
		return "", goredis.Nil
	}
	return v, nil
}

func (f *fakeCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	default:
		f.values[key] = fmt.Sprint(v)
	}
	return nil
}

func (f *fakeCache) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incrCalls++
	if f.incrFailures != 0 {
		if f.incrFailures > 0 {
			f.incrFailures--
		}
		return 0, errors.New("redis: connection reset")
	}
	n, _ := strconv.ParseInt(f.values[key], 10, 64)
	n++
	f.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (f *fakeCache) ProjectionVersionKey(campaignID string) string {
	return "sf:projection:version:" + campaignID
}

func (f *fakeCache) ProjectionKey(campaignID string, version int64) string {
	return "sf:projection:progress:" + campaignID + ":" + strconv.FormatInt(version, 10)
}

type harness struct {
	client  *db.Client
	engine  *reconcile.Engine
	linker  *archive.Linker
	service *Service
	cache   *fakeCache
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := dbtest.Open(t)
	store := ledger.NewStore(client.DB(), 2)
	emitter := outbox.NewService(outbox.NewRepository(client.DB()), logger.Nop())
	retry := db.RetryPolicy{Attempts: 1, Base: time.Millisecond}
	clock := func() time.Time { return fixedNow }

	fc := newFakeCache()
	cache := NewProgressCache(fc, time.Minute, retry, nil)

	engine, err := reconcile.NewEngine(reconcile.EngineParams{
		DB:          client,
		Store:       store,
		Outbox:      emitter,
		Projector:   anonymize.NewProjector("day"),
		Invalidator: cache,
		Retry:       retry,
		Clock:       clock,
	})
	require.NoError(t, err)

	campaignSvc, err := campaigns.NewService(campaigns.NewRepository(client.DB()))
	require.NoError(t, err)

	dir := t.TempDir()
	files, err := archive.NewFileStore(dir)
	require.NoError(t, err)
	repo := archive.NewRepository(client.DB())
	linker, err := archive.NewLinker(archive.LinkerParams{
		DB:        client,
		Repo:      repo,
		Engine:    engine,
		Campaigns: campaignSvc,
		Ledger:    store,
		Proofs:    files,
		Outbox:    emitter,
		Projector: anonymize.NewProjector("day"),
		Retry:     retry,
		Clock:     clock,
	})
	require.NoError(t, err)

	service, err := NewService(ServiceParams{
		Campaigns: campaignSvc,
		Ledger:    store,
		Archive:   linker,
		Projector: anonymize.NewProjector("day"),
		Cache:     cache,
	})
	require.NoError(t, err)

	return &harness{client: client, engine: engine, linker: linker, service: service, cache: fc, dir: dir}
}

func (h *harness) donate(t *testing.T, campaignID, key string, amount int64, receivedAt time.Time) {
	t.Helper()
	_, err := h.engine.Apply(context.Background(), reconcile.Event{
		DedupKey:   key,
		CampaignID: campaignID,
		Amount:     amount,
		DonorRef:   "tg:secret-" + key,
		ReceivedAt: receivedAt,
	})
	require.NoError(t, err)
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	assert.Error(t, err)
}

func TestCampaignProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCampaign(t, h.client, "well-123", "Village well", dbtest.Int64(100000), enums.CampaignStatusOpen)

	empty, err := h.service.CampaignProgress(ctx, "well-123")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	require.NotNil(t, empty.PercentOfTarget)
	assert.Equal(t, "0", empty.PercentOfTarget.String())

	h.donate(t, "well-123", "tx1", 5000, fixedNow)
	h.donate(t, "well-123", "tx2", 3000, fixedNow)

	progress, err := h.service.CampaignProgress(ctx, "well-123")
	require.NoError(t, err)
	assert.Equal(t, "well-123", progress.CampaignID)
	assert.Equal(t, "Village well", progress.Title)
	assert.Equal(t, int64(8000), progress.Total)
	assert.Equal(t, int64(2), progress.Count)
	assert.Equal(t, enums.CampaignStatusOpen, progress.Status)
	require.NotNil(t, progress.Target)
	assert.Equal(t, int64(100000), *progress.Target)
	assert.Equal(t, "8", progress.PercentOfTarget.String())

	_, err = h.service.CampaignProgress(ctx, "nope")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnknownCampaign), "got %v", err)
}

func TestCampaignProgress_PercentRounding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCampaign(t, h.client, "c-1", "Thirds", dbtest.Int64(3), enums.CampaignStatusOpen)
	dbtest.SeedCampaign(t, h.client, "c-2", "No target", nil, enums.CampaignStatusOpen)

	h.donate(t, "c-1", "tx1", 1, fixedNow)
	h.donate(t, "c-2", "tx1", 1, fixedNow)

	progress, err := h.service.CampaignProgress(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "33.33", progress.PercentOfTarget.StringFixed(2))

	noTarget, err := h.service.CampaignProgress(ctx, "c-2")
	require.NoError(t, err)
	assert.Nil(t, noTarget.PercentOfTarget)
	assert.Nil(t, noTarget.Target)
}

func TestCampaignProgress_CacheNeverServesStaleAfterCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCampaign(t, h.client, "c-1", "Campaign", nil, enums.CampaignStatusOpen)

	h.donate(t, "c-1", "tx1", 10, fixedNow)
	first, err := h.service.CampaignProgress(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), first.Total)
	setsAfterFirst := h.cache.sets

	again, err := h.service.CampaignProgress(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, setsAfterFirst, h.cache.sets, "second read is served from cache")

	h.donate(t, "c-1", "tx2", 15, fixedNow)
	after, err := h.service.CampaignProgress(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), after.Total)
	assert.Equal(t, int64(2), after.Count)

	_, err = h.linker.Close(ctx, "c-1")
	require.NoError(t, err)
	closed, err := h.service.CampaignProgress(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, enums.CampaignStatusClosed, closed.Status)
}

func TestCampaignProgress_RetriesVersionBump(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCampaign(t, h.client, "c-1", "Campaign", nil, enums.CampaignStatusOpen)

	_, err := h.service.CampaignProgress(ctx, "c-1")
	require.NoError(t, err)

	h.cache.incrFailures = 1
	h.donate(t, "c-1", "tx1", 500, fixedNow)
	assert.Equal(t, 2, h.cache.incrCalls)
	version, err := h.cache.Get(ctx, h.cache.ProjectionVersionKey("c-1"))
	require.NoError(t, err)
	assert.Equal(t, "1", version)
}

func TestCampaignProgress_FailedVersionBumpNeverServesOldTotal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCampaign(t, h.client, "c-1", "Campaign", nil, enums.CampaignStatusOpen)

	before, err := h.service.CampaignProgress(ctx, "c-1")
	require.NoError(t, err)
	assert.Zero(t, before.Total)

	h.cache.incrFailures = -1
	h.donate(t, "c-1", "tx1", 500, fixedNow)

	after, err := h.service.CampaignProgress(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), after.Total)
	assert.Equal(t, int64(1), after.Count)

	cached, err := h.service.CampaignProgress(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, after, cached)
}

func TestCampaignProgress_CacheErrorsFallBackToStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCampaign(t, h.client, "c-1", "Campaign", nil, enums.CampaignStatusOpen)
	h.donate(t, "c-1", "tx1", 10, fixedNow)

	h.cache.getErr = errors.New("redis down")
	progress, err := h.service.CampaignProgress(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), progress.Total)
}

func TestCampaignHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCampaign(t, h.client, "c-1", "Campaign", nil, enums.CampaignStatusOpen)
	for i := 1; i <= 5; i++ {
		h.donate(t, "c-1", fmt.Sprintf("tx%d", i), int64(i*100), fixedNow.Add(time.Duration(i)*time.Minute))
	}

	history, err := h.service.CampaignHistory(ctx, "c-1", HistoryOptions{})
	require.NoError(t, err)

	collect := func() []anonymize.PublicDonation {
		var out []anonymize.PublicDonation
		for d, err := range history {
			require.NoError(t, err)
			out = append(out, d)
		}
		return out
	}
	all := collect()
	require.Len(t, all, 5)
	for i, d := range all {
		assert.Equal(t, int64(i+1), d.Sequence)
		assert.Equal(t, int64((i+1)*100), d.Amount)
		assert.Equal(t, time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC), d.ReceivedOn)
	}
	assert.Equal(t, all, collect(), "history can be ranged over again")

	raw, err := json.Marshal(all)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")

	page, err := h.service.CampaignHistory(ctx, "c-1", HistoryOptions{AfterSequence: 2, Limit: 2})
	require.NoError(t, err)
	var seqs []int64
	for d, err := range page {
		require.NoError(t, err)
		seqs = append(seqs, d.Sequence)
	}
	assert.Equal(t, []int64{3, 4}, seqs)

	_, err = h.service.CampaignHistory(ctx, "c-1", HistoryOptions{Limit: maxHistoryPage + 1})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = h.service.CampaignHistory(ctx, "c-1", HistoryOptions{AfterSequence: -1})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = h.service.CampaignHistory(ctx, "missing", HistoryOptions{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnknownCampaign))
}

func TestArchiveStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCampaign(t, h.client, "well-123", "Village well", dbtest.Int64(100000), enums.CampaignStatusOpen)
	h.donate(t, "well-123", "tx1", 5000, fixedNow)
	h.donate(t, "well-123", "tx2", 3000, fixedNow)

	_, err := h.service.ArchiveStatus(ctx, "well-123")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "got %v", err)

	_, err = h.linker.Close(ctx, "well-123")
	require.NoError(t, err)
	_, err = h.linker.AttachProofs(ctx, "well-123", []string{"receipts/wire.pdf"})
	require.NoError(t, err)

	view, err := h.service.ArchiveStatus(ctx, "well-123")
	require.NoError(t, err)
	assert.Equal(t, enums.ArchiveStatusPending, view.Status)
	assert.Equal(t, Snapshot{Total: 8000, Count: 2, LastSequence: 2}, view.Snapshot)
	assert.Equal(t, []string{"receipts/wire.pdf"}, view.ProofReferences)
	assert.Nil(t, view.ManifestRef)
	assert.Equal(t, fixedNow, view.ClosedAt)
}

func TestListCampaigns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCampaign(t, h.client, "a-school", "School roof", dbtest.Int64(1000), enums.CampaignStatusOpen)
	dbtest.SeedCampaign(t, h.client, "b-clinic", "Clinic", nil, enums.CampaignStatusOpen)
	dbtest.SeedCampaign(t, h.client, "c-drafted", "Ended by author", nil, enums.CampaignStatusClosed)
	dbtest.SeedCampaign(t, h.client, "d-well", "Village well", nil, enums.CampaignStatusOpen)
	dbtest.SeedCampaign(t, h.client, "e-bridge", "Bridge", nil, enums.CampaignStatusOpen)

	h.donate(t, "a-school", "tx1", 250, fixedNow)
	h.donate(t, "d-well", "tx1", 10, fixedNow)
	_, err := h.linker.Close(ctx, "d-well")
	require.NoError(t, err)

	all, err := h.service.ListCampaigns(ctx, CampaignListOptions{})
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, p := range all {
		ids = append(ids, p.CampaignID)
		assert.Equal(t, enums.CampaignStatusOpen, p.Status)
	}
	assert.Equal(t, []string{"a-school", "b-clinic", "e-bridge"}, ids)
	assert.Equal(t, int64(250), all[0].Total)
	assert.Equal(t, int64(1), all[0].Count)
	assert.Equal(t, "25", all[0].PercentOfTarget.String())
	assert.Zero(t, all[1].Total)

	page, err := h.service.ListCampaigns(ctx, CampaignListOptions{After: "a-school", Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b-clinic", page[0].CampaignID)

	_, err = h.service.ListCampaigns(ctx, CampaignListOptions{Limit: -1})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
}
