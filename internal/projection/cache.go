package projection

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/starsfund-backend/pkg/db"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
	"github.com/angelmondragon/starsfund-backend/pkg/redis"
)

// ProgressCache stores progress snapshots keyed by a per-campaign version.
// Bumping the version makes every earlier snapshot unreachable. Each snapshot
// also carries the ledger sequence it was built at, so a bump that never
// landed cannot keep an outdated total alive.
type ProgressCache struct {
	store redis.VersionedCache
	ttl   time.Duration
	retry db.RetryPolicy
	logg  *logger.Logger
}

// progressSnapshot is the cached form of a Progress.
type progressSnapshot struct {
	Progress     Progress `json:"progress"`
	LastSequence int64    `json:"last_sequence"`
}

func NewProgressCache(store redis.VersionedCache, ttl time.Duration, retry db.RetryPolicy, logg *logger.Logger) *ProgressCache {
	if logg == nil {
		logg = logger.Nop()
	}
	return &ProgressCache{store: store, ttl: ttl, retry: retry, logg: logg}
}

// Invalidate bumps the campaign's version, retrying with backoff. The engine
// and the archive linker call it after every successful change.
func (c *ProgressCache) Invalidate(ctx context.Context, campaignID string) error {
	if c == nil || c.store == nil {
		return nil
	}
	key := c.store.ProjectionVersionKey(campaignID)
	return db.RetryIf(ctx, c.retry, isRetryableCacheError, func(ctx context.Context) error {
		_, err := c.store.Incr(ctx, key)
		return err
	})
}

func isRetryableCacheError(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *ProgressCache) version(ctx context.Context, campaignID string) (int64, error) {
	raw, err := c.store.Get(ctx, c.store.ProjectionVersionKey(campaignID))
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// load returns the cached snapshot and the version it was looked up at. A
// miss reports ok=false with the version to store under.
func (c *ProgressCache) load(ctx context.Context, campaignID string) (progressSnapshot, int64, bool) {
	if c == nil || c.store == nil {
		return progressSnapshot{}, 0, false
	}
	version, err := c.version(ctx, campaignID)
	if err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "projection cache version lookup failed")
		return progressSnapshot{}, -1, false
	}
	raw, err := c.store.Get(ctx, c.store.ProjectionKey(campaignID, version))
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "projection cache read failed")
		}
		return progressSnapshot{}, version, false
	}
	var snapshot progressSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return progressSnapshot{}, version, false
	}
	return snapshot, version, true
}

func (c *ProgressCache) save(ctx context.Context, campaignID string, version int64, snapshot progressSnapshot) {
	if c == nil || c.store == nil || version < 0 {
		return
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, c.store.ProjectionKey(campaignID, version), payload, c.ttl); err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "projection cache write failed")
	}
}
