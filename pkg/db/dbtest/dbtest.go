// Package dbtest opens throwaway SQLite databases carrying the real schema.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/starsfund-backend/pkg/config"
	"github.com/angelmondragon/starsfund-backend/pkg/db"
	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
	"github.com/angelmondragon/starsfund-backend/pkg/migrate"
)

// Open returns a migrated in-memory database private to the calling test.
func Open(t testing.TB) *db.Client {
	t.Helper()
	ctx := context.Background()
	client, err := db.New(ctx, config.DBConfig{
		Driver: config.DBDriverSQLite,
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000",
	}, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	sqlDB, err := client.DB().DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	if err := migrate.Up(ctx, sqlDB, config.DBDriverSQLite); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return client
}

// SeedCampaign inserts a campaign the way the authoring collaborator would.
func SeedCampaign(t testing.TB, client *db.Client, id, title string, target *int64, status enums.CampaignStatus) models.Campaign {
	t.Helper()
	if status == "" {
		status = enums.CampaignStatusOpen
	}
	campaign := models.Campaign{
		ID:           id,
		Title:        title,
		TargetAmount: target,
		Status:       status,
		CreatedAt:    time.Now().UTC(),
	}
	if err := client.DB().Create(&campaign).Error; err != nil {
		t.Fatalf("seed campaign %s: %v", id, err)
	}
	return campaign
}

// Int64 is a pointer helper for optional targets.
func Int64(v int64) *int64 { return &v }
