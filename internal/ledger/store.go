package ledger

import (
	"context"
	"errors"
	"iter"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/starsfund-backend/pkg/db"
	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
)

const defaultHistoryBatchSize = 200

// Store persists committed donation records and the per-campaign aggregate
// that folds them. Records are append-only; the aggregate is only written in
// the same transaction as an append (or an audit repair).
type Store interface {
	WithTx(tx *gorm.DB) Store
	Exists(ctx context.Context, campaignID, dedupKey string) (*models.DonationRecord, error)
	LockAggregate(ctx context.Context, campaignID string) (models.CampaignAggregate, error)
	AppendCommitted(ctx context.Context, record *models.DonationRecord, aggregate *models.CampaignAggregate) error
	SaveAggregate(ctx context.Context, aggregate *models.CampaignAggregate) error
	Aggregate(ctx context.Context, campaignID string) (models.CampaignAggregate, error)
	Aggregates(ctx context.Context, campaignIDs []string) (map[string]models.CampaignAggregate, error)
	History(ctx context.Context, campaignID string, opts HistoryOptions) iter.Seq2[models.DonationRecord, error]
	Fold(ctx context.Context, campaignID string) (Fold, error)
	ListCampaigns(ctx context.Context, after string, limit int) ([]string, error)
}

// HistoryOptions bounds a history scan. Zero values mean "from the start" and
// "no limit".
type HistoryOptions struct {
	AfterSequence int64
	Limit         int
	BatchSize     int
}

type repository struct {
	db        *gorm.DB
	batchSize int
}

// NewStore returns a ledger store bound to the provided database.
func NewStore(db *gorm.DB, historyBatchSize int) Store {
	if historyBatchSize <= 0 {
		historyBatchSize = defaultHistoryBatchSize
	}
	return &repository{db: db, batchSize: historyBatchSize}
}

func (r *repository) WithTx(tx *gorm.DB) Store {
	if tx == nil {
		return r
	}
	return &repository{db: tx, batchSize: r.batchSize}
}

// Exists returns the committed record for the key, or nil when it is unseen.
func (r *repository) Exists(ctx context.Context, campaignID, dedupKey string) (*models.DonationRecord, error) {
	var record models.DonationRecord
	err := r.db.WithContext(ctx).
		Where("campaign_id = ? AND dedup_key = ?", campaignID, dedupKey).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// LockAggregate creates the aggregate row on first use and then reads it under
// a row lock. Must run inside a transaction.
func (r *repository) LockAggregate(ctx context.Context, campaignID string) (models.CampaignAggregate, error) {
	if err := r.db.WithContext(ctx).Exec(
		`INSERT INTO campaign_aggregates (campaign_id, total_amount, donation_count, last_sequence, updated_at)
		 VALUES (?, 0, 0, 0, ?)
		 ON CONFLICT (campaign_id) DO NOTHING`,
		campaignID, time.Now().UTC(),
	).Error; err != nil {
		return models.CampaignAggregate{}, err
	}

	q := r.db.WithContext(ctx)
	if r.db.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var aggregate models.CampaignAggregate
	if err := q.Where("campaign_id = ?", campaignID).Take(&aggregate).Error; err != nil {
		return models.CampaignAggregate{}, err
	}
	return aggregate, nil
}

func (r *repository) AppendCommitted(ctx context.Context, record *models.DonationRecord, aggregate *models.CampaignAggregate) error {
	if record == nil || aggregate == nil {
		return errors.New("record and aggregate are required")
	}
	if record.CampaignID != aggregate.CampaignID {
		return errors.New("record and aggregate belong to different campaigns")
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return err
	}
	return r.SaveAggregate(ctx, aggregate)
}

func (r *repository) SaveAggregate(ctx context.Context, aggregate *models.CampaignAggregate) error {
	if aggregate == nil {
		return errors.New("aggregate is required")
	}
	aggregate.UpdatedAt = time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.CampaignAggregate{}).
		Where("campaign_id = ?", aggregate.CampaignID).
		Updates(map[string]any{
			"total_amount":   aggregate.TotalAmount,
			"donation_count": aggregate.DonationCount,
			"last_sequence":  aggregate.LastSequence,
			"updated_at":     aggregate.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("campaign aggregate row missing; lock it before saving")
	}
	return nil
}

// Aggregate is a single-row read; campaigns without donations yield a zero
// aggregate.
func (r *repository) Aggregate(ctx context.Context, campaignID string) (models.CampaignAggregate, error) {
	var aggregate models.CampaignAggregate
	err := r.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Take(&aggregate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.CampaignAggregate{CampaignID: campaignID}, nil
	}
	if err != nil {
		return models.CampaignAggregate{}, err
	}
	return aggregate, nil
}

// Aggregates reads several aggregates in one statement. Campaigns without
// donations are absent from the result.
func (r *repository) Aggregates(ctx context.Context, campaignIDs []string) (map[string]models.CampaignAggregate, error) {
	out := make(map[string]models.CampaignAggregate, len(campaignIDs))
	if len(campaignIDs) == 0 {
		return out, nil
	}
	var rows []models.CampaignAggregate
	if err := r.db.WithContext(ctx).Where("campaign_id IN ?", campaignIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.CampaignID] = row
	}
	return out, nil
}

// History walks committed records in sequence order using keyset batches.
// The upper bound is the last sequence at the moment iteration starts, so a
// scan always terminates even while donations keep arriving. The returned
// sequence may be ranged over again to restart from the beginning.
func (r *repository) History(ctx context.Context, campaignID string, opts HistoryOptions) iter.Seq2[models.DonationRecord, error] {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = r.batchSize
	}
	return func(yield func(models.DonationRecord, error) bool) {
		aggregate, err := r.Aggregate(ctx, campaignID)
		if err != nil {
			yield(models.DonationRecord{}, err)
			return
		}
		upper := aggregate.LastSequence
		cursor := opts.AfterSequence
		emitted := 0

		for cursor < upper {
			size := batch
			if opts.Limit > 0 && opts.Limit-emitted < size {
				size = opts.Limit - emitted
			}
			var rows []models.DonationRecord
			err := r.db.WithContext(ctx).
				Where("campaign_id = ? AND sequence > ? AND sequence <= ?", campaignID, cursor, upper).
				Order("sequence ASC").
				Limit(size).
				Find(&rows).Error
			if err != nil {
				yield(models.DonationRecord{}, err)
				return
			}
			for _, row := range rows {
				if !yield(row, nil) {
					return
				}
				emitted++
				cursor = row.Sequence
			}
			if len(rows) < size || (opts.Limit > 0 && emitted >= opts.Limit) {
				return
			}
		}
	}
}

// Fold is the aggregate recomputed from the log itself.
type Fold struct {
	Total       int64 `gorm:"column:total" json:"total"`
	Count       int64 `gorm:"column:count" json:"count"`
	MaxSequence int64 `gorm:"column:max_sequence" json:"max_sequence"`
	MinSequence int64 `gorm:"column:min_sequence" json:"min_sequence"`
}

// GapFree reports whether sequences run 1..MaxSequence without holes.
// Sequences are unique per campaign, so count == max is sufficient.
func (f Fold) GapFree() bool {
	if f.Count == 0 {
		return f.MaxSequence == 0
	}
	return f.MinSequence == 1 && f.Count == f.MaxSequence
}

// Matches reports whether the stored aggregate agrees with the fold.
func (f Fold) Matches(aggregate models.CampaignAggregate) bool {
	return f.Total == aggregate.TotalAmount &&
		f.Count == aggregate.DonationCount &&
		f.MaxSequence == aggregate.LastSequence
}

func (r *repository) Fold(ctx context.Context, campaignID string) (Fold, error) {
	var fold Fold
	err := r.db.WithContext(ctx).
		Model(&models.DonationRecord{}).
		Select("CAST(COALESCE(SUM(amount), 0) AS BIGINT) AS total, COUNT(*) AS count, " +
			"COALESCE(MAX(sequence), 0) AS max_sequence, COALESCE(MIN(sequence), 0) AS min_sequence").
		Where("campaign_id = ?", campaignID).
		Scan(&fold).Error
	return fold, err
}

// ListCampaigns pages through campaigns that have an aggregate row, ordered by id.
func (r *repository) ListCampaigns(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.CampaignAggregate{}).
		Where("campaign_id > ?", after).
		Order("campaign_id ASC").
		Limit(limit).
		Pluck("campaign_id", &ids).Error
	return ids, err
}

// IsDuplicateRecord reports whether err is a violation of the per-campaign
// dedup key constraint, as raised by a racing writer.
func IsDuplicateRecord(err error) bool {
	return db.IsUniqueViolation(err, "ux_donation_records_campaign_dedup") ||
		db.IsUniqueViolation(err, "donation_records.dedup_key")
}
