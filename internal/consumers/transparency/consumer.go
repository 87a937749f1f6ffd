// Package transparency exports committed donations, already anonymized by the
// outbox payload, to the public BigQuery dataset.
package transparency

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/starsfund-backend/pkg/db"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
	"github.com/angelmondragon/starsfund-backend/pkg/outbox"
	"github.com/angelmondragon/starsfund-backend/pkg/outbox/payloads"
)

const consumerName = "transparency"

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

type idempotencyChecker interface {
	CheckAndMarkProcessed(ctx context.Context, consumer, eventID string) (bool, error)
	Release(ctx context.Context, consumer, eventID string) error
}

// Consumer writes one public_donations row per donation_committed event.
type Consumer struct {
	client  tableInserter
	table   string
	manager idempotencyChecker
	retry   db.RetryPolicy
	logg    *logger.Logger
	clock   func() time.Time
}

// NewConsumer builds a transparency consumer.
func NewConsumer(client tableInserter, table string, manager idempotencyChecker, retry db.RetryPolicy, logg *logger.Logger) (*Consumer, error) {
	if client == nil {
		return nil, fmt.Errorf("bigquery client required")
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("bigquery table name required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		client:  client,
		table:   strings.TrimSpace(table),
		manager: manager,
		retry:   retry,
		logg:    logg,
		clock:   time.Now,
	}, nil
}

// publicDonationRow carries no donor reference; the payload it is built from
// never had one.
type publicDonationRow struct {
	EventID    string    `bigquery:"event_id"`
	CampaignID string    `bigquery:"campaign_id"`
	Sequence   int64     `bigquery:"sequence"`
	Amount     int64     `bigquery:"amount"`
	ReceivedOn time.Time `bigquery:"received_on"`
	ExportedAt time.Time `bigquery:"exported_at"`
}

// Process ingests a donation_committed envelope. Other events are ignored.
// Malformed payloads come back as VALIDATION_ERROR and are not worth
// redelivering; anything else is.
func (c *Consumer) Process(ctx context.Context, eventType enums.OutboxEventType, envelope outbox.PayloadEnvelope) error {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"event_id":   envelope.EventID,
		"event_type": eventType,
	})

	if eventType != enums.EventDonationCommitted {
		c.logg.Debug(logCtx, "event not exported")
		return nil
	}
	if strings.TrimSpace(envelope.EventID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "event id missing")
	}

	row, err := buildRow(envelope)
	if err != nil {
		return err
	}

	already, err := c.manager.CheckAndMarkProcessed(logCtx, consumerName, envelope.EventID)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if already {
		c.logg.Info(logCtx, "event already exported")
		return nil
	}

	row.ExportedAt = c.clock().UTC()
	insert := func(ctx context.Context) error {
		return c.client.InsertRows(ctx, c.table, []any{row})
	}
	if err := db.RetryIf(logCtx, c.retry, isRetryableBigQueryError, insert); err != nil {
		c.logg.Error(logCtx, "failed to insert public donation row", err)
		if releaseErr := c.manager.Release(logCtx, consumerName, envelope.EventID); releaseErr != nil {
			c.logg.Error(logCtx, "failed to release idempotency marker", releaseErr)
		}
		return fmt.Errorf("insert %s row: %w", c.table, err)
	}

	c.logg.Info(c.logg.WithCampaignID(logCtx, row.CampaignID), "public donation exported")
	return nil
}

func buildRow(envelope outbox.PayloadEnvelope) (*publicDonationRow, error) {
	if len(envelope.Data) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payload missing")
	}
	var evt payloads.DonationCommittedEvent
	if err := json.Unmarshal(envelope.Data, &evt); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode donation payload")
	}
	if evt.CampaignID == "" || evt.Sequence <= 0 || evt.Amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "donation payload incomplete")
	}
	return &publicDonationRow{
		EventID:    envelope.EventID,
		CampaignID: evt.CampaignID,
		Sequence:   evt.Sequence,
		Amount:     evt.Amount,
		ReceivedOn: evt.ReceivedOn.UTC(),
	}, nil
}
