package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/starsfund-backend/internal/app"
	"github.com/angelmondragon/starsfund-backend/internal/campaigns"
	"github.com/angelmondragon/starsfund-backend/internal/intake"
	"github.com/angelmondragon/starsfund-backend/internal/reconcile"
	"github.com/angelmondragon/starsfund-backend/pkg/config"
	"github.com/angelmondragon/starsfund-backend/pkg/db/dbtest"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
)

type stubSubmitter struct {
	calls  []intake.RawEvent
	result reconcile.Result
	err    error
}

func (s *stubSubmitter) Submit(_ context.Context, raw intake.RawEvent) (reconcile.Result, error) {
	s.calls = append(s.calls, raw)
	return s.result, s.err
}

func newTestService(submitter *stubSubmitter) *Service {
	return &Service{submitter: submitter, logg: logger.Nop()}
}

func confirmationMessage(t *testing.T) *gcppubsub.Message {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type": intake.TypePaymentConfirmation,
		"payload": map[string]any{
			"dedup_key":   "tx-1",
			"campaign_id": "well-123",
			"amount":      50,
			"donor_ref":   "tg:42",
		},
	})
	require.NoError(t, err)
	return &gcppubsub.Message{ID: "msg-1", Data: body}
}

func TestProcessCommittedAcks(t *testing.T) {
	submitter := &stubSubmitter{result: reconcile.Result{Outcome: reconcile.OutcomeCommitted, Sequence: 1}}
	svc := newTestService(submitter)

	res := svc.process(context.Background(), confirmationMessage(t))
	assert.False(t, res.nack)
	require.Len(t, submitter.calls, 1)
	assert.Equal(t, intake.TypePaymentConfirmation, submitter.calls[0].Type)
}

func TestProcessStorageUnavailableNacks(t *testing.T) {
	submitter := &stubSubmitter{err: pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, errors.New("conn reset"), "append")}
	svc := newTestService(submitter)

	res := svc.process(context.Background(), confirmationMessage(t))
	assert.True(t, res.nack)
}

func TestProcessTerminalRejectionsAck(t *testing.T) {
	for _, code := range []pkgerrors.Code{
		pkgerrors.CodeInvalidEvent,
		pkgerrors.CodeUnknownCampaign,
		pkgerrors.CodeCampaignClosed,
	} {
		submitter := &stubSubmitter{err: pkgerrors.New(code, "rejected")}
		svc := newTestService(submitter)
		res := svc.process(context.Background(), confirmationMessage(t))
		assert.False(t, res.nack, code)
	}
}

func TestProcessRetryableFailuresNack(t *testing.T) {
	for name, err := range map[string]error{
		"canceled":   context.Canceled,
		"deadline":   fmt.Errorf("apply: %w", context.DeadlineExceeded),
		"internal":   pkgerrors.New(pkgerrors.CodeInternal, "unexpected"),
		"untyped":    errors.New("boom"),
		"dependency": pkgerrors.New(pkgerrors.CodeDependency, "redis down"),
	} {
		submitter := &stubSubmitter{err: err}
		svc := newTestService(submitter)
		res := svc.process(context.Background(), confirmationMessage(t))
		assert.True(t, res.nack, name)
	}
}

// cancelAfterGet cancels the delivery context once the campaign lookup is
// done, the way a Receive shutdown lands between intake and commit.
type cancelAfterGet struct {
	campaigns.Service
	cancel context.CancelFunc
}

func (c cancelAfterGet) Get(ctx context.Context, id string) (campaigns.Campaign, error) {
	campaign, err := c.Service.Get(ctx, id)
	c.cancel()
	return campaign, err
}

func TestProcessCancelledApplyNacksAndLeavesLedgerUntouched(t *testing.T) {
	client := dbtest.Open(t)
	dbtest.SeedCampaign(t, client, "well-123", "Village well", nil, enums.CampaignStatusOpen)
	ledger, err := app.NewLedger(context.Background(), app.LedgerParams{
		Config: &config.Config{
			Provider: config.ProviderConfig{Currency: "XTR"},
			Ledger:   config.LedgerConfig{StorageRetryAttempts: 1, HistoryBatchSize: 10},
			Archive:  config.ArchiveConfig{Store: config.ArchiveStoreLocal, LocalDir: t.TempDir()},
		},
		DB: client,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in, err := intake.NewService(intake.ServiceParams{
		Campaigns: cancelAfterGet{Service: ledger.Campaigns, cancel: cancel},
		Engine:    ledger.Engine,
	})
	require.NoError(t, err)
	svc := &Service{submitter: in, logg: logger.Nop()}

	res := svc.process(ctx, confirmationMessage(t))
	assert.True(t, res.nack)

	aggregate, err := ledger.Store.Aggregate(context.Background(), "well-123")
	require.NoError(t, err)
	assert.Zero(t, aggregate.DonationCount)

	redelivered := svc.process(context.Background(), confirmationMessage(t))
	assert.False(t, redelivered.nack)
	aggregate, err = ledger.Store.Aggregate(context.Background(), "well-123")
	require.NoError(t, err)
	assert.Equal(t, int64(1), aggregate.DonationCount)
}

func TestProcessUndecodableBodyAcksWithoutSubmitting(t *testing.T) {
	submitter := &stubSubmitter{}
	svc := newTestService(submitter)

	res := svc.process(context.Background(), &gcppubsub.Message{ID: "m", Data: []byte("not json")})
	assert.False(t, res.nack)
	assert.Empty(t, submitter.calls)
}

func TestProcessTypeAttributeTagsRawBody(t *testing.T) {
	submitter := &stubSubmitter{result: reconcile.Result{Outcome: reconcile.OutcomeDuplicate, Sequence: 3}}
	svc := newTestService(submitter)

	msg := &gcppubsub.Message{
		ID:         "m",
		Data:       []byte(`{"update_id":1}`),
		Attributes: map[string]string{typeAttribute: string(intake.TypeTelegramSuccessfulPayment)},
	}
	res := svc.process(context.Background(), msg)
	assert.False(t, res.nack)
	require.Len(t, submitter.calls, 1)
	assert.Equal(t, intake.TypeTelegramSuccessfulPayment, submitter.calls[0].Type)
	assert.JSONEq(t, `{"update_id":1}`, string(submitter.calls[0].Payload))
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(nil, &stubSubmitter{}, logger.Nop())
	assert.Error(t, err)
}
