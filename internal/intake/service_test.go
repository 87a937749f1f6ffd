package intake

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/starsfund-backend/internal/campaigns"
	"github.com/angelmondragon/starsfund-backend/internal/reconcile"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/metrics"
)

var arrival = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type fakeCampaigns struct {
	byID map[string]campaigns.Campaign
	err  error
}

func (f *fakeCampaigns) Get(ctx context.Context, id string) (campaigns.Campaign, error) {
	if f.err != nil {
		return campaigns.Campaign{}, f.err
	}
	c, ok := f.byID[id]
	if !ok {
		return campaigns.Campaign{}, pkgerrors.New(pkgerrors.CodeUnknownCampaign, "campaign not found")
	}
	return c, nil
}

func (f *fakeCampaigns) ListOpen(ctx context.Context, afterID string, limit int) ([]campaigns.Campaign, error) {
	return nil, nil
}

type fakeEngine struct {
	events []reconcile.Event
	result reconcile.Result
	err    error
}

func (f *fakeEngine) Apply(ctx context.Context, evt reconcile.Event) (reconcile.Result, error) {
	f.events = append(f.events, evt)
	return f.result, f.err
}

func newTestService(t *testing.T, engine *fakeEngine, m *metrics.LedgerMetrics) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Campaigns: &fakeCampaigns{byID: map[string]campaigns.Campaign{
			"well-123": {ID: "well-123", Status: enums.CampaignStatusOpen},
			"done-1":   {ID: "done-1", Status: enums.CampaignStatusClosed},
		}},
		Engine:  engine,
		Metrics: m,
		Clock:   func() time.Time { return arrival },
	})
	require.NoError(t, err)
	return svc
}

func confirmation(t *testing.T, body map[string]any) RawEvent {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	return RawEvent{Type: TypePaymentConfirmation, Payload: payload}
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(ServiceParams{Engine: &fakeEngine{}})
	assert.Error(t, err)

	_, err = NewService(ServiceParams{Campaigns: &fakeCampaigns{}})
	assert.Error(t, err)

	_, err = NewService(ServiceParams{Campaigns: &fakeCampaigns{}, Engine: &fakeEngine{}, Currency: "USD"})
	assert.Error(t, err)
}

func TestSubmit_ForwardsNormalizedEvent(t *testing.T) {
	engine := &fakeEngine{result: reconcile.Result{Outcome: reconcile.OutcomeCommitted, Sequence: 1}}
	svc := newTestService(t, engine, nil)

	result, err := svc.Submit(context.Background(), confirmation(t, map[string]any{
		"dedup_key":   " tx1 ",
		"campaign_id": "well-123",
		"amount":      5000,
		"donor_ref":   "tg:42",
		"timestamp":   "2026-03-02T08:00:00+02:00",
		"currency":    "xtr",
	}))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeCommitted, result.Outcome)
	assert.Equal(t, int64(1), result.Sequence)

	require.Len(t, engine.events, 1)
	got := engine.events[0]
	assert.Equal(t, "tx1", got.DedupKey)
	assert.Equal(t, "well-123", got.CampaignID)
	assert.Equal(t, int64(5000), got.Amount)
	assert.Equal(t, "tg:42", got.DonorRef)
	require.NotNil(t, got.ProviderAt)
	assert.Equal(t, time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC), *got.ProviderAt)
	assert.Equal(t, arrival, got.ReceivedAt)
}

func TestSubmit_ReturnsDuplicateOutcomeUnchanged(t *testing.T) {
	engine := &fakeEngine{result: reconcile.Result{Outcome: reconcile.OutcomeDuplicate, Sequence: 7}}
	svc := newTestService(t, engine, nil)

	result, err := svc.Submit(context.Background(), confirmation(t, map[string]any{
		"dedup_key": "tx1", "campaign_id": "well-123", "amount": 1, "donor_ref": "d",
	}))
	require.NoError(t, err)
	assert.Equal(t, reconcile.Result{Outcome: reconcile.OutcomeDuplicate, Sequence: 7}, result)
}

func TestSubmit_InvalidEvents(t *testing.T) {
	cases := []struct {
		name string
		raw  RawEvent
	}{
		{"zero amount", confirmation(t, map[string]any{"dedup_key": "k", "campaign_id": "well-123", "amount": 0, "donor_ref": "d"})},
		{"negative amount", confirmation(t, map[string]any{"dedup_key": "k", "campaign_id": "well-123", "amount": -5, "donor_ref": "d"})},
		{"fractional amount", confirmation(t, map[string]any{"dedup_key": "k", "campaign_id": "well-123", "amount": 1.5, "donor_ref": "d"})},
		{"amount as string", confirmation(t, map[string]any{"dedup_key": "k", "campaign_id": "well-123", "amount": "10", "donor_ref": "d"})},
		{"missing dedup key", confirmation(t, map[string]any{"campaign_id": "well-123", "amount": 10, "donor_ref": "d"})},
		{"blank donor", confirmation(t, map[string]any{"dedup_key": "k", "campaign_id": "well-123", "amount": 10, "donor_ref": "   "})},
		{"foreign currency", confirmation(t, map[string]any{"dedup_key": "k", "campaign_id": "well-123", "amount": 10, "donor_ref": "d", "currency": "USD"})},
		{"unknown field", confirmation(t, map[string]any{"dedup_key": "k", "campaign_id": "well-123", "amount": 10, "donor_ref": "d", "extra": true})},
		{"unknown type", RawEvent{Type: "refund", Payload: json.RawMessage(`{}`)}},
		{"empty payload", RawEvent{Type: TypePaymentConfirmation}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := &fakeEngine{}
			svc := newTestService(t, engine, nil)
			_, err := svc.Submit(context.Background(), tc.raw)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidEvent), "got %v", err)
			assert.False(t, pkgerrors.IsRetryable(err))
			assert.Empty(t, engine.events, "invalid events must not reach the engine")
		})
	}
}

func TestSubmit_UnknownAndClosedCampaigns(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewLedgerMetrics(reg)
	engine := &fakeEngine{}
	svc := newTestService(t, engine, m)
	ctx := context.Background()

	_, err := svc.Submit(ctx, confirmation(t, map[string]any{"dedup_key": "k", "campaign_id": "nope", "amount": 10, "donor_ref": "d"}))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnknownCampaign), "got %v", err)

	_, err = svc.Submit(ctx, confirmation(t, map[string]any{"dedup_key": "k", "campaign_id": "done-1", "amount": 10, "donor_ref": "d"}))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeCampaignClosed), "got %v", err)

	assert.Empty(t, engine.events)
	assert.Equal(t, 1.0, rejectedCount(t, reg, "unknown_campaign"))
	assert.Equal(t, 1.0, rejectedCount(t, reg, "campaign_closed"))
}

func TestSubmit_StorageErrorsPassThroughAsRetryable(t *testing.T) {
	engine := &fakeEngine{err: pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, errors.New("conn reset"), "apply donation")}
	svc := newTestService(t, engine, nil)

	_, err := svc.Submit(context.Background(), confirmation(t, map[string]any{"dedup_key": "k", "campaign_id": "well-123", "amount": 10, "donor_ref": "d"}))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStorageUnavailable), "got %v", err)
	assert.True(t, pkgerrors.IsRetryable(err))
}

func TestSubmit_TelegramSuccessfulPayment(t *testing.T) {
	engine := &fakeEngine{result: reconcile.Result{Outcome: reconcile.OutcomeCommitted, Sequence: 3}}
	svc := newTestService(t, engine, nil)

	body := []byte(`{
		"update_id": 991,
		"message": {
			"message_id": 17,
			"date": 1772442000,
			"from": {"id": 123456789, "is_bot": false, "first_name": "Anon"},
			"successful_payment": {
				"currency": "XTR",
				"total_amount": 250,
				"invoice_payload": "campaign:well-123",
				"telegram_payment_charge_id": "stxAbC",
				"provider_payment_charge_id": ""
			}
		}
	}`)
	raw, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, TypeTelegramSuccessfulPayment, raw.Type)

	result, err := svc.Submit(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Sequence)

	require.Len(t, engine.events, 1)
	got := engine.events[0]
	assert.Equal(t, "stxAbC", got.DedupKey)
	assert.Equal(t, "well-123", got.CampaignID)
	assert.Equal(t, int64(250), got.Amount)
	assert.Equal(t, "tg:123456789", got.DonorRef)
	require.NotNil(t, got.ProviderAt)
	assert.Equal(t, time.Unix(1772442000, 0).UTC(), *got.ProviderAt)
}

func TestSubmit_TelegramUpdateWithoutPaymentIsInvalid(t *testing.T) {
	engine := &fakeEngine{}
	svc := newTestService(t, engine, nil)

	raw, err := Decode([]byte(`{"update_id": 5, "message": {"message_id": 1, "text": "/start"}}`))
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), raw)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidEvent), "got %v", err)
	assert.Empty(t, engine.events)
}

func TestDecode(t *testing.T) {
	raw, err := Decode([]byte(`{"type":"payment_confirmation","payload":{"dedup_key":"k"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypePaymentConfirmation, raw.Type)
	assert.JSONEq(t, `{"dedup_key":"k"}`, string(raw.Payload))

	for _, body := range []string{"", "   ", "[1,2]", `{"amount": 5}`, "not json"} {
		_, err := Decode([]byte(body))
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidEvent), "body %q: got %v", body, err)
	}
}

func rejectedCount(t *testing.T, reg *prometheus.Registry, reason string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "starsfund_donations_rejected_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "reason" && label.GetValue() == reason {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
