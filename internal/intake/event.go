package intake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
)

// EventType tags the shape of an inbound payment payload.
type EventType string

const (
	// TypePaymentConfirmation is the provider-neutral confirmation shape.
	TypePaymentConfirmation EventType = "payment_confirmation"
	// TypeTelegramSuccessfulPayment is a raw Bot API update carrying
	// message.successful_payment.
	TypeTelegramSuccessfulPayment EventType = "telegram_successful_payment"
)

const (
	telegramDonorPrefix    = "tg:"
	campaignPayloadPrefix  = "campaign:"
	maxRawEventPayloadSize = 64 << 10
)

// RawEvent is a loosely typed delivery. Payload is interpreted according to Type.
type RawEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PaymentConfirmation is the strict internal event shape. Nothing reaches the
// ledger until a value of this type passes validation.
type PaymentConfirmation struct {
	DedupKey   string     `json:"dedup_key" validate:"required,max=255"`
	CampaignID string     `json:"campaign_id" validate:"required,max=128"`
	Amount     int64      `json:"amount" validate:"gt=0"`
	DonorRef   string     `json:"donor_ref" validate:"required,max=255"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Currency   string     `json:"currency,omitempty"`
}

type telegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *telegramMessage `json:"message"`
}

type telegramMessage struct {
	MessageID         int64                      `json:"message_id"`
	Date              int64                      `json:"date"`
	From              *telegramUser              `json:"from"`
	SuccessfulPayment *telegramSuccessfulPayment `json:"successful_payment"`
}

type telegramUser struct {
	ID int64 `json:"id"`
}

type telegramSuccessfulPayment struct {
	Currency                string `json:"currency"`
	TotalAmount             int64  `json:"total_amount"`
	InvoicePayload          string `json:"invoice_payload"`
	TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
	ProviderPaymentChargeID string `json:"provider_payment_charge_id"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

// Decode turns a delivery body into a RawEvent. Bodies that carry a "type"
// field are taken as tagged envelopes; bodies that look like a Bot API update
// are tagged as Telegram payments. Anything else is an invalid event.
func Decode(body []byte) (RawEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return RawEvent{}, invalidEvent("empty payload", nil)
	}
	if len(body) > maxRawEventPayloadSize {
		return RawEvent{}, invalidEvent("payload too large", nil)
	}
	var envelope struct {
		Type     EventType       `json:"type"`
		Payload  json.RawMessage `json:"payload"`
		UpdateID *int64          `json:"update_id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return RawEvent{}, invalidEvent("payload is not a json object", err)
	}
	switch {
	case envelope.Type != "":
		return RawEvent{Type: envelope.Type, Payload: envelope.Payload}, nil
	case envelope.UpdateID != nil:
		return RawEvent{Type: TypeTelegramSuccessfulPayment, Payload: json.RawMessage(body)}, nil
	default:
		return RawEvent{}, invalidEvent("event type missing", nil)
	}
}

// Normalize converts a tagged delivery into a validated PaymentConfirmation.
// currency is the only denomination accepted; an empty event currency is
// taken to mean it.
func Normalize(raw RawEvent, currency string) (PaymentConfirmation, error) {
	var (
		evt PaymentConfirmation
		err error
	)
	switch raw.Type {
	case TypePaymentConfirmation:
		evt, err = decodeConfirmation(raw.Payload)
	case TypeTelegramSuccessfulPayment:
		evt, err = decodeTelegram(raw.Payload)
	default:
		return PaymentConfirmation{}, invalidEvent(fmt.Sprintf("unsupported event type %q", raw.Type), nil)
	}
	if err != nil {
		return PaymentConfirmation{}, err
	}
	evt.DedupKey = strings.TrimSpace(evt.DedupKey)
	evt.CampaignID = strings.TrimSpace(evt.CampaignID)
	evt.DonorRef = strings.TrimSpace(evt.DonorRef)
	evt.Currency = strings.ToUpper(strings.TrimSpace(evt.Currency))
	if evt.Timestamp != nil {
		utc := evt.Timestamp.UTC()
		evt.Timestamp = &utc
	}
	if err := evt.Validate(currency); err != nil {
		return PaymentConfirmation{}, err
	}
	return evt, nil
}

// Validate checks the canonical shape.
func (p PaymentConfirmation) Validate(currency string) error {
	details := map[string]string{}
	if err := validate.Struct(p); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fieldErr := range errs {
				details[fieldErr.Field()] = validationMessage(fieldErr)
			}
		} else {
			return invalidEvent("validation failed", err)
		}
	}
	want := strings.ToUpper(strings.TrimSpace(currency))
	if p.Currency != "" && want != "" && p.Currency != want {
		details["currency"] = "must be " + want
	}
	if len(details) > 0 {
		return pkgerrors.New(pkgerrors.CodeInvalidEvent, "payment event rejected").WithDetails(details)
	}
	return nil
}

func decodeConfirmation(payload json.RawMessage) (PaymentConfirmation, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return PaymentConfirmation{}, invalidEvent("payload missing", nil)
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	var evt PaymentConfirmation
	if err := decoder.Decode(&evt); err != nil {
		return PaymentConfirmation{}, invalidEvent("malformed payment confirmation", err)
	}
	return evt, nil
}

func decodeTelegram(payload json.RawMessage) (PaymentConfirmation, error) {
	var update telegramUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return PaymentConfirmation{}, invalidEvent("malformed telegram update", err)
	}
	if update.Message == nil || update.Message.SuccessfulPayment == nil {
		return PaymentConfirmation{}, invalidEvent("telegram update carries no successful payment", nil)
	}
	msg := update.Message
	payment := msg.SuccessfulPayment

	evt := PaymentConfirmation{
		DedupKey:   payment.TelegramPaymentChargeID,
		CampaignID: strings.TrimPrefix(strings.TrimSpace(payment.InvoicePayload), campaignPayloadPrefix),
		Amount:     payment.TotalAmount,
		Currency:   payment.Currency,
	}
	if msg.From != nil && msg.From.ID != 0 {
		evt.DonorRef = telegramDonorPrefix + strconv.FormatInt(msg.From.ID, 10)
	}
	if msg.Date > 0 {
		ts := time.Unix(msg.Date, 0).UTC()
		evt.Timestamp = &ts
	}
	return evt, nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	}
	return "is invalid"
}

func invalidEvent(msg string, cause error) *pkgerrors.Error {
	details := map[string]any{"reason": msg}
	if cause != nil {
		details["error"] = cause.Error()
		return pkgerrors.Wrap(pkgerrors.CodeInvalidEvent, cause, "payment event rejected").WithDetails(details)
	}
	return pkgerrors.New(pkgerrors.CodeInvalidEvent, "payment event rejected").WithDetails(details)
}
