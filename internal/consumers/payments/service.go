// Package payments consumes provider payment confirmations delivered over
// Pub/Sub and feeds them through intake. Delivery is at-least-once; the
// engine's dedup key makes redelivery harmless.
package payments

import (
	"context"
	"errors"
	"strings"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/starsfund-backend/internal/intake"
	"github.com/angelmondragon/starsfund-backend/internal/reconcile"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
)

// typeAttribute lets a publisher tag a raw body without wrapping it.
const typeAttribute = "event_type"

// Submitter applies one decoded delivery.
type Submitter interface {
	Submit(ctx context.Context, raw intake.RawEvent) (reconcile.Result, error)
}

// Service consumes the payments subscription.
type Service struct {
	subscription *gcppubsub.Subscriber
	submitter    Submitter
	logg         *logger.Logger
}

func NewService(subscription *gcppubsub.Subscriber, submitter Submitter, logg *logger.Logger) (*Service, error) {
	if subscription == nil {
		return nil, errors.New("payments subscription is required")
	}
	if submitter == nil {
		return nil, errors.New("payment submitter is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{subscription: subscription, submitter: submitter, logg: logg}, nil
}

type processResult struct {
	nack bool
}

// Run receives until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.subscription.Receive(ctx, func(innerCtx context.Context, msg *gcppubsub.Message) {
		if s.process(innerCtx, msg).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// terminalCodes are rejections that no redelivery can change.
var terminalCodes = map[pkgerrors.Code]struct{}{
	pkgerrors.CodeInvalidEvent:    {},
	pkgerrors.CodeUnknownCampaign: {},
	pkgerrors.CodeCampaignClosed:  {},
}

func isTerminal(err error) bool {
	typed := pkgerrors.As(err)
	if typed == nil {
		return false
	}
	_, ok := terminalCodes[typed.Code()]
	return ok
}

// process acks committed, duplicate and terminally rejected deliveries. Any
// other failure, cancellation included, left the ledger untouched and is
// nacked so the delivery comes back.
func (s *Service) process(ctx context.Context, msg *gcppubsub.Message) processResult {
	logCtx := s.logg.WithField(ctx, "message_id", msg.ID)

	raw, err := decode(msg)
	if err != nil {
		s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "payment message rejected")
		return processResult{}
	}
	logCtx = s.logg.WithField(logCtx, "event_type", string(raw.Type))

	result, err := s.submitter.Submit(logCtx, raw)
	if err != nil {
		if isTerminal(err) {
			code := pkgerrors.As(err).Code()
			s.logg.Warn(s.logg.WithField(logCtx, "code", string(code)), "payment message rejected")
			return processResult{}
		}
		s.logg.Error(logCtx, "payment apply deferred", err)
		return processResult{nack: true}
	}

	s.logg.Info(s.logg.WithFields(logCtx, map[string]any{
		"outcome":  string(result.Outcome),
		"sequence": result.Sequence,
	}), "payment message handled")
	return processResult{}
}

func decode(msg *gcppubsub.Message) (intake.RawEvent, error) {
	if tag := strings.TrimSpace(msg.Attributes[typeAttribute]); tag != "" {
		return intake.RawEvent{Type: intake.EventType(tag), Payload: msg.Data}, nil
	}
	return intake.Decode(msg.Data)
}
