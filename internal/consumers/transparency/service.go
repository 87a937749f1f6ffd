package transparency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/starsfund-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
	"github.com/angelmondragon/starsfund-backend/pkg/outbox"
)

// Processor handles one decoded ledger event.
type Processor interface {
	Process(ctx context.Context, eventType enums.OutboxEventType, envelope outbox.PayloadEnvelope) error
}

// Service consumes the transparency subscription of the ledger topic.
type Service struct {
	subscription *gcppubsub.Subscriber
	processor    Processor
	logg         *logger.Logger
}

func NewService(subscription *gcppubsub.Subscriber, processor Processor, logg *logger.Logger) (*Service, error) {
	if subscription == nil {
		return nil, errors.New("transparency subscription is required")
	}
	if processor == nil {
		return nil, errors.New("transparency processor is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{subscription: subscription, processor: processor, logg: logg}, nil
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

func (s *Service) process(ctx context.Context, msg *gcppubsub.Message) processResult {
	logCtx := s.logg.WithField(ctx, "message_id", msg.ID)

	eventType, envelope, err := decodeMessage(msg)
	if err != nil {
		s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "invalid ledger envelope")
		return processResult{}
	}
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"event_id":       envelope.EventID,
		"event_type":     eventType,
		"aggregate_type": msg.Attributes["aggregate_type"],
		"aggregate_id":   msg.Attributes["aggregate_id"],
	})

	if err := s.processor.Process(logCtx, eventType, envelope); err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
			s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "ledger event dropped")
			return processResult{}
		}
		s.logg.Error(logCtx, "ledger event export failed", err)
		return processResult{nack: true}
	}
	return processResult{}
}

func decodeMessage(msg *gcppubsub.Message) (enums.OutboxEventType, outbox.PayloadEnvelope, error) {
	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		return "", outbox.PayloadEnvelope{}, fmt.Errorf("decode payload envelope: %w", err)
	}
	eventType, err := enums.ParseOutboxEventType(strings.TrimSpace(msg.Attributes["event_type"]))
	if err != nil {
		return "", outbox.PayloadEnvelope{}, fmt.Errorf("event_type: %w", err)
	}
	if strings.TrimSpace(envelope.EventID) == "" {
		envelope.EventID = strings.TrimSpace(msg.Attributes["event_id"])
	}
	if envelope.EventID == "" {
		return "", outbox.PayloadEnvelope{}, errors.New("event_id missing")
	}
	envelope.OccurredAt = envelope.OccurredAt.UTC()
	return eventType, envelope, nil
}
