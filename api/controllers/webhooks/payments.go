package webhooks

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/angelmondragon/starsfund-backend/api/middleware"
	"github.com/angelmondragon/starsfund-backend/api/responses"
	"github.com/angelmondragon/starsfund-backend/internal/intake"
	"github.com/angelmondragon/starsfund-backend/internal/reconcile"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
)

const maxWebhookBody = 1 << 20

// PaymentSubmitter applies a decoded delivery to the ledger.
type PaymentSubmitter interface {
	Submit(ctx context.Context, raw intake.RawEvent) (reconcile.Result, error)
}

type paymentAck struct {
	Outcome  string `json:"outcome"`
	Sequence int64  `json:"sequence,omitempty"`
	Code     string `json:"code,omitempty"`
}

// PaymentsWebhook accepts provider payment confirmations. Committed and
// duplicate deliveries both answer 200 so the provider stops redelivering.
// Terminal rejections map to 4xx and storage outages to 503.
//
// Telegram redelivers every non-2xx answer, so Telegram deliveries that are
// rejected for good are acknowledged with 200 and outcome "rejected" instead.
func PaymentsWebhook(svc PaymentSubmitter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "intake service unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		telegram := strings.TrimSpace(r.Header.Get(middleware.TelegramSecretHeader)) != ""
		result, err := submit(ctx, svc, payload, telegram)
		if err != nil {
			if telegram && !pkgerrors.IsRetryable(err) {
				if logg != nil {
					logg.Warn(logg.WithField(ctx, "error", err.Error()), "telegram payment rejected")
				}
				code := ""
				if typed := pkgerrors.As(err); typed != nil {
					code = string(typed.Code())
				}
				responses.WriteSuccess(w, paymentAck{Outcome: "rejected", Code: code})
				return
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, paymentAck{Outcome: string(result.Outcome), Sequence: result.Sequence})
	}
}

func submit(ctx context.Context, svc PaymentSubmitter, payload []byte, telegram bool) (reconcile.Result, error) {
	var (
		raw intake.RawEvent
		err error
	)
	if telegram {
		raw = intake.RawEvent{Type: intake.TypeTelegramSuccessfulPayment, Payload: payload}
	} else {
		raw, err = intake.Decode(payload)
		if err != nil {
			return reconcile.Result{}, err
		}
	}
	return svc.Submit(ctx, raw)
}
