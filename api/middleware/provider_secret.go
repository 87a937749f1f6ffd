package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/angelmondragon/starsfund-backend/api/responses"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
)

const (
	// ProviderSecretHeader carries the shared secret on canonical provider callbacks.
	ProviderSecretHeader = "X-Starsfund-Webhook-Secret"
	// TelegramSecretHeader is set by the Telegram Bot API on webhook deliveries.
	TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// ProviderSecret rejects callbacks that do not present the configured shared
// secret in either supported header.
func ProviderSecret(secret string, logg *logger.Logger) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(secret))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := strings.TrimSpace(r.Header.Get(ProviderSecretHeader))
			if presented == "" {
				presented = strings.TrimSpace(r.Header.Get(TelegramSecretHeader))
			}
			if len(expected) == 0 || presented == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing webhook secret"))
				return
			}
			if subtle.ConstantTimeCompare(expected, []byte(presented)) != 1 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid webhook secret"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
