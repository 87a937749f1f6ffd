package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/angelmondragon/starsfund-backend/api/responses"
	pkgAuth "github.com/angelmondragon/starsfund-backend/pkg/auth"
	"github.com/angelmondragon/starsfund-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
	"github.com/angelmondragon/starsfund-backend/pkg/outbox"
)

// OperatorAuth validates an operator bearer token and seeds the request
// context with the operator identity. The identity is also attached as the
// outbox actor so lifecycle events record who performed them.
func OperatorAuth(cfg config.OperatorConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseOperatorToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithOperator(r.Context(), claims.Subject)
			ctx = outbox.WithActor(ctx, outbox.ActorRef{Kind: outbox.ActorKindOperator, Subject: claims.Subject})
			if logg != nil {
				ctx = logg.WithOperator(ctx, claims.Subject)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func operatorScope(ctx context.Context) string {
	if op := OperatorFromContext(ctx); op != "" {
		return op
	}
	return "anonymous"
}
