package controllers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/starsfund-backend/api/responses"
	"github.com/angelmondragon/starsfund-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
)

const readinessTimeout = 3 * time.Second

// Pinger is a dependency checked by the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Starsfund-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every dependency and reports each failure. A nil pinger
// is skipped so optional dependencies can be left unwired.
func HealthReady(cfg *config.Config, deps map[string]Pinger, logg *logger.Logger) http.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Starsfund-Env", cfg.App.Env)
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		var err error
		checks := make(map[string]string, len(names))
		for _, name := range names {
			dep := deps[name]
			if dep == nil {
				continue
			}
			if pingErr := dep.Ping(ctx); pingErr != nil {
				checks[name] = "down"
				err = multierr.Append(err, fmt.Errorf("%s: %w", name, pingErr))
				continue
			}
			checks[name] = "up"
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "dependencies unavailable").
				WithDetails(map[string]any{"checks": checks}))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
