package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/eventpipe/api/responses"
	"github.com/angelmondragon/eventpipe/pkg/config"
	pkgerrors "github.com/angelmondragon/eventpipe/pkg/errors"
	"github.com/angelmondragon/eventpipe/pkg/logger"
)

const envHeader = "X-EventPipe-Env"

const readyTimeout = 3 * time.Second

// Check is one readiness dependency.
type Check struct {
	Name string
	Ping func(context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every dependency and reports 503 listing the failing ones.
func HealthReady(cfg *config.Config, logg *logger.Logger, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		failing := map[string]string{}
		for _, check := range checks {
			if check.Ping == nil {
				continue
			}
			if err := check.Ping(ctx); err != nil {
				failing[check.Name] = err.Error()
			}
		}
		if len(failing) > 0 {
			err := pkgerrors.New(pkgerrors.CodeDependency, "dependencies not ready").WithDetails(failing)
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
