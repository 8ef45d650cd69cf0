package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/eventpipe/api/controllers"
	"github.com/angelmondragon/eventpipe/api/middleware"
	"github.com/angelmondragon/eventpipe/pkg/config"
	"github.com/angelmondragon/eventpipe/pkg/logger"
)

type Options struct {
	Checks []controllers.Check
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Summary, when set, serves the task summary read model.
	Summary controllers.SummaryReader
	// DeadLetters, when set, lists dead letters. DeadLetterConsumer is
	// the consumer listed when the request names none.
	DeadLetters        controllers.DeadLetterPager
	DeadLetterConsumer string
}

// NewRouter builds the ops surface every long-running binary serves.
func NewRouter(cfg *config.Config, logg *logger.Logger, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, opts.Checks...))
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if opts.Summary != nil {
		r.Get("/projects/{projectId}/task-summary", controllers.TaskSummary(opts.Summary, logg))
	}

	if opts.DeadLetters != nil {
		r.Get("/dead-letters", controllers.DeadLetters(opts.DeadLetters, opts.DeadLetterConsumer, logg))
	}

	return r
}
