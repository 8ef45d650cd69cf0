package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/eventpipe/api/responses"
	"github.com/angelmondragon/eventpipe/internal/tasks"
	pkgerrors "github.com/angelmondragon/eventpipe/pkg/errors"
	"github.com/angelmondragon/eventpipe/pkg/logger"
)

type SummaryReader interface {
	Get(ctx context.Context, projectID uuid.UUID) (tasks.Summary, error)
}

// TaskSummary serves the cached per-project rollup of the task projection.
func TaskSummary(reader SummaryReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := uuid.Parse(chi.URLParam(r, "projectId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid project id"))
			return
		}
		summary, err := reader.Get(r.Context(), projectID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}
