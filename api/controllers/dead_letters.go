package controllers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/angelmondragon/eventpipe/api/responses"
	"github.com/angelmondragon/eventpipe/pkg/db/models"
	pkgerrors "github.com/angelmondragon/eventpipe/pkg/errors"
	"github.com/angelmondragon/eventpipe/pkg/logger"
	"github.com/angelmondragon/eventpipe/pkg/pagination"
)

type DeadLetterPager interface {
	Page(ctx context.Context, consumer string, limit int, cursor *pagination.Cursor) ([]models.DeadLetter, *pagination.Cursor, error)
}

type deadLetterPage struct {
	Items      []models.DeadLetter `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

// DeadLetters lists the dead letters of one consumer. The consumer query
// parameter defaults to defaultConsumer.
func DeadLetters(pager DeadLetterPager, defaultConsumer string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		consumer := strings.TrimSpace(query.Get("consumer"))
		if consumer == "" {
			consumer = defaultConsumer
		}

		limit := 0
		if limitStr := strings.TrimSpace(query.Get("limit")); limitStr != "" {
			value, err := strconv.Atoi(limitStr)
			if err != nil || value <= 0 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "limit must be a positive integer"))
				return
			}
			limit = value
		}

		cursor, err := pagination.ParseCursor(strings.TrimSpace(query.Get("cursor")))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor"))
			return
		}

		rows, next, err := pager.Page(r.Context(), consumer, limit, cursor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		page := deadLetterPage{Items: rows}
		if page.Items == nil {
			page.Items = []models.DeadLetter{}
		}
		if next != nil {
			page.NextCursor = pagination.EncodeCursor(*next)
		}
		responses.WriteSuccess(w, page)
	}
}
