package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/logger"
)

// Summary aggregates the live tasks of one project.
type Summary struct {
	ProjectID     uuid.UUID                `json:"project_id"`
	Tasks         int                      `json:"tasks"`
	ByStatus      map[enums.TaskStatus]int `json:"by_status"`
	TotalManpower decimal.Decimal          `json:"total_manpower"`
	Unassigned    int                      `json:"unassigned"`
}

type summaryCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	CacheKey(parts ...string) string
}

// SummaryReader serves project summaries from the projection through a
// cache. The online consumer drops the cached entry whenever a task of the
// project changes.
type SummaryReader struct {
	store *ProjectionStore
	cache summaryCache
	ttl   time.Duration
	logg  *logger.Logger
}

func NewSummaryReader(store *ProjectionStore, cache summaryCache, ttl time.Duration, logg *logger.Logger) *SummaryReader {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SummaryReader{store: store, cache: cache, ttl: ttl, logg: logg}
}

func (r *SummaryReader) Get(ctx context.Context, projectID uuid.UUID) (Summary, error) {
	key := summaryKey(r.cache, projectID)
	raw, err := r.cache.Get(ctx, key)
	switch {
	case err == nil:
		var cached Summary
		if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
			return cached, nil
		}
	case !errors.Is(err, goredis.Nil) && r.logg != nil:
		r.logg.Warn(r.logg.WithField(ctx, "cache_key", key), "task summary cache read failed")
	}

	rows, err := r.store.ListShard(ctx, projectID)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{ProjectID: projectID, ByStatus: map[enums.TaskStatus]int{}, TotalManpower: decimal.Zero}
	for _, row := range rows {
		summary.Tasks++
		summary.ByStatus[row.Status]++
		summary.TotalManpower = summary.TotalManpower.Add(row.Manpower)
		if row.Assignee == nil {
			summary.Unassigned++
		}
	}

	if body, err := json.Marshal(summary); err == nil {
		if err := r.cache.Set(ctx, key, string(body), r.ttl); err != nil && r.logg != nil {
			r.logg.Warn(r.logg.WithField(ctx, "cache_key", key), "task summary cache write failed")
		}
	}
	return summary, nil
}
