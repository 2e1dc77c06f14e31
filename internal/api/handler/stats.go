package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/geoconvert/internal/api/response"
	"github.com/kiranshivaraju/geoconvert/internal/cache"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
)

type StatsAggregator interface {
	AggregateStatistics(ctx context.Context, now time.Time) (*models.Stats, error)
}

// StatsCache is the raw key/value slice of the cache.
type StatsCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// NewStatsHandler returns an http.HandlerFunc for GET /api/v1/stats. The
// aggregate is cached for ttl; a zero ttl disables caching.
func NewStatsHandler(s StatsAggregator, c StatsCache, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ttl > 0 {
			if b, found, err := c.Get(r.Context(), cache.StatsKey()); err != nil {
				slog.Warn("stats cache read failed", "error", err)
			} else if found {
				var cached models.Stats
				if err := json.Unmarshal(b, &cached); err == nil {
					response.JSON(w, &cached)
					return
				}
			}
		}

		stats, err := s.AggregateStatistics(r.Context(), time.Now().UTC())
		if err != nil {
			slog.Error("aggregate statistics failed", "error", err)
			response.Internal(w)
			return
		}

		if ttl > 0 {
			if b, err := json.Marshal(stats); err == nil {
				if err := c.Set(r.Context(), cache.StatsKey(), b, ttl); err != nil {
					slog.Warn("stats cache write failed", "error", err)
				}
			}
		}
		response.JSON(w, stats)
	}
}
