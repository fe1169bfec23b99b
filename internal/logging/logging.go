// Package logging attaches zerolog subscribers to the eventbus so the
// serving layer stays free of logging concerns.
package logging

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/hanmaum/graphbatch/internal/eventbus"
	"github.com/hanmaum/graphbatch/internal/events"
	"github.com/hanmaum/graphbatch/internal/reqstate"
)

// Setup registers event subscribers logging through log.
func Setup(log zerolog.Logger) {
	eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
		rid, _ := reqstate.ID(ctx)
		log.Info().
			Int64("rid", rid).
			Str("method", e.Request.Method).
			Str("path", e.Request.URL.Path).
			Int("status", e.Status).
			Bool("batched", e.Batched).
			Dur("duration", e.Duration).
			Msg("request")
	})

	eventbus.Subscribe(func(ctx context.Context, e events.ExecuteFinish) {
		rid, _ := reqstate.ID(ctx)
		ev := log.Debug()
		if len(e.Errors) > 0 {
			ev = log.Warn()
		}
		ev.
			Int64("rid", rid).
			Str("query", e.Query).
			Int("errors", len(e.Errors)).
			Int64("max_age", e.MaxAge).
			Dur("duration", e.Duration).
			Msg("execute")
	})

	eventbus.Subscribe(func(ctx context.Context, e events.BatchFinish) {
		rid, _ := reqstate.ID(ctx)
		log.Debug().
			Int64("rid", rid).
			Int("size", e.Size).
			Int64("max_age", e.MaxAge).
			Dur("duration", e.Duration).
			Msg("batch")
	})

	eventbus.Subscribe(func(ctx context.Context, e events.CacheHit) {
		log.Trace().Str("key", e.Key).Msg("cache hit")
	})

	eventbus.Subscribe(func(ctx context.Context, e events.CacheMiss) {
		log.Trace().Str("key", e.Key).Msg("cache miss")
	})

	eventbus.Subscribe(func(ctx context.Context, e events.CacheInvalidate) {
		log.Info().Str("tag", e.Tag).Int("entries", e.Entries).Msg("cache invalidate")
	})
}
