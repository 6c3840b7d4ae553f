package events

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Domain event names consumed by notification layers outside this core.
const (
	JobRequested = "job.requested"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
)

// Sink receives domain events. Emission is fire-and-forget: a sink failure
// never aborts the financial operation that produced the event.
type Sink interface {
	Emit(ctx context.Context, event string, payload map[string]any)
}

// RedisSink appends events to a Redis stream for external consumers.
type RedisSink struct {
	client *redis.Client
	stream string
	log    zerolog.Logger
}

// NewRedisSink returns a sink writing to the given stream.
func NewRedisSink(client *redis.Client, stream string, log zerolog.Logger) *RedisSink {
	return &RedisSink{client: client, stream: stream, log: log}
}

func (s *RedisSink) Emit(ctx context.Context, event string, payload map[string]any) {
	values := map[string]any{"event": event}
	for k, v := range payload {
		values[k] = v
	}
	if err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: s.stream, Values: values}).Err(); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("event emit failed")
	}
}

// LogSink writes events to the structured log. Used when no stream is
// configured and as the default in tests.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Emit(_ context.Context, event string, payload map[string]any) {
	s.log.Info().Str("event", event).Fields(payload).Msg("domain event")
}
