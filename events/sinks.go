package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type (
	// RedisSink publishes events with PUBLISH, subscribers of the topic
	// channel receive the JSON payload.
	RedisSink struct {
		client redis.UniversalClient
	}

	// LogSink writes events to the log, used when no broker is configured.
	LogSink struct {
		Log zerolog.Logger
	}
)

func NewRedisSink(client redis.UniversalClient) *RedisSink {
	return &RedisSink{client: client}
}

func (r *RedisSink) Publish(ctx context.Context, topic string, payload []byte) error {
	err := r.client.Publish(ctx, topic, payload).Err()
	if err != nil {
		return fmt.Errorf("unable to publish to redis channel %v, cause %w", topic, err)
	}
	return nil
}

func (r *RedisSink) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (l LogSink) Publish(_ context.Context, topic string, payload []byte) error {
	l.Log.Info().Str("topic", topic).RawJSON("event", payload).Msg("Event")
	return nil
}
