// Package bus implements the Event Bus service (C3): an HTTP publish + SSE
// subscribe proxy over the message backbone (C2), with tenant validation and
// queue-group routing.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// BackboneOptions configures the Pulse-backed message backbone.
	BackboneOptions struct {
		// Redis is the connection Pulse streams are backed by. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries retained per topic stream. Zero uses Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual publish operations. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Backbone is the durable, at-least-once topic log (C2) every Event Bus
	// instance publishes to and consumes from. One backbone stream backs
	// each fixed topic.
	Backbone interface {
		// Stream returns (creating if needed) the backbone stream for topic.
		Stream(topic string) (Stream, error)
		Close(ctx context.Context) error
	}

	// Stream is a single topic's durable log.
	Stream interface {
		// Publish appends payload under event (the envelope's event_type),
		// returning the backbone-assigned entry ID.
		Publish(ctx context.Context, event string, payload []byte) (string, error)
		// OpenSink opens a named consumer group on this stream. Two callers
		// using the same name compete for deliveries (queue-group
		// semantics); distinct names each see every message (broadcast
		// across groups).
		OpenSink(ctx context.Context, group string) (Sink, error)
	}

	// Sink is a single consumer-group handle on a Stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(ctx context.Context, ev *streaming.Event) error
		Close(ctx context.Context)
	}
)

type backbone struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// NewBackbone constructs a Backbone backed by Redis via goa.design/pulse
// streaming: one Pulse stream per topic, sinks as consumer groups.
func NewBackbone(opts BackboneOptions) (Backbone, error) {
	if opts.Redis == nil {
		return nil, errors.New("bus: redis client is required")
	}
	return &backbone{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (b *backbone) Stream(topic string) (Stream, error) {
	if topic == "" {
		return nil, errors.New("bus: topic name is required")
	}
	var opts []streamopts.Stream
	if b.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(b.maxLen))
	}
	str, err := streaming.NewStream(topic, b.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: create backbone stream %q: %w", topic, err)
	}
	return &stream{stream: str, timeout: b.timeout}, nil
}

func (b *backbone) Close(ctx context.Context) error { return nil }

type stream struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (s *stream) Publish(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("bus: event_type is required")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	id, err := s.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("bus: publish to backbone: %w", err)
	}
	return id, nil
}

func (s *stream) OpenSink(ctx context.Context, group string) (Sink, error) {
	if group == "" {
		return nil, errors.New("bus: sink group name is required")
	}
	sink, err := s.stream.NewSink(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("bus: open sink %q: %w", group, err)
	}
	return sinkAdapter{Sink: sink}, nil
}

type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) { s.Sink.Close(ctx) }
