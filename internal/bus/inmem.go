package bus

import (
	"context"
	"fmt"
	"sync"

	"goa.design/pulse/streaming"
)

// NewInmemBackbone returns a process-local Backbone with the same
// delivery semantics as the Redis-backed one: per-topic streams, sink
// names acting as consumer groups (round-robin within a group, fan-out
// across groups). Used by unit tests and single-process development
// deployments that run without Redis.
func NewInmemBackbone() Backbone {
	return &inmemBackbone{streams: make(map[string]*inmemStream)}
}

type inmemBackbone struct {
	mu      sync.Mutex
	streams map[string]*inmemStream
}

func (b *inmemBackbone) Stream(topic string) (Stream, error) {
	if topic == "" {
		return nil, fmt.Errorf("bus: topic name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[topic]
	if !ok {
		st = &inmemStream{groups: make(map[string]*inmemGroup)}
		b.streams[topic] = st
	}
	return st, nil
}

func (b *inmemBackbone) Close(context.Context) error { return nil }

type inmemStream struct {
	mu     sync.Mutex
	groups map[string]*inmemGroup
	seq    int
}

// inmemGroup is one consumer group: members compete, next selects the
// round-robin target.
type inmemGroup struct {
	members []chan *streaming.Event
	next    int
}

func (s *inmemStream) Publish(_ context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", fmt.Errorf("bus: event_type is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	for _, g := range s.groups {
		if len(g.members) == 0 {
			continue
		}
		ch := g.members[g.next%len(g.members)]
		g.next++
		ch <- &streaming.Event{ID: id, EventName: event, Payload: payload}
	}
	return id, nil
}

func (s *inmemStream) OpenSink(_ context.Context, group string) (Sink, error) {
	if group == "" {
		return nil, fmt.Errorf("bus: sink group name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		g = &inmemGroup{}
		s.groups[group] = g
	}
	ch := make(chan *streaming.Event, 128)
	g.members = append(g.members, ch)
	return &inmemSink{stream: s, group: group, ch: ch}, nil
}

type inmemSink struct {
	stream *inmemStream
	group  string
	ch     chan *streaming.Event
	once   sync.Once
}

func (s *inmemSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *inmemSink) Ack(context.Context, *streaming.Event) error { return nil }

func (s *inmemSink) Close(context.Context) {
	s.once.Do(func() {
		s.stream.mu.Lock()
		defer s.stream.mu.Unlock()
		g, ok := s.stream.groups[s.group]
		if !ok {
			return
		}
		for i, ch := range g.members {
			if ch == s.ch {
				g.members = append(g.members[:i], g.members[i+1:]...)
				break
			}
		}
		if len(g.members) == 0 {
			delete(s.stream.groups, s.group)
		}
	})
}
