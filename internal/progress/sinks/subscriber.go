package sinks

import (
	"context"
	"sync"

	"github.com/leadforge/leadcrawler/internal/progress"
)

// SubscriberSink fans events out to in-process subscribers, backing the
// API's event feed. Slow subscribers lose events rather than stall the hub.
type SubscriberSink struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscription
	closed bool
}

type subscription struct {
	jobID string
	ch    chan progress.Event
}

// NewSubscriberSink constructs an empty sink.
func NewSubscriberSink() *SubscriberSink {
	return &SubscriberSink{subs: make(map[int]subscription)}
}

// Subscribe registers a listener. An empty jobID receives every event. The
// returned cancel func must be called to release the channel.
func (s *SubscriberSink) Subscribe(jobID string, buffer int) (<-chan progress.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan progress.Event, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = subscription{jobID: jobID, ch: ch}

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
}

// Consume delivers the batch to matching subscribers without blocking.
func (s *SubscriberSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		for _, sub := range s.subs {
			if sub.jobID != "" && sub.jobID != evt.JobID {
				continue
			}
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
	return nil
}

// Close terminates every subscription.
func (s *SubscriberSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
	return nil
}
