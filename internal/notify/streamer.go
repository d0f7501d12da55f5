// Package notify fans refresh signals out to in-process subscribers, websocket
// clients and, optionally, other instances through Redis.
package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// subscriberBuffer bounds how far a slow subscriber may fall behind before
// signals to it are dropped.
const subscriberBuffer = 256

var ErrStreamerClosed = errors.New("notify: streamer closed")

// Event is one published payload together with its topic.
type Event[Topic any, Payload any] struct {
	Topic   Topic
	Payload Payload
}

// TopicFilter selects the topics a subscriber receives. A nil filter accepts all.
type TopicFilter[Topic any] func(Topic) bool

type subscriber[Topic any, Payload any] struct {
	ctx    context.Context
	filter TopicFilter[Topic]
	ch     chan Event[Topic, Payload]
	closed atomic.Bool
}

// Streamer is an in-memory topic streamer. Publish never blocks: a full
// subscriber buffer drops the event for that subscriber only.
type Streamer[Topic any, Payload any] struct {
	mu          sync.RWMutex
	subscribers map[*subscriber[Topic, Payload]]struct{}
	closed      atomic.Bool
}

func NewStreamer[Topic any, Payload any]() *Streamer[Topic, Payload] {
	return &Streamer[Topic, Payload]{
		subscribers: make(map[*subscriber[Topic, Payload]]struct{}),
	}
}

func (s *Streamer[Topic, Payload]) Publish(topic Topic, payloads ...Payload) {
	if s.closed.Load() || len(payloads) == 0 {
		return
	}

	s.mu.RLock()
	subs := make([]*subscriber[Topic, Payload], 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		if sub.closed.Load() || !sub.filter(topic) {
			continue
		}
		for _, payload := range payloads {
			s.trySend(sub, Event[Topic, Payload]{Topic: topic, Payload: payload})
		}
	}
}

// Subscribe returns a channel that is closed when ctx is done or the streamer
// shuts down.
func (s *Streamer[Topic, Payload]) Subscribe(ctx context.Context, filter TopicFilter[Topic]) (<-chan Event[Topic, Payload], error) {
	if s.closed.Load() {
		return nil, ErrStreamerClosed
	}
	if filter == nil {
		filter = func(Topic) bool { return true }
	}

	sub := &subscriber[Topic, Payload]{
		ctx:    ctx,
		filter: filter,
		ch:     make(chan Event[Topic, Payload], subscriberBuffer),
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, ErrStreamerClosed
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.remove(sub)
	}()

	return sub.ch, nil
}

// Len reports the number of active subscribers.
func (s *Streamer[Topic, Payload]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

func (s *Streamer[Topic, Payload]) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
	s.subscribers = nil
}

func (s *Streamer[Topic, Payload]) remove(sub *subscriber[Topic, Payload]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[sub]; !ok {
		return
	}
	delete(s.subscribers, sub)
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.ch)
	}
}

func (s *Streamer[Topic, Payload]) trySend(sub *subscriber[Topic, Payload], evt Event[Topic, Payload]) {
	// a concurrent remove may close the channel between the check and the send
	defer func() {
		if r := recover(); r != nil {
			sub.closed.Store(true)
		}
	}()

	select {
	case sub.ch <- evt:
	default:
	}
}
