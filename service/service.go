// Package service contains an in-process sync service speaking the same
// wire protocol as the production deployment: newline-delimited JSON frames
// over a plain TCP connection. It backs local runs and the client's test
// suite. State is held in memory only; a restart starts every topic from
// scratch.
package service

import (
	"context"
	"encoding/json"
	gosync "sync"

	"go.uber.org/zap"
)

// DefaultService keeps every topic as an append-only, totally ordered log.
// Sequence numbers are the 1-based positions of items in that log.
type DefaultService struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.SugaredLogger

	mu     gosync.Mutex
	topics map[string]*topicLog
}

// topicLog is the ordered log of a single topic, plus its live subscribers.
type topicLog struct {
	items []json.RawMessage
	subs  []*TopicSub
}

// TopicSub is a live subscription handle. The sink returns false once the
// subscriber is gone, at which point the service drops the subscription.
type TopicSub struct {
	topic string
	sink  func(*TopicEvent) bool
}

// New creates an in-process sync service.
func New(ctx context.Context, log *zap.SugaredLogger) *DefaultService {
	ctx, cancel := context.WithCancel(ctx)
	return &DefaultService{
		ctx:    ctx,
		cancel: cancel,
		log:    log,
		topics: map[string]*topicLog{},
	}
}

// Publish appends payload to the topic's log, returning the assigned
// sequence number, and pushes the new item to every live subscriber.
func (s *DefaultService) Publish(topic string, payload json.RawMessage) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.topic(topic)
	tl.items = append(tl.items, payload)
	seq := uint64(len(tl.items))

	s.log.Debugw("published item on topic", "topic", topic, "seq", seq)

	ev := &TopicEvent{Topic: topic, Seq: seq, Payload: payload}

	var idx int
	for _, sub := range tl.subs {
		if sub.sink(ev) {
			tl.subs[idx] = sub
			idx++
		}
	}
	tl.subs = tl.subs[:idx]

	return seq
}

// Subscribe registers sink as a subscriber on the topic, first replaying
// every item already in the log, in order. The returned handle can be
// passed to Unsubscribe.
func (s *DefaultService) Subscribe(topic string, sink func(*TopicEvent) bool) *TopicSub {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl := s.topic(topic)

	sub := &TopicSub{topic: topic, sink: sink}

	s.log.Debugw("subscribing to topic", "topic", topic, "replay", len(tl.items))

	for i, payload := range tl.items {
		if !sub.sink(&TopicEvent{Topic: topic, Seq: uint64(i + 1), Payload: payload}) {
			return sub
		}
	}

	tl.subs = append(tl.subs, sub)
	return sub
}

// Unsubscribe removes a previously registered subscription. It is a no-op
// if the subscription was already dropped.
func (s *DefaultService) Unsubscribe(sub *TopicSub) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl, ok := s.topics[sub.topic]
	if !ok {
		return
	}

	for i, ts := range tl.subs {
		if ts == sub {
			tl.subs = append(tl.subs[:i], tl.subs[i+1:]...)
			return
		}
	}
}

// topic returns the log for the named topic, creating it when first seen.
// Callers must hold s.mu.
func (s *DefaultService) topic(name string) *topicLog {
	tl, ok := s.topics[name]
	if !ok {
		tl = &topicLog{}
		s.topics[name] = tl
	}
	return tl
}

// Close releases all service state.
func (s *DefaultService) Close() error {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = map[string]*topicLog{}

	return nil
}
