// Package events provides a small generic, topic-keyed publish/subscribe
// bus used internally as the dispatch primitive for discovery callback
// fan-out.
//
// The bus serializes all live-event handler invocations through one
// goroutine per Subject (replayed events are delivered synchronously on the
// subscribing goroutine, see Subscribe), so a handler that itself calls
// Subscribe or Unsubscribe can never
// observe or corrupt an in-flight dispatch: Subscribe/Unsubscribe mutate the
// canonical subscriber list directly, while a dispatch pass always works
// from a snapshot copy taken at the start of that pass. A subscribe made
// mid-dispatch simply isn't in the snapshot and is picked up by the next
// publish; an unsubscribe made mid-dispatch removes the entry from future
// snapshots without disturbing the one in progress.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"
)

const defaultPublishTimeout = 200 * time.Millisecond

type event struct {
	topic string
	value reflect.Value
	extra []any
}

type subscription struct {
	id      uint64
	topic   string
	handler reflect.Value
}

// Subscription is returned by Subscribe and lets the caller tear down that
// one registration.
type Subscription struct {
	id      uint64
	topic   string
	subject *Subject
}

// Unsubscribe removes this subscription. Safe to call from within a handler.
func (s *Subscription) Unsubscribe() {
	s.subject.unsubscribe(s.topic, s.id)
}

type topicState struct {
	mu     sync.Mutex
	subs   []*subscription
	replay []event
}

// Subject is a topic-keyed event bus.
type Subject struct {
	logger         *slog.Logger
	bufferSize     int
	replaySize     int
	publishTimeout time.Duration

	mu     sync.RWMutex
	topics map[string]*topicState
	nextID uint64

	eventCh chan event
	done    chan struct{}
	closeOnce sync.Once
	closed  bool
}

// SubjectOption configures a Subject created by NewSubject.
type SubjectOption func(*Subject)

// WithBufferSize sets the capacity of the internal event channel. Zero
// means unbuffered (every Publish blocks until the loop goroutine accepts
// it, or until the publish timeout fires).
func WithBufferSize(n int) SubjectOption {
	return func(s *Subject) { s.bufferSize = n }
}

// WithReplay enables a per-topic ring buffer of the last n published
// events; a subscriber that opts into replay (see Subscribe) receives them
// synchronously, in publish order, before any live event.
func WithReplay(n int) SubjectOption {
	return func(s *Subject) { s.replaySize = n }
}

// WithLogger sets the logger used to report handler errors.
func WithLogger(logger *slog.Logger) SubjectOption {
	return func(s *Subject) { s.logger = logger }
}

// NewSubject creates a Subject and starts its dispatch goroutine.
func NewSubject(opts ...SubjectOption) *Subject {
	s := &Subject{
		logger:         slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
		publishTimeout: defaultPublishTimeout,
		topics:         make(map[string]*topicState),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.eventCh = make(chan event, s.bufferSize)

	go s.loop()
	return s
}

// Complete stops the Subject's dispatch goroutine and rejects further
// publishes. It does not panic if called more than once.
func Complete(s *Subject) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subject) loop() {
	for {
		select {
		case ev := <-s.eventCh:
			s.dispatch(ev)
		case <-s.done:
			return
		}
	}
}

func (s *Subject) dispatch(ev event) {
	s.mu.RLock()
	ts, ok := s.topics[ev.topic]
	s.mu.RUnlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	snapshot := make([]*subscription, len(ts.subs))
	copy(snapshot, ts.subs)
	ts.mu.Unlock()

	for _, sub := range snapshot {
		if err := callHandler(context.Background(), sub.handler, ev.value, ev.extra); err != nil {
			s.logger.Error("event handler error", "topic", ev.topic, "error", err)
		}
	}
}

func callHandler(ctx context.Context, handler reflect.Value, value reflect.Value, extra []any) error {
	args := make([]reflect.Value, 0, 2+len(extra))
	args = append(args, reflect.ValueOf(ctx), value)
	for _, e := range extra {
		args = append(args, reflect.ValueOf(e))
	}
	results := handler.Call(args)
	if len(results) == 0 {
		return nil
	}
	last := results[len(results)-1]
	if last.IsNil() {
		return nil
	}
	err, _ := last.Interface().(error)
	return err
}

func (s *Subject) topicStateFor(topic string) *topicState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.topics[topic]
	if !ok {
		ts = &topicState{}
		s.topics[topic] = ts
	}
	return ts
}

func (s *Subject) subscribe(topic string, handler reflect.Value, replay bool) *Subscription {
	ts := s.topicStateFor(topic)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	sub := &subscription{id: id, topic: topic, handler: handler}

	ts.mu.Lock()
	ts.subs = append(ts.subs, sub)
	var cached []event
	if replay {
		cached = make([]event, len(ts.replay))
		copy(cached, ts.replay)
	}
	ts.mu.Unlock()

	for _, ev := range cached {
		if err := callHandler(context.Background(), handler, ev.value, ev.extra); err != nil {
			s.logger.Error("event handler error", "topic", topic, "error", err)
		}
	}

	return &Subscription{id: id, topic: topic, subject: s}
}

func (s *Subject) unsubscribe(topic string, id uint64) {
	s.mu.RLock()
	ts, ok := s.topics[topic]
	s.mu.RUnlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, sub := range ts.subs {
		if sub.id == id {
			ts.subs = append(ts.subs[:i], ts.subs[i+1:]...)
			return
		}
	}
}

func (s *Subject) recordReplay(topic string, ev event) {
	if s.replaySize <= 0 {
		return
	}
	ts := s.topicStateFor(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.replay = append(ts.replay, ev)
	if len(ts.replay) > s.replaySize {
		ts.replay = ts.replay[len(ts.replay)-s.replaySize:]
	}
}

func (s *Subject) publish(topic string, value reflect.Value, extra []any) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return fmt.Errorf("failed to emit event: subject is closed (topic %q)", topic)
	}

	ev := event{topic: topic, value: value, extra: extra}
	s.recordReplay(topic, ev)

	select {
	case s.eventCh <- ev:
		return nil
	case <-time.After(s.publishTimeout):
		return fmt.Errorf("failed to emit event: timed out publishing to topic %q", topic)
	}
}

// Subscribe registers handler — a func(context.Context, T, ...any) error —
// for events published to topic on subject. If replay is true and the
// subject has replay enabled, handler is first invoked synchronously, in
// publish order, for whatever is in that topic's replay cache. Panics if
// handler is not a function.
func Subscribe[T any](subject *Subject, topic string, handler any, replay ...bool) *Subscription {
	hv := reflect.ValueOf(handler)
	if hv.Kind() != reflect.Func {
		panic("events: Subscribe handler must be a function")
	}
	doReplay := len(replay) > 0 && replay[0]
	return subject.subscribe(topic, hv, doReplay)
}

// Publish sends evt to every subscriber of topic on subject. extra values,
// if any, are appended as additional call arguments (e.g. a net.Conn a
// handler wants alongside the event).
func Publish[T any](subject *Subject, topic string, evt T, extra ...any) error {
	return subject.publish(topic, reflect.ValueOf(evt), extra)
}
