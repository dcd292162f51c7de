package reqreply

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/localrivet/aitt/internal/core"
	"github.com/localrivet/aitt/mqttclient"
)

// fakePublisher is a minimal in-memory mqttPublisher stand-in: Subscribe
// records the callback under the reply topic, PublishWithReply lets the
// test fire synthetic replies straight at it, and SendReply records every
// call it receives.
type fakePublisher struct {
	mu       sync.Mutex
	cbs      map[string]func(msg *mqttclient.Message)
	nextID   uint64
	unsubbed map[mqttclient.SubCookie]bool
	sent     []sentReply

	publishErr error
}

type sentReply struct {
	topic         string
	payload       []byte
	sequence      int
	isEnd         bool
	correlationID string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		cbs:      make(map[string]func(msg *mqttclient.Message)),
		unsubbed: make(map[mqttclient.SubCookie]bool),
	}
}

func (f *fakePublisher) Subscribe(ctx context.Context, pattern string, qos byte, userData any, cb func(msg *mqttclient.Message)) (mqttclient.SubCookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := mqttclient.SubCookie(f.nextID)
	f.cbs[pattern] = cb
	return id, nil
}

func (f *fakePublisher) Unsubscribe(ctx context.Context, cookie mqttclient.SubCookie) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed[cookie] = true
	return nil, nil
}

func (f *fakePublisher) PublishWithReply(ctx context.Context, topic string, payload []byte, qos byte, retain bool, replyTopic, correlation string) error {
	return f.publishErr
}

func (f *fakePublisher) SendReply(ctx context.Context, msg *mqttclient.Message, payload []byte, qos byte, sequence int, isEnd bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentReply{
		topic:         msg.ResponseTopic,
		payload:       payload,
		sequence:      sequence,
		isEnd:         isEnd,
		correlationID: msg.CorrelationID,
	})
	return nil
}

func (f *fakePublisher) deliver(replyTopic string, msg *mqttclient.Message) {
	f.mu.Lock()
	cb := f.cbs[replyTopic]
	f.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (f *fakePublisher) lastReplyTopic() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for topic := range f.cbs {
		return topic
	}
	return ""
}

func TestPublishWithReplyForwardsEveryDeliveryAndUnsubscribesAtEnd(t *testing.T) {
	pub := newFakePublisher()
	c := New(pub)

	var mu sync.Mutex
	var received []*core.Message
	err := c.PublishWithReply(context.Background(), "room/query", []byte("?"), 1, false, func(msg *core.Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("PublishWithReply: %v", err)
	}

	replyTopic := pub.lastReplyTopic()
	if !strings.HasPrefix(replyTopic, "room/query_AittRe_") {
		t.Errorf("reply topic = %q, want room/query_AittRe_<id> prefix", replyTopic)
	}

	pub.deliver(replyTopic, &mqttclient.Message{Topic: replyTopic, Payload: []byte("a"), Sequence: 1, IsEndSequence: false})
	pub.deliver(replyTopic, &mqttclient.Message{Topic: replyTopic, Payload: []byte("b"), Sequence: 2, IsEndSequence: true})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("received %d messages, want 2", len(received))
	}
	if !received[1].IsEndSequence {
		t.Error("expected the second delivery to be marked end-of-sequence")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	unsubscribed := false
	for _, v := range pub.unsubbed {
		if v {
			unsubscribed = true
		}
	}
	if !unsubscribed {
		t.Error("expected the reply subscription to be torn down after is_end_sequence")
	}
}

func TestPublishWithReplySyncReturnsFinalMessage(t *testing.T) {
	pub := newFakePublisher()
	c := New(pub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Deliver the end-of-sequence reply shortly after subscribing, well
		// within the timeout.
		time.Sleep(10 * time.Millisecond)
		topic := pub.lastReplyTopic()
		pub.deliver(topic, &mqttclient.Message{Topic: topic, Payload: []byte("42"), Sequence: 0, IsEndSequence: true})
	}()

	msg, err := c.PublishWithReplySync(context.Background(), "room/query", []byte("?"), 1, false, 2*time.Second)
	<-done
	if err != nil {
		t.Fatalf("PublishWithReplySync: %v", err)
	}
	if string(msg.Payload) != "42" {
		t.Errorf("Payload = %q, want 42", msg.Payload)
	}
}

func TestPublishWithReplySyncTimesOutWithNoReply(t *testing.T) {
	pub := newFakePublisher()
	c := New(pub)

	_, err := c.PublishWithReplySync(context.Background(), "room/query", []byte("?"), 1, false, 30*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	var aerr *core.Error
	if e, ok := err.(*core.Error); ok {
		aerr = e
	}
	if aerr == nil || aerr.Kind != core.KindTimedOut {
		t.Errorf("err = %v, want KindTimedOut", err)
	}
}

func TestPublishWithReplySyncRearmsTimeoutOnPartialReply(t *testing.T) {
	pub := newFakePublisher()
	c := New(pub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		topic := func() string {
			for {
				if t := pub.lastReplyTopic(); t != "" {
					return t
				}
				time.Sleep(time.Millisecond)
			}
		}()
		// Each gap (20ms) is shorter than the 30ms timeout, but the end
		// reply arrives 60ms in, past the original deadline: only the
		// rearm on each partial reply keeps the call alive until the third
		// (end) reply completes it.
		time.Sleep(20 * time.Millisecond)
		pub.deliver(topic, &mqttclient.Message{Topic: topic, Payload: []byte("a"), Sequence: 1, IsEndSequence: false})
		time.Sleep(20 * time.Millisecond)
		pub.deliver(topic, &mqttclient.Message{Topic: topic, Payload: []byte("b"), Sequence: 2, IsEndSequence: false})
		time.Sleep(20 * time.Millisecond)
		pub.deliver(topic, &mqttclient.Message{Topic: topic, Payload: []byte("c"), Sequence: 3, IsEndSequence: true})
	}()

	msg, err := c.PublishWithReplySync(context.Background(), "room/query", []byte("?"), 1, false, 30*time.Millisecond)
	<-done
	if err != nil {
		t.Fatalf("PublishWithReplySync: %v", err)
	}
	if string(msg.Payload) != "c" {
		t.Errorf("Payload = %q, want c", msg.Payload)
	}
}

func TestPublishWithReplySyncCancelPendingYieldsTimedOut(t *testing.T) {
	pub := newFakePublisher()
	c := New(pub)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.PublishWithReplySync(context.Background(), "room/query", []byte("?"), 1, false, 5*time.Second)
		errCh <- err
	}()

	// Give PublishWithReplySync time to register as pending before
	// cancelling it.
	time.Sleep(20 * time.Millisecond)
	c.CancelPending()

	select {
	case err := <-errCh:
		aerr, ok := err.(*core.Error)
		if !ok || aerr.Kind != core.KindTimedOut {
			t.Errorf("err = %v, want KindTimedOut", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CancelPending did not unblock the pending sync call")
	}
}

func TestSendReplySequenceNumbering(t *testing.T) {
	pub := newFakePublisher()
	c := New(pub)

	req := &core.Message{ReplyTopic: "room/query_AittRe_1", CorrelationID: "corr-1"}

	if err := c.SendReply(context.Background(), req, []byte("a"), false); err != nil {
		t.Fatalf("SendReply #1: %v", err)
	}
	if err := c.SendReply(context.Background(), req, []byte("b"), false); err != nil {
		t.Fatalf("SendReply #2: %v", err)
	}
	if err := c.SendReply(context.Background(), req, []byte("c"), true); err != nil {
		t.Fatalf("SendReply #3: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.sent) != 3 {
		t.Fatalf("sent %d replies, want 3", len(pub.sent))
	}
	wantSeq := []int{1, 2, 3}
	wantEnd := []bool{false, false, true}
	for i, s := range pub.sent {
		if s.sequence != wantSeq[i] {
			t.Errorf("reply[%d].sequence = %d, want %d", i, s.sequence, wantSeq[i])
		}
		if s.isEnd != wantEnd[i] {
			t.Errorf("reply[%d].isEnd = %v, want %v", i, s.isEnd, wantEnd[i])
		}
	}
}

func TestSendReplyLoneReplyKeepsSequenceZero(t *testing.T) {
	pub := newFakePublisher()
	c := New(pub)

	req := &core.Message{ReplyTopic: "room/query_AittRe_2", CorrelationID: "corr-2"}
	if err := c.SendReply(context.Background(), req, []byte("only"), true); err != nil {
		t.Fatalf("SendReply: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(pub.sent))
	}
	if pub.sent[0].sequence != 0 {
		t.Errorf("sequence = %d, want 0", pub.sent[0].sequence)
	}
	if !pub.sent[0].isEnd {
		t.Error("expected isEnd=true")
	}
}

func TestSendReplyRejectsMessageWithoutReplyTopic(t *testing.T) {
	pub := newFakePublisher()
	c := New(pub)

	err := c.SendReply(context.Background(), &core.Message{}, []byte("x"), true)
	if err == nil {
		t.Fatal("expected an error for a message with no ReplyTopic")
	}
}
