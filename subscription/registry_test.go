package subscription

import (
	"sync"
	"testing"

	"github.com/localrivet/aitt/internal/core"
)

// fakeRouter is a minimal in-memory Router stand-in: Subscribe records the
// deliver callback under topic and returns an unsubscribe closure that
// increments a per-topic counter so tests can assert it was called exactly
// once.
type fakeRouter struct {
	mu           sync.Mutex
	delivered    map[string]func(d Delivery)
	unsubCalls   map[string]int
	subscribeErr error
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		delivered:  make(map[string]func(d Delivery)),
		unsubCalls: make(map[string]int),
	}
}

func (f *fakeRouter) Subscribe(topic string, deliver func(d Delivery)) (func() error, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.mu.Lock()
	f.delivered[topic] = deliver
	f.mu.Unlock()
	return func() error {
		f.mu.Lock()
		f.unsubCalls[topic]++
		f.mu.Unlock()
		return nil
	}, nil
}

// deliver simulates an inbound message on the subscription registered
// under pattern, reporting d verbatim — including a Topic that may differ
// from pattern, the way a wildcard subscription's concrete deliveries do.
func (f *fakeRouter) deliver(pattern string, d Delivery) {
	f.mu.Lock()
	cb := f.delivered[pattern]
	f.mu.Unlock()
	if cb != nil {
		cb(d)
	}
}

func (f *fakeRouter) unsubCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubCalls[topic]
}

// fakeCounter is a fixed-answer Counter stand-in for the TCP counting path.
type fakeCounter struct{ n int }

func (f fakeCounter) CountSubscriber(topic string) int { return f.n }

// fakeAnnouncer is a minimal in-memory discovery stand-in for mqttTable,
// mirroring tcpfabric's fakeAnnouncer.
type fakeAnnouncer struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	cbs    map[string]func(clientID, status string, blob []byte)
	nextID int
}

func newFakeAnnouncer() *fakeAnnouncer {
	return &fakeAnnouncer{
		blobs: make(map[string][]byte),
		cbs:   make(map[string]func(clientID, status string, blob []byte)),
	}
}

func (f *fakeAnnouncer) UpdateModuleState(moduleName string, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[moduleName] = blob
	return nil
}

func (f *fakeAnnouncer) AddDiscoveryCB(moduleName string, cb func(clientID, status string, blob []byte)) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.cbs[moduleName] = cb
	return f.nextID
}

func (f *fakeAnnouncer) RemoveDiscoveryCB(id int) {}

func (f *fakeAnnouncer) fire(moduleName, clientID, status string, blob []byte) {
	f.mu.Lock()
	cb := f.cbs[moduleName]
	f.mu.Unlock()
	if cb != nil {
		cb(clientID, status, blob)
	}
}

func TestSubscribeStampsSourceHandleOnDelivery(t *testing.T) {
	reg := New()
	router := newFakeRouter()
	reg.Wire(core.TransportTCP, router, fakeCounter{n: 0})

	var got *core.Message
	handle, err := reg.Subscribe(core.TransportTCP, "room/temp", func(msg *core.Message) {
		got = msg
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	router.deliver("room/temp", Delivery{Topic: "room/temp", Payload: []byte("21.5")})

	if got == nil {
		t.Fatal("handler was never invoked")
	}
	if got.SourceHandle != handle {
		t.Errorf("SourceHandle = %v, want %v", got.SourceHandle, handle)
	}
	if got.Transport != core.TransportTCP {
		t.Errorf("Transport = %v, want TCP", got.Transport)
	}
	if string(got.Payload) != "21.5" {
		t.Errorf("Payload = %q, want 21.5", got.Payload)
	}
}

// TestSubscribeStampsConcreteTopicNotPattern covers scenario S2: a wildcard
// subscription like "log/#" must deliver each message's own concrete topic
// ("log", then "log/info", ...), never the subscribed pattern itself.
func TestSubscribeStampsConcreteTopicNotPattern(t *testing.T) {
	reg := New()
	router := newFakeRouter()
	reg.Wire(core.TransportTCP, router, fakeCounter{n: 0})

	var got []*core.Message
	_, err := reg.Subscribe(core.TransportTCP, "log/#", func(msg *core.Message) {
		got = append(got, msg)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	router.deliver("log/#", Delivery{Topic: "log", Payload: []byte("a")})
	router.deliver("log/#", Delivery{Topic: "log/info", Payload: []byte("b")})

	if len(got) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(got))
	}
	if got[0].Topic != "log" {
		t.Errorf("first delivery Topic = %q, want log", got[0].Topic)
	}
	if got[1].Topic != "log/info" {
		t.Errorf("second delivery Topic = %q, want log/info", got[1].Topic)
	}
}

// TestSubscribeStampsReplyMetadata covers scenario S3: a handler must
// receive the inbound ReplyTopic/CorrelationID so it can later call
// SendReply, instead of those fields coming through zeroed.
func TestSubscribeStampsReplyMetadata(t *testing.T) {
	reg := New()
	router := newFakeRouter()
	reg.Wire(core.TransportMQTT, router, fakeCounter{n: 0})

	var got *core.Message
	_, err := reg.Subscribe(core.TransportMQTT, "req", func(msg *core.Message) {
		got = msg
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	router.deliver("req", Delivery{
		Topic:         "req",
		Payload:       []byte("?"),
		ReplyTopic:    "req_AittRe_1",
		CorrelationID: "corr-1",
		Sequence:      0,
		IsEndSequence: false,
	})

	if got == nil {
		t.Fatal("handler was never invoked")
	}
	if got.ReplyTopic != "req_AittRe_1" {
		t.Errorf("ReplyTopic = %q, want req_AittRe_1", got.ReplyTopic)
	}
	if got.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want corr-1", got.CorrelationID)
	}
}

func TestSubscribeRejectsUnwiredTransport(t *testing.T) {
	reg := New()
	_, err := reg.Subscribe(core.TransportTCP, "room/temp", func(*core.Message) {})
	if err == nil {
		t.Fatal("expected an error for an unwired transport")
	}
}

func TestSubscribeRejectsInvalidPattern(t *testing.T) {
	reg := New()
	router := newFakeRouter()
	reg.Wire(core.TransportTCP, router, fakeCounter{n: 0})

	if _, err := reg.Subscribe(core.TransportTCP, "room/#/temp", func(*core.Message) {}); err == nil {
		t.Fatal("expected an error for a non-terminal #")
	}
}

func TestUnsubscribeUnknownHandleReturnsNoData(t *testing.T) {
	reg := New()
	err := reg.Unsubscribe(core.SubscribeHandle{Transport: core.TransportTCP, ID: 99})
	if err == nil {
		t.Fatal("expected an error for an unknown handle")
	}
	var aerr *core.Error
	if !asError(err, &aerr) || aerr.Kind != core.KindNoData {
		t.Errorf("err = %v, want KindNoData", err)
	}
}

func TestUnsubscribeCallsRouterCleanup(t *testing.T) {
	reg := New()
	router := newFakeRouter()
	reg.Wire(core.TransportTCP, router, fakeCounter{n: 0})

	handle, err := reg.Subscribe(core.TransportTCP, "room/temp", func(*core.Message) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := reg.Unsubscribe(handle); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if router.unsubCount("room/temp") != 1 {
		t.Errorf("unsubscribe called %d times, want 1", router.unsubCount("room/temp"))
	}

	if err := reg.Unsubscribe(handle); err == nil {
		t.Fatal("expected a second Unsubscribe of the same handle to fail")
	}
}

func TestCountSubscriberRejectsWildcardTopic(t *testing.T) {
	reg := New()
	_, err := reg.CountSubscriber("room/+", core.TransportMask(core.TransportTCP))
	if err == nil {
		t.Fatal("expected an error for a wildcard topic")
	}
	var aerr *core.Error
	if !asError(err, &aerr) || aerr.Kind != core.KindNotSupported {
		t.Errorf("err = %v, want KindNotSupported", err)
	}
}

func TestCountSubscriberSumsAcrossMask(t *testing.T) {
	reg := New()
	reg.Wire(core.TransportTCP, newFakeRouter(), fakeCounter{n: 3})
	reg.Wire(core.TransportTCPSecure, newFakeRouter(), fakeCounter{n: 2})

	mask := core.TransportMask(core.TransportTCP) | core.TransportMask(core.TransportTCPSecure)
	n, err := reg.CountSubscriber("room/temp", mask)
	if err != nil {
		t.Fatalf("CountSubscriber: %v", err)
	}
	if n != 5 {
		t.Errorf("n = %d, want 5", n)
	}
}

func TestCountSubscriberMQTTUsesDiscoveryTable(t *testing.T) {
	reg := New()
	router := newFakeRouter()
	ann := newFakeAnnouncer()
	reg.WireMQTT(router, ann)

	if _, err := reg.Subscribe(core.TransportMQTT, "room/+", func(*core.Message) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ann.fire("MQTT", "peer-1", "connected", []byte(`["room/kitchen","other/topic"]`))

	n, err := reg.CountSubscriber("room/kitchen", core.TransportMask(core.TransportMQTT))
	if err != nil {
		t.Fatalf("CountSubscriber: %v", err)
	}
	// own pattern "room/+" matches, plus peer-1's "room/kitchen".
	if n != 2 {
		t.Errorf("n = %d, want 2", n)
	}
}

func TestUnsubscribeMQTTRemovesOwnPatternFromCount(t *testing.T) {
	reg := New()
	router := newFakeRouter()
	ann := newFakeAnnouncer()
	reg.WireMQTT(router, ann)

	handle, err := reg.Subscribe(core.TransportMQTT, "room/kitchen", func(*core.Message) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	n, _ := reg.CountSubscriber("room/kitchen", core.TransportMask(core.TransportMQTT))
	if n != 1 {
		t.Fatalf("n = %d, want 1 before unsubscribe", n)
	}

	if err := reg.Unsubscribe(handle); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	n, _ = reg.CountSubscriber("room/kitchen", core.TransportMask(core.TransportMQTT))
	if n != 0 {
		t.Errorf("n = %d, want 0 after unsubscribe", n)
	}
}

func asError(err error, target **core.Error) bool {
	e, ok := err.(*core.Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
