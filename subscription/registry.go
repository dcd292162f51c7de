// Package subscription implements the façade-level subscription registry
// (spec §4.5): handle issuance, routing a subscribe/unsubscribe call to the
// transport it names, stamping every delivered Message with the handle that
// produced it, and answering subscriber-count queries across transports.
package subscription

import (
	"sync"

	"github.com/localrivet/aitt/internal/core"
)

// Delivery is one inbound message as the owning transport sees it: the
// concrete topic it actually arrived on (which, for a wildcard
// subscription, differs from the pattern Subscribe was called with) plus
// the MQTT v5 request/reply metadata needed to populate a delivered
// core.Message's ReplyTopic/CorrelationID/Sequence/IsEndSequence (spec
// §4.6). A transport with no reply concept (TCP) leaves those fields zero.
type Delivery struct {
	Topic         string
	Payload       []byte
	CorrelationID string
	ReplyTopic    string
	Sequence      int
	IsEndSequence bool
}

// Router is what the registry needs from one transport to subscribe and
// unsubscribe a topic pattern. The returned unsubscribe closure is called
// at most once and must be idempotent-safe to call even if the transport
// already tore the subscription down itself. Grounded on
// `mcp/progress.go`'s ProgressChannel, generalized from a single progress
// token to an arbitrary transport.
type Router interface {
	Subscribe(topic string, deliver func(d Delivery)) (unsubscribe func() error, err error)
}

// Counter answers "how many subscribers does this transport have for
// topic" (spec §4.5): tcpfabric.Transport.CountSubscriber implements this
// directly; the MQTT path is implemented by mqttTable below.
type Counter interface {
	CountSubscriber(topic string) int
}

// entry is one row of the façade's subscription table (spec §4.5's
// Vec<SubscriptionEntry>).
type entry struct {
	handle      core.SubscribeHandle
	topic       string
	unsubscribe func() error
}

// Registry is the façade-level subscription table. It owns one
// HandleAllocator and one Router per wired TransportTag, plus the MQTT
// discovery-pattern table used for MQTT subscriber counting.
type Registry struct {
	mu         sync.Mutex
	allocators map[core.TransportTag]*core.HandleAllocator
	routers    map[core.TransportTag]Router
	counters   map[core.TransportTag]Counter
	entries    map[core.SubscribeHandle]*entry

	mqtt *mqttTable
}

// New creates an empty Registry. Transports are wired in afterward with
// Wire, since the façade constructs transports and the registry in
// dependency order determined by spec §4.4/§4.3's discovery callback
// registration.
func New() *Registry {
	return &Registry{
		allocators: make(map[core.TransportTag]*core.HandleAllocator),
		routers:    make(map[core.TransportTag]Router),
		counters:   make(map[core.TransportTag]Counter),
		entries:    make(map[core.SubscribeHandle]*entry),
	}
}

// Wire registers router and counter (either may be nil) for tag. Counter is
// consulted by CountSubscriber; for MQTT, pass nil and use WireMQTT
// instead, which builds the counter from the discovery pattern table.
func (reg *Registry) Wire(tag core.TransportTag, router Router, counter Counter) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.allocators[tag] = core.NewHandleAllocator(tag)
	reg.routers[tag] = router
	if counter != nil {
		reg.counters[tag] = counter
	}
}

// WireMQTT wires the MQTT transport's router and builds the auxiliary
// discovery pattern table spec §4.5 describes: every peer announces, under
// module key "MQTT", the flat list of concrete patterns it holds, and
// CountSubscriber(topic) for MQTT sums matches across that table.
func (reg *Registry) WireMQTT(router Router, announcer Announcer) {
	reg.mu.Lock()
	reg.allocators[core.TransportMQTT] = core.NewHandleAllocator(core.TransportMQTT)
	reg.routers[core.TransportMQTT] = router
	reg.mu.Unlock()

	reg.mqtt = newMQTTTable(announcer)
	reg.counters[core.TransportMQTT] = reg.mqtt
}

// Subscribe routes to the transport named by tag, wraps handler so every
// delivered Message carries the resulting handle, and records the entry
// (spec §4.5).
func (reg *Registry) Subscribe(tag core.TransportTag, topic string, handler core.Handler) (core.SubscribeHandle, error) {
	if err := core.ValidateSubscribePattern(topic); err != nil {
		return core.SubscribeHandle{}, err
	}

	reg.mu.Lock()
	alloc, ok := reg.allocators[tag]
	router := reg.routers[tag]
	reg.mu.Unlock()
	if !ok || router == nil {
		return core.SubscribeHandle{}, &core.Error{Kind: core.KindInvalidArg, Op: "Subscribe", Err: errUnwiredTransport(tag)}
	}

	handle := alloc.Next()

	unsub, err := router.Subscribe(topic, func(d Delivery) {
		handler(&core.Message{
			Topic:         d.Topic,
			Payload:       d.Payload,
			CorrelationID: d.CorrelationID,
			ReplyTopic:    d.ReplyTopic,
			Sequence:      d.Sequence,
			IsEndSequence: d.IsEndSequence,
			Transport:     tag,
			SourceHandle:  handle,
		})
	})
	if err != nil {
		return core.SubscribeHandle{}, err
	}

	if tag == core.TransportMQTT && reg.mqtt != nil {
		reg.mqtt.addLocalPattern(topic)
	}

	reg.mu.Lock()
	reg.entries[handle] = &entry{handle: handle, topic: topic, unsubscribe: unsub}
	reg.mu.Unlock()

	return handle, nil
}

// Unsubscribe looks up handle, routes to the owning transport's
// unsubscribe, and removes the entry. Unknown handles raise NO_DATA (spec
// §4.5).
func (reg *Registry) Unsubscribe(handle core.SubscribeHandle) error {
	reg.mu.Lock()
	e, ok := reg.entries[handle]
	if ok {
		delete(reg.entries, handle)
	}
	reg.mu.Unlock()
	if !ok {
		return &core.Error{Kind: core.KindNoData, Op: "Unsubscribe"}
	}

	if handle.Transport == core.TransportMQTT && reg.mqtt != nil {
		reg.mqtt.removeLocalPattern(e.topic)
	}

	return e.unsubscribe()
}

// CountSubscriber sums subscriber counts across every transport set in
// mask. Wildcard topic queries are refused with NOT_SUPPORTED, since
// counting wildcard-against-wildcard is undefined (spec §4.5).
func (reg *Registry) CountSubscriber(topic string, mask core.TransportMask) (int, error) {
	if core.HasWildcard(topic) {
		return 0, &core.Error{Kind: core.KindNotSupported, Op: "CountSubscriber"}
	}

	reg.mu.Lock()
	counters := make(map[core.TransportTag]Counter, len(reg.counters))
	for tag, c := range reg.counters {
		counters[tag] = c
	}
	reg.mu.Unlock()

	total := 0
	for _, tag := range mask.Bits() {
		if c, ok := counters[tag]; ok {
			total += c.CountSubscriber(topic)
		}
	}
	return total, nil
}

type errUnwiredTransport core.TransportTag

func (t errUnwiredTransport) Error() string {
	return "no transport wired for " + core.TransportTag(t).String()
}
