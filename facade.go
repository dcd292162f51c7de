// Package aitt is the topic-oriented pub/sub messaging fabric façade: it
// ties the MQTT client, the plain and secure TCP transports, discovery,
// the subscription registry and the request/reply coordinator together
// behind one Ready/Disconnect lifecycle and a uniform Publish/Subscribe/
// Unsubscribe/PublishWithReply API (spec §2, §3).
package aitt

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/localrivet/aitt/discovery"
	"github.com/localrivet/aitt/internal/core"
	"github.com/localrivet/aitt/mqttclient"
	"github.com/localrivet/aitt/reactor"
	"github.com/localrivet/aitt/reqreply"
	"github.com/localrivet/aitt/subscription"
	"github.com/localrivet/aitt/tcpfabric"
)

// ClientID is a stable, per-process unique string (spec §3); generated
// with uuid.NewString() if the caller doesn't supply one via WithClientID.
type ClientID = string

// AITT is the façade tying every component together. Its zero value is
// not usable; construct with New.
type AITT struct {
	cfg *config

	reactor   *reactor.Reactor
	mqtt      *mqttclient.Client
	tcp       *tcpfabric.Transport
	tcpSecure *tcpfabric.Transport
	disc      *discovery.Discovery
	registry  *subscription.Registry
	coord     *reqreply.Coordinator

	mu    sync.Mutex
	ready bool
	done  bool
}

// New constructs the façade's components but does not connect anything;
// call Ready to bring the fabric up (spec §3's "owned as a single unit
// created at ready()").
func New(opts ...Option) *AITT {
	cfg := newConfig(opts)
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	r := reactor.New()
	mc := mqttclient.New(r)

	a := &AITT{
		cfg:     cfg,
		reactor: r,
		mqtt:    mc,
		coord:   reqreply.New(mc),
	}
	return a
}

// Ready connects the MQTT client, starts discovery, brings up the TCP
// (and, if enabled, secure-TCP) transports, and wires the subscription
// registry. A second call on an already-ready façade, or any call after
// Disconnect, returns ALREADY (spec §8 property 9).
func (a *AITT) Ready(ctx context.Context) error {
	a.mu.Lock()
	if a.ready || a.done {
		a.mu.Unlock()
		return &core.Error{Kind: core.KindAlready, Op: "Ready"}
	}
	a.mu.Unlock()

	if err := a.mqtt.SetCleanSession(a.cfg.cleanSession); err != nil {
		return err
	}

	disc, err := discovery.New(a.mqtt, a.cfg.clientID, a.cfg.logger)
	if err != nil {
		return err
	}
	if err := disc.Start(ctx, a.cfg.brokerHost, a.cfg.brokerPort, a.cfg.user, a.cfg.pass); err != nil {
		return err
	}

	tcp := tcpfabric.New(false, a.cfg.myIP, disc, a.cfg.logger)
	registry := subscription.New()
	registry.Wire(core.TransportTCP, tcpRouter{tcp}, tcp)
	registry.WireMQTT(mqttRouter{a.mqtt}, disc)

	var tcpSecure *tcpfabric.Transport
	if a.cfg.secureTCP {
		tcpSecure = tcpfabric.New(true, a.cfg.myIP, disc, a.cfg.logger)
		registry.Wire(core.TransportTCPSecure, tcpRouter{tcpSecure}, tcpSecure)
	}

	a.mu.Lock()
	a.disc = disc
	a.tcp = tcp
	a.tcpSecure = tcpSecure
	a.registry = registry
	a.ready = true
	a.mu.Unlock()
	return nil
}

// Disconnect releases every component Ready brought up: it cancels any
// pending PublishWithReplySync calls, stops discovery, closes both TCP
// transports, and disconnects the MQTT client. Idempotent — a second call
// is a no-op, matching `disconnect` being safely repeatable (spec §8
// property 9 only forbids re-`ready`, not re-`disconnect`).
func (a *AITT) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if !a.ready || a.done {
		a.done = true
		a.mu.Unlock()
		return nil
	}
	disc, tcp, tcpSecure := a.disc, a.tcp, a.tcpSecure
	a.done = true
	a.mu.Unlock()

	a.coord.CancelPending()

	var firstErr error
	recordErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if tcp != nil {
		recordErr(tcp.Close())
	}
	if tcpSecure != nil {
		recordErr(tcpSecure.Close())
	}
	if disc != nil {
		recordErr(disc.Stop(ctx))
	}
	a.reactor.Quit()

	return firstErr
}

// Publish sends payload on topic over every transport set in mask. Each
// transport is attempted independently; a failure on one does not abort
// the others (spec §7's publish-error propagation rule) — the first
// error encountered is still returned to the caller after every transport
// has been tried.
func (a *AITT) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool, mask TransportMask) error {
	if err := core.ValidatePublishTopic(topic); err != nil {
		return err
	}
	if err := core.ValidatePayload(payload); err != nil {
		return err
	}

	var firstErr error
	for _, tag := range mask.Bits() {
		if err := a.publishOne(ctx, tag, topic, payload, qos, retain); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *AITT) publishOne(ctx context.Context, tag TransportTag, topic string, payload []byte, qos byte, retain bool) error {
	switch tag {
	case core.TransportMQTT:
		return a.mqtt.Publish(ctx, topic, payload, qos, retain)
	case core.TransportTCP:
		return a.tcp.Publish(topic, payload)
	case core.TransportTCPSecure:
		if a.tcpSecure == nil {
			return &core.Error{Kind: core.KindNotSupported, Op: "Publish", Err: errSecureTCPDisabled}
		}
		return a.tcpSecure.Publish(topic, payload)
	default:
		return &core.Error{Kind: core.KindInvalidArg, Op: "Publish"}
	}
}

// Subscribe registers handler for topic over the single transport named
// by tag, returning a handle Unsubscribe later needs (spec §3, §4.5).
func (a *AITT) Subscribe(tag TransportTag, topic string, handler Handler) (SubscribeHandle, error) {
	return a.registry.Subscribe(tag, topic, handler)
}

// Unsubscribe tears down the subscription identified by handle. Unknown
// handles raise NO_DATA (spec §4.5).
func (a *AITT) Unsubscribe(handle SubscribeHandle) error {
	return a.registry.Unsubscribe(handle)
}

// CountSubscriber sums subscriber counts for topic across every transport
// set in mask (spec §4.5, §8 property 8).
func (a *AITT) CountSubscriber(topic string, mask TransportMask) (int, error) {
	return a.registry.CountSubscriber(topic, mask)
}

// PublishWithReply issues a reply-capable MQTT publish and forwards every
// reply delivered on the resulting reply topic to cb (spec §4.6). MQTT
// only — TCP's reply-metadata frame header (spec §4.6 step 3) is not
// implemented (see the reqreply package doc).
func (a *AITT) PublishWithReply(ctx context.Context, topic string, payload []byte, qos byte, retain bool, cb ReplyHandler) error {
	return a.coord.PublishWithReply(ctx, topic, payload, qos, retain, cb)
}

// PublishWithReplySync is the blocking variant of PublishWithReply: it
// waits for the terminal reply or timeout before returning (spec §4.6,
// MQTT only per Open Question 1).
func (a *AITT) PublishWithReplySync(ctx context.Context, topic string, payload []byte, qos byte, retain bool, timeout time.Duration) (*Message, error) {
	return a.coord.PublishWithReplySync(ctx, topic, payload, qos, retain, timeout)
}

// SendReply answers an inbound request message (one whose ReplyTopic is
// non-empty) with payload, following the sequence-numbering rule of spec
// §4.6.
func (a *AITT) SendReply(ctx context.Context, msg *Message, payload []byte, end bool) error {
	return a.coord.SendReply(ctx, msg, payload, end)
}

var errSecureTCPDisabled = errSecureTCP{}

type errSecureTCP struct{}

func (errSecureTCP) Error() string { return "secure TCP transport not enabled (WithSecureTCP)" }

// tcpRouter adapts *tcpfabric.Transport to subscription.Router. TCP carries
// no reply metadata (spec §4.6's sync/async reply flow is MQTT-only per
// Open Question 1), so only Topic/Payload are populated.
type tcpRouter struct{ t *tcpfabric.Transport }

func (r tcpRouter) Subscribe(topic string, deliver func(subscription.Delivery)) (func() error, error) {
	if err := r.t.Subscribe(topic, func(actualTopic string, payload []byte) {
		deliver(subscription.Delivery{Topic: actualTopic, Payload: payload})
	}); err != nil {
		return nil, err
	}
	return func() error { return r.t.Unsubscribe(topic) }, nil
}

// mqttRouter adapts *mqttclient.Client to subscription.Router, carrying the
// concrete topic and v5 reply properties through to the registry (spec
// §4.6) instead of discarding them.
type mqttRouter struct{ c *mqttclient.Client }

func (r mqttRouter) Subscribe(topic string, deliver func(subscription.Delivery)) (func() error, error) {
	cookie, err := r.c.Subscribe(context.Background(), topic, 1, nil, func(msg *mqttclient.Message) {
		deliver(subscription.Delivery{
			Topic:         msg.Topic,
			Payload:       msg.Payload,
			CorrelationID: msg.CorrelationID,
			ReplyTopic:    msg.ResponseTopic,
			Sequence:      msg.Sequence,
			IsEndSequence: msg.IsEndSequence,
		})
	})
	if err != nil {
		return nil, err
	}
	return func() error {
		_, err := r.c.Unsubscribe(context.Background(), cookie)
		return err
	}, nil
}
