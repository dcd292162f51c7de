// Package mqttclient wraps an MQTT v5 connection with the operations the
// fabric's discovery, subscription and request/reply layers build on:
// connect/will, publish with optional reply metadata, wildcard subscribe,
// and a three-state connection signal delivered off the MQTT library's own
// goroutine.
package mqttclient

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/localrivet/aitt/internal/core"
	"github.com/localrivet/aitt/internal/topicmatch"
	"github.com/localrivet/aitt/events"
	"github.com/localrivet/aitt/reactor"
)

// ConnState is the three-state connection signal connect() fans out to at
// most one registered listener (spec §4.1).
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateConnectFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateConnectFailed:
		return "CONNECT_FAILED"
	default:
		return "DISCONNECTED"
	}
}

// ConnStateHandler is the signature of the single connection-state listener
// registered via OnState. It always runs on the reactor's idle goroutine,
// never directly inside paho/autopaho's own callback.
type ConnStateHandler func(ConnState)

// DefaultKeepAlive matches the teacher's MQTT transport default.
const DefaultKeepAlive = 30 * time.Second

// DefaultConnectTimeout bounds how long Connect waits for CONNACK.
const DefaultConnectTimeout = 10 * time.Second

const userPropSequenceNum = "sequenceNum"
const userPropIsEndSequence = "isEndSequence"

// SubCookie is the handle subscribe() hands back; its zero value is never
// issued (ids start at 1), so a caller can distinguish "valid" from
// "zero/uninitialized".
type SubCookie uint64

type subscriber struct {
	id       SubCookie
	pattern  string
	compiled *topicmatch.Pattern
	qos      byte
	cb       func(msg *Message)
	userData any
}

// Message is what subscribe() callbacks receive: the subset of an incoming
// PUBLISH the spec's request/reply and transport layers need.
type Message struct {
	Topic         string
	Payload       []byte
	QoS           byte
	Retained      bool
	CorrelationID string
	ResponseTopic string
	Sequence      int
	IsEndSequence bool
}

// Client wraps one autopaho-managed MQTT v5 connection. Zero value is not
// usable; construct with New.
type Client struct {
	reactor *reactor.Reactor
	logger  *events.Subject

	willTopic   string
	willPayload []byte
	willQoS     byte
	willRetain  bool
	willSet     bool

	cleanSession bool

	mu           sync.Mutex
	connecting   bool
	cm           *autopaho.ConnectionManager
	stateHandler ConnStateHandler

	subMu   sync.Mutex
	subs    []*subscriber
	nextSub uint64

	closed atomic.Bool
}

// New creates an unconnected Client. r is the reactor used to deliver the
// connection-state signal off autopaho's own goroutine.
func New(r *reactor.Reactor) *Client {
	return &Client{reactor: r, cleanSession: true}
}

// SetCleanSession selects whether the MQTT session starts clean on every
// connect (spec §6). Must be called before Connect; defaults to true.
func (c *Client) SetCleanSession(clean bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cm != nil {
		return &core.Error{Kind: core.KindInvalidState, Op: "SetCleanSession"}
	}
	c.cleanSession = clean
	return nil
}

// SetWill registers a will message; must be called before Connect (spec
// §4.1). Calling it after Connect returns INVALID_STATE.
func (c *Client) SetWill(topic string, payload []byte, qos byte, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cm != nil {
		return &core.Error{Kind: core.KindInvalidState, Op: "SetWill"}
	}
	c.willTopic = topic
	c.willPayload = payload
	c.willQoS = qos
	c.willRetain = retain
	c.willSet = true
	return nil
}

// OnState registers the single connection-state listener. A second call
// replaces the first, matching the spec's "at most one registered
// listener" (§4.1).
func (c *Client) OnState(h ConnStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandler = h
}

func (c *Client) emitState(s ConnState) {
	c.mu.Lock()
	h := c.stateHandler
	c.mu.Unlock()
	if h == nil || c.reactor == nil {
		return
	}
	c.reactor.AddIdle(func() { h(s) })
}

// Connect dials host:port, applying user/pass if non-empty. It blocks until
// CONNACK (or the connect timeout), per spec §5's suspension-point rule;
// the state signal additionally fires CONNECTED/CONNECT_FAILED so a
// listener that missed the synchronous return still learns the outcome
// async (auto-reconnect also drives the signal on future transitions).
func (c *Client) Connect(ctx context.Context, clientID, host string, port int, user, pass string) error {
	c.mu.Lock()
	if c.cm != nil {
		c.mu.Unlock()
		return &core.Error{Kind: core.KindAlready, Op: "Connect"}
	}
	c.connecting = true
	cleanSession := c.cleanSession
	c.mu.Unlock()

	u, err := url.Parse(fmt.Sprintf("mqtt://%s:%d", host, port))
	if err != nil {
		return &core.Error{Kind: core.KindInvalidArg, Op: "Connect", Err: err}
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     uint16(DefaultKeepAlive / time.Second),
		CleanStartOnInitialConnection: cleanSession,
		ConnectRetryDelay:             2 * time.Second,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.emitState(StateConnected)
		},
		OnConnectError: func(error) {
			c.emitState(StateConnectFailed)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.onPublishReceived,
			},
			OnClientError: func(error) {},
			OnServerDisconnect: func(*paho.Disconnect) {
				c.emitState(StateDisconnected)
			},
		},
	}
	if user != "" {
		cfg.ConnectUsername = user
		cfg.ConnectPassword = []byte(pass)
	}
	if c.willSet {
		cfg.WillMessage = &paho.WillMessage{
			Topic:   c.willTopic,
			Payload: c.willPayload,
			QoS:     c.willQoS,
			Retain:  c.willRetain,
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		c.emitState(StateConnectFailed)
		return &core.Error{Kind: core.KindMQTT, Op: "Connect", Err: err}
	}
	if err := cm.AwaitConnection(connectCtx); err != nil {
		c.emitState(StateConnectFailed)
		return &core.Error{Kind: core.KindTimedOut, Op: "Connect", Err: err}
	}

	c.mu.Lock()
	c.cm = cm
	c.connecting = false
	c.mu.Unlock()
	return nil
}

// Disconnect tears down the connection. Idempotent.
func (c *Client) Disconnect(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}

func (c *Client) connectionManager() (*autopaho.ConnectionManager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cm == nil {
		return nil, &core.Error{Kind: core.KindInvalidState, Op: "mqttclient"}
	}
	return c.cm, nil
}

// Publish sends a plain publish with no reply metadata.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	cm, err := c.connectionManager()
	if err != nil {
		return err
	}
	_, err = cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: payload,
	})
	if err != nil {
		return &core.Error{Kind: core.KindMQTT, Op: "Publish", Err: err}
	}
	return nil
}

// PublishWithReply adds the v5 ResponseTopic/CorrelationData properties a
// requester needs to correlate the eventual reply (spec §4.1, §4.6).
func (c *Client) PublishWithReply(ctx context.Context, topic string, payload []byte, qos byte, retain bool, replyTopic, correlation string) error {
	cm, err := c.connectionManager()
	if err != nil {
		return err
	}
	_, err = cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ResponseTopic:  replyTopic,
			CorrelationData: []byte(correlation),
		},
	})
	if err != nil {
		return &core.Error{Kind: core.KindMQTT, Op: "PublishWithReply", Err: err}
	}
	return nil
}

// SendReply answers msg with payload, stamping CorrelationData plus the
// sequenceNum/isEndSequence user properties the requester's reply
// subscription reads back out (spec §4.1, §4.6).
func (c *Client) SendReply(ctx context.Context, msg *Message, payload []byte, qos byte, sequence int, isEnd bool) error {
	if msg.ResponseTopic == "" {
		return &core.Error{Kind: core.KindInvalidArg, Op: "SendReply"}
	}
	cm, err := c.connectionManager()
	if err != nil {
		return err
	}
	endFlag := "0"
	if isEnd {
		endFlag = "1"
	}
	_, err = cm.Publish(ctx, &paho.Publish{
		Topic:   msg.ResponseTopic,
		QoS:     qos,
		Payload: payload,
		Properties: &paho.PublishProperties{
			CorrelationData: []byte(msg.CorrelationID),
			User: paho.UserProperties{
				{Key: userPropSequenceNum, Value: strconv.Itoa(sequence)},
				{Key: userPropIsEndSequence, Value: endFlag},
			},
		},
	})
	if err != nil {
		return &core.Error{Kind: core.KindMQTT, Op: "SendReply", Err: err}
	}
	return nil
}

// Subscribe registers cb for messages whose topic matches pattern,
// returning a cookie Unsubscribe later needs. The underlying MQTT
// subscription is only issued once per distinct pattern; a second
// Subscribe to the same pattern adds a second, independently delivered
// local registration (spec §4.1: "no duplicate delivery ... each
// registration is distinct").
func (c *Client) Subscribe(ctx context.Context, pattern string, qos byte, userData any, cb func(msg *Message)) (SubCookie, error) {
	if err := core.ValidateSubscribePattern(pattern); err != nil {
		return 0, err
	}
	cm, err := c.connectionManager()
	if err != nil {
		return 0, err
	}

	c.subMu.Lock()
	isFirst := true
	for _, s := range c.subs {
		if s.pattern == pattern {
			isFirst = false
			break
		}
	}
	c.nextSub++
	id := SubCookie(c.nextSub)
	c.subs = append(c.subs, &subscriber{id: id, pattern: pattern, compiled: topicmatch.Compile(pattern), qos: qos, cb: cb, userData: userData})
	c.subMu.Unlock()

	if isFirst {
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: pattern, QoS: qos}},
		}); err != nil {
			c.subMu.Lock()
			c.removeLocked(id)
			c.subMu.Unlock()
			return 0, &core.Error{Kind: core.KindMQTT, Op: "Subscribe", Err: err}
		}
	}
	return id, nil
}

// Unsubscribe removes the registration identified by cookie and returns
// its user_data. Unknown cookies yield NO_DATA (spec §4.1, §4.5).
func (c *Client) Unsubscribe(ctx context.Context, cookie SubCookie) (any, error) {
	c.subMu.Lock()
	var found *subscriber
	var pattern string
	remaining := 0
	for _, s := range c.subs {
		if s.id == cookie {
			found = s
			pattern = s.pattern
		} else if s.pattern == pattern {
			remaining++
		}
	}
	if found == nil {
		c.subMu.Unlock()
		return nil, &core.Error{Kind: core.KindNoData, Op: "Unsubscribe"}
	}
	c.removeLocked(cookie)
	lastForPattern := true
	for _, s := range c.subs {
		if s.pattern == pattern {
			lastForPattern = false
			break
		}
	}
	c.subMu.Unlock()

	if lastForPattern {
		cm, err := c.connectionManager()
		if err == nil {
			_, _ = cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{pattern}})
		}
	}
	return found.userData, nil
}

func (c *Client) removeLocked(id SubCookie) {
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// TopicMatch exposes the MQTT wildcard matcher (spec §4.1).
func TopicMatch(pattern, topic string) bool {
	return core.TopicMatch(pattern, topic)
}

// onPublishReceived is paho's delivery callback. It snapshot-copies the
// subscriber list before invoking any callback, so a callback that itself
// calls Subscribe/Unsubscribe on this client cannot corrupt the walk
// currently in progress (spec §5) — the same dispatch discipline as
// events.Subject, applied here without a second goroutine hop since
// paho already delivers off its own reader goroutine. Per spec §5's
// erase-at-iterator rule, a sibling unsubscribed by an earlier callback in
// this same pass must not still receive the in-flight message, so each
// subscriber's liveness is re-checked against the live (not snapshot) list
// immediately before it is invoked.
func (c *Client) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	pub := pr.Packet
	c.subMu.Lock()
	snapshot := make([]*subscriber, len(c.subs))
	copy(snapshot, c.subs)
	c.subMu.Unlock()

	msg := &Message{
		Topic:    pub.Topic,
		Payload:  pub.Payload,
		QoS:      pub.QoS,
		Retained: pub.Retain,
	}
	if pub.Properties != nil {
		msg.ResponseTopic = pub.Properties.ResponseTopic
		msg.CorrelationID = string(pub.Properties.CorrelationData)
		for _, up := range pub.Properties.User {
			switch up.Key {
			case userPropSequenceNum:
				if n, err := strconv.Atoi(up.Value); err == nil {
					msg.Sequence = n
				}
			case userPropIsEndSequence:
				msg.IsEndSequence = up.Value == "1"
			}
		}
	}

	for _, s := range snapshot {
		if !s.compiled.Match(msg.Topic) {
			continue
		}
		if !c.isLive(s.id) {
			continue
		}
		s.cb(msg)
	}
	return true, nil
}

// isLive reports whether id is still a registered subscription, so a
// sibling removed by an earlier callback in the same dispatch pass is
// skipped rather than delivered from the now-stale snapshot.
func (c *Client) isLive(id SubCookie) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range c.subs {
		if s.id == id {
			return true
		}
	}
	return false
}
