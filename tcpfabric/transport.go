package tcpfabric

import (
	"log/slog"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/localrivet/aitt/internal/core"
)

// Announcer is the subset of the discovery component a Transport needs: a
// way to publish this module's own blob and a way to learn about remote
// peers' blobs for the same module name (spec §4.3, §4.4).
type Announcer interface {
	UpdateModuleState(moduleName string, blob []byte) error
	AddDiscoveryCB(moduleName string, cb func(clientID, status string, blob []byte)) int
	RemoveDiscoveryCB(id int)
}

// PeerEndpoint is one remote peer's advertised listener for one topic
// pattern: a host/port plus the lazily-opened outbound connection to it
// (spec §3).
type PeerEndpoint struct {
	Host     string
	Port     uint16
	NumCB    int
	Key      []byte
	IV       []byte
	endpoint *Endpoint
}

// listener is the local (subscribe-side) bookkeeping for one topic pattern:
// the server socket accepting peers plus the fds it has accepted. Its
// accept/receive loops read directly off each net.Conn rather than going
// through reactor.AddWatch, since framed reads need exact byte counts that
// AddWatch's chunked delivery doesn't give (see reactor.Reactor.AddWatch).
type listener struct {
	topic   string
	ln      net.Listener
	cb      func(topic string, payload []byte)
	key     []byte
	iv      []byte
	secure  bool
	clients map[net.Conn]struct{}
	mu      sync.Mutex
}

// Transport is the TCP or SECURE_TCP transport (spec §4.3): per-topic
// server sockets on the subscribe side, per-peer client connections and a
// PeerEndpoint table on the publish side.
type Transport struct {
	secure    bool
	myIP      string
	announcer Announcer
	logger    *slog.Logger

	discoCB int

	subMu sync.Mutex
	subs  map[string]*listener // topic -> listener

	peerMu sync.Mutex
	peers  map[string]map[string]*PeerEndpoint // topic -> clientID -> endpoint

	clientMu sync.Mutex
	clientIP map[string]string // clientID -> host, mirrors the original's clientTable

	dialGroup singleflight.Group
}

// New creates a TCP (secure=false) or SECURE_TCP (secure=true) transport,
// announced to discovery under the module name the caller's Announcer
// expects ("TCP" or "SECURE_TCP").
func New(secure bool, myIP string, announcer Announcer, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		secure:    secure,
		myIP:      myIP,
		announcer: announcer,
		logger:    logger,
		subs:      make(map[string]*listener),
		peers:     make(map[string]map[string]*PeerEndpoint),
		clientIP:  make(map[string]string),
	}
	t.discoCB = announcer.AddDiscoveryCB(t.moduleName(), t.onDiscoveryMessage)
	return t
}

func (t *Transport) moduleName() string {
	if t.secure {
		return "SECURE_TCP"
	}
	return "TCP"
}

// Close unregisters from discovery and tears down every server and client
// socket this transport owns.
func (t *Transport) Close() error {
	t.announcer.RemoveDiscoveryCB(t.discoCB)

	t.subMu.Lock()
	for topic, l := range t.subs {
		t.closeListener(l)
		delete(t.subs, topic)
	}
	t.subMu.Unlock()

	t.peerMu.Lock()
	for _, byClient := range t.peers {
		for _, pe := range byClient {
			if pe.endpoint != nil {
				pe.endpoint.Close()
			}
		}
	}
	t.peers = make(map[string]map[string]*PeerEndpoint)
	t.peerMu.Unlock()

	return nil
}

// Subscribe opens a fresh ephemeral-port TCP server for topic, starts its
// accept loop, and republishes the discovery blob (spec §4.3 steps 1-3). cb
// is invoked with the decoded topic and payload for every message received
// on any peer connection accepted by this listener.
func (t *Transport) Subscribe(topic string, cb func(topic string, payload []byte)) error {
	if err := core.ValidateSubscribePattern(topic); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return &core.Error{Kind: core.KindSystem, Op: "Subscribe", Err: err}
	}

	l := &listener{
		topic:   topic,
		ln:      ln,
		cb:      cb,
		secure:  t.secure,
		clients: make(map[net.Conn]struct{}),
	}

	if t.secure {
		key, iv, err := GenerateKeyIV()
		if err != nil {
			ln.Close()
			return &core.Error{Kind: core.KindSystem, Op: "Subscribe", Err: err}
		}
		l.key, l.iv = key[:], iv[:]
	}

	t.subMu.Lock()
	if _, exists := t.subs[topic]; exists {
		t.subMu.Unlock()
		ln.Close()
		return &core.Error{Kind: core.KindAlready, Op: "Subscribe", Err: nil}
	}
	t.subs[topic] = l
	t.subMu.Unlock()

	go t.acceptLoop(l)

	return t.republishBlob()
}

// Unsubscribe closes topic's server socket, every peer connection it
// accepted, and republishes the discovery blob.
func (t *Transport) Unsubscribe(topic string) error {
	t.subMu.Lock()
	l, ok := t.subs[topic]
	if !ok {
		t.subMu.Unlock()
		return &core.Error{Kind: core.KindNoData, Op: "Unsubscribe", Err: nil}
	}
	delete(t.subs, topic)
	t.subMu.Unlock()

	t.closeListener(l)

	return t.republishBlob()
}

func (t *Transport) closeListener(l *listener) {
	l.ln.Close()
	l.mu.Lock()
	for c := range l.clients {
		c.Close()
	}
	l.clients = make(map[net.Conn]struct{})
	l.mu.Unlock()
}

// acceptLoop accepts peer connections on one topic's server socket until it
// is closed, handing each to its own receive loop (spec §4.3 step 2).
func (t *Transport) acceptLoop(l *listener) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}

		var ep *Endpoint
		if l.secure {
			ep, err = NewSecureEndpoint(conn, l.key, l.iv)
		} else {
			ep, err = NewEndpoint(conn)
		}
		if err != nil {
			t.logger.Error("accept peer", "topic", l.topic, "err", err)
			conn.Close()
			continue
		}

		l.mu.Lock()
		l.clients[conn] = struct{}{}
		l.mu.Unlock()

		go t.receiveLoop(l, ep)
	}
}

// receiveLoop implements spec §4.3's receive handler: recv_sized() twice
// (topic then payload), deliver, repeat; on EOF or framing error deregister
// the connection.
func (t *Transport) receiveLoop(l *listener, ep *Endpoint) {
	defer func() {
		l.mu.Lock()
		delete(l.clients, ep.Conn())
		l.mu.Unlock()
		ep.Close()
	}()

	for {
		topic, err := ep.RecvSized()
		if err != nil {
			return
		}
		payload, err := ep.RecvSized()
		if err != nil {
			return
		}
		l.cb(string(topic), payload)
	}
}

// Publish walks the peer table for every pattern matching topic and sends
// (topic, payload) as two sized frames to each peer, opening the lazy
// connection on first use. A failure against one peer drops that peer's
// connection but never fails the publish as a whole (spec §4.3).
func (t *Transport) Publish(topic string, payload []byte) error {
	t.peerMu.Lock()
	type target struct {
		pattern string
		id      string
		pe      *PeerEndpoint
	}
	var targets []target
	for pattern, byClient := range t.peers {
		if !core.TopicMatch(pattern, topic) {
			continue
		}
		for id, pe := range byClient {
			targets = append(targets, target{pattern, id, pe})
		}
	}
	t.peerMu.Unlock()

	for _, tg := range targets {
		ep, err := t.obtainConnection(tg.pattern, tg.id, tg.pe)
		if err != nil {
			t.logger.Warn("drop peer: unable to connect", "topic", tg.pattern, "client", tg.id, "err", err)
			t.dropPeerConnection(tg.pattern, tg.id)
			continue
		}

		if err := ep.SendSized([]byte(topic)); err != nil {
			t.logger.Warn("drop peer: send topic failed", "topic", tg.pattern, "client", tg.id, "err", err)
			t.dropPeerConnection(tg.pattern, tg.id)
			continue
		}
		if err := ep.SendSized(payload); err != nil {
			t.logger.Warn("drop peer: send payload failed", "topic", tg.pattern, "client", tg.id, "err", err)
			t.dropPeerConnection(tg.pattern, tg.id)
			continue
		}
	}

	return nil
}

// obtainConnection returns pe's already-open endpoint, or dials one,
// collapsing concurrent dials to the same peer+topic via singleflight
// (SPEC_FULL.md §5).
func (t *Transport) obtainConnection(pattern, clientID string, pe *PeerEndpoint) (*Endpoint, error) {
	t.peerMu.Lock()
	if pe.endpoint != nil {
		ep := pe.endpoint
		t.peerMu.Unlock()
		return ep, nil
	}
	t.peerMu.Unlock()

	key := pattern + "|" + clientID
	v, err, _ := t.dialGroup.Do(key, func() (any, error) {
		t.peerMu.Lock()
		if pe.endpoint != nil {
			ep := pe.endpoint
			t.peerMu.Unlock()
			return ep, nil
		}
		t.peerMu.Unlock()

		conn, err := net.Dial("tcp", net.JoinHostPort(pe.Host, strconv.Itoa(int(pe.Port))))
		if err != nil {
			return nil, &core.Error{Kind: core.KindSystem, Op: "Publish", Err: err}
		}

		var ep *Endpoint
		if t.secure {
			ep, err = NewSecureEndpoint(conn, pe.Key, pe.IV)
		} else {
			ep, err = NewEndpoint(conn)
		}
		if err != nil {
			conn.Close()
			return nil, err
		}

		t.peerMu.Lock()
		pe.endpoint = ep
		t.peerMu.Unlock()

		return ep, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Endpoint), nil
}

func (t *Transport) dropPeerConnection(pattern, clientID string) {
	t.peerMu.Lock()
	defer t.peerMu.Unlock()
	byClient, ok := t.peers[pattern]
	if !ok {
		return
	}
	pe, ok := byClient[clientID]
	if !ok || pe.endpoint == nil {
		return
	}
	pe.endpoint.Close()
	pe.endpoint = nil
}

// CountSubscriber sums num_of_cb across every topic pattern in the peer
// table matching topic (spec §4.5).
func (t *Transport) CountSubscriber(topic string) int {
	t.peerMu.Lock()
	defer t.peerMu.Unlock()

	var count int
	for pattern, byClient := range t.peers {
		if !core.TopicMatch(pattern, topic) {
			continue
		}
		for _, pe := range byClient {
			count += pe.NumCB
		}
	}
	return count
}

// onDiscoveryMessage applies spec §4.3's peer-table entry rules: new peer →
// insert with a lazy connection; unchanged port → preserve the existing
// connection; changed port → close and clear; disconnected → remove every
// entry for that client across all topics.
func (t *Transport) onDiscoveryMessage(clientID, status string, blob []byte) {
	if status == "disconnected" || len(blob) == 0 {
		t.clientMu.Lock()
		delete(t.clientIP, clientID)
		t.clientMu.Unlock()

		t.peerMu.Lock()
		for _, byClient := range t.peers {
			if pe, ok := byClient[clientID]; ok {
				if pe.endpoint != nil {
					pe.endpoint.Close()
				}
				delete(byClient, clientID)
			}
		}
		t.peerMu.Unlock()
		return
	}

	moduleBlob, err := DecodeBlob(blob)
	if err != nil {
		t.logger.Error("decode discovery blob", "client", clientID, "err", err)
		return
	}

	t.clientMu.Lock()
	t.clientIP[clientID] = moduleBlob.Host
	t.clientMu.Unlock()

	t.peerMu.Lock()
	defer t.peerMu.Unlock()
	for topic, ep := range moduleBlob.Topics {
		byClient, ok := t.peers[topic]
		if !ok {
			byClient = make(map[string]*PeerEndpoint)
			t.peers[topic] = byClient
		}

		existing, ok := byClient[clientID]
		if !ok {
			byClient[clientID] = &PeerEndpoint{
				Host:  moduleBlob.Host,
				Port:  ep.Port,
				NumCB: ep.NumCB,
				Key:   ep.Key,
				IV:    ep.IV,
			}
			continue
		}

		if existing.Port == ep.Port {
			// Port unchanged: preserve the connection, refresh the metadata.
			existing.Host = moduleBlob.Host
			existing.NumCB = ep.NumCB
			existing.Key = ep.Key
			existing.IV = ep.IV
			continue
		}

		// Port changed: close and clear, a fresh connection is dialed lazily.
		if existing.endpoint != nil {
			existing.endpoint.Close()
		}
		byClient[clientID] = &PeerEndpoint{
			Host:  moduleBlob.Host,
			Port:  ep.Port,
			NumCB: ep.NumCB,
			Key:   ep.Key,
			IV:    ep.IV,
		}
	}
}

// republishBlob rebuilds this transport's TCP/SECURE_TCP module blob from
// its current subscribe table and hands it to discovery (spec §4.3 step 3).
func (t *Transport) republishBlob() error {
	t.subMu.Lock()
	topics := make(map[string]BlobTopicEndpoint, len(t.subs))
	for topic, l := range t.subs {
		port := l.ln.Addr().(*net.TCPAddr).Port
		// Exactly one listener can exist per topic (Subscribe rejects a
		// second one with ALREADY), so the local subscriber/callback count
		// announced here is always 1 — not len(l.clients), which counts
		// accepted inbound publisher connections and has nothing to do with
		// how many local subscribers are registered for the topic.
		topics[topic] = BlobTopicEndpoint{
			Port:  uint16(port),
			NumCB: 1,
			Key:   l.key,
			IV:    l.iv,
		}
	}
	t.subMu.Unlock()

	blob, err := EncodeBlob(t.myIP, topics)
	if err != nil {
		return &core.Error{Kind: core.KindSystem, Op: "republishBlob", Err: err}
	}
	return t.announcer.UpdateModuleState(t.moduleName(), blob)
}

