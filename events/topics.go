package events

import "time"

// Internal topic names for lifecycle notifications between a transport and
// the discovery/subscription layers. These are never exposed as AITT's own
// pub/sub topics — they name internal wiring, not application data. No
// package in this module currently publishes or subscribes to them; each
// comment below names the event the topic stands for.
const (
	// TopicPeerDiscovered names the event of a retained discovery message
	// revealing a peer not previously known on this topic.
	TopicPeerDiscovered = "discovery.peer_discovered"

	// TopicPeerLeft names the event of a peer's will message (or an
	// explicit empty retained publish) announcing that peer's departure.
	TopicPeerLeft = "discovery.peer_left"

	// TopicModuleAnnounced names the event of a peer's discovery blob
	// reporting an updated endpoint for one transport module (e.g. a new
	// TCP port).
	TopicModuleAnnounced = "discovery.module_announced"

	// TopicTransportConnected and TopicTransportDisconnected name a
	// client-level connection state change for one TransportTag.
	TopicTransportConnected    = "transport.connected"
	TopicTransportDisconnected = "transport.disconnected"

	// TopicPeerTableChanged names the event of the TCP peer table gaining
	// or losing an entry.
	TopicPeerTableChanged = "tcp.peer_table_changed"
)

// PeerDiscoveredEvent carries the identity of a newly observed peer and the
// raw discovery blob describing its transport endpoints.
type PeerDiscoveredEvent struct {
	ClientID    string
	DiscoveryID string
	Blob        []byte
	ObservedAt  time.Time
}

// PeerLeftEvent reports that a peer is gone, either because its will
// message fired or its retained discovery entry was cleared.
type PeerLeftEvent struct {
	ClientID   string
	ObservedAt time.Time
}

// ModuleAnnouncedEvent reports one transport module's endpoint for a peer,
// decoded from that peer's discovery blob.
type ModuleAnnouncedEvent struct {
	ClientID string
	Module   string // "TCP", "SECURE_TCP", "MQTT"
	Host     string
	Port     int
}

// TransportStateEvent reports a connect/disconnect transition for one
// transport, along with the error that caused it when disconnecting
// unexpectedly.
type TransportStateEvent struct {
	Transport string
	Err       error
	At        time.Time
}

// PeerTableChangedEvent reports that the TCP peer table for topic changed
// size, without enumerating the delta — subscribers re-read the table
// themselves if they need the detail.
type PeerTableChangedEvent struct {
	Topic string
	Count int
}
