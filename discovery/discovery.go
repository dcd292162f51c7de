// Package discovery implements the retained-message peer announcer and
// per-module callback dispatch described in spec §4.4: one MQTT
// subscription to a wildcard discovery topic, one retained publish of this
// process's own state, and a callback registry that modules (tcpfabric,
// subscription) use to learn about remote peers under their own module
// name.
package discovery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/localrivet/wilduri"

	"github.com/localrivet/aitt/internal/core"
	"github.com/localrivet/aitt/events"
	"github.com/localrivet/aitt/mqttclient"
)

// TopicBase is the discovery topic prefix; this process's own state is
// published at TopicBase+<clientID>, and the wildcard subscription covers
// TopicBase+"+" (spec §4.4).
const TopicBase = "/v1/custom/f5c7b34e48c1918f/discovery/"

const (
	// StatusConnected is the "status" value a live peer announces.
	StatusConnected = "connected"
	// StatusDisconnected is reported to callbacks for a will-message fire
	// or an explicit empty retained payload (peer left).
	StatusDisconnected = "disconnected"
)

const discoveryQoS = 2

// nextCallbackID is the process-wide counter AddDiscoveryCB draws ids from,
// shared by every Discovery instance.
var nextCallbackID atomic.Int64

// discoveryEvent is the typed payload dispatched through the shared
// events.Subject, keyed by module name (spec §4.4's per-module callback
// fan-out).
type discoveryEvent struct {
	ClientID string
	Status   string
	Blob     []byte
}

// Discovery owns the single MQ discovery subscription and the per-module
// callback registry (spec §4.4).
type Discovery struct {
	client   *mqttclient.Client
	clientID string
	logger   *slog.Logger
	template *wilduri.Template

	subject *events.Subject

	mu          sync.Mutex
	subsByID    map[int]*events.Subscription
	moduleNames map[string]struct{}

	blobMu sync.Mutex
	blobs  map[string][]byte // moduleName -> raw blob, rebuilt into the retained map on every update

	subMu      sync.Mutex
	subCookie  mqttclient.SubCookie
	subscribed bool
}

// New creates a Discovery bound to client, which must not yet be connected
// (Start installs the will message before connecting).
func New(client *mqttclient.Client, clientID string, logger *slog.Logger) (*Discovery, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	tmpl, err := wilduri.New(TopicBase + "{clientId}")
	if err != nil {
		return nil, &core.Error{Kind: core.KindSystem, Op: "discovery.New", Err: err}
	}
	return &Discovery{
		client:      client,
		clientID:    clientID,
		logger:      logger,
		template:    tmpl,
		subject:     events.NewSubject(events.WithLogger(logger)),
		subsByID:    make(map[int]*events.Subscription),
		moduleNames: make(map[string]struct{}),
		blobs:       make(map[string][]byte),
	}, nil
}

// Start installs the will message, connects the underlying MQTT client,
// and subscribes to the wildcard discovery topic (spec §4.4 start sequence).
func (d *Discovery) Start(ctx context.Context, host string, port int, user, pass string) error {
	myTopic := TopicBase + d.clientID
	if err := d.client.SetWill(myTopic, nil, discoveryQoS, true); err != nil {
		return err
	}

	if err := d.client.Connect(ctx, d.clientID, host, port, user, pass); err != nil {
		return err
	}

	return d.subscribe(ctx)
}

func (d *Discovery) subscribe(ctx context.Context) error {
	cookie, err := d.client.Subscribe(ctx, TopicBase+"+", discoveryQoS, nil, d.onMessage)
	if err != nil {
		return err
	}
	d.subMu.Lock()
	d.subCookie = cookie
	d.subscribed = true
	d.subMu.Unlock()
	return nil
}

// Restart unsubscribes and re-subscribes, forcing rediscovery (spec §4.4).
func (d *Discovery) Restart(ctx context.Context) error {
	d.subMu.Lock()
	cookie, subscribed := d.subCookie, d.subscribed
	d.subMu.Unlock()
	if subscribed {
		if _, err := d.client.Unsubscribe(ctx, cookie); err != nil {
			return err
		}
	}
	return d.subscribe(ctx)
}

// Stop unsubscribes, publishes an empty retained message (QoS 2 then QoS 0,
// clearing retention both ways) and disconnects (spec §4.4 clean shutdown).
func (d *Discovery) Stop(ctx context.Context) error {
	d.subMu.Lock()
	cookie, subscribed := d.subCookie, d.subscribed
	d.subscribed = false
	d.subMu.Unlock()

	if subscribed {
		if _, err := d.client.Unsubscribe(ctx, cookie); err != nil {
			d.logger.Warn("unsubscribe during stop", "err", err)
		}
	}

	myTopic := TopicBase + d.clientID
	if err := d.client.Publish(ctx, myTopic, nil, 2, true); err != nil {
		d.logger.Warn("clear retained discovery message (qos2)", "err", err)
	}
	if err := d.client.Publish(ctx, myTopic, nil, 0, true); err != nil {
		d.logger.Warn("clear retained discovery message (qos0)", "err", err)
	}

	return d.client.Disconnect(ctx)
}

// UpdateModuleState rebuilds this process's retained discovery map with
// blob stored under moduleName and republishes it (spec §4.4 step 3).
func (d *Discovery) UpdateModuleState(moduleName string, blob []byte) error {
	d.blobMu.Lock()
	d.blobs[moduleName] = blob
	msg, err := d.buildDiscoveryMsg()
	d.blobMu.Unlock()
	if err != nil {
		return &core.Error{Kind: core.KindSystem, Op: "UpdateModuleState", Err: err}
	}

	myTopic := TopicBase + d.clientID
	if err := d.client.Publish(context.Background(), myTopic, msg, discoveryQoS, true); err != nil {
		return err
	}
	return nil
}

// buildDiscoveryMsg serializes the full retained discovery message (spec
// §6's DiscoveryMsg grammar): callers must hold blobMu.
func (d *Discovery) buildDiscoveryMsg() ([]byte, error) {
	out := map[string]any{"status": StatusConnected}
	for moduleName, blob := range d.blobs {
		out[moduleName] = base64.StdEncoding.EncodeToString(blob)
	}
	return json.Marshal(out)
}

// AddDiscoveryCB registers cb for discovery updates under moduleName,
// returning a process-wide-unique id usable with RemoveDiscoveryCB.
// Multiple callbacks for the same module name are delivered in
// registration order (spec §4.4).
func (d *Discovery) AddDiscoveryCB(moduleName string, cb func(clientID, status string, blob []byte)) int {
	sub := events.Subscribe[discoveryEvent](d.subject, moduleName,
		func(ctx context.Context, ev discoveryEvent) error {
			cb(ev.ClientID, ev.Status, ev.Blob)
			return nil
		})

	id := int(nextCallbackID.Add(1))

	d.mu.Lock()
	defer d.mu.Unlock()
	d.subsByID[id] = sub
	d.moduleNames[moduleName] = struct{}{}
	return id
}

// RemoveDiscoveryCB removes a callback previously registered with
// AddDiscoveryCB. A no-op for an unknown id.
func (d *Discovery) RemoveDiscoveryCB(id int) {
	d.mu.Lock()
	sub, ok := d.subsByID[id]
	if ok {
		delete(d.subsByID, id)
	}
	d.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

// onMessage is the MQ subscription handler for the discovery wildcard
// topic (spec §4.4 incoming message handler).
func (d *Discovery) onMessage(msg *mqttclient.Message) {
	matches, ok := d.template.Match(msg.Topic)
	if !ok {
		d.logger.Warn("discovery message on unmatched topic", "topic", msg.Topic)
		return
	}
	clientID := matches["clientId"]
	if clientID == "" {
		d.logger.Warn("discovery message with empty clientId", "topic", msg.Topic)
		return
	}

	if len(msg.Payload) == 0 {
		d.fireAll(clientID, StatusDisconnected, nil)
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		d.logger.Error("decode discovery message", "client", clientID, "err", err)
		return
	}

	status, _ := raw["status"].(string)
	delete(raw, "status")

	for moduleName, v := range raw {
		encoded, ok := v.(string)
		if !ok {
			continue
		}
		blob, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			d.logger.Error("decode discovery blob", "client", clientID, "module", moduleName, "err", err)
			continue
		}
		events.Publish[discoveryEvent](d.subject, moduleName, discoveryEvent{
			ClientID: clientID, Status: status, Blob: blob,
		})
	}
}

// fireAll dispatches (clientID, status, blob) to every registered callback
// across every module name, matching the original's will-message/peer-left
// behavior of notifying all callbacks regardless of module (spec §4.4).
func (d *Discovery) fireAll(clientID, status string, blob []byte) {
	d.mu.Lock()
	names := make([]string, 0, len(d.moduleNames))
	for name := range d.moduleNames {
		names = append(names, name)
	}
	d.mu.Unlock()

	for _, name := range names {
		events.Publish[discoveryEvent](d.subject, name, discoveryEvent{
			ClientID: clientID, Status: status, Blob: blob,
		})
	}
}
