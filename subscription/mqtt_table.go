package subscription

import (
	"encoding/json"
	"sync"

	"github.com/localrivet/aitt/internal/core"
)

// Announcer is the subset of the discovery component the MQTT subscriber
// count needs: publish this peer's own pattern list, and learn of remote
// peers' pattern lists under the same "MQTT" module key (spec §4.5).
// *discovery.Discovery satisfies this structurally.
type Announcer interface {
	UpdateModuleState(moduleName string, blob []byte) error
	AddDiscoveryCB(moduleName string, cb func(clientID, status string, blob []byte)) int
	RemoveDiscoveryCB(id int)
}

const mqttModuleName = "MQTT"

// mqttTable is the auxiliary "MQTT discovery table" spec §4.5 describes:
// every peer announces, under module key "MQTT", the flat list of concrete
// subscription patterns it holds; CountSubscriber sums matches across every
// known peer, including this process's own.
type mqttTable struct {
	announcer Announcer

	mu    sync.Mutex
	own   map[string]struct{}            // this process's own concrete patterns
	peers map[string]map[string]struct{} // clientID -> its announced patterns
}

func newMQTTTable(announcer Announcer) *mqttTable {
	t := &mqttTable{
		announcer: announcer,
		own:       make(map[string]struct{}),
		peers:     make(map[string]map[string]struct{}),
	}
	announcer.AddDiscoveryCB(mqttModuleName, t.onDiscoveryMessage)
	return t
}

func (t *mqttTable) onDiscoveryMessage(clientID, status string, blob []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if status == "disconnected" || len(blob) == 0 {
		delete(t.peers, clientID)
		return
	}

	var patterns []string
	if err := json.Unmarshal(blob, &patterns); err != nil {
		return
	}
	set := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		set[p] = struct{}{}
	}
	t.peers[clientID] = set
}

func (t *mqttTable) addLocalPattern(pattern string) {
	t.mu.Lock()
	t.own[pattern] = struct{}{}
	t.mu.Unlock()
	t.republish()
}

func (t *mqttTable) removeLocalPattern(pattern string) {
	t.mu.Lock()
	delete(t.own, pattern)
	t.mu.Unlock()
	t.republish()
}

func (t *mqttTable) republish() {
	t.mu.Lock()
	patterns := make([]string, 0, len(t.own))
	for p := range t.own {
		patterns = append(patterns, p)
	}
	t.mu.Unlock()

	blob, err := json.Marshal(patterns)
	if err != nil {
		return
	}
	_ = t.announcer.UpdateModuleState(mqttModuleName, blob)
}

// CountSubscriber reports how many known patterns (this process's own plus
// every announced peer's) match topic. topic is always concrete here;
// Registry.CountSubscriber already rejected wildcard queries.
func (t *mqttTable) CountSubscriber(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for p := range t.own {
		if core.TopicMatch(p, topic) {
			count++
		}
	}
	for _, set := range t.peers {
		for p := range set {
			if core.TopicMatch(p, topic) {
				count++
			}
		}
	}
	return count
}
