package tcpfabric

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// BlobTopicEndpoint is one entry of a TCP/SECURE_TCP discovery blob's topic
// map: `{ port, num_of_cb, key?, iv? }` (spec §6).
type BlobTopicEndpoint struct {
	Port  uint16 `mapstructure:"port"`
	NumCB int    `mapstructure:"num_of_cb"`
	Key   []byte `mapstructure:"-"`
	IV    []byte `mapstructure:"-"`
}

// ModuleBlob is the decoded form of one peer's TCP/SECURE_TCP module blob.
type ModuleBlob struct {
	Host   string
	Topics map[string]BlobTopicEndpoint
}

// wireTopicEntry is the JSON-on-the-wire shape of one topic's blob entry;
// Key/IV travel as base64 text since they are present only for SECURE_TCP.
type wireTopicEntry struct {
	Port    uint16 `json:"port" mapstructure:"port"`
	NumCB   int    `json:"num_of_cb" mapstructure:"num_of_cb"`
	KeyB64  string `json:"key,omitempty" mapstructure:"key"`
	IVB64   string `json:"iv,omitempty" mapstructure:"iv"`
}

// EncodeBlob builds the JSON discovery blob this transport announces for
// myIP and its current subscribe-side topic table (spec §4.3 step 3, §6).
func EncodeBlob(myIP string, topics map[string]BlobTopicEndpoint) ([]byte, error) {
	out := map[string]any{"host": myIP}
	for topic, ep := range topics {
		entry := wireTopicEntry{Port: ep.Port, NumCB: ep.NumCB}
		if ep.Key != nil {
			entry.KeyB64 = base64.StdEncoding.EncodeToString(ep.Key)
		}
		if ep.IV != nil {
			entry.IVB64 = base64.StdEncoding.EncodeToString(ep.IV)
		}
		out[topic] = entry
	}
	return json.Marshal(out)
}

// DecodeBlob parses a remote peer's TCP/SECURE_TCP discovery blob into a
// ModuleBlob, decoding each topic entry's generic map via mapstructure
// (spec §6, SPEC_FULL.md §6).
func DecodeBlob(blob []byte) (*ModuleBlob, error) {
	var raw map[string]any
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("decode discovery blob: %w", err)
	}

	host, _ := raw["host"].(string)
	delete(raw, "host")

	topics := make(map[string]BlobTopicEndpoint, len(raw))
	for topic, v := range raw {
		var wire wireTopicEntry
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &wire,
		})
		if err != nil {
			return nil, fmt.Errorf("decode topic %q: %w", topic, err)
		}
		if err := dec.Decode(v); err != nil {
			return nil, fmt.Errorf("decode topic %q: %w", topic, err)
		}

		ep := BlobTopicEndpoint{Port: wire.Port, NumCB: wire.NumCB}
		if wire.KeyB64 != "" {
			key, err := base64.StdEncoding.DecodeString(wire.KeyB64)
			if err != nil {
				return nil, fmt.Errorf("decode topic %q key: %w", topic, err)
			}
			ep.Key = key
		}
		if wire.IVB64 != "" {
			iv, err := base64.StdEncoding.DecodeString(wire.IVB64)
			if err != nil {
				return nil, fmt.Errorf("decode topic %q iv: %w", topic, err)
			}
			ep.IV = iv
		}
		topics[topic] = ep
	}

	return &ModuleBlob{Host: host, Topics: topics}, nil
}
