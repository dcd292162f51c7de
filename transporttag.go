package aitt

import "github.com/localrivet/aitt/internal/core"

// TransportTag identifies a single transport. Publish and Subscribe accept a
// bitmask (TransportMask) of these; internal tables key on the single-bit
// variant.
type TransportTag = core.TransportTag

const (
	// TransportMQTT routes through the shared MQTT broker.
	TransportMQTT = core.TransportMQTT
	// TransportTCP routes over a plaintext direct TCP connection.
	TransportTCP = core.TransportTCP
	// TransportTCPSecure routes over an AES-CBC encrypted direct TCP connection.
	TransportTCPSecure = core.TransportTCPSecure
)

// TransportMask is a bitmask of TransportTag values.
type TransportMask = core.TransportMask
