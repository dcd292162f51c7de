package aitt

import "github.com/localrivet/aitt/internal/core"

// MaxTopicLen and MaxPayloadLen bound the wire values spec §3 allows.
const (
	MaxTopicLen   = core.MaxTopicLen
	MaxPayloadLen = core.MaxPayloadLen
)

// ValidatePublishTopic rejects wildcards and oversized topics, as publish
// topics must be concrete (spec §3).
func ValidatePublishTopic(topic string) error { return core.ValidatePublishTopic(topic) }

// ValidateSubscribePattern allows wildcards but still bounds length and
// enforces that '#' (if present) is the last, standalone segment.
func ValidateSubscribePattern(pattern string) error { return core.ValidateSubscribePattern(pattern) }

// ValidatePayload bounds the payload size.
func ValidatePayload(payload []byte) error { return core.ValidatePayload(payload) }

// HasWildcard reports whether topic contains a '+' or '#' wildcard
// character, used to reject wildcards in subscriber-count queries (spec
// §4.5).
func HasWildcard(topic string) bool { return core.HasWildcard(topic) }

// TopicMatch reports whether the concrete topic matches pattern under the
// MQTT 3.1.1/v5 wildcard rules (spec §8 property 2).
func TopicMatch(pattern, topic string) bool { return core.TopicMatch(pattern, topic) }
