package core

// Message is what a subscriber callback receives on delivery, regardless of
// which transport carried it (spec §3).
type Message struct {
	Topic   string
	Payload []byte

	// CorrelationID and ReplyTopic are set only for request/reply traffic.
	CorrelationID string
	ReplyTopic    string

	// Sequence and IsEndSequence implement the multi-part reply protocol
	// (spec §4.6): Sequence increases monotonically within one
	// CorrelationID, and IsEndSequence=true means no further messages will
	// arrive for that correlation.
	Sequence      int
	IsEndSequence bool

	Transport TransportTag

	// SourceHandle identifies the SubscribeHandle that produced this
	// delivery, so a callback shared across subscriptions can tell them
	// apart.
	SourceHandle SubscribeHandle
}

// Handler is the callback signature subscribers register.
type Handler func(msg *Message)

// ReplyHandler is the callback signature used by publish-with-reply
// requesters.
type ReplyHandler func(msg *Message)
