package aitt

import "github.com/localrivet/aitt/internal/core"

// Message is what a subscriber callback receives on delivery, regardless of
// which transport carried it (spec §3).
type Message = core.Message

// Handler is the callback signature subscribers register.
type Handler = core.Handler

// ReplyHandler is the callback signature used by publish-with-reply
// requesters.
type ReplyHandler = core.ReplyHandler
