package aitt

import "github.com/localrivet/aitt/internal/core"

// Kind classifies the caller-visible error categories the fabric can raise.
type Kind = core.Kind

// Error kinds, matching the spec's caller-visible error taxonomy.
const (
	KindInvalidArg   = core.KindInvalidArg
	KindInvalidState = core.KindInvalidState
	KindAlready      = core.KindAlready
	KindNoData       = core.KindNoData
	KindTimedOut     = core.KindTimedOut
	KindNotSupported = core.KindNotSupported
	KindMQTT         = core.KindMQTT
	KindSystem       = core.KindSystem
)

// Error is the single error type returned by this module's public API.
// Op names the operation that failed (e.g. "Subscribe", "PublishWithReply").
type Error = core.Error

// Sentinels usable with errors.Is. Each carries an empty Op; real errors
// returned by the API carry the actual operation name.
var (
	ErrInvalidArg   = core.ErrInvalidArg
	ErrInvalidState = core.ErrInvalidState
	ErrAlready      = core.ErrAlready
	ErrNoData       = core.ErrNoData
	ErrTimedOut     = core.ErrTimedOut
	ErrNotSupported = core.ErrNotSupported
	ErrMQTT         = core.ErrMQTT
	ErrSystem       = core.ErrSystem
)

// newErr wraps err (which may be nil) with a Kind and an operation name.
func newErr(op string, kind Kind, err error) *Error {
	return core.NewErr(op, kind, err)
}
