package pva

import "github.com/pkg/errors"

// Sentinel errors for the synchronous operation-error tier.
// Compare with errors.Is (or errors.Cause, for anything wrapped by
// this package's own internals).
var (
	// ErrRequestNotInitialized is returned when an operation is used
	// before its INIT response has arrived.
	ErrRequestNotInitialized = errors.New("pva: request not initialized")

	// ErrRequestDestroyed is returned by any call on an already
	// destroyed operation.
	ErrRequestDestroyed = errors.New("pva: request destroyed")

	// ErrOtherRequestPending is delivered synchronously to a caller
	// whose startRequest lost arbitration to an in-flight request.
	ErrOtherRequestPending = errors.New("pva: other request pending")

	// ErrNilPVRequest is returned when a factory method is called with
	// a nil pvRequest.
	ErrNilPVRequest = errors.New("pva: pvRequest == nil")

	// ErrChannelDestroyed is delivered to every outstanding operation
	// when its owning channel is destroyed.
	ErrChannelDestroyed = errors.New("pva: channel destroyed")

	// ErrChannelDisconnected is delivered to every outstanding
	// operation when its owning channel loses its circuit.
	ErrChannelDisconnected = errors.New("pva: channel disconnected")

	// ErrCancelled is delivered to the requester when an operation is
	// cancelled through its Destroy method. No operation kind has a
	// timeout that cancels it.
	ErrCancelled = errors.New("pva: cancelled")

	// ErrContextDestroyed is returned by any Context method called
	// after Close.
	ErrContextDestroyed = errors.New("pva: context destroyed")

	// ErrInvalidChannelName rejects an empty or over-long channel name
	// at creation.
	ErrInvalidChannelName = errors.New("pva: invalid channel name")
)

// MaxChannelNameLength bounds channel names at 500 bytes. It is a
// client policy limit: names are written with the variable-length size
// prefix, which can encode longer strings.
const MaxChannelNameLength = 500

// Wrap and Cause re-export github.com/pkg/errors so callers outside
// this package can inspect a wrapped error's root cause without
// importing pkg/errors themselves.
func Wrap(err error, msg string) error { return errors.Wrap(err, msg) }
func Cause(err error) error            { return errors.Cause(err) }
