package dispatch

import "fmt"

// ActivationHandler is invoked with a live ActionDispatcher on
// activation and with nil on deactivation (spec.md §4.5).
type ActivationHandler func(ActionDispatcher)

// CloseRegistration permanently tears a context down. Remove is
// idempotent.
type CloseRegistration interface {
	Remove()
}

// ConnectionContext is the activation/dispatch contract a
// TopicConnection is bound to (spec.md §4.5).
type ConnectionContext interface {
	// Init registers handler to be told about activation transitions
	// and returns a registration that permanently tears the binding
	// down. Calling Init twice on the same context is a programmer
	// error (spec.md §7).
	Init(handler ActivationHandler) (CloseRegistration, error)
}

// ErrAlreadyActive/ErrAlreadyInactive are the programmer-error
// signals for out-of-protocol activate/deactivate calls (spec.md §7).
var (
	ErrAlreadyActive   = fmt.Errorf("dispatch: context is already active")
	ErrAlreadyInactive = fmt.Errorf("dispatch: context is already inactive")
	ErrAlreadyBound    = fmt.Errorf("dispatch: context already has a handler")
)
