package sandbox

import (
	"errors"
)

// ErrPaused is returned from Run when the program stopped at a host call
// that needs a client callback.
var ErrPaused = errors.New("execution paused")

// PauseSignal unwinds the guest stack when a host call pauses. It travels as
// a Go panic, so guest try/catch cannot intercept it.
type PauseSignal struct{}

// FatalError marks a host-side failure that must abort the run uncatchably:
// replay divergence, iteration limits, policy blocks. Hooks return it from a
// host call; the sandbox unwinds past all guest handlers.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// hostAbort carries a FatalError through the guest stack.
type hostAbort struct {
	err error
}

// BatchRequest is one deferred call inside a batched host call.
type BatchRequest struct {
	Kind      string
	Operation string
	Args      []any
}

// Hooks is the host side of a running program. The executor implements it;
// every method is invoked synchronously from guest code.
type Hooks interface {
	// HostCall performs or replays one host call. Returning ErrPaused
	// stops the program for a client callback; returning a *FatalError
	// aborts it; any other error is thrown into the guest as an
	// exception.
	HostCall(kind, operation string, args []any) (any, error)

	// BatchCall performs or replays a group of deferred calls as one
	// callback. Results are positional.
	BatchCall(requests []BatchRequest) ([]any, error)

	// LoopTick is invoked before each iteration of a lowered loop. A
	// non-nil error aborts the run.
	LoopTick(loopID string, iteration int64) error

	// Derived reports a value computed from others, for provenance
	// propagation.
	Derived(result any, parts []any, site string)

	// Log receives atp.log and console.log output.
	Log(args []any)
}

// raise converts a hook error into the proper unwind: a pause or abort
// panics past guest handlers, anything else is thrown into the guest.
func raise(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPaused) {
		panic(&PauseSignal{})
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		panic(&hostAbort{err: fatal.Err})
	}
	return err
}
