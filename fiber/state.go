// File: fiber/state.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fiber

// State is the lifecycle state of a fiber.
type State int32

const (
	// StateInit: constructed or reset, body not yet entered.
	StateInit State = iota
	// StateReady: runnable, waiting in a scheduler queue.
	StateReady
	// StateExec: currently running on some worker.
	StateExec
	// StateHold: suspended, waiting for an external wake-up.
	StateHold
	// StateTerm: body returned.
	StateTerm
	// StateExcept: body panicked; the fiber will not be rescheduled.
	StateExcept
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}
