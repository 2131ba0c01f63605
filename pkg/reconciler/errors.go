package reconciler

import "errors"

// Error categories the dispatcher maps to exit codes: 0 success, 1 user
// error, 2 host-execution error, 3 state-store corruption. Every error a
// reconciler method returns wraps exactly one
// of these via fmt.Errorf's %w so the dispatcher can tell them apart with
// errors.Is without inspecting message text.
var (
	ErrUser          = errors.New("user-error")
	ErrHostExecution = errors.New("host-execution-error")
	ErrStateCorrupt  = errors.New("state-store-corruption")
)
