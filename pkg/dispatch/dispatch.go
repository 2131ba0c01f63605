// Package dispatch renders reconciler results to the command line and
// maps the error-category sentinels from pkg/reconciler to process exit
// codes: one function, one JSON switch, used by every verb.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/glennswest/vpcctl/pkg/reconciler"
)

// Result is the uniform outcome every verb handler in cmd/vpcctl produces:
// a human-readable line and a JSON-able value carrying the same
// information, so --json is a single serialization switch at the edge.
type Result struct {
	Human string
	JSON  any
}

// Render writes result to w, as JSON if asJSON is set, otherwise as the
// human-readable text.
func Render(w io.Writer, result *Result, asJSON bool) error {
	if !asJSON {
		_, err := fmt.Fprintln(w, result.Human)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result.JSON)
}

// ExitCode maps an error returned by a reconciler method to a process
// exit code: 0 success, 1 user error, 2 host-execution error, 3
// state-store corruption. An error that matches none of the categories
// (a bug, not a modeled failure) is reported as a host-execution error.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, reconciler.ErrUser):
		return 1
	case errors.Is(err, reconciler.ErrHostExecution):
		return 2
	case errors.Is(err, reconciler.ErrStateCorrupt):
		return 3
	default:
		return 2
	}
}
