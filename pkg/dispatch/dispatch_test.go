package dispatch

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/glennswest/vpcctl/pkg/reconciler"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{fmt.Errorf("wrap: %w", reconciler.ErrUser), 1},
		{fmt.Errorf("wrap: %w", reconciler.ErrHostExecution), 2},
		{fmt.Errorf("wrap: %w", reconciler.ErrStateCorrupt), 3},
		{fmt.Errorf("unmodeled failure"), 2},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestRenderHuman(t *testing.T) {
	var buf bytes.Buffer
	result := &Result{Human: "VPC testvpc created", JSON: map[string]string{"name": "testvpc"}}
	if err := Render(&buf, result, false); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "VPC testvpc created" {
		t.Errorf("unexpected human output: %q", buf.String())
	}
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	result := &Result{Human: "ignored", JSON: map[string]string{"name": "testvpc"}}
	if err := Render(&buf, result, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"name": "testvpc"`) {
		t.Errorf("unexpected JSON output: %q", buf.String())
	}
}
