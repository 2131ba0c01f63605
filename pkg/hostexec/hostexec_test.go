package hostexec

import (
	"context"
	"errors"
	"os"
	"testing"

	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func requireRoot(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("test requires root to mutate host networking")
	}
}

func TestRequirePrivileges(t *testing.T) {
	err := RequirePrivileges()
	if os.Geteuid() == 0 {
		if err != nil {
			t.Errorf("running as root should satisfy RequirePrivileges, got %v", err)
		}
		return
	}
	if !errors.Is(err, ErrPermission) {
		t.Errorf("expected ErrPermission, got %v", err)
	}
}

func TestOutcomeString(t *testing.T) {
	cases := map[Outcome]string{
		OutcomeApplied:      "applied",
		OutcomeAlreadyExists: "already-exists",
		OutcomeNotFound:     "not-found",
		OutcomeDenied:       "denied",
		OutcomeError:        "error",
	}
	for outcome, want := range cases {
		if got := outcome.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", outcome, got, want)
		}
	}
}

func TestEnsureBridgeLifecycle(t *testing.T) {
	requireRoot(t)
	ctx := context.Background()
	exec := New(testLogger())
	name := "vpctest-br0"

	outcome, err := exec.EnsureBridge(ctx, name)
	if err != nil {
		t.Fatalf("EnsureBridge: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("first EnsureBridge = %v, want applied", outcome)
	}

	outcome, err = exec.EnsureBridge(ctx, name)
	if err != nil {
		t.Fatalf("EnsureBridge (repeat): %v", err)
	}
	if outcome != OutcomeAlreadyExists {
		t.Errorf("repeat EnsureBridge = %v, want already-exists", outcome)
	}

	outcome, err = exec.DeleteBridge(ctx, name)
	if err != nil {
		t.Fatalf("DeleteBridge: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("DeleteBridge = %v, want applied", outcome)
	}

	outcome, err = exec.DeleteBridge(ctx, name)
	if err != nil {
		t.Fatalf("DeleteBridge (repeat): %v", err)
	}
	if outcome != OutcomeNotFound {
		t.Errorf("repeat DeleteBridge = %v, want not-found", outcome)
	}
}

func TestNamespaceLifecycle(t *testing.T) {
	requireRoot(t)
	ctx := context.Background()
	exec := New(testLogger())
	name := "vpctest-ns0"

	outcome, err := exec.EnsureNamespace(ctx, name)
	if err != nil {
		t.Fatalf("EnsureNamespace: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("first EnsureNamespace = %v, want applied", outcome)
	}

	outcome, err = exec.EnsureNamespace(ctx, name)
	if err != nil {
		t.Fatalf("EnsureNamespace (repeat): %v", err)
	}
	if outcome != OutcomeAlreadyExists {
		t.Errorf("repeat EnsureNamespace = %v, want already-exists", outcome)
	}

	outcome, err = exec.DeleteNamespace(ctx, name)
	if err != nil {
		t.Fatalf("DeleteNamespace: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("DeleteNamespace = %v, want applied", outcome)
	}
}
