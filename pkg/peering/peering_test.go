package peering

import (
	"context"
	"errors"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/glennswest/vpcctl/pkg/hostexec"
	"github.com/glennswest/vpcctl/pkg/vpcstate"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestLinkFor(t *testing.T) {
	if got := linkFor("alpha", "alpha", "peer-alpha-zeta", "peer-zeta-alpha"); got != "peer-alpha-zeta" {
		t.Errorf("linkFor(alpha) = %s", got)
	}
	if got := linkFor("zeta", "alpha", "peer-alpha-zeta", "peer-zeta-alpha"); got != "peer-zeta-alpha" {
		t.Errorf("linkFor(zeta) = %s", got)
	}
}

func TestPeerRejectsSameVPC(t *testing.T) {
	store, err := vpcstate.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr := New(hostexec.New(testLogger()), store, testLogger())
	if err := mgr.Peer(context.Background(), "same", "same", nil); !errors.Is(err, ErrSameVPC) {
		t.Errorf("expected ErrSameVPC, got %v", err)
	}
}

func TestPeerFullLifecycle(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("test requires root to mutate host networking")
	}
	dir := t.TempDir()
	store, err := vpcstate.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	exec := hostexec.New(testLogger())
	ctx := context.Background()

	vpcA := vpcstate.NewVPC("alpha", "10.1.0.0/16", "vpctest-br-a", "eth0")
	vpcB := vpcstate.NewVPC("zeta", "10.2.0.0/16", "vpctest-br-z", "eth0")
	for _, v := range []*vpcstate.VPC{vpcA, vpcB} {
		if _, err := exec.EnsureBridge(ctx, v.Bridge); err != nil {
			t.Fatalf("EnsureBridge: %v", err)
		}
		if err := store.Put(v); err != nil {
			t.Fatal(err)
		}
	}
	defer exec.DeleteBridge(ctx, vpcA.Bridge)
	defer exec.DeleteBridge(ctx, vpcB.Bridge)

	mgr := New(exec, store, testLogger())
	if err := mgr.Peer(ctx, "alpha", "zeta", []string{"10.2.0.0/16"}); err != nil {
		t.Fatalf("Peer: %v", err)
	}

	gotA, err := store.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := gotA.Peerings["zeta"]; !ok {
		t.Error("expected alpha to record a peering with zeta")
	}
	gotB, err := store.Get("zeta")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := gotB.Peerings["alpha"]; !ok {
		t.Error("expected zeta to record a peering with alpha")
	}

	defer exec.DeleteLink(ctx, gotA.Peerings["zeta"].LocalLink)
	defer exec.DeleteLink(ctx, gotB.Peerings["alpha"].LocalLink)
}
