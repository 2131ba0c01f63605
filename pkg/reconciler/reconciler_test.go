package reconciler

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/glennswest/vpcctl/pkg/hostexec"
	"github.com/glennswest/vpcctl/pkg/peering"
	"github.com/glennswest/vpcctl/pkg/policy"
	"github.com/glennswest/vpcctl/pkg/vpcstate"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func newTestReconciler(t *testing.T) *Reconciler {
	dir := t.TempDir()
	store, err := vpcstate.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	exec := hostexec.New(testLogger())
	pol := policy.New(exec, testLogger())
	peer := peering.New(exec, store, testLogger())
	return New(store, exec, pol, peer, 2*time.Second, dir, testLogger())
}

func TestCreateVPCInvalidName(t *testing.T) {
	r := newTestReconciler(t)
	_, err := r.CreateVPC(context.Background(), "Bad Name", "10.0.0.0/16", "eth0")
	if !errors.Is(err, ErrUser) {
		t.Errorf("expected ErrUser, got %v", err)
	}
}

func TestCreateVPCIdempotentRepeat(t *testing.T) {
	r := newTestReconciler(t)
	existing := vpcstate.NewVPC("testvpc", "10.20.0.0/16", "vpc-testvpc-br", "eth0")
	if err := r.store.Put(existing); err != nil {
		t.Fatal(err)
	}

	got, err := r.CreateVPC(context.Background(), "testvpc", "10.20.0.0/16", "eth0")
	if err != nil {
		t.Fatalf("expected idempotent success, got error: %v", err)
	}
	if got.CIDR != "10.20.0.0/16" {
		t.Errorf("unexpected returned record: %+v", got)
	}
}

func TestCreateVPCConflictingRepeat(t *testing.T) {
	r := newTestReconciler(t)
	existing := vpcstate.NewVPC("testvpc", "10.20.0.0/16", "vpc-testvpc-br", "eth0")
	if err := r.store.Put(existing); err != nil {
		t.Fatal(err)
	}

	_, err := r.CreateVPC(context.Background(), "testvpc", "10.30.0.0/16", "eth0")
	if !errors.Is(err, ErrUser) {
		t.Errorf("expected ErrUser for conflicting re-create, got %v", err)
	}
}

func TestCreateVPCOverlapRejected(t *testing.T) {
	r := newTestReconciler(t)
	existing := vpcstate.NewVPC("other", "10.20.0.0/16", "vpc-other-br", "eth0")
	if err := r.store.Put(existing); err != nil {
		t.Fatal(err)
	}

	_, err := r.CreateVPC(context.Background(), "testvpc", "10.20.128.0/20", "eth0")
	if !errors.Is(err, ErrUser) {
		t.Errorf("expected ErrUser for overlapping CIDR, got %v", err)
	}
}

func TestAddSubnetVPCNotFound(t *testing.T) {
	r := newTestReconciler(t)
	_, err := r.AddSubnet(context.Background(), "missing", "public", "10.20.1.0/24", "public")
	if !errors.Is(err, ErrUser) {
		t.Errorf("expected ErrUser, got %v", err)
	}
}

func TestAddSubnetInvalidType(t *testing.T) {
	r := newTestReconciler(t)
	_, err := r.AddSubnet(context.Background(), "testvpc", "public", "10.20.1.0/24", "weird")
	if !errors.Is(err, ErrUser) {
		t.Errorf("expected ErrUser, got %v", err)
	}
}

func TestAddSubnetIdempotentRepeat(t *testing.T) {
	r := newTestReconciler(t)
	vpc := vpcstate.NewVPC("testvpc", "10.20.0.0/16", "vpc-testvpc-br", "eth0")
	vpc.Subnets["public"] = &vpcstate.Subnet{
		Name: "public", CIDR: "10.20.1.0/24", Type: "public",
		Namespace: "vpc-testvpc-ns-public", Gateway: "10.20.0.1", HostIP: "10.20.1.2/24",
	}
	if err := r.store.Put(vpc); err != nil {
		t.Fatal(err)
	}

	got, err := r.AddSubnet(context.Background(), "testvpc", "public", "10.20.1.0/24", "public")
	if err != nil {
		t.Fatalf("expected idempotent success, got error: %v", err)
	}
	if got.CIDR != "10.20.1.0/24" {
		t.Errorf("unexpected returned subnet: %+v", got)
	}
}

func TestAddSubnetOverlapWithSibling(t *testing.T) {
	r := newTestReconciler(t)
	vpc := vpcstate.NewVPC("testvpc", "10.20.0.0/16", "vpc-testvpc-br", "eth0")
	vpc.Subnets["public"] = &vpcstate.Subnet{Name: "public", CIDR: "10.20.1.0/24", Type: "public"}
	if err := r.store.Put(vpc); err != nil {
		t.Fatal(err)
	}

	_, err := r.AddSubnet(context.Background(), "testvpc", "private", "10.20.1.0/24", "private")
	if !errors.Is(err, ErrUser) {
		t.Errorf("expected ErrUser for sibling overlap, got %v", err)
	}
}

func TestInspectNotFound(t *testing.T) {
	r := newTestReconciler(t)
	_, err := r.Inspect(context.Background(), "missing")
	if !errors.Is(err, ErrUser) {
		t.Errorf("expected ErrUser, got %v", err)
	}
}

func TestListVPCsEmpty(t *testing.T) {
	r := newTestReconciler(t)
	list, err := r.ListVPCs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("expected empty list, got %d", len(list))
	}
}

func TestDeleteVPCAlreadyAbsentIsSuccess(t *testing.T) {
	r := newTestReconciler(t)
	if err := r.DeleteVPC(context.Background(), "nonexistent"); err != nil {
		t.Errorf("expected benign success deleting absent VPC, got %v", err)
	}
}

func TestApplyPolicyUnmatchedSubnetWarnsNotFails(t *testing.T) {
	r := newTestReconciler(t)
	dir := t.TempDir()
	path := dir + "/policy.json"
	doc := `[{"subnet":"10.99.0.0/24","ingress":[],"egress":[]}]`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.ApplyPolicy(context.Background(), path); err != nil {
		t.Errorf("unmatched policy selector should warn, not fail: %v", err)
	}
}
