package vpcstate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	vpc := NewVPC("testvpc", "10.20.0.0/16", "vpc-testvpc-br", "eth0")
	vpc.Subnets["public"] = &Subnet{
		Name:      "public",
		CIDR:      "10.20.1.0/24",
		Type:      "public",
		Namespace: "vpc-testvpc-ns-public",
		Gateway:   "10.20.1.1",
		HostIP:    "10.20.1.2/24",
	}

	if err := store.Put(vpc); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get("testvpc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CIDR != vpc.CIDR || got.Bridge != vpc.Bridge {
		t.Errorf("round-tripped record mismatch: %+v", got)
	}
	if len(got.Subnets) != 1 || got.Subnets["public"].CIDR != "10.20.1.0/24" {
		t.Errorf("subnet not round-tripped correctly: %+v", got.Subnets)
	}
}

func TestGetNotFound(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Get("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListSorted(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := store.Put(NewVPC(name, "10.0.0.0/24", "br-"+name, "eth0")); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	got := []string{list[0].Name, list[1].Name, list[2].Name}
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List order = %v, want %v", got, want)
		}
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(NewVPC("testvpc", "10.0.0.0/24", "br", "eth0")); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("testvpc"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := store.Delete("testvpc"); err != nil {
		t.Fatalf("second delete on already-absent record should succeed: %v", err)
	}
	if _, err := store.Get("testvpc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPutLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(NewVPC("testvpc", "10.0.0.0/24", "br", "eth0")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "testvpc.json.tmp")); !os.IsNotExist(err) {
		t.Errorf("temp file should not remain after atomic rename")
	}
}
