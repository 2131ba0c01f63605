package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestPortStringAcceptsIntOrAny(t *testing.T) {
	var r Rule
	if err := json.Unmarshal([]byte(`{"port":80,"protocol":"tcp","action":"allow"}`), &r); err != nil {
		t.Fatal(err)
	}
	got, err := r.portString()
	if err != nil || got != "80" {
		t.Errorf("portString() = %q, %v; want 80, nil", got, err)
	}

	if err := json.Unmarshal([]byte(`{"port":"any","protocol":"any","action":"deny"}`), &r); err != nil {
		t.Fatal(err)
	}
	got, err = r.portString()
	if err != nil || got != "any" {
		t.Errorf("portString() = %q, %v; want any, nil", got, err)
	}
}

func TestPortStringRejectsOtherStrings(t *testing.T) {
	var r Rule
	if err := json.Unmarshal([]byte(`{"port":"http","protocol":"tcp","action":"allow"}`), &r); err != nil {
		t.Fatal(err)
	}
	if _, err := r.portString(); err == nil {
		t.Error("expected error for non-\"any\" string port")
	}
}

func TestCompileAction(t *testing.T) {
	if got, err := compileAction("allow"); err != nil || got != "ACCEPT" {
		t.Errorf("compileAction(allow) = %q, %v", got, err)
	}
	if got, err := compileAction("deny"); err != nil || got != "DROP" {
		t.Errorf("compileAction(deny) = %q, %v", got, err)
	}
	if _, err := compileAction("maybe"); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	doc := `[{"subnet":"10.20.2.0/24","ingress":[{"port":80,"protocol":"tcp","action":"deny"}],"egress":[]}]`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	sets, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(sets) != 1 || sets[0].Subnet != "10.20.2.0/24" {
		t.Fatalf("unexpected result: %+v", sets)
	}
	if len(sets[0].Ingress) != 1 {
		t.Fatalf("expected 1 ingress rule, got %d", len(sets[0].Ingress))
	}
	port, err := sets[0].Ingress[0].portString()
	if err != nil || port != "80" {
		t.Errorf("ingress rule port = %q, %v", port, err)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing policy file")
	}
}
