package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openweaver/wisp/internal/agent"
)

func TestEnsureCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	created, err := Ensure(dir)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(created) != len(templateFiles) {
		t.Fatalf("created %d files, want %d", len(created), len(templateFiles))
	}

	for _, sub := range subdirs {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			t.Errorf("missing subdir %s", sub)
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, agent.PersonaFile))
	if err != nil || len(data) == 0 {
		t.Fatalf("persona template not seeded: %v", err)
	}
	// Heartbeat stays opt-in.
	if _, err := os.Stat(filepath.Join(dir, agent.HeartbeatFile)); !os.IsNotExist(err) {
		t.Fatal("HEARTBEAT.md seeded, want absent")
	}
}

func TestEnsureNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	custom := filepath.Join(dir, agent.PersonaFile)
	if err := os.WriteFile(custom, []byte("my edits"), 0o644); err != nil {
		t.Fatal(err)
	}

	created, err := Ensure(dir)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	for _, name := range created {
		if name == agent.PersonaFile {
			t.Fatal("existing persona file reported as created")
		}
	}
	data, _ := os.ReadFile(custom)
	if string(data) != "my edits" {
		t.Fatalf("persona file overwritten: %q", data)
	}
}

func TestEnsureIdempotent(t *testing.T) {
	dir := t.TempDir()
	if _, err := Ensure(dir); err != nil {
		t.Fatal(err)
	}
	created, err := Ensure(dir)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("second Ensure created %v, want nothing", created)
	}
}

func TestDefaultDirEnvOverride(t *testing.T) {
	t.Setenv("WISP_WORKSPACE", "/tmp/wisp-test-ws")
	if got := DefaultDir(); got != "/tmp/wisp-test-ws" {
		t.Fatalf("DefaultDir = %q", got)
	}
	t.Setenv("WISP_WORKSPACE", "")
	if got := DefaultDir(); !strings.HasSuffix(got, ".wisp") {
		t.Fatalf("DefaultDir = %q, want ~/.wisp", got)
	}
}
