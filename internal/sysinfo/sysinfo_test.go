package sysinfo

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCollectAndWrite(t *testing.T) {
	facts := Collect()

	if facts.Host == "" {
		t.Error("Collect() returned empty host line")
	}
	if len(facts.Processes) == 0 {
		t.Error("Collect() returned no process lines")
	}
	if len(facts.Mounts) == 0 {
		t.Error("Collect() returned no mount lines")
	}

	dir := t.TempDir()
	if err := facts.WriteTo(dir); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	for _, name := range []string{"host.txt", "processes.txt", "sockets.txt", "mounts.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("WriteTo() did not create %s: %v", name, err)
		}
	}
}
