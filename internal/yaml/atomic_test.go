package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type testDoc struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Value         string `yaml:"value"`
}

func TestAtomicWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.yaml")

	if err := AtomicWrite(path, testDoc{SchemaVersion: 1, FileType: "board", Value: "first"}); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if err := validateYAML(content); err != nil {
		t.Fatalf("written file is not valid YAML: %v", err)
	}
}

func TestAtomicWriteKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.yaml")

	if err := AtomicWrite(path, testDoc{Value: "first"}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); !os.IsNotExist(err) {
		t.Fatal("no backup expected before a second write")
	}

	if err := AtomicWrite(path, testDoc{Value: "second"}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(bak) == "" || !strings.Contains(string(bak), "first") {
		t.Errorf("backup should hold the previous version, got: %q", bak)
	}

	current, _ := os.ReadFile(path)
	if !strings.Contains(string(current), "second") {
		t.Errorf("current file should hold the new version, got: %q", current)
	}
}

func TestAtomicWriteRawRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.yaml")

	if err := AtomicWriteRaw(path, []byte("ok: true\n")); err != nil {
		t.Fatalf("valid write: %v", err)
	}

	err := AtomicWriteRaw(path, []byte("{{broken"))
	if err == nil {
		t.Fatal("expected validation error for broken YAML")
	}

	// The previous good version must survive a rejected write.
	content, rerr := os.ReadFile(path)
	if rerr != nil {
		t.Fatalf("read back: %v", rerr)
	}
	if string(content) != "ok: true\n" {
		t.Errorf("rejected write clobbered the file: %q", content)
	}
}
