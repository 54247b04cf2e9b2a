package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitCreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Dir = dir
	if err := Init(cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	path := CurrentLogPath()
	if path == "" {
		t.Fatal("expected an active log file path")
	}
	if filepath.Dir(path) != dir {
		t.Errorf("log file %s not under %s", path, dir)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("log file missing: %v", err)
	}
}

func TestInitRemoveOld(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "gateway-20240101-000000.log")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.RemoveOld = true
	if err := Init(cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale log file should have been removed")
	}
}

func TestLastLogPathSkipsActiveFile(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "gateway-20240101-000000.log")
	if err := os.WriteFile(older, []byte("previous run"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Dir = dir
	if err := Init(cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}

	last, err := LastLogPath(dir)
	if err != nil {
		t.Fatalf("LastLogPath: %v", err)
	}
	if last != older {
		t.Errorf("LastLogPath = %s, want %s", last, older)
	}
}

func TestWithCallAddsFields(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Dir = dir
	if err := Init(cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}

	lg := WithCall("CA0123", "9f0c")
	lg.Info().Msg("hello")

	data, err := os.ReadFile(CurrentLogPath())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"callId":"CA0123"`, `"conversationId":"9f0c"`, "hello"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log output missing %q:\n%s", want, data)
		}
	}
}
