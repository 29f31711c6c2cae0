package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, closer, err := New(Options{Level: "debug", Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Info().Str("server", "Sim.DA.1").Msg("connected")
	if closer != nil {
		closer.Close()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "Sim.DA.1") {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, _, err := New(Options{Level: "extreme"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, closer, err := New(Options{Level: "warn", Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Debug().Msg("quiet")
	log.Warn().Msg("loud")
	if closer != nil {
		closer.Close()
	}

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "quiet") {
		t.Error("debug entry leaked past warn level")
	}
	if !strings.Contains(string(data), "loud") {
		t.Error("warn entry missing")
	}
}

func TestDebugLoggerFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	dl, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger: %v", err)
	}
	dl.SetFilter("mqtt")

	dl.Log("mqtt", "publishing %d tags", 3)
	dl.Log("valkey", "should be filtered")
	dl.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read debug log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "publishing 3 tags") {
		t.Error("mqtt entry missing")
	}
	if strings.Contains(out, "should be filtered") {
		t.Error("filtered subsystem leaked")
	}
}

func TestDebugLoggerRelatedSubsystems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	dl, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger: %v", err)
	}
	dl.SetFilter("opcda")

	dl.Log("browse", "walking namespace")
	dl.Log("worker", "connection cached")
	dl.Close()

	data, _ := os.ReadFile(path)
	out := string(data)
	if !strings.Contains(out, "walking namespace") || !strings.Contains(out, "connection cached") {
		t.Errorf("related subsystems not included: %s", out)
	}
}

func TestDebugLoggerHexDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	dl, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger: %v", err)
	}

	dl.LogTX("mqtt", []byte("hello"))
	dl.Close()

	data, _ := os.ReadFile(path)
	out := string(data)
	if !strings.Contains(out, "TX (5 bytes)") {
		t.Errorf("missing TX header: %s", out)
	}
	if !strings.Contains(out, "68 65 6C 6C 6F") {
		t.Errorf("missing hex bytes: %s", out)
	}
}

func TestNilDebugLoggerIsSafe(t *testing.T) {
	var dl *DebugLogger
	dl.Log("mqtt", "no panic")
	dl.SetFilter("mqtt")
	dl.LogTX("mqtt", []byte{1})
	if err := dl.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}
