package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.PollRate != time.Second {
		t.Errorf("expected 1s poll rate, got %v", cfg.PollRate)
	}
	if !cfg.Web.Enabled {
		t.Error("expected Web.Enabled true by default")
	}
	if !cfg.Web.UI.Enabled {
		t.Error("expected Web.UI.Enabled true by default")
	}
	if !cfg.Web.API.Enabled {
		t.Error("expected Web.API.Enabled true by default")
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected Web port 8080, got %d", cfg.Web.Port)
	}
	if cfg.Browse.MaxDepth != 50 {
		t.Errorf("expected browse max_depth 50, got %d", cfg.Browse.MaxDepth)
	}
	if cfg.Browse.MaxTags != 10000 {
		t.Errorf("expected browse max_tags 10000, got %d", cfg.Browse.MaxTags)
	}
	if cfg.Browse.Timeout != 5*time.Minute {
		t.Errorf("expected browse timeout 5m, got %v", cfg.Browse.Timeout)
	}
	if cfg.Browse.EnumBatchSize != 256 {
		t.Errorf("expected enum batch 256, got %d", cfg.Browse.EnumBatchSize)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollRate != time.Second {
		t.Errorf("expected default poll rate, got %v", cfg.PollRate)
	}
	if cfg.Web.UI.SessionSecret == "" {
		t.Error("expected generated session secret")
	}

	// The generated secret gets persisted.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config file to be created: %v", err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Namespace = "plant1"
	cfg.AddServer(ServerConfig{
		Name:    "sim",
		ProgID:  "Matrikon.OPC.Simulation.1",
		Enabled: true,
		Tags:    []string{"Random.Int4", "Bucket Brigade.Real8"},
	})
	cfg.AddMQTT(MQTTConfig{Name: "plant-broker", Broker: "mqtt.local", Port: 1883, Enabled: true})
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Namespace != "plant1" {
		t.Errorf("namespace lost: %q", loaded.Namespace)
	}
	srv := loaded.FindServer("sim")
	if srv == nil {
		t.Fatal("server lost on round trip")
	}
	if srv.ProgID != "Matrikon.OPC.Simulation.1" {
		t.Errorf("prog_id lost: %q", srv.ProgID)
	}
	if len(srv.Tags) != 2 {
		t.Errorf("tags lost: %v", srv.Tags)
	}
	if loaded.FindMQTT("plant-broker") == nil {
		t.Error("mqtt config lost on round trip")
	}
}

func TestLoadRedefaultsZeroBrowseBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("namespace: plant1\nbrowse:\n  max_depth: 0\n  max_tags: 500\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Browse.MaxDepth != 50 {
		t.Errorf("zero max_depth should re-default to 50, got %d", cfg.Browse.MaxDepth)
	}
	if cfg.Browse.MaxTags != 500 {
		t.Errorf("explicit max_tags should survive, got %d", cfg.Browse.MaxTags)
	}
	if cfg.Browse.Timeout != 5*time.Minute {
		t.Errorf("missing timeout should default, got %v", cfg.Browse.Timeout)
	}
}

func TestServerCRUD(t *testing.T) {
	cfg := DefaultConfig()

	cfg.AddServer(ServerConfig{Name: "a", ProgID: "Vendor.A.1"})
	cfg.AddServer(ServerConfig{Name: "b", ProgID: "Vendor.B.1"})

	if cfg.FindServer("a") == nil {
		t.Error("expected to find server a")
	}
	if cfg.FindServer("missing") != nil {
		t.Error("expected nil for missing server")
	}
	if !cfg.UpdateServer("a", ServerConfig{Name: "a", ProgID: "Vendor.A.2"}) {
		t.Error("update failed")
	}
	if cfg.FindServer("a").ProgID != "Vendor.A.2" {
		t.Error("update not applied")
	}
	if !cfg.RemoveServer("b") {
		t.Error("remove failed")
	}
	if cfg.RemoveServer("b") {
		t.Error("second remove should report false")
	}
	if len(cfg.Servers) != 1 {
		t.Errorf("expected 1 server, got %d", len(cfg.Servers))
	}
}

func TestWebUserCRUD(t *testing.T) {
	cfg := DefaultConfig()

	cfg.AddWebUser(WebUser{Username: "ops", Role: RoleViewer})
	if cfg.FindWebUser("ops") == nil {
		t.Fatal("expected to find user")
	}
	if !cfg.UpdateWebUser("ops", WebUser{Username: "ops", Role: RoleAdmin}) {
		t.Error("update failed")
	}
	if cfg.FindWebUser("ops").Role != RoleAdmin {
		t.Error("role not updated")
	}
	if !cfg.RemoveWebUser("ops") {
		t.Error("remove failed")
	}
	if cfg.FindWebUser("ops") != nil {
		t.Error("user still present after remove")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"empty config ok", func(c *Config) {}, false},
		{"valid namespace", func(c *Config) { c.Namespace = "plant-1.east" }, false},
		{"invalid namespace", func(c *Config) { c.Namespace = "bad space" }, true},
		{"server missing name", func(c *Config) { c.AddServer(ServerConfig{ProgID: "X.1"}) }, true},
		{"server missing prog_id", func(c *Config) { c.AddServer(ServerConfig{Name: "x"}) }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestIsValidNamespace(t *testing.T) {
	valid := []string{"plant1", "plant-1", "plant_1", "a.b.c", "X9"}
	for _, ns := range valid {
		if !IsValidNamespace(ns) {
			t.Errorf("expected %q to be valid", ns)
		}
	}
	invalid := []string{"", "has space", "slash/", "colon:"}
	for _, ns := range invalid {
		if IsValidNamespace(ns) {
			t.Errorf("expected %q to be invalid", ns)
		}
	}
}

func TestChangeListeners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()

	fired := make(chan struct{}, 1)
	id := cfg.AddOnChangeListener(func() { fired <- struct{}{} })

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called after save")
	}

	cfg.RemoveOnChangeListener(id)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	select {
	case <-fired:
		t.Fatal("removed listener still called")
	case <-time.After(100 * time.Millisecond):
	}
}
