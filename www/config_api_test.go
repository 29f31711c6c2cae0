package www

import (
	"encoding/json"
	"net/http"
	"testing"

	"opclink/config"
)

func TestMQTTConfigCRUD(t *testing.T) {
	server, backend := newTestServer(t, nil)
	cookies := login(t, server, "admin", "admin-pass")

	broker := config.MQTTConfig{
		Name:    "plant-broker",
		Enabled: true,
		Broker:  "mqtt.example.com",
		Port:    1883,
	}

	resp := doJSON(t, server, "POST", "/api/config/mqtt", broker, cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d, want 201", resp.StatusCode)
	}

	// Duplicate names are rejected
	resp = doJSON(t, server, "POST", "/api/config/mqtt", broker, cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate add status = %d, want 409", resp.StatusCode)
	}

	resp = doJSON(t, server, "GET", "/api/config/mqtt", nil, cookies)
	var listed []config.MQTTConfig
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(listed) != 1 || listed[0].Broker != "mqtt.example.com" {
		t.Fatalf("unexpected list %+v", listed)
	}

	broker.Port = 8883
	broker.UseTLS = true
	resp = doJSON(t, server, "PUT", "/api/config/mqtt/plant-broker", broker, cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}

	// The change reached the file, not just memory
	loaded, err := config.Load(backend.configPath)
	if err != nil {
		t.Fatalf("load saved config: %v", err)
	}
	saved := loaded.FindMQTT("plant-broker")
	if saved == nil || saved.Port != 8883 || !saved.UseTLS {
		t.Errorf("persisted broker = %+v, want port 8883 with TLS", saved)
	}

	resp = doJSON(t, server, "DELETE", "/api/config/mqtt/plant-broker", nil, cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	resp = doJSON(t, server, "DELETE", "/api/config/mqtt/plant-broker", nil, cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestValkeyConfigCRUD(t *testing.T) {
	server, backend := newTestServer(t, nil)
	cookies := login(t, server, "admin", "admin-pass")

	resp := doJSON(t, server, "POST", "/api/config/valkey", config.ValkeyConfig{
		Name:    "cache",
		Enabled: true,
		Address: "valkey.example.com:6379",
	}, cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d, want 201", resp.StatusCode)
	}

	resp = doJSON(t, server, "PUT", "/api/config/valkey/cache", config.ValkeyConfig{
		Address:  "valkey.example.com:6380",
		Database: 2,
	}, cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}

	if got := backend.cfg.FindValkey("cache"); got == nil || got.Database != 2 {
		t.Errorf("updated valkey = %+v, want database 2", got)
	}

	resp = doJSON(t, server, "PUT", "/api/config/valkey/nope", config.ValkeyConfig{}, cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("update unknown status = %d, want 404", resp.StatusCode)
	}
}

func TestKafkaConfigCRUD(t *testing.T) {
	server, backend := newTestServer(t, nil)
	cookies := login(t, server, "admin", "admin-pass")

	// Brokers are mandatory
	resp := doJSON(t, server, "POST", "/api/config/kafka", config.KafkaConfig{Name: "events"}, cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("add without brokers status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, server, "POST", "/api/config/kafka", config.KafkaConfig{
		Name:    "events",
		Enabled: true,
		Brokers: []string{"kafka1:9092", "kafka2:9092"},
	}, cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d, want 201", resp.StatusCode)
	}

	resp = doJSON(t, server, "DELETE", "/api/config/kafka/events", nil, cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	if backend.cfg.FindKafka("events") != nil {
		t.Error("cluster still present after delete")
	}
}

func TestConfigEndpointsRequireAdmin(t *testing.T) {
	server, _ := newTestServer(t, nil)
	cookies := login(t, server, "viewer", "viewer-pass")

	for _, path := range []string{"/api/config/mqtt", "/api/config/valkey", "/api/config/kafka"} {
		resp := doJSON(t, server, "GET", path, nil, cookies)
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("GET %s status = %d, want 403 for viewer", path, resp.StatusCode)
		}
	}

	resp := doJSON(t, server, "POST", "/api/config/mqtt", config.MQTTConfig{Name: "x"}, cookies)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("POST status = %d, want 403 for viewer", resp.StatusCode)
	}
}
