package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"opclink/config"
	"opclink/opcda"
)

// TestChangeDetectionLogic tests the core change detection logic directly.
func TestChangeDetectionLogic(t *testing.T) {
	t.Run("identical values should not republish", func(t *testing.T) {
		cache := make(map[string]string)
		cache["srv1/Random.Int4"] = "100|Good"

		cacheKey := "srv1/Random.Int4"
		current := "100|Good"
		force := false

		last, exists := cache[cacheKey]
		shouldPublish := !exists || force || last != current

		if shouldPublish {
			t.Error("identical value should not republish")
		}
	})

	t.Run("different values should republish", func(t *testing.T) {
		cache := make(map[string]string)
		cache["srv1/Random.Int4"] = "100|Good"

		cacheKey := "srv1/Random.Int4"
		current := "200|Good"
		force := false

		last, exists := cache[cacheKey]
		shouldPublish := !exists || force || last != current

		if !shouldPublish {
			t.Error("different value should republish")
		}
	})

	t.Run("quality change alone should republish", func(t *testing.T) {
		cache := make(map[string]string)
		cache["srv1/Random.Int4"] = "100|Good"

		cacheKey := "srv1/Random.Int4"
		current := "100|Bad"
		force := false

		last, exists := cache[cacheKey]
		shouldPublish := !exists || force || last != current

		if !shouldPublish {
			t.Error("quality change should republish even with unchanged value")
		}
	})

	t.Run("force flag should override change detection", func(t *testing.T) {
		cache := make(map[string]string)
		cache["srv1/Random.Int4"] = "100|Good"

		cacheKey := "srv1/Random.Int4"
		current := "100|Good"
		force := true

		last, exists := cache[cacheKey]
		shouldPublish := !exists || force || last != current

		if !shouldPublish {
			t.Error("force flag should override change detection")
		}
	})

	t.Run("new key should always publish", func(t *testing.T) {
		cache := make(map[string]string)

		cacheKey := "srv1/Random.Int4"
		force := false

		_, exists := cache[cacheKey]
		shouldPublish := !exists || force

		if !shouldPublish {
			t.Error("new key should always publish")
		}
	})

	t.Run("different servers are tracked separately", func(t *testing.T) {
		cache := make(map[string]string)
		cache["srv1/Random.Int4"] = "100|Good"

		cacheKey := "srv2/Random.Int4"

		_, exists := cache[cacheKey]
		shouldPublish := !exists

		if !shouldPublish {
			t.Error("different servers should be tracked separately")
		}
	})

	t.Run("different tags are tracked separately", func(t *testing.T) {
		cache := make(map[string]string)
		cache["srv1/Random.Int4"] = "100|Good"

		cacheKey := "srv1/Random.Real8"

		_, exists := cache[cacheKey]
		shouldPublish := !exists

		if !shouldPublish {
			t.Error("different tags should be tracked separately")
		}
	})
}

// TestPublisher_MessagePayload tests that the JSON message payload is correct.
func TestPublisher_MessagePayload(t *testing.T) {
	t.Run("message includes all fields", func(t *testing.T) {
		msg := TagMessage{
			Namespace: "opclink",
			Server:    "srv1",
			Tag:       "Random.Int4",
			Value:     "100",
			Quality:   "Good",
			Writable:  true,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}

		requiredFields := []string{"namespace", "server", "tag", "value", "quality", "writable", "timestamp"}
		for _, field := range requiredFields {
			if _, ok := decoded[field]; !ok {
				t.Errorf("missing required field: %s", field)
			}
		}
	})

	t.Run("bad quality values survive round trip", func(t *testing.T) {
		msg := TagMessage{
			Namespace: "opclink",
			Server:    "srv1",
			Tag:       "Bucket.Missing",
			Value:     "Error",
			Quality:   "Bad — not added to group",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}

		var decoded TagMessage
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}
		if decoded.Quality != msg.Quality {
			t.Errorf("expected quality %q, got %q", msg.Quality, decoded.Quality)
		}
		if decoded.Value != "Error" {
			t.Errorf("expected sentinel value, got %v", decoded.Value)
		}
	})
}

// TestConvertJSONValue tests JSON-to-write-value conversion.
func TestConvertJSONValue(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		kind     opcda.ValueKind
		hasError bool
	}{
		{"bool_true", true, opcda.KindBool, false},
		{"bool_false", false, opcda.KindBool, false},
		{"whole_number", float64(100), opcda.KindInt32, false},
		{"negative_whole", float64(-42), opcda.KindInt32, false},
		{"zero", float64(0), opcda.KindInt32, false},
		{"int32_max", float64(2147483647), opcda.KindInt32, false},
		{"beyond_int32", float64(2147483648), opcda.KindFloat64, false},
		{"fractional", float64(3.14), opcda.KindFloat64, false},
		{"string", "hello", opcda.KindString, false},
		{"nil_rejected", nil, 0, true},
		{"array_rejected", []interface{}{1, 2}, 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := convertJSONValue(tc.value)
			if tc.hasError {
				if err == nil {
					t.Errorf("expected error for %v", tc.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Kind() != tc.kind {
				t.Errorf("expected kind %v, got %v", tc.kind, v.Kind())
			}
		})
	}
}

// TestWriteRequestParsing tests the write request JSON format.
func TestWriteRequestParsing(t *testing.T) {
	payload := `{"namespace":"opclink","server":"srv1","tag":"Bucket.Int4","value":42}`

	var req WriteRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if req.Namespace != "opclink" || req.Server != "srv1" || req.Tag != "Bucket.Int4" {
		t.Errorf("unexpected request fields: %+v", req)
	}
	if req.Value.(float64) != 42 {
		t.Errorf("expected value 42, got %v", req.Value)
	}
}

// TestConcurrentCacheAccess tests thread safety of cache operations.
func TestConcurrentCacheAccess(t *testing.T) {
	cache := make(map[string]string)
	var mu sync.RWMutex

	var wg sync.WaitGroup
	servers := []string{"srv1", "srv2", "srv3"}
	tags := []string{"Random.Int4", "Random.Real8", "Random.String"}

	for _, srv := range servers {
		for _, tag := range tags {
			wg.Add(1)
			go func(srv, tag string) {
				defer wg.Done()
				key := fmt.Sprintf("%s/%s", srv, tag)

				mu.Lock()
				cache[key] = "100|Good"
				mu.Unlock()
			}(srv, tag)
		}
	}

	wg.Wait()

	mu.RLock()
	defer mu.RUnlock()

	expectedKeys := len(servers) * len(tags)
	if len(cache) != expectedKeys {
		t.Errorf("expected %d cache entries, got %d", expectedKeys, len(cache))
	}
}

// TestPublisher_NewPublisher tests publisher creation.
func TestPublisher_NewPublisher(t *testing.T) {
	cfg := &config.MQTTConfig{
		Name:    "test",
		Broker:  "localhost",
		Port:    1883,
		Enabled: true,
	}
	pub := NewPublisher("opclink", cfg)

	if pub == nil {
		t.Fatal("expected non-nil publisher")
	}
	if pub.Name() != "test" {
		t.Errorf("expected name 'test', got %q", pub.Name())
	}
	if pub.IsRunning() {
		t.Error("new publisher should not be running")
	}
}

// TestPublisher_BuildTopic tests topic construction with and without selector.
func TestPublisher_BuildTopic(t *testing.T) {
	t.Run("no selector", func(t *testing.T) {
		pub := NewPublisher("opclink", &config.MQTTConfig{Name: "test"})
		got := pub.BuildTopic("srv1", "Random.Int4")
		if got != "opclink/srv1/tags/Random.Int4" {
			t.Errorf("unexpected topic: %s", got)
		}
	})

	t.Run("with selector", func(t *testing.T) {
		pub := NewPublisher("opclink", &config.MQTTConfig{Name: "test", Selector: "plant1"})
		got := pub.BuildTopic("srv1", "Random.Int4")
		if got != "opclink/plant1/srv1/tags/Random.Int4" {
			t.Errorf("unexpected topic: %s", got)
		}
	})
}

// TestPublisher_Address tests address formatting.
func TestPublisher_Address(t *testing.T) {
	t.Run("tcp address", func(t *testing.T) {
		cfg := &config.MQTTConfig{
			Broker: "localhost",
			Port:   1883,
			UseTLS: false,
		}
		pub := NewPublisher("test", cfg)
		addr := pub.Address()

		if addr != "tcp://localhost:1883" {
			t.Errorf("expected 'tcp://localhost:1883', got %q", addr)
		}
	})

	t.Run("ssl address", func(t *testing.T) {
		cfg := &config.MQTTConfig{
			Broker: "localhost",
			Port:   8883,
			UseTLS: true,
		}
		pub := NewPublisher("test", cfg)
		addr := pub.Address()

		if addr != "ssl://localhost:8883" {
			t.Errorf("expected 'ssl://localhost:8883', got %q", addr)
		}
	})
}
