package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"opclink/config"
	"opclink/opcda"
	"opclink/opcsim"
	"opclink/poller"
	"opclink/telemetry"
)

type testBackend struct {
	cfg      *config.Config
	provider opcda.Provider
	poller   *poller.Poller
}

func (b *testBackend) GetConfig() *config.Config   { return b.cfg }
func (b *testBackend) GetConfigPath() string       { return "/tmp/opclink-test.yaml" }
func (b *testBackend) GetProvider() opcda.Provider { return b.provider }
func (b *testBackend) GetPoller() *poller.Poller   { return b.poller }

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func newTestServer(t *testing.T, gatherer prometheus.Gatherer) (*Server, string) {
	t.Helper()

	hash, _ := bcrypt.GenerateFromPassword([]byte("admin-pass"), bcrypt.DefaultCost)
	cfg := &config.Config{
		Web: config.WebConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    freePort(t),
			API:     config.WebAPIConfig{Enabled: true},
			UI: config.WebUIConfig{
				SessionSecret: "dGVzdHNlY3JldHRlc3RzZWNyZXR0ZXN0c2VjcmV0dGVzdA==",
				Users: []config.WebUser{
					{Username: "admin", PasswordHash: string(hash), Role: config.RoleAdmin},
				},
			},
		},
	}

	provider := &opcsim.ScriptedProvider{}
	backend := &testBackend{
		cfg:      cfg,
		provider: provider,
		poller:   poller.New(provider, time.Second, zerolog.Nop()),
	}

	s := NewServer(&cfg.Web, backend, gatherer, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	// Wait for the listener to come up
	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Web.Port)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			return s, base
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not start in time")
	return nil, ""
}

func TestLoginFlowThroughMount(t *testing.T) {
	_, base := newTestServer(t, nil)

	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "admin-pass"})
	resp, err := http.Post(base+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", base+"/api/servers", nil)
	for _, c := range resp.Cookies() {
		req.AddCookie(c)
	}
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/servers: %v", err)
	}
	defer resp2.Body.Close()

	if resp2.StatusCode != http.StatusOK {
		t.Errorf("api status = %d, want 200", resp2.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := telemetry.NewPrometheus(reg); err != nil {
		t.Fatalf("NewPrometheus: %v", err)
	}

	_, base := newTestServer(t, reg)

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Error("expected metrics output")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s, _ := newTestServer(t, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !s.IsRunning() {
		t.Error("expected running after Start")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected stopped after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
