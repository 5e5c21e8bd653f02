package client

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"one-to-one-proxy/internal/config"
	"one-to-one-proxy/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultAgentConfig(t *testing.T) {
	ac := DefaultAgentConfig("http://backend:8080")

	if !ac.KeepAlive {
		t.Error("KeepAlive = false, want true")
	}
	if ac.KeepAliveMsecs != 10000 {
		t.Errorf("KeepAliveMsecs = %d, want 10000", ac.KeepAliveMsecs)
	}
	if ac.MaxSockets != 32 {
		t.Errorf("MaxSockets = %d, want 32", ac.MaxSockets)
	}
	if ac.MaxFreeSockets != 8 {
		t.Errorf("MaxFreeSockets = %d, want 8", ac.MaxFreeSockets)
	}
	if ac.TimeoutMs != 60000 {
		t.Errorf("TimeoutMs = %d, want 60000", ac.TimeoutMs)
	}
	if ac.Timeout() != time.Minute {
		t.Errorf("Timeout() = %v, want %v", ac.Timeout(), time.Minute)
	}
	if ac.Secure {
		t.Error("Secure = true for http target")
	}
}

func TestDefaultAgentConfig_Secure(t *testing.T) {
	tests := []struct {
		target string
		want   bool
	}{
		{"https://backend", true},
		{"http://backend", false},
		{"HTTPS://backend", false},
		{"httpsx://backend", false},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			if got := DefaultAgentConfig(tt.target).Secure; got != tt.want {
				t.Errorf("Secure = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewAgentConfig_Overrides(t *testing.T) {
	keepAlive := false
	cfg := &config.Config{
		Route: config.RouteConfig{ForwardTarget: "https://backend"},
		Agent: config.AgentConfig{
			KeepAlive:      &keepAlive,
			KeepAliveMsecs: 500,
			MaxSockets:     4,
			MaxFreeSockets: 1,
			TimeoutMs:      250,
		},
	}

	ac := NewAgentConfig(cfg)
	want := AgentConfig{
		KeepAlive:      false,
		KeepAliveMsecs: 500,
		MaxSockets:     4,
		MaxFreeSockets: 1,
		TimeoutMs:      250,
		Secure:         true,
	}
	if ac != want {
		t.Errorf("NewAgentConfig() = %+v, want %+v", ac, want)
	}
}

func TestNewAgentConfig_ZeroFallsBackToDefaults(t *testing.T) {
	cfg := &config.Config{Route: config.RouteConfig{ForwardTarget: "http://backend"}}

	if got, want := NewAgentConfig(cfg), DefaultAgentConfig("http://backend"); got != want {
		t.Errorf("NewAgentConfig() = %+v, want %+v", got, want)
	}
}

func TestNewAgent_Transport(t *testing.T) {
	ac := DefaultAgentConfig("https://backend")
	ac.MaxSockets = 3
	ac.MaxFreeSockets = 2
	a := NewAgent(ac, discardLogger(), nil)

	tr := a.transport
	if tr.MaxConnsPerHost != 3 {
		t.Errorf("MaxConnsPerHost = %d, want 3", tr.MaxConnsPerHost)
	}
	if tr.MaxIdleConnsPerHost != 2 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 2", tr.MaxIdleConnsPerHost)
	}
	if tr.DisableKeepAlives {
		t.Error("DisableKeepAlives = true, want false")
	}
	if tr.TLSClientConfig == nil || tr.TLSClientConfig.MinVersion != tls.VersionTLS12 {
		t.Error("secure agent should require TLS 1.2 or later")
	}
	if tr.TLSNextProto == nil || len(tr.TLSNextProto) != 0 {
		t.Error("HTTP/2 should be disabled via an empty TLSNextProto map")
	}
	if !a.Secure() {
		t.Error("Secure() = false, want true")
	}
}

func TestNewAgent_KeepAliveDisabled(t *testing.T) {
	ac := DefaultAgentConfig("http://backend")
	ac.KeepAlive = false
	a := NewAgent(ac, discardLogger(), nil)

	if !a.transport.DisableKeepAlives {
		t.Error("DisableKeepAlives = false, want true")
	}
	if a.transport.TLSClientConfig != nil {
		t.Error("plain agent should not carry a TLS config")
	}
}

func TestAgent_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	m := metrics.New("/")
	a := NewAgent(DefaultAgentConfig(srv.URL), discardLogger(), m)
	defer a.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/test", http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := a.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "OK" {
		t.Errorf("body = %q, want %q", body, "OK")
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "one_to_one_proxy_upstream_responses_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected one_to_one_proxy_upstream_responses_total to be recorded")
	}
}

func TestAgent_DoDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	a := NewAgent(DefaultAgentConfig(srv.URL), discardLogger(), nil)
	defer a.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/start", http.NoBody)
	resp, err := a.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
}

func TestAgent_Do_Error(t *testing.T) {
	ac := DefaultAgentConfig("http://127.0.0.1:1")
	ac.TimeoutMs = 1000
	a := NewAgent(ac, discardLogger(), nil)

	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/nonexistent", http.NoBody)
	_, err := a.Do(req)
	if err == nil {
		t.Fatal("Do() expected error for unreachable host, got nil")
	}
}

func TestAgent_Do_AfterClose(t *testing.T) {
	a := NewAgent(DefaultAgentConfig("http://backend"), discardLogger(), nil)
	a.Close()
	a.Close() // idempotent

	req, _ := http.NewRequest(http.MethodGet, "http://backend/", http.NoBody)
	_, err := a.Do(req)
	if !errors.Is(err, ErrAgentClosed) {
		t.Fatalf("Do() error = %v, want ErrAgentClosed", err)
	}
}

func TestAgent_MaxSocketsQueues(t *testing.T) {
	const maxSockets = 2
	const requests = 6

	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ac := DefaultAgentConfig(srv.URL)
	ac.MaxSockets = maxSockets
	a := NewAgent(ac, discardLogger(), nil)
	defer a.Close()

	var wg sync.WaitGroup
	errs := make(chan error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", http.NoBody)
			resp, err := a.Do(req)
			if err != nil {
				errs <- err
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- errors.New(resp.Status)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("queued request failed: %v", err)
	}
	if p := peak.Load(); p > maxSockets {
		t.Errorf("peak concurrent upstream requests = %d, want <= %d", p, maxSockets)
	}
}
