package session

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetmesh/mesh/pkg/audit"
	"github.com/fleetmesh/mesh/pkg/circuit"
	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/envelope"
	"github.com/fleetmesh/mesh/pkg/registry"
	"github.com/fleetmesh/mesh/pkg/transport"
)

func newTestRouter(t *testing.T) (*Router, *transport.Pipeline, func() []*envelope.Envelope) {
	t.Helper()

	var mu sync.Mutex
	var delivered []*envelope.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wire transport.WireBody
		json.NewDecoder(r.Body).Decode(&wire)
		if env, err := envelope.Parse([]byte(wire.Message)); err == nil {
			mu.Lock()
			delivered = append(delivered, env)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)
	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	cfg := config.DefaultConfig()
	cfg.Home = t.TempDir()
	cfg.Session.RingSize = 5
	if err := cfg.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}
	os.WriteFile(cfg.IdentityPath(), []byte("alpha\n"), 0644)
	agents := map[string]registry.Peer{
		"alpha":   {IP: "127.0.0.1", Port: 9999, Token: "tok"},
		"bravo":   {IP: host, Port: port, Token: "tok"},
		"charlie": {IP: host, Port: port, Token: "tok"},
	}
	data, _ := json.Marshal(map[string]interface{}{"agents": agents})
	os.WriteFile(cfg.RegistryPath(), data, 0644)

	reg, err := registry.Load(cfg)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	pipeline := transport.NewPipeline(cfg, reg, circuit.New(cfg.CircuitsPath()), audit.New(cfg.AuditLogPath()))
	router := NewRouter(cfg, reg, pipeline)

	return router, pipeline, func() []*envelope.Envelope {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*envelope.Envelope, len(delivered))
		copy(out, delivered)
		return out
	}
}

func inboundEnvelope(t *testing.T, from, to, key, body string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.Build(from, to, envelope.TypeNotification, "chat", body, envelope.BuildOptions{
		Session: &envelope.Session{Key: key},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return env
}

func TestSessionInitializedOnFirstSight(t *testing.T) {
	router, _, _ := newTestRouter(t)
	router.RecordInbound(inboundEnvelope(t, "bravo", "alpha", "ops", "hello"))

	rec, err := router.Get("ops")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusActive {
		t.Fatalf("status = %q", rec.Status)
	}
	if len(rec.Participants) != 2 {
		t.Fatalf("participants = %v", rec.Participants)
	}
	if len(rec.Messages) != 1 {
		t.Fatalf("messages = %d", len(rec.Messages))
	}
}

func TestRingBounded(t *testing.T) {
	router, _, _ := newTestRouter(t)
	for i := 0; i < 12; i++ {
		router.RecordInbound(inboundEnvelope(t, "bravo", "alpha", "ops", "msg"))
	}
	rec, _ := router.Get("ops")
	if len(rec.Messages) != 5 {
		t.Fatalf("ring = %d messages, want 5", len(rec.Messages))
	}
}

func TestOutboundRecordedViaPipelineHook(t *testing.T) {
	router, pipeline, _ := newTestRouter(t)

	out := pipeline.Send(context.Background(), "bravo", envelope.TypeNotification, "chat", "ping", transport.SendOptions{
		Session: &envelope.Session{Key: "ops"},
	})
	if !out.OK() {
		t.Fatalf("send: %v", out.Err)
	}

	rec, err := router.Get("ops")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rec.Messages) != 1 || rec.Messages[0].To != "bravo" {
		t.Fatalf("messages = %+v", rec.Messages)
	}
}

func TestSessionSendFansOutWithContext(t *testing.T) {
	router, _, delivered := newTestRouter(t)
	router.RecordInbound(inboundEnvelope(t, "bravo", "alpha", "ops", "earlier context"))
	router.RecordInbound(inboundEnvelope(t, "charlie", "alpha", "ops", "more context"))

	result, err := router.Send(context.Background(), "ops", "", "what next?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(result.Sent) != 2 {
		t.Fatalf("sent = %v failed = %v", result.Sent, result.Failed)
	}

	envs := delivered()
	if len(envs) != 2 {
		t.Fatalf("delivered = %d", len(envs))
	}
	for _, env := range envs {
		if !strings.Contains(env.Payload.Body, "earlier context") {
			t.Fatalf("context block missing from body:\n%s", env.Payload.Body)
		}
		if !strings.Contains(env.Payload.Body, "what next?") {
			t.Fatal("new message missing from body")
		}
		if env.Payload.Metadata["sessionContext"] == nil {
			t.Fatal("metadata.sessionContext missing")
		}
		if env.SessionKey() != "ops" {
			t.Fatalf("sessionKey = %q", env.SessionKey())
		}
	}
}

func TestCleanupClosesIdleSessions(t *testing.T) {
	router, _, _ := newTestRouter(t)
	router.RecordInbound(inboundEnvelope(t, "bravo", "alpha", "stale", "old"))

	closed, err := router.Cleanup(time.Now().Add(25 * time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if closed != 1 {
		t.Fatalf("closed = %d", closed)
	}
	rec, _ := router.Get("stale")
	if rec.Status != StatusClosed {
		t.Fatalf("status = %q", rec.Status)
	}

	// A fresh session survives.
	router.RecordInbound(inboundEnvelope(t, "bravo", "alpha", "fresh", "new"))
	closed, _ = router.Cleanup(time.Now().Add(time.Minute))
	if closed != 0 {
		t.Fatalf("fresh session closed: %d", closed)
	}
}
