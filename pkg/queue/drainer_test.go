package queue

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/fleetmesh/mesh/pkg/audit"
	"github.com/fleetmesh/mesh/pkg/circuit"
	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/envelope"
	"github.com/fleetmesh/mesh/pkg/registry"
	"github.com/fleetmesh/mesh/pkg/transport"
)

func writeHome(t *testing.T, self string, agents map[string]registry.Peer) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Home = t.TempDir()
	cfg.Queue.ReplaySpacingMS = 1
	if err := cfg.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}
	os.WriteFile(cfg.IdentityPath(), []byte(self+"\n"), 0644)
	data, _ := json.Marshal(map[string]interface{}{"agents": agents})
	os.WriteFile(cfg.RegistryPath(), data, 0644)
	return cfg
}

func queueEnvelope(t *testing.T, from, to string, ttl int) (string, string) {
	t.Helper()
	env, err := envelope.Build(from, to, envelope.TypeNotification, "queued", "later", envelope.BuildOptions{TTL: ttl})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	raw, _ := env.Marshal()
	return env.ID, string(raw)
}

func TestDrainReplaysAgainstLivePeer(t *testing.T) {
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wire transport.WireBody
		json.NewDecoder(r.Body).Decode(&wire)
		env, _ := envelope.Parse([]byte(wire.Message))
		received = append(received, env.ID)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()
	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	cfg := writeHome(t, "alpha", map[string]registry.Peer{
		"alpha": {IP: "127.0.0.1", Port: 9999, Token: "tok"},
		"bravo": {IP: host, Port: port, Token: "tok"},
	})
	reg, _ := registry.Load(cfg)
	pipeline := transport.NewPipeline(cfg, reg, circuit.New(cfg.CircuitsPath()), audit.New(cfg.AuditLogPath()))
	d := NewDrainer(cfg, reg, pipeline)

	id, raw := queueEnvelope(t, "alpha", "bravo", 600)
	pipeline.DeadLetters().Add(transport.DeadLetter{
		ID: id, Timestamp: time.Now(), To: "bravo", FailReason: "max_retries", Envelope: raw,
	})

	report, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Replayed != 1 || report.Remained != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(received) != 1 || received[0] != id {
		t.Fatalf("received = %v, want [%s]", received, id)
	}

	state, _ := d.State()
	if state.TotalReplayed != 1 {
		t.Fatalf("totalReplayed = %d", state.TotalReplayed)
	}
}

func TestDrainSkipsDeadTarget(t *testing.T) {
	cfg := writeHome(t, "alpha", map[string]registry.Peer{
		"alpha": {IP: "127.0.0.1", Port: 9999, Token: "tok"},
		"bravo": {IP: "127.0.0.1", Port: 1, Token: "tok"},
	})
	reg, _ := registry.Load(cfg)
	pipeline := transport.NewPipeline(cfg, reg, circuit.New(cfg.CircuitsPath()), audit.New(cfg.AuditLogPath()))
	d := NewDrainer(cfg, reg, pipeline)

	id, raw := queueEnvelope(t, "alpha", "bravo", 600)
	pipeline.DeadLetters().Add(transport.DeadLetter{
		ID: id, Timestamp: time.Now(), To: "bravo", FailReason: "max_retries", Envelope: raw,
	})

	report, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Skipped != 1 || report.Replayed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if n, _ := pipeline.DeadLetters().Len(); n != 1 {
		t.Fatalf("queue len = %d, message must stay queued", n)
	}
}

func TestPurgeExpired(t *testing.T) {
	cfg := writeHome(t, "alpha", map[string]registry.Peer{
		"alpha": {IP: "127.0.0.1", Port: 9999, Token: "tok"},
		"bravo": {IP: "127.0.0.1", Port: 1, Token: "tok"},
	})
	reg, _ := registry.Load(cfg)
	pipeline := transport.NewPipeline(cfg, reg, circuit.New(cfg.CircuitsPath()), audit.New(cfg.AuditLogPath()))
	d := NewDrainer(cfg, reg, pipeline)

	expID, expRaw := queueEnvelope(t, "alpha", "bravo", 1)
	liveID, liveRaw := queueEnvelope(t, "alpha", "bravo", 3600)
	pipeline.DeadLetters().Add(transport.DeadLetter{ID: expID, Timestamp: time.Now(), To: "bravo", Envelope: expRaw})
	pipeline.DeadLetters().Add(transport.DeadLetter{ID: liveID, Timestamp: time.Now(), To: "bravo", Envelope: liveRaw})

	purged, err := d.PurgeExpired(time.Now().Add(5 * time.Second))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	letters, _ := pipeline.DeadLetters().List()
	if len(letters) != 1 || letters[0].ID != liveID {
		t.Fatalf("letters = %+v", letters)
	}
}
