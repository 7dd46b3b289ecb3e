package discovery

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"

	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/registry"
)

func writeHome(t *testing.T, self string, agents map[string]registry.Peer) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Home = t.TempDir()
	cfg.Discovery.ProbeTimeoutSec = 1
	if err := cfg.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}
	os.WriteFile(cfg.IdentityPath(), []byte(self+"\n"), 0644)
	data, _ := json.Marshal(map[string]interface{}{"agents": agents})
	os.WriteFile(cfg.RegistryPath(), data, 0644)
	return cfg
}

func statusServer(t *testing.T) (string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func TestProbeAllRecordsHealth(t *testing.T) {
	host, port := statusServer(t)
	cfg := writeHome(t, "alpha", map[string]registry.Peer{
		"alpha": {IP: "127.0.0.1", Port: 9999, Token: "tok"},
		"bravo": {IP: host, Port: port, Token: "tok"},
		"ghost": {IP: "127.0.0.1", Port: 1, Token: "tok"},
	})
	reg, _ := registry.Load(cfg)
	d := New(cfg, reg)

	health, err := d.ProbeAll(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !health["bravo"].Reachable {
		t.Fatal("bravo not reachable")
	}
	if health["ghost"].Reachable {
		t.Fatal("ghost reported reachable")
	}
	if health["ghost"].ConsecutiveFailures != 1 {
		t.Fatalf("ghost failures = %d", health["ghost"].ConsecutiveFailures)
	}

	rt, _ := d.Routing()
	if rt.MeshHealth.Up != 1 || rt.MeshHealth.Down != 1 || rt.MeshHealth.Total != 2 {
		t.Fatalf("meshHealth = %+v", rt.MeshHealth)
	}
}

func TestConsecutiveFailuresAccumulate(t *testing.T) {
	cfg := writeHome(t, "alpha", map[string]registry.Peer{
		"alpha": {IP: "127.0.0.1", Port: 9999, Token: "tok"},
		"ghost": {IP: "127.0.0.1", Port: 1, Token: "tok"},
	})
	reg, _ := registry.Load(cfg)
	d := New(cfg, reg)

	d.ProbeAll(context.Background())
	health, _ := d.ProbeAll(context.Background())
	if health["ghost"].ConsecutiveFailures != 2 {
		t.Fatalf("failures = %d, want 2", health["ghost"].ConsecutiveFailures)
	}
}

func TestElectPicksRelayWhenHubDown(t *testing.T) {
	host, port := statusServer(t)
	cfg := writeHome(t, "alpha", map[string]registry.Peer{
		"alpha": {IP: "127.0.0.1", Port: 9999, Token: "tok"},
		// Hub is dead.
		"hubby": {IP: "127.0.0.1", Port: 1, Token: "tok", Role: registry.RoleHub},
		"bravo": {IP: host, Port: port, Token: "tok"},
	})
	reg, _ := registry.Load(cfg)
	d := New(cfg, reg)

	rt, err := d.Elect(context.Background())
	if err != nil {
		t.Fatalf("elect: %v", err)
	}
	if rt.Hub != "hubby" {
		t.Fatalf("hub = %q", rt.Hub)
	}
	if rt.Relay != "bravo" {
		t.Fatalf("relay = %q, want bravo", rt.Relay)
	}
	if rt.LastElection.IsZero() {
		t.Fatal("lastElection not recorded")
	}
}

func TestElectPrefersExplicitRelayRole(t *testing.T) {
	host, port := statusServer(t)
	cfg := writeHome(t, "alpha", map[string]registry.Peer{
		"alpha": {IP: "127.0.0.1", Port: 9999, Token: "tok"},
		"hubby": {IP: "127.0.0.1", Port: 1, Token: "tok", Role: registry.RoleHub},
		"bravo": {IP: host, Port: port, Token: "tok"},
		"sarah": {IP: host, Port: port, Token: "tok", Role: registry.RoleSRE},
	})
	reg, _ := registry.Load(cfg)
	d := New(cfg, reg)

	rt, err := d.Elect(context.Background())
	if err != nil {
		t.Fatalf("elect: %v", err)
	}
	if rt.Relay != "sarah" {
		t.Fatalf("relay = %q, want sarah (explicit role wins)", rt.Relay)
	}
}

func TestElectNoRelayWhenHubUp(t *testing.T) {
	host, port := statusServer(t)
	cfg := writeHome(t, "alpha", map[string]registry.Peer{
		"alpha": {IP: "127.0.0.1", Port: 9999, Token: "tok"},
		"hubby": {IP: host, Port: port, Token: "tok", Role: registry.RoleHub},
	})
	reg, _ := registry.Load(cfg)
	d := New(cfg, reg)

	rt, err := d.Elect(context.Background())
	if err != nil {
		t.Fatalf("elect: %v", err)
	}
	if rt.Relay != "" {
		t.Fatalf("relay = %q, want none while hub is up", rt.Relay)
	}
}

func TestGossipHintsDoNotOverrideObserved(t *testing.T) {
	cfg := writeHome(t, "alpha", map[string]registry.Peer{
		"alpha": {IP: "127.0.0.1", Port: 9999, Token: "tok"},
		"ghost": {IP: "127.0.0.1", Port: 1, Token: "tok"},
	})
	reg, _ := registry.Load(cfg)
	d := New(cfg, reg)

	// Direct observation: ghost is down.
	d.ProbeAll(context.Background())

	payload, _ := json.Marshal(GossipPayload{
		From: "bravo",
		Health: map[string]PeerHealth{
			"ghost":  {Reachable: true},
			"mystic": {Reachable: true, LatencyMs: 5},
		},
	})
	if err := d.HandleGossip(payload); err != nil {
		t.Fatalf("gossip: %v", err)
	}

	health, _ := d.Health()
	if health["ghost"].Reachable {
		t.Fatal("gossip overrode directly observed state")
	}
	if !health["mystic"].Reachable {
		t.Fatal("unknown peer hint not recorded")
	}
}

func TestGossipSendsToReachablePeers(t *testing.T) {
	host, port := statusServer(t)
	cfg := writeHome(t, "alpha", map[string]registry.Peer{
		"alpha": {IP: "127.0.0.1", Port: 9999, Token: "tok"},
		"bravo": {IP: host, Port: port, Token: "tok"},
		"ghost": {IP: "127.0.0.1", Port: 1, Token: "tok"},
	})
	reg, _ := registry.Load(cfg)
	d := New(cfg, reg)
	d.ProbeAll(context.Background())

	var targets []string
	sent, err := d.Gossip(context.Background(), func(ctx context.Context, target, subject, body string) error {
		targets = append(targets, target)
		var g GossipPayload
		if err := json.Unmarshal([]byte(body), &g); err != nil {
			t.Fatalf("gossip body: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("gossip: %v", err)
	}
	if sent != 1 || len(targets) != 1 || targets[0] != "bravo" {
		t.Fatalf("sent=%d targets=%v, want just bravo", sent, targets)
	}
}
