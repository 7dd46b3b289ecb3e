package registry

import (
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/fleetmesh/mesh/pkg/config"
)

func writeHome(t *testing.T, self string, registryJSON string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Home = t.TempDir()
	if err := cfg.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}
	os.WriteFile(cfg.IdentityPath(), []byte(self+"\n"), 0644)
	if registryJSON != "" {
		os.WriteFile(cfg.RegistryPath(), []byte(registryJSON), 0644)
	}
	return cfg
}

const sampleRegistry = `{
  // fleet directory
  "agents": {
    "alpha":   {"ip": "10.0.0.1", "port": 8900, "token": "a-tok"},
    "bravo":   {"ip": "10.0.0.2", "port": 8900, "token": "b-tok", "signing": true},
    "charlie": {"ip": "10.0.0.3", "port": 8901, "token": "c-tok", "role": "hub"}
  }
}`

func TestLoadParsesIdentityAndPeers(t *testing.T) {
	cfg := writeHome(t, "alpha", sampleRegistry)
	reg, err := Load(cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reg.Self() != "alpha" {
		t.Fatalf("self = %q", reg.Self())
	}

	p, err := reg.Peer("bravo")
	if err != nil {
		t.Fatalf("peer: %v", err)
	}
	if p.IP != "10.0.0.2" || !p.Signing {
		t.Fatalf("bravo = %+v", p)
	}

	peers := reg.Peers()
	if len(peers) != 2 {
		t.Fatalf("peers = %d (self must be excluded)", len(peers))
	}
}

func TestUnknownPeer(t *testing.T) {
	cfg := writeHome(t, "alpha", sampleRegistry)
	reg, _ := Load(cfg)
	_, err := reg.Peer("nobody")
	if !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("err = %v, want ErrUnknownPeer", err)
	}
}

func TestHubSelection(t *testing.T) {
	cfg := writeHome(t, "alpha", sampleRegistry)
	reg, _ := Load(cfg)
	hub, ok := reg.Hub()
	if !ok || hub.Name != "charlie" {
		t.Fatalf("hub = %+v, want charlie (role=hub)", hub)
	}

	// Without an explicit hub role, the lexically first peer wins.
	cfg2 := writeHome(t, "alpha", `{"agents":{
	  "alpha": {"ip":"10.0.0.1","port":1,"token":"t"},
	  "zulu":  {"ip":"10.0.0.9","port":1,"token":"t"},
	  "bravo": {"ip":"10.0.0.2","port":1,"token":"t"}}}`)
	reg2, _ := Load(cfg2)
	hub2, _ := reg2.Hub()
	if hub2.Name != "bravo" {
		t.Fatalf("hub = %q, want bravo", hub2.Name)
	}
}

func TestHookURLs(t *testing.T) {
	p := Peer{Name: "bravo", IP: "10.0.0.2", Port: 8900}
	if got := p.HookURL("alpha"); got != "http://10.0.0.2:8900/hooks/alpha" {
		t.Fatalf("hook url = %q", got)
	}
	p.HookPath = "/custom/hook"
	if got := p.HookURL("alpha"); got != "http://10.0.0.2:8900/custom/hook" {
		t.Fatalf("custom hook url = %q", got)
	}
	if got := p.AgentHookURL(); got != "http://10.0.0.2:8900/hooks/agent" {
		t.Fatalf("agent hook url = %q", got)
	}
}

func TestUpsertPersistsAtomicallyWithTightPerms(t *testing.T) {
	cfg := writeHome(t, "alpha", sampleRegistry)
	reg, _ := Load(cfg)

	err := reg.Upsert(Peer{Name: "delta", IP: "10.0.0.4", Port: 8900, Token: "d-tok"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	info, err := os.Stat(cfg.RegistryPath())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("perm = %o, want 0600", info.Mode().Perm())
	}

	reloaded, err := Load(cfg)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := reloaded.Peer("delta"); err != nil {
		t.Fatalf("delta missing after reload: %v", err)
	}

	var rf struct {
		Agents map[string]json.RawMessage `json:"agents"`
	}
	data, _ := os.ReadFile(cfg.RegistryPath())
	if err := json.Unmarshal(data, &rf); err != nil {
		t.Fatalf("written registry not valid json: %v", err)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	cfg := writeHome(t, "alpha", sampleRegistry)
	reg, _ := Load(cfg)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	if err := WriteKey(cfg.SigningKeyPath("bravo"), key); err != nil {
		t.Fatalf("write key: %v", err)
	}

	info, _ := os.Stat(cfg.SigningKeyPath("bravo"))
	if info.Mode().Perm() != 0600 {
		t.Fatalf("key perm = %o, want 0600", info.Mode().Perm())
	}

	got, err := reg.SigningKey("bravo")
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	if string(got) != string(key) {
		t.Fatal("key round trip mismatch")
	}
}

func TestEncryptionKeyFleetFallback(t *testing.T) {
	cfg := writeHome(t, "alpha", sampleRegistry)
	reg, _ := Load(cfg)

	fleet := make([]byte, 32)
	if err := WriteKey(cfg.EncryptionKeyPath("fleet"), fleet); err != nil {
		t.Fatalf("write fleet key: %v", err)
	}

	got, err := reg.EncryptionKey("bravo")
	if err != nil {
		t.Fatalf("fleet fallback failed: %v", err)
	}
	if len(got) != 32 {
		t.Fatalf("key len = %d", len(got))
	}
}

func TestIsSigning(t *testing.T) {
	cfg := writeHome(t, "alpha", sampleRegistry)
	reg, _ := Load(cfg)
	if !reg.IsSigning("bravo") {
		t.Fatal("bravo should be signing")
	}
	if reg.IsSigning("charlie") {
		t.Fatal("charlie should not be signing")
	}
	if reg.IsSigning("nobody") {
		t.Fatal("unknown peer should not be signing")
	}
}
