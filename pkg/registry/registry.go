package registry

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/fleetmesh/mesh/pkg/config"
)

var ErrUnknownPeer = errors.New("unknown peer")

const (
	RoleHub   = "hub"
	RoleRelay = "relay"
	RoleSRE   = "sre"
	RolePeer  = "peer"
)

type Peer struct {
	Name     string `json:"-"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Token    string `json:"token"`
	Role     string `json:"role,omitempty"`
	HookPath string `json:"hookPath,omitempty"`
	Signing  bool   `json:"signing,omitempty"`
}

// HookURL is the webhook endpoint for messages from sender. An empty
// hookPath defaults to /hooks/{sender}.
func (p Peer) HookURL(sender string) string {
	path := p.HookPath
	if path == "" {
		path = "/hooks/" + sender
	}
	return fmt.Sprintf("http://%s:%d%s", p.IP, p.Port, path)
}

func (p Peer) AgentHookURL() string {
	return fmt.Sprintf("http://%s:%d/hooks/agent", p.IP, p.Port)
}

func (p Peer) StatusURL() string {
	return fmt.Sprintf("http://%s:%d/api/status", p.IP, p.Port)
}

func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

type registryFile struct {
	Agents map[string]Peer `json:"agents"`
}

// Registry is the node-local peer directory plus self identity. Read-mostly;
// operator writes go through Upsert, which saves atomically and tightens
// permissions.
type Registry struct {
	cfg   *config.Config
	self  string
	peers map[string]Peer
}

// Load reads config/identity and config/agent-registry.json.
func Load(cfg *config.Config) (*Registry, error) {
	identity, err := os.ReadFile(cfg.IdentityPath())
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	self := strings.TrimSpace(string(identity))
	if self == "" {
		return nil, fmt.Errorf("identity file %s is empty", cfg.IdentityPath())
	}

	peers := map[string]Peer{}
	if data, err := os.ReadFile(cfg.RegistryPath()); err == nil {
		var rf registryFile
		if err := json.Unmarshal(jsonc.ToJSON(data), &rf); err != nil {
			return nil, fmt.Errorf("parse registry: %w", err)
		}
		for name, p := range rf.Agents {
			p.Name = name
			peers[name] = p
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	return &Registry{cfg: cfg, self: self, peers: peers}, nil
}

func (r *Registry) Self() string { return r.self }

func (r *Registry) Peer(name string) (Peer, error) {
	p, ok := r.peers[name]
	if !ok {
		return Peer{}, fmt.Errorf("%w: %s", ErrUnknownPeer, name)
	}
	return p, nil
}

// Peers returns all entries except self, sorted by name.
func (r *Registry) Peers() []Peer {
	out := make([]Peer, 0, len(r.peers))
	for name, p := range r.peers {
		if name == r.self {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SelfPeer returns this node's own registry entry, if present.
func (r *Registry) SelfPeer() (Peer, bool) {
	p, ok := r.peers[r.self]
	return p, ok
}

func (r *Registry) IsSigning(name string) bool {
	p, ok := r.peers[name]
	return ok && p.Signing
}

// Hub returns the designated hub: the entry with role=hub, else the
// lexically first peer.
func (r *Registry) Hub() (Peer, bool) {
	peers := r.Peers()
	for _, p := range peers {
		if p.Role == RoleHub {
			return p, true
		}
	}
	if len(peers) > 0 {
		return peers[0], true
	}
	return Peer{}, false
}

// Upsert adds or replaces a peer entry and persists the registry.
func (r *Registry) Upsert(p Peer) error {
	if p.Name == "" {
		return fmt.Errorf("peer name required")
	}
	r.peers[p.Name] = p
	return r.save()
}

func (r *Registry) save() error {
	rf := registryFile{Agents: r.peers}
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return err
	}
	path := r.cfg.RegistryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".agent-registry.*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return os.Chmod(path, 0600)
}

// SigningKey loads the shared HMAC key for peer. Keys are 256-bit hex.
func (r *Registry) SigningKey(peer string) ([]byte, error) {
	return readKey(r.cfg.SigningKeyPath(peer))
}

// EncryptionKey loads the shared AES key for peer, falling back to the
// fleet-wide key.
func (r *Registry) EncryptionKey(peer string) ([]byte, error) {
	key, err := readKey(r.cfg.EncryptionKeyPath(peer))
	if err == nil {
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	return readKey(r.cfg.EncryptionKeyPath("fleet"))
}

// WriteKey stores a key file with owner-only permissions.
func WriteKey(path string, key []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return err
	}
	return os.Chmod(path, 0600)
}

func readKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key %s: %w", path, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key %s is %d bytes, want 32", path, len(key))
	}
	return key, nil
}
