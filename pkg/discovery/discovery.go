package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/logger"
	"github.com/fleetmesh/mesh/pkg/registry"
	"github.com/fleetmesh/mesh/pkg/store"
)

type PeerHealth struct {
	IP                  string    `json:"ip"`
	Port                int       `json:"port"`
	LastProbe           time.Time `json:"lastProbe"`
	HTTPCode            int       `json:"httpCode,omitempty"`
	LatencyMs           int64     `json:"latencyMs"`
	Reachable           bool      `json:"reachable"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

type MeshHealth struct {
	Up    int `json:"up"`
	Down  int `json:"down"`
	Total int `json:"total"`
}

type RoutingTable struct {
	Self         string     `json:"self"`
	Hub          string     `json:"hub,omitempty"`
	Relay        string     `json:"relay,omitempty"`
	MeshHealth   MeshHealth `json:"meshHealth"`
	LastUpdated  time.Time  `json:"lastUpdated,omitzero"`
	LastElection time.Time  `json:"lastElection,omitzero"`
}

// Discoverer probes peers, maintains peer-health and the routing table, and
// runs the local relay election. Probes are deliberately cheap: a bare
// GET /api/status, never a POST to /hooks/* (that would wake the agent).
type Discoverer struct {
	cfg     *config.Config
	reg     *registry.Registry
	health  *store.File[map[string]PeerHealth]
	routing *store.File[RoutingTable]
	client  *http.Client
}

func New(cfg *config.Config, reg *registry.Registry) *Discoverer {
	timeout := time.Duration(cfg.Discovery.ProbeTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Discoverer{
		cfg: cfg,
		reg: reg,
		health: store.NewFile(cfg.PeerHealthPath(), func() map[string]PeerHealth {
			return map[string]PeerHealth{}
		}),
		routing: store.NewFile(cfg.RoutingPath(), func() RoutingTable {
			return RoutingTable{Self: reg.Self()}
		}),
		client: &http.Client{Timeout: timeout},
	}
}

func (d *Discoverer) Health() (map[string]PeerHealth, error) { return d.health.Snapshot() }
func (d *Discoverer) Routing() (RoutingTable, error)         { return d.routing.Snapshot() }

// ProbeAll probes every non-self peer and refreshes peer-health and the
// routing table's mesh summary.
func (d *Discoverer) ProbeAll(ctx context.Context) (map[string]PeerHealth, error) {
	peers := d.reg.Peers()
	results := make(map[string]PeerHealth, len(peers))

	for _, p := range peers {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}
		results[p.Name] = d.probe(ctx, p)
	}

	err := d.health.Mutate(func(m *map[string]PeerHealth) error {
		for name, h := range results {
			prev := (*m)[name]
			if !h.Reachable {
				h.ConsecutiveFailures = prev.ConsecutiveFailures + 1
			}
			(*m)[name] = h
			results[name] = h
		}
		return nil
	})
	if err != nil {
		return results, err
	}

	up, down := 0, 0
	for _, h := range results {
		if h.Reachable {
			up++
		} else {
			down++
		}
	}
	err = d.routing.Mutate(func(rt *RoutingTable) error {
		rt.Self = d.reg.Self()
		if hub, ok := d.reg.Hub(); ok {
			rt.Hub = hub.Name
		}
		rt.MeshHealth = MeshHealth{Up: up, Down: down, Total: len(results)}
		rt.LastUpdated = time.Now().UTC()
		return nil
	})

	d.logEvent("probe", map[string]interface{}{"up": up, "down": down, "total": len(results)})
	return results, err
}

func (d *Discoverer) probe(ctx context.Context, p registry.Peer) PeerHealth {
	h := PeerHealth{IP: p.IP, Port: p.Port, LastProbe: time.Now().UTC()}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.StatusURL(), nil)
	if err == nil {
		resp, err := d.client.Do(req)
		if err == nil {
			resp.Body.Close()
			h.HTTPCode = resp.StatusCode
			h.LatencyMs = time.Since(start).Milliseconds()
			h.Reachable = resp.StatusCode >= 200 && resp.StatusCode < 500
			if h.Reachable {
				return h
			}
		}
	}

	// No status endpoint; a plain TCP connect is enough to call the peer up.
	start = time.Now()
	conn, err := (&net.Dialer{Timeout: d.client.Timeout}).DialContext(ctx, "tcp", p.Addr())
	if err == nil {
		conn.Close()
		h.LatencyMs = time.Since(start).Milliseconds()
		h.Reachable = true
	}
	return h
}

// Elect picks a relay when the hub is unreachable from this node. The
// decision is purely local. Priority: a reachable peer with an explicit
// relay or sre role, else the reachable peer with the lowest latency.
func (d *Discoverer) Elect(ctx context.Context) (RoutingTable, error) {
	health, err := d.ProbeAll(ctx)
	if err != nil && len(health) == 0 {
		return RoutingTable{}, err
	}

	hub, hasHub := d.reg.Hub()
	hubUp := hasHub && health[hub.Name].Reachable

	var relay string
	if !hubUp {
		relay = d.pickRelay(health)
		if relay == "" {
			logger.WarnC("discover", "mesh partitioned: no relay candidates reachable")
		}
	}

	var rt RoutingTable
	err = d.routing.Mutate(func(t *RoutingTable) error {
		t.Self = d.reg.Self()
		if hasHub {
			t.Hub = hub.Name
		}
		t.Relay = relay
		t.LastElection = time.Now().UTC()
		t.LastUpdated = t.LastElection
		rt = *t
		return nil
	})

	d.logEvent("elect", map[string]interface{}{
		"hub":   rt.Hub,
		"hubUp": hubUp,
		"relay": rt.Relay,
	})
	return rt, err
}

func (d *Discoverer) pickRelay(health map[string]PeerHealth) string {
	type candidate struct {
		name    string
		role    string
		latency int64
	}
	var reachable []candidate
	for _, p := range d.reg.Peers() {
		h, ok := health[p.Name]
		if !ok || !h.Reachable {
			continue
		}
		reachable = append(reachable, candidate{name: p.Name, role: p.Role, latency: h.LatencyMs})
	}
	if len(reachable) == 0 {
		return ""
	}

	sort.Slice(reachable, func(i, j int) bool {
		if reachable[i].latency != reachable[j].latency {
			return reachable[i].latency < reachable[j].latency
		}
		return reachable[i].name < reachable[j].name
	})
	for _, c := range reachable {
		if c.role == registry.RoleRelay || c.role == registry.RoleSRE {
			return c.name
		}
	}
	return reachable[0].name
}

// GossipPayload is the hint snapshot broadcast to reachable peers.
type GossipPayload struct {
	From    string                `json:"from"`
	Routing RoutingTable          `json:"routing"`
	Health  map[string]PeerHealth `json:"health"`
}

// SendFunc posts a notification envelope to a peer. Injected by the caller
// so discovery stays independent of the send pipeline.
type SendFunc func(ctx context.Context, target, subject, body string) error

// Gossip broadcasts this node's routing table and health snapshot to every
// reachable peer. Best effort; failures are logged and skipped.
func (d *Discoverer) Gossip(ctx context.Context, send SendFunc) (sent int, err error) {
	health, err := d.Health()
	if err != nil {
		return 0, err
	}
	routing, err := d.Routing()
	if err != nil {
		return 0, err
	}

	body, err := json.Marshal(GossipPayload{From: d.reg.Self(), Routing: routing, Health: health})
	if err != nil {
		return 0, err
	}

	for _, p := range d.reg.Peers() {
		if h, ok := health[p.Name]; ok && !h.Reachable {
			continue
		}
		if err := send(ctx, p.Name, "mesh.gossip", string(body)); err != nil {
			logger.DebugCF("discover", "gossip send failed", map[string]interface{}{
				"peer":  p.Name,
				"error": err.Error(),
			})
			continue
		}
		sent++
	}
	d.logEvent("gossip", map[string]interface{}{"sent": sent})
	return sent, nil
}

// HandleGossip records a received gossip payload as hint information. It
// never overrides directly observed state: only peers this node has not
// probed are annotated.
func (d *Discoverer) HandleGossip(raw []byte) error {
	var g GossipPayload
	if err := json.Unmarshal(raw, &g); err != nil {
		return fmt.Errorf("parse gossip: %w", err)
	}
	err := d.health.Mutate(func(m *map[string]PeerHealth) error {
		for name, h := range g.Health {
			if name == d.reg.Self() || name == g.From {
				continue
			}
			if _, probed := (*m)[name]; probed {
				continue
			}
			(*m)[name] = h
		}
		return nil
	})
	d.logEvent("gossip-recv", map[string]interface{}{"from": g.From, "peers": len(g.Health)})
	return err
}

func (d *Discoverer) logEvent(event string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"ts":    time.Now().UTC().Format(time.RFC3339),
		"event": event,
	}
	for k, v := range fields {
		entry[k] = v
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	path := d.cfg.DiscoverLogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}
