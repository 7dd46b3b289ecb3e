package dashboard

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetmesh/mesh/pkg/audit"
	"github.com/fleetmesh/mesh/pkg/circuit"
	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/logger"
	"github.com/fleetmesh/mesh/pkg/registry"
	"github.com/fleetmesh/mesh/pkg/transport"
)

const summaryTail = 200

type AgentStats struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
	Failed   int `json:"failed"`
}

type Stats struct {
	TotalSent     int                   `json:"totalSent"`
	TotalReceived int                   `json:"totalReceived"`
	TotalFailed   int                   `json:"totalFailed"`
	ByAgent       map[string]AgentStats `json:"byAgent"`
	ByType        map[string]int        `json:"byType"`
	Last24h       int                   `json:"last24h"`
}

type Summary struct {
	Agent           string                    `json:"agent"`
	Messages        []audit.Entry             `json:"messages"`
	Stats           Stats                     `json:"stats"`
	CircuitBreakers map[string]circuit.Record `json:"circuitBreakers"`
	DeadLetters     []transport.DeadLetter    `json:"deadLetters"`
	Registry        []registry.Peer           `json:"registry"`
}

// API serves the monitoring surface: an aggregated summary of the audit
// tail and state stores, a live websocket feed of audit events, and the
// notification sink peers post conversation responses to.
type API struct {
	cfg         *config.Config
	reg         *registry.Registry
	auditLog    *audit.Log
	breaker     *circuit.Breaker
	deadLetters *transport.DeadLetterStore

	upgrader websocket.Upgrader

	mu        sync.Mutex
	clients   map[*websocket.Conn]struct{}
	responses []map[string]interface{}
}

func NewAPI(cfg *config.Config, reg *registry.Registry, auditLog *audit.Log, breaker *circuit.Breaker, deadLetters *transport.DeadLetterStore) *API {
	a := &API{
		cfg:         cfg,
		reg:         reg,
		auditLog:    auditLog,
		breaker:     breaker,
		deadLetters: deadLetters,
		upgrader: websocket.Upgrader{
			// The mesh runs on a trusted LAN; the dashboard may be served
			// from a different port on the same host.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*websocket.Conn]struct{}{},
	}
	auditLog.Subscribe(a.broadcast)
	return a
}

// Mount registers the dashboard endpoints on the webhook server's mux.
func (a *API) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/mesh/summary", a.handleSummary)
	mux.HandleFunc("GET /api/mesh/ws", a.handleWS)
	mux.HandleFunc("POST /api/mesh/response", a.handleResponseSink)
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary := Summary{
		Agent: a.reg.Self(),
		Stats: Stats{
			ByAgent: map[string]AgentStats{},
			ByType:  map[string]int{},
		},
		Registry: a.reg.Peers(),
	}

	entries, err := a.auditLog.Tail(summaryTail)
	if err != nil {
		logger.WarnCF("dashboard", "audit tail failed", map[string]interface{}{"error": err.Error()})
	}
	summary.Messages = entries

	dayAgo := time.Now().UTC().Add(-24 * time.Hour)
	for _, e := range entries {
		summary.Stats.ByType[e.Type]++
		agentStats := summary.Stats.ByAgent[e.To]
		switch {
		case e.Status == "sent" || len(e.Status) > 11 && e.Status[:11] == "relayed_via":
			summary.Stats.TotalSent++
			agentStats.Sent++
		case e.Status == "received":
			summary.Stats.TotalReceived++
			agentStats.Received++
		case e.Status == "failed" || e.Status == "circuit_open" || len(e.Status) >= 12 && e.Status[:12] == "client_error":
			summary.Stats.TotalFailed++
			agentStats.Failed++
		}
		summary.Stats.ByAgent[e.To] = agentStats

		if ts, perr := time.Parse("2006-01-02T15:04:05.000Z", e.TS); perr == nil && ts.After(dayAgo) {
			summary.Stats.Last24h++
		}
	}

	if breakers, err := a.breaker.Snapshot(); err == nil {
		summary.CircuitBreakers = breakers
	}
	if letters, err := a.deadLetters.List(); err == nil {
		summary.DeadLetters = letters
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.clients[conn] = struct{}{}
	a.mu.Unlock()
	logger.DebugC("dashboard", "websocket client connected")

	// Reader loop only to detect close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				a.drop(conn)
				return
			}
		}
	}()
}

func (a *API) drop(conn *websocket.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.clients[conn]; ok {
		delete(a.clients, conn)
		conn.Close()
	}
}

// broadcast pushes one audit entry to every connected websocket client.
func (a *API) broadcast(e audit.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	a.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(a.clients))
	for c := range a.clients {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			a.drop(c)
		}
	}
}

// handleResponseSink accepts the best-effort notification peers send after
// delivering a conversation response; it only feeds the UI.
func (a *API) handleResponseSink(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1024*1024))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	a.responses = append(a.responses, payload)
	if len(a.responses) > summaryTail {
		a.responses = a.responses[len(a.responses)-summaryTail:]
	}
	a.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// Responses returns the recent conversation-response notifications.
func (a *API) Responses() []map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]map[string]interface{}, len(a.responses))
	copy(out, a.responses)
	return out
}
