package dashboard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/fleetmesh/mesh/pkg/audit"
	"github.com/fleetmesh/mesh/pkg/circuit"
	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/registry"
	"github.com/fleetmesh/mesh/pkg/transport"
)

func newTestAPI(t *testing.T) (*API, *audit.Log, *http.ServeMux) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Home = t.TempDir()
	if err := cfg.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}
	os.WriteFile(cfg.IdentityPath(), []byte("alpha\n"), 0644)
	os.WriteFile(cfg.RegistryPath(), []byte(`{"agents":{"alpha":{"ip":"127.0.0.1","port":1,"token":"t"},"bravo":{"ip":"127.0.0.1","port":2,"token":"t"}}}`), 0644)

	reg, err := registry.Load(cfg)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	auditLog := audit.New(cfg.AuditLogPath())
	breaker := circuit.New(cfg.CircuitsPath())
	letters := transport.NewDeadLetterStore(cfg.DeadLettersPath(), 10)

	api := NewAPI(cfg, reg, auditLog, breaker, letters)
	mux := http.NewServeMux()
	api.Mount(mux)
	return api, auditLog, mux
}

func TestSummaryAggregates(t *testing.T) {
	_, auditLog, mux := newTestAPI(t)
	auditLog.Append(audit.Entry{From: "alpha", To: "bravo", Type: "request", ID: "m1", Status: "sent"})
	auditLog.Append(audit.Entry{From: "bravo", To: "alpha", Type: "response", ID: "m2", Status: "received"})
	auditLog.Append(audit.Entry{From: "alpha", To: "bravo", Type: "request", ID: "m3", Status: "failed"})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/mesh/summary", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var summary Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("parse summary: %v", err)
	}
	if summary.Agent != "alpha" {
		t.Fatalf("agent = %q", summary.Agent)
	}
	if summary.Stats.TotalSent != 1 || summary.Stats.TotalReceived != 1 || summary.Stats.TotalFailed != 1 {
		t.Fatalf("stats = %+v", summary.Stats)
	}
	if summary.Stats.ByType["request"] != 2 {
		t.Fatalf("byType = %v", summary.Stats.ByType)
	}
	if len(summary.Messages) != 3 {
		t.Fatalf("messages = %d", len(summary.Messages))
	}
	if summary.Stats.Last24h != 3 {
		t.Fatalf("last24h = %d", summary.Stats.Last24h)
	}
}

func TestResponseSink(t *testing.T) {
	api, _, mux := newTestAPI(t)
	payload := []byte(`{"conversationId":"conv_1","from":"bravo","body":"47","ts":"x"}`)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/mesh/response", bytes.NewReader(payload)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}

	responses := api.Responses()
	if len(responses) != 1 || responses[0]["conversationId"] != "conv_1" {
		t.Fatalf("responses = %+v", responses)
	}
}

func TestResponseSinkRejectsBadJSON(t *testing.T) {
	_, _, mux := newTestAPI(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/mesh/response", bytes.NewReader([]byte("nope"))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
