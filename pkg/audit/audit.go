package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetmesh/mesh/pkg/logger"
)

// Entry is one line of the append-only audit trail. The audit log is the
// authoritative record of every envelope sent or received and of every drop.
type Entry struct {
	TS             string          `json:"ts"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Type           string          `json:"type"`
	ID             string          `json:"id"`
	Subject        string          `json:"subject"`
	Body           string          `json:"body,omitempty"`
	Status         string          `json:"status"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	ReplyContext   json.RawMessage `json:"replyContext,omitempty"`
	Signed         bool            `json:"signed"`
	Session        string          `json:"session,omitempty"`
}

type Log struct {
	path string
	mu   sync.Mutex
	subs []func(Entry)
}

func New(path string) *Log {
	return &Log{path: path}
}

func (l *Log) Path() string { return l.path }

// Subscribe registers a callback invoked for every appended entry. Used by
// the dashboard live feed.
func (l *Log) Subscribe(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}

// Append writes one JSONL record. Append failures are logged, never fatal:
// dropping a message over an audit write would invert the priorities.
func (l *Log) Append(e Entry) {
	if e.TS == "" {
		e.TS = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	}

	data, err := json.Marshal(e)
	if err != nil {
		logger.ErrorCF("audit", "marshal entry failed", map[string]interface{}{"error": err.Error()})
		return
	}

	l.mu.Lock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err == nil {
		if f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			f.Write(append(data, '\n'))
			f.Close()
		} else {
			logger.ErrorCF("audit", "append failed", map[string]interface{}{"error": err.Error()})
		}
	}
	subs := make([]func(Entry), len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}

// Tail returns up to n most recent entries, oldest first. Unparsable lines
// are skipped.
func (l *Log) Tail(n int) ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
		if n > 0 && len(entries) > n {
			entries = entries[1:]
		}
	}
	return entries, scanner.Err()
}
