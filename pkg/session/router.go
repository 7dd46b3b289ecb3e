package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/envelope"
	"github.com/fleetmesh/mesh/pkg/logger"
	"github.com/fleetmesh/mesh/pkg/registry"
	"github.com/fleetmesh/mesh/pkg/store"
	"github.com/fleetmesh/mesh/pkg/transport"
)

const (
	StatusActive = "active"
	StatusClosed = "closed"

	DefaultRingSize = 50

	contextMessages = 10
	contextBodyTrim = 400
)

type Message struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
	Body string `json:"body"`
	TS   string `json:"ts"`
}

type Record struct {
	SessionKey   string    `json:"sessionKey"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"lastActivity"`
	Status       string    `json:"status"`
	Participants []string  `json:"participants"`
	Messages     []Message `json:"messages"`
	Label        string    `json:"label,omitempty"`
	User         string    `json:"user,omitempty"`
}

// Router keeps one durable bounded chat context per sessionKey and fans
// session sends to every other participant. Each node keeps its own copy
// of the record, updated by the envelopes that pass through it.
type Router struct {
	cfg      *config.Config
	reg      *registry.Registry
	pipeline *transport.Pipeline
	ring     int
}

func NewRouter(cfg *config.Config, reg *registry.Registry, pipeline *transport.Pipeline) *Router {
	ring := cfg.Session.RingSize
	if ring <= 0 {
		ring = DefaultRingSize
	}
	r := &Router{cfg: cfg, reg: reg, pipeline: pipeline, ring: ring}
	pipeline.OnOutboundSession = r.RecordOutbound
	return r
}

func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.' {
			return r
		}
		return '_'
	}, key)
}

func (r *Router) file(key string) *store.File[Record] {
	return store.NewFile[Record](filepath.Join(r.cfg.SessionsDir(), sanitizeKey(key)+".json"), nil)
}

// RecordInbound appends an inbound envelope that carries a session key.
func (r *Router) RecordInbound(env *envelope.Envelope) {
	r.record(env)
}

// RecordOutbound appends an outbound envelope; installed as the send
// pipeline's session hook.
func (r *Router) RecordOutbound(env *envelope.Envelope) {
	r.record(env)
}

func (r *Router) record(env *envelope.Envelope) {
	key := env.SessionKey()
	if key == "" {
		return
	}
	err := r.file(key).Mutate(func(rec *Record) error {
		now := time.Now().UTC()
		if rec.SessionKey == "" {
			rec.SessionKey = key
			rec.Created = now
			rec.Status = StatusActive
			if env.Session != nil {
				rec.Label = env.Session.Label
				rec.User = env.Session.User
			}
			logger.InfoCF("session", "session initialized", map[string]interface{}{"key": key})
		}
		rec.LastActivity = now
		rec.Status = StatusActive
		rec.Participants = addParticipant(rec.Participants, env.From)
		rec.Participants = addParticipant(rec.Participants, env.To)

		rec.Messages = append(rec.Messages, Message{
			ID:   env.ID,
			From: env.From,
			To:   env.To,
			Type: env.Type,
			Body: env.Payload.Body,
			TS:   env.Timestamp,
		})
		if len(rec.Messages) > r.ring {
			rec.Messages = rec.Messages[len(rec.Messages)-r.ring:]
		}
		return nil
	})
	if err != nil {
		logger.ErrorCF("session", "session update failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

func addParticipant(list []string, name string) []string {
	if name == "" {
		return list
	}
	for _, p := range list {
		if p == name {
			return list
		}
	}
	return append(list, name)
}

func (r *Router) Get(key string) (Record, error) {
	rec, err := r.file(key).Get()
	if err != nil {
		return Record{}, err
	}
	if rec.SessionKey == "" {
		return Record{}, fmt.Errorf("session %s not found", key)
	}
	return rec, nil
}

// ContextBlock renders the recent session history for the host agent.
func (r *Router) ContextBlock(key string) (string, error) {
	rec, err := r.Get(key)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SESSION %s (%s)\n", rec.SessionKey, strings.Join(rec.Participants, ", "))
	msgs := rec.Messages
	if len(msgs) > contextMessages {
		msgs = msgs[len(msgs)-contextMessages:]
	}
	for _, m := range msgs {
		body := m.Body
		if runes := []rune(body); len(runes) > contextBodyTrim {
			body = string(runes[:contextBodyTrim])
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.TS, m.From, body)
	}
	return b.String(), nil
}

// Send fans body to every other participant of the session, embedding the
// prior-context block in the body and the structured tail in
// metadata.sessionContext.
func (r *Router) Send(ctx context.Context, key, subject, body string) (transport.BroadcastResult, error) {
	rec, err := r.Get(key)
	if err != nil {
		return transport.BroadcastResult{}, err
	}

	var targets []string
	for _, p := range rec.Participants {
		if p != r.reg.Self() {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return transport.BroadcastResult{}, fmt.Errorf("session %s has no other participants", key)
	}

	contextBlock, _ := r.ContextBlock(key)
	fullBody := body
	if contextBlock != "" {
		fullBody = contextBlock + "\n" + body
	}

	tail := rec.Messages
	if len(tail) > contextMessages {
		tail = tail[len(tail)-contextMessages:]
	}
	trimmed := make([]Message, len(tail))
	for i, m := range tail {
		if runes := []rune(m.Body); len(runes) > contextBodyTrim {
			m.Body = string(runes[:contextBodyTrim])
		}
		trimmed[i] = m
	}

	replyContext, _ := json.Marshal(map[string]string{"sessionKey": key})
	if subject == "" {
		subject = "session " + key
	}

	return r.pipeline.Broadcast(ctx, targets, envelope.TypeNotification, subject, fullBody, transport.SendOptions{
		ReplyContext: replyContext,
		Session:      &envelope.Session{Key: key, Label: rec.Label, User: rec.User},
		Metadata:     map[string]interface{}{"sessionContext": trimmed},
	}), nil
}

// List returns all session records, most recently active first.
func (r *Router) List() ([]Record, error) {
	entries, err := os.ReadDir(r.cfg.SessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.cfg.SessionsDir(), entry.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || rec.SessionKey == "" {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

// Cleanup closes sessions idle beyond the configured TTL.
func (r *Router) Cleanup(now time.Time) (int, error) {
	ttl := time.Duration(r.cfg.Session.TTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	records, err := r.List()
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, rec := range records {
		if rec.Status == StatusClosed || now.Sub(rec.LastActivity) < ttl {
			continue
		}
		key := rec.SessionKey
		err := r.file(key).Mutate(func(rec *Record) error {
			rec.Status = StatusClosed
			return nil
		})
		if err != nil {
			logger.ErrorCF("session", "cleanup failed", map[string]interface{}{"key": key, "error": err.Error()})
			continue
		}
		closed++
	}
	if closed > 0 {
		logger.InfoCF("session", "closed idle sessions", map[string]interface{}{"count": closed})
	}
	return closed, nil
}
