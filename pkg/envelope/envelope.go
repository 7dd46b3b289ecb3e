package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	Protocol       = "mesh/3.0"
	ProtocolPrefix = "mesh/"

	DefaultTTLSeconds = 300

	timestampLayout = "2006-01-02T15:04:05.000Z"
)

const (
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeNotification = "notification"
	TypeAlert        = "alert"
	TypeAck          = "ack"
)

const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

type ReplyTo struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type Attachment struct {
	Type     string `json:"type"` // url, inline, path
	URL      string `json:"url,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Data     string `json:"data,omitempty"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type Payload struct {
	Subject     string                 `json:"subject"`
	Body        string                 `json:"body,omitempty"`
	Attachments []Attachment           `json:"attachments,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Encrypted   bool                   `json:"encrypted,omitempty"`
}

type Session struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
	User  string `json:"user,omitempty"`
}

// Relay is the fallback-forwarding hint. Hops counts forwards already
// performed; a relay never forwards an envelope with Hops >= 1.
type Relay struct {
	From       string `json:"from"`
	Via        string `json:"via"`
	OriginalTo string `json:"originalTo"`
	Hops       int    `json:"hops,omitempty"`
}

type Envelope struct {
	Protocol        string          `json:"protocol"`
	ID              string          `json:"id"`
	Timestamp       string          `json:"timestamp"`
	From            string          `json:"from"`
	To              string          `json:"to"`
	Type            string          `json:"type"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	ConversationID  string          `json:"conversationId,omitempty"`
	ConversationSeq int             `json:"conversationSeq,omitempty"`
	ParentMessageID string          `json:"parentMessageId,omitempty"`
	ReplyTo         *ReplyTo        `json:"replyTo,omitempty"`
	ReplyContext    json.RawMessage `json:"replyContext,omitempty"`
	Priority        string          `json:"priority,omitempty"`
	TTL             int             `json:"ttl,omitempty"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`
	Nonce           string          `json:"nonce,omitempty"`
	Signature       string          `json:"signature,omitempty"`
	Session         *Session        `json:"session,omitempty"`
	Relay           *Relay          `json:"relay,omitempty"`
	Payload         Payload         `json:"payload"`
}

type BuildOptions struct {
	CorrelationID   string
	ConversationID  string
	ConversationSeq int
	ParentMessageID string
	ReplyContext    json.RawMessage
	ReplyTo         *ReplyTo
	Priority        string
	TTL             int
	IdempotencyKey  string
	Session         *Session
	Attachments     []Attachment
	Metadata        map[string]interface{}
}

// Build assembles an outbound envelope with a fresh id, timestamp, and
// nonce. replyTo is mandatory for requests and must be supplied by the
// caller from self's registry entry.
func Build(from, to, typ, subject, body string, opts BuildOptions) (*Envelope, error) {
	if from == "" || to == "" {
		return nil, fmt.Errorf("envelope needs from and to")
	}
	if subject == "" {
		return nil, fmt.Errorf("envelope needs a subject")
	}

	e := &Envelope{
		Protocol:        Protocol,
		ID:              NewMessageID(),
		Timestamp:       FormatTimestamp(time.Now()),
		From:            from,
		To:              to,
		Type:            typ,
		CorrelationID:   opts.CorrelationID,
		ConversationID:  opts.ConversationID,
		ConversationSeq: opts.ConversationSeq,
		ParentMessageID: opts.ParentMessageID,
		ReplyContext:    opts.ReplyContext,
		ReplyTo:         opts.ReplyTo,
		Priority:        opts.Priority,
		TTL:             opts.TTL,
		IdempotencyKey:  opts.IdempotencyKey,
		Nonce:           NewNonce(),
		Session:         opts.Session,
		Payload: Payload{
			Subject:     subject,
			Body:        body,
			Attachments: opts.Attachments,
			Metadata:    opts.Metadata,
		},
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	if e.TTL <= 0 {
		e.TTL = DefaultTTLSeconds
	}

	switch typ {
	case TypeRequest:
		if e.ReplyTo == nil || e.ReplyTo.URL == "" {
			return nil, fmt.Errorf("request envelope needs replyTo")
		}
	case TypeResponse:
		if e.CorrelationID == "" {
			return nil, fmt.Errorf("response envelope needs correlationId")
		}
	case TypeNotification, TypeAlert, TypeAck:
	default:
		return nil, fmt.Errorf("unknown envelope type %q", typ)
	}
	return e, nil
}

func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func NewConversationID() string {
	return "conv_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func NewNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the host is broken; uuid still gives
		// uniqueness for replay purposes.
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return hex.EncodeToString(buf)
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(timestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func Parse(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &e, nil
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func (e *Envelope) IsMesh() bool {
	return strings.HasPrefix(e.Protocol, ProtocolPrefix)
}

// Sent returns the envelope's timestamp as a time; zero on parse failure.
func (e *Envelope) Sent() time.Time {
	t, err := ParseTimestamp(e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (e *Envelope) EffectiveTTL() time.Duration {
	ttl := e.TTL
	if ttl <= 0 {
		ttl = DefaultTTLSeconds
	}
	return time.Duration(ttl) * time.Second
}

func (e *Envelope) ExpiresAt() time.Time {
	return e.Sent().Add(e.EffectiveTTL())
}

// Expired reports whether timestamp + ttl is in the past. An unparsable
// timestamp counts as expired.
func (e *Envelope) Expired(now time.Time) bool {
	sent := e.Sent()
	if sent.IsZero() {
		return true
	}
	return sent.Add(e.EffectiveTTL()).Before(now)
}

// ReplyContextField extracts a string field from the opaque replyContext.
func (e *Envelope) ReplyContextField(key string) string {
	if len(e.ReplyContext) == 0 {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(e.ReplyContext, &m); err != nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// SessionKey returns the session key from session.key or, failing that,
// replyContext.sessionKey.
func (e *Envelope) SessionKey() string {
	if e.Session != nil && e.Session.Key != "" {
		return e.Session.Key
	}
	return e.ReplyContextField("sessionKey")
}
