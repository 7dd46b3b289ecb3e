package receive

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fleetmesh/mesh/pkg/audit"
	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/conversation"
	"github.com/fleetmesh/mesh/pkg/envelope"
	"github.com/fleetmesh/mesh/pkg/logger"
	"github.com/fleetmesh/mesh/pkg/registry"
	"github.com/fleetmesh/mesh/pkg/session"
	"github.com/fleetmesh/mesh/pkg/store"
	"github.com/fleetmesh/mesh/pkg/transport"
)

// Drop reasons double as audit statuses.
const (
	StatusReceived       = "received"
	StatusRejectedExpired = "rejected_expired"
	StatusRejectedBadSig  = "rejected_bad_sig"
	StatusRejectedUnsigned = "rejected_unsigned"
	StatusRejectedReplay  = "rejected_replay"
	StatusRejectedRelay   = "rejected_relay"
	StatusForwarded       = "relay_forwarded"
	StatusBare            = "bare_message"
)

// Correlator parks waiters for response envelopes keyed by correlationId.
type Correlator struct {
	mu      sync.Mutex
	waiters map[string]chan *envelope.Envelope
}

func NewCorrelator() *Correlator {
	return &Correlator{waiters: map[string]chan *envelope.Envelope{}}
}

// Wait registers interest in responses to messageID. The channel is
// buffered; Cancel releases it.
func (c *Correlator) Wait(messageID string) <-chan *envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan *envelope.Envelope, 1)
	c.waiters[messageID] = ch
	return ch
}

func (c *Correlator) Cancel(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, messageID)
}

func (c *Correlator) fire(env *envelope.Envelope) {
	c.mu.Lock()
	ch, ok := c.waiters[env.CorrelationID]
	if ok {
		delete(c.waiters, env.CorrelationID)
	}
	c.mu.Unlock()
	if ok {
		select {
		case ch <- env:
		default:
		}
	}
}

// GossipSink consumes gossip notification payloads; the discoverer
// implements it.
type GossipSink interface {
	HandleGossip(raw []byte) error
}

// Pipeline validates, deduplicates, and dispatches inbound envelopes.
type Pipeline struct {
	cfg        *config.Config
	reg        *registry.Registry
	send       *transport.Pipeline
	auditLog   *audit.Log
	nonces     *store.NonceLog
	handler    HostHandler
	convs      *conversation.Engine
	sessions   *session.Router
	correlator *Correlator
	gossip     GossipSink
	inbox      *Inbox
}

func NewPipeline(
	cfg *config.Config,
	reg *registry.Registry,
	send *transport.Pipeline,
	auditLog *audit.Log,
	handler HostHandler,
	convs *conversation.Engine,
	sessions *session.Router,
) *Pipeline {
	window := time.Duration(cfg.Security.ReplayWindowSec) * time.Second
	if window <= 0 {
		window = 300 * time.Second
	}
	if handler == nil {
		handler = NopHandler{}
	}
	return &Pipeline{
		cfg:        cfg,
		reg:        reg,
		send:       send,
		auditLog:   auditLog,
		nonces:     store.NewNonceLog(cfg.NoncesPath(), window),
		handler:    handler,
		convs:      convs,
		sessions:   sessions,
		correlator: NewCorrelator(),
		inbox:      NewInbox(DefaultInboxSize),
	}
}

func (p *Pipeline) Correlator() *Correlator { return p.correlator }
func (p *Pipeline) Inbox() *Inbox           { return p.inbox }
func (p *Pipeline) Nonces() *store.NonceLog { return p.nonces }

// SetGossipSink wires the discoverer in; optional.
func (p *Pipeline) SetGossipSink(sink GossipSink) { p.gossip = sink }

// Process handles one webhook POST body. It returns the audit status and a
// nil error: malformed or non-mesh input is handed to the host as a bare
// message (StatusBare). Validation failures drop the envelope with audit, and still return nil
// so the sender sees 2xx where the protocol wants it to.
func (p *Pipeline) Process(ctx context.Context, raw []byte, sessionKey string) (string, error) {
	env, err := envelope.Parse(raw)
	if err != nil || !env.IsMesh() {
		// Backward compatibility: a non-mesh body goes to the host runtime
		// unchanged.
		p.dispatchBare(ctx, raw)
		return StatusBare, nil
	}

	now := time.Now()

	// Relay duty comes before any validation this node cannot perform: the
	// envelope is signed for its original target, not for us.
	if env.Relay != nil && env.Relay.OriginalTo != p.reg.Self() {
		return p.forwardRelay(ctx, env, raw)
	}

	if env.Expired(now) {
		p.audit(env, StatusRejectedExpired)
		return StatusRejectedExpired, nil
	}

	if status, ok := p.verifySignature(env, raw); !ok {
		p.audit(env, status)
		return status, nil
	}

	if env.Nonce != "" {
		if status, ok := p.checkReplay(env, now); !ok {
			p.audit(env, status)
			return status, nil
		}
	}

	p.decryptIfNeeded(env)

	if env.SessionKey() != "" || sessionKey != "" {
		p.updateSession(env, sessionKey)
	}

	switch env.Type {
	case envelope.TypeResponse:
		p.handleResponse(env)
	case envelope.TypeRequest:
		p.handleRequest(ctx, env)
	case envelope.TypeNotification, envelope.TypeAlert, envelope.TypeAck:
		p.handleNotification(ctx, env)
	default:
		logger.WarnCF("receive", "unknown envelope type", map[string]interface{}{"type": env.Type, "id": env.ID})
	}

	p.inbox.Add(env)
	p.audit(env, StatusReceived)
	return StatusReceived, nil
}

// forwardRelay forwards a wrapped envelope to its original target, exactly
// once. Anything that smells like a loop is rejected: we are not the named
// via, or the envelope has already hopped.
func (p *Pipeline) forwardRelay(ctx context.Context, env *envelope.Envelope, raw []byte) (string, error) {
	if env.Relay.Via != p.reg.Self() || env.Relay.Hops >= 1 {
		logger.WarnCF("receive", "relay envelope rejected", map[string]interface{}{
			"id":   env.ID,
			"via":  env.Relay.Via,
			"hops": env.Relay.Hops,
		})
		p.audit(env, StatusRejectedRelay)
		return StatusRejectedRelay, nil
	}
	if env.Expired(time.Now()) {
		p.audit(env, StatusRejectedExpired)
		return StatusRejectedExpired, nil
	}

	// Bytes go out verbatim so the target's signature check still holds;
	// a failed forward is not retried and never re-relayed.
	if err := p.send.Deliver(ctx, string(raw)); err != nil {
		logger.WarnCF("receive", "relay forward failed", map[string]interface{}{
			"id":    env.ID,
			"to":    env.Relay.OriginalTo,
			"error": err.Error(),
		})
		p.audit(env, "relay_forward_failed")
		return "relay_forward_failed", nil
	}
	p.audit(env, StatusForwarded)
	return StatusForwarded, nil
}

// verifySignature applies the inbound signature policy. A present
// signature must verify. An absent one is accepted unless the registry
// marks the sender signing and require_signed is on.
func (p *Pipeline) verifySignature(env *envelope.Envelope, raw []byte) (string, bool) {
	if env.Signature != "" {
		key, err := p.reg.SigningKey(env.From)
		if err != nil {
			if p.reg.IsSigning(env.From) && p.cfg.Security.RequireSigned {
				logger.WarnCF("receive", "no key to verify required signature", map[string]interface{}{"from": env.From})
				return StatusRejectedBadSig, false
			}
			// Unchecked: signature present but no key on this side.
			return "", true
		}
		if err := envelope.Verify(raw, key); err != nil {
			logger.WarnCF("receive", "signature verification failed", map[string]interface{}{
				"from":  env.From,
				"id":    env.ID,
				"error": err.Error(),
			})
			return StatusRejectedBadSig, false
		}
		return "", true
	}

	if p.reg.IsSigning(env.From) && p.cfg.Security.RequireSigned {
		logger.WarnCF("receive", "unsigned envelope from signing peer", map[string]interface{}{"from": env.From})
		return StatusRejectedUnsigned, false
	}
	return "", true
}

// checkReplay enforces nonce uniqueness plus the freshness window: too old
// is replayable, too far in the future is clock trouble either way.
func (p *Pipeline) checkReplay(env *envelope.Envelope, now time.Time) (string, bool) {
	sent := env.Sent()
	skew := time.Duration(p.cfg.Security.ClockSkewSec) * time.Second
	if skew <= 0 {
		skew = 60 * time.Second
	}
	if sent.IsZero() || now.Sub(sent) > p.nonces.Window() || sent.Sub(now) > skew {
		logger.WarnCF("receive", "envelope outside replay window", map[string]interface{}{
			"id":   env.ID,
			"from": env.From,
			"sent": env.Timestamp,
		})
		return StatusRejectedReplay, false
	}

	seen, err := p.nonces.Record(env.Nonce, now)
	if err != nil {
		logger.ErrorCF("receive", "nonce log failure", map[string]interface{}{"error": err.Error()})
		return "", true
	}
	if seen {
		logger.WarnCF("receive", "replayed nonce", map[string]interface{}{"id": env.ID, "from": env.From})
		return StatusRejectedReplay, false
	}
	return "", true
}

func (p *Pipeline) decryptIfNeeded(env *envelope.Envelope) {
	if !env.Payload.Encrypted {
		return
	}
	key, err := p.reg.EncryptionKey(env.From)
	if err == nil {
		err = envelope.DecryptBody(env, key)
	}
	if err != nil {
		logger.WarnCF("receive", "decrypt failed, body left opaque", map[string]interface{}{
			"id":    env.ID,
			"from":  env.From,
			"error": err.Error(),
		})
	}
}

func (p *Pipeline) updateSession(env *envelope.Envelope, postedKey string) {
	if p.sessions == nil {
		return
	}
	if env.SessionKey() == "" && postedKey != "" {
		// The generic router honors a caller-supplied key only when it
		// rode in the POST body alongside the envelope.
		env.Session = &envelope.Session{Key: postedKey}
	}
	p.sessions.RecordInbound(env)
}

func (p *Pipeline) handleResponse(env *envelope.Envelope) {
	if env.CorrelationID == "" {
		logger.WarnCF("receive", "response without correlationId", map[string]interface{}{"id": env.ID})
		return
	}
	p.correlator.fire(env)
	if env.ConversationID != "" && p.convs != nil {
		if err := p.convs.OnResponse(env.ConversationID, env.From, env.Payload.Body); err != nil {
			logger.DebugCF("receive", "conversation update skipped", map[string]interface{}{
				"conversation": env.ConversationID,
				"error":        err.Error(),
			})
		}
	}
}

// handleRequest dispatches to the host runtime and, when it produces a
// body, sends the response envelope back over replyTo with the request's
// replyContext echoed verbatim.
func (p *Pipeline) handleRequest(ctx context.Context, env *envelope.Envelope) {
	d := Dispatch{
		From:         env.From,
		Subject:      env.Payload.Subject,
		Body:         env.Payload.Body,
		Attachments:  env.Payload.Attachments,
		ReplyTo:      env.ReplyTo,
		ReplyContext: env.ReplyContext,
		SessionKey:   env.SessionKey(),
		Raw:          env,
	}
	body, respond, err := p.handler.Handle(ctx, d)
	if err != nil {
		logger.ErrorCF("receive", "host handler failed", map[string]interface{}{"id": env.ID, "error": err.Error()})
		return
	}
	if !respond {
		return
	}

	reply, err := envelope.Build(p.reg.Self(), env.From, envelope.TypeResponse,
		"Re: "+env.Payload.Subject, body, envelope.BuildOptions{
			CorrelationID:   env.ID,
			ConversationID:  env.ConversationID,
			ConversationSeq: env.ConversationSeq,
			ParentMessageID: env.ID,
			ReplyContext:    env.ReplyContext,
			Session:         env.Session,
		})
	if err != nil {
		logger.ErrorCF("receive", "response build failed", map[string]interface{}{"id": env.ID, "error": err.Error()})
		return
	}
	if p.reg.IsSigning(env.From) {
		if key, kerr := p.reg.SigningKey(env.From); kerr == nil {
			if serr := envelope.Sign(reply, key); serr != nil {
				logger.ErrorCF("receive", "response sign failed", map[string]interface{}{"error": serr.Error()})
			}
		}
	}

	out := p.send.SendReply(ctx, reply, env.ReplyTo)
	if !out.OK() {
		logger.WarnCF("receive", "response delivery failed", map[string]interface{}{
			"correlationId": env.ID,
			"status":        out.Status,
		})
	}
}

func (p *Pipeline) handleNotification(ctx context.Context, env *envelope.Envelope) {
	if env.Payload.Subject == "mesh.gossip" && p.gossip != nil {
		if err := p.gossip.HandleGossip([]byte(env.Payload.Body)); err != nil {
			logger.WarnCF("receive", "gossip payload rejected", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	// Notifications and alerts reach the host runtime but never produce a
	// wire response.
	d := Dispatch{
		From:         env.From,
		Subject:      env.Payload.Subject,
		Body:         env.Payload.Body,
		Attachments:  env.Payload.Attachments,
		ReplyContext: env.ReplyContext,
		SessionKey:   env.SessionKey(),
		Raw:          env,
	}
	if _, _, err := p.handler.Handle(ctx, d); err != nil {
		logger.ErrorCF("receive", "host handler failed", map[string]interface{}{"id": env.ID, "error": err.Error()})
	}
}

func (p *Pipeline) dispatchBare(ctx context.Context, raw []byte) {
	var wrapper struct {
		Message string `json:"message"`
	}
	body := string(raw)
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Message != "" {
		body = wrapper.Message
	}
	d := Dispatch{
		Subject: "bare message",
		Body:    body,
		Raw:     &envelope.Envelope{Payload: envelope.Payload{Body: body}},
	}
	if _, _, err := p.handler.Handle(ctx, d); err != nil {
		logger.ErrorCF("receive", "host handler failed on bare message", map[string]interface{}{"error": err.Error()})
	}
	p.auditLog.Append(audit.Entry{
		To:     p.reg.Self(),
		Type:   "bare",
		Status: StatusBare,
	})
}

func (p *Pipeline) audit(env *envelope.Envelope, status string) {
	entry := audit.Entry{
		From:           env.From,
		To:             p.reg.Self(),
		Type:           env.Type,
		ID:             env.ID,
		Subject:        env.Payload.Subject,
		Status:         status,
		CorrelationID:  env.CorrelationID,
		ConversationID: env.ConversationID,
		ReplyContext:   env.ReplyContext,
		Signed:         env.Signature != "",
	}
	if env.Session != nil {
		entry.Session = env.Session.Key
	}
	if status == StatusReceived {
		entry.Body = env.Payload.Body
	}
	p.auditLog.Append(entry)
}
