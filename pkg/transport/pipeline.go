package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleetmesh/mesh/pkg/audit"
	"github.com/fleetmesh/mesh/pkg/circuit"
	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/discovery"
	"github.com/fleetmesh/mesh/pkg/envelope"
	"github.com/fleetmesh/mesh/pkg/logger"
	"github.com/fleetmesh/mesh/pkg/registry"
	"github.com/fleetmesh/mesh/pkg/store"
)

// RetryDelays is the backoff schedule: four attempts, the first immediate.
var RetryDelays = []time.Duration{0, 5 * time.Second, 15 * time.Second, 60 * time.Second}

type SendOptions struct {
	CorrelationID   string
	ConversationID  string
	ConversationSeq int
	ParentMessageID string
	ReplyContext    json.RawMessage
	Priority        string
	TTL             int
	IdempotencyKey  string
	Session         *envelope.Session
	Metadata        map[string]interface{}
	AttachFiles     []string
	Encrypt         bool
}

type BroadcastResult struct {
	Sent   []string
	Failed map[string]string
}

// Pipeline is the outbound message plane: breaker consult, envelope build,
// sign/encrypt, POST with retry, relay fallback, dead-letter, audit.
type Pipeline struct {
	cfg         *config.Config
	reg         *registry.Registry
	breaker     *circuit.Breaker
	deadLetters *DeadLetterStore
	client      *Client
	auditLog    *audit.Log
	routing     *store.File[discovery.RoutingTable]
	stager      *Stager

	// OnOutboundSession is invoked after a successful send of an envelope
	// carrying a session key; the session router installs itself here.
	OnOutboundSession func(env *envelope.Envelope)
}

func NewPipeline(cfg *config.Config, reg *registry.Registry, breaker *circuit.Breaker, auditLog *audit.Log) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		reg:         reg,
		breaker:     breaker,
		deadLetters: NewDeadLetterStore(cfg.DeadLettersPath(), cfg.Queue.MaxQueue),
		client:      NewClient(cfg),
		auditLog:    auditLog,
		routing: store.NewFile(cfg.RoutingPath(), func() discovery.RoutingTable {
			return discovery.RoutingTable{Self: reg.Self()}
		}),
		stager: NewStager(reg),
	}
}

func (p *Pipeline) DeadLetters() *DeadLetterStore { return p.deadLetters }
func (p *Pipeline) Client() *Client               { return p.client }
func (p *Pipeline) Stager() *Stager               { return p.stager }

// Send runs the full pipeline for one target and returns a structured
// outcome. The returned MessageID is set whenever an envelope was built,
// even on failure.
func (p *Pipeline) Send(ctx context.Context, target, typ, subject, body string, opts SendOptions) Outcome {
	peer, err := p.reg.Peer(target)
	if err != nil {
		return Outcome{Status: "unknown_peer", Err: err}
	}

	env, err := p.buildEnvelope(peer, typ, subject, body, opts)
	if err != nil {
		return Outcome{Status: "build_failed", Err: err}
	}
	return p.dispatch(ctx, peer, env)
}

// Broadcast fans subject/body to each target independently; one failed
// target never aborts the rest.
func (p *Pipeline) Broadcast(ctx context.Context, targets []string, typ, subject, body string, opts SendOptions) BroadcastResult {
	result := BroadcastResult{Failed: map[string]string{}}
	for _, target := range targets {
		out := p.Send(ctx, target, typ, subject, body, opts)
		if out.OK() {
			result.Sent = append(result.Sent, target)
		} else {
			result.Failed[target] = out.Status
		}
	}
	return result
}

func (p *Pipeline) buildEnvelope(peer registry.Peer, typ, subject, body string, opts SendOptions) (*envelope.Envelope, error) {
	build := envelope.BuildOptions{
		CorrelationID:   opts.CorrelationID,
		ConversationID:  opts.ConversationID,
		ConversationSeq: opts.ConversationSeq,
		ParentMessageID: opts.ParentMessageID,
		ReplyContext:    opts.ReplyContext,
		Priority:        opts.Priority,
		TTL:             opts.TTL,
		IdempotencyKey:  opts.IdempotencyKey,
		Session:         opts.Session,
		Metadata:        opts.Metadata,
	}

	if typ == envelope.TypeRequest {
		self, ok := p.reg.SelfPeer()
		if !ok {
			return nil, fmt.Errorf("self %q has no registry entry, cannot build replyTo", p.reg.Self())
		}
		build.ReplyTo = &envelope.ReplyTo{
			URL:   self.HookURL(peer.Name),
			Token: self.Token,
		}
	}

	if len(opts.AttachFiles) > 0 {
		attachments, err := p.stager.Stage(opts.AttachFiles)
		if err != nil {
			return nil, err
		}
		build.Attachments = attachments
	}

	env, err := envelope.Build(p.reg.Self(), peer.Name, typ, subject, body, build)
	if err != nil {
		return nil, err
	}

	if opts.Encrypt {
		key, kerr := p.reg.EncryptionKey(peer.Name)
		if kerr == nil {
			kerr = envelope.EncryptBody(env, key)
		}
		if kerr != nil {
			if p.cfg.Security.StrictCrypto {
				return nil, fmt.Errorf("%w: %v", ErrEncryption, kerr)
			}
			logger.WarnCF("transport", "encryption unavailable, sending plaintext", map[string]interface{}{
				"peer":  peer.Name,
				"error": kerr.Error(),
			})
		}
	}

	if p.reg.IsSigning(peer.Name) {
		key, kerr := p.reg.SigningKey(peer.Name)
		if kerr != nil {
			return nil, fmt.Errorf("signing required for %s but key unavailable: %w", peer.Name, kerr)
		}
		if err := envelope.Sign(env, key); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// dispatch consults the breaker, delivers with retry, falls back to the
// relay, and settles the outcome into audit, circuit, and dead-letter state.
func (p *Pipeline) dispatch(ctx context.Context, peer registry.Peer, env *envelope.Envelope) Outcome {
	raw, err := env.Marshal()
	if err != nil {
		return Outcome{MessageID: env.ID, Status: "build_failed", Err: err}
	}

	allowed, err := p.breaker.Allow(peer.Name, time.Now())
	if err != nil {
		logger.ErrorCF("transport", "circuit read failed", map[string]interface{}{"error": err.Error()})
	}
	if !allowed {
		p.deadLetter(env, string(raw), "circuit_open", 0)
		p.audit(env, "circuit_open")
		return Outcome{MessageID: env.ID, Status: "circuit_open", Err: ErrCircuitOpen}
	}

	attempts, err := p.deliverWithRetry(ctx, peer, env, string(raw))
	if err == nil {
		return p.settleSuccess(peer, env, "sent")
	}

	if errors.Is(err, ErrExpired) {
		p.audit(env, "expired")
		return Outcome{MessageID: env.ID, Status: "expired", Err: err}
	}

	if errors.Is(err, ErrClientError) {
		var he *HTTPError
		reason := "client_error"
		if errors.As(err, &he) {
			reason = fmt.Sprintf("client_error_%d", he.Code)
		}
		// Permanent rejection by a live peer: dead-letter for audit, but do
		// not trip the circuit over it.
		p.deadLetter(env, string(raw), reason, attempts)
		p.audit(env, reason)
		return Outcome{MessageID: env.ID, Status: reason, Err: err}
	}

	if status, ok := p.tryRelay(ctx, peer, env); ok {
		if err := p.breaker.RecordFailure(peer.Name, time.Now()); err != nil {
			logger.ErrorCF("transport", "circuit write failed", map[string]interface{}{"error": err.Error()})
		}
		p.audit(env, status)
		p.notifyDashboard(ctx, peer, env)
		p.recordSession(env)
		return Outcome{MessageID: env.ID, Status: status}
	}

	if cerr := p.breaker.RecordFailure(peer.Name, time.Now()); cerr != nil {
		logger.ErrorCF("transport", "circuit write failed", map[string]interface{}{"error": cerr.Error()})
	}
	p.deadLetter(env, string(raw), "max_retries", attempts)
	p.audit(env, "failed")
	return Outcome{MessageID: env.ID, Status: "failed", Err: err}
}

func (p *Pipeline) settleSuccess(peer registry.Peer, env *envelope.Envelope, status string) Outcome {
	if err := p.breaker.RecordSuccess(peer.Name); err != nil {
		logger.ErrorCF("transport", "circuit write failed", map[string]interface{}{"error": err.Error()})
	}
	p.audit(env, status)
	p.notifyDashboard(context.Background(), peer, env)
	p.recordSession(env)
	return Outcome{MessageID: env.ID, Status: status}
}

// deliverWithRetry runs the backoff schedule. Cancellation is honored only
// between attempts; an in-flight POST runs to its own timeout. Any attempt
// that would start after the envelope's TTL is aborted pre-POST.
func (p *Pipeline) deliverWithRetry(ctx context.Context, peer registry.Peer, env *envelope.Envelope, raw string) (attempts int, err error) {
	var lastErr error
	for i, delay := range RetryDelays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return attempts, fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
			case <-time.After(delay):
			}
		}
		if env.Expired(time.Now()) {
			return attempts, ErrExpired
		}

		attempts++
		lastErr = p.postEnvelope(context.WithoutCancel(ctx), peer, env, raw)
		if lastErr == nil {
			return attempts, nil
		}
		if !retryable(lastErr) {
			return attempts, lastErr
		}
		logger.DebugCF("transport", "attempt failed", map[string]interface{}{
			"peer":    peer.Name,
			"attempt": i + 1,
			"error":   lastErr.Error(),
		})
	}
	return attempts, lastErr
}

// postEnvelope picks the delivery URL: the named hook by default, the
// generic session router when replyContext carries a sessionKey.
func (p *Pipeline) postEnvelope(ctx context.Context, peer registry.Peer, env *envelope.Envelope, raw string) error {
	url := peer.HookURL(p.reg.Self())
	body := WireBody{Message: raw}
	if key := env.ReplyContextField("sessionKey"); key != "" {
		url = peer.AgentHookURL()
		body.SessionKey = key
	}
	return p.client.Post(ctx, url, peer.Token, env.Signature, body)
}

// tryRelay wraps the envelope with a relay hint and posts it to the elected
// relay. Relay delivery is best-effort fallback: one shot, no retry loop.
func (p *Pipeline) tryRelay(ctx context.Context, target registry.Peer, env *envelope.Envelope) (string, bool) {
	rt, err := p.routing.Get()
	if err != nil || rt.Relay == "" || rt.Relay == target.Name || rt.Relay == p.reg.Self() {
		return "", false
	}
	relayPeer, err := p.reg.Peer(rt.Relay)
	if err != nil {
		return "", false
	}

	wrapped := *env
	wrapped.Relay = &envelope.Relay{
		From:       p.reg.Self(),
		Via:        rt.Relay,
		OriginalTo: target.Name,
	}
	// The relay hint is part of the signed document, so re-sign for the
	// original target; the relay forwards the bytes verbatim.
	if p.reg.IsSigning(target.Name) {
		key, kerr := p.reg.SigningKey(target.Name)
		if kerr != nil {
			return "", false
		}
		if err := envelope.Sign(&wrapped, key); err != nil {
			return "", false
		}
	}
	raw, err := wrapped.Marshal()
	if err != nil {
		return "", false
	}

	body := WireBody{Message: string(raw)}
	if key := wrapped.ReplyContextField("sessionKey"); key != "" {
		body.SessionKey = key
	}
	if err := p.client.Post(ctx, relayPeer.HookURL(p.reg.Self()), relayPeer.Token, wrapped.Signature, body); err != nil {
		logger.WarnCF("transport", "relay fallback failed", map[string]interface{}{
			"relay": rt.Relay,
			"error": err.Error(),
		})
		return "", false
	}
	logger.InfoCF("transport", "delivered via relay", map[string]interface{}{
		"target": target.Name,
		"relay":  rt.Relay,
	})
	return "relayed_via_" + rt.Relay, true
}

// Deliver replays an already-built envelope (dead-letter drain path)
// through the same URL selection and header logic as a fresh send. Single
// attempt; the drainer owns pacing.
func (p *Pipeline) Deliver(ctx context.Context, raw string) error {
	env, err := envelope.Parse([]byte(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClientError, err)
	}
	peer, err := p.reg.Peer(env.To)
	if err != nil {
		return err
	}
	return p.postEnvelope(ctx, peer, env, raw)
}

func (p *Pipeline) deadLetter(env *envelope.Envelope, raw, reason string, attempts int) {
	err := p.deadLetters.Add(DeadLetter{
		ID:         env.ID,
		Timestamp:  time.Now().UTC(),
		To:         env.To,
		FailReason: reason,
		Attempts:   attempts,
		Envelope:   raw,
	})
	if err != nil {
		logger.ErrorCF("transport", "dead-letter write failed", map[string]interface{}{
			"id":    env.ID,
			"error": err.Error(),
		})
	}
}

// notifyDashboard posts a small JSON record to the target's dashboard sink
// so UIs update in real time. Best effort, bounded, silent on failure.
func (p *Pipeline) notifyDashboard(ctx context.Context, peer registry.Peer, env *envelope.Envelope) {
	if !p.cfg.Dashboard.Enabled || env.Type != envelope.TypeResponse || env.ConversationID == "" {
		return
	}
	url := fmt.Sprintf("http://%s:%d/api/mesh/response", peer.IP, p.cfg.Dashboard.NotifyPort)
	payload := map[string]interface{}{
		"conversationId": env.ConversationID,
		"from":           env.From,
		"body":           env.Payload.Body,
		"ts":             env.Timestamp,
	}
	if err := p.client.PostJSON(ctx, url, payload, 3*time.Second); err != nil {
		logger.DebugCF("transport", "dashboard notify failed", map[string]interface{}{"error": err.Error()})
	}
}

func (p *Pipeline) recordSession(env *envelope.Envelope) {
	if p.OnOutboundSession != nil && env.SessionKey() != "" {
		p.OnOutboundSession(env)
	}
}

func (p *Pipeline) audit(env *envelope.Envelope, status string) {
	entry := audit.Entry{
		From:           env.From,
		To:             env.To,
		Type:           env.Type,
		ID:             env.ID,
		Subject:        env.Payload.Subject,
		Body:           env.Payload.Body,
		Status:         status,
		CorrelationID:  env.CorrelationID,
		ConversationID: env.ConversationID,
		ReplyContext:   env.ReplyContext,
		Signed:         env.Signature != "",
	}
	if env.Session != nil {
		entry.Session = env.Session.Key
	}
	p.auditLog.Append(entry)
}
