package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetmesh/mesh/pkg/envelope"
	"github.com/fleetmesh/mesh/pkg/logger"
	"github.com/fleetmesh/mesh/pkg/registry"
)

// SendReply delivers an already-built response envelope to the request's
// replyTo address through the normal retry, circuit, audit, and dead-letter
// path. When the echoed replyContext carries a sessionKey, delivery is
// redirected to the peer's generic session router.
func (p *Pipeline) SendReply(ctx context.Context, env *envelope.Envelope, replyTo *envelope.ReplyTo) Outcome {
	if replyTo == nil || replyTo.URL == "" {
		return Outcome{MessageID: env.ID, Status: "no_reply_to", Err: fmt.Errorf("%w: missing replyTo", ErrClientError)}
	}

	raw, err := env.Marshal()
	if err != nil {
		return Outcome{MessageID: env.ID, Status: "build_failed", Err: err}
	}

	url := replyTo.URL
	token := replyTo.Token
	body := WireBody{Message: string(raw)}

	var peer registry.Peer
	peerKnown := false
	if pr, perr := p.reg.Peer(env.To); perr == nil {
		peer = pr
		peerKnown = true
	}
	if key := env.ReplyContextField("sessionKey"); key != "" {
		body.SessionKey = key
		if peerKnown {
			url = peer.AgentHookURL()
			token = peer.Token
		}
	}

	if peerKnown {
		allowed, berr := p.breaker.Allow(peer.Name, time.Now())
		if berr == nil && !allowed {
			p.deadLetter(env, string(raw), "circuit_open", 0)
			p.audit(env, "circuit_open")
			return Outcome{MessageID: env.ID, Status: "circuit_open", Err: ErrCircuitOpen}
		}
	}

	var lastErr error
	attempts := 0
	for _, delay := range RetryDelays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				lastErr = fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
			case <-time.After(delay):
			}
			if ctx.Err() != nil {
				break
			}
		}
		if env.Expired(time.Now()) {
			p.audit(env, "expired")
			return Outcome{MessageID: env.ID, Status: "expired", Err: ErrExpired}
		}
		attempts++
		lastErr = p.client.Post(ctx, url, token, env.Signature, body)
		if lastErr == nil {
			if peerKnown {
				return p.settleSuccess(peer, env, "sent")
			}
			p.audit(env, "sent")
			return Outcome{MessageID: env.ID, Status: "sent"}
		}
		if !retryable(lastErr) {
			break
		}
	}

	// A 4xx comes from a live peer and does not trip the circuit.
	if peerKnown && !errors.Is(lastErr, ErrClientError) {
		if cerr := p.breaker.RecordFailure(peer.Name, time.Now()); cerr != nil {
			logger.ErrorCF("transport", "circuit write failed", map[string]interface{}{"error": cerr.Error()})
		}
	}
	reason := "max_retries"
	if errors.Is(lastErr, ErrClientError) {
		var he *HTTPError
		if errors.As(lastErr, &he) {
			reason = fmt.Sprintf("client_error_%d", he.Code)
		} else {
			reason = "client_error"
		}
	}
	p.deadLetter(env, string(raw), reason, attempts)
	p.audit(env, "failed")
	return Outcome{MessageID: env.ID, Status: "failed", Err: lastErr}
}
