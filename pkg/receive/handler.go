package receive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/envelope"
	"github.com/fleetmesh/mesh/pkg/logger"
)

// Dispatch is what the host runtime sees for an inbound message.
type Dispatch struct {
	From         string                `json:"from"`
	Subject      string                `json:"subject"`
	Body         string                `json:"body"`
	Attachments  []envelope.Attachment `json:"attachments,omitempty"`
	ReplyTo      *envelope.ReplyTo     `json:"replyTo,omitempty"`
	ReplyContext json.RawMessage       `json:"replyContext,omitempty"`
	SessionKey   string                `json:"sessionKey,omitempty"`
	Raw          *envelope.Envelope    `json:"-"`
}

// HostHandler is the boundary to the agent runtime that interprets message
// bodies. respond=false means no reply is produced.
type HostHandler interface {
	Handle(ctx context.Context, d Dispatch) (responseBody string, respond bool, err error)
}

// ExecHandler shells out to a configured handler program with the envelope
// JSON on stdin. Stdout JSON with a body field (or raw text) becomes the
// response body.
type ExecHandler struct {
	command string
	timeout time.Duration
}

func NewExecHandler(cfg *config.Config) *ExecHandler {
	timeout := time.Duration(cfg.Handler.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExecHandler{command: cfg.Handler.Command, timeout: timeout}
}

func (h *ExecHandler) Handle(ctx context.Context, d Dispatch) (string, bool, error) {
	if h.command == "" {
		return "", false, nil
	}

	input, err := json.Marshal(d.Raw)
	if err != nil {
		return "", false, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.command)
	cmd.Stdin = bytes.NewReader(input)
	out, err := cmd.Output()
	if err != nil {
		return "", false, fmt.Errorf("handler %s: %w", h.command, err)
	}

	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return "", false, nil
	}

	var parsed struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(trimmed, &parsed); err == nil && parsed.Body != "" {
		return parsed.Body, true, nil
	}
	return string(trimmed), true, nil
}

// HandlerFunc adapts a function to HostHandler, handy in tests and for
// in-process embedders.
type HandlerFunc func(ctx context.Context, d Dispatch) (string, bool, error)

func (f HandlerFunc) Handle(ctx context.Context, d Dispatch) (string, bool, error) {
	return f(ctx, d)
}

// NopHandler accepts everything and never responds; inbox mode relies on
// it.
type NopHandler struct{}

func (NopHandler) Handle(ctx context.Context, d Dispatch) (string, bool, error) {
	logger.DebugCF("receive", "no handler configured, message kept in inbox", map[string]interface{}{
		"from":    d.From,
		"subject": d.Subject,
	})
	return "", false, nil
}
