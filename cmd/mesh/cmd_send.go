package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/envelope"
	"github.com/fleetmesh/mesh/pkg/transport"
)

func cmdSend(cfg *config.Config, args []string) int {
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	subject := fs.String("subject", "", "message subject")
	msgType := fs.String("type", envelope.TypeRequest, "envelope type (request|notification|alert|ack)")
	priority := fs.String("priority", envelope.PriorityNormal, "priority (high|normal|low)")
	ttl := fs.Int("ttl", 0, "seconds until the envelope expires")
	encrypt := fs.Bool("encrypt", false, "encrypt payload body")
	attach := fs.StringArray("attach", nil, "attach a local file (repeatable)")
	sessionKey := fs.String("session", "", "session key for shared-context routing")
	idempotency := fs.String("idempotency-key", "", "application-level dedup key")
	if err := fs.Parse(args); err != nil {
		return fail("%v", err)
	}
	if fs.NArg() < 2 {
		return fail("usage: mesh send <target> <body> [flags]")
	}
	target, body := fs.Arg(0), fs.Arg(1)

	n, err := openNode(cfg)
	if err != nil {
		return fail("%v", err)
	}
	defer n.close()

	if *subject == "" {
		*subject = "message from " + n.reg.Self()
	}

	opts := transport.SendOptions{
		Priority:       *priority,
		TTL:            *ttl,
		Encrypt:        *encrypt,
		AttachFiles:    *attach,
		IdempotencyKey: *idempotency,
	}
	if *sessionKey != "" {
		opts.Session = &envelope.Session{Key: *sessionKey}
	}

	out := n.send.Send(context.Background(), target, *msgType, *subject, body, opts)
	if !out.OK() {
		return fail("send to %s failed: %s (%v)", target, out.Status, out.Err)
	}
	fmt.Printf("%s %s -> %s (%s)\n", out.MessageID, n.reg.Self(), target, out.Status)

	if n.send.Stager().Active() {
		fmt.Println("serving staged attachments; will exit once the staging window closes")
		n.send.Stager().WaitIdle()
	}
	return 0
}

func cmdReply(cfg *config.Config, args []string) int {
	fs := pflag.NewFlagSet("reply", pflag.ContinueOnError)
	subject := fs.String("subject", "", "message subject")
	conversationID := fs.String("conversation", "", "conversation id to attribute the response to")
	if err := fs.Parse(args); err != nil {
		return fail("%v", err)
	}
	if fs.NArg() < 3 {
		return fail("usage: mesh reply <target> <correlation-id> <body> [flags]")
	}
	target, correlationID, body := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	n, err := openNode(cfg)
	if err != nil {
		return fail("%v", err)
	}
	defer n.close()

	if *subject == "" {
		*subject = "Re: " + correlationID
	}

	out := n.send.Send(context.Background(), target, envelope.TypeResponse, *subject, body, transport.SendOptions{
		CorrelationID:  correlationID,
		ConversationID: *conversationID,
	})
	if !out.OK() {
		return fail("reply to %s failed: %s (%v)", target, out.Status, out.Err)
	}
	fmt.Printf("%s %s -> %s (%s)\n", out.MessageID, n.reg.Self(), target, out.Status)
	return 0
}
