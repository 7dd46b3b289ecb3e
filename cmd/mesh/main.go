package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetmesh/mesh/pkg/audit"
	"github.com/fleetmesh/mesh/pkg/circuit"
	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/conversation"
	"github.com/fleetmesh/mesh/pkg/daemon"
	"github.com/fleetmesh/mesh/pkg/discovery"
	"github.com/fleetmesh/mesh/pkg/logger"
	"github.com/fleetmesh/mesh/pkg/queue"
	"github.com/fleetmesh/mesh/pkg/registry"
	"github.com/fleetmesh/mesh/pkg/session"
	"github.com/fleetmesh/mesh/pkg/transport"
)

const usage = `mesh - inter-agent messaging over HTTP webhooks

Usage:
  mesh serve
  mesh send <target> <body> [--subject s] [--type t] [--priority p] [--ttl n]
            [--encrypt] [--attach file]... [--session key]
  mesh reply <target> <correlation-id> <body> [--subject s]
  mesh rally <question> --to a,b,c [--ttl n]
  mesh converse <type> <question> --to a,b,c [--ttl n] [--ack]
  mesh conversation <list|show|followup|complete|close|cancel|timeout|consensus|search> [args]
  mesh session <list|show|context|send> [args]
  mesh queue <status|drain|purge>
  mesh discover <probe|status|elect|gossip|join>
  mesh status [--format json|yaml]
  mesh export [--output file]
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mesh: %v\n", err)
		return 1
	}
	if cfg.Logging.Debug {
		logger.SetLevel(logger.DEBUG)
	}
	if cfg.Logging.FileEnabled {
		if err := logger.EnableFileLogging(cfg.Logging.FilePath, cfg.Logging.MaxSizeMB); err != nil {
			fmt.Fprintf(os.Stderr, "mesh: %v\n", err)
		}
	}

	verb, rest := args[0], args[1:]
	switch verb {
	case "serve":
		return cmdServe(cfg)
	case "send":
		return cmdSend(cfg, rest)
	case "reply":
		return cmdReply(cfg, rest)
	case "rally":
		return cmdConverse(cfg, append([]string{conversation.TypeRally}, rest...))
	case "converse":
		return cmdConverse(cfg, rest)
	case "conversation":
		return cmdConversation(cfg, rest)
	case "session":
		return cmdSession(cfg, rest)
	case "queue":
		return cmdQueue(cfg, rest)
	case "discover":
		return cmdDiscover(cfg, rest)
	case "status":
		return cmdStatus(cfg, rest)
	case "export":
		return cmdExport(cfg, rest)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "mesh: unknown command %q\n\n%s", verb, usage)
		return 1
	}
}

func cmdServe(cfg *config.Config) int {
	d, err := daemon.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mesh serve: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mesh serve: %v\n", err)
		return 1
	}
	return 0
}

// node bundles the pieces a CLI verb needs without running the daemon.
type node struct {
	cfg      *config.Config
	reg      *registry.Registry
	auditLog *audit.Log
	breaker  *circuit.Breaker
	send     *transport.Pipeline
	convs    *conversation.Engine
	sessions *session.Router
	drainer  *queue.Drainer
	disc     *discovery.Discoverer
}

func openNode(cfg *config.Config) (*node, error) {
	if err := cfg.EnsureLayout(); err != nil {
		return nil, err
	}
	reg, err := registry.Load(cfg)
	if err != nil {
		return nil, err
	}
	auditLog := audit.New(cfg.AuditLogPath())
	breaker := circuit.New(cfg.CircuitsPath())
	send := transport.NewPipeline(cfg, reg, breaker, auditLog)
	n := &node{
		cfg:      cfg,
		reg:      reg,
		auditLog: auditLog,
		breaker:  breaker,
		send:     send,
		convs:    conversation.NewEngine(cfg, reg, send, auditLog),
		sessions: session.NewRouter(cfg, reg, send),
		drainer:  queue.NewDrainer(cfg, reg, send),
		disc:     discovery.New(cfg, reg),
	}
	return n, nil
}

// close releases resources a one-shot command may have opened, in
// particular the attachment stager's listener.
func (n *node) close() {
	n.send.Stager().Stop()
}

func fail(format string, args ...interface{}) int {
	fmt.Fprintf(os.Stderr, "mesh: "+format+"\n", args...)
	return 1
}
