package daemon

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/fleetmesh/mesh/pkg/audit"
	"github.com/fleetmesh/mesh/pkg/circuit"
	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/conversation"
	"github.com/fleetmesh/mesh/pkg/dashboard"
	"github.com/fleetmesh/mesh/pkg/discovery"
	"github.com/fleetmesh/mesh/pkg/logger"
	"github.com/fleetmesh/mesh/pkg/queue"
	"github.com/fleetmesh/mesh/pkg/receive"
	"github.com/fleetmesh/mesh/pkg/registry"
	"github.com/fleetmesh/mesh/pkg/session"
	"github.com/fleetmesh/mesh/pkg/transport"
)

// Daemon is the long-lived node process: webhook server, dashboard API,
// and the periodic tasks (queue drain, peer probe and election,
// conversation sweep, session cleanup, nonce trim) on one shared
// scheduler. Cron expressions from config gate each task; the scheduler
// ticks once per minute.
type Daemon struct {
	cfg      *config.Config
	reg      *registry.Registry
	auditLog *audit.Log
	breaker  *circuit.Breaker
	send     *transport.Pipeline
	recv     *receive.Pipeline
	server   *receive.Server
	drainer  *queue.Drainer
	disc     *discovery.Discoverer
	convs    *conversation.Engine
	sessions *session.Router
	dash     *dashboard.API
}

func New(cfg *config.Config) (*Daemon, error) {
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
	convs := conversation.NewEngine(cfg, reg, send, auditLog)
	sessions := session.NewRouter(cfg, reg, send)
	disc := discovery.New(cfg, reg)

	recv := receive.NewPipeline(cfg, reg, send, auditLog, receive.NewExecHandler(cfg), convs, sessions)
	recv.SetGossipSink(disc)
	server := receive.NewServer(cfg, reg, recv)

	d := &Daemon{
		cfg:      cfg,
		reg:      reg,
		auditLog: auditLog,
		breaker:  breaker,
		send:     send,
		recv:     recv,
		server:   server,
		drainer:  queue.NewDrainer(cfg, reg, send),
		disc:     disc,
		convs:    convs,
		sessions: sessions,
	}
	if cfg.Dashboard.Enabled {
		d.dash = dashboard.NewAPI(cfg, reg, auditLog, breaker, send.DeadLetters())
		d.dash.Mount(server.Mux())
	}
	return d, nil
}

// Run blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	logger.InfoCF("daemon", "mesh node starting", map[string]interface{}{
		"agent": d.reg.Self(),
		"peers": len(d.reg.Peers()),
	})

	go d.schedulerLoop(ctx)

	err := d.server.Start(ctx)

	// The attachment stager owns an ephemeral listener; tear it down on
	// every exit path.
	d.send.Stager().Stop()
	logger.InfoC("daemon", "mesh node stopped")
	return err
}

func (d *Daemon) schedulerLoop(ctx context.Context) {
	// Align ticks to minute boundaries so cron gating behaves.
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Until(time.Now().Truncate(time.Minute).Add(time.Minute))):
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	d.tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.tick(ctx, now)
		}
	}
}

func (d *Daemon) tick(ctx context.Context, now time.Time) {
	if d.due(d.cfg.Queue.DrainCron, now) {
		if _, err := d.drainer.Drain(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorCF("daemon", "queue drain failed", map[string]interface{}{"error": err.Error()})
		}
	}
	if d.due(d.cfg.Discovery.ProbeCron, now) {
		if _, err := d.disc.Elect(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorCF("daemon", "probe/elect failed", map[string]interface{}{"error": err.Error()})
		}
	}
	if d.due(d.cfg.Conversation.SweepCron, now) {
		if swept, err := d.convs.TimeoutSweep(now); err != nil {
			logger.ErrorCF("daemon", "conversation sweep failed", map[string]interface{}{"error": err.Error()})
		} else if swept > 0 {
			logger.InfoCF("daemon", "conversations timed out", map[string]interface{}{"count": swept})
		}
	}
	if d.due(d.cfg.Session.CleanupCron, now) {
		if _, err := d.sessions.Cleanup(now); err != nil {
			logger.ErrorCF("daemon", "session cleanup failed", map[string]interface{}{"error": err.Error()})
		}
		if removed, err := d.recv.Nonces().Trim(now); err != nil {
			logger.ErrorCF("daemon", "nonce trim failed", map[string]interface{}{"error": err.Error()})
		} else if removed > 0 {
			logger.DebugCF("daemon", "trimmed nonce log", map[string]interface{}{"removed": removed})
		}
	}
}

func (d *Daemon) due(expr string, now time.Time) bool {
	if expr == "" {
		return false
	}
	gron := gronx.New()
	due, err := gron.IsDue(expr, now)
	if err != nil {
		logger.WarnCF("daemon", "bad cron expression", map[string]interface{}{"expr": expr, "error": err.Error()})
		return false
	}
	return due
}
