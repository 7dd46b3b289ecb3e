package queue

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/envelope"
	"github.com/fleetmesh/mesh/pkg/logger"
	"github.com/fleetmesh/mesh/pkg/registry"
	"github.com/fleetmesh/mesh/pkg/store"
	"github.com/fleetmesh/mesh/pkg/transport"
)

const livenessTimeout = 2 * time.Second

type State struct {
	TotalReplayed int       `json:"totalReplayed"`
	TotalPurged   int       `json:"totalPurged"`
	LastDrain     time.Time `json:"lastDrain,omitzero"`
}

type DrainReport struct {
	Purged   int
	Replayed int
	Skipped  int
	Remained int
}

// Drainer periodically retries dead-lettered envelopes against live peers.
// Replays go through the same delivery path as fresh sends; receivers
// deduplicate on nonce, so a replay after a lost 2xx is harmless.
type Drainer struct {
	cfg      *config.Config
	reg      *registry.Registry
	pipeline *transport.Pipeline
	state    *store.File[State]
	spacing  time.Duration
}

func NewDrainer(cfg *config.Config, reg *registry.Registry, pipeline *transport.Pipeline) *Drainer {
	spacing := time.Duration(cfg.Queue.ReplaySpacingMS) * time.Millisecond
	if spacing <= 0 {
		spacing = time.Second
	}
	return &Drainer{
		cfg:      cfg,
		reg:      reg,
		pipeline: pipeline,
		state:    store.NewFile(cfg.QueueStatePath(), func() State { return State{} }),
		spacing:  spacing,
	}
}

func (d *Drainer) State() (State, error) { return d.state.Snapshot() }

// PurgeExpired drops every dead letter whose envelope outlived its TTL.
func (d *Drainer) PurgeExpired(now time.Time) (int, error) {
	purged, err := d.pipeline.DeadLetters().Purge(func(dl transport.DeadLetter) bool {
		env, perr := envelope.Parse([]byte(dl.Envelope))
		if perr != nil {
			// Unparsable entries can never be replayed; drop them too.
			return false
		}
		return !env.Expired(now)
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		d.state.Mutate(func(s *State) error {
			s.TotalPurged += purged
			return nil
		})
		logger.InfoCF("queue", "purged expired dead letters", map[string]interface{}{"count": purged})
	}
	return purged, nil
}

// Drain runs one pass: TTL purge, then per-target liveness gate, then
// paced replay. A failed replay stays queued for the next pass.
func (d *Drainer) Drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport

	purged, err := d.PurgeExpired(time.Now())
	if err != nil {
		return report, err
	}
	report.Purged = purged

	letters, err := d.pipeline.DeadLetters().List()
	if err != nil {
		return report, err
	}
	if len(letters) == 0 {
		d.touch()
		return report, nil
	}

	byTarget := map[string][]transport.DeadLetter{}
	for _, dl := range letters {
		byTarget[dl.To] = append(byTarget[dl.To], dl)
	}
	targets := make([]string, 0, len(byTarget))
	for t := range byTarget {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	for _, target := range targets {
		queued := byTarget[target]
		if !d.alive(ctx, target) {
			report.Skipped += len(queued)
			continue
		}

		for i, dl := range queued {
			select {
			case <-ctx.Done():
				report.Remained = len(letters) - report.Replayed - report.Purged
				return report, ctx.Err()
			default:
			}
			if i > 0 {
				time.Sleep(d.spacing)
			}

			err := d.pipeline.Deliver(ctx, dl.Envelope)
			d.logReplay(dl, err)
			if err != nil {
				logger.DebugCF("queue", "replay failed, leaving queued", map[string]interface{}{
					"id":    dl.ID,
					"to":    dl.To,
					"error": err.Error(),
				})
				continue
			}
			if err := d.pipeline.DeadLetters().Remove(dl.ID); err != nil {
				logger.ErrorCF("queue", "dequeue after replay failed", map[string]interface{}{"id": dl.ID, "error": err.Error()})
				continue
			}
			report.Replayed++
		}
	}

	if report.Replayed > 0 {
		d.state.Mutate(func(s *State) error {
			s.TotalReplayed += report.Replayed
			s.LastDrain = time.Now().UTC()
			return nil
		})
	} else {
		d.touch()
	}

	remaining, _ := d.pipeline.DeadLetters().Len()
	report.Remained = remaining
	if report.Replayed > 0 || report.Purged > 0 {
		logger.InfoCF("queue", "drain pass complete", map[string]interface{}{
			"replayed": report.Replayed,
			"purged":   report.Purged,
			"skipped":  report.Skipped,
			"remained": report.Remained,
		})
	}
	return report, nil
}

// alive is a cheap TCP liveness gate so a dead target does not eat a full
// retry schedule per queued message.
func (d *Drainer) alive(ctx context.Context, target string) bool {
	peer, err := d.reg.Peer(target)
	if err != nil {
		return false
	}
	conn, err := (&net.Dialer{Timeout: livenessTimeout}).DialContext(ctx, "tcp", peer.Addr())
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (d *Drainer) touch() {
	d.state.Mutate(func(s *State) error {
		s.LastDrain = time.Now().UTC()
		return nil
	})
}

func (d *Drainer) logReplay(dl transport.DeadLetter, err error) {
	entry := map[string]interface{}{
		"ts":     time.Now().UTC().Format(time.RFC3339),
		"id":     dl.ID,
		"to":     dl.To,
		"reason": dl.FailReason,
	}
	if err != nil {
		entry["result"] = "failed"
		entry["error"] = err.Error()
	} else {
		entry["result"] = "replayed"
	}
	data, merr := json.Marshal(entry)
	if merr != nil {
		return
	}
	path := d.cfg.ReplayLogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	f, ferr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if ferr != nil {
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}
