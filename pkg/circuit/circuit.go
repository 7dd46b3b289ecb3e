package circuit

import (
	"time"

	"github.com/fleetmesh/mesh/pkg/logger"
	"github.com/fleetmesh/mesh/pkg/store"
)

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"

	failureThreshold = 3
	cooldown         = 60 * time.Second
)

type Record struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitzero"`
	OpenUntil   time.Time `json:"openUntil,omitzero"`
}

// Breaker is the per-peer admission control, persisted as one record per
// peer in circuit-breakers.json.
type Breaker struct {
	file *store.File[map[string]Record]
}

func New(path string) *Breaker {
	return &Breaker{
		file: store.NewFile(path, func() map[string]Record {
			return map[string]Record{}
		}),
	}
}

// Allow reports whether a send to peer may proceed. An open circuit whose
// cooldown has elapsed transitions to half-open and admits a single probe.
func (b *Breaker) Allow(peer string, now time.Time) (bool, error) {
	allowed := true
	err := b.file.Mutate(func(m *map[string]Record) error {
		rec := (*m)[peer]
		switch rec.State {
		case StateOpen:
			if now.Before(rec.OpenUntil) {
				allowed = false
				return nil
			}
			rec.State = StateHalfOpen
			rec.OpenUntil = now.Add(cooldown)
			(*m)[peer] = rec
			logger.InfoCF("circuit", "half-open probe window", map[string]interface{}{"peer": peer})
		case StateHalfOpen:
			// One probe per cooldown until it records success or failure.
			if now.Before(rec.OpenUntil) {
				allowed = false
				return nil
			}
			rec.OpenUntil = now.Add(cooldown)
			(*m)[peer] = rec
		}
		return nil
	})
	return allowed, err
}

// RecordSuccess resets the peer's circuit to closed.
func (b *Breaker) RecordSuccess(peer string) error {
	return b.file.Mutate(func(m *map[string]Record) error {
		(*m)[peer] = Record{State: StateClosed}
		return nil
	})
}

// RecordFailure increments the failure count and trips the circuit open at
// the threshold. A half-open failure re-opens immediately with a fresh
// cooldown.
func (b *Breaker) RecordFailure(peer string, now time.Time) error {
	return b.file.Mutate(func(m *map[string]Record) error {
		rec := (*m)[peer]
		rec.Failures++
		rec.LastFailure = now
		if rec.State == StateHalfOpen || rec.Failures >= failureThreshold {
			if rec.State != StateOpen {
				logger.WarnCF("circuit", "circuit opened", map[string]interface{}{
					"peer":     peer,
					"failures": rec.Failures,
				})
			}
			rec.State = StateOpen
			rec.OpenUntil = now.Add(cooldown)
		} else if rec.State == "" {
			rec.State = StateClosed
		}
		(*m)[peer] = rec
		return nil
	})
}

func (b *Breaker) Get(peer string) (Record, error) {
	m, err := b.file.Get()
	if err != nil {
		return Record{}, err
	}
	rec, ok := m[peer]
	if !ok {
		return Record{State: StateClosed}, nil
	}
	if rec.State == "" {
		rec.State = StateClosed
	}
	return rec, nil
}

func (b *Breaker) Snapshot() (map[string]Record, error) {
	return b.file.Snapshot()
}
