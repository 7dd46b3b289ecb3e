package receive

import (
	"sync"

	"github.com/fleetmesh/mesh/pkg/envelope"
)

const DefaultInboxSize = 100

// Inbox keeps the most recent accepted envelopes in memory for
// polling-based host frameworks that read GET /inbox instead of running a
// handler.
type Inbox struct {
	mu   sync.Mutex
	ring []*envelope.Envelope
	max  int
}

func NewInbox(max int) *Inbox {
	if max <= 0 {
		max = DefaultInboxSize
	}
	return &Inbox{max: max}
}

func (i *Inbox) Add(env *envelope.Envelope) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ring = append(i.ring, env)
	if len(i.ring) > i.max {
		i.ring = i.ring[len(i.ring)-i.max:]
	}
}

func (i *Inbox) List() []*envelope.Envelope {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*envelope.Envelope, len(i.ring))
	copy(out, i.ring)
	return out
}

func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.ring)
}
