package transport

import (
	"encoding/json"
	"time"

	"github.com/fleetmesh/mesh/pkg/logger"
	"github.com/fleetmesh/mesh/pkg/store"
)

const DefaultMaxQueue = 100

// DeadLetter holds an envelope whose delivery failed, kept for later
// replay by the queue drainer. Envelope is the exact serialized bytes so a
// replay delivers what was signed.
type DeadLetter struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	To        string    `json:"to"`
	FailReason string   `json:"failReason"`
	Attempts  int       `json:"attempts"`
	Envelope  string    `json:"envelope"`
}

type deadLetterFile struct {
	Messages []DeadLetter `json:"messages"`
}

// DeadLetterStore is a bounded FIFO: at the cap, the oldest entry is
// dropped to make room.
type DeadLetterStore struct {
	file *store.File[deadLetterFile]
	max  int
}

func NewDeadLetterStore(path string, max int) *DeadLetterStore {
	if max <= 0 {
		max = DefaultMaxQueue
	}
	return &DeadLetterStore{
		file: store.NewFile(path, func() deadLetterFile { return deadLetterFile{} }),
		max:  max,
	}
}

func (s *DeadLetterStore) Add(dl DeadLetter) error {
	return s.file.Mutate(func(f *deadLetterFile) error {
		f.Messages = append(f.Messages, dl)
		for len(f.Messages) > s.max {
			dropped := f.Messages[0]
			f.Messages = f.Messages[1:]
			logger.WarnCF("queue", "dead-letter queue full, dropped oldest", map[string]interface{}{
				"dropped": dropped.ID,
				"to":      dropped.To,
			})
		}
		return nil
	})
}

func (s *DeadLetterStore) Remove(id string) error {
	return s.file.Mutate(func(f *deadLetterFile) error {
		kept := f.Messages[:0]
		for _, m := range f.Messages {
			if m.ID != id {
				kept = append(kept, m)
			}
		}
		f.Messages = kept
		return nil
	})
}

// Purge removes entries selected by keep returning false and reports how
// many were removed.
func (s *DeadLetterStore) Purge(keep func(DeadLetter) bool) (int, error) {
	removed := 0
	err := s.file.Mutate(func(f *deadLetterFile) error {
		kept := f.Messages[:0]
		for _, m := range f.Messages {
			if keep(m) {
				kept = append(kept, m)
			} else {
				removed++
			}
		}
		f.Messages = kept
		return nil
	})
	return removed, err
}

func (s *DeadLetterStore) List() ([]DeadLetter, error) {
	f, err := s.file.Snapshot()
	if err != nil {
		return nil, err
	}
	return f.Messages, nil
}

func (s *DeadLetterStore) Len() (int, error) {
	f, err := s.file.Snapshot()
	if err != nil {
		return 0, err
	}
	return len(f.Messages), nil
}

// MarshalEnvelope is a helper for storing an envelope's wire bytes.
func MarshalEnvelope(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
