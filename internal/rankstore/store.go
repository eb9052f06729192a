// Package rankstore keeps the state of every rank in a world.
//
// The coordinator writes join and finalize events into it and the launcher
// writes process placement and exit status. A Store is created for a fixed
// world size and every rank starts out pending.
package rankstore

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle position of a rank.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusJoined    Status = "joined"
	StatusFinalized Status = "finalized"
	StatusExited    Status = "exited"
	StatusFailed    Status = "failed"
)

// Record is everything known about one rank.
type Record struct {
	Rank       int       `msgpack:"rank"`
	Host       string    `msgpack:"host"`
	Processor  string    `msgpack:"processor"`
	PID        int       `msgpack:"pid"`
	Status     Status    `msgpack:"status"`
	ExitCode   int       `msgpack:"exit_code"`
	StartedAt  time.Time `msgpack:"started_at"`
	JoinedAt   time.Time `msgpack:"joined_at"`
	FinishedAt time.Time `msgpack:"finished_at"`
	Error      string    `msgpack:"error,omitempty"`
}

// Store is a thread-safe table of rank records.
type Store struct {
	mu      sync.RWMutex
	records map[int]*Record
	size    int
}

// New creates a store for a world of the given size with every rank pending.
func New(size int) *Store {
	s := &Store{records: make(map[int]*Record, size), size: size}
	for r := 0; r < size; r++ {
		s.records[r] = &Record{Rank: r, Status: StatusPending}
	}
	return s
}

// Size returns the world size the store was created for.
func (s *Store) Size() int {
	return s.size
}

// Get returns a copy of the record for rank.
func (s *Store) Get(rank int) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[rank]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Update applies fn to the record for rank under the store's lock.
func (s *Store) Update(rank int, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[rank]
	if !ok {
		return fmt.Errorf("rankstore: rank %d is outside [0, %d)", rank, s.size)
	}
	fn(rec)
	return nil
}

// Start records that the process for rank was launched on host.
func (s *Store) Start(rank int, host string, at time.Time) error {
	return s.Update(rank, func(r *Record) {
		r.Host = host
		r.Status = StatusRunning
		r.StartedAt = at
	})
}

// Join records that rank registered with the coordinator.
func (s *Store) Join(rank int, processor string, pid int, at time.Time) error {
	return s.Update(rank, func(r *Record) {
		r.Processor = processor
		r.PID = pid
		r.Status = StatusJoined
		r.JoinedAt = at
	})
}

// Finalize records that rank reached the finalize barrier.
func (s *Store) Finalize(rank int, at time.Time) error {
	return s.Update(rank, func(r *Record) {
		r.Status = StatusFinalized
		r.FinishedAt = at
	})
}

// Exit records the exit code of the rank's process. A non-nil err marks the
// rank failed. A rank that already failed stays failed.
func (s *Store) Exit(rank int, code int, err error, at time.Time) error {
	return s.Update(rank, func(r *Record) {
		r.ExitCode = code
		r.FinishedAt = at
		if err != nil {
			r.Status = StatusFailed
			r.Error = err.Error()
			return
		}
		if r.Status != StatusFailed {
			r.Status = StatusExited
		}
	})
}

// Fail marks rank failed with err.
func (s *Store) Fail(rank int, err error, at time.Time) error {
	return s.Update(rank, func(r *Record) {
		r.Status = StatusFailed
		r.FinishedAt = at
		if err != nil {
			r.Error = err.Error()
		}
	})
}

// Count returns how many ranks are in status.
func (s *Store) Count(status Status) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all records ordered by rank.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}
