package world

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrAlreadyInitialized is returned when Init is called more than once.
	ErrAlreadyInitialized = errors.New("world: already initialized")
	// ErrNotInitialized is returned when Finalize is called before Init.
	ErrNotInitialized = errors.New("world: not initialized")
)

// Runtime is the set of process-group routines a rank uses.
type Runtime interface {
	Init(ctx context.Context) error
	Size() int
	Rank() int
	ProcessorName() (string, error)
	Finalize(ctx context.Context) error
}

// state is the bookkeeping shared by every backend.
type state struct {
	mu          sync.Mutex
	initialized bool
	joining     bool
	finalized   bool
	rank        int
	size        int
	getenv      func(string) string
}

func (s *state) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return 0
	}
	return s.size
}

func (s *state) Rank() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return -1
	}
	return s.rank
}

func (s *state) ProcessorName() (string, error) {
	return processorName(s.env())
}

func (s *state) env() func(string) string {
	if s.getenv == nil {
		return defaultGetenv
	}
	return s.getenv
}

// begin reserves the runtime for initialization. The caller must hold s.mu.
func (s *state) begin() error {
	if s.initialized || s.joining {
		return ErrAlreadyInitialized
	}
	return nil
}

// commit records a successful initialization. The caller must hold s.mu.
func (s *state) commit(rank, size int) {
	s.rank = rank
	s.size = size
	s.initialized = true
}

// finish marks the runtime finalized. It reports whether this call did the
// transition. The caller must hold s.mu.
func (s *state) finish() (bool, error) {
	if !s.initialized {
		return false, ErrNotInitialized
	}
	if s.finalized {
		return false, nil
	}
	s.finalized = true
	return true, nil
}
