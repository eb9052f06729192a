package world

import "context"

// Singleton is a world made of the calling process alone.
type Singleton struct {
	state
}

// NewSingleton returns an uninitialized single-process world.
func NewSingleton(getenv func(string) string) *Singleton {
	return &Singleton{state: state{getenv: getenv}}
}

func (s *Singleton) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return err
	}
	s.commit(0, 1)
	return nil
}

func (s *Singleton) Finalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.finish()
	return err
}
