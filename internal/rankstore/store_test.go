package rankstore

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AllPending(t *testing.T) {
	s := New(3)

	assert.Equal(t, 3, s.Size())
	assert.Equal(t, 3, s.Count(StatusPending))
	for r := 0; r < 3; r++ {
		rec, ok := s.Get(r)
		require.True(t, ok)
		assert.Equal(t, r, rec.Rank)
		assert.Equal(t, StatusPending, rec.Status)
	}
	_, ok := s.Get(3)
	assert.False(t, ok)
}

func TestLifecycle(t *testing.T) {
	s := New(1)
	t0 := time.Unix(100, 0)

	status := func() Status {
		rec, _ := s.Get(0)
		return rec.Status
	}

	require.Equal(t, StatusPending, status())
	require.NoError(t, s.Start(0, "node01", t0))
	require.Equal(t, StatusRunning, status())
	require.NoError(t, s.Join(0, "node01", 4242, t0.Add(time.Second)))
	require.Equal(t, StatusJoined, status())
	require.NoError(t, s.Finalize(0, t0.Add(2*time.Second)))
	require.Equal(t, StatusFinalized, status())
	require.NoError(t, s.Exit(0, 0, nil, t0.Add(3*time.Second)))

	rec, _ := s.Get(0)
	assert.Equal(t, StatusExited, rec.Status)
	assert.Equal(t, "node01", rec.Host)
	assert.Equal(t, 4242, rec.PID)
	assert.Equal(t, t0, rec.StartedAt)
	assert.Equal(t, t0.Add(time.Second), rec.JoinedAt)
	assert.Equal(t, t0.Add(3*time.Second), rec.FinishedAt)
}

func TestExit_KeepsEarlierFailure(t *testing.T) {
	s := New(1)
	require.NoError(t, s.Fail(0, errors.New("lost connection"), time.Now()))
	require.NoError(t, s.Exit(0, 0, nil, time.Now()))

	rec, _ := s.Get(0)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "lost connection", rec.Error)
}

func TestUpdate_OutOfRange(t *testing.T) {
	s := New(2)
	err := s.Join(5, "x", 1, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside [0, 2)")
}

// TestStore_ConcurrentAccess verifies that the store can be safely accessed by
// multiple goroutines simultaneously without data races or lost writes.
func TestStore_ConcurrentAccess(t *testing.T) {
	const size = 100
	s := New(size)
	var wg sync.WaitGroup

	wg.Add(size)
	for i := 0; i < size; i++ {
		go func(i int) {
			defer wg.Done()
			_ = s.Join(i, fmt.Sprintf("host%d", i%4), i, time.Now())
			_ = s.Finalize(i, time.Now())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, size, s.Count(StatusFinalized))
	snap := s.Snapshot()
	require.Len(t, snap, size)
	for i, rec := range snap {
		assert.Equal(t, i, rec.Rank, "snapshot must be ordered by rank")
		assert.Equal(t, fmt.Sprintf("host%d", i%4), rec.Processor)
	}
}
