package world

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapEnv turns a map into a getenv function.
func mapEnv(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestSingleton_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewSingleton(mapEnv(map[string]string{ProcessorNameEnv: "n0"}))

	assert.Equal(t, 0, s.Size(), "size before Init")
	assert.Equal(t, -1, s.Rank(), "rank before Init")
	require.ErrorIs(t, s.Finalize(ctx), ErrNotInitialized)

	require.NoError(t, s.Init(ctx))
	assert.Equal(t, 1, s.Size())
	assert.Equal(t, 0, s.Rank())

	name, err := s.ProcessorName()
	require.NoError(t, err)
	assert.Equal(t, "n0", name)

	require.ErrorIs(t, s.Init(ctx), ErrAlreadyInitialized)
	require.NoError(t, s.Finalize(ctx))
	require.NoError(t, s.Finalize(ctx), "second Finalize is a no-op")
}

func TestEnv_Init(t *testing.T) {
	testCases := []struct {
		name       string
		env        map[string]string
		wantRank   int
		wantSize   int
		wantFamily string
		wantErr    error
		errSubstr  string
	}{
		{
			name:       "mpiprobe variables",
			env:        map[string]string{RankEnv: "2", SizeEnv: "4"},
			wantRank:   2,
			wantSize:   4,
			wantFamily: "mpiprobe",
		},
		{
			name:       "open mpi variables",
			env:        map[string]string{"OMPI_COMM_WORLD_RANK": "0", "OMPI_COMM_WORLD_SIZE": "8"},
			wantRank:   0,
			wantSize:   8,
			wantFamily: "openmpi",
		},
		{
			name:       "mpich pmi variables",
			env:        map[string]string{"PMI_RANK": "5", "PMI_SIZE": "6"},
			wantRank:   5,
			wantSize:   6,
			wantFamily: "pmi",
		},
		{
			name:       "pmix rank with open mpi size",
			env:        map[string]string{"PMIX_RANK": "1", "OMPI_COMM_WORLD_SIZE": "2"},
			wantRank:   1,
			wantSize:   2,
			wantFamily: "pmix",
		},
		{
			name:       "slurm variables",
			env:        map[string]string{"SLURM_PROCID": "3", "SLURM_NTASKS": "4"},
			wantRank:   3,
			wantSize:   4,
			wantFamily: "slurm",
		},
		{
			name:       "mpiprobe wins over slurm",
			env:        map[string]string{RankEnv: "1", SizeEnv: "2", "SLURM_PROCID": "0", "SLURM_NTASKS": "1"},
			wantRank:   1,
			wantSize:   2,
			wantFamily: "mpiprobe",
		},
		{
			name:       "rank without size falls through",
			env:        map[string]string{RankEnv: "1", "PMI_RANK": "0", "PMI_SIZE": "1"},
			wantRank:   0,
			wantSize:   1,
			wantFamily: "pmi",
		},
		{
			name:    "nothing set",
			env:     map[string]string{},
			wantErr: ErrNoLauncherEnv,
		},
		{
			name:      "non numeric rank",
			env:       map[string]string{RankEnv: "x", SizeEnv: "2"},
			errSubstr: "invalid mpiprobe rank",
		},
		{
			name:      "zero size",
			env:       map[string]string{RankEnv: "0", SizeEnv: "0"},
			errSubstr: "must be at least 1",
		},
		{
			name:      "rank out of range",
			env:       map[string]string{RankEnv: "4", SizeEnv: "4"},
			errSubstr: "outside [0, 4)",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEnv(mapEnv(tc.env))

			err := e.Init(context.Background())

			if tc.wantErr != nil || tc.errSubstr != "" {
				require.Error(t, err)
				if tc.wantErr != nil {
					assert.True(t, errors.Is(err, tc.wantErr), "unexpected error: %v", err)
				}
				if tc.errSubstr != "" {
					assert.Contains(t, err.Error(), tc.errSubstr)
				}
				assert.Equal(t, 0, e.Size(), "failed Init leaves the world empty")
				assert.Equal(t, -1, e.Rank())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantRank, e.Rank())
			assert.Equal(t, tc.wantSize, e.Size())
			assert.Equal(t, tc.wantFamily, e.Family())
			require.NoError(t, e.Finalize(context.Background()))
		})
	}
}

func TestDetect(t *testing.T) {
	t.Run("coordinator url selects coordinated world", func(t *testing.T) {
		rt := Detect(mapEnv(map[string]string{CoordinatorEnv: "http://127.0.0.1:1", RankEnv: "3"}))
		c, ok := rt.(*Coordinated)
		require.True(t, ok, "got %T", rt)
		assert.Equal(t, 3, c.requestedRank)
	})

	t.Run("coordinator without rank hint", func(t *testing.T) {
		rt := Detect(mapEnv(map[string]string{CoordinatorEnv: "http://127.0.0.1:1"}))
		c, ok := rt.(*Coordinated)
		require.True(t, ok, "got %T", rt)
		assert.Equal(t, -1, c.requestedRank)
	})

	t.Run("launcher variables select env world", func(t *testing.T) {
		rt := Detect(mapEnv(map[string]string{"PMI_RANK": "0", "PMI_SIZE": "1"}))
		_, ok := rt.(*Env)
		assert.True(t, ok, "got %T", rt)
	})

	t.Run("empty environment selects singleton", func(t *testing.T) {
		rt := Detect(mapEnv(nil))
		_, ok := rt.(*Singleton)
		assert.True(t, ok, "got %T", rt)
	})
}

func TestProcessorName(t *testing.T) {
	orig := hostname
	t.Cleanup(func() { hostname = orig })

	t.Run("hostname is used by default", func(t *testing.T) {
		hostname = func() (string, error) { return "node07", nil }
		name, err := processorName(mapEnv(nil))
		require.NoError(t, err)
		assert.Equal(t, "node07", name)
	})

	t.Run("override wins", func(t *testing.T) {
		hostname = func() (string, error) { return "node07", nil }
		name, err := processorName(mapEnv(map[string]string{ProcessorNameEnv: "alias"}))
		require.NoError(t, err)
		assert.Equal(t, "alias", name)
	})

	t.Run("long names are truncated", func(t *testing.T) {
		hostname = func() (string, error) { return strings.Repeat("h", MaxProcessorName+10), nil }
		name, err := processorName(mapEnv(nil))
		require.NoError(t, err)
		assert.Len(t, name, MaxProcessorName-1, "room is left for the terminating NUL")
	})

	t.Run("truncation keeps runes whole", func(t *testing.T) {
		hostname = func() (string, error) { return strings.Repeat("h", MaxProcessorName-2) + "é", nil }
		name, err := processorName(mapEnv(nil))
		require.NoError(t, err)
		assert.True(t, utf8.ValidString(name), "got %q", name)
		assert.Equal(t, strings.Repeat("h", MaxProcessorName-2), name)
	})

	t.Run("hostname failure is reported", func(t *testing.T) {
		hostname = func() (string, error) { return "", errors.New("boom") }
		_, err := processorName(mapEnv(nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})
}

func TestCoordinated_InitDoesNotBlockQueries(t *testing.T) {
	// --- Arrange ---
	// The coordinator never answers its health check, so Init stays in the
	// network phase until its context ends.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := NewCoordinated(srv.URL, -1, mapEnv(map[string]string{ProcessorNameEnv: "n0"}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	initErr := make(chan error, 1)
	go func() { initErr <- c.Init(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// --- Act ---
	start := time.Now()
	size, rank := c.Size(), c.Rank()
	again := c.Init(context.Background())
	elapsed := time.Since(start)

	// --- Assert ---
	assert.Less(t, elapsed, 500*time.Millisecond, "queries waited for the network")
	assert.Equal(t, 0, size)
	assert.Equal(t, -1, rank)
	require.ErrorIs(t, again, ErrAlreadyInitialized, "a second Init while joining is refused")

	require.Error(t, <-initErr)
	assert.Equal(t, 0, c.Size(), "a failed Init leaves the world uninitialized")
}
