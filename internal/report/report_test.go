package report

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/mpiprobe/internal/job"
	"github.com/vk/mpiprobe/internal/launcher"
	"github.com/vk/mpiprobe/internal/rankstore"
	"github.com/vk/mpiprobe/internal/verify"
)

var timeEqual = cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

func sampleReport() *Report {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Report{
		Version:    FormatVersion,
		Job:        "smoke",
		NP:         3,
		Launcher:   job.LauncherLocal,
		HostSource: "localhost",
		StartedAt:  start,
		Duration:   1500 * time.Millisecond,
		Ranks: []rankstore.Record{
			{Rank: 0, Host: "n1", Processor: "n1", PID: 10, Status: rankstore.StatusExited, StartedAt: start, FinishedAt: start.Add(time.Second)},
			{Rank: 1, Host: "n1", Processor: "n1", PID: 11, Status: rankstore.StatusExited, StartedAt: start, FinishedAt: start.Add(time.Second)},
			{Rank: 2, Host: "n2", Status: rankstore.StatusFailed, ExitCode: 3, Error: "exit status 3", StartedAt: start},
		},
		JoinLatency: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond},
		Verified:    true,
		Passed:      false,
		Problems:    []verify.Problem{{Kind: verify.KindMissing, Rank: 2, Detail: "rank 2 never reported"}},
		Hosts:       map[string][]int{"n1": {0, 1}},
		Error:       "launcher: ranks failed: 1 of 3 ranks",
	}
}

func TestSaveLoad(t *testing.T) {
	// --- Arrange ---
	path := filepath.Join(t.TempDir(), "run.msgpack")
	want := sampleReport()

	// --- Act ---
	require.NoError(t, Save(path, want))
	got, err := Load(path)

	// --- Assert ---
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, timeEqual); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(strings.NewReader("not msgpack"))
	assert.Error(t, err)

	var buf bytes.Buffer
	r := sampleReport()
	r.Version = 99
	require.NoError(t, Encode(&buf, r))
	_, err = Decode(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format version 99")

	_, err = Load(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestFromResult(t *testing.T) {
	j := job.New("r", 2)
	res := &launcher.Result{
		Job:          j,
		HostSource:   "hostfile",
		Duration:     time.Second,
		Ranks:        []rankstore.Record{{Rank: 0, Status: rankstore.StatusExited}, {Rank: 1, Status: rankstore.StatusExited}},
		Verification: &verify.Result{Expected: 2, Hosts: map[string][]int{"h": {0, 1}}},
	}

	ok := FromResult(res, nil)
	assert.True(t, ok.Passed)
	assert.True(t, ok.Verified)
	assert.Equal(t, "hostfile", ok.HostSource)
	assert.Equal(t, map[string][]int{"h": {0, 1}}, ok.Hosts)
	assert.Empty(t, ok.Error)

	bad := FromResult(res, errors.New("boom"))
	assert.False(t, bad.Passed)
	assert.Equal(t, "boom", bad.Error)
}

func TestSummarize(t *testing.T) {
	lat, err := Summarize([]time.Duration{30 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 3, lat.Count)
	assert.Equal(t, 20*time.Millisecond, lat.Mean)
	assert.InDelta(t, float64(10*time.Millisecond), float64(lat.StdDev), float64(time.Microsecond))
	assert.Equal(t, 10*time.Millisecond, lat.Min)
	assert.Equal(t, 20*time.Millisecond, lat.Median)
	assert.Equal(t, 30*time.Millisecond, lat.Max)

	one, err := Summarize([]time.Duration{time.Second})
	require.NoError(t, err)
	assert.Zero(t, one.StdDev)

	_, err = Summarize(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, WriteSummary(&buf, sampleReport(), false))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, `FAIL job "smoke": 3 ranks via local in 1.5s`), out)
	assert.Contains(t, out, "n1 ranks 0-1")
	assert.Contains(t, out, "verification: 1 problems")
	assert.Contains(t, out, "missing: rank 2 never reported")
	assert.Contains(t, out, "rank 2 on n2: failed (exit 3): exit status 3")
	assert.Contains(t, out, "join latency: mean 20ms, stddev 10ms")
	assert.NotContains(t, out, "\x1b[", "no escape codes when color is off")
}

func TestCompactRanks(t *testing.T) {
	assert.Equal(t, "0-3,6,8-9", compactRanks([]int{9, 0, 1, 2, 3, 6, 8}))
	assert.Equal(t, "5", compactRanks([]int{5}))
	assert.Equal(t, "", compactRanks(nil))
}
