// Package report stores the outcome of a launch and renders it for people.
//
// Reports are msgpack files so they can be archived next to job output and
// summarized later with `mpiprobe report`.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vk/mpiprobe/internal/launcher"
	"github.com/vk/mpiprobe/internal/rankstore"
	"github.com/vk/mpiprobe/internal/verify"
)

// FormatVersion is written into every report.
const FormatVersion = 1

// Report is the archived outcome of one run.
type Report struct {
	Version     int                `msgpack:"version"`
	Job         string             `msgpack:"job"`
	NP          int                `msgpack:"np"`
	Launcher    string             `msgpack:"launcher"`
	HostSource  string             `msgpack:"host_source"`
	StartedAt   time.Time          `msgpack:"started_at"`
	Duration    time.Duration      `msgpack:"duration"`
	Ranks       []rankstore.Record `msgpack:"ranks"`
	JoinLatency []time.Duration    `msgpack:"join_latency,omitempty"`
	Verified    bool               `msgpack:"verified"`
	Passed      bool               `msgpack:"passed"`
	Problems    []verify.Problem   `msgpack:"problems,omitempty"`
	Hosts       map[string][]int   `msgpack:"hosts,omitempty"`
	Error       string             `msgpack:"error,omitempty"`
}

// FromResult builds a report from a launcher result and the error Run
// returned with it.
func FromResult(res *launcher.Result, runErr error) *Report {
	r := &Report{
		Version:     FormatVersion,
		Job:         res.Job.Name,
		NP:          res.Job.NP,
		Launcher:    res.Job.Launcher,
		HostSource:  res.HostSource,
		StartedAt:   res.StartedAt,
		Duration:    res.Duration,
		Ranks:       res.Ranks,
		JoinLatency: res.JoinLatency,
		Passed:      runErr == nil,
	}
	if v := res.Verification; v != nil {
		r.Verified = true
		r.Problems = v.Problems
		r.Hosts = v.Hosts
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	return r
}

// Encode writes r to w.
func Encode(w io.Writer, r *Report) error {
	enc := msgpack.NewEncoder(w)
	enc.UseCompactInts(true)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("report: encode: %w", err)
	}
	return nil
}

// Decode reads a report from rd.
func Decode(rd io.Reader) (*Report, error) {
	var r Report
	if err := msgpack.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("report: decode: %w", err)
	}
	if r.Version != FormatVersion {
		return nil, fmt.Errorf("report: unsupported format version %d", r.Version)
	}
	return &r, nil
}

// Save writes r to path atomically.
func Save(path string, r *Report) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()
	if err := Encode(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

// Load reads the report at path.
func Load(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	defer f.Close()
	r, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}
