// Package launcher starts the ranks of a job and collects what they report.
//
// Ranks run concurrently through a bounded worker pool. Each one receives its
// rank and the world size in MPIPROBE_RANK and MPIPROBE_SIZE, plus the
// coordinator URL in MPIPROBE_COORDINATOR when the job asks for rendezvous.
// Rank stdout reaches the launcher's stdout one whole line at a time.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vk/mpiprobe/internal/ctxlog"
	"github.com/vk/mpiprobe/internal/hostfile"
	"github.com/vk/mpiprobe/internal/job"
	"github.com/vk/mpiprobe/internal/rankstore"
	"github.com/vk/mpiprobe/internal/rendezvous"
	"github.com/vk/mpiprobe/internal/verify"
	"github.com/vk/mpiprobe/internal/world"
)

// ErrRanksFailed is returned when the run finished but some ranks did not
// exit cleanly.
var ErrRanksFailed = errors.New("launcher: ranks failed")

// errNotStarted marks ranks skipped because the run was already cancelled.
var errNotStarted = errors.New("not started: run cancelled")

// Observer is notified about rank lifecycle events. Calls may come from
// several goroutines at once.
type Observer interface {
	RankStarted(rank int, host string)
	RankExited(rank int, code int, err error)
	RankJoined(rank int, latency time.Duration)
}

// Launcher runs jobs.
type Launcher struct {
	Stdout io.Writer
	Stderr io.Writer
	// Spawner overrides the spawner chosen from the job's launcher name.
	Spawner  Spawner
	Observer Observer
	// Getenv reads the launcher's environment. It defaults to os.Getenv.
	Getenv func(string) string
}

// Result is everything a run produced.
type Result struct {
	Job          *job.Job
	Hosts        hostfile.Hosts
	HostSource   string
	StartedAt    time.Time
	Duration     time.Duration
	Ranks        []rankstore.Record
	Lines        []string
	JoinLatency  []time.Duration
	Verification *verify.Result
}

// Failed returns the records of ranks that did not exit cleanly.
func (r *Result) Failed() []rankstore.Record {
	var out []rankstore.Record
	for _, rec := range r.Ranks {
		if rec.Status != rankstore.StatusExited {
			out = append(out, rec)
		}
	}
	return out
}

// Run starts every rank of j and waits for them. The returned Result is
// non-nil whenever the ranks were started, even if Run also returns an error.
func (l *Launcher) Run(ctx context.Context, j *job.Job) (*Result, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	logger := ctxlog.FromContext(ctx).With("job", j.Name)
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	hosts, source, err := resolveHosts(j, getenv)
	if err != nil {
		return nil, err
	}
	placement := hosts.Place(j.NP)
	if j.NP > hosts.Slots() {
		logger.Warn("Oversubscribing hosts", "np", j.NP, "slots", hosts.Slots())
	}

	spawner := l.Spawner
	if spawner == nil {
		spawner, err = newSpawner(j, logger)
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		if err := spawner.Close(); err != nil {
			logger.Warn("Failed to close spawner", "error", err)
		}
	}()

	ctx, cancelTimeout := context.WithTimeout(ctx, j.Timeout)
	defer cancelTimeout()
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	store := rankstore.New(j.NP)
	res := &Result{Job: j, Hosts: hosts, HostSource: source, StartedAt: time.Now()}

	var coordURL string
	if j.Coordinator {
		coord, url, err := l.startCoordinator(runCtx, j, store, res)
		if err != nil {
			return nil, err
		}
		coordURL = url
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := coord.Close(closeCtx); err != nil {
				logger.Debug("Coordinator shutdown", "error", err)
			}
		}()
		go func() {
			if err := coord.Wait(runCtx); err != nil && runCtx.Err() == nil {
				logger.Error("World broken, cancelling remaining ranks", "error", err)
				cancelRun(err)
			}
		}()
	}

	stdout := &lineSink{w: l.Stdout, capture: true}
	stderr := &lineSink{w: l.Stderr}

	logger.Info("Launching ranks", "np", j.NP, "launcher", j.Launcher, "hosts", len(hosts), "host_source", source, "concurrency", j.Concurrency())

	// A coordinated world cannot complete without every rank, so a failed
	// rank ends the run even with continue_on_error.
	continueOnError := j.ContinueOnError && !j.Coordinator
	if j.ContinueOnError && j.Coordinator {
		logger.Debug("continue_on_error ignored for a coordinated job")
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(j.Concurrency())
	for rank := 0; rank < j.NP; rank++ {
		spawn := Spawn{
			Rank:    rank,
			Host:    placement[rank],
			Program: j.Program,
			Args:    j.Args,
			Env:     rankEnv(j, rank, coordURL),
		}
		g.Go(func() error {
			return l.runRank(gctx, logger, spawner, store, stdout, stderr, spawn, continueOnError)
		})
	}
	runErr := g.Wait()

	res.Duration = time.Since(res.StartedAt)
	res.Ranks = store.Snapshot()
	res.Lines = stdout.captured()

	if cause := context.Cause(runCtx); runErr == nil && cause != nil && !errors.Is(cause, context.Canceled) {
		runErr = cause
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("launcher: job %q timed out after %s: %w", j.Name, j.Timeout, runErr)
		}
		return res, fmt.Errorf("launcher: job %q: %w", j.Name, runErr)
	}
	if failed := res.Failed(); len(failed) > 0 {
		return res, fmt.Errorf("%w: %d of %d ranks", ErrRanksFailed, len(failed), j.NP)
	}

	if j.Verify {
		v, err := verify.CheckLines(res.Lines, j.NP)
		res.Verification = v
		if err != nil {
			for _, p := range v.Problems {
				logger.Error("Verification problem", "kind", p.Kind, "detail", p.Detail)
			}
			return res, err
		}
		logger.Info("Verification passed", "np", j.NP, "hosts", len(v.Hosts))
	}
	return res, nil
}

func (l *Launcher) startCoordinator(ctx context.Context, j *job.Job, store *rankstore.Store, res *Result) (*rendezvous.Coordinator, string, error) {
	logger := ctxlog.FromContext(ctx)
	coord := rendezvous.NewCoordinator(j.NP, store, logger)
	var mu sync.Mutex
	coord.OnJoin = func(rank int, latency time.Duration) {
		mu.Lock()
		res.JoinLatency = append(res.JoinLatency, latency)
		mu.Unlock()
		if l.Observer != nil {
			l.Observer.RankJoined(rank, latency)
		}
	}
	advertise := ""
	if j.Launcher == job.LauncherLocal {
		advertise = "127.0.0.1"
	}
	url, err := coord.Listen(j.CoordinatorAddr, advertise)
	if err != nil {
		return nil, "", err
	}
	return coord, url, nil
}

func (l *Launcher) runRank(ctx context.Context, logger *slog.Logger, spawner Spawner, store *rankstore.Store, stdout, stderr *lineSink, s Spawn, continueOnError bool) error {
	if ctx.Err() != nil {
		_ = store.Fail(s.Rank, errNotStarted, time.Now())
		return nil
	}

	out := newLineWriter(stdout, "")
	errOut := newLineWriter(stderr, rankPrefix(s.Rank))
	s.Stdout, s.Stderr = out, errOut

	_ = store.Start(s.Rank, s.Host.Name, time.Now())
	if l.Observer != nil {
		l.Observer.RankStarted(s.Rank, s.Host.Name)
	}
	logger.Debug("Rank starting", "rank", s.Rank, "host", s.Host.Name)

	err := spawner.Run(ctx, s)
	out.Flush()
	errOut.Flush()

	code := exitCode(err)
	_ = store.Exit(s.Rank, code, err, time.Now())
	if l.Observer != nil {
		l.Observer.RankExited(s.Rank, code, err)
	}
	if err == nil {
		logger.Debug("Rank exited", "rank", s.Rank, "host", s.Host.Name)
		return nil
	}
	logger.Warn("Rank failed", "rank", s.Rank, "host", s.Host.Name, "code", code, "error", err)
	if continueOnError {
		return nil
	}
	return err
}

// rankEnv is the environment added for one rank.
func rankEnv(j *job.Job, rank int, coordURL string) []string {
	env := []string{
		world.RankEnv + "=" + strconv.Itoa(rank),
		world.SizeEnv + "=" + strconv.Itoa(j.NP),
		world.CoordinatorEnv + "=" + coordURL,
	}
	for _, k := range j.EnvKeys() {
		env = append(env, k+"="+j.Env[k])
	}
	return env
}

func newSpawner(j *job.Job, logger *slog.Logger) (Spawner, error) {
	switch j.Launcher {
	case job.LauncherLocal:
		return LocalSpawner{}, nil
	case job.LauncherSrun:
		return SrunSpawner{}, nil
	case job.LauncherSSH:
		return NewSSHSpawner(j.SSH, logger)
	default:
		return nil, fmt.Errorf("launcher: unknown launcher %q", j.Launcher)
	}
}
