package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vk/mpiprobe/internal/ctxlog"
	"github.com/vk/mpiprobe/internal/job"
	"github.com/vk/mpiprobe/internal/launcher"
	"github.com/vk/mpiprobe/internal/probe"
	"github.com/vk/mpiprobe/internal/report"
	"github.com/vk/mpiprobe/internal/verify"
	"github.com/vk/mpiprobe/internal/world"
)

// Run executes the configured command.
func (app *App) Run(ctx context.Context) (err error) {
	ctx = ctxlog.WithLogger(ctx, app.logger)
	app.ctx = ctx
	app.logger.Debug("App.Run method started.", "command", app.config.Command)

	if err := app.healthCheckServer(); err != nil {
		return err
	}
	defer func() {
		if cerr := app.closeHealthCheckServer(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	switch app.config.Command {
	case CommandHello:
		return app.runHello(ctx)
	case CommandRun:
		return app.runJob(ctx)
	case CommandVerify:
		return app.runVerify(ctx)
	case CommandInit:
		return app.runInit(ctx)
	case CommandReport:
		return app.runReport(ctx)
	default:
		return fmt.Errorf("unknown command %q", app.config.Command)
	}
}

func (app *App) runHello(ctx context.Context) error {
	rt := world.Detect(app.getenv)
	g, err := probe.Run(ctx, rt, app.outW)
	if err != nil {
		return err
	}
	app.logger.Debug("Probe finished.", "rank", g.Rank, "size", g.Size, "processor", g.Processor)
	return nil
}

func (app *App) runJob(ctx context.Context) error {
	j, err := app.buildJob(ctx)
	if err != nil {
		return err
	}

	l := &launcher.Launcher{
		Stdout:   app.outW,
		Stderr:   app.errW,
		Observer: app.metrics,
		Getenv:   app.getenv,
	}
	app.logger.Info("🚀 Starting job", "job", j.Name, "np", j.NP, "launcher", j.Launcher, "program", j.Program)
	res, runErr := l.Run(ctx, j)
	if res == nil {
		return runErr
	}

	rep := report.FromResult(res, runErr)
	if err := report.WriteSummary(app.errW, rep, !app.config.NoColor); err != nil {
		app.logger.Warn("Failed to write summary", "error", err)
	}
	if app.config.ReportPath != "" {
		if err := report.Save(app.config.ReportPath, rep); err != nil {
			return errors.Join(runErr, err)
		}
		app.logger.Info("Report saved", "path", app.config.ReportPath)
	}
	if runErr == nil {
		app.logger.Info("🏁 Job finished.", "job", j.Name, "duration", res.Duration)
	}
	return runErr
}

// buildJob loads the job file, when one is given, and applies the flags the
// user set explicitly on top of it.
func (app *App) buildJob(ctx context.Context) (*job.Job, error) {
	cfg := app.config
	var j *job.Job
	if cfg.JobPath != "" {
		loaded, err := job.Load(ctx, cfg.JobPath, cfg.JobName)
		if err != nil {
			return nil, err
		}
		j = loaded
	} else {
		name := cfg.JobName
		if name == "" {
			name = "adhoc"
		}
		j = job.New(name, cfg.NP)
	}

	override := func(flag string, apply func()) {
		if cfg.JobPath == "" || cfg.IsSet(flag) {
			apply()
		}
	}
	override("np", func() { j.NP = cfg.NP })
	override("launcher", func() {
		if cfg.Launcher != "" {
			j.Launcher = cfg.Launcher
		}
	})
	override("hostfile", func() { j.Hostfile = cfg.Hostfile })
	override("timeout", func() {
		if cfg.Timeout > 0 {
			j.Timeout = cfg.Timeout
		}
	})
	override("workers", func() { j.Workers = cfg.Workers })
	override("coordinator", func() { j.Coordinator = cfg.Coordinator })
	override("verify", func() { j.Verify = cfg.Verify })
	override("continue-on-error", func() { j.ContinueOnError = cfg.ContinueOnError })
	override("ssh-user", func() { j.SSH.User = cfg.SSHUser })
	override("ssh-key", func() { j.SSH.KeyFile = cfg.SSHKeyFile })
	if cfg.Program != "" {
		j.Program = cfg.Program
		j.Args = cfg.Args
	}

	if j.Program == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("no program given and the executable path is unknown: %w", err)
		}
		j.Program = self
		j.Args = []string{"hello", "-log-level", cfg.LogLevel, "-log-format", cfg.LogFormat}
	}
	j.ApplyDefaults()
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (app *App) runVerify(ctx context.Context) error {
	cfg := app.config
	var in io.Reader = app.inR
	if cfg.InputPath != "-" {
		f, err := os.Open(cfg.InputPath)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		defer f.Close()
		in = f
	}

	res, err := verify.Check(in, cfg.Expected)
	if res == nil {
		return err
	}
	ctxlog.FromContext(ctx).Debug("Verification finished.", "greetings", len(res.Greetings), "ignored", res.Ignored)

	rep := &report.Report{
		Version:  report.FormatVersion,
		Job:      cfg.InputPath,
		NP:       res.Expected,
		Launcher: "external",
		Verified: true,
		Passed:   err == nil,
		Problems: res.Problems,
		Hosts:    res.Hosts,
	}
	if werr := report.WriteSummary(app.outW, rep, !cfg.NoColor); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

func (app *App) runInit(ctx context.Context) error {
	cfg := app.config
	name := cfg.JobName
	if name == "" {
		name = "hello"
	}
	j := job.New(name, cfg.NP)
	if cfg.Launcher != "" {
		j.Launcher = cfg.Launcher
	}
	j.Hostfile = cfg.Hostfile
	if cfg.Timeout > 0 {
		j.Timeout = cfg.Timeout
	}
	j.Workers = cfg.Workers
	j.Coordinator = cfg.Coordinator
	j.Verify = cfg.Verify
	j.ContinueOnError = cfg.ContinueOnError
	j.SSH.User = cfg.SSHUser
	j.SSH.KeyFile = cfg.SSHKeyFile
	j.Program = cfg.Program
	j.Args = cfg.Args
	if j.Program == "" {
		j.Program = "mpiprobe"
		j.Args = []string{"hello"}
	}

	if cfg.OutputPath == "" || cfg.OutputPath == "-" {
		return job.Template(app.outW, j)
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if cfg.Force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(cfg.OutputPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := job.Template(f, j); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	ctxlog.FromContext(ctx).Info("Job file written", "path", cfg.OutputPath, "job", j.Name)
	return nil
}

func (app *App) runReport(_ context.Context) error {
	rep, err := report.Load(app.config.InputPath)
	if err != nil {
		return err
	}
	if err := report.WriteSummary(app.outW, rep, !app.config.NoColor); err != nil {
		return err
	}
	if !rep.Passed {
		return fmt.Errorf("recorded run of %q failed", rep.Job)
	}
	return nil
}
