package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/mpiprobe/internal/app"
	"github.com/vk/mpiprobe/internal/job"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) *ExitError {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

const topUsage = `
mpiprobe - an MPI-style hello world, its launcher and its checker.

Usage:
  mpiprobe [hello] [options]              print this rank's greeting
  mpiprobe run [options] [JOB_FILE] [-- PROGRAM ARGS...]
                                          launch NP ranks and verify them
  mpiprobe verify [options] [OUTPUT_FILE] check captured output ("-" is stdin)
  mpiprobe init [options] [-- PROGRAM ARGS...]
                                          write a starter job file
  mpiprobe report [options] REPORT_FILE   summarize a saved run report

Run "mpiprobe COMMAND -h" for the options of a command.
`

var commands = map[string]bool{
	app.CommandHello:  true,
	app.CommandRun:    true,
	app.CommandVerify: true,
	app.CommandInit:   true,
	app.CommandReport: true,
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")

	command := app.CommandHello
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		switch {
		case args[0] == "help":
			fmt.Fprint(output, topUsage)
			return nil, true, nil
		case commands[args[0]]:
			command, args = args[0], args[1:]
		default:
			return nil, false, usageError("unknown command %q, see mpiprobe -h", args[0])
		}
	}

	// Everything after "--" is the rank program and its arguments.
	var program []string
	for i, a := range args {
		if a == "--" {
			program = args[i+1:]
			args = args[:i]
			break
		}
	}

	cfg := app.Config{Command: command}
	flagSet := flag.NewFlagSet("mpiprobe "+command, flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		if command == app.CommandHello {
			fmt.Fprint(output, topUsage)
		} else {
			fmt.Fprintf(output, "Usage:\n  mpiprobe %s [options]\n", command)
		}
		fmt.Fprintf(output, "\nOptions for %s:\n", command)
		flagSet.PrintDefaults()
	}

	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check and metrics server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	switch command {
	case app.CommandRun, app.CommandInit:
		flagSet.StringVar(&cfg.JobName, "name", "", "Job name. Selects a job when the file defines several.")
		flagSet.IntVar(&cfg.NP, "np", 0, "Number of ranks to start.")
		flagSet.IntVar(&cfg.NP, "n", 0, "Number of ranks to start (shorthand).")
		flagSet.StringVar(&cfg.Launcher, "launcher", "", "How ranks are started. Options: 'local', 'srun', 'ssh'.")
		flagSet.StringVar(&cfg.Hostfile, "hostfile", "", "Hostfile (text or .yaml) listing hosts and slots.")
		flagSet.DurationVar(&cfg.Timeout, "timeout", 0, "Upper bound for the whole run.")
		flagSet.IntVar(&cfg.Workers, "workers", 0, "Ranks started at once. 0 means all.")
		flagSet.BoolVar(&cfg.Coordinator, "coordinator", false, "Assemble the world through a rendezvous coordinator.")
		flagSet.BoolVar(&cfg.Verify, "verify", true, "Check the greetings of all ranks after the run.")
		flagSet.BoolVar(&cfg.ContinueOnError, "continue-on-error", false, "Keep other ranks running when one fails.")
		flagSet.StringVar(&cfg.SSHUser, "ssh-user", "", "User for the ssh launcher.")
		flagSet.StringVar(&cfg.SSHKeyFile, "ssh-key", "", "Private key file for the ssh launcher.")
		if command == app.CommandRun {
			flagSet.StringVar(&cfg.JobPath, "job", "", "Path to a job file or a directory of .hcl files.")
			flagSet.StringVar(&cfg.JobPath, "j", "", "Path to a job file (shorthand).")
			flagSet.StringVar(&cfg.ReportPath, "report", "", "Write a msgpack run report to this path.")
			flagSet.BoolVar(&cfg.NoColor, "no-color", false, "Disable colored summary output.")
		} else {
			flagSet.StringVar(&cfg.OutputPath, "o", "-", "Where to write the job file. '-' is stdout.")
			flagSet.BoolVar(&cfg.Force, "force", false, "Overwrite an existing job file.")
		}
	case app.CommandVerify:
		flagSet.IntVar(&cfg.Expected, "np", 0, "Expected number of processes. 0 takes it from the first greeting.")
		flagSet.BoolVar(&cfg.NoColor, "no-color", false, "Disable colored output.")
	case app.CommandReport:
		flagSet.BoolVar(&cfg.NoColor, "no-color", false, "Disable colored output.")
	}

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.", "command", command)

	cfg.Set = map[string]bool{}
	flagSet.Visit(func(f *flag.Flag) {
		name := f.Name
		switch name {
		case "n":
			name = "np"
		case "j":
			name = "job"
		}
		cfg.Set[name] = true
	})

	rest := flagSet.Args()
	switch command {
	case app.CommandHello:
		if len(rest) > 0 || program != nil {
			return nil, false, usageError("hello takes no arguments, got %q", strings.Join(append(rest, program...), " "))
		}
	case app.CommandRun:
		if len(rest) > 1 {
			return nil, false, usageError("run takes at most one job file, got %d arguments", len(rest))
		}
		if len(rest) == 1 {
			if cfg.JobPath != "" {
				return nil, false, usageError("job file given both as -job and as an argument")
			}
			cfg.JobPath = rest[0]
		}
	case app.CommandInit:
		if len(rest) > 0 {
			return nil, false, usageError("init takes no positional arguments, use -- before the program")
		}
		if !cfg.Set["np"] {
			cfg.NP = 2
		}
	case app.CommandVerify:
		if len(rest) > 1 {
			return nil, false, usageError("verify takes at most one input file")
		}
		if len(rest) == 1 {
			cfg.InputPath = rest[0]
		}
	case app.CommandReport:
		if len(rest) != 1 {
			flagSet.Usage()
			return nil, false, usageError("report needs exactly one report file")
		}
		cfg.InputPath = rest[0]
	}
	if len(program) > 0 {
		if command != app.CommandRun && command != app.CommandInit {
			return nil, false, usageError("%s does not take a program", command)
		}
		cfg.Program, cfg.Args = program[0], program[1:]
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	switch cfg.Launcher {
	case "", job.LauncherLocal, job.LauncherSrun, job.LauncherSSH:
	default:
		return nil, false, usageError("invalid launcher %q: must be 'local', 'srun' or 'ssh'", cfg.Launcher)
	}
	slog.Debug("CLI parameter validation complete.")

	cfg.HealthcheckPort = *healthPortFlag
	cfg.LogFormat = logFormat
	cfg.LogLevel = logLevel

	config, err := app.NewConfig(cfg)
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
