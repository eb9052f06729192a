package app

import (
	"errors"
	"fmt"
	"time"
)

// Commands understood by App.Run.
const (
	CommandHello  = "hello"
	CommandRun    = "run"
	CommandVerify = "verify"
	CommandInit   = "init"
	CommandReport = "report"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	Command string

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	NoColor         bool

	// run and init
	JobPath         string
	JobName         string
	NP              int
	Program         string
	Args            []string
	Launcher        string
	Hostfile        string
	Timeout         time.Duration
	Workers         int
	Coordinator     bool
	Verify          bool
	ContinueOnError bool
	ReportPath      string
	SSHUser         string
	SSHKeyFile      string

	// verify and report
	InputPath string
	Expected  int

	// init
	OutputPath string
	Force      bool

	// Set holds the names of flags given on the command line. Only those
	// override values from a job file.
	Set map[string]bool
}

// IsSet reports whether the flag called name was given explicitly.
func (c *Config) IsSet(name string) bool {
	return c.Set[name]
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.Command == "" {
		cfg.Command = CommandHello
	}
	switch cfg.Command {
	case CommandHello:
	case CommandRun:
		if cfg.JobPath == "" && cfg.NP < 1 {
			return nil, errors.New("run needs a job file or -np of at least 1")
		}
	case CommandInit:
		if cfg.NP < 1 {
			return nil, fmt.Errorf("np must be at least 1, got %d", cfg.NP)
		}
	case CommandVerify:
		if cfg.InputPath == "" {
			cfg.InputPath = "-"
		}
		if cfg.Expected < 0 {
			return nil, errors.New("expected process count cannot be negative")
		}
	case CommandReport:
		if cfg.InputPath == "" {
			return nil, errors.New("report needs the path of a report file")
		}
	default:
		return nil, fmt.Errorf("unknown command %q", cfg.Command)
	}
	if cfg.Timeout < 0 {
		return nil, errors.New("timeout cannot be negative")
	}
	if cfg.Workers < 0 {
		return nil, errors.New("workers cannot be negative")
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, fmt.Errorf("healthcheck-port %d is out of range", cfg.HealthcheckPort)
	}
	if cfg.Set == nil {
		cfg.Set = map[string]bool{}
	}
	return &cfg, nil
}
