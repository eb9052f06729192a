// Package job describes a launch: how many ranks, which program and where to
// run it. Jobs are usually read from an HCL file:
//
//	job "smoke" {
//	  np       = 4
//	  program  = "/usr/local/bin/mpiprobe"
//	  args     = ["hello"]
//	  launcher = "ssh"
//	  hostfile = "hosts.yaml"
//	  timeout  = "2m"
//	  verify   = true
//
//	  ssh {
//	    user     = "hpc"
//	    key_file = "~/.ssh/id_ed25519"
//	  }
//	}
package job

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Launcher names.
const (
	LauncherLocal = "local"
	LauncherSrun  = "srun"
	LauncherSSH   = "ssh"
)

// Defaults applied to fields left unset.
const (
	DefaultTimeout         = 5 * time.Minute
	DefaultCoordinatorAddr = ":0"
	DefaultSSHPort         = 22
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("job: invalid")

// Job is a fully resolved launch description.
type Job struct {
	Name            string
	NP              int
	Program         string
	Args            []string
	Launcher        string
	Hostfile        string
	Timeout         time.Duration
	Workers         int
	Coordinator     bool
	CoordinatorAddr string
	Verify          bool
	ContinueOnError bool
	Env             map[string]string
	SSH             SSH
}

// SSH holds the settings of the ssh launcher.
type SSH struct {
	User       string
	KeyFile    string
	KnownHosts string
	Port       int
	// Insecure skips host key checking.
	Insecure bool
}

// New returns a job with every default applied.
func New(name string, np int) *Job {
	j := &Job{Name: name, NP: np, Verify: true}
	j.ApplyDefaults()
	return j
}

// ApplyDefaults fills in unset fields.
func (j *Job) ApplyDefaults() {
	if j.Launcher == "" {
		j.Launcher = LauncherLocal
	}
	if j.Timeout == 0 {
		j.Timeout = DefaultTimeout
	}
	if j.CoordinatorAddr == "" {
		j.CoordinatorAddr = DefaultCoordinatorAddr
	}
	if j.SSH.Port == 0 {
		j.SSH.Port = DefaultSSHPort
	}
}

// Concurrency returns how many ranks may be starting or running at once. A
// coordinated world needs every rank alive together, so Workers is ignored
// then.
func (j *Job) Concurrency() int {
	if j.Coordinator || j.Workers <= 0 || j.Workers > j.NP {
		return j.NP
	}
	return j.Workers
}

// Validate reports the first problem with j.
func (j *Job) Validate() error {
	switch {
	case j.NP < 1:
		return fmt.Errorf("%w: np must be at least 1, got %d", ErrInvalid, j.NP)
	case j.Program == "":
		return fmt.Errorf("%w: program is required", ErrInvalid)
	case j.Timeout < 0:
		return fmt.Errorf("%w: timeout cannot be negative", ErrInvalid)
	case j.Workers < 0:
		return fmt.Errorf("%w: workers cannot be negative", ErrInvalid)
	case j.SSH.Port < 0 || j.SSH.Port > 65535:
		return fmt.Errorf("%w: ssh port %d is out of range", ErrInvalid, j.SSH.Port)
	}
	switch j.Launcher {
	case LauncherLocal, LauncherSrun:
	case LauncherSSH:
		if j.SSH.KeyFile == "" {
			return fmt.Errorf("%w: the ssh launcher needs ssh.key_file", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown launcher %q (want local, srun or ssh)", ErrInvalid, j.Launcher)
	}
	for k := range j.Env {
		if k == "" {
			return fmt.Errorf("%w: env has an empty variable name", ErrInvalid)
		}
	}
	return nil
}

// EnvKeys returns the names in j.Env in sorted order.
func (j *Job) EnvKeys() []string {
	keys := make([]string, 0, len(j.Env))
	for k := range j.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
