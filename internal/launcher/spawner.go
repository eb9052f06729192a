package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/vk/mpiprobe/internal/hostfile"
)

// Spawn describes one rank process.
type Spawn struct {
	Rank    int
	Host    hostfile.Host
	Program string
	Args    []string
	// Env holds KEY=VALUE pairs added to the inherited environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Spawner starts rank processes somewhere.
type Spawner interface {
	// Run starts the process described by s and waits for it to exit. A
	// process that exits non-zero is reported as an *ExitError. Cancelling
	// ctx kills the process.
	Run(ctx context.Context, s Spawn) error
	// Close releases anything the spawner holds open, such as connections.
	Close() error
}

// ExitError reports a rank process that exited unsuccessfully.
type ExitError struct {
	Rank int
	Host string
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("rank %d on %s exited with code %d: %v", e.Rank, e.Host, e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitCode extracts the exit code from err. Errors that carry no code, such
// as a failure to start, map to -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	var status interface{ ExitStatus() int }
	if errors.As(err, &status) {
		return status.ExitStatus()
	}
	return -1
}
