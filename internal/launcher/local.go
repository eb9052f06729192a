package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// killGrace is how long a cancelled process gets to release its output pipes.
const killGrace = 5 * time.Second

// LocalSpawner runs ranks as child processes of the launcher. The host in a
// Spawn is informational only.
type LocalSpawner struct{}

func (LocalSpawner) Run(ctx context.Context, s Spawn) error {
	return runCommand(ctx, s, s.Program, s.Args)
}

func (LocalSpawner) Close() error { return nil }

// SrunSpawner starts each rank as a single-task Slurm job step pinned to the
// rank's host. It must run inside an allocation.
type SrunSpawner struct {
	// Path is the srun binary, "srun" when empty.
	Path string
}

func (sp SrunSpawner) Run(ctx context.Context, s Spawn) error {
	bin := sp.Path
	if bin == "" {
		bin = "srun"
	}
	args := append(srunArgs(s), s.Program)
	args = append(args, s.Args...)
	return runCommand(ctx, s, bin, args)
}

func (SrunSpawner) Close() error { return nil }

func srunArgs(s Spawn) []string {
	return []string{
		"--nodes=1",
		"--ntasks=1",
		"--kill-on-bad-exit=1",
		"--export=ALL",
		fmt.Sprintf("--job-name=mpiprobe-rank%d", s.Rank),
		"--nodelist=" + s.Host.Name,
	}
}

func runCommand(ctx context.Context, s Spawn, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.WaitDelay = killGrace

	if err := cmd.Run(); err != nil {
		if cmd.ProcessState == nil {
			return fmt.Errorf("rank %d: failed to start %s: %w", s.Rank, bin, err)
		}
		return &ExitError{Rank: s.Rank, Host: s.Host.Name, Code: cmd.ProcessState.ExitCode(), Err: err}
	}
	return nil
}
