package world

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Variables exported by mpiprobe's own launcher.
const (
	RankEnv = "MPIPROBE_RANK"
	SizeEnv = "MPIPROBE_SIZE"
)

// ErrNoLauncherEnv is returned by Env.Init when no known launcher variables are set.
var ErrNoLauncherEnv = errors.New("world: no launcher environment found")

// launcherVars names the environment a launcher family exports. The first
// size variable that is set wins.
type launcherVars struct {
	family string
	rank   string
	sizes  []string
}

// knownLaunchers is checked in order.
var knownLaunchers = []launcherVars{
	{family: "mpiprobe", rank: RankEnv, sizes: []string{SizeEnv}},
	{family: "openmpi", rank: "OMPI_COMM_WORLD_RANK", sizes: []string{"OMPI_COMM_WORLD_SIZE"}},
	{family: "pmi", rank: "PMI_RANK", sizes: []string{"PMI_SIZE"}},
	{family: "pmix", rank: "PMIX_RANK", sizes: []string{"OMPI_COMM_WORLD_SIZE", "PMIX_SIZE"}},
	{family: "slurm", rank: "SLURM_PROCID", sizes: []string{"SLURM_NTASKS"}},
}

// launchEnv is a rank/size pair found in the environment.
type launchEnv struct {
	family string
	rank   string
	size   string
}

// lookupLaunchEnv returns the first complete rank/size pair in getenv.
func lookupLaunchEnv(getenv func(string) string) (launchEnv, bool) {
	for _, l := range knownLaunchers {
		rank := getenv(l.rank)
		if rank == "" {
			continue
		}
		for _, sizeVar := range l.sizes {
			if size := getenv(sizeVar); size != "" {
				return launchEnv{family: l.family, rank: rank, size: size}, true
			}
		}
	}
	return launchEnv{}, false
}

// parse validates the pair and returns it as integers.
func (e launchEnv) parse() (rank, size int, err error) {
	size, err = strconv.Atoi(e.size)
	if err != nil {
		return 0, 0, fmt.Errorf("world: invalid %s size %q: %w", e.family, e.size, err)
	}
	if size < 1 {
		return 0, 0, fmt.Errorf("world: invalid %s size %d: must be at least 1", e.family, size)
	}
	rank, err = strconv.Atoi(e.rank)
	if err != nil {
		return 0, 0, fmt.Errorf("world: invalid %s rank %q: %w", e.family, e.rank, err)
	}
	if rank < 0 || rank >= size {
		return 0, 0, fmt.Errorf("world: %s rank %d is outside [0, %d)", e.family, rank, size)
	}
	return rank, size, nil
}

// Env is a world whose shape was decided by an external launcher and
// exported through environment variables.
type Env struct {
	state
	family string
}

// NewEnv returns an uninitialized environment-backed world. A nil getenv
// reads the process environment.
func NewEnv(getenv func(string) string) *Env {
	return &Env{state: state{getenv: getenv}}
}

// Family reports which launcher's variables were used. It is empty before Init.
func (e *Env) Family() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.family
}

func (e *Env) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(); err != nil {
		return err
	}
	le, ok := lookupLaunchEnv(e.env())
	if !ok {
		return ErrNoLauncherEnv
	}
	rank, size, err := le.parse()
	if err != nil {
		return err
	}
	e.family = le.family
	e.commit(rank, size)
	return nil
}

func (e *Env) Finalize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.finish()
	return err
}
