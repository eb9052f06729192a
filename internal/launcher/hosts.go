package launcher

import (
	"fmt"

	"github.com/vk/mpiprobe/internal/hostfile"
	"github.com/vk/mpiprobe/internal/job"
	"github.com/vk/mpiprobe/internal/nodelist"
)

// Slurm variables holding the allocation's compressed node list.
var slurmNodeListEnv = []string{"SLURM_JOB_NODELIST", "SLURM_NODELIST"}

// resolveHosts picks the inventory for j: the hostfile when one is set, the
// Slurm allocation for remote launchers, and the local machine otherwise.
func resolveHosts(j *job.Job, getenv func(string) string) (hostfile.Hosts, string, error) {
	if j.Hostfile != "" {
		hosts, err := hostfile.Load(j.Hostfile)
		if err != nil {
			return nil, "", err
		}
		return hosts, "hostfile", nil
	}
	if j.Launcher != job.LauncherLocal {
		for _, key := range slurmNodeListEnv {
			list := getenv(key)
			if list == "" {
				continue
			}
			names, err := nodelist.Expand(list)
			if err != nil {
				return nil, "", fmt.Errorf("launcher: %s: %w", key, err)
			}
			return hostfile.FromNames(names), key, nil
		}
		if j.Launcher == job.LauncherSrun {
			return nil, "", fmt.Errorf("launcher: srun needs a hostfile or a Slurm allocation")
		}
	}
	return hostfile.Hosts{{Name: "localhost", Slots: j.NP}}, "localhost", nil
}
