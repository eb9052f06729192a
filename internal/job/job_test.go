package job

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/mpiprobe/internal/testutil"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FullJob(t *testing.T) {
	// --- Arrange ---
	t.Setenv("MPIPROBE_TEST_BIN", "/opt/bin")
	path := writeFile(t, t.TempDir(), "smoke.hcl", `
job "smoke" {
  np        = 4
  program   = "${env.MPIPROBE_TEST_BIN}/mpiprobe"
  args      = ["hello", "-log-level", "debug"]
  launcher  = "ssh"
  hostfile  = "hosts.yaml"
  timeout   = "90s"
  workers   = 2
  verify    = false
  continue_on_error = true

  env = {
    OMP_NUM_THREADS = 1
    MODE            = "smoke"
  }

  ssh {
    user     = "hpc"
    key_file = "/home/hpc/.ssh/id_ed25519"
    port     = 2222
  }
}
`)

	// --- Act ---
	j, err := Load(context.Background(), path, "")

	// --- Assert ---
	require.NoError(t, err)
	want := &Job{
		Name:            "smoke",
		NP:              4,
		Program:         "/opt/bin/mpiprobe",
		Args:            []string{"hello", "-log-level", "debug"},
		Launcher:        LauncherSSH,
		Hostfile:        "hosts.yaml",
		Timeout:         90 * time.Second,
		Workers:         2,
		CoordinatorAddr: DefaultCoordinatorAddr,
		Verify:          false,
		ContinueOnError: true,
		Env:             map[string]string{"OMP_NUM_THREADS": "1", "MODE": "smoke"},
		SSH:             SSH{User: "hpc", KeyFile: "/home/hpc/.ssh/id_ed25519", Port: 2222},
	}
	if diff := cmp.Diff(want, j); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, j.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "min.hcl", `job "min" { np = 2 }`)

	j, err := Load(context.Background(), path, "min")

	require.NoError(t, err)
	assert.Equal(t, LauncherLocal, j.Launcher)
	assert.Equal(t, DefaultTimeout, j.Timeout)
	assert.Equal(t, DefaultSSHPort, j.SSH.Port)
	assert.True(t, j.Verify, "verify defaults to true")
	assert.False(t, j.Coordinator)
	assert.Nil(t, j.Env)
}

func TestLoad_SelectsFromDirectory(t *testing.T) {
	dir := testutil.WriteFiles(t, map[string]string{
		"a.hcl":         `job "a" { np = 1 }`,
		"nested/b.hcl":  `job "b" { np = 2 }`,
		"nested/README": "not a job file",
	})

	j, err := Load(context.Background(), dir, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, j.NP)

	_, err = Load(context.Background(), dir, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "choose one by name")

	_, err = Load(context.Background(), dir, "c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoad_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "syntax error", content: `job "x" { np = `, wantErr: "failed to parse"},
		{name: "missing np", content: `job "x" { program = "p" }`, wantErr: "failed to decode"},
		{name: "bad timeout", content: `job "x" {
  np      = 1
  timeout = "soon"
}`, wantErr: "invalid timeout"},
		{name: "env not a map", content: `job "x" {
  np  = 1
  env = ["A"]
}`, wantErr: "env must be a map"},
		{name: "no jobs", content: `# empty`, wantErr: "no job blocks"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "job.hcl", tc.content)
			_, err := Load(context.Background(), path, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Job {
		j := New("v", 2)
		j.Program = "/bin/true"
		return j
	}

	testCases := []struct {
		name   string
		mutate func(*Job)
		ok     bool
	}{
		{name: "valid", mutate: func(*Job) {}, ok: true},
		{name: "np zero", mutate: func(j *Job) { j.NP = 0 }},
		{name: "no program", mutate: func(j *Job) { j.Program = "" }},
		{name: "unknown launcher", mutate: func(j *Job) { j.Launcher = "pbs" }},
		{name: "ssh without key", mutate: func(j *Job) { j.Launcher = LauncherSSH }},
		{name: "ssh with key", mutate: func(j *Job) { j.Launcher = LauncherSSH; j.SSH.KeyFile = "k" }, ok: true},
		{name: "negative workers", mutate: func(j *Job) { j.Workers = -1 }},
		{name: "bad port", mutate: func(j *Job) { j.SSH.Port = 70000 }},
		{name: "empty env key", mutate: func(j *Job) { j.Env = map[string]string{"": "x"} }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			j := valid()
			tc.mutate(j)
			err := j.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestConcurrency(t *testing.T) {
	j := New("c", 8)
	assert.Equal(t, 8, j.Concurrency())
	j.Workers = 3
	assert.Equal(t, 3, j.Concurrency())
	j.Coordinator = true
	assert.Equal(t, 8, j.Concurrency(), "a coordinated world runs every rank at once")
}

func TestTemplate_LoadsBack(t *testing.T) {
	// --- Arrange ---
	orig := New("roundtrip", 3)
	orig.Program = "/usr/bin/mpiprobe"
	orig.Args = []string{"hello"}
	orig.Launcher = LauncherSSH
	orig.Hostfile = "hosts"
	orig.Timeout = 45 * time.Second
	orig.Coordinator = true
	orig.Env = map[string]string{"A": "1"}
	orig.SSH = SSH{User: "u", KeyFile: "/k", Port: 22}

	// --- Act ---
	var buf bytes.Buffer
	require.NoError(t, Template(&buf, orig))
	path := writeFile(t, t.TempDir(), "job.hcl", buf.String())
	loaded, err := Load(context.Background(), path, "roundtrip")

	// --- Assert ---
	require.NoError(t, err)
	if diff := cmp.Diff(orig, loaded, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("template round trip mismatch (-want +got):\n%s\nfile:\n%s", diff, buf.String())
	}
}

func TestEnvKeys(t *testing.T) {
	j := &Job{Env: map[string]string{"B": "", "A": "", "C": ""}}
	assert.Equal(t, []string{"A", "B", "C"}, j.EnvKeys())
}
