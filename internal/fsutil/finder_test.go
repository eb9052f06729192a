package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/vk/mpiprobe/internal/testutil"
)

func TestFindFiles(t *testing.T) {
	// --- Arrange ---
	root := testutil.WriteFiles(t, map[string]string{
		"b.hcl":      "",
		"a.hcl":      "",
		"notes.txt":  "",
		"sub/c.hcl":  "",
		".git/d.hcl": "",
	})

	// --- Act ---
	files, err := FindFiles(root, ".hcl")

	// --- Assert ---
	require.NoError(t, err)
	want := []string{
		filepath.Join(root, "a.hcl"),
		filepath.Join(root, "b.hcl"),
		filepath.Join(root, "sub", "c.hcl"),
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("FindFiles() mismatch (-want +got):\n%s", diff)
	}
}

func TestFindFiles_SingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.conf")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	files, err := FindFiles(path, ".hcl")

	require.NoError(t, err)
	require.Equal(t, []string{path}, files)
}

func TestFindFiles_Missing(t *testing.T) {
	_, err := FindFiles(filepath.Join(t.TempDir(), "missing"), ".hcl")
	require.Error(t, err)
}
