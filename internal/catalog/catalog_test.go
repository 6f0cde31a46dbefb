package catalog

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkdirs(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.MkdirAll(filepath.Join(root, n), 0o755))
	}
}

func TestDiscoverGeographic(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	mkdirs(t, root, "lat0012_lon00034_x_s007", "lat0001_lon00002_y_s010", "NY1234_s003", "weather")
	require.NoError(t, os.WriteFile(filepath.Join(root, "lat0099_lon00099_file_s001"), nil, 0o644))

	jobs, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// Sorted by directory name; grid-reference dirs are ignored once a geographic one exists.
	assert.Equal(t, "lat0001_lon00002_y_s010", jobs[0].Name)
	assert.Equal(t, Job{
		Dir:    filepath.Join(root, "lat0012_lon00034_x_s007"),
		Name:   "lat0012_lon00034_x_s007",
		Scheme: SchemeGeographic,
		LatID:  "12",
		LonID:  "34",
		SoilID: "7",
	}, jobs[1])
	assert.Equal(t, "10", jobs[0].SoilID)
}

func TestDiscoverFallsBackToGridReference(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	mkdirs(t, root, "NY1234_s003", "SK0099_s000", "123456_s042", "lowercase", "a_b_c")

	jobs, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	byName := map[string]Job{}
	for _, j := range jobs {
		byName[j.Name] = j
		assert.Equal(t, SchemeGridReference, j.Scheme)
	}
	ny := byName["NY1234_s003"]
	assert.Equal(t, "NY1234", ny.LatID)
	assert.Equal(t, "NY1234", ny.LonID)
	assert.Equal(t, "3", ny.SoilID)
	assert.Equal(t, "0", byName["SK0099_s000"].SoilID)
	assert.Equal(t, "42", byName["123456_s042"].SoilID)
}

func TestDiscoverEmptyCatalog(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	mkdirs(t, root, "weather", "misc")

	jobs, err := Discover(root)
	assert.Empty(t, jobs)
	assert.True(t, errors.Is(err, ErrEmptyCatalog))
}

func TestDiscoverMissingRoot(t *testing.T) {
	t.Parallel()
	_, err := Discover(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrEmptyCatalog))
}

func TestDiscoverSkipsMalformedGeographic(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	mkdirs(t, root, "lat00xx_lon00034_x_s007", "lat0012_lon00034", "lat0012_lon00034_x_s001")

	jobs, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "1", jobs[0].SoilID)
}

func TestFilterIncomplete(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	mkdirs(t, root, "NY0001_s001", "NY0002_s001", "NY0003_s001", "NY0004_s001")
	require.NoError(t, os.WriteFile(filepath.Join(root, "NY0002_s001", OutputMarker), []byte("done"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "NY0004_s001", OutputMarker), []byte("done"), 0o644))

	jobs, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	remaining, n, err := FilterIncomplete(jobs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "NY0001_s001", remaining[0].Name)
	assert.Equal(t, "NY0003_s001", remaining[1].Name)
}

func TestFilterIncompleteNothingToDo(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	mkdirs(t, root, "NY0001_s001")
	require.NoError(t, os.WriteFile(filepath.Join(root, "NY0001_s001", OutputMarker), nil, 0o644))

	jobs, err := Discover(root)
	require.NoError(t, err)

	remaining, n, err := FilterIncomplete(jobs)
	assert.True(t, errors.Is(err, ErrNothingToDo))
	assert.Zero(t, n)
	assert.Empty(t, remaining)
}

func TestDiscoverFollowsSymlinkedDirs(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	elsewhere := t.TempDir()
	mkdirs(t, root, "NY0001_s001")
	mkdirs(t, elsewhere, "real_job")
	require.NoError(t, os.Symlink(filepath.Join(elsewhere, "real_job"), filepath.Join(root, "NY0002_s002")))
	require.NoError(t, os.Symlink(filepath.Join(elsewhere, "gone"), filepath.Join(root, "NY0003_s003")))
	require.NoError(t, os.WriteFile(filepath.Join(elsewhere, "plain"), nil, 0o644))
	require.NoError(t, os.Symlink(filepath.Join(elsewhere, "plain"), filepath.Join(root, "NY0004_s004")))

	jobs, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "NY0001_s001", jobs[0].Name)
	assert.Equal(t, "NY0002_s002", jobs[1].Name)
	assert.Equal(t, filepath.Join(root, "NY0002_s002"), jobs[1].Dir)
}
