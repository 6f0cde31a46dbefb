package worker

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specrun/internal/catalog"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker scripts need /bin/sh")
	}
}

// writeScript creates an executable shell script and returns its path.
//
// Tests that exec scripts do not run in parallel: a concurrent fork can inherit the
// script's write descriptor and make exec fail with ETXTBSY.
func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755))
	return p
}

func newJob(t *testing.T) catalog.Job {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "lat0001_lon0002_x_s003")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return catalog.Job{Dir: dir, Name: filepath.Base(dir), Scheme: catalog.SchemeGeographic, LatID: "1", LonID: "2", SoilID: "3"}
}

func waitDone(t *testing.T, inst *Instance) {
	t.Helper()
	select {
	case <-inst.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestSpawnOutcomes(t *testing.T) {
	requireShell(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
		want     Outcome
		reason   Reason
	}{
		{
			name:     "marker and exit zero",
			body:     "echo starting\necho '  SIMULATION SUCCESSFULLY COMPLETED  '\nexit 0\n",
			wantCode: 0,
			want:     Success,
		},
		{
			name:     "marker but nonzero exit",
			body:     "echo 'SIMULATION SUCCESSFULLY COMPLETED'\nexit 1\n",
			wantCode: 1,
			want:     Failure,
			reason:   ReasonExitNonZero,
		},
		{
			name:     "silent exit zero",
			body:     "echo 'ran out of input'\nexit 0\n",
			wantCode: 0,
			want:     Failure,
			reason:   ReasonMarkerMissing,
		},
		{
			name:     "marker on stderr",
			body:     "echo 'SIMULATION SUCCESSFULLY COMPLETED' 1>&2\n",
			wantCode: 0,
			want:     Success,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newJob(t)
			exe := writeScript(t, t.TempDir(), tt.body)
			now := time.Now()

			inst, err := Spawn(7, job, exe, "1\n\n\n", now)
			require.NoError(t, err)
			assert.Equal(t, Running, inst.State)
			assert.Equal(t, filepath.Join(job.Dir, LogFileName), inst.LogPath)
			waitDone(t, inst)

			code, finished := inst.Poll(now.Add(time.Second))
			require.True(t, finished)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, Finished, inst.State)
			assert.Equal(t, tt.want, inst.Outcome)
			assert.Equal(t, tt.reason, inst.Reason)
			assert.Equal(t, time.Second, inst.Elapsed(now.Add(time.Hour)))

			// Finished is terminal.
			assert.False(t, inst.EnforceTimeout(now.Add(time.Hour), time.Second))
			code2, finished2 := inst.Poll(now.Add(2 * time.Second))
			assert.True(t, finished2)
			assert.Equal(t, code, code2)
			inst.Release()
		})
	}
}

func TestSpawnFeedsScriptAndRunsInJobDir(t *testing.T) {
	requireShell(t)
	job := newJob(t)
	exe := writeScript(t, t.TempDir(), "cat > received.txt\npwd > cwd.txt\necho 'SIMULATION SUCCESSFULLY COMPLETED'\n")

	inst, err := Spawn(0, job, exe, "3\n\ninput.txt\n2\n\n", time.Now())
	require.NoError(t, err)
	waitDone(t, inst)
	_, finished := inst.Poll(time.Now())
	require.True(t, finished)
	assert.Equal(t, Success, inst.Outcome)

	got, err := os.ReadFile(filepath.Join(job.Dir, "received.txt"))
	require.NoError(t, err)
	assert.Equal(t, "3\n\ninput.txt\n2\n\n", string(got))

	cwd, err := os.ReadFile(filepath.Join(job.Dir, "cwd.txt"))
	require.NoError(t, err)
	wantDir, err := filepath.EvalSymlinks(job.Dir)
	require.NoError(t, err)
	gotDir, err := filepath.EvalSymlinks(string(cwd[:len(cwd)-1]))
	require.NoError(t, err)
	assert.Equal(t, wantDir, gotDir)
}

func TestSpawnMissingExecutable(t *testing.T) {
	t.Parallel()
	job := newJob(t)
	_, err := Spawn(1, job, filepath.Join(t.TempDir(), "does-not-exist"), "1\n", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawn))
}

func TestPollDoesNotBlock(t *testing.T) {
	requireShell(t)
	job := newJob(t)
	exe := writeScript(t, t.TempDir(), "exec sleep 30\n")

	start := time.Now()
	inst, err := Spawn(2, job, exe, "", start)
	require.NoError(t, err)

	_, finished := inst.Poll(start)
	assert.False(t, finished)
	assert.Equal(t, Running, inst.State)
	assert.Less(t, time.Since(start), 5*time.Second)

	require.True(t, inst.EnforceTimeout(start.Add(time.Hour), time.Minute))
	waitDone(t, inst)
	inst.Release()
}

func TestEnforceTimeout(t *testing.T) {
	requireShell(t)
	job := newJob(t)
	exe := writeScript(t, t.TempDir(), "echo 'SIMULATION SUCCESSFULLY COMPLETED'\nexec sleep 30\n")

	start := time.Now()
	inst, err := Spawn(3, job, exe, "", start)
	require.NoError(t, err)

	// Exactly at the limit is still allowed.
	assert.False(t, inst.EnforceTimeout(start.Add(10*time.Second), 10*time.Second))
	assert.Equal(t, Running, inst.State)

	require.True(t, inst.EnforceTimeout(start.Add(11*time.Second), 10*time.Second))
	assert.Equal(t, Finished, inst.State)
	assert.Equal(t, Failure, inst.Outcome)
	assert.Equal(t, ReasonTimeout, inst.Reason)

	// Fires once; the marker in the log does not rescue it.
	assert.False(t, inst.EnforceTimeout(start.Add(time.Minute), 10*time.Second))
	waitDone(t, inst)
	_, finished := inst.Poll(start.Add(time.Minute))
	assert.True(t, finished)
	assert.Equal(t, Failure, inst.Outcome)
	assert.Equal(t, ReasonTimeout, inst.Reason)
	inst.Release()
}

func TestClassify(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	withMarker := filepath.Join(dir, "ok.txt")
	require.NoError(t, os.WriteFile(withMarker, []byte("a\nb SIMULATION SUCCESSFULLY COMPLETED c\n"), 0o644))
	without := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(without, []byte("SIMULATION SUCCESSFULLY\nCOMPLETED\n"), 0o644))

	tests := []struct {
		name   string
		path   string
		code   int
		want   Outcome
		reason Reason
	}{
		{name: "success", path: withMarker, code: 0, want: Success},
		{name: "exit one with marker", path: withMarker, code: 1, want: Failure, reason: ReasonExitNonZero},
		{name: "killed", path: withMarker, code: -1, want: Failure, reason: ReasonExitNonZero},
		{name: "marker split across lines", path: without, code: 0, want: Failure, reason: ReasonMarkerMissing},
		{name: "missing log", path: filepath.Join(dir, "nope.txt"), code: 0, want: Failure, reason: ReasonLogUnreadable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, reason := Classify(tt.path, tt.code)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}
