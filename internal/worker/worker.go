// Package worker runs one simulation subprocess per job and classifies its outcome.
//
// An Instance is driven entirely by its owner's control loop: Poll and
// EnforceTimeout never block, and the state moves Running -> Finished once.
package worker

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"specrun/internal/catalog"
)

const (
	// LogFileName receives the worker's combined stdout and stderr inside the job directory.
	LogFileName = "stdout.txt"
	// SuccessMarker must appear in the log of a worker that exited 0 for the job to count as done.
	SuccessMarker = "SIMULATION SUCCESSFULLY COMPLETED"
)

// ErrSpawn marks a worker that could not be launched.
var ErrSpawn = errors.New("worker spawn failed")

type State int

const (
	Running State = iota
	Finished
)

func (s State) String() string {
	if s == Finished {
		return "finished"
	}
	return "running"
}

type Outcome int

const (
	Unknown Outcome = iota
	Success
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Reason says why a job failed. Empty on success.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonExitNonZero   Reason = "exit_nonzero"
	ReasonMarkerMissing Reason = "marker_missing"
	ReasonLogUnreadable Reason = "log_unreadable"
	ReasonTimeout       Reason = "timeout"
	ReasonSpawnFailed   Reason = "spawn_failed"
)

// Instance is one subprocess bound to exactly one job.
type Instance struct {
	Seq     int
	Job     catalog.Job
	LogPath string
	Started time.Time

	State    State
	Outcome  Outcome
	Reason   Reason
	ExitCode int
	Ended    time.Time

	cmd  *exec.Cmd
	log  *os.File
	done chan struct{}
}

// Spawn starts exe in job.Dir, feeds it script on stdin and closes stdin.
// Stdout and stderr both go to job.Dir/stdout.txt, truncated.
func Spawn(seq int, job catalog.Job, exe, script string, now time.Time) (*Instance, error) {
	logPath := filepath.Join(job.Dir, LogFileName)
	f, err := os.Create(logPath)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "create log %s", logPath), ErrSpawn)
	}

	cmd := exec.Command(exe)
	cmd.Dir = job.Dir
	cmd.Stdout = f
	cmd.Stderr = f
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = f.Close()
		return nil, errors.Mark(errors.Wrap(err, "stdin pipe"), ErrSpawn)
	}
	if err := cmd.Start(); err != nil {
		_ = f.Close()
		return nil, errors.Mark(errors.Wrapf(err, "start %s", exe), ErrSpawn)
	}

	// The script is a few bytes and fits in the pipe buffer, so this does not
	// block. A worker that exits without reading stdin yields EPIPE, which is
	// its own business and shows up in its exit status.
	_, _ = io.WriteString(stdin, script)
	_ = stdin.Close()

	inst := &Instance{
		Seq:     seq,
		Job:     job,
		LogPath: logPath,
		Started: now,
		State:   Running,
		cmd:     cmd,
		log:     f,
		done:    make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(inst.done)
	}()
	return inst, nil
}

// Done is closed once the process has been reaped, including after a timeout kill.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Pid returns the OS process id, or 0 if unknown.
func (i *Instance) Pid() int {
	if i.cmd == nil || i.cmd.Process == nil {
		return 0
	}
	return i.cmd.Process.Pid
}

// Poll reports whether the process has exited, without blocking.
// On the first observation of exit it closes the log, classifies the outcome and
// moves the instance to Finished. Subsequent calls return the recorded exit code.
func (i *Instance) Poll(now time.Time) (exitCode int, finished bool) {
	if i.State == Finished {
		return i.ExitCode, true
	}
	select {
	case <-i.done:
	default:
		return 0, false
	}

	code := -1
	if ps := i.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
	}
	i.closeLog()
	i.ExitCode = code
	i.Outcome, i.Reason = Classify(i.LogPath, code)
	i.State = Finished
	i.Ended = now
	return code, true
}

// EnforceTimeout terminates a Running instance older than timeout and marks it
// Finished with a Failure outcome. It reports whether it fired.
func (i *Instance) EnforceTimeout(now time.Time, timeout time.Duration) bool {
	if i.State != Running {
		return false
	}
	if now.Sub(i.Started) <= timeout {
		return false
	}
	i.closeLog()
	if i.cmd != nil && i.cmd.Process != nil {
		_ = terminate(i.cmd.Process)
	}
	i.ExitCode = -1
	i.Outcome = Failure
	i.Reason = ReasonTimeout
	i.State = Finished
	i.Ended = now
	return true
}

// Elapsed is the wall time between start and finish (or now, if still running).
func (i *Instance) Elapsed(now time.Time) time.Duration {
	if i.State == Finished && !i.Ended.IsZero() {
		return i.Ended.Sub(i.Started)
	}
	return now.Sub(i.Started)
}

// Release drops the instance's resources. The process itself, if still alive after
// a timeout, is reaped by the background waiter.
func (i *Instance) Release() {
	i.closeLog()
	i.cmd = nil
}

func (i *Instance) closeLog() {
	if i.log != nil {
		_ = i.log.Close()
		i.log = nil
	}
}

// Classify decides the outcome of a worker that exited with exitCode.
// A nonzero exit is a failure whatever the log says. A zero exit needs the
// success marker somewhere in the log.
func Classify(logPath string, exitCode int) (Outcome, Reason) {
	if exitCode != 0 {
		return Failure, ReasonExitNonZero
	}
	ok, err := logHasMarker(logPath)
	if err != nil {
		return Failure, ReasonLogUnreadable
	}
	if !ok {
		return Failure, ReasonMarkerMissing
	}
	return Success, ReasonNone
}

func logHasMarker(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if strings.Contains(sc.Text(), SuccessMarker) {
			return true, nil
		}
	}
	return false, sc.Err()
}
