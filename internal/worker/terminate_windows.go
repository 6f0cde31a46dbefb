//go:build windows

package worker

import "os"

// Windows has no SIGTERM; Kill is TerminateProcess.
func terminate(p *os.Process) error {
	return p.Kill()
}
