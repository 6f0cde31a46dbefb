// Package systemd reports run state to the service manager when running as a unit.
// Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
package systemd

import (
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. The zero value is usable.
type Notifier struct {
	// send is swapped in tests.
	send func(state string) (bool, error)
}

func (n Notifier) notify(state string) (bool, error) {
	if n.send != nil {
		return n.send(state)
	}
	return daemon.SdNotify(false, state)
}

// Ready tells systemd the run has started.
func (n Notifier) Ready() (bool, error) { return n.notify(daemon.SdNotifyReady) }

// Stopping tells systemd we are draining before exit.
func (n Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by `systemctl status`.
func (n Notifier) Status(line string) (bool, error) {
	line = strings.Join(strings.Fields(line), " ")
	return n.notify("STATUS=" + line)
}
