// Package sdnotify reports service state to systemd when running under a
// Type=notify unit. Outside systemd every call is a no-op.
package sdnotify

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "shmutex/pkg/logx"
)

// Notifier sends sd_notify messages. The zero value is usable.
type Notifier struct {
	Log logx.Logger

	// send is daemon.SdNotify; replaced in tests.
	send func(unsetEnv bool, state string) (bool, error)
}

func (n *Notifier) notify(state string) bool {
	send := n.send
	if send == nil {
		send = daemon.SdNotify
	}
	ok, err := send(false, state)
	if err != nil && !n.Log.IsZero() {
		n.Log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
	return ok
}

// Ready reports startup complete. It returns false when not under systemd.
func (n *Notifier) Ready() bool { return n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Reloading() bool { return n.notify(daemon.SdNotifyReloading) }

func (n *Notifier) Stopping() bool { return n.notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) bool {
	return n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

// Watchdog pings systemd at half the configured WatchdogSec until ctx is done.
// It returns immediately when the watchdog is not enabled.
func (n *Notifier) Watchdog(ctx context.Context) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
