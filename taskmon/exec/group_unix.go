//go:build unix

package exec

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SupportsGroups is true if processes are started in their own process group.
const SupportsGroups = true

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// SignalGroup sends the signal to the process group led by pid. If pid does not
// lead a group anymore, only the process itself is signaled.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.Errorf("invalid pid %d", pid)
	}

	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}

	return err
}

// IsAlive probes the process table for pid without affecting the process. A
// process owned by another user still counts as alive.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
