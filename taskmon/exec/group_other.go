//go:build !unix

package exec

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// SupportsGroups is true if processes are started in their own process group.
const SupportsGroups = false

func sysProcAttr() *syscall.SysProcAttr { return nil }

// SignalGroup signals only the process itself, since process groups are not
// available on this platform. Anything but SIGKILL may be unsupported.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.Errorf("invalid pid %d", pid)
	}

	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	defer p.Release()

	if sig == syscall.SIGKILL {
		return p.Kill()
	}
	return p.Signal(sig)
}

// IsAlive reports whether a process with the given pid can be found.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	p.Release()
	return true
}
