package exec

import (
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// SleepProcess is a Process that only idles for a duration. It is used for
// testing.
type SleepProcess struct {
	once  sync.Once
	stop  chan struct{}
	timer *time.Timer
	delay time.Duration
	pid   int

	mu      sync.Mutex
	exit    int
	exited  bool
	signals []os.Signal
}

var _ Process = (*SleepProcess)(nil)

// NewSleepProcess creates a process that exits with code 0 after dura. A
// catchable signal makes it exit with code 0 after delay, while SIGKILL makes
// it exit immediately with ExitSignaled.
func NewSleepProcess(dura, delay time.Duration, pid int) *SleepProcess {
	return &SleepProcess{
		stop:  make(chan struct{}),
		timer: time.NewTimer(dura),
		delay: delay,
		pid:   pid,
	}
}

func (mock *SleepProcess) PID() int { return mock.pid }

// Signals returns every signal delivered so far, in order.
func (mock *SleepProcess) Signals() []os.Signal {
	mock.mu.Lock()
	defer mock.mu.Unlock()

	return append([]os.Signal(nil), mock.signals...)
}

func (mock *SleepProcess) Signal(sig os.Signal) error {
	var code int

	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		code = 0
	case syscall.SIGKILL:
		code = ExitSignaled
	default:
		return errors.Errorf("unknown signal %v", sig)
	}

	mock.mu.Lock()
	mock.signals = append(mock.signals, sig)
	mock.mu.Unlock()

	go func() {
		if mock.delay > 0 && sig != syscall.SIGKILL {
			select {
			case <-time.After(mock.delay):
			case <-mock.stop:
				return
			}
		}

		mock.finish(code)
	}()

	return nil
}

func (mock *SleepProcess) Kill() error {
	return mock.Signal(syscall.SIGKILL)
}

// finish records the exit code unless the process has already exited.
func (mock *SleepProcess) finish(code int) {
	mock.mu.Lock()
	defer mock.mu.Unlock()

	if mock.exited {
		return
	}

	mock.exited = true
	mock.exit = code
	mock.timer.Stop()
	close(mock.stop)
}

func (mock *SleepProcess) Wait() ExitStatus {
	mock.once.Do(func() {
		select {
		case <-mock.stop:
		case <-mock.timer.C:
			mock.finish(0)
		}
	})

	mock.mu.Lock()
	defer mock.mu.Unlock()

	return ExitStatus{PID: mock.pid, Code: mock.exit}
}
