//go:build unix

package taskmon

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func writable(dir string) error {
	if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
		return errors.Wrapf(err, "%s is not writable", dir)
	}
	return nil
}
