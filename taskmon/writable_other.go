//go:build !unix

package taskmon

import (
	"os"

	"github.com/pkg/errors"
)

func writable(dir string) error {
	stat, err := os.Stat(dir)
	if err != nil {
		return errors.Wrap(err, "failed to stat log directory")
	}
	if !stat.IsDir() {
		return errors.Errorf("%s is not a directory", dir)
	}
	return nil
}
