package taskmon

import "github.com/pkg/errors"

// Error kinds. Returned errors wrap one of these with context; use errors.Is to
// classify them.
var (
	ErrNotFound           = errors.New("task not found")
	ErrAmbiguousReference = errors.New("ambiguous task reference")
	ErrNameTaken          = errors.New("task name already taken")
	ErrInvalidTask        = errors.New("invalid task")
	ErrAlreadyRunning     = errors.New("task already running")
	ErrNotRunning         = errors.New("task not running")
	ErrSpawnFailed        = errors.New("failed to spawn process")
	ErrInvalidWorkdir     = errors.New("invalid working directory")
	ErrSignalFailed       = errors.New("failed to signal process")
	ErrRegistryCorrupt    = errors.New("task registry is corrupt")
	ErrLogIO              = errors.New("log I/O error")
)
