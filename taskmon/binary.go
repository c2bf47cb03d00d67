package taskmon

import (
	"bytes"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// Executable formats recognized by their magic bytes.
const (
	FormatELF     = "ELF"
	FormatMachO   = "Mach-O"
	FormatPE      = "PE"
	FormatScript  = "script"
	FormatUnknown = "unknown"
)

var magics = []struct {
	format string
	magic  []byte
}{
	{FormatELF, []byte("\x7fELF")},
	{FormatMachO, []byte{0xfe, 0xed, 0xfa, 0xce}},
	{FormatMachO, []byte{0xfe, 0xed, 0xfa, 0xcf}},
	{FormatMachO, []byte{0xce, 0xfa, 0xed, 0xfe}},
	{FormatMachO, []byte{0xcf, 0xfa, 0xed, 0xfe}},
	{FormatMachO, []byte{0xca, 0xfe, 0xba, 0xbe}}, // universal
	{FormatPE, []byte("MZ")},
	{FormatScript, []byte("#!")},
}

// BinaryInfo describes what a task's binary resolves to.
type BinaryInfo struct {
	// Path is the resolved path. It is the binary as given if it couldn't be
	// resolved.
	Path       string
	Exists     bool
	IsDir      bool
	Mode       os.FileMode
	Executable bool
	Size       int64
	Format     string
	// Interpreter is the first word of a script's shebang line.
	Interpreter      string
	InterpreterFound bool
}

// inspectBinary resolves the binary the same way the process would be spawned:
// bare names are looked up in PATH, relative paths are relative to workdir.
func inspectBinary(binary, workdir string) BinaryInfo {
	info := BinaryInfo{
		Path:   binary,
		Format: FormatUnknown,
	}

	if !strings.ContainsRune(binary, os.PathSeparator) && !strings.Contains(binary, "/") {
		path, err := osexec.LookPath(binary)
		if err != nil {
			return info
		}
		info.Path = path
	} else if !filepath.IsAbs(binary) && workdir != "" {
		info.Path = filepath.Join(workdir, binary)
	}

	stat, err := os.Stat(info.Path)
	if err != nil {
		return info
	}

	info.Exists = true
	info.IsDir = stat.IsDir()
	info.Mode = stat.Mode()
	info.Size = stat.Size()

	if info.IsDir {
		return info
	}

	// Windows has no executable bit.
	info.Executable = runtime.GOOS == "windows" || stat.Mode().Perm()&0111 != 0

	head, err := readHead(info.Path, 256)
	if err != nil {
		return info
	}

	for _, m := range magics {
		if bytes.HasPrefix(head, m.magic) {
			info.Format = m.format
			break
		}
	}

	if info.Format == FormatScript {
		line := head[2:]
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		if fields := strings.Fields(string(line)); len(fields) > 0 {
			info.Interpreter = fields[0]
			_, err := os.Stat(info.Interpreter)
			info.InterpreterFound = err == nil
		}
	}

	return info
}

// Problem returns the reason the binary can't be executed, or nil if it looks
// executable.
func (b BinaryInfo) Problem() error {
	switch {
	case !b.Exists:
		return fmt.Errorf("%s: binary not found", b.Path)
	case b.IsDir:
		return fmt.Errorf("%s is a directory", b.Path)
	case !b.Executable:
		return fmt.Errorf("%s is not executable (mode %v)", b.Path, b.Mode.Perm())
	case b.Format == FormatScript && b.Interpreter == "":
		return fmt.Errorf("%s has an empty shebang line", b.Path)
	case b.Format == FormatScript && !b.InterpreterFound:
		return fmt.Errorf("interpreter %s of %s not found", b.Interpreter, b.Path)
	}
	return nil
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, n)

	n, err = io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return head[:n], nil
}

func dotenvPath(workdir string) string {
	return filepath.Join(workdir, ".env")
}
