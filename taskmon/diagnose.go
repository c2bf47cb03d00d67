package taskmon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Check is a single diagnostic finding.
type Check struct {
	Name   string
	OK     bool
	Detail string
	// Hint suggests a fix for a failed check.
	Hint string
}

// Report is the result of diagnosing a task.
type Report struct {
	Task   *Task
	Binary BinaryInfo
	Checks []Check
}

// OK returns true if every check passed.
func (r *Report) OK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// Failed returns the checks that did not pass.
func (r *Report) Failed() []Check {
	var failed []Check
	for _, c := range r.Checks {
		if !c.OK {
			failed = append(failed, c)
		}
	}
	return failed
}

func (r *Report) pass(name, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, OK: true, Detail: detail})
}

func (r *Report) fail(name, detail, hint string) {
	r.Checks = append(r.Checks, Check{Name: name, Detail: detail, Hint: hint})
}

// Diagnose inspects the task's binary, working directory, environment file and
// log directory. isAlive is used to probe the recorded process, if any. Nothing
// is modified.
func Diagnose(t *Task, isAlive func(*Task) bool) *Report {
	r := &Report{
		Task:   t.Clone(),
		Binary: inspectBinary(t.Binary, t.Workdir),
	}

	r.checkBinary()
	r.checkWorkdir()
	r.checkLogDir()

	if t.Status == StatusRunning && isAlive != nil {
		if isAlive(t) {
			r.pass("process", fmt.Sprintf("pid %d is alive", t.PID))
		} else {
			r.fail("process",
				fmt.Sprintf("recorded pid %d is gone", t.PID),
				"run status to update the task")
		}
	}

	return r
}

func (r *Report) checkBinary() {
	b := r.Binary

	if !b.Exists {
		hint := "check the path"
		if !strings.Contains(r.Task.Binary, "/") {
			hint = "install it or use an absolute path; PATH is " + os.Getenv("PATH")
		}
		r.fail("binary", r.Task.Binary+" not found", hint)
		return
	}
	r.pass("binary", "resolves to "+b.Path)

	if b.IsDir {
		r.fail("regular file", b.Path+" is a directory", "point the task at an executable file")
		return
	}
	r.pass("regular file", b.Path)

	if b.Executable {
		r.pass("executable", b.Mode.Perm().String())
	} else {
		r.fail("executable", "mode "+b.Mode.Perm().String(), "chmod +x "+b.Path)
	}

	if b.Size > 0 {
		r.pass("non-empty", fmt.Sprintf("%d bytes", b.Size))
	} else {
		r.fail("non-empty", "file is empty", "rebuild or reinstall the binary")
	}

	switch b.Format {
	case FormatScript:
		r.pass("format", "script")

		switch {
		case b.Interpreter == "":
			r.fail("interpreter", "empty shebang line", "add an interpreter after #!")
		case b.InterpreterFound:
			r.pass("interpreter", b.Interpreter)
		default:
			r.fail("interpreter", b.Interpreter+" not found",
				"install it or fix the shebang line")
		}

	case FormatUnknown:
		if b.Size > 0 {
			r.fail("format", "not a known executable format",
				"add a shebang line if this is a script")
		}

	default:
		r.pass("format", b.Format)
	}
}

func (r *Report) checkWorkdir() {
	dir := r.Task.Workdir
	if dir == "" {
		return
	}

	stat, err := os.Stat(dir)
	if err != nil {
		r.fail("workdir", err.Error(), "create it or recreate the task with another -w")
		return
	}
	if !stat.IsDir() {
		r.fail("workdir", dir+" is not a directory", "recreate the task with another -w")
		return
	}
	r.pass("workdir", dir)

	path := dotenvPath(dir)
	if _, err := os.Stat(path); err != nil {
		return
	}

	env, err := readDotenv(dir)
	if err != nil {
		r.fail(".env", err.Error(), "fix the syntax of "+path)
		return
	}
	r.pass(".env", fmt.Sprintf("%d variables", len(env)))
}

func (r *Report) checkLogDir() {
	dir := filepath.Dir(r.Task.StdoutLogPath)

	// The directory is created on the first start, so check the closest
	// existing ancestor instead.
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if err := writable(dir); err != nil {
		r.fail("log directory", err.Error(), "fix the permissions of "+dir)
		return
	}
	r.pass("log directory", dir)
}
