package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"git.unix.lgbt/diamondburned/taskmon/taskmon"
	"git.unix.lgbt/diamondburned/taskmon/taskmon/journal"
	"git.unix.lgbt/diamondburned/taskmon/taskmon/logfile"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

func init() {
	commands["new"] = command{
		usage: "[-n name] [-b binary] [-e KEY=VALUE]... [-w dir] [-r] [-f task.yaml] [-- args...]",
		help:  "register a new task",
		run:   newTask,
	}
	commands["list"] = command{
		help: "list every task",
		run:  listTasks,
	}
	commands["start"] = command{
		usage: "<task>",
		help:  "start a task",
		run:   startTask,
	}
	commands["stop"] = command{
		usage: "<task>",
		help:  "stop a task",
		run:   stopTask,
	}
	commands["status"] = command{
		usage: "[task]",
		help:  "show the details of a task, or of every task",
		run:   taskStatus,
	}
	commands["remove"] = command{
		usage: "[-k] <task>",
		help:  "stop and unregister a task",
		run:   removeTask,
	}
	commands["logs"] = command{
		usage: "[-n lines] [-t stdout|stderr|both] [-f] <task>",
		help:  "show the captured output of a task",
		run:   taskLogs,
	}
	commands["diagnose"] = command{
		usage: "<task>",
		help:  "check why a task may fail to start",
		run:   diagnoseTask,
	}
	commands["events"] = command{
		usage: "[-n events]",
		help:  "show the most recent journal events",
		run:   showEvents,
	}
	commands["daemon"] = command{
		help: "supervise tasks continuously in the foreground",
		run:  daemon,
	}
	commands["cron"] = command{
		help: "print crontab entries that keep the daemon running",
		run:  cron,
	}
}

// envFlag collects repeated KEY=VALUE flags.
type envFlag map[string]string

func (e envFlag) String() string {
	pairs := make([]string, 0, len(e))
	for k, v := range e {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, " ")
}

func (e envFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return errors.Errorf("%q is not KEY=VALUE", v)
	}
	e[k] = val
	return nil
}

func readTaskFile(path string) (taskmon.TaskSpec, error) {
	var spec taskmon.TaskSpec

	f, err := os.Open(path)
	if err != nil {
		return spec, errors.Wrap(err, "failed to open task file")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(&spec); err != nil {
		return spec, errors.Wrapf(err, "failed to decode %s", path)
	}

	return spec, nil
}

func newTask(ctx context.Context, a *app, args []string) error {
	env := envFlag{}

	fs := newFlagSet("new")
	name := fs.String("n", "", "task name")
	binary := fs.String("b", "", "binary to run, looked up in $PATH if it has no slash")
	workdir := fs.String("w", "", "working directory")
	restart := fs.Bool("r", false, "restart automatically after failures")
	file := fs.String("f", "", "YAML task file; flags override its values")
	fs.Var(env, "e", "environment variable as KEY=VALUE, repeatable")

	taskArgs, err := parseArgs(fs, args)
	if err != nil {
		return err
	}

	var spec taskmon.TaskSpec
	if *file != "" {
		spec, err = readTaskFile(*file)
		if err != nil {
			return err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "n":
			spec.Name = *name
		case "b":
			spec.Binary = *binary
		case "w":
			spec.Workdir = *workdir
		case "r":
			spec.AutoRestart = *restart
		case "e":
			if spec.Env == nil {
				spec.Env = map[string]string{}
			}
			for k, v := range env {
				spec.Env[k] = v
			}
		}
	})

	if len(taskArgs) > 0 {
		spec.Args = taskArgs
	}

	if spec.Name == "" || spec.Binary == "" {
		fs.Usage()
		return errors.New("a name (-n) and a binary (-b) are required")
	}

	task, err := a.sup.New(ctx, spec)
	if err != nil {
		return err
	}

	fmt.Printf("created task %s (%s)\n", task.Name, task.ShortID())
	return nil
}

func listTasks(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("list")
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}

	tasks, err := a.sup.List(ctx)
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}

	return printTaskTable(os.Stdout, tasks)
}

func startTask(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("start")
	args, err := parseArgs(fs, args)
	if err != nil {
		return err
	}

	ref, err := taskArg(fs, args)
	if err != nil {
		return err
	}

	task, err := a.sup.Start(ctx, ref)
	if err != nil {
		return err
	}

	fmt.Printf("started task %s (pid %d)\n", task.Name, task.PID)
	return nil
}

func stopTask(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("stop")
	args, err := parseArgs(fs, args)
	if err != nil {
		return err
	}

	ref, err := taskArg(fs, args)
	if err != nil {
		return err
	}

	task, err := a.sup.Stop(ctx, ref)
	if err != nil {
		return err
	}

	fmt.Printf("task %s is %s\n", task.Name, task.Status)
	return nil
}

func taskStatus(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("status")
	args, err := parseArgs(fs, args)
	if err != nil {
		return err
	}

	var tasks []*taskmon.Task

	switch len(args) {
	case 0:
		tasks, err = a.sup.List(ctx)
	case 1:
		var task *taskmon.Task
		task, err = a.sup.Status(ctx, args[0])
		tasks = []*taskmon.Task{task}
	default:
		fs.Usage()
		return errors.Errorf("expected at most 1 task, got %d arguments", len(args))
	}
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}

	for i, task := range tasks {
		if i > 0 {
			fmt.Println()
		}

		logs, err := a.sup.LogFiles(ctx, task.ID)
		if err != nil {
			return err
		}

		if err := printTaskDetails(os.Stdout, task, a.sup.Policy, logs); err != nil {
			return err
		}
	}

	return nil
}

func removeTask(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("remove")
	keep := fs.Bool("k", false, "keep the task's log files")

	args, err := parseArgs(fs, args)
	if err != nil {
		return err
	}

	ref, err := taskArg(fs, args)
	if err != nil {
		return err
	}

	task, err := a.sup.Remove(ctx, ref, *keep)
	if err != nil {
		return err
	}

	fmt.Printf("removed task %s (%s)\n", task.Name, task.ShortID())
	return nil
}

func taskLogs(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("logs")
	n := fs.Int("n", taskmon.DefaultLogLines, "number of lines per stream")
	streamName := fs.String("t", string(logfile.Stdout), "stream: stdout, stderr or both")
	follow := fs.Bool("f", false, "print lines as they are written until interrupted; -n is ignored")

	args, err := parseArgs(fs, args)
	if err != nil {
		return err
	}

	ref, err := taskArg(fs, args)
	if err != nil {
		return err
	}

	if *n <= 0 {
		return errors.Errorf("invalid line count %d", *n)
	}

	stream, err := logfile.ParseStream(*streamName)
	if err != nil {
		return err
	}

	emit := func(l logfile.Line) {
		if stream == logfile.Both {
			fmt.Printf("[%s] %s\n", l.Stream.Label(), l.Text)
		} else {
			fmt.Println(l.Text)
		}
	}

	if *follow {
		return a.sup.Follow(ctx, ref, stream, emit)
	}

	lines, err := a.sup.Logs(ctx, ref, stream, *n)
	if err != nil {
		return err
	}

	for _, line := range lines {
		emit(line)
	}

	return nil
}

func diagnoseTask(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("diagnose")
	args, err := parseArgs(fs, args)
	if err != nil {
		return err
	}

	ref, err := taskArg(fs, args)
	if err != nil {
		return err
	}

	report, err := a.sup.Diagnose(ctx, ref)
	if err != nil {
		return err
	}

	printReport(os.Stdout, report)
	return nil
}

func showEvents(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("events")
	n := fs.Int("n", 20, "number of events")

	if _, err := parseArgs(fs, args); err != nil {
		return err
	}

	entries, err := journal.ReadLast(a.journal.Path(), *n)
	if err != nil {
		return err
	}

	return printEvents(os.Stdout, entries)
}
