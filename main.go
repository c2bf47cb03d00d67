package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"git.unix.lgbt/diamondburned/taskmon/taskmon"
	"git.unix.lgbt/diamondburned/taskmon/taskmon/config"
	"git.unix.lgbt/diamondburned/taskmon/taskmon/journal"
	"git.unix.lgbt/diamondburned/taskmon/taskmon/logfile"
	"git.unix.lgbt/diamondburned/taskmon/taskmon/logger"
	"git.unix.lgbt/diamondburned/taskmon/taskmon/store"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	configDir  string
	configFile string
)

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, app *app, args []string) error
}

var commands = map[string]command{}

var commandOrder = []string{
	"new", "list", "start", "stop", "status", "remove",
	"logs", "diagnose", "events", "daemon", "cron",
}

func init() {
	dir, err := config.DefaultDir()
	if err == nil {
		configDir = dir
	}

	flag.StringVar(&configDir, "d", configDir, "taskmon directory path")
	flag.StringVar(&configFile, "c", "", "config file path (default <dir>/config.yaml)")
	flag.Usage = func() {
		f := func(f string, v ...interface{}) {
			fmt.Fprintf(flag.CommandLine.Output(), f, v...)
		}

		f("Usage:\n")
		f("  %s [-d dir] [-c config] <command> [args...]\n", filepath.Base(os.Args[0]))
		f("\n")
		f("Commands:\n")
		for _, name := range commandOrder {
			f("  %-10s %s\n", name, commands[name].help)
		}
		f("\n")
		f("Flags:\n")
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()

	if configDir == "" {
		log.Fatalln("missing -d path to taskmon directory")
	}

	name := flag.Arg(0)
	if name == "" {
		flag.Usage()
		os.Exit(2)
	}

	cmd, ok := commands[name]
	if !ok {
		log.Fatalf("unknown command %q\n", name)
	}

	cfg, err := config.Load(viper.New(), configDir, configFile)
	if err != nil {
		log.Fatalln(err)
	}

	zlog, err := logger.Build(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		log.Fatalln(err)
	}
	defer zlog.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(cfg, zlog, name == "daemon")
	if err != nil {
		zlog.Fatal("failed to initialize", zap.Error(err))
	}
	defer app.Close()

	if err := cmd.run(ctx, app, flag.Args()[1:]); err != nil {
		zlog.Error(name+" failed", zap.Error(err))
		zlog.Sync()
		app.Close()
		os.Exit(1)
	}
}

// app holds everything a command may need.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	journal *journal.File
	store   *store.FileStore
	sup     *taskmon.Supervisor
}

func newApp(cfg *config.Config, zlog *zap.Logger, daemon bool) (*app, error) {
	jf, err := journal.Open(cfg.JournalFile, journal.Options{LockTimeout: cfg.LockTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open journal")
	}

	// One-shot commands report their own results, so only problems are
	// mirrored onto the terminal.
	mirror := zlog
	if !daemon {
		mirror = zlog.WithOptions(zap.IncreaseLevel(zap.WarnLevel))
	}

	j := journal.MultiWriter(jf, journal.ZapWriter(mirror))

	ctrl := taskmon.NewController(logfile.NewManager(cfg.MaxLogSize), j)
	ctrl.GracePeriod = cfg.GracePeriod
	ctrl.KillTimeout = cfg.KillTimeout

	st := store.New(cfg.RegistryFile)
	st.LockTimeout = cfg.LockTimeout

	sup := taskmon.NewSupervisor(st, ctrl, cfg.LogsDir, j)
	sup.FollowInterval = cfg.FollowInterval
	sup.Policy = taskmon.RestartPolicy{
		MaxAttempts: cfg.MaxRestarts,
		Backoff:     cfg.Backoff(),
	}

	return &app{
		cfg:     cfg,
		log:     zlog,
		journal: jf,
		store:   st,
		sup:     sup,
	}, nil
}

func (a *app) Close() error {
	return a.journal.Close()
}

// newFlagSet creates a FlagSet for the command with the given name.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s %s %s\n",
			filepath.Base(os.Args[0]), name, commands[name].usage)

		hasFlags := false
		fs.VisitAll(func(*flag.Flag) { hasFlags = true })
		if hasFlags {
			fmt.Fprintf(fs.Output(), "\nFlags:\n")
			fs.PrintDefaults()
		}
	}
	return fs
}

// parseArgs parses flags anywhere among the positional arguments. Everything
// after a "--" is positional.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string

	for {
		before := args
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()

		consumed := len(before) - len(args)
		if consumed > 0 && before[consumed-1] == "--" {
			return append(positional, args...), nil
		}

		if len(args) == 0 {
			return positional, nil
		}

		positional = append(positional, args[0])
		args = args[1:]
	}
}

// taskArg returns the single task reference among the arguments.
func taskArg(fs *flag.FlagSet, args []string) (string, error) {
	if len(args) != 1 {
		fs.Usage()
		return "", errors.Errorf("expected 1 task, got %d arguments", len(args))
	}
	return args[0], nil
}

func cron(ctx context.Context, a *app, args []string) error {
	crontimes := [...]string{
		"# Start the taskmon daemon immediately on startup.",
		"@reboot",
		"# Restart the daemon every minute if it died; it exits if already running.",
		"* * * * *",
	}

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	cmd := []string{strconv.Quote(self), "-d", strconv.Quote(configDir)}
	if configFile != "" {
		cmd = append(cmd, "-c", strconv.Quote(configFile))
	}
	cmd = append(cmd, "daemon")

	for _, crontime := range crontimes {
		if strings.HasPrefix(crontime, "#") {
			fmt.Println(crontime)
			continue
		}

		fmt.Println(crontime, strings.Join(cmd, " "))
	}

	return nil
}

func daemon(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("daemon")
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}

	l := flock.New(filepath.Join(filepath.Dir(a.cfg.RegistryFile), "daemon.lock"))

	locked, err := l.TryLock()
	if err != nil {
		return errors.Wrap(err, "failed to acquire daemon lock")
	}
	if !locked {
		// Non-fatal error.
		a.log.Info("taskmon daemon is already running")
		return nil
	}
	defer l.Unlock()

	m := taskmon.NewMonitor(a.sup, a.store.Path())
	m.Interval = a.cfg.MonitorInterval
	m.MetricsFile = a.cfg.MetricsTextfile

	a.log.Info("taskmon daemon started",
		zap.String("registry", a.store.Path()),
		zap.Duration("interval", m.Interval))

	return m.Run(ctx)
}
