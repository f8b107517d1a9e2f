package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nhle/mailbackup/internal/app"
	"github.com/nhle/mailbackup/internal/credential"
	"github.com/nhle/mailbackup/internal/mailbox"
	"github.com/nhle/mailbackup/internal/model"
	"github.com/nhle/mailbackup/internal/source/email"
	"github.com/nhle/mailbackup/internal/store"
	appsync "github.com/nhle/mailbackup/internal/sync"
	"github.com/nhle/mailbackup/internal/ui/progress"
	"github.com/nhle/mailbackup/internal/ui/setup"
)

type options struct {
	configPath   string
	once         bool
	interval     time.Duration
	tui          bool
	savePassword bool
	forget       bool
	dryList      bool
	setup        bool
	check        bool
	history      int
	resetState   string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("mailbackup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", model.DefaultConfigPath(), "configuration file")
	fs.BoolVar(&opts.once, "once", false, "run one sync pass and exit, ignoring sync.interval_sec")
	fs.DurationVar(&opts.interval, "interval", 0, "watch mode period (overrides sync.interval_sec)")
	fs.BoolVar(&opts.tui, "tui", false, "show a live progress view in watch mode")
	fs.BoolVar(&opts.savePassword, "save-password", false, "store the password in the system keyring after a successful login")
	fs.BoolVar(&opts.forget, "forget-password", false, "remove the stored password from the system keyring and exit")
	fs.BoolVar(&opts.dryList, "dry-list", false, "list folders with their exclusion decision and paths, then exit")
	fs.BoolVar(&opts.setup, "setup", false, "interactively write the configuration file")
	fs.BoolVar(&opts.check, "check", false, "verify the server connection and credentials, then exit")
	fs.StringVar(&opts.resetState, "reset-state", "", "forget the stored state of the named folder so the next run re-reconciles it, then exit")
	fs.IntVar(&opts.history, "history", 0, "print the last N recorded runs (sqlite state backend) and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	if err := model.LoadDotEnv(model.DotEnvFile); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	cfg, err := model.LoadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "loading config: %v\n", err)
		return 1
	}

	if opts.setup {
		if err := runSetup(opts.configPath, cfg); err != nil {
			fmt.Fprintf(stderr, "setup: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "configuration written to %s\n", opts.configPath)
		return 0
	}

	if opts.forget {
		if err := credential.ForgetPassword(cfg.Server.Username); err != nil {
			fmt.Fprintf(stderr, "forgetting password: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "password for %s removed from keyring\n", cfg.Server.Username)
		return 0
	}

	cfg.Archive.Root = expandHome(cfg.Archive.Root)
	cfg.State.DBPath = expandHome(cfg.State.DBPath)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "invalid configuration: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logOut := stderr
	if opts.tui {
		f, err := openLogFile(cfg.Archive.Root)
		if err != nil {
			fmt.Fprintf(stderr, "opening log file: %v\n", err)
			return 1
		}
		defer f.Close()
		logOut = f
	}
	logger := newLogger(cfg.Log, logOut)

	tokens, closeStore, err := openStateStore(cfg)
	if err != nil {
		logger.Error("opening state store", "error", err)
		return 1
	}
	defer closeStore()

	if opts.history > 0 {
		return printHistory(ctx, tokens, opts.history, stdout, stderr)
	}

	password, origin, err := credential.DefaultResolver().Password(cfg.Server.Username)
	if err != nil {
		logger.Error("resolving password", "error", err)
		return 1
	}
	logger.Debug("password resolved", "origin", origin)

	client := email.NewIMAPClient(
		cfg.Server.Host, cfg.Server.Port,
		cfg.Server.Username, password, cfg.Server.TLS,
	)

	if opts.check || opts.savePassword {
		user, err := client.ValidateConnection(ctx)
		if err != nil {
			logger.Error("connection check failed", "addr", client.Addr(), "error", err)
			return 1
		}
		logger.Info("connection ok", "addr", client.Addr(), "username", user)
		if opts.savePassword && origin != credential.OriginKeyring {
			if err := credential.SavePassword(user, password); err != nil {
				logger.Error("saving password", "error", err)
				return 1
			}
			logger.Info("password saved to keyring", "username", user)
		}
		if opts.check {
			return 0
		}
	}

	runnerOpts := appsync.RunnerOptions{
		Root:   cfg.Archive.Root,
		Filter: mailbox.NewFilter(cfg.Sync.ExcludeFlags),
		Policy: appsync.PolicyFromConfig(cfg.Sync),
		Logger: logger,
	}

	if opts.resetState != "" {
		return resetState(ctx, client, tokens, runnerOpts, opts.resetState, stdout, logger)
	}

	if opts.dryList {
		return dryList(ctx, client, tokens, runnerOpts, stdout, logger)
	}

	interval := resolveInterval(opts, cfg.Sync)

	var events chan appsync.Event
	if opts.tui && interval > 0 {
		events = make(chan appsync.Event, 64)
		runnerOpts.Progress = progress.Forward(events)
	} else {
		runnerOpts.Progress = appsync.LogProgress(logger)
	}

	cycle := func(ctx context.Context) (model.RunSummary, error) {
		return syncCycle(ctx, client, tokens, runnerOpts, logger)
	}

	if interval <= 0 {
		summary, err := cycle(ctx)
		return exitCode(summary, err)
	}

	poller := appsync.NewPoller(cycle, interval)
	go triggerOnHangup(ctx, poller, logger)

	if events != nil {
		if err := app.Run(ctx, poller, events); err != nil {
			logger.Error("terminal UI", "error", err)
			return 1
		}
		return 0
	}

	logger.Info("watching", "interval", interval)
	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("watch loop", "error", err)
		return 1
	}
	logger.Info("stopped")
	return 0
}

// syncCycle connects, syncs every folder and logs out.
func syncCycle(
	ctx context.Context,
	client *email.IMAPClient,
	tokens store.TokenStore,
	opts appsync.RunnerOptions,
	logger *slog.Logger,
) (model.RunSummary, error) {
	sess, err := client.Connect(ctx)
	if err != nil {
		logger.Error("connecting", "addr", client.Addr(), "error", err)
		return model.RunSummary{}, err
	}
	defer func() {
		if err := sess.Logout(); err != nil {
			logger.Warn("logout", "error", err)
		}
	}()

	summary, err := appsync.NewRunner(sess, tokens, opts).RunOnce(ctx)
	logSummary(logger, summary, err)
	return summary, err
}

func logSummary(logger *slog.Logger, summary model.RunSummary, err error) {
	var added, removed, synced int
	for _, f := range summary.Folders {
		added += f.Added
		removed += f.Removed
		if f.Status == model.FolderSynced {
			synced++
		}
	}
	attrs := []any{
		"run", summary.ID,
		"folders", len(summary.Folders),
		"synced", synced,
		"failed", summary.Failed(),
		"added", added,
		"removed", removed,
		"duration", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond),
	}
	if err != nil {
		logger.Error("run aborted", append(attrs, "error", err)...)
		return
	}
	logger.Info("run finished", attrs...)
}

func exitCode(summary model.RunSummary, err error) int {
	if err != nil || summary.Failed() > 0 {
		return 1
	}
	return 0
}

func resolveInterval(opts options, cfg model.SyncConfig) time.Duration {
	if opts.once {
		return 0
	}
	if opts.interval > 0 {
		return opts.interval
	}
	return time.Duration(cfg.IntervalSec) * time.Second
}

func triggerOnHangup(ctx context.Context, poller *appsync.Poller, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("SIGHUP received, syncing now")
			poller.Trigger()
		}
	}
}

func dryList(
	ctx context.Context,
	client *email.IMAPClient,
	tokens store.TokenStore,
	opts appsync.RunnerOptions,
	stdout io.Writer,
	logger *slog.Logger,
) int {
	sess, err := client.Connect(ctx)
	if err != nil {
		logger.Error("connecting", "addr", client.Addr(), "error", err)
		return 1
	}
	defer sess.Logout()

	plans, err := appsync.NewRunner(sess, tokens, opts).Plan(ctx)
	if err != nil {
		logger.Error("listing folders", "error", err)
		return 1
	}
	writePlans(stdout, plans)
	return 0
}

func resetState(
	ctx context.Context,
	client *email.IMAPClient,
	tokens store.TokenStore,
	opts appsync.RunnerOptions,
	folder string,
	stdout io.Writer,
	logger *slog.Logger,
) int {
	sess, err := client.Connect(ctx)
	if err != nil {
		logger.Error("connecting", "addr", client.Addr(), "error", err)
		return 1
	}
	defer sess.Logout()

	d, err := appsync.NewRunner(sess, tokens, opts).ResetState(ctx, folder)
	if err != nil {
		logger.Error("resetting state", "folder", folder, "error", err)
		return 1
	}
	fmt.Fprintf(stdout, "state of %s forgotten; %s will be reconciled in full on the next run\n", d.Name, d.ArchivePath)
	return 0
}

func writePlans(w io.Writer, plans []appsync.FolderPlan) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FOLDER\tACTION\tARCHIVE")
	for _, p := range plans {
		switch {
		case p.Err != nil:
			fmt.Fprintf(tw, "%s\tskip (%v)\t\n", p.Line, p.Err)
		case p.Excluded != "":
			fmt.Fprintf(tw, "%s\tskip (%s)\t\n", p.Descriptor.Name, p.Excluded)
		default:
			fmt.Fprintf(tw, "%s\tsync\t%s\n", p.Descriptor.Name, p.Descriptor.ArchivePath)
		}
	}
	tw.Flush()
}

func printHistory(
	ctx context.Context, tokens store.TokenStore, limit int, stdout, stderr io.Writer,
) int {
	sqlite, ok := tokens.(*store.SQLiteStore)
	if !ok {
		fmt.Fprintln(stderr, "run history requires state.backend: sqlite")
		return 1
	}
	runs, err := sqlite.RecentRuns(ctx, limit)
	if err != nil {
		fmt.Fprintf(stderr, "reading history: %v\n", err)
		return 1
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRUN\tFOLDERS\tFAILED\tADDED\tREMOVED")
	for _, r := range runs {
		var added, removed int
		for _, f := range r.Folders {
			added += f.Added
			removed += f.Removed
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n",
			r.StartedAt.Local().Format(time.DateTime), r.ID,
			len(r.Folders), r.Failed(), added, removed)
	}
	tw.Flush()
	return 0
}

func runSetup(path string, cfg *model.AppConfig) error {
	answers := setup.AnswersFromConfig(cfg)
	if err := setup.NewForm(&answers).Run(); err != nil {
		return err
	}
	answers.Apply(cfg)
	if cfg.State.Backend == model.StateBackendSQLite && cfg.State.DBPath == "" {
		cfg.State.DBPath = filepath.Join(cfg.Archive.Root, "mailbackup.db")
	}
	if err := model.SaveConfig(path, cfg); err != nil {
		return err
	}
	if answers.Password == "" {
		return nil
	}
	return credential.SavePassword(cfg.Server.Username, answers.Password)
}

// openStateStore returns the configured token store and its closer.
func openStateStore(cfg *model.AppConfig) (store.TokenStore, func(), error) {
	switch cfg.State.Backend {
	case model.StateBackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.State.DBPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating state directory: %w", err)
		}
		s, err := store.NewSQLiteStore(cfg.State.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return store.NewFileStore(), func() {}, nil
	}
}

func newLogger(cfg model.LogConfig, w io.Writer) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func openLogFile(root string) (*os.File, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(root, "mailbackup.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
