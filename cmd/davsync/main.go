package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/davsync/internal/backup"
	"github.com/alexjbarnes/davsync/internal/config"
	"github.com/alexjbarnes/davsync/internal/creds"
	"github.com/alexjbarnes/davsync/internal/engine"
	"github.com/alexjbarnes/davsync/internal/locking"
	"github.com/alexjbarnes/davsync/internal/logging"
	"github.com/alexjbarnes/davsync/internal/state"
	"github.com/alexjbarnes/davsync/internal/webdav"
)

var Version = "dev"

var (
	flagOverwriteLocal  bool
	flagOverwriteRemote bool
	flagForce           bool
	flagNoRemoteLock    bool
	flagRepeat          int
)

var rootCmd = &cobra.Command{
	Use:           "davsync",
	Short:         "Synchronize a named set of local files with a WebDAV server",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync [name]",
	Short: "Sync one file, or all configured files",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.close()

		entries := app.cfg.Files

		if len(args) == 1 {
			entry, err := app.cfg.Entry(args[0])
			if err != nil {
				return err
			}

			entries = []config.FileEntry{entry}
		}

		if flagRepeat > 0 {
			return app.repeat(cmd.Context(), entries, time.Duration(flagRepeat)*time.Minute)
		}

		return app.engine.SyncAll(cmd.Context(), entries)
	},
}

var putCmd = &cobra.Command{
	Use:   "put <name>",
	Short: "Upload the local file, overwriting the remote resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.close()

		entry, err := app.cfg.Entry(args[0])
		if err != nil {
			return err
		}

		return app.engine.Push(cmd.Context(), entry)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Download the remote resource, overwriting the local file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.close()

		entry, err := app.cfg.Entry(args[0])
		if err != nil {
			return err
		}

		return app.engine.Pull(cmd.Context(), entry)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{syncCmd, putCmd, getCmd} {
		cmd.Flags().BoolVar(&flagForce, "force", false, "skip the pre-overwrite confirmation")
		cmd.Flags().BoolVar(&flagNoRemoteLock, "no-remote-lock", false, "skip WebDAV locking, trusting external coordination")
	}

	syncCmd.Flags().BoolVar(&flagOverwriteLocal, "overwrite-local", false, "on conflict, let the remote win")
	syncCmd.Flags().BoolVar(&flagOverwriteRemote, "overwrite-remote", false, "on conflict, let the local file win")
	syncCmd.MarkFlagsMutuallyExclusive("overwrite-local", "overwrite-remote")
	syncCmd.Flags().IntVar(&flagRepeat, "repeat", 0, "repeat the sync pass every N minutes")

	rootCmd.AddCommand(syncCmd, putCmd, getCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the wired components for one invocation.
type app struct {
	cfg    *config.Config
	store  *state.Store
	engine *engine.Engine
	logger *slog.Logger
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Debug("davsync starting",
		slog.String("version", Version),
		slog.String("base_url", cfg.BaseURL),
		slog.Int("files", len(cfg.Files)),
	)

	store, err := state.Open(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("opening state: %w", err)
	}

	resolver := creds.NewResolver(logger,
		&creds.EnvProvider{Username: cfg.Username, Password: cfg.Password},
		&creds.AskpassProvider{Command: cfg.Askpass, Username: cfg.Username},
		&creds.TerminalProvider{Username: cfg.Username},
	)

	client := webdav.NewClient(cfg.TransferRetries, resolver, logger)

	locks := locking.NewCoordinator(
		cfg.StateDir,
		cfg.LocalLockRetries,
		cfg.LockTimeout(),
		client,
		flagNoRemoteLock,
		logger,
	)

	rotator := backup.NewRotator(cfg.BackupDir, cfg.BackupMinCount, cfg.BackupMaxAge(), logger)

	policy := engine.PolicyNone
	switch {
	case flagOverwriteLocal:
		policy = engine.PolicyOverwriteLocal
	case flagOverwriteRemote:
		policy = engine.PolicyOverwriteRemote
	}

	eng := engine.New(engine.Options{
		BaseURL: cfg.BaseURL,
		Client:  client,
		Locks:   locks,
		Backups: rotator,
		Store:   store,
		Policy:  policy,
		Force:   flagForce,
		Confirm: confirmOnTerminal,
	}, logger)

	return &app{cfg: cfg, store: store, engine: eng, logger: logger}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}

// repeat runs sync passes at a fixed interval until the context is
// cancelled. A failed pass is logged and does not halt later passes.
func (a *app) repeat(ctx context.Context, entries []config.FileEntry, interval time.Duration) error {
	a.logger.Info("repeat mode", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := a.engine.SyncAll(ctx, entries); err != nil {
			a.logger.Error("sync pass failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

// confirmOnTerminal asks for approval before an overwrite. Non-terminal
// stdin approves silently so unattended runs are not blocked; --force
// bypasses the prompt entirely.
func confirmOnTerminal(name string, action engine.Action) bool {
	if fi, err := os.Stdin.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return true
	}

	fmt.Fprintf(os.Stderr, "%s %s? [y/N] ", action, name)

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))

	return answer == "y" || answer == "yes"
}
