// Command labctl drives the lab distribution pipeline: pack discovery,
// registry compile, dist builds, saves, boots and scripted runs. Results are
// JSON on stdout; logs go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"labkit.ai/internal/cache"
	"labkit.ai/internal/config"
	"labkit.ai/internal/logging"
	"labkit.ai/internal/persistence/indexdb"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/schema"
)

var version = "1.0.0"

// Exit codes.
const (
	exitComplete = 0
	exitRefused  = 2
	exitInternal = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// app is the per-invocation environment shared by every command.
type app struct {
	root     string
	logLevel string

	cfg    config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	index *indexdb.SQLiteIndex
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) (code int) {
	a := &app{stdout: stdout, stderr: stderr, logger: logging.Discard()}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic", "value", fmt.Sprint(r), "stack", string(debug.Stack()))
			writeInternal(stderr, fmt.Errorf("panic: %v", r))
			code = exitInternal
		}
	}()
	defer a.close()

	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitComplete
	}
	if refusal.IsRefusal(err) {
		if werr := writeRefused(stdout, err); werr != nil {
			writeInternal(stderr, werr)
			return exitInternal
		}
		return exitRefused
	}
	writeInternal(stderr, err)
	return exitInternal
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "labctl",
		Short:         "Deterministic lab distribution build and boot pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.root, "root", ".", "Repository root")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: info, debug, trace, warn, error (overrides labkit.yaml)")

	root.AddCommand(
		a.packCmd(),
		a.bundleCmd(),
		a.registryCmd(),
		a.lockfileCmd(),
		a.setupCmd(),
		a.launcherCmd(),
		a.sessionCmd(),
		a.uiCmd(),
		a.schemaCmd(),
	)
	return root
}

// setup loads labkit.yaml and builds the logger.
func (a *app) setup() error {
	cfg, err := config.Load(a.root)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	logger, err := logging.NewLogger(cfg.Logging.Level, a.stderr)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

func (a *app) close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Warn("index close", "err", err)
		}
	}
}

// validator reads the repository's schema set.
func (a *app) validator() *schema.Validator { return schema.New(a.root) }

func (a *app) cache() *cache.Store {
	if !a.cfg.Cache.Enabled {
		return nil
	}
	return cache.New(config.Resolve(a.root, a.cfg.Cache.Dir), a.logger)
}

func (a *app) buildDir() string { return config.Resolve(a.root, a.cfg.Build.OutDir) }

// indexDB opens the read-model index when enabled. force opens it even when
// labkit.yaml leaves it disabled.
func (a *app) indexDB(force bool) (*indexdb.SQLiteIndex, error) {
	if a.index != nil {
		return a.index, nil
	}
	if !a.cfg.Index.Enabled && !force {
		return nil, nil
	}
	idx, err := indexdb.OpenSQLite(config.Resolve(a.root, a.cfg.Index.Path))
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	a.index = idx
	return idx, nil
}

// record runs fn against the index when it is enabled. Index failures are
// logged, never surfaced.
func (a *app) record(fn func(*indexdb.SQLiteIndex) error) {
	idx, err := a.indexDB(false)
	if err != nil {
		a.logger.Warn("index unavailable", "err", err)
		return
	}
	if idx == nil {
		return
	}
	if err := fn(idx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("index write", "err", err)
	}
}
