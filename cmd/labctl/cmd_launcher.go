package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/dist"
	"labkit.ai/internal/lockfile"
	"labkit.ai/internal/persistence/indexdb"
	"labkit.ai/internal/registry"
	"labkit.ai/internal/session"
	"labkit.ai/internal/transport/observer"
)

func (a *app) launcherCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launcher",
		Short: "List builds and saves, boot sessions",
	}
	cmd.AddCommand(
		a.listBuildsCmd(),
		a.listSavesCmd(),
		a.launcherRunCmd(),
		a.launcherHistoryCmd(),
		a.launcherServeCmd(),
	)
	return cmd
}

// buildRow is one bootable tree: the compiler output directory or a dist.
type buildRow struct {
	Kind         string `json:"kind"`
	Path         string `json:"path"`
	BundleID     string `json:"bundle_id"`
	PackLockHash string `json:"pack_lock_hash"`
	ManifestHash string `json:"manifest_hash,omitempty"`
}

// listBuilds reports the build directory and every direct child of root
// carrying a dist manifest, sorted by path.
func (a *app) listBuilds() ([]buildRow, error) {
	rows := []buildRow{}
	build := a.buildDir()
	if lf, _, err := lockfile.Read(registry.LockfilePath(build)); err == nil {
		rows = append(rows, buildRow{Kind: "build", Path: build, BundleID: lf.BundleID, PackLockHash: lf.PackLockHash})
	} else if !lockfile.IsMissing(err) {
		a.logger.Warn("unreadable build lockfile", "path", build, "err", err)
	}
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(a.root, e.Name())
		raw, err := os.ReadFile(filepath.Join(dir, dist.ManifestName))
		if err != nil {
			continue
		}
		var m dist.Manifest
		if err := canon.DecodeStrict(raw, &m); err != nil {
			a.logger.Warn("unreadable dist manifest", "path", dir, "err", err)
			continue
		}
		rows = append(rows, buildRow{
			Kind:         "dist",
			Path:         dir,
			BundleID:     m.BundleID,
			PackLockHash: m.PackLockHash,
			ManifestHash: canon.SHA256Hex(raw),
		})
	}
	return rows, nil
}

func (a *app) listBuildsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-builds",
		Short: "Compiled builds and dist trees under the root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := a.listBuilds()
			if err != nil {
				return err
			}
			return writeComplete(a.stdout, obj{"builds": rows})
		},
	}
}

func (a *app) listSavesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-saves",
		Short: "Saves and their recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			saves, err := session.ListSaves(session.SavesDir(a.root))
			if err != nil {
				return err
			}
			return writeComplete(a.stdout, obj{"saves": saves})
		},
	}
}

// specArg accepts a save id or a session spec path.
func (a *app) specArg(v string) string {
	if filepath.Ext(v) == ".json" {
		return v
	}
	return session.SpecPath(session.SavesDir(a.root), v)
}

func (a *app) launcherRunCmd() *cobra.Command {
	var (
		distDir, spec, script string
		rf                    runFlags
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot a save against a dist and optionally run a script",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.boot(cmd.Context(), a.specArg(spec), distDir, rf.lens)
			if err != nil {
				return err
			}
			out := bootFields(s)
			if script != "" {
				run, err := a.runScript(cmd.Context(), s, script, rf)
				if err != nil {
					return err
				}
				out["script"] = scriptFields(run)
			} else {
				a.record(func(idx *indexdb.SQLiteIndex) error { return idx.RecordRun(s.Meta, nil) })
			}
			return writeComplete(a.stdout, out)
		},
	}
	cmd.Flags().StringVar(&distDir, "dist", "", "Dist directory")
	cmd.Flags().StringVar(&spec, "session", "", "Save id or session spec path")
	cmd.Flags().StringVar(&script, "script", "", "Intent script to run after boot")
	a.addRunFlags(cmd, &rf)
	_ = cmd.MarkFlagRequired("dist")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func (a *app) launcherHistoryCmd() *cobra.Command {
	var f indexdb.HistoryFilter
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Compile, dist and run history from the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.indexDB(true)
			if err != nil {
				return err
			}
			if err := idx.Sync(cmd.Context()); err != nil {
				return err
			}
			h, err := idx.History(cmd.Context(), f)
			if err != nil {
				return err
			}
			return writeComplete(a.stdout, obj{"history": h})
		},
	}
	cmd.Flags().StringVar(&f.BundleID, "bundle", "", "Only this bundle")
	cmd.Flags().StringVar(&f.SaveID, "save-id", "", "Only runs of this save")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "Rows per table (default 50)")
	return cmd
}

func (a *app) launcherServeCmd() *cobra.Command {
	var (
		distDir, spec, script, listen string
		rf                            runFlags
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Boot, run a script and stream its ticks to observers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = a.cfg.Observer.Listen
			}
			return a.serve(cmd.Context(), a.specArg(spec), distDir, script, listen, rf)
		},
	}
	cmd.Flags().StringVar(&distDir, "dist", "", "Dist directory (default: the build directory)")
	cmd.Flags().StringVar(&spec, "session", "", "Save id or session spec path")
	cmd.Flags().StringVar(&script, "script", "", "Intent script")
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from labkit.yaml)")
	a.addRunFlags(cmd, &rf)
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

// serve boots the save, runs the script with the observer server as a tick
// sink and keeps serving the recorded stream until ctx is cancelled.
func (a *app) serve(ctx context.Context, specPath, distDir, script, listen string, rf runFlags) error {
	s, err := a.boot(ctx, specPath, distDir, rf.lens)
	if err != nil {
		return err
	}
	srv := observer.NewServer(observer.Info{
		SaveID:         s.Spec.SaveID,
		BundleID:       s.Spec.BundleID,
		BootRunID:      s.Meta.RunID,
		LensID:         s.Lens.LensID,
		PackLockHash:   s.Lockfile.PackLockHash,
		RegistryHashes: s.Lockfile.Registries,
		StartTick:      s.State.Tick,
	}, observer.NewMetrics(), a.logger)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listen, err)
	}
	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	a.logger.Info("observer listening", "addr", ln.Addr().String(), "save_id", s.Spec.SaveID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	run, runErr := a.runScript(gctx, s, script, rf, srv)
	if runErr != nil {
		if err := srv.Refuse(runErr); err != nil {
			a.logger.Warn("observer refuse", "err", err)
		}
	} else {
		if err := srv.Finish(run.Meta.RunID, run.Result); err != nil {
			a.logger.Warn("observer finish", "err", err)
		}
		if err := writeComplete(a.stdout, obj{"listen": ln.Addr().String(), "script": scriptFields(run)}); err != nil {
			return err
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return runErr
}
