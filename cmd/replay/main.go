// Command replay checks a recorded run offline: the tick log's hash chain,
// its checkpoint snapshots and the run-meta summary, and optionally re-runs
// the script from the save to compare every tick hash.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/logging"
	"labkit.ai/internal/persistence/ticklog"
	"labkit.ai/internal/schema"
	"labkit.ai/internal/session"
	"labkit.ai/internal/srz"
	"labkit.ai/schemas"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := &cobra.Command{
		Use:           "replay",
		Short:         "Verify recorded runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(verifyCmd(stdout, stderr), showCmd(stdout))
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "replay:", err)
		return 1
	}
	return 0
}

type verifyFlags struct {
	save    string
	runID   string
	script  string
	build   string
	workers int
}

func verifyCmd(stdout, stderr io.Writer) *cobra.Command {
	var f verifyFlags
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute a run's tick, composite and checkpoint hashes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := verify(cmd.Context(), f, stderr)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "replay ok: run=%s ticks=%d checkpoints=%d final_state_hash=%s composite_hash=%s\n",
				rep.RunID, rep.Ticks, rep.Checkpoints, rep.FinalStateHash, rep.CompositeHash)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.save, "save", "", "Save directory (saves/<save_id>)")
	cmd.Flags().StringVar(&f.runID, "run", "", "Run id")
	cmd.Flags().StringVar(&f.script, "script", "", "Re-run this script from the save and compare tick hashes")
	cmd.Flags().StringVar(&f.build, "build", "", "Build directory for --script (default <root>/build beside saves/)")
	cmd.Flags().IntVar(&f.workers, "workers", 1, "Worker count for --script")
	_ = cmd.MarkFlagRequired("save")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func verify(ctx context.Context, f verifyFlags, stderr io.Writer) (*ticklog.Report, error) {
	rep, err := ticklog.Verify(f.save, f.runID)
	if err != nil {
		return nil, err
	}
	var meta session.RunMeta
	if err := canon.ReadStrict(session.RunMetaPath(f.save, f.runID), &meta); err != nil {
		return nil, fmt.Errorf("run meta: %w", err)
	}
	sc := meta.Script
	if sc == nil {
		return nil, fmt.Errorf("run %s is a boot, not a scripted run", f.runID)
	}
	if sc.FinalStateHash != rep.FinalStateHash || sc.CompositeHash != rep.CompositeHash {
		return nil, fmt.Errorf("run meta disagrees with the tick log: final_state_hash %s vs %s, composite_hash %s vs %s",
			sc.FinalStateHash, rep.FinalStateHash, sc.CompositeHash, rep.CompositeHash)
	}
	if f.script == "" {
		return rep, nil
	}

	lg, err := ticklog.Read(ticklog.LogPath(f.save, f.runID))
	if err != nil {
		return nil, err
	}
	build := f.build
	if build == "" {
		build = filepath.Join(filepath.Dir(filepath.Dir(filepath.Clean(f.save))), "build")
	}
	logger, err := logging.NewLogger("warn", stderr)
	if err != nil {
		return nil, err
	}
	s, err := session.Boot(ctx, session.BootOptions{
		SpecPath: filepath.Join(f.save, session.SpecFile),
		BuildDir: build,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	script, err := srz.ReadScript(f.script, schema.NewFS(schemas.FS))
	if err != nil {
		return nil, err
	}
	res, err := srz.Run(ctx, s.Env(), s.State, script, srz.Options{
		WorkerCount:    f.workers,
		LogicalShards:  1,
		PackLockHash:   s.Lockfile.PackLockHash,
		RegistryHashes: s.Lockfile.Registries,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("re-run: %w", err)
	}
	if len(res.TickHashAnchors) != len(lg.Lines) {
		return nil, fmt.Errorf("re-run produced %d ticks, log has %d", len(res.TickHashAnchors), len(lg.Lines))
	}
	for i, a := range res.TickHashAnchors {
		if l := lg.Lines[i]; a.Tick != l.Tick || a.TickHash != l.TickHash {
			return nil, fmt.Errorf("tick %d: re-run tick hash %s, logged %s", l.Tick, a.TickHash, l.TickHash)
		}
	}
	if res.ScriptID != lg.Header.ScriptID || res.CompositeHash != rep.CompositeHash {
		return nil, fmt.Errorf("re-run composite %s differs from logged %s", res.CompositeHash, rep.CompositeHash)
	}
	return rep, nil
}

func showCmd(stdout io.Writer) *cobra.Command {
	var save, runID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a run's tick log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lg, err := ticklog.Read(ticklog.LogPath(save, runID))
			if err != nil {
				return err
			}
			h := lg.Header
			fmt.Fprintf(stdout, "run=%s save=%s script=%s shard=%s start_tick=%d pack_lock_hash=%s\n",
				runID, h.SaveID, h.ScriptID, h.ShardID, h.StartTick, h.PackLockHash)
			for _, l := range lg.Lines {
				fmt.Fprintf(stdout, "tick=%d state=%s tick_hash=%s accepted=%d dropped=%d",
					l.Tick, l.StateHash, l.TickHash, len(l.Accepted), len(l.Dropped))
				if l.CheckpointHash != "" {
					fmt.Fprintf(stdout, " checkpoint=%s", l.CheckpointHash)
				}
				fmt.Fprintln(stdout)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&save, "save", "", "Save directory (saves/<save_id>)")
	cmd.Flags().StringVar(&runID, "run", "", "Run id")
	_ = cmd.MarkFlagRequired("save")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}
