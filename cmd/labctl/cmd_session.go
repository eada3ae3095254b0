package main

import (
	"context"

	"github.com/spf13/cobra"

	"labkit.ai/internal/config"
	"labkit.ai/internal/persistence/indexdb"
	"labkit.ai/internal/session"
	"labkit.ai/internal/srz"
)

func (a *app) sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create saves and drive scripted runs",
	}
	script := &cobra.Command{
		Use:   "script",
		Short: "Scripted runs",
	}
	script.AddCommand(a.sessionScriptRunCmd())
	cmd.AddCommand(a.sessionCreateCmd(), script)
	return cmd
}

func (a *app) sessionCreateCmd() *cobra.Command {
	var opts session.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Compile the bundle and write a new save",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Root = a.root
			opts.BuildDir = a.buildDir()
			opts.Cache = a.cache()
			opts.Validator = a.validator()
			opts.Logger = a.logger
			c, err := session.Create(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return writeComplete(a.stdout, obj{
				"save_id":        c.Spec.SaveID,
				"bundle_id":      c.Spec.BundleID,
				"save_dir":       c.SaveDir,
				"session_spec":   c.SpecPath,
				"pack_lock_hash": c.Spec.PackLockHash,
				"identity_hash":  c.Identity.IdentityHash,
				"scenario_id":    c.Spec.ScenarioID,
				"experience_id":  c.Spec.ExperienceID,
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.SaveID, "save-id", "", "Save id")
	f.StringVar(&opts.BundleID, "bundle", "", "Bundle id")
	f.StringVar(&opts.ScenarioID, "scenario", "", "Scenario id")
	f.StringVar(&opts.ExperienceID, "experience", "", "Experience id")
	f.StringVar(&opts.LawProfileID, "law", "", "Law profile id")
	f.StringVar(&opts.ActivationPolicyID, "activation-policy", "", "Activation policy id")
	f.StringVar(&opts.BudgetPolicyID, "budget-policy", "", "Budget policy id")
	f.StringVar(&opts.FidelityPolicyID, "fidelity-policy", "", "Fidelity policy id")
	f.StringSliceVar(&opts.Entitlements, "entitlement", nil, "Granted entitlement (repeatable)")
	f.StringVar(&opts.PrivilegeLevel, "privilege", "", "Privilege level")
	f.StringVar(&opts.AuthorityOrigin, "origin", "", "Authority origin")
	f.StringVar(&opts.RNGSeed, "rng-seed", "", "Seed for the default RNG roots")
	f.StringVar(&opts.UniverseSeed, "universe-seed", "", "Universe seed")
	f.StringArrayVar(&opts.RNGRoots, "rng-root", nil, "Explicit RNG root name=seed (repeatable)")
	_ = cmd.MarkFlagRequired("save-id")
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}

// runFlags are the scheduler knobs shared by every scripted run.
type runFlags struct {
	workers  int
	shards   int
	interval int64
	lens     string
}

func (a *app) addRunFlags(cmd *cobra.Command, rf *runFlags) {
	cmd.Flags().IntVar(&rf.workers, "workers", 0, "Worker count (default from labkit.yaml)")
	cmd.Flags().IntVar(&rf.shards, "logical-shards", 0, "Logical shard count (default from labkit.yaml)")
	cmd.Flags().IntVar(&rf.shards, "shards", 0, "Logical shard count")
	_ = cmd.Flags().MarkDeprecated("shards", "use --logical-shards")
	cmd.Flags().Int64Var(&rf.interval, "checkpoint-interval", 0, "Checkpoint interval in ticks (default from labkit.yaml)")
	cmd.Flags().StringVar(&rf.lens, "lens", "", "Lens override")
}

func (a *app) boot(ctx context.Context, specPath, distDir, lens string) (*session.Session, error) {
	opts := session.BootOptions{
		SpecPath:         specPath,
		BuildDir:         a.buildDir(),
		LensID:           lens,
		CompileIfMissing: distDir == "",
		Root:             a.root,
		Cache:            a.cache(),
		ProcessLogTail:   a.cfg.Observation.ProcessLogTail,
		Validator:        a.validator(),
		Logger:           a.logger,
	}
	if distDir != "" {
		opts.DistDir = config.Resolve(a.root, distDir)
	}
	return session.Boot(ctx, opts)
}

// runScript drives the script at path from the booted state and records the
// run in the index.
func (a *app) runScript(ctx context.Context, s *session.Session, path string, rf runFlags, sinks ...srz.TickSink) (*session.ScriptRun, error) {
	script, err := srz.ReadScript(path, a.validator())
	if err != nil {
		return nil, err
	}
	sched := a.cfg.Scheduler
	opts := session.ScriptOptions{
		WorkerCount:        sched.WorkerCount,
		LogicalShards:      sched.LogicalShards,
		CheckpointInterval: sched.DefaultCheckpointIntervalTicks,
		Sinks:              sinks,
		RecordTicks:        a.cfg.TickLog.Enabled,
		Logger:             a.logger,
	}
	if rf.workers > 0 {
		opts.WorkerCount = rf.workers
	}
	if rf.shards > 0 {
		opts.LogicalShards = rf.shards
	}
	if rf.interval > 0 {
		opts.CheckpointInterval = rf.interval
	}
	run, err := s.RunScript(ctx, script, opts)
	if err != nil {
		return nil, err
	}
	a.record(func(idx *indexdb.SQLiteIndex) error { return idx.RecordRun(run.Meta, run.Result.TickHashAnchors) })
	return run, nil
}

func bootFields(s *session.Session) obj {
	return obj{
		"save_id":              s.Spec.SaveID,
		"bundle_id":            s.Spec.BundleID,
		"run_id":               s.Meta.RunID,
		"run_meta":             s.MetaPath,
		"selected_lens_id":     s.Lens.LensID,
		"pack_lock_hash":       s.Lockfile.PackLockHash,
		"perceived_model_hash": s.Perceived.Hash,
		"render_model_hash":    s.RenderHash,
		"tick":                 s.State.Tick,
	}
}

func scriptFields(run *session.ScriptRun) obj {
	res := run.Result
	out := obj{
		"run_id":                    run.Meta.RunID,
		"run_meta":                  run.MetaPath,
		"script_id":                 res.ScriptID,
		"worker_count":              res.WorkerCount,
		"logical_shards":            res.LogicalShards,
		"start_tick":                res.StartTick,
		"final_tick":                res.FinalTick,
		"final_state_hash":          res.FinalStateHash,
		"state_hash_anchors":        res.StateHashAnchors,
		"tick_hash_anchors":         res.TickHashAnchors,
		"checkpoint_hashes":         res.CheckpointHashes,
		"composite_hash":            res.CompositeHash,
		"accepted":                  res.Accepted,
		"dropped":                   res.Dropped,
		"logical_partition":         res.LogicalPartition,
		"deterministic_fields_hash": res.DeterministicFieldsHash,
	}
	if run.TickLog != "" {
		out["tick_log"] = run.TickLog
	}
	return out
}

func (a *app) sessionScriptRunCmd() *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "run <session_spec.json> <script.json>",
		Short: "Boot a save and drive a script through the scheduler",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.boot(cmd.Context(), args[0], "", rf.lens)
			if err != nil {
				return err
			}
			run, err := a.runScript(cmd.Context(), s, args[1], rf)
			if err != nil {
				return err
			}
			return writeComplete(a.stdout, scriptFields(run))
		},
	}
	a.addRunFlags(cmd, &rf)
	return cmd
}
