package session

import (
	"context"
	"fmt"
	"log/slog"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/model"
	"labkit.ai/internal/persistence/ticklog"
	"labkit.ai/internal/srz"
)

// RunMeta is saves/<save_id>/run_meta/<run_id>.json.
type RunMeta struct {
	SchemaVersion           string                  `json:"schema_version"`
	RunID                   string                  `json:"run_id"`
	SaveID                  string                  `json:"save_id"`
	BundleID                string                  `json:"bundle_id"`
	SessionSpecHash         string                  `json:"session_spec_hash"`
	PackLockHash            string                  `json:"pack_lock_hash"`
	RegistryHashes          map[string]string       `json:"registry_hashes"`
	SelectedLensID          string                  `json:"selected_lens_id"`
	SelectedPolicies        *model.SelectedPolicies `json:"selected_policies,omitempty"`
	PerceivedModelHash      string                  `json:"perceived_model_hash"`
	RenderModelHash         string                  `json:"render_model_hash"`
	StartTick               int64                   `json:"start_tick"`
	StopTick                int64                   `json:"stop_tick"`
	AuthorityContext        model.AuthorityContext  `json:"authority_context"`
	Script                  *ScriptSummary          `json:"script,omitempty"`
	DeterministicFieldsHash string                  `json:"deterministic_fields_hash"`
}

// ScriptSummary is the worker-invariant part of a scheduler result.
type ScriptSummary struct {
	ScriptID                string `json:"script_id"`
	FinalTick               int64  `json:"final_tick"`
	FinalStateHash          string `json:"final_state_hash"`
	CompositeHash           string `json:"composite_hash"`
	Accepted                int    `json:"accepted"`
	Dropped                 int    `json:"dropped"`
	DeterministicFieldsHash string `json:"deterministic_fields_hash"`
}

// Seal sets deterministic_fields_hash over every other field and derives
// run_id from it.
func (m *RunMeta) Seal() error {
	cp := *m
	cp.RunID = ""
	cp.DeterministicFieldsHash = ""
	h, err := canon.Hash(cp)
	if err != nil {
		return err
	}
	m.DeterministicFieldsHash = h
	m.RunID = "run." + h[:16]
	return nil
}

func (s *Session) newMeta(start, stop int64, perceived, render string, script *ScriptSummary) *RunMeta {
	pol := model.SelectedPolicies{
		ActivationPolicyID: s.Activation.PolicyID,
		BudgetPolicyID:     s.Budget.PolicyID,
		FidelityPolicyID:   s.Fidelity.PolicyID,
	}
	auth := s.Spec.AuthorityContext
	auth.Entitlements = model.SortedUnique(auth.Entitlements)
	return &RunMeta{
		SchemaVersion:      model.SchemaVersion,
		SaveID:             s.Spec.SaveID,
		BundleID:           s.Spec.BundleID,
		SessionSpecHash:    s.SpecHash,
		PackLockHash:       s.Lockfile.PackLockHash,
		RegistryHashes:     s.Lockfile.Registries,
		SelectedLensID:     s.Lens.LensID,
		SelectedPolicies:   &pol,
		PerceivedModelHash: perceived,
		RenderModelHash:    render,
		StartTick:          start,
		StopTick:           stop,
		AuthorityContext:   auth,
		Script:             script,
	}
}

// writeMeta seals meta, validates it and writes it under run_meta/.
func (s *Session) writeMeta(meta *RunMeta) (string, error) {
	if err := meta.Seal(); err != nil {
		return "", err
	}
	generic, err := canon.Normalize(meta)
	if err != nil {
		return "", err
	}
	if errs := s.validator.Validate(runMetaSchema, generic, true); len(errs) > 0 {
		return "", fmt.Errorf("run meta fails its schema: %w", errs.Sorted())
	}
	path := RunMetaPath(s.SaveDir, meta.RunID)
	if err := canon.WriteFile(path, meta); err != nil {
		return "", err
	}
	return path, nil
}

// ScriptOptions configures RunScript. Worker and shard counts never change
// any hash.
type ScriptOptions struct {
	WorkerCount        int
	LogicalShards      int
	CheckpointInterval int64
	Sinks              []srz.TickSink
	// RecordTicks stores the run under ticks/ and checkpoints/.
	RecordTicks bool
	Logger      *slog.Logger
}

// ScriptRun is a completed scripted run.
type ScriptRun struct {
	Result   *srz.Result
	Meta     *RunMeta
	MetaPath string
	TickLog  string
}

// RunScript drives script through the scheduler from the booted state,
// observes the final state and writes the run's run-meta. The saved
// universe state is left untouched.
func (s *Session) RunScript(ctx context.Context, script *model.Script, opts ScriptOptions) (*ScriptRun, error) {
	logger := opts.Logger
	if logger == nil {
		logger = s.logger
	}
	sinks := opts.Sinks
	var tl *ticklog.Writer
	if opts.RecordTicks {
		w, err := ticklog.NewWriter(s.SaveDir, ticklog.Header{
			SaveID:         s.Spec.SaveID,
			ScriptID:       script.ScriptID,
			StartTick:      s.State.Tick,
			PackLockHash:   s.Lockfile.PackLockHash,
			RegistryHashes: s.Lockfile.Registries,
		})
		if err != nil {
			return nil, err
		}
		tl = w
		defer tl.Abort()
		sinks = append(append([]srz.TickSink(nil), sinks...), tl)
	}
	res, err := srz.Run(ctx, s.Env(), s.State, script, srz.Options{
		WorkerCount:        opts.WorkerCount,
		LogicalShards:      opts.LogicalShards,
		CheckpointInterval: opts.CheckpointInterval,
		PackLockHash:       s.Lockfile.PackLockHash,
		RegistryHashes:     s.Lockfile.Registries,
		Sinks:              sinks,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	pm, _, rh, err := s.Observe(res.State)
	if err != nil {
		return nil, err
	}
	meta := s.newMeta(res.StartTick, res.FinalTick, pm.Hash, rh, &ScriptSummary{
		ScriptID:                res.ScriptID,
		FinalTick:               res.FinalTick,
		FinalStateHash:          res.FinalStateHash,
		CompositeHash:           res.CompositeHash,
		Accepted:                len(res.Accepted),
		Dropped:                 len(res.Dropped),
		DeterministicFieldsHash: res.DeterministicFieldsHash,
	})
	path, err := s.writeMeta(meta)
	if err != nil {
		return nil, err
	}
	run := &ScriptRun{Result: res, Meta: meta, MetaPath: path}
	if tl != nil {
		if run.TickLog, err = tl.Commit(meta.RunID); err != nil {
			return nil, fmt.Errorf("tick log: %w", err)
		}
	}
	s.logger.Info("script run", "save_id", s.Spec.SaveID, "run_id", meta.RunID, "script", res.ScriptID,
		"final_tick", res.FinalTick, "composite_hash", res.CompositeHash)
	return run, nil
}
