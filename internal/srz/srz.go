// Package srz is the deterministic scheduler. Intents are grouped into
// per-tick batches and every batch runs read, propose, resolve and commit
// against the single commit shard.
package srz

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/model"
	"labkit.ai/internal/process"
	"labkit.ai/internal/refusal"
)

// DefaultCheckpointInterval applies when the activation policy sets none.
const DefaultCheckpointInterval = 4

// ReasonConflict marks a proposal dropped by first-wins resolution.
const ReasonConflict = "conflict_first_wins"

type rule struct {
	priority   int64
	entityID   string
	fieldScope string
}

var rules = map[string]rule{
	process.RegionTick:     {10, "universe.regions", "interest_regions"},
	process.TimeSetRate:    {20, "universe.time", "time_control"},
	process.TimePause:      {20, "universe.time", "time_control"},
	process.TimeResume:     {20, "universe.time", "time_control"},
	process.CameraTeleport: {30, model.MainCamera, "pose"},
	process.CameraMove:     {40, model.MainCamera, "pose"},
}

// TickSink receives one record per committed batch.
type TickSink interface {
	WriteTick(rec TickRecord) error
}

// Options configures a run. Nothing here except the script and the world may
// change a hash.
type Options struct {
	WorkerCount        int
	LogicalShards      int
	StartTick          *int64
	CheckpointInterval int64
	PackLockHash       string
	RegistryHashes     map[string]string
	Sinks              []TickSink
	Logger             *slog.Logger
}

// Proposal is one envelope mapped onto its conflict key.
type Proposal struct {
	EnvelopeID     string `json:"envelope_id"`
	ScriptStep     int    `json:"script_step"`
	IntentSequence int64  `json:"intent_sequence"`
	ProcessID      string `json:"process_id"`
	IntentID       string `json:"intent_id"`
	Priority       int64  `json:"priority"`
	EntityID       string `json:"entity_id"`
	FieldScope     string `json:"field_scope"`

	inputs map[string]any
}

// Decision is one accepted or dropped proposal.
type Decision struct {
	Tick       int64  `json:"tick"`
	EnvelopeID string `json:"envelope_id"`
	IntentID   string `json:"intent_id"`
	ProcessID  string `json:"process_id"`
	ScriptStep int    `json:"script_step"`
	Reason     string `json:"reason,omitempty"`
}

type TickAnchor struct {
	Tick     int64  `json:"tick"`
	TickHash string `json:"tick_hash"`
}

type Checkpoint struct {
	Tick           int64  `json:"tick"`
	CheckpointHash string `json:"checkpoint_hash"`
}

type PartitionRow struct {
	EnvelopeID string `json:"envelope_id"`
	Partition  string `json:"partition"`
}

// TickRecord is what sinks see after a batch commits. State is the committed
// state and must not be modified.
type TickRecord struct {
	Tick           int64                `json:"tick"`
	SnapshotHash   string               `json:"snapshot_hash"`
	StateHash      string               `json:"state_hash"`
	TickHash       string               `json:"tick_hash"`
	CompositeHash  string               `json:"composite_hash"`
	CheckpointHash string               `json:"checkpoint_hash,omitempty"`
	Accepted       []Decision           `json:"accepted"`
	Dropped        []Decision           `json:"dropped"`
	State          *model.UniverseState `json:"-"`
}

// Result is the outcome of a complete run.
type Result struct {
	Result                  string         `json:"result"`
	ScriptID                string         `json:"script_id"`
	WorkerCount             int            `json:"worker_count"`
	LogicalShards           int            `json:"logical_shards"`
	StartTick               int64          `json:"start_tick"`
	FinalTick               int64          `json:"final_tick"`
	FinalStateHash          string         `json:"final_state_hash"`
	StateHashAnchors        []string       `json:"state_hash_anchors"`
	TickHashAnchors         []TickAnchor   `json:"tick_hash_anchors"`
	CheckpointHashes        []Checkpoint   `json:"checkpoint_hashes"`
	CompositeHash           string         `json:"composite_hash"`
	Accepted                []Decision     `json:"accepted"`
	Dropped                 []Decision     `json:"dropped"`
	LogicalPartition        []PartitionRow `json:"logical_partition"`
	DeterministicFieldsHash string         `json:"deterministic_fields_hash"`

	State  *model.UniverseState `json:"-"`
	Shards []model.Shard        `json:"-"`
}

// Envelopes sequences a script. Submission ticks default to the start tick
// plus the intent's zero-based position.
func Envelopes(script *model.Script, origin string, startTick int64) []model.IntentEnvelope {
	out := make([]model.IntentEnvelope, 0, len(script.Intents))
	for i, in := range script.Intents {
		seq := int64(i + 1)
		tick := startTick + int64(i)
		if in.SubmissionTick != nil {
			tick = *in.SubmissionTick
		}
		target := in.TargetShardID
		if target == "" {
			target = model.ShardID
		}
		inputs := in.Inputs
		if inputs == nil {
			inputs = map[string]any{}
		}
		out = append(out, model.IntentEnvelope{
			EnvelopeID:                  "env." + strconv.FormatInt(seq, 10),
			AuthorityOrigin:             origin,
			SourceShardID:               model.ShardID,
			TargetShardID:               target,
			IntentID:                    in.IntentID,
			Payload:                     model.IntentPayload{ProcessID: in.ProcessID, Inputs: inputs},
			DeterministicSequenceNumber: seq,
			SubmissionTick:              tick,
		})
	}
	return out
}

// Run executes script from st under env. st is not modified. A refusal
// from any commit aborts the run and carries the failing script_step.
func Run(ctx context.Context, env *process.Env, st *model.UniverseState, script *model.Script, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	workers, shards := opts.WorkerCount, opts.LogicalShards
	if workers == 0 {
		workers = 1
	}
	if shards == 0 {
		shards = 1
	}
	if workers < 1 || shards < 1 {
		return nil, refusal.New(refusal.SRZShardInvalid, "worker_count and logical_shards must be at least 1", "pass positive values",
			"worker_count", strconv.Itoa(workers), "logical_shards", strconv.Itoa(shards))
	}
	interval := opts.CheckpointInterval
	if interval <= 0 && env.Activation != nil {
		interval = env.Activation.CheckpointIntervalTicks
	}
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	start := st.Tick
	if opts.StartTick != nil {
		start = *opts.StartTick
	}

	envs := Envelopes(script, env.Authority.AuthorityOrigin, start)
	for i, e := range envs {
		if e.TargetShardID != model.ShardID {
			return nil, refusal.New(refusal.ShardTargetInvalid, "envelope targets unknown shard "+e.TargetShardID,
				"target "+model.ShardID, "envelope_id", e.EnvelopeID, "script_step", strconv.Itoa(i))
		}
		if _, ok := rules[e.Payload.ProcessID]; !ok {
			return nil, refusal.New(refusal.ProcessInputInvalid, "unknown process "+e.Payload.ProcessID,
				"use one of the supported process ids", "envelope_id", e.EnvelopeID, "script_step", strconv.Itoa(i))
		}
	}

	shard := model.Shard{
		ShardID:              model.ShardID,
		AuthorityOrigin:      env.Authority.AuthorityOrigin,
		RegionScope:          "universe",
		Active:               true,
		CompatibilityVersion: model.SchemaVersion,
		OwnedEntities:        ownedEntities(st),
		OwnedRegions:         []string{},
		ProcessQueue:         []string{},
	}
	res := &Result{
		Result:           "complete",
		ScriptID:         script.ScriptID,
		WorkerCount:      workers,
		LogicalShards:    shards,
		StartTick:        start,
		StateHashAnchors: []string{},
		TickHashAnchors:  []TickAnchor{},
		CheckpointHashes: []Checkpoint{},
		Accepted:         []Decision{},
		Dropped:          []Decision{},
		LogicalPartition: partition(envs, shards),
	}

	cur := st
	prevCheckpoint := ""
	var checkpointed int64
	for _, batch := range batches(envs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tick := batch[0].SubmissionTick
		snapshot, err := cur.Hash()
		if err != nil {
			return nil, err
		}
		props, err := propose(ctx, batch, workers)
		if err != nil {
			return nil, err
		}
		accepted, dropped := resolve(tick, props)
		for _, d := range dropped {
			logger.Debug("srz drop", "tick", tick, "envelope_id", d.EnvelopeID, "process_id", d.ProcessID, "reason", d.Reason)
		}

		shard.ProcessQueue = shard.ProcessQueue[:0]
		var acceptedRows []Decision
		for _, p := range accepted {
			shard.ProcessQueue = append(shard.ProcessQueue, p.EnvelopeID)
			next, entry, err := process.Apply(env, cur, process.Intent{IntentID: p.IntentID, ProcessID: p.ProcessID, Inputs: p.inputs})
			if err != nil {
				if r, ok := refusal.AsRefusal(err); ok {
					return nil, r.With("script_step", strconv.Itoa(p.ScriptStep)).With("envelope_id", p.EnvelopeID)
				}
				return nil, fmt.Errorf("commit %s: %w", p.EnvelopeID, err)
			}
			cur = next
			res.StateHashAnchors = append(res.StateHashAnchors, entry.StateHashAnchor)
			acceptedRows = append(acceptedRows, Decision{Tick: tick, EnvelopeID: p.EnvelopeID, IntentID: p.IntentID, ProcessID: p.ProcessID, ScriptStep: p.ScriptStep})
			logger.Debug("srz commit", "tick", tick, "envelope_id", p.EnvelopeID, "process_id", p.ProcessID, "state_tick", cur.Tick)
		}
		shard.OwnedRegions = ownedRegions(cur)

		stateHash, err := cur.Hash()
		if err != nil {
			return nil, err
		}
		tickHash, err := TickHash(TruthSubset{Tick: cur.Tick, StateHash: stateHash, ProcessLogLength: len(cur.ProcessLog)},
			shard.ShardID, opts.PackLockHash, opts.RegistryHashes, shard.LastHashAnchor)
		if err != nil {
			return nil, err
		}
		shard.LastHashAnchor = tickHash
		composite, err := CompositeHash([]model.Shard{shard})
		if err != nil {
			return nil, err
		}
		rec := TickRecord{
			Tick:          tick,
			SnapshotHash:  snapshot,
			StateHash:     stateHash,
			TickHash:      tickHash,
			CompositeHash: composite,
			Accepted:      nonNilDecisions(acceptedRows),
			Dropped:       nonNilDecisions(dropped),
			State:         cur,
		}
		// A batch is checkpointed when it is the first to reach the next
		// multiple of interval ticks elapsed since start.
		if due := (tick - start + 1) / interval; due > checkpointed {
			checkpointed = due
			cp, err := CheckpointHash(tick, tickHash, prevCheckpoint, composite)
			if err != nil {
				return nil, err
			}
			prevCheckpoint = cp
			rec.CheckpointHash = cp
			res.CheckpointHashes = append(res.CheckpointHashes, Checkpoint{Tick: tick, CheckpointHash: cp})
		}
		res.TickHashAnchors = append(res.TickHashAnchors, TickAnchor{Tick: tick, TickHash: tickHash})
		res.CompositeHash = composite
		res.Accepted = append(res.Accepted, acceptedRows...)
		res.Dropped = append(res.Dropped, dropped...)
		for _, s := range opts.Sinks {
			if err := s.WriteTick(rec); err != nil {
				return nil, fmt.Errorf("tick sink: %w", err)
			}
		}
	}

	if res.CompositeHash == "" {
		h, err := CompositeHash([]model.Shard{shard})
		if err != nil {
			return nil, err
		}
		res.CompositeHash = h
	}
	final, err := cur.Hash()
	if err != nil {
		return nil, err
	}
	res.FinalStateHash = final
	res.FinalTick = cur.Tick
	res.State = cur
	res.Shards = []model.Shard{shard}
	if res.DeterministicFieldsHash, err = deterministicFieldsHash(res); err != nil {
		return nil, err
	}
	logger.Info("srz run complete", "script_id", script.ScriptID, "batches", len(res.TickHashAnchors),
		"accepted", len(res.Accepted), "dropped", len(res.Dropped), "final_tick", res.FinalTick)
	return res, nil
}

// TruthSubset is the slice of committed truth folded into a tick hash.
type TruthSubset struct {
	Tick             int64  `json:"tick"`
	StateHash        string `json:"state_hash"`
	ProcessLogLength int    `json:"process_log_length"`
}

// TickHash chains one committed batch onto the shard's previous anchor.
func TickHash(truth TruthSubset, shardID, packLockHash string, registryHashes map[string]string, last string) (string, error) {
	return canon.Hash(map[string]any{
		"truth_subset":    map[string]any{"tick": truth.Tick, "state_hash": truth.StateHash, "process_log_length": truth.ProcessLogLength},
		"active_shards":   []string{shardID},
		"pack_lock_hash":  packLockHash,
		"registry_hashes": nonNil(registryHashes),
		"last_tick_hash":  last,
	})
}

// CheckpointHash chains a checkpoint onto the previous one. The first
// checkpoint of a run uses an empty previous hash.
func CheckpointHash(tick int64, tickHash, previous, composite string) (string, error) {
	return canon.Hash(map[string]any{
		"tick":                     tick,
		"tick_hash":                tickHash,
		"previous_checkpoint_hash": previous,
		"composite_hash":           composite,
	})
}

// CompositeHash combines the hash anchors of the active shards.
func CompositeHash(shards []model.Shard) (string, error) {
	rows := make([]map[string]any, 0, len(shards))
	for _, s := range shards {
		if !s.Active {
			continue
		}
		rows = append(rows, map[string]any{"shard_id": s.ShardID, "shard_hash": s.LastHashAnchor})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i]["shard_id"].(string) < rows[j]["shard_id"].(string) })
	return canon.Hash(map[string]any{"shards": rows})
}

// batches groups envelopes by submission tick, ticks ascending, sequence order
// inside a batch.
func batches(envs []model.IntentEnvelope) [][]model.IntentEnvelope {
	byTick := map[int64][]model.IntentEnvelope{}
	var ticks []int64
	for _, e := range envs {
		if _, ok := byTick[e.SubmissionTick]; !ok {
			ticks = append(ticks, e.SubmissionTick)
		}
		byTick[e.SubmissionTick] = append(byTick[e.SubmissionTick], e)
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
	out := make([][]model.IntentEnvelope, 0, len(ticks))
	for _, t := range ticks {
		out = append(out, byTick[t])
	}
	return out
}

// propose maps a batch to proposals. Envelopes are bucketed by sequence
// modulo workers and each bucket is built by its own goroutine; buckets are
// then concatenated from the highest id down. The order this produces is
// discarded by resolve.
func propose(ctx context.Context, batch []model.IntentEnvelope, workers int) ([]Proposal, error) {
	buckets := make([][]model.IntentEnvelope, workers)
	for _, e := range batch {
		k := int(e.DeterministicSequenceNumber % int64(workers))
		buckets[k] = append(buckets[k], e)
	}
	out := make([][]Proposal, workers)
	g, _ := errgroup.WithContext(ctx)
	for k := range buckets {
		k := k
		g.Go(func() error {
			props := make([]Proposal, 0, len(buckets[k]))
			for _, e := range buckets[k] {
				r := rules[e.Payload.ProcessID]
				props = append(props, Proposal{
					EnvelopeID:     e.EnvelopeID,
					ScriptStep:     int(e.DeterministicSequenceNumber - 1),
					IntentSequence: e.DeterministicSequenceNumber,
					ProcessID:      e.Payload.ProcessID,
					IntentID:       e.IntentID,
					Priority:       r.priority,
					EntityID:       r.entityID,
					FieldScope:     r.fieldScope,
					inputs:         e.Payload.Inputs,
				})
			}
			sortCanonical(props)
			out[k] = props
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var merged []Proposal
	for k := workers - 1; k >= 0; k-- {
		merged = append(merged, out[k]...)
	}
	return merged, nil
}

// resolve sorts proposals canonically and keeps the first per
// (entity_id, field_scope).
func resolve(tick int64, props []Proposal) (accepted []Proposal, dropped []Decision) {
	sorted := append([]Proposal(nil), props...)
	sortCanonical(sorted)
	seen := map[[2]string]bool{}
	for _, p := range sorted {
		key := [2]string{p.EntityID, p.FieldScope}
		if seen[key] {
			dropped = append(dropped, Decision{Tick: tick, EnvelopeID: p.EnvelopeID, IntentID: p.IntentID, ProcessID: p.ProcessID, ScriptStep: p.ScriptStep, Reason: ReasonConflict})
			continue
		}
		seen[key] = true
		accepted = append(accepted, p)
	}
	return accepted, dropped
}

func sortCanonical(props []Proposal) {
	sort.Slice(props, func(i, j int) bool {
		a, b := props[i], props[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		if a.ProcessID != b.ProcessID {
			return a.ProcessID < b.ProcessID
		}
		return a.IntentSequence < b.IntentSequence
	})
}

func partition(envs []model.IntentEnvelope, shards int) []PartitionRow {
	rows := make([]PartitionRow, 0, len(envs))
	for _, e := range envs {
		p := e.DeterministicSequenceNumber % int64(shards)
		rows = append(rows, PartitionRow{EnvelopeID: e.EnvelopeID, Partition: "shard.logical." + strconv.FormatInt(p, 10)})
	}
	return rows
}

func ownedEntities(st *model.UniverseState) []string {
	var ids []string
	for _, c := range st.CameraAssemblies {
		ids = append(ids, c.AssemblyID)
	}
	for _, a := range st.AgentStates {
		ids = append(ids, a.AgentID)
	}
	return model.SortedUnique(ids)
}

func ownedRegions(st *model.UniverseState) []string {
	ids := make([]string, 0, len(st.MicroRegions))
	for _, m := range st.MicroRegions {
		ids = append(ids, m.RegionID)
	}
	return model.SortedUnique(ids)
}

// deterministicFieldsHash covers the result minus the fields that depend on
// worker_count and logical_shards.
func deterministicFieldsHash(res *Result) (string, error) {
	return canon.Hash(map[string]any{
		"result":             res.Result,
		"script_id":          res.ScriptID,
		"start_tick":         res.StartTick,
		"final_tick":         res.FinalTick,
		"final_state_hash":   res.FinalStateHash,
		"state_hash_anchors": res.StateHashAnchors,
		"tick_hash_anchors":  res.TickHashAnchors,
		"checkpoint_hashes":  res.CheckpointHashes,
		"composite_hash":     res.CompositeHash,
		"accepted":           res.Accepted,
		"dropped":            res.Dropped,
	})
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilDecisions(d []Decision) []Decision {
	if d == nil {
		return []Decision{}
	}
	return d
}
