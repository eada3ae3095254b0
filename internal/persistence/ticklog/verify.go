package ticklog

import (
	"fmt"

	"labkit.ai/internal/model"
	"labkit.ai/internal/srz"
)

// Report summarizes a verified run.
type Report struct {
	RunID          string `json:"run_id"`
	Ticks          int    `json:"ticks"`
	Checkpoints    int    `json:"checkpoints"`
	FinalStateHash string `json:"final_state_hash"`
	CompositeHash  string `json:"composite_hash"`
}

// Verify recomputes the tick hash chain, the composite hash and the
// checkpoint chain of a stored run, and checks every checkpoint snapshot
// against the state hash recorded for its tick.
func Verify(saveDir, runID string) (*Report, error) {
	lg, err := Read(LogPath(saveDir, runID))
	if err != nil {
		return nil, err
	}
	rep := &Report{RunID: runID, Ticks: len(lg.Lines)}
	h := lg.Header
	last, prevCP := "", ""
	checkpoints := map[int64]string{}
	for i, l := range lg.Lines {
		if i > 0 && l.SnapshotHash != lg.Lines[i-1].StateHash {
			return nil, fmt.Errorf("tick %d: snapshot hash does not continue previous state", l.Tick)
		}
		th, err := srz.TickHash(srz.TruthSubset{Tick: l.StateTick, StateHash: l.StateHash, ProcessLogLength: l.ProcessLogLength},
			h.ShardID, h.PackLockHash, h.RegistryHashes, last)
		if err != nil {
			return nil, err
		}
		if th != l.TickHash {
			return nil, fmt.Errorf("tick %d: tick hash mismatch", l.Tick)
		}
		last = th
		comp, err := srz.CompositeHash([]model.Shard{{ShardID: h.ShardID, Active: true, LastHashAnchor: th}})
		if err != nil {
			return nil, err
		}
		if comp != l.CompositeHash {
			return nil, fmt.Errorf("tick %d: composite hash mismatch", l.Tick)
		}
		if l.CheckpointHash != "" {
			cp, err := srz.CheckpointHash(l.Tick, th, prevCP, comp)
			if err != nil {
				return nil, err
			}
			if cp != l.CheckpointHash {
				return nil, fmt.Errorf("tick %d: checkpoint hash mismatch", l.Tick)
			}
			prevCP = cp
			checkpoints[l.Tick] = l.StateHash
		}
		rep.FinalStateHash = l.StateHash
		rep.CompositeHash = l.CompositeHash
	}

	paths, err := Checkpoints(saveDir, runID)
	if err != nil {
		return nil, err
	}
	if len(paths) != len(checkpoints) {
		return nil, fmt.Errorf("expected %d checkpoint snapshots, found %d", len(checkpoints), len(paths))
	}
	for _, p := range paths {
		cp, err := ReadSnapshot(p)
		if err != nil {
			return nil, err
		}
		want, ok := checkpoints[cp.Tick]
		if !ok || cp.State == nil {
			return nil, fmt.Errorf("unexpected checkpoint snapshot at tick %d", cp.Tick)
		}
		got, err := cp.State.Hash()
		if err != nil {
			return nil, err
		}
		if got != want || cp.StateHash != want {
			return nil, fmt.Errorf("checkpoint %d: snapshot state hash mismatch", cp.Tick)
		}
	}
	rep.Checkpoints = len(paths)
	return rep, nil
}
