package srz_test

import (
	"context"
	"fmt"
	"testing"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/labtest"
	"labkit.ai/internal/model"
	"labkit.ai/internal/process"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/registry"
	"labkit.ai/internal/schema"
	"labkit.ai/internal/srz"
	"labkit.ai/schemas"
)

func testEnv(t *testing.T, law string) (*process.Env, map[string]string) {
	t.Helper()
	repo := labtest.NewRepo(t)
	res, err := registry.Compile(context.Background(), registry.Options{Root: repo.Root, BundleID: labtest.BundleID})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	payloads, err := registry.ReadDir(res.RegistriesDir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	set, err := registry.NewSet(payloads)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	return &process.Env{
		Registries: set,
		Law:        set.Laws[law],
		Authority: &model.AuthorityContext{
			AuthorityOrigin: model.OriginClient,
			ExperienceID:    labtest.Experience,
			LawProfileID:    law,
			Entitlements:    append([]string(nil), labtest.Entitlements...),
			PrivilegeLevel:  model.PrivilegeOperator,
		},
		Activation: set.Activation[labtest.ActivationPolicy],
		Budget:     set.Budget[labtest.BudgetPolicy],
		Fidelity:   set.Fidelity[labtest.FidelityPolicy],
	}, set.Hashes
}

func script(t *testing.T, payload map[string]any) *model.Script {
	t.Helper()
	n, err := canon.Normalize(payload)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	s, err := srz.ParseScript(n, schema.NewFS(schemas.FS))
	if err != nil {
		t.Fatalf("parse script: %v", err)
	}
	return s
}

func initial() *model.UniverseState {
	return model.NewState(model.CameraState{AssemblyID: model.MainCamera, FrameID: "frame.heliocentric", LensID: labtest.DiegeticLens})
}

func TestRun_WorkerAndShardInvariance(t *testing.T) {
	env, hashes := testEnv(t, labtest.DefaultLaw)
	sc := script(t, labtest.Scenario5Script())
	st := initial()
	before, _ := st.Hash()

	var first *srz.Result
	for _, workers := range []int{1, 2, 3} {
		for _, shards := range []int{1, 2} {
			res, err := srz.Run(context.Background(), env, st, sc, srz.Options{
				WorkerCount: workers, LogicalShards: shards, PackLockHash: "lock", RegistryHashes: hashes,
			})
			if err != nil {
				t.Fatalf("run w=%d s=%d: %v", workers, shards, err)
			}
			if first == nil {
				first = res
				continue
			}
			if res.FinalStateHash != first.FinalStateHash || res.CompositeHash != first.CompositeHash ||
				res.DeterministicFieldsHash != first.DeterministicFieldsHash {
				t.Fatalf("w=%d s=%d diverged", workers, shards)
			}
			for i := range first.TickHashAnchors {
				if res.TickHashAnchors[i] != first.TickHashAnchors[i] || res.StateHashAnchors[i] != first.StateHashAnchors[i] {
					t.Fatalf("w=%d s=%d anchor %d diverged", workers, shards, i)
				}
			}
		}
	}

	if first.FinalTick != 3 || len(first.StateHashAnchors) != 3 || len(first.TickHashAnchors) != 3 {
		t.Fatalf("result: %+v", first)
	}
	if len(first.CheckpointHashes) != 1 || first.CheckpointHashes[0].Tick != 1 {
		t.Fatalf("checkpoints: %+v", first.CheckpointHashes)
	}
	cam, _ := first.State.Camera(model.MainCamera)
	if cam.FrameID != "frame.earth_fixed" || cam.PositionMM.Z != 12742000000 {
		t.Fatalf("camera: %+v", cam)
	}
	if after, _ := st.Hash(); after != before {
		t.Fatalf("input state was mutated")
	}
}

func TestRun_LawForbiddenTeleport(t *testing.T) {
	env, hashes := testEnv(t, labtest.RestrictiveLaw)
	_, err := srz.Run(context.Background(), env, initial(), script(t, labtest.Scenario5Script()), srz.Options{RegistryHashes: hashes})
	r, ok := refusal.AsRefusal(err)
	if !ok || r.ReasonCode != refusal.ProcessForbidden {
		t.Fatalf("expected %s, got %v", refusal.ProcessForbidden, err)
	}
	if r.RelevantIDs["script_step"] != "2" || r.RelevantIDs["envelope_id"] != "env.3" {
		t.Fatalf("relevant ids: %v", r.RelevantIDs)
	}
}

func TestRun_ConflictFirstWins(t *testing.T) {
	env, _ := testEnv(t, labtest.DefaultLaw)
	sc := script(t, map[string]any{
		"schema_version": "1.0.0",
		"script_id":      "script.lab.conflict",
		"intents": []any{
			map[string]any{"intent_id": "i.move", "process_id": process.CameraMove, "submission_tick": 0,
				"inputs": map[string]any{"delta_local_mm": map[string]any{"x": 1, "y": 0, "z": 0}, "dt_ticks": 1}},
			map[string]any{"intent_id": "i.teleport", "process_id": process.CameraTeleport, "submission_tick": 0,
				"inputs": map[string]any{"target_object_id": labtest.Earth}},
			map[string]any{"intent_id": "i.pause", "process_id": process.TimePause, "submission_tick": 0, "inputs": map[string]any{}},
		},
	})
	for _, workers := range []int{1, 2, 3} {
		res, err := srz.Run(context.Background(), env, initial(), sc, srz.Options{WorkerCount: workers})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if len(res.Dropped) != 1 || res.Dropped[0].IntentID != "i.move" || res.Dropped[0].Reason != srz.ReasonConflict {
			t.Fatalf("dropped: %+v", res.Dropped)
		}
		if len(res.Accepted) != 2 || res.Accepted[0].IntentID != "i.pause" || res.Accepted[1].IntentID != "i.teleport" {
			t.Fatalf("accepted: %+v", res.Accepted)
		}
		if len(res.TickHashAnchors) != 1 {
			t.Fatalf("one batch expected: %+v", res.TickHashAnchors)
		}
	}
}

type recorder struct{ recs []srz.TickRecord }

func (r *recorder) WriteTick(rec srz.TickRecord) error {
	r.recs = append(r.recs, rec)
	return nil
}

func TestRun_SinksAndCheckpoints(t *testing.T) {
	env, _ := testEnv(t, labtest.DefaultLaw)
	sink := &recorder{}
	res, err := srz.Run(context.Background(), env, initial(), script(t, labtest.RegionScript()), srz.Options{
		CheckpointInterval: 2,
		Sinks:              []srz.TickSink{sink},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.recs) != 5 || len(res.CheckpointHashes) != 2 {
		t.Fatalf("records=%d checkpoints=%d", len(sink.recs), len(res.CheckpointHashes))
	}
	for i, rec := range sink.recs {
		wantCheckpoint := (i+1)%2 == 0
		if (rec.CheckpointHash != "") != wantCheckpoint {
			t.Fatalf("record %d checkpoint=%q", i, rec.CheckpointHash)
		}
		if h, _ := rec.State.Hash(); h != rec.StateHash {
			t.Fatalf("record %d state hash mismatch", i)
		}
		if rec.State.TotalMass() != 334000 {
			t.Fatalf("record %d mass %d", i, rec.State.TotalMass())
		}
	}
	if sink.recs[4].TickHash != res.TickHashAnchors[4].TickHash || sink.recs[4].CompositeHash != res.CompositeHash {
		t.Fatalf("sink and result disagree")
	}
}

func TestRun_CheckpointsFollowTicks(t *testing.T) {
	env, _ := testEnv(t, labtest.DefaultLaw)
	var intents []any
	for i, tick := range []int64{0, 4, 8, 12, 13} {
		pid := process.TimePause
		if i%2 == 1 {
			pid = process.TimeResume
		}
		intents = append(intents, map[string]any{
			"intent_id": fmt.Sprintf("i.%d", i), "process_id": pid, "submission_tick": tick, "inputs": map[string]any{},
		})
	}
	sc := script(t, map[string]any{"schema_version": "1.0.0", "script_id": "script.lab.gapped", "intents": intents})

	cases := []struct {
		interval int64
		want     []int64
	}{
		{1, []int64{0, 4, 8, 12, 13}},
		{4, []int64{4, 8, 12}},
		{5, []int64{4, 12}},
		{20, nil},
	}
	for _, tc := range cases {
		res, err := srz.Run(context.Background(), env, initial(), sc, srz.Options{CheckpointInterval: tc.interval})
		if err != nil {
			t.Fatalf("interval %d: %v", tc.interval, err)
		}
		var got []int64
		for _, cp := range res.CheckpointHashes {
			got = append(got, cp.Tick)
		}
		if fmt.Sprint(got) != fmt.Sprint(tc.want) {
			t.Fatalf("interval %d: checkpoints at %v, want %v", tc.interval, got, tc.want)
		}
	}
}

func TestRun_Refusals(t *testing.T) {
	env, _ := testEnv(t, labtest.DefaultLaw)
	bad := script(t, map[string]any{
		"schema_version": "1.0.0",
		"script_id":      "script.lab.bad_shard",
		"intents": []any{
			map[string]any{"intent_id": "i.1", "process_id": process.TimePause, "inputs": map[string]any{}},
			map[string]any{"intent_id": "i.2", "process_id": process.TimeResume, "inputs": map[string]any{}, "target_shard_id": "shard.9"},
		},
	})
	_, err := srz.Run(context.Background(), env, initial(), bad, srz.Options{})
	if r, ok := refusal.AsRefusal(err); !ok || r.ReasonCode != refusal.ShardTargetInvalid || r.RelevantIDs["script_step"] != "1" {
		t.Fatalf("expected %s, got %v", refusal.ShardTargetInvalid, err)
	}

	_, err = srz.Run(context.Background(), env, initial(), script(t, labtest.Scenario5Script()), srz.Options{WorkerCount: -1})
	if refusal.Code(err) != refusal.SRZShardInvalid {
		t.Fatalf("expected %s, got %v", refusal.SRZShardInvalid, err)
	}

	n, _ := canon.Normalize(map[string]any{"schema_version": "1.0.0", "script_id": "s"})
	if _, err := srz.ParseScript(n, schema.NewFS(schemas.FS)); !refusal.IsRefusal(err) {
		t.Fatalf("script without intents should be refused: %v", err)
	}
}

func TestEnvelopes_DefaultsAndSequence(t *testing.T) {
	tick := int64(9)
	sc := &model.Script{Intents: []model.ScriptIntent{
		{IntentID: "a", ProcessID: process.TimePause},
		{IntentID: "b", ProcessID: process.TimeResume, SubmissionTick: &tick},
		{IntentID: "c", ProcessID: process.TimePause},
	}}
	envs := srz.Envelopes(sc, model.OriginClient, 5)
	want := []int64{5, 9, 7}
	for i, e := range envs {
		if e.DeterministicSequenceNumber != int64(i+1) || e.SubmissionTick != want[i] || e.TargetShardID != model.ShardID {
			t.Fatalf("envelope %d: %+v", i, e)
		}
	}
	if envs[2].EnvelopeID != "env.3" || envs[0].Payload.Inputs == nil {
		t.Fatalf("envelope ids: %+v", envs)
	}
}
