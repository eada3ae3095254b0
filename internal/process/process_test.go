package process

import (
	"context"
	"testing"

	"labkit.ai/internal/labtest"
	"labkit.ai/internal/model"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/registry"
)

func testEnv(t *testing.T) (*Env, *registry.Set) {
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
	return &Env{
		Registries: set,
		Law:        set.Laws[labtest.DefaultLaw],
		Authority: &model.AuthorityContext{
			AuthorityOrigin: model.OriginClient,
			ExperienceID:    labtest.Experience,
			LawProfileID:    labtest.DefaultLaw,
			Entitlements:    append([]string(nil), labtest.Entitlements...),
			PrivilegeLevel:  model.PrivilegeObserver,
		},
		Activation: set.Activation[labtest.ActivationPolicy],
		Budget:     set.Budget[labtest.BudgetPolicy],
		Fidelity:   set.Fidelity[labtest.FidelityPolicy],
	}, set
}

func origin() *model.UniverseState {
	return model.NewState(model.CameraState{AssemblyID: model.MainCamera, FrameID: "frame.heliocentric", LensID: labtest.DiegeticLens})
}

func apply(t *testing.T, env *Env, st *model.UniverseState, processID string, inputs map[string]any) *model.UniverseState {
	t.Helper()
	next, _, err := Apply(env, st, Intent{IntentID: "intent.test", ProcessID: processID, Inputs: inputs})
	if err != nil {
		t.Fatalf("%s: %v", processID, err)
	}
	return next
}

func TestCameraMove(t *testing.T) {
	env, _ := testEnv(t)
	st := origin()
	before, _ := st.Hash()

	next, entry, err := Apply(env, st, Intent{IntentID: "intent.001", ProcessID: CameraMove, Inputs: map[string]any{
		"delta_local_mm": map[string]any{"x": 10, "y": 0, "z": -5},
		"dt_ticks":       2,
	}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	cam, _ := next.Camera(model.MainCamera)
	if cam.PositionMM != (model.Vec3{X: 20, Y: 0, Z: -10}) || cam.VelocityMMPerTick != (model.Vec3{X: 10, Y: 0, Z: -5}) {
		t.Fatalf("camera: %+v", cam)
	}
	if next.Tick != 2 || entry.Tick != 2 || entry.LogIndex != 0 || entry.IntentID != "intent.001" {
		t.Fatalf("log entry: %+v tick=%d", entry, next.Tick)
	}
	if last := next.HistoryAnchors[len(next.HistoryAnchors)-1]; last != "history.anchor.tick.2.log.0" {
		t.Fatalf("anchor: %s", last)
	}
	if after, _ := st.Hash(); after != before {
		t.Fatalf("input state was mutated")
	}
}

func TestCameraMove_InvalidInputs(t *testing.T) {
	env, _ := testEnv(t)
	cases := []map[string]any{
		{"delta_local_mm": map[string]any{"x": 1, "y": 2}, "dt_ticks": 1},
		{"delta_local_mm": map[string]any{"x": 1, "y": 2, "z": 3}, "dt_ticks": 0},
		{"delta_local_mm": map[string]any{"x": 1.5, "y": 2, "z": 3}, "dt_ticks": 1},
		{"delta_local_mm": map[string]any{"x": 1, "y": 2, "z": 3}, "dt_ticks": 1, "speed": 4},
	}
	for i, in := range cases {
		_, _, err := Apply(env, origin(), Intent{ProcessID: CameraMove, Inputs: in})
		if refusal.Code(err) != refusal.ProcessInputInvalid {
			t.Fatalf("case %d: expected %s, got %v", i, refusal.ProcessInputInvalid, err)
		}
	}
}

func TestCameraTeleport(t *testing.T) {
	env, _ := testEnv(t)
	cases := []struct {
		name  string
		in    map[string]any
		frame string
		pos   model.Vec3
	}{
		{"object", map[string]any{"target_object_id": labtest.Earth}, "frame.earth_fixed", model.Vec3{Z: 12742000000}},
		{"geodetic site", map[string]any{"target_site_id": labtest.Greenwich}, "frame.earth_fixed", model.Vec3{X: 3967972342, Y: 0, Z: 4984459499}},
		{"local site", map[string]any{"target_site_id": labtest.Pad}, "frame.earth_fixed", model.Vec3{X: 1000, Y: -2000, Z: 6371000000}},
		{"frame", map[string]any{
			"target_frame_id":  "frame.heliocentric",
			"position_mm":      map[string]any{"x": 5, "y": 6, "z": 7},
			"orientation_mdeg": map[string]any{"yaw": 90000, "pitch": 0, "roll": 0},
		}, "frame.heliocentric", model.Vec3{X: 5, Y: 6, Z: 7}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := apply(t, env, origin(), CameraMove, map[string]any{
				"delta_local_mm": map[string]any{"x": 1, "y": 1, "z": 1}, "dt_ticks": 1,
			})
			st = apply(t, env, st, CameraTeleport, tc.in)
			cam, _ := st.Camera(model.MainCamera)
			if cam.FrameID != tc.frame || cam.PositionMM != tc.pos {
				t.Fatalf("camera: %+v", cam)
			}
			if cam.VelocityMMPerTick != (model.Vec3{}) || st.Tick != 2 {
				t.Fatalf("velocity %+v tick %d", cam.VelocityMMPerTick, st.Tick)
			}
		})
	}
}

func TestCameraTeleport_Refusals(t *testing.T) {
	env, _ := testEnv(t)
	cases := []struct {
		in   map[string]any
		code string
	}{
		{map[string]any{"target_object_id": "object.pluto"}, refusal.TargetNotFound},
		{map[string]any{"target_site_id": "site.lab.nowhere"}, refusal.TargetNotFound},
		{map[string]any{"target_frame_id": "frame.nope", "position_mm": map[string]any{"x": 0, "y": 0, "z": 0}, "orientation_mdeg": map[string]any{}}, refusal.TargetNotFound},
		{map[string]any{"target_object_id": labtest.Earth, "target_site_id": labtest.Pad}, refusal.ProcessInputInvalid},
		{map[string]any{}, refusal.ProcessInputInvalid},
		{map[string]any{"target_frame_id": "frame.heliocentric"}, refusal.ProcessInputInvalid},
	}
	for i, tc := range cases {
		_, _, err := Apply(env, origin(), Intent{ProcessID: CameraTeleport, Inputs: tc.in})
		if refusal.Code(err) != tc.code {
			t.Fatalf("case %d: expected %s, got %v", i, tc.code, err)
		}
	}
}

func TestTimeControl(t *testing.T) {
	env, _ := testEnv(t)
	st := apply(t, env, origin(), TimeSetRate, map[string]any{"rate_permille": 500})
	if st.Tick != 0 || st.TimeControl.AccumulatorPermille != 500 || st.TimeControl.Paused {
		t.Fatalf("after set rate: tick=%d %+v", st.Tick, st.TimeControl)
	}
	st = apply(t, env, st, TimePause, nil)
	if st.Tick != 0 || !st.TimeControl.Paused || st.TimeControl.AccumulatorPermille != 500 {
		t.Fatalf("pause advanced time: tick=%d %+v", st.Tick, st.TimeControl)
	}
	st = apply(t, env, st, TimeResume, nil)
	if st.Tick != 1 || st.TimeControl.AccumulatorPermille != 0 {
		t.Fatalf("resume: tick=%d %+v", st.Tick, st.TimeControl)
	}
	st = apply(t, env, st, TimeSetRate, map[string]any{"rate_permille": 0})
	if !st.TimeControl.Paused || st.Tick != 1 {
		t.Fatalf("zero rate must pause: %+v", st.TimeControl)
	}
	if len(st.ProcessLog) != 4 || st.ProcessLog[3].LogIndex != 3 {
		t.Fatalf("process log: %+v", st.ProcessLog)
	}

	for _, in := range []map[string]any{{"rate_permille": 10001}, {"rate_permille": -1}, {"rate_permille": true}, {}} {
		if _, _, err := Apply(env, origin(), Intent{ProcessID: TimeSetRate, Inputs: in}); refusal.Code(err) != refusal.ProcessInputInvalid {
			t.Fatalf("%v: expected input refusal, got %v", in, err)
		}
	}
}

func TestGate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(env *Env, set *registry.Set)
		process string
		code    string
	}{
		{"forbidden by law", func(env *Env, set *registry.Set) { env.Law = set.Laws[labtest.RestrictiveLaw] }, CameraTeleport, refusal.ProcessForbidden},
		{"unknown to law", func(env *Env, _ *registry.Set) {}, "process.self_destruct", refusal.ProcessInputInvalid},
		{"entitlement", func(env *Env, _ *registry.Set) { env.Authority.Entitlements = []string{"entitlement.camera_control"} }, TimePause, refusal.EntitlementMissing},
		{"privilege", func(env *Env, set *registry.Set) { env.Law = set.Laws[labtest.RestrictiveLaw] }, TimeSetRate, refusal.PrivilegeInsufficient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, set := testEnv(t)
			tc.mutate(env, set)
			_, _, err := Apply(env, origin(), Intent{ProcessID: tc.process, Inputs: map[string]any{"rate_permille": 10}})
			if refusal.Code(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}

	env, set := testEnv(t)
	env.Law = set.Laws[labtest.RestrictiveLaw]
	env.Authority.PrivilegeLevel = model.PrivilegeOperator
	if err := Gate(env, TimeSetRate); err != nil {
		t.Fatalf("operator may set rate: %v", err)
	}
	if RequiredEntitlement(env.Law, RegionTick) != "" {
		t.Fatalf("region management needs no entitlement")
	}
}

func TestRegionTick_ExpandCollapseConserves(t *testing.T) {
	env, _ := testEnv(t)
	st := apply(t, env, origin(), RegionTick, nil)
	const total = 333000 + 1000
	if st.TotalMass() != total {
		t.Fatalf("total mass %d", st.TotalMass())
	}
	if len(st.MicroRegions) != 2 || len(st.MacroCapsules) != 2 {
		t.Fatalf("regions: %+v capsules: %+v", st.MicroRegions, st.MacroCapsules)
	}
	for _, c := range st.MacroCapsules {
		if c.ConservedQuantities.MassStub != 0 {
			t.Fatalf("capsule kept mass after expand: %+v", c)
		}
	}
	ps := st.PerformanceState
	if ps.Outcome != OutcomeWithinBudget || ps.ActiveRegionCount != 2 || ps.TierCounts[model.TierFine] != 2 || len(ps.TransitionLog) != 2 {
		t.Fatalf("performance: %+v", ps)
	}
	if st.Tick != 0 {
		t.Fatalf("region management must not advance time")
	}

	st = apply(t, env, st, CameraMove, map[string]any{
		"delta_local_mm": map[string]any{"x": 0, "y": 0, "z": 200000000000}, "dt_ticks": 1,
	})
	st = apply(t, env, st, RegionTick, nil)
	if len(st.MicroRegions) != 0 || st.TotalMass() != total {
		t.Fatalf("collapse: micro=%+v mass=%d", st.MicroRegions, st.TotalMass())
	}
	for _, c := range st.MacroCapsules {
		want := int64(1000)
		if c.ObjectID == labtest.Sun {
			want = 333000
		}
		if c.ConservedQuantities.MassStub != want {
			t.Fatalf("capsule %s mass %d", c.CapsuleID, c.ConservedQuantities.MassStub)
		}
	}
	if got := st.PerformanceState.TransitionLog[len(st.PerformanceState.TransitionLog)-1]; got.Action != ActionCollapse {
		t.Fatalf("last transition: %+v", got)
	}
}

func TestRegionTick_Budget(t *testing.T) {
	cases := []struct {
		name     string
		maxUnits int64
		fallback string
		outcome  string
		tiers    map[string]string
		code     string
	}{
		{"degrade last ranked", 100, model.FallbackDegrade, OutcomeDegraded,
			map[string]string{labtest.Earth: model.TierFine, labtest.Sun: model.TierMedium}, ""},
		{"degrade respects floor", 30, model.FallbackDegrade, OutcomeDegraded,
			map[string]string{labtest.Earth: model.TierCoarse, labtest.Sun: model.TierMedium}, ""},
		{"cap", 10, model.FallbackDegrade, OutcomeCapped,
			map[string]string{labtest.Earth: model.TierCoarse}, ""},
		{"refuse", 100, model.FallbackRefuse, "", nil, refusal.BudgetExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, _ := testEnv(t)
			b := *env.Budget
			b.MaxComputeUnitsPerTick = tc.maxUnits
			b.FallbackBehavior = tc.fallback
			env.Budget = &b

			next, _, err := Apply(env, origin(), Intent{ProcessID: RegionTick})
			if tc.code != "" {
				if refusal.Code(err) != tc.code {
					t.Fatalf("expected %s, got %v", tc.code, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if next.PerformanceState.Outcome != tc.outcome {
				t.Fatalf("outcome %s", next.PerformanceState.Outcome)
			}
			got := map[string]string{}
			for _, m := range next.MicroRegions {
				got[m.ObjectID] = m.FidelityTier
			}
			if len(got) != len(tc.tiers) {
				t.Fatalf("tiers: %v", got)
			}
			for id, tier := range tc.tiers {
				if got[id] != tier {
					t.Fatalf("tiers: %v", got)
				}
			}
			if next.TotalMass() != 334000 {
				t.Fatalf("mass %d", next.TotalMass())
			}
		})
	}
}

func TestPickTier(t *testing.T) {
	env, _ := testEnv(t)
	fid := env.Fidelity
	byReach := []model.FidelityTier{}
	for _, id := range []string{model.TierFine, model.TierMedium, model.TierCoarse} {
		tier, _ := fid.Tier(id)
		byReach = append(byReach, tier)
	}
	cases := []struct {
		d    int64
		prev string
		kind string
		want string
	}{
		{1_500_000_000, "", "planet", model.TierFine},
		{1_999_999_500, model.TierMedium, "planet", model.TierMedium},
		{1_500_000_000, model.TierMedium, "planet", model.TierFine},
		{2_000_000_500, model.TierFine, "planet", model.TierFine},
		{3_000_000_000, model.TierFine, "planet", model.TierMedium},
		{100_000_000_000, "", "star", model.TierMedium},
		{1_000_000_000, "", "star", model.TierFine},
		{500_000_000_000, "", "planet", model.TierCoarse},
	}
	for _, tc := range cases {
		if got := pickTier(fid, byReach, tc.d, tc.prev, tc.kind); got != tc.want {
			t.Fatalf("pickTier(%d, %q, %s) = %s, want %s", tc.d, tc.prev, tc.kind, got, tc.want)
		}
	}
}

func TestProcesses(t *testing.T) {
	got := Processes()
	if len(got) != len(labtest.AllProcesses) {
		t.Fatalf("processes: %v", got)
	}
	for i := range got {
		if got[i] != labtest.AllProcesses[i] {
			t.Fatalf("processes: %v", got)
		}
	}
}
