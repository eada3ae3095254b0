// Package process is the closed set of state-mutating processes. Each process
// is gated by the law profile and the authority context, applied to a copy of
// the universe state and recorded in the process log.
package process

import (
	"fmt"
	"sort"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/model"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/registry"
)

// Process ids.
const (
	CameraMove     = "process.camera_move"
	CameraTeleport = "process.camera_teleport"
	TimeSetRate    = "process.time_control_set_rate"
	TimePause      = "process.time_pause"
	TimeResume     = "process.time_resume"
	RegionTick     = "process.region_management_tick"
)

// Env is everything a process reads besides the universe state.
type Env struct {
	Registries *registry.Set
	Law        *model.LawProfile
	Authority  *model.AuthorityContext
	Activation *model.ActivationPolicy
	Budget     *model.BudgetPolicy
	Fidelity   *model.FidelityPolicy
}

// Intent is one process invocation.
type Intent struct {
	IntentID  string
	ProcessID string
	Inputs    map[string]any
}

type handler func(*Env, *model.UniverseState, map[string]any) error

var dispatch = map[string]handler{
	CameraMove:     handleCameraMove,
	CameraTeleport: handleCameraTeleport,
	TimeSetRate:    handleTimeSetRate,
	TimePause: func(_ *Env, st *model.UniverseState, in map[string]any) error {
		return handleTimeToggle(st, in, TimePause, true)
	},
	TimeResume: func(_ *Env, st *model.UniverseState, in map[string]any) error {
		return handleTimeToggle(st, in, TimeResume, false)
	},
	RegionTick: handleRegionTick,
}

// Entitlements required when the law profile does not override them. An empty
// value means none.
var defaultEntitlements = map[string]string{
	CameraMove:     "entitlement.camera_control",
	CameraTeleport: "entitlement.teleport",
	TimeSetRate:    "entitlement.time_control",
	TimePause:      "entitlement.time_control",
	TimeResume:     "entitlement.time_control",
	RegionTick:     "",
}

var defaultPrivileges = map[string]string{
	CameraMove:     model.PrivilegeObserver,
	CameraTeleport: model.PrivilegeObserver,
	TimeSetRate:    model.PrivilegeObserver,
	TimePause:      model.PrivilegeObserver,
	TimeResume:     model.PrivilegeObserver,
	RegionTick:     model.PrivilegeObserver,
}

// Processes returns the supported process ids, sorted.
func Processes() []string {
	out := make([]string, 0, len(dispatch))
	for id := range dispatch {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Supported reports whether id names a known process.
func Supported(id string) bool {
	_, ok := dispatch[id]
	return ok
}

// RequiredEntitlement is the entitlement law demands for processID.
func RequiredEntitlement(law *model.LawProfile, processID string) string {
	if e, ok := law.ProcessEntitlementRequirements[processID]; ok {
		return e
	}
	return defaultEntitlements[processID]
}

// RequiredPrivilege is the privilege level law demands for processID.
func RequiredPrivilege(law *model.LawProfile, processID string) string {
	if p, ok := law.ProcessPrivilegeRequirements[processID]; ok {
		return p
	}
	if p, ok := defaultPrivileges[processID]; ok {
		return p
	}
	return model.PrivilegeSystem
}

// Gate checks law and authority for processID without touching state.
func Gate(env *Env, processID string) error {
	law, auth := env.Law, env.Authority
	if !law.AllowsProcess(processID) {
		return refusal.New(refusal.ProcessForbidden, "process is not allowed by the law profile",
			"choose a law profile that allows "+processID,
			"process_id", processID, "law_profile_id", law.LawProfileID)
	}
	if e := RequiredEntitlement(law, processID); e != "" && !auth.Has(e) {
		return refusal.New(refusal.EntitlementMissing, "authority lacks entitlement "+e, "grant the entitlement in the session spec",
			"process_id", processID, "entitlement", e)
	}
	need := RequiredPrivilege(law, processID)
	if model.PrivilegeRank(auth.PrivilegeLevel) < model.PrivilegeRank(need) {
		return refusal.New(refusal.PrivilegeInsufficient,
			fmt.Sprintf("privilege %s is below %s", auth.PrivilegeLevel, need),
			"raise privilege_level in the authority context",
			"process_id", processID, "required_privilege", need)
	}
	return nil
}

// Apply gates and runs one intent against a copy of st. The input state is
// never modified; on success the new state carries the process log row and
// history anchor for the commit.
func Apply(env *Env, st *model.UniverseState, in Intent) (*model.UniverseState, *model.ProcessLogEntry, error) {
	h, ok := dispatch[in.ProcessID]
	if !ok {
		return nil, nil, refusal.New(refusal.ProcessInputInvalid, "unknown process "+in.ProcessID,
			"use one of the supported process ids", "process_id", in.ProcessID)
	}
	if err := Gate(env, in.ProcessID); err != nil {
		return nil, nil, err
	}
	inputs := in.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	next, err := st.Clone()
	if err != nil {
		return nil, nil, fmt.Errorf("clone state: %w", err)
	}
	if err := h(env, next, inputs); err != nil {
		return nil, nil, err
	}
	inputHash, err := canon.Hash(inputs)
	if err != nil {
		return nil, nil, refusal.New(refusal.ProcessInputInvalid, err.Error(), "use integers and strings only", "process_id", in.ProcessID)
	}
	anchor, err := next.Hash()
	if err != nil {
		return nil, nil, err
	}
	entry := model.ProcessLogEntry{
		LogIndex:        int64(len(next.ProcessLog)),
		ProcessID:       in.ProcessID,
		IntentID:        in.IntentID,
		AuthorityOrigin: env.Authority.AuthorityOrigin,
		InputHash:       inputHash,
		StateHashAnchor: anchor,
		Tick:            next.Tick,
		RNGUsage:        []string{},
	}
	next.ProcessLog = append(next.ProcessLog, entry)
	next.HistoryAnchors = append(next.HistoryAnchors, fmt.Sprintf("history.anchor.tick.%d.log.%d", entry.Tick, entry.LogIndex))
	return next, &entry, nil
}

// advance runs steps time steps under the current time control.
func advance(st *model.UniverseState, steps int64) {
	tc := &st.TimeControl
	for i := int64(0); i < steps; i++ {
		if tc.Paused {
			return
		}
		tc.AccumulatorPermille += tc.RatePermille
		st.Tick += tc.AccumulatorPermille / 1000
		tc.AccumulatorPermille %= 1000
	}
}

func decode(processID string, in map[string]any, dst any) error {
	if err := canon.Convert(in, dst); err != nil {
		return invalid(processID, err.Error())
	}
	return nil
}

func invalid(processID, msg string) error {
	return refusal.New(refusal.ProcessInputInvalid, msg, "fix the intent inputs", "process_id", processID)
}

// vec is a vector input whose components must all be present.
type vec struct {
	X *int64 `json:"x"`
	Y *int64 `json:"y"`
	Z *int64 `json:"z"`
}

func (v *vec) value() (model.Vec3, bool) {
	if v == nil || v.X == nil || v.Y == nil || v.Z == nil {
		return model.Vec3{}, false
	}
	return model.Vec3{X: *v.X, Y: *v.Y, Z: *v.Z}, true
}

func mainCamera(st *model.UniverseState, processID string) (*model.CameraState, error) {
	cam, ok := st.Camera(model.MainCamera)
	if !ok {
		return nil, refusal.New(refusal.TargetNotFound, "camera assembly not found", "create the session with a camera",
			"process_id", processID, "assembly_id", model.MainCamera)
	}
	return cam, nil
}
