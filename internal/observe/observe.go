// Package observe derives the perceived view of a universe from its truth
// model under a law profile, a lens and an authority context.
package observe

import (
	"labkit.ai/internal/canon"
	"labkit.ai/internal/model"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/registry"
)

// Lens types.
const (
	LensDiegetic    = "diegetic"
	LensNondiegetic = "nondiegetic"
)

// NondiegeticAccess is required in addition to a nondiegetic lens's own
// entitlements.
const NondiegeticAccess = "lens.nondiegetic.access"

// DefaultProcessLogTail is how many process log rows a perceived model carries
// when Input.ProcessLogTail is zero.
const DefaultProcessLogTail = 8

// TruthModel is the full internal state handed to the kernel. Nothing outside
// this package and the process runtime reads it directly.
type TruthModel struct {
	Identity       *model.UniverseIdentity
	State          *model.UniverseState
	RegistryHashes map[string]string
	Registries     *registry.Set
}

// Input bundles one observation request.
type Input struct {
	Truth          *TruthModel
	Lens           *model.Lens
	Law            *model.LawProfile
	Authority      *model.AuthorityContext
	ViewpointID    string
	ProcessLogTail int
}

type NavNode struct {
	ObjectID string  `json:"object_id"`
	Kind     string  `json:"kind"`
	ParentID *string `json:"parent_id"`
	FrameID  string  `json:"frame_id"`
}

type Navigation struct {
	Hierarchy   []NavNode           `json:"hierarchy"`
	SearchIndex map[string][]string `json:"search_index"`
}

type SiteView struct {
	SiteID   string `json:"site_id"`
	ObjectID string `json:"object_id"`
	FrameID  string `json:"frame_id"`
}

type Sites struct {
	Entries     []SiteView          `json:"entries"`
	SearchIndex map[string][]string `json:"search_index"`
}

// CameraViewpoint always names the assembly and frame; pose and lens are only
// present when the law grants hidden state access.
type CameraViewpoint struct {
	AssemblyID      string             `json:"assembly_id"`
	FrameID         string             `json:"frame_id"`
	PositionMM      *model.Vec3        `json:"position_mm,omitempty"`
	OrientationMdeg *model.Orientation `json:"orientation_mdeg,omitempty"`
	LensID          string             `json:"lens_id,omitempty"`
}

type TimeView struct {
	Tick         int64 `json:"tick"`
	RatePermille int64 `json:"rate_permille"`
	Paused       bool  `json:"paused"`
}

// Redacted replaces a performance block the law does not let the viewer see.
type Redacted struct {
	Summary string `json:"summary"`
	Visible bool   `json:"visible"`
}

var redacted = Redacted{Summary: "redacted", Visible: false}

type BudgetView struct {
	Visible                bool   `json:"visible"`
	ActivationPolicyID     string `json:"activation_policy_id"`
	BudgetPolicyID         string `json:"budget_policy_id"`
	FidelityPolicyID       string `json:"fidelity_policy_id"`
	ComputeUnitsUsed       int64  `json:"compute_units_used"`
	MaxComputeUnitsPerTick int64  `json:"max_compute_units_per_tick"`
	Outcome                string `json:"outcome"`
}

type CountView struct {
	Visible bool  `json:"visible"`
	Count   int64 `json:"count"`
}

type TierCountsView struct {
	Visible bool             `json:"visible"`
	Counts  map[string]int64 `json:"counts"`
}

// Performance holds BudgetView/CountView/TierCountsView or Redacted values.
type Performance struct {
	Budget             any `json:"budget"`
	ActiveRegions      any `json:"active_regions"`
	FidelityTierCounts any `json:"fidelity_tier_counts"`
}

// PerceivedModel is what a viewer may know.
type PerceivedModel struct {
	SchemaVersion    string                  `json:"schema_version"`
	ViewpointID      string                  `json:"viewpoint_id"`
	LensID           string                  `json:"lens_id"`
	LensType         string                  `json:"lens_type"`
	LawProfileID     string                  `json:"law_profile_id"`
	Navigation       Navigation              `json:"navigation"`
	Sites            Sites                   `json:"sites"`
	ProcessLog       []model.ProcessLogEntry `json:"process_log"`
	ObservedEntities []string                `json:"observed_entities"`
	CameraViewpoint  CameraViewpoint         `json:"camera_viewpoint"`
	Time             TimeView                `json:"time"`
	Performance      Performance             `json:"performance"`
}

// Result is a perceived model and its canonical hash.
type Result struct {
	Perceived *PerceivedModel
	Hash      string
}

// Observe applies the gates in order and projects the truth model. A gate
// failure is returned as a *refusal.Refusal before any payload is built.
func Observe(in Input) (*Result, error) {
	if err := Gate(in); err != nil {
		return nil, err
	}
	pm := project(in)
	h, err := canon.Hash(pm)
	if err != nil {
		return nil, err
	}
	return &Result{Perceived: pm, Hash: h}, nil
}

// Gate evaluates the observation gates alone.
func Gate(in Input) error {
	t := in.Truth
	if t == nil || t.State == nil || t.Identity == nil || t.Registries == nil {
		return refusal.New(refusal.TruthModelInvalid, "truth model is incomplete", "boot the session before observing")
	}
	a := in.Authority
	if a == nil || a.AuthorityOrigin == "" || a.LawProfileID == "" || a.ExperienceID == "" || a.PrivilegeLevel == "" {
		return refusal.New(refusal.AuthorityContextInvalid, "authority context is missing mandatory fields", "fill authority_origin, experience_id, law_profile_id and privilege_level")
	}
	l := in.Lens
	if l == nil || l.LensID == "" || l.LensType == "" {
		return refusal.New(refusal.LensInvalid, "lens is missing mandatory fields", "select a lens from the lens registry")
	}
	law := in.Law
	if law == nil || law.LawProfileID == "" {
		return refusal.New(refusal.LawProfileInvalid, "law profile is missing mandatory fields", "select a law profile from the law registry")
	}
	if l.LensType != LensDiegetic && l.LensType != LensNondiegetic {
		return refusal.New(refusal.LensInvalid, "unknown lens_type "+l.LensType, "use diegetic or nondiegetic", "lens_id", l.LensID)
	}
	if !law.AllowsLens(l.LensID) {
		return refusal.New(refusal.LensForbidden, "lens is not allowed by the law profile", "choose a lens listed in allowed_lenses",
			"lens_id", l.LensID, "law_profile_id", law.LawProfileID)
	}
	if missing := a.Missing(RequiredEntitlements(l)); len(missing) > 0 {
		return refusal.New(refusal.EntitlementMissing, "authority lacks entitlement "+missing[0], "grant the entitlement in the session spec",
			"lens_id", l.LensID, "entitlement", missing[0])
	}
	return nil
}

// RequiredEntitlements returns the lens's entitlements plus the nondiegetic
// access entitlement where it applies, sorted.
func RequiredEntitlements(l *model.Lens) []string {
	req := append([]string(nil), l.RequiredEntitlements...)
	if l.LensType == LensNondiegetic {
		req = append(req, NondiegeticAccess)
	}
	return model.SortedUnique(req)
}

func project(in Input) *PerceivedModel {
	st := in.Truth.State
	regs := in.Truth.Registries
	hidden := in.Law.EpistemicLimits.AllowHiddenStateAccess

	pm := &PerceivedModel{
		SchemaVersion: model.SchemaVersion,
		ViewpointID:   in.ViewpointID,
		LensID:        in.Lens.LensID,
		LensType:      in.Lens.LensType,
		LawProfileID:  in.Law.LawProfileID,
		Navigation: Navigation{
			Hierarchy:   make([]NavNode, 0, len(regs.Astronomy)),
			SearchIndex: copyIndex(regs.AstronomyIndex),
		},
		Sites: Sites{
			Entries:     make([]SiteView, 0, len(regs.Sites)),
			SearchIndex: copyIndex(regs.SiteIndex),
		},
		Time: TimeView{
			Tick:         st.Tick,
			RatePermille: st.TimeControl.RatePermille,
			Paused:       st.TimeControl.Paused,
		},
	}
	for _, e := range regs.Astronomy {
		pm.Navigation.Hierarchy = append(pm.Navigation.Hierarchy, NavNode{ObjectID: e.ObjectID, Kind: e.Kind, ParentID: e.ParentID, FrameID: e.FrameID})
	}
	for _, s := range regs.Sites {
		pm.Sites.Entries = append(pm.Sites.Entries, SiteView{SiteID: s.SiteID, ObjectID: s.ObjectID, FrameID: s.FrameID})
	}

	tail := in.ProcessLogTail
	if tail <= 0 {
		tail = DefaultProcessLogTail
	}
	log := st.ProcessLog
	if len(log) > tail {
		log = log[len(log)-tail:]
	}
	pm.ProcessLog = append([]model.ProcessLogEntry{}, log...)

	var ids []string
	for _, a := range st.AgentStates {
		ids = append(ids, a.AgentID)
	}
	for _, c := range st.CameraAssemblies {
		ids = append(ids, c.AssemblyID)
	}
	pm.ObservedEntities = model.SortedUnique(ids)

	viewpoint := in.ViewpointID
	if viewpoint == "" {
		viewpoint = model.MainCamera
	}
	if cam, ok := st.Camera(viewpoint); ok {
		pm.CameraViewpoint = CameraViewpoint{AssemblyID: cam.AssemblyID, FrameID: cam.FrameID}
		if hidden {
			pos, ori := cam.PositionMM, cam.OrientationMdeg
			pm.CameraViewpoint.PositionMM = &pos
			pm.CameraViewpoint.OrientationMdeg = &ori
			pm.CameraViewpoint.LensID = cam.LensID
		}
	} else {
		pm.CameraViewpoint = CameraViewpoint{AssemblyID: viewpoint}
	}

	pm.Performance = performance(&st.PerformanceState, int64(len(st.MicroRegions)), hidden)
	return pm
}

func performance(ps *model.PerformanceState, active int64, visible bool) Performance {
	if !visible {
		return Performance{Budget: redacted, ActiveRegions: redacted, FidelityTierCounts: redacted}
	}
	counts := map[string]int64{}
	for k, v := range ps.TierCounts {
		counts[k] = v
	}
	return Performance{
		Budget: BudgetView{
			Visible:                true,
			ActivationPolicyID:     ps.ActivationPolicyID,
			BudgetPolicyID:         ps.BudgetPolicyID,
			FidelityPolicyID:       ps.FidelityPolicyID,
			ComputeUnitsUsed:       ps.ComputeUnitsUsed,
			MaxComputeUnitsPerTick: ps.MaxComputeUnitsPerTick,
			Outcome:                ps.Outcome,
		},
		ActiveRegions:      CountView{Visible: true, Count: active},
		FidelityTierCounts: TierCountsView{Visible: true, Counts: counts},
	}
}

func copyIndex(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, ids := range in {
		out[k] = append([]string{}, ids...)
	}
	return out
}

// Generic returns pm in the generic JSON value space, rooted at "perceived",
// for selector resolution.
func Generic(pm *PerceivedModel) (map[string]any, error) {
	v, err := canon.Normalize(pm)
	if err != nil {
		return nil, err
	}
	return map[string]any{"perceived": v}, nil
}
