package model

import (
	"sort"

	"labkit.ai/internal/canon"
)

// SchemaVersion is the version stamped on every record this package writes.
const SchemaVersion = "1.0.0"

type Vec3 struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
	Z int64 `json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

func (v Vec3) Scale(k int64) Vec3 { return Vec3{v.X * k, v.Y * k, v.Z * k} }

// L1 is the Manhattan distance between v and o.
func (v Vec3) L1(o Vec3) int64 { return abs(v.X-o.X) + abs(v.Y-o.Y) + abs(v.Z-o.Z) }

type Orientation struct {
	Yaw   int64 `json:"yaw"`
	Pitch int64 `json:"pitch"`
	Roll  int64 `json:"roll"`
}

// MainCamera is the assembly id every session starts with.
const MainCamera = "camera.main"

// CameraState is a camera assembly inside UniverseState.
type CameraState struct {
	AssemblyID        string      `json:"assembly_id"`
	FrameID           string      `json:"frame_id"`
	PositionMM        Vec3        `json:"position_mm"`
	OrientationMdeg   Orientation `json:"orientation_mdeg"`
	VelocityMMPerTick Vec3        `json:"velocity_mm_per_tick"`
	LensID            string      `json:"lens_id"`
}

type TimeControl struct {
	RatePermille        int64 `json:"rate_permille"`
	Paused              bool  `json:"paused"`
	AccumulatorPermille int64 `json:"accumulator_permille"`
}

// ProcessLogEntry is appended for every committed process.
type ProcessLogEntry struct {
	LogIndex        int64    `json:"log_index"`
	ProcessID       string   `json:"process_id"`
	IntentID        string   `json:"intent_id"`
	AuthorityOrigin string   `json:"authority_origin"`
	InputHash       string   `json:"input_hash"`
	StateHashAnchor string   `json:"state_hash_anchor"`
	Tick            int64    `json:"tick"`
	RNGUsage        []string `json:"rng_usage"`
}

type InterestRegion struct {
	RegionID     string `json:"region_id"`
	ObjectID     string `json:"object_id"`
	Kind         string `json:"kind"`
	Priority     int64  `json:"priority"`
	DistanceMM   int64  `json:"distance_mm"`
	FidelityTier string `json:"fidelity_tier"`
}

type Conserved struct {
	MassStub int64 `json:"mass_stub"`
}

type MacroCapsule struct {
	CapsuleID           string    `json:"capsule_id"`
	ObjectID            string    `json:"object_id"`
	ConservedQuantities Conserved `json:"conserved_quantities"`
}

type MicroRegion struct {
	RegionID            string    `json:"region_id"`
	ObjectID            string    `json:"object_id"`
	CapsuleID           string    `json:"capsule_id"`
	FidelityTier        string    `json:"fidelity_tier"`
	EntityTarget        int64     `json:"entity_target"`
	ConservedQuantities Conserved `json:"conserved_quantities"`
}

// Transition is one row of performance_state.transition_log.
type Transition struct {
	Tick     int64  `json:"tick"`
	ObjectID string `json:"object_id"`
	Action   string `json:"action"`
	Tier     string `json:"tier,omitempty"`
}

// PerformanceState summarizes the last region management tick. It is empty
// until the first such tick.
type PerformanceState struct {
	ActivationPolicyID     string           `json:"activation_policy_id,omitempty"`
	BudgetPolicyID         string           `json:"budget_policy_id,omitempty"`
	FidelityPolicyID       string           `json:"fidelity_policy_id,omitempty"`
	ComputeUnitsUsed       int64            `json:"compute_units_used,omitempty"`
	MaxComputeUnitsPerTick int64            `json:"max_compute_units_per_tick,omitempty"`
	EntitiesUsed           int64            `json:"entities_used,omitempty"`
	Outcome                string           `json:"outcome,omitempty"`
	ActiveRegionCount      int64            `json:"active_region_count,omitempty"`
	TierCounts             map[string]int64 `json:"tier_counts,omitempty"`
	TransitionLog          []Transition     `json:"transition_log,omitempty"`
}

type AgentState struct {
	AgentID string `json:"agent_id"`
}

// UniverseState is the mutating simulation record of a save.
type UniverseState struct {
	SchemaVersion    string            `json:"schema_version"`
	Tick             int64             `json:"tick"`
	CameraAssemblies []CameraState     `json:"camera_assemblies"`
	TimeControl      TimeControl       `json:"time_control"`
	ProcessLog       []ProcessLogEntry `json:"process_log"`
	HistoryAnchors   []string          `json:"history_anchors"`
	InterestRegions  []InterestRegion  `json:"interest_regions"`
	MacroCapsules    []MacroCapsule    `json:"macro_capsules"`
	MicroRegions     []MicroRegion     `json:"micro_regions"`
	PerformanceState PerformanceState  `json:"performance_state"`
	AgentStates      []AgentState      `json:"agent_states"`
}

// NewState returns the tick 0 state with a single camera.
func NewState(cam CameraState) *UniverseState {
	s := &UniverseState{
		SchemaVersion:    SchemaVersion,
		CameraAssemblies: []CameraState{cam},
		TimeControl:      TimeControl{RatePermille: 1000},
		HistoryAnchors:   []string{"history.anchor.tick.0"},
	}
	s.Fill()
	return s
}

// Fill replaces nil slices with empty ones so the record always serializes
// arrays, never null.
func (s *UniverseState) Fill() {
	if s.CameraAssemblies == nil {
		s.CameraAssemblies = []CameraState{}
	}
	if s.ProcessLog == nil {
		s.ProcessLog = []ProcessLogEntry{}
	}
	for i := range s.ProcessLog {
		if s.ProcessLog[i].RNGUsage == nil {
			s.ProcessLog[i].RNGUsage = []string{}
		}
	}
	if s.HistoryAnchors == nil {
		s.HistoryAnchors = []string{}
	}
	if s.InterestRegions == nil {
		s.InterestRegions = []InterestRegion{}
	}
	if s.MacroCapsules == nil {
		s.MacroCapsules = []MacroCapsule{}
	}
	if s.MicroRegions == nil {
		s.MicroRegions = []MicroRegion{}
	}
	if s.AgentStates == nil {
		s.AgentStates = []AgentState{}
	}
}

// Camera returns the assembly with id, if any.
func (s *UniverseState) Camera(id string) (*CameraState, bool) {
	for i := range s.CameraAssemblies {
		if s.CameraAssemblies[i].AssemblyID == id {
			return &s.CameraAssemblies[i], true
		}
	}
	return nil, false
}

// Clone deep-copies s through its canonical form.
func (s *UniverseState) Clone() (*UniverseState, error) {
	var out UniverseState
	if err := canon.Convert(s, &out); err != nil {
		return nil, err
	}
	out.Fill()
	return &out, nil
}

// Hash is canonical_sha256 of the state.
func (s *UniverseState) Hash() (string, error) {
	s.Fill()
	return canon.Hash(s)
}

// TotalMass sums mass_stub over capsules and micro regions.
func (s *UniverseState) TotalMass() int64 {
	var total int64
	for _, c := range s.MacroCapsules {
		total += c.ConservedQuantities.MassStub
	}
	for _, m := range s.MicroRegions {
		total += m.ConservedQuantities.MassStub
	}
	return total
}

// UniverseIdentity is the immutable seed record of a save.
type UniverseIdentity struct {
	SchemaVersion        string           `json:"schema_version"`
	UniverseID           string           `json:"universe_id"`
	GlobalSeed           string           `json:"global_seed"`
	PhysicalConstants    map[string]int64 `json:"physical_constants"`
	BaseDomainBindings   []string         `json:"base_domain_bindings"`
	InitialScenarioID    string           `json:"initial_scenario_id"`
	CompatibilityVersion string           `json:"compatibility_version"`
	IdentityHash         string           `json:"identity_hash"`
}

// ComputeHash hashes the identity with identity_hash blanked.
func (u UniverseIdentity) ComputeHash() (string, error) {
	u.IdentityHash = ""
	if u.PhysicalConstants == nil {
		u.PhysicalConstants = map[string]int64{}
	}
	if u.BaseDomainBindings == nil {
		u.BaseDomainBindings = []string{}
	}
	return canon.Hash(u)
}

// Seal sorts the domain bindings and sets identity_hash.
func (u *UniverseIdentity) Seal() error {
	u.BaseDomainBindings = SortedUnique(u.BaseDomainBindings)
	if u.PhysicalConstants == nil {
		u.PhysicalConstants = map[string]int64{}
	}
	h, err := u.ComputeHash()
	if err != nil {
		return err
	}
	u.IdentityHash = h
	return nil
}

// SortedUnique returns a sorted copy of in without duplicates. The result is
// never nil.
func SortedUnique(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	w := 0
	for i, s := range out {
		if i > 0 && s == out[w-1] {
			continue
		}
		out[w] = s
		w++
	}
	return out[:w]
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
