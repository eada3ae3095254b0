// Package model holds the typed records of compiled registries, sessions and
// the universe. Every record serializes to the canonical wire shape; payloads
// are schema-validated before they are decoded into these types.
package model

// Tier identifiers, lowest fidelity first.
const (
	TierCoarse = "coarse"
	TierMedium = "medium"
	TierFine   = "fine"
)

// TierRank orders tiers coarse < medium < fine.
func TierRank(tier string) int {
	switch tier {
	case TierFine:
		return 2
	case TierMedium:
		return 1
	}
	return 0
}

// Privilege levels in ascending order.
const (
	PrivilegeObserver = "observer"
	PrivilegeOperator = "operator"
	PrivilegeSystem   = "system"
)

// PrivilegeRank orders observer < operator < system; unknown levels rank -1.
func PrivilegeRank(level string) int {
	switch level {
	case PrivilegeObserver:
		return 0
	case PrivilegeOperator:
		return 1
	case PrivilegeSystem:
		return 2
	}
	return -1
}

type EpistemicLimits struct {
	MaxViewRadiusKm        int64 `json:"max_view_radius_km"`
	AllowHiddenStateAccess bool  `json:"allow_hidden_state_access"`
}

type DebugAllowances struct {
	AllowNondiegeticOverlays bool `json:"allow_nondiegetic_overlays"`
}

// LawProfile is one row of the law registry.
type LawProfile struct {
	LawProfileID                   string            `json:"law_profile_id"`
	PackID                         string            `json:"pack_id"`
	Title                          string            `json:"title,omitempty"`
	AllowedLenses                  []string          `json:"allowed_lenses"`
	AllowedProcesses               []string          `json:"allowed_processes"`
	ForbiddenProcesses             []string          `json:"forbidden_processes"`
	ProcessEntitlementRequirements map[string]string `json:"process_entitlement_requirements"`
	ProcessPrivilegeRequirements   map[string]string `json:"process_privilege_requirements"`
	EpistemicLimits                EpistemicLimits   `json:"epistemic_limits"`
	DebugAllowances                DebugAllowances   `json:"debug_allowances"`
}

// AllowsLens reports whether lensID is in allowed_lenses.
func (l *LawProfile) AllowsLens(lensID string) bool { return contains(l.AllowedLenses, lensID) }

// AllowsProcess reports whether processID is allowed and not forbidden.
func (l *LawProfile) AllowsProcess(processID string) bool {
	return contains(l.AllowedProcesses, processID) && !contains(l.ForbiddenProcesses, processID)
}

type PresentationDefaults struct {
	DefaultLensID string `json:"default_lens_id"`
	HUDLayoutID   string `json:"hud_layout_id"`
}

// Experience is one row of the experience registry.
type Experience struct {
	ExperienceID              string               `json:"experience_id"`
	PackID                    string               `json:"pack_id"`
	Title                     string               `json:"title,omitempty"`
	PresentationDefaults      PresentationDefaults `json:"presentation_defaults"`
	AllowedLenses             []string             `json:"allowed_lenses"`
	SuggestedParameterBundles []string             `json:"suggested_parameter_bundles"`
	AllowedTransitions        []string             `json:"allowed_transitions"`
	DefaultLawProfileID       string               `json:"default_law_profile_id"`
}

type EpistemicConstraints struct {
	VisibilityPolicy  string `json:"visibility_policy"`
	MaxResolutionTier int64  `json:"max_resolution_tier"`
}

// Lens is one row of the lens registry.
type Lens struct {
	LensID               string               `json:"lens_id"`
	PackID               string               `json:"pack_id"`
	Title                string               `json:"title,omitempty"`
	LensType             string               `json:"lens_type"`
	RequiredEntitlements []string             `json:"required_entitlements"`
	EpistemicConstraints EpistemicConstraints `json:"epistemic_constraints"`
}

type Hysteresis struct {
	EnterMarginMM int64 `json:"enter_margin_mm"`
	ExitMarginMM  int64 `json:"exit_margin_mm"`
}

// ActivationPolicy decides which catalog objects are of interest.
type ActivationPolicy struct {
	PolicyID                string           `json:"policy_id"`
	PackID                  string           `json:"pack_id"`
	InterestRadiusMMByKind  map[string]int64 `json:"interest_radius_mm_by_kind"`
	DefaultInterestRadiusMM int64            `json:"default_interest_radius_mm"`
	Hysteresis              Hysteresis       `json:"hysteresis"`
	PriorityByKind          map[string]int64 `json:"priority_by_kind"`
	DefaultPriority         int64            `json:"default_priority"`
	AnchorSpacingMM         int64            `json:"anchor_spacing_mm"`
	CheckpointIntervalTicks int64            `json:"checkpoint_interval_ticks"`
}

// InterestRadius returns the radius for kind, falling back to the default.
func (p *ActivationPolicy) InterestRadius(kind string) int64 {
	if r, ok := p.InterestRadiusMMByKind[kind]; ok {
		return r
	}
	return p.DefaultInterestRadiusMM
}

// Priority returns the priority for kind, falling back to the default.
func (p *ActivationPolicy) Priority(kind string) int64 {
	if r, ok := p.PriorityByKind[kind]; ok {
		return r
	}
	return p.DefaultPriority
}

type TierWeights struct {
	Coarse int64 `json:"coarse"`
	Medium int64 `json:"medium"`
	Fine   int64 `json:"fine"`
}

// Weight returns the compute weight of tier.
func (w TierWeights) Weight(tier string) int64 {
	switch tier {
	case TierFine:
		return w.Fine
	case TierMedium:
		return w.Medium
	}
	return w.Coarse
}

// Fallback behaviors of a budget policy.
const (
	FallbackRefuse  = "refuse"
	FallbackDegrade = "degrade_fidelity"
)

// BudgetPolicy caps micro-simulation cost per tick.
type BudgetPolicy struct {
	PolicyID               string      `json:"policy_id"`
	PackID                 string      `json:"pack_id"`
	ActivationPolicyID     string      `json:"activation_policy_id"`
	MaxRegionsMicro        int64       `json:"max_regions_micro"`
	MaxEntitiesMicro       int64       `json:"max_entities_micro"`
	MaxComputeUnitsPerTick int64       `json:"max_compute_units_per_tick"`
	FallbackBehavior       string      `json:"fallback_behavior"`
	TierComputeWeights     TierWeights `json:"tier_compute_weights"`
	EntityComputeWeight    int64       `json:"entity_compute_weight"`
}

type FidelityTier struct {
	TierID              string `json:"tier_id"`
	MaxDistanceMM       int64  `json:"max_distance_mm"`
	MicroEntitiesTarget int64  `json:"micro_entities_target"`
}

type SwitchingRules struct {
	UpgradeHysteresisMM int64    `json:"upgrade_hysteresis_mm"`
	DegradeHysteresisMM int64    `json:"degrade_hysteresis_mm"`
	DegradeOrder        []string `json:"degrade_order"`
}

// FidelityPolicy maps distance to fidelity tiers.
type FidelityPolicy struct {
	PolicyID          string            `json:"policy_id"`
	PackID            string            `json:"pack_id"`
	Tiers             []FidelityTier    `json:"tiers"`
	MinimumTierByKind map[string]string `json:"minimum_tier_by_kind"`
	SwitchingRules    SwitchingRules    `json:"switching_rules"`
}

// Tier looks up a tier definition.
func (p *FidelityPolicy) Tier(id string) (FidelityTier, bool) {
	for _, t := range p.Tiers {
		if t.TierID == id {
			return t, true
		}
	}
	return FidelityTier{}, false
}

type PhysicalParams struct {
	RadiusMM int64  `json:"radius_mm"`
	MassStub *int64 `json:"mass_stub,omitempty"`
}

type Bounds struct {
	SphereRadiusMM int64 `json:"sphere_radius_mm"`
}

// AstronomyEntry is one catalog object.
type AstronomyEntry struct {
	ObjectID       string         `json:"object_id"`
	PackID         string         `json:"pack_id"`
	Kind           string         `json:"kind"`
	ParentID       *string        `json:"parent_id"`
	FrameID        string         `json:"frame_id"`
	SearchKeys     []string       `json:"search_keys"`
	PhysicalParams PhysicalParams `json:"physical_params"`
	Bounds         *Bounds        `json:"bounds,omitempty"`
}

// Radius prefers the bounding sphere over the physical radius.
func (e *AstronomyEntry) Radius() int64 {
	if e.Bounds != nil && e.Bounds.SphereRadiusMM > 0 {
		return e.Bounds.SphereRadiusMM
	}
	return e.PhysicalParams.RadiusMM
}

// DefaultMassStub seeds a macro capsule when the catalog gives no mass.
const DefaultMassStub = 1000

// Mass returns the catalog mass_stub or DefaultMassStub.
func (e *AstronomyEntry) Mass() int64 {
	if e.PhysicalParams.MassStub != nil {
		return *e.PhysicalParams.MassStub
	}
	return DefaultMassStub
}

// ReferenceFrame is one row of the astronomy index's reference_frames.
type ReferenceFrame struct {
	FrameID        string  `json:"frame_id"`
	PackID         string  `json:"pack_id"`
	Kind           string  `json:"kind"`
	ParentFrameID  *string `json:"parent_frame_id"`
	AnchorObjectID string  `json:"anchor_object_id,omitempty"`
}

// Site position kinds.
const (
	PositionLocalXYZ = "local_xyz_mm"
	PositionLatLon   = "lat_lon_alt"
)

type SitePosition struct {
	Kind    string `json:"kind"`
	X       int64  `json:"x"`
	Y       int64  `json:"y"`
	Z       int64  `json:"z"`
	LatUdeg int64  `json:"lat_udeg"`
	LonUdeg int64  `json:"lon_udeg"`
	AltMM   int64  `json:"alt_mm"`
}

// Site is one row of the site index.
type Site struct {
	SiteID     string       `json:"site_id"`
	PackID     string       `json:"pack_id"`
	ObjectID   string       `json:"object_id"`
	FrameID    string       `json:"frame_id"`
	SearchKeys []string     `json:"search_keys"`
	Position   SitePosition `json:"position"`
}

type DataBinding struct {
	Target   string `json:"target"`
	Selector string `json:"selector"`
}

type ActionBinding struct {
	ProcessID       string         `json:"process_id"`
	PayloadTemplate map[string]any `json:"payload_template"`
}

type Widget struct {
	WidgetID      string         `json:"widget_id"`
	WidgetType    string         `json:"widget_type"`
	Title         string         `json:"title,omitempty"`
	DataBindings  []DataBinding  `json:"data_bindings"`
	ActionBinding *ActionBinding `json:"action_binding,omitempty"`
}

// UIWindow is one row of the ui registry.
type UIWindow struct {
	WindowID             string   `json:"window_id"`
	PackID               string   `json:"pack_id"`
	Title                string   `json:"title"`
	LensID               string   `json:"lens_id"`
	Nondiegetic          bool     `json:"nondiegetic"`
	RequiredEntitlements []string `json:"required_entitlements"`
	Widgets              []Widget `json:"widgets"`
}

// Widget looks up a widget by id.
func (w *UIWindow) Widget(id string) (*Widget, bool) {
	for i := range w.Widgets {
		if w.Widgets[i].WidgetID == id {
			return &w.Widgets[i], true
		}
	}
	return nil, false
}

// CameraAssembly is the camera seed contributed by a pack.
type CameraAssembly struct {
	AssemblyID      string      `json:"assembly_id"`
	FrameID         string      `json:"frame_id"`
	PositionMM      Vec3        `json:"position_mm"`
	OrientationMdeg Orientation `json:"orientation_mdeg"`
	LensID          string      `json:"lens_id,omitempty"`
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
