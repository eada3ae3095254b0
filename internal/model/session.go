package model

// Authority origins.
const (
	OriginClient = "client"
	OriginServer = "server"
	OriginTool   = "tool"
	OriginReplay = "replay"
)

type EpistemicScope struct {
	ScopeID         string `json:"scope_id"`
	VisibilityLevel string `json:"visibility_level"`
}

// AuthorityContext is who is acting and what they may see or do.
type AuthorityContext struct {
	AuthorityOrigin string         `json:"authority_origin"`
	ExperienceID    string         `json:"experience_id"`
	LawProfileID    string         `json:"law_profile_id"`
	Entitlements    []string       `json:"entitlements"`
	EpistemicScope  EpistemicScope `json:"epistemic_scope"`
	PrivilegeLevel  string         `json:"privilege_level"`
}

// Has reports whether the context holds entitlement.
func (a *AuthorityContext) Has(entitlement string) bool { return contains(a.Entitlements, entitlement) }

// Missing returns the entitlements of required the context lacks, sorted.
func (a *AuthorityContext) Missing(required []string) []string {
	var out []string
	for _, e := range SortedUnique(required) {
		if !a.Has(e) {
			out = append(out, e)
		}
	}
	return out
}

type SelectedPolicies struct {
	ActivationPolicyID string `json:"activation_policy_id"`
	BudgetPolicyID     string `json:"budget_policy_id"`
	FidelityPolicyID   string `json:"fidelity_policy_id"`
}

type RNGRoot struct {
	StreamName string `json:"stream_name"`
	RootSeed   string `json:"root_seed"`
}

// SessionSpec binds a save to a bundle realization.
type SessionSpec struct {
	SchemaVersion         string           `json:"schema_version"`
	SaveID                string           `json:"save_id"`
	BundleID              string           `json:"bundle_id"`
	ScenarioID            string           `json:"scenario_id"`
	ExperienceID          string           `json:"experience_id"`
	PackLockHash          string           `json:"pack_lock_hash"`
	AuthorityContext      AuthorityContext `json:"authority_context"`
	SelectedPolicies      SelectedPolicies `json:"selected_policies"`
	DeterministicRNGRoots []RNGRoot        `json:"deterministic_rng_roots"`
	UniverseIdentityFile  string           `json:"universe_identity_file"`
	UniverseStateFile     string           `json:"universe_state_file"`
}

// ShardID is the single commit shard.
const ShardID = "shard.0"

// Shard is a deterministic scheduling scope.
type Shard struct {
	ShardID              string   `json:"shard_id"`
	AuthorityOrigin      string   `json:"authority_origin"`
	RegionScope          string   `json:"region_scope"`
	Active               bool     `json:"active"`
	ParentShardID        *string  `json:"parent_shard_id"`
	CompatibilityVersion string   `json:"compatibility_version"`
	OwnedEntities        []string `json:"owned_entities"`
	OwnedRegions         []string `json:"owned_regions"`
	ProcessQueue         []string `json:"process_queue"`
	LastHashAnchor       string   `json:"last_hash_anchor"`
}

type IntentPayload struct {
	ProcessID string         `json:"process_id"`
	Inputs    map[string]any `json:"inputs"`
}

// IntentEnvelope is one scheduled process invocation.
type IntentEnvelope struct {
	EnvelopeID                  string        `json:"envelope_id"`
	AuthorityOrigin             string        `json:"authority_origin"`
	SourceShardID               string        `json:"source_shard_id"`
	TargetShardID               string        `json:"target_shard_id"`
	IntentID                    string        `json:"intent_id"`
	Payload                     IntentPayload `json:"payload"`
	DeterministicSequenceNumber int64         `json:"deterministic_sequence_number"`
	SubmissionTick              int64         `json:"submission_tick"`
}

// ScriptIntent is one line of an intent script.
type ScriptIntent struct {
	IntentID       string         `json:"intent_id"`
	ProcessID      string         `json:"process_id"`
	Inputs         map[string]any `json:"inputs"`
	SubmissionTick *int64         `json:"submission_tick,omitempty"`
	TargetShardID  string         `json:"target_shard_id,omitempty"`
}

// Script is an ordered list of intents.
type Script struct {
	SchemaVersion string         `json:"schema_version"`
	ScriptID      string         `json:"script_id"`
	Intents       []ScriptIntent `json:"intents"`
}
