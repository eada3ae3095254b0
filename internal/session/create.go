package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"labkit.ai/internal/cache"
	"labkit.ai/internal/canon"
	"labkit.ai/internal/lockfile"
	"labkit.ai/internal/model"
	"labkit.ai/internal/packs"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/registry"
	"labkit.ai/internal/schema"
)

// Default RNG streams derived when no explicit roots are given.
var DefaultRNGStreams = []string{"rng.session.core", "rng.session.ui"}

// DefaultEntitlements are granted when CreateOptions.Entitlements is empty.
var DefaultEntitlements = []string{
	"entitlement.camera_control",
	"entitlement.teleport",
	"entitlement.time_control",
	"session.boot",
}

// PhysicalConstants are stamped into every universe identity.
var PhysicalConstants = map[string]int64{
	"speed_of_light_mm_per_s": 299792458000,
	"tick_duration_ms":        1000,
}

const (
	defaultRNGSeed      = "labkit.rng"
	defaultUniverseSeed = "labkit.universe"
	defaultScenario     = "scenario.default"
	defaultFrame        = "frame.heliocentric"
	defaultVisibility   = "standard"
)

// CreateOptions are the fixture inputs of a new save. Empty ids fall back to
// the experience's defaults or the first registered row.
type CreateOptions struct {
	Root     string
	SaveID   string
	BundleID string
	// SavesDir defaults to <Root>/saves and BuildDir to <Root>/build.
	SavesDir string
	BuildDir string

	ScenarioID         string
	ExperienceID       string
	LawProfileID       string
	ActivationPolicyID string
	BudgetPolicyID     string
	FidelityPolicyID   string
	Entitlements       []string
	PrivilegeLevel     string
	AuthorityOrigin    string
	RNGSeed            string
	UniverseSeed       string
	// RNGRoots are explicit name=seed pairs.
	RNGRoots []string

	Cache     *cache.Store
	Validator *schema.Validator
	Logger    *slog.Logger
}

// Created is a freshly written save.
type Created struct {
	SaveDir  string
	SpecPath string
	Spec     *model.SessionSpec
	Identity *model.UniverseIdentity
	State    *model.UniverseState
	Compile  *registry.Result
}

// Create compiles the bundle, resolves the fixture ids against the compiled
// registries and writes session_spec.json, universe_identity.json and
// universe_state.json under saves/<save_id>/. Nothing is written on refusal.
func Create(ctx context.Context, opts CreateOptions) (*Created, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	v := opts.Validator
	if v == nil {
		v = schema.New(opts.Root)
	}
	savesDir := opts.SavesDir
	if savesDir == "" {
		savesDir = SavesDir(opts.Root)
	}
	if err := checkSaveID(opts.SaveID); err != nil {
		return nil, err
	}

	res, err := registry.Compile(ctx, registry.Options{
		Root:      opts.Root,
		BundleID:  opts.BundleID,
		OutDir:    opts.BuildDir,
		Cache:     opts.Cache,
		Validator: v,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	lf, raw, err := lockfile.Read(res.LockfilePath)
	if err != nil {
		return nil, err
	}
	if errs := lockfile.Validate(raw); len(errs) > 0 {
		return nil, errs
	}
	payloads, err := registry.ReadDir(res.RegistriesDir)
	if err != nil {
		return nil, err
	}
	set, err := registry.NewSet(payloads)
	if err != nil {
		return nil, err
	}

	sel, err := resolveIDs(opts, set)
	if err != nil {
		return nil, err
	}
	roots, err := rngRoots(opts)
	if err != nil {
		return nil, err
	}
	scenario := opts.ScenarioID
	if scenario == "" {
		scenario = firstScenario(res.Contributions)
	}

	universeSeed := opts.UniverseSeed
	if universeSeed == "" {
		universeSeed = defaultUniverseSeed
	}
	id := &model.UniverseIdentity{
		SchemaVersion:        model.SchemaVersion,
		UniverseID:           "universe." + canon.SHA256Hex([]byte(universeSeed))[:16],
		GlobalSeed:           universeSeed,
		PhysicalConstants:    PhysicalConstants,
		BaseDomainBindings:   rowIDs(set.Payloads[registry.Domain], "domains", "domain_id"),
		InitialScenarioID:    scenario,
		CompatibilityVersion: lf.CompatibilityVersion,
	}
	if err := id.Seal(); err != nil {
		return nil, err
	}

	st := model.NewState(initialCamera(res.Contributions, set, sel.experience))

	entitlements := opts.Entitlements
	if len(entitlements) == 0 {
		entitlements = DefaultEntitlements
	}
	privilege := opts.PrivilegeLevel
	if privilege == "" {
		privilege = model.PrivilegeOperator
	}
	origin := opts.AuthorityOrigin
	if origin == "" {
		origin = model.OriginClient
	}
	spec := &model.SessionSpec{
		SchemaVersion: model.SchemaVersion,
		SaveID:        opts.SaveID,
		BundleID:      opts.BundleID,
		ScenarioID:    scenario,
		ExperienceID:  sel.experience.ExperienceID,
		PackLockHash:  lf.PackLockHash,
		AuthorityContext: model.AuthorityContext{
			AuthorityOrigin: origin,
			ExperienceID:    sel.experience.ExperienceID,
			LawProfileID:    sel.law.LawProfileID,
			Entitlements:    model.SortedUnique(entitlements),
			EpistemicScope:  model.EpistemicScope{ScopeID: "scope." + opts.SaveID, VisibilityLevel: defaultVisibility},
			PrivilegeLevel:  privilege,
		},
		SelectedPolicies: model.SelectedPolicies{
			ActivationPolicyID: sel.activation.PolicyID,
			BudgetPolicyID:     sel.budget.PolicyID,
			FidelityPolicyID:   sel.fidelity.PolicyID,
		},
		DeterministicRNGRoots: roots,
		UniverseIdentityFile:  IdentityFile,
		UniverseStateFile:     StateFile,
	}

	for _, rec := range []struct {
		schema string
		v      any
	}{{specSchema, spec}, {identitySchema, id}, {stateSchema, st}} {
		generic, err := canon.Normalize(rec.v)
		if err != nil {
			return nil, err
		}
		if errs := v.Validate(rec.schema, generic, true); len(errs) > 0 {
			return nil, errs.Sorted()
		}
	}

	dir := SaveDir(savesDir, opts.SaveID)
	for name, rec := range map[string]any{SpecFile: spec, IdentityFile: id, StateFile: st} {
		if err := canon.WriteFile(filepath.Join(dir, name), rec); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}
	logger.Info("session created", "save_id", opts.SaveID, "bundle", opts.BundleID,
		"identity_hash", id.IdentityHash, "pack_lock_hash", lf.PackLockHash)
	return &Created{
		SaveDir:  dir,
		SpecPath: filepath.Join(dir, SpecFile),
		Spec:     spec,
		Identity: id,
		State:    st,
		Compile:  res,
	}, nil
}

type selection struct {
	experience *model.Experience
	law        *model.LawProfile
	activation *model.ActivationPolicy
	budget     *model.BudgetPolicy
	fidelity   *model.FidelityPolicy
}

func resolveIDs(opts CreateOptions, set *registry.Set) (*selection, error) {
	var sel selection
	expID := pick(opts.ExperienceID, set.Experiences)
	sel.experience = set.Experiences[expID]
	if sel.experience == nil {
		return nil, refusal.New(refusal.ExperienceNotFound, "experience not in the experience registry",
			"pick an experience the bundle contributes", "experience_id", expID)
	}
	lawID := opts.LawProfileID
	if lawID == "" {
		lawID = sel.experience.DefaultLawProfileID
	}
	lawID = pick(lawID, set.Laws)
	if sel.law = set.Laws[lawID]; sel.law == nil {
		return nil, refusal.New(refusal.LawProfileNotFound, "law profile not in the law registry",
			"pick a law profile the bundle contributes", "law_profile_id", lawID)
	}
	budgetID := pick(opts.BudgetPolicyID, set.Budget)
	if sel.budget = set.Budget[budgetID]; sel.budget == nil {
		return nil, refusal.New(refusal.BudgetPolicyNotFound, "budget policy not in the budget policy registry",
			"pick a budget policy the bundle contributes", "budget_policy_id", budgetID)
	}
	actID := opts.ActivationPolicyID
	if actID == "" {
		actID = sel.budget.ActivationPolicyID
	}
	if sel.activation = set.Activation[actID]; sel.activation == nil {
		return nil, refusal.New(refusal.ActivationPolicyNotFound, "activation policy not in the activation policy registry",
			"pick an activation policy the bundle contributes", "activation_policy_id", actID)
	}
	fidID := pick(opts.FidelityPolicyID, set.Fidelity)
	if sel.fidelity = set.Fidelity[fidID]; sel.fidelity == nil {
		return nil, refusal.New(refusal.FidelityPolicyNotFound, "fidelity policy not in the fidelity policy registry",
			"pick a fidelity policy the bundle contributes", "fidelity_policy_id", fidID)
	}
	return &sel, nil
}

// pick returns id, or the smallest key of rows when id is empty.
func pick[T any](id string, rows map[string]*T) string {
	if id != "" {
		return id
	}
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

func rngRoots(opts CreateOptions) ([]model.RNGRoot, error) {
	if len(opts.RNGRoots) == 0 {
		seed := opts.RNGSeed
		if seed == "" {
			seed = defaultRNGSeed
		}
		out := make([]model.RNGRoot, 0, len(DefaultRNGStreams))
		for _, name := range DefaultRNGStreams {
			out = append(out, model.RNGRoot{StreamName: name, RootSeed: canon.SHA256Hex([]byte(seed + "|" + name))})
		}
		return out, nil
	}
	seen := map[string]bool{}
	out := make([]model.RNGRoot, 0, len(opts.RNGRoots))
	for _, pair := range opts.RNGRoots {
		name, seed, ok := strings.Cut(pair, "=")
		if !ok || name == "" || seed == "" || seen[name] {
			return nil, refusal.New(refusal.BootSessionSpecInvalid, fmt.Sprintf("rng root %q is not a unique name=seed pair", pair),
				"pass each stream once as name=seed", "rng_root", pair)
		}
		seen[name] = true
		out = append(out, model.RNGRoot{StreamName: name, RootSeed: seed})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamName < out[j].StreamName })
	return out, nil
}

func firstScenario(contribs []packs.Contribution) string {
	var ids []string
	for _, c := range contribs {
		if c.Type == packs.ContribScenarioSpec {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return defaultScenario
	}
	sort.Strings(ids)
	return ids[0]
}

func initialCamera(contribs []packs.Contribution, set *registry.Set, exp *model.Experience) model.CameraState {
	cam := model.CameraState{
		AssemblyID: model.MainCamera,
		FrameID:    defaultFrame,
		LensID:     exp.PresentationDefaults.DefaultLensID,
	}
	if len(set.Frames) > 0 {
		cam.FrameID = set.Frames[0].FrameID
	}
	if seed := registry.CameraAssembly(contribs); seed != nil {
		cam.FrameID = seed.FrameID
		cam.PositionMM = seed.PositionMM
		cam.OrientationMdeg = seed.OrientationMdeg
		if seed.LensID != "" {
			cam.LensID = seed.LensID
		}
	}
	return cam
}

func rowIDs(payload map[string]any, rowsKey, idKey string) []string {
	rows, _ := payload[rowsKey].([]any)
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		obj, _ := r.(map[string]any)
		if id, ok := obj[idKey].(string); ok {
			out = append(out, id)
		}
	}
	return model.SortedUnique(out)
}
