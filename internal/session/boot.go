package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"

	"labkit.ai/internal/cache"
	"labkit.ai/internal/canon"
	"labkit.ai/internal/dist"
	"labkit.ai/internal/lockfile"
	"labkit.ai/internal/model"
	"labkit.ai/internal/observe"
	"labkit.ai/internal/process"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/registry"
	"labkit.ai/internal/schema"
	"labkit.ai/schemas"
)

// BootOptions configures Boot.
type BootOptions struct {
	// SpecPath is saves/<save_id>/session_spec.json.
	SpecPath string
	// BuildDir holds registries/ and lockfile.json. DistDir, when set, is
	// validated as a dist tree and used in its place.
	BuildDir string
	DistDir  string
	// BundleID is the requested bundle; empty means the spec's own.
	BundleID string
	// LensID overrides the experience's default lens.
	LensID string

	// CompileIfMissing recompiles Root's bundle into BuildDir when the
	// lockfile is absent.
	CompileIfMissing bool
	Root             string
	Cache            *cache.Store

	ProcessLogTail int
	Validator      *schema.Validator
	Logger         *slog.Logger
}

// Session is a booted save: the verified truth model, the selected law,
// lens and policies, and the tick 0 observation.
type Session struct {
	SaveDir    string
	Spec       *model.SessionSpec
	SpecHash   string
	Identity   *model.UniverseIdentity
	State      *model.UniverseState
	Lockfile   *lockfile.Lockfile
	Registries *registry.Set

	Law        *model.LawProfile
	Experience *model.Experience
	Lens       *model.Lens
	Activation *model.ActivationPolicy
	Budget     *model.BudgetPolicy
	Fidelity   *model.FidelityPolicy

	Perceived  *observe.Result
	Render     *observe.RenderModel
	RenderHash string

	// Meta is the run-meta record of the boot itself, written to MetaPath.
	Meta     *RunMeta
	MetaPath string

	validator *schema.Validator
	logger    *slog.Logger
	tail      int
}

// Boot verifies a save against its lockfile, registries and optional dist
// tree, selects law, lens and policies, observes tick 0 and writes the
// boot's run-meta. The checks run in a fixed order and the first failure is
// returned as a *refusal.Refusal.
func Boot(ctx context.Context, opts BootOptions) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	v := opts.Validator
	if v == nil {
		v = schema.NewFS(schemas.FS)
	}
	s := &Session{SaveDir: filepath.Dir(opts.SpecPath), validator: v, logger: logger, tail: opts.ProcessLogTail}

	rawSpec, err := canon.ReadFile(opts.SpecPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, refusal.New(refusal.BootSaveMissing, "session spec not found", "create the save first", "path", opts.SpecPath)
	}
	if err != nil {
		return nil, refusal.New(refusal.BootSessionSpecInvalid, err.Error(), "fix the session spec", "path", opts.SpecPath)
	}
	if errs := v.Validate(specSchema, rawSpec, true); len(errs) > 0 {
		first := errs.Sorted()[0]
		return nil, refusal.New(refusal.BootSessionSpecInvalid, first.Code+": "+first.Message, "fix the session spec",
			"path", first.Path)
	}
	s.Spec = &model.SessionSpec{}
	if err := canon.Convert(rawSpec, s.Spec); err != nil {
		return nil, refusal.New(refusal.BootSessionSpecInvalid, err.Error(), "fix the session spec")
	}
	if s.SpecHash, err = canon.Hash(rawSpec); err != nil {
		return nil, err
	}
	spec := s.Spec
	bundleID := opts.BundleID
	if bundleID == "" {
		bundleID = spec.BundleID
	}

	var report *dist.Report
	buildDir := opts.BuildDir
	if opts.DistDir != "" {
		report, err = dist.Validate(ctx, opts.DistDir, v)
		if err != nil {
			return nil, err
		}
		buildDir = opts.DistDir
	}

	lf, rawLock, err := lockfile.Read(registry.LockfilePath(buildDir))
	if lockfile.IsMissing(err) && opts.CompileIfMissing && report == nil {
		logger.Info("lockfile missing, compiling", "bundle", bundleID, "out", buildDir)
		if _, err := registry.Compile(ctx, registry.Options{Root: opts.Root, BundleID: bundleID, OutDir: buildDir, Cache: opts.Cache, Logger: logger}); err != nil {
			return nil, err
		}
		lf, rawLock, err = lockfile.Read(registry.LockfilePath(buildDir))
	}
	switch {
	case lockfile.IsMissing(err):
		return nil, refusal.New(refusal.BootLockfileMissing, "lockfile not found", "compile the bundle or pass the dist directory",
			"path", registry.LockfilePath(buildDir))
	case err != nil:
		return nil, refusal.New(refusal.BootLockfileHashInvalid, err.Error(), "rebuild the lockfile")
	}
	if errs := lockfile.Validate(rawLock); len(errs) > 0 {
		first := errs.Sorted()[0]
		return nil, refusal.New(refusal.BootLockfileHashInvalid, first.Code+": "+first.Message, "rebuild the lockfile", "path", first.Path)
	}
	s.Lockfile = lf
	if lf.BundleID != bundleID || spec.BundleID != bundleID {
		return nil, refusal.New(refusal.BootLockfileBundleMismatch, "lockfile was built for "+lf.BundleID,
			"boot against the lockfile of the requested bundle", "bundle_id", bundleID, "lockfile_bundle_id", lf.BundleID)
	}
	if spec.PackLockHash != lf.PackLockHash {
		return nil, refusal.New(refusal.LockfileMismatch, "session spec pins a different pack_lock_hash",
			"recreate the save against this build", "save_id", spec.SaveID, "pack_lock_hash", lf.PackLockHash)
	}

	payloads, err := verifyRegistries(registry.RegistriesDir(buildDir), lf)
	if err != nil {
		return nil, err
	}
	if report != nil {
		for _, key := range sortedKeys(lf.Registries) {
			if report.Manifest.RegistryHashes[key] != lf.Registries[key] {
				return nil, refusal.New(refusal.RegistryMismatch, "dist manifest and lockfile disagree on "+key,
					"rebuild the dist", "registry", key)
			}
		}
	}
	if s.Registries, err = registry.NewSet(payloads); err != nil {
		return nil, err
	}

	if err := s.loadTruth(); err != nil {
		return nil, err
	}
	if s.Identity.CompatibilityVersion != lf.CompatibilityVersion {
		return nil, refusal.New(refusal.PackIncompatible, "universe compatibility_version "+s.Identity.CompatibilityVersion+" does not match the lockfile",
			"create a new save for this build", "compatibility_version", lf.CompatibilityVersion)
	}
	if o := spec.AuthorityContext.AuthorityOrigin; o != model.OriginClient {
		return nil, refusal.New(refusal.BootAuthorityOriginInvalid, "headless runs require authority_origin client",
			"set authority_context.authority_origin to client", "authority_origin", o)
	}

	if err := s.selectPolicies(opts.LensID); err != nil {
		return nil, err
	}
	if s.Perceived, s.Render, s.RenderHash, err = s.Observe(s.State); err != nil {
		return nil, err
	}
	meta := s.newMeta(s.State.Tick, s.State.Tick, s.Perceived.Hash, s.RenderHash, nil)
	if s.MetaPath, err = s.writeMeta(meta); err != nil {
		return nil, err
	}
	s.Meta = meta
	logger.Info("session booted", "save_id", spec.SaveID, "run_id", meta.RunID, "lens", s.Lens.LensID, "tick", s.State.Tick)
	return s, nil
}

// verifyRegistries reads every registry the lockfile pins and checks its
// self-hash against the lockfile.
func verifyRegistries(dir string, lf *lockfile.Lockfile) (map[string]map[string]any, error) {
	payloads := make(map[string]map[string]any, len(registry.Specs))
	for _, spec := range registry.Specs {
		want, ok := lf.Registries[spec.LockKey]
		if !ok {
			return nil, refusal.New(refusal.BootRegistryHashMismatch, "lockfile does not pin "+spec.LockKey,
				"rebuild the lockfile", "registry", spec.LockKey)
		}
		p, err := registry.ReadFile(filepath.Join(dir, spec.File))
		if err != nil {
			return nil, refusal.New(refusal.BootRegistryHashMismatch, "registry unreadable: "+err.Error(),
				"recompile the bundle", "registry", spec.File)
		}
		h, err := registry.SelfHash(p)
		if err != nil {
			return nil, err
		}
		if h != want || p["registry_hash"] != want {
			return nil, refusal.New(refusal.BootRegistryHashMismatch,
				fmt.Sprintf("registry hash %s, lockfile pins %s", h, want),
				"recompile the bundle", "registry", spec.File)
		}
		payloads[spec.Name] = p
	}
	return payloads, nil
}

func (s *Session) loadTruth() error {
	idPath := filepath.Join(s.SaveDir, s.Spec.UniverseIdentityFile)
	rawID, err := canon.ReadFile(idPath)
	if err != nil {
		return refusal.New(refusal.BootSaveMissing, "universe identity unreadable: "+err.Error(), "recreate the save", "path", idPath)
	}
	if errs := s.validator.Validate(identitySchema, rawID, true); len(errs) > 0 {
		return refusal.New(refusal.BootIdentityMutation, "universe identity fails its schema: "+errs.Sorted()[0].Message,
			"restore the original universe_identity.json", "path", idPath)
	}
	s.Identity = &model.UniverseIdentity{}
	if err := canon.Convert(rawID, s.Identity); err != nil {
		return refusal.New(refusal.BootIdentityMutation, err.Error(), "restore the original universe_identity.json", "path", idPath)
	}
	h, err := s.Identity.ComputeHash()
	if err != nil {
		return err
	}
	if h != s.Identity.IdentityHash {
		return refusal.New(refusal.BootIdentityMutation, "identity_hash does not match the identity body",
			"restore the original universe_identity.json", "universe_id", s.Identity.UniverseID)
	}

	statePath := filepath.Join(s.SaveDir, s.Spec.UniverseStateFile)
	rawState, err := canon.ReadFile(statePath)
	if err != nil {
		return refusal.New(refusal.BootSaveMissing, "universe state unreadable: "+err.Error(), "recreate the save", "path", statePath)
	}
	if errs := s.validator.Validate(stateSchema, rawState, true); len(errs) > 0 {
		first := errs.Sorted()[0]
		return refusal.New(refusal.BootSessionSpecInvalid, "universe state fails its schema: "+first.Message,
			"restore universe_state.json", "path", first.Path)
	}
	s.State = &model.UniverseState{}
	if err := canon.Convert(rawState, s.State); err != nil {
		return refusal.New(refusal.BootSessionSpecInvalid, err.Error(), "restore universe_state.json", "path", statePath)
	}
	s.State.Fill()
	return nil
}

func (s *Session) selectPolicies(lensOverride string) error {
	regs := s.Registries
	auth := &s.Spec.AuthorityContext
	if s.Law = regs.Laws[auth.LawProfileID]; s.Law == nil {
		return refusal.New(refusal.LawProfileNotFound, "law profile not in the law registry",
			"pick a law profile the bundle contributes", "law_profile_id", auth.LawProfileID)
	}
	if s.Experience = regs.Experiences[s.Spec.ExperienceID]; s.Experience == nil {
		return refusal.New(refusal.ExperienceNotFound, "experience not in the experience registry",
			"pick an experience the bundle contributes", "experience_id", s.Spec.ExperienceID)
	}

	lensID := lensOverride
	if lensID == "" {
		lensID = s.Experience.PresentationDefaults.DefaultLensID
		if regs.Lenses[lensID] == nil || !s.Law.AllowsLens(lensID) {
			lensID = ""
			allowed := append([]string(nil), s.Law.AllowedLenses...)
			sort.Strings(allowed)
			for _, id := range allowed {
				if regs.Lenses[id] != nil {
					lensID = id
					break
				}
			}
		}
	}
	if s.Lens = regs.Lenses[lensID]; s.Lens == nil {
		return refusal.New(refusal.LensNotFound, "no usable lens for this session",
			"register the experience's default lens or allow one in the law profile", "lens_id", lensID)
	}

	pol := s.Spec.SelectedPolicies
	if s.Budget = regs.Budget[pol.BudgetPolicyID]; s.Budget == nil {
		return refusal.New(refusal.BudgetPolicyNotFound, "budget policy not in the budget policy registry",
			"pick a budget policy the bundle contributes", "budget_policy_id", pol.BudgetPolicyID)
	}
	if s.Fidelity = regs.Fidelity[pol.FidelityPolicyID]; s.Fidelity == nil {
		return refusal.New(refusal.FidelityPolicyNotFound, "fidelity policy not in the fidelity policy registry",
			"pick a fidelity policy the bundle contributes", "fidelity_policy_id", pol.FidelityPolicyID)
	}
	if s.Activation = regs.Activation[s.Budget.ActivationPolicyID]; s.Activation == nil {
		return refusal.New(refusal.ActivationPolicyNotFound, "budget policy references a missing activation policy",
			"pick an activation policy the bundle contributes", "activation_policy_id", s.Budget.ActivationPolicyID)
	}
	return nil
}

// Truth is the truth model of st under this session's identity and registries.
func (s *Session) Truth(st *model.UniverseState) *observe.TruthModel {
	return &observe.TruthModel{Identity: s.Identity, State: st, RegistryHashes: s.Lockfile.Registries, Registries: s.Registries}
}

// Env is the process environment of this session.
func (s *Session) Env() *process.Env {
	return &process.Env{
		Registries: s.Registries,
		Law:        s.Law,
		Authority:  &s.Spec.AuthorityContext,
		Activation: s.Activation,
		Budget:     s.Budget,
		Fidelity:   s.Fidelity,
	}
}

// Observe projects st through the selected lens and renders it.
func (s *Session) Observe(st *model.UniverseState) (*observe.Result, *observe.RenderModel, string, error) {
	res, err := observe.Observe(observe.Input{
		Truth:          s.Truth(st),
		Lens:           s.Lens,
		Law:            s.Law,
		Authority:      &s.Spec.AuthorityContext,
		ViewpointID:    model.MainCamera,
		ProcessLogTail: s.tail,
	})
	if err != nil {
		return nil, nil, "", err
	}
	rm, rh, err := observe.Render(res.Perceived)
	if err != nil {
		return nil, nil, "", err
	}
	return res, rm, rh, nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
