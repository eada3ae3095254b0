// Package labtest writes a small but complete lab repository into a temp dir
// so package tests can drive the real pipeline end to end.
package labtest

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"labkit.ai/internal/canon"
	"labkit.ai/schemas"
)

// Identifiers used by the fixture repository.
const (
	BundleID        = "bundle.lab.base"
	MinimalBundleID = "bundle.lab.minimal"

	CorePack       = "pack.lab.core"
	AstroPack      = "pack.lab.astro"
	ExperiencePack = "pack.lab.experience"
	LawPack        = "pack.lab.law"

	DefaultLaw     = "law.lab.default"
	RestrictiveLaw = "law.lab.restrictive"
	Experience     = "experience.lab.default"
	DiegeticLens   = "lens.lab.diegetic"
	OverlayLens    = "lens.lab.nondiegetic"

	ActivationPolicy = "policy.activation.lab"
	BudgetPolicy     = "policy.budget.lab"
	FidelityPolicy   = "policy.fidelity.lab"

	Sun       = "object.sun"
	Earth     = "object.earth"
	Greenwich = "site.lab.greenwich"
	Pad       = "site.lab.pad"

	Scenario = "scenario.lab.default"
)

// Repo is a fixture repository rooted at Root.
type Repo struct {
	T    testing.TB
	Root string
}

// NewRepo writes the fixture repository into a fresh temp dir.
func NewRepo(t testing.TB) *Repo {
	t.Helper()
	r := &Repo{T: t, Root: t.TempDir()}
	r.writeSchemas()
	r.writeCore()
	r.writeAstro()
	r.writeExperience()
	r.writeLaw()
	r.WriteJSON("bundles/"+BundleID+"/bundle.json", obj{
		"schema_version":    "1.0.0",
		"bundle_id":         BundleID,
		"description":       "Lab base bundle",
		"pack_ids":          list(CorePack, ExperiencePack, LawPack),
		"optional_pack_ids": list(AstroPack, "pack.lab.not_installed"),
	})
	r.WriteJSON("bundles/"+MinimalBundleID+"/bundle.json", obj{
		"schema_version": "1.0.0",
		"bundle_id":      MinimalBundleID,
		"description":    "Core and one domain pack",
		"pack_ids":       list(CorePack, AstroPack),
	})
	for _, p := range []string{"core/" + CorePack, "domain/" + AstroPack, "experience/" + ExperiencePack, "law/" + LawPack} {
		r.Rehash("packs/" + p)
	}
	return r
}

type obj = map[string]any

func list(items ...any) []any { return items }

// Path joins rel onto the repository root.
func (r *Repo) Path(rel string) string {
	return filepath.Join(r.Root, filepath.FromSlash(rel))
}

// WriteJSON writes v in canonical file form at rel.
func (r *Repo) WriteJSON(rel string, v any) {
	r.T.Helper()
	if err := canon.WriteFile(r.Path(rel), v); err != nil {
		r.T.Fatalf("write %s: %v", rel, err)
	}
}

// WriteRaw writes b verbatim at rel.
func (r *Repo) WriteRaw(rel string, b []byte) {
	r.T.Helper()
	if err := canon.WriteBytes(r.Path(rel), b); err != nil {
		r.T.Fatalf("write %s: %v", rel, err)
	}
}

// ReadJSON parses the document at rel.
func (r *Repo) ReadJSON(rel string) map[string]any {
	r.T.Helper()
	v, err := canon.ReadFile(r.Path(rel))
	if err != nil {
		r.T.Fatalf("read %s: %v", rel, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		r.T.Fatalf("%s is not an object", rel)
	}
	return m
}

// EditJSON rewrites the object at rel through fn.
func (r *Repo) EditJSON(rel string, fn func(m map[string]any)) {
	r.T.Helper()
	m := r.ReadJSON(rel)
	fn(m)
	r.WriteJSON(rel, m)
}

// Rehash recomputes the canonical_hash declared by the manifest in packDir.
func (r *Repo) Rehash(packDir string) {
	r.T.Helper()
	h, err := contentHash(r.Path(packDir))
	if err != nil {
		r.T.Fatalf("hash %s: %v", packDir, err)
	}
	r.EditJSON(packDir+"/pack.json", func(m map[string]any) { m["canonical_hash"] = h })
}

func contentHash(dir string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel != "pack.json" {
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)
	leaves := make([]string, 0, len(files))
	for _, f := range files {
		sum, err := canon.FileSHA256(filepath.Join(dir, filepath.FromSlash(f)))
		if err != nil {
			return "", err
		}
		leaf, err := canon.Hash(obj{"path": f, "sha256": sum})
		if err != nil {
			return "", err
		}
		leaves = append(leaves, leaf)
	}
	return canon.MerkleRoot(leaves)
}

func (r *Repo) writeSchemas() {
	r.T.Helper()
	err := fs.WalkDir(schemas.FS, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := fs.ReadFile(schemas.FS, p)
		if err != nil {
			return err
		}
		return canon.WriteBytes(r.Path("schemas/"+p), b)
	})
	if err != nil {
		r.T.Fatalf("write schemas: %v", err)
	}
}

func manifest(id, category string, deps []any, contributions ...any) obj {
	return obj{
		"schema_version":   "1.0.0",
		"pack_id":          id,
		"version":          "1.0.0",
		"category":         category,
		"title":            id,
		"dependencies":     deps,
		"signature_status": "official",
		"canonical_hash":   zeroHash,
		"contributions":    contributions,
	}
}

const zeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

func contrib(typ, id, path string) obj {
	return obj{"type": typ, "id": id, "path": path}
}

func (r *Repo) writeCore() {
	base := "packs/core/" + CorePack + "/"
	r.WriteJSON(base+"pack.json", manifest(CorePack, "core", list(),
		contrib("domain", "domain.lab.space", "domains/space.json"),
		contrib("registry_entries", "registry.astronomy.lab.solar", "registry/astronomy.json"),
		contrib("registry_entries", "registry.frames.lab", "registry/frames.json"),
		contrib("registry_entries", "registry.sites.lab", "registry/sites.json"),
		contrib("registry_entries", "registry.camera.assembly.main", "registry/camera.json"),
		contrib("registry_entries", ActivationPolicy, "policies/activation.json"),
		contrib("registry_entries", BudgetPolicy, "policies/budget.json"),
		contrib("registry_entries", FidelityPolicy, "policies/fidelity.json"),
		contrib("assets", "asset.lab.readme", "assets/readme.json"),
	))
	r.WriteJSON(base+"domains/space.json", obj{
		"schema_version": "1.0.0", "domain_id": "domain.lab.space", "title": "Space", "tags": list("astronomy", "lab"),
	})
	r.WriteJSON(base+"registry/astronomy.json", obj{
		"schema_version": "1.0.0",
		"entry_type":     "astronomy_catalog_collection",
		"entries": list(
			obj{
				"schema_version": "1.0.0", "object_id": Sun, "kind": "star", "parent_id": nil,
				"frame_id": "frame.heliocentric", "search_keys": list("Sun", "Sol", "Hélios"),
				"physical_params": obj{"radius_mm": 696340000000, "mass_stub": 333000},
				"bounds":          obj{"sphere_radius_mm": 696340000000},
			},
			obj{
				"schema_version": "1.0.0", "object_id": Earth, "kind": "planet", "parent_id": Sun,
				"frame_id": "frame.earth_fixed", "search_keys": list("Earth", "  Terra  ", "sol iii"),
				"physical_params": obj{"radius_mm": 6371000000, "mass_stub": 1000},
				"bounds":          obj{"sphere_radius_mm": 6371000000},
			},
		),
	})
	r.WriteJSON(base+"registry/frames.json", obj{
		"schema_version": "1.0.0",
		"entry_type":     "reference_frame_collection",
		"entries": list(
			obj{"schema_version": "1.0.0", "frame_id": "frame.heliocentric", "kind": "inertial", "parent_frame_id": nil},
			obj{"schema_version": "1.0.0", "frame_id": "frame.earth_fixed", "kind": "body_fixed", "parent_frame_id": "frame.heliocentric", "anchor_object_id": Earth},
		),
	})
	r.WriteJSON(base+"registry/sites.json", obj{
		"schema_version": "1.0.0",
		"entry_type":     "site_collection",
		"entries": list(
			obj{
				"schema_version": "1.0.0", "site_id": Greenwich, "object_id": Earth, "frame_id": "frame.earth_fixed",
				"search_keys": list("Greenwich", "Royal Observatory"),
				"position":    obj{"kind": "lat_lon_alt", "lat_udeg": 51477800, "lon_udeg": 0, "alt_mm": 0},
			},
			obj{
				"schema_version": "1.0.0", "site_id": Pad, "object_id": Earth, "frame_id": "frame.earth_fixed",
				"search_keys": list("Launch Pad", "greenwich"),
				"position":    obj{"kind": "local_xyz_mm", "x": 1000, "y": -2000, "z": 6371000000},
			},
		),
	})
	r.WriteJSON(base+"registry/camera.json", obj{
		"schema_version": "1.0.0",
		"entry_type":     "camera_assembly",
		"assembly": obj{
			"schema_version": "1.0.0", "assembly_id": "camera.main", "frame_id": "frame.heliocentric",
			"position_mm":      obj{"x": 0, "y": 0, "z": 0},
			"orientation_mdeg": obj{"yaw": 0, "pitch": 0, "roll": 0},
			"lens_id":          DiegeticLens,
		},
	})
	r.WriteJSON(base+"policies/activation.json", obj{
		"schema_version": "1.0.0",
		"entry_type":     "activation_policy",
		"policy": obj{
			"schema_version":             "1.0.0",
			"policy_id":                  ActivationPolicy,
			"interest_radius_mm_by_kind": obj{"planet": 100000000000, "star": 100000000000},
			"default_interest_radius_mm": 50000000000,
			"hysteresis":                 obj{"enter_margin_mm": 1000, "exit_margin_mm": 1000},
			"priority_by_kind":           obj{"planet": 1, "star": 2},
			"default_priority":           5,
			"anchor_spacing_mm":          1000000,
			"checkpoint_interval_ticks":  2,
		},
	})
	r.WriteJSON(base+"policies/budget.json", obj{
		"schema_version": "1.0.0",
		"entry_type":     "budget_policy",
		"policy": obj{
			"schema_version":             "1.0.0",
			"policy_id":                  BudgetPolicy,
			"activation_policy_id":       ActivationPolicy,
			"max_regions_micro":          4,
			"max_entities_micro":         1000,
			"max_compute_units_per_tick": 10000,
			"fallback_behavior":          "degrade_fidelity",
			"tier_compute_weights":       obj{"coarse": 1, "medium": 4, "fine": 16},
			"entity_compute_weight":      1,
		},
	})
	r.WriteJSON(base+"policies/fidelity.json", obj{
		"schema_version": "1.0.0",
		"entry_type":     "fidelity_policy",
		"policy": obj{
			"schema_version": "1.0.0",
			"policy_id":      FidelityPolicy,
			"tiers": list(
				obj{"tier_id": "fine", "max_distance_mm": 2000000000, "micro_entities_target": 64},
				obj{"tier_id": "medium", "max_distance_mm": 20000000000, "micro_entities_target": 16},
				obj{"tier_id": "coarse", "max_distance_mm": 200000000000, "micro_entities_target": 4},
			),
			"minimum_tier_by_kind": obj{"star": "medium"},
			"switching_rules": obj{
				"upgrade_hysteresis_mm": 1000,
				"degrade_hysteresis_mm": 1000,
				"degrade_order":         list("fine", "medium", "coarse"),
			},
		},
	})
	r.WriteJSON(base+"assets/readme.json", obj{"title": "Lab core assets"})
}

func (r *Repo) writeAstro() {
	base := "packs/domain/" + AstroPack + "/"
	r.WriteJSON(base+"pack.json", manifest(AstroPack, "domain", list(CorePack+"@1.0.0"),
		contrib("domain", "domain.lab.astronomy", "domains/astronomy.json"),
	))
	r.WriteJSON(base+"domains/astronomy.json", obj{
		"schema_version": "1.0.0", "domain_id": "domain.lab.astronomy", "title": "Astronomy", "tags": list("lab"),
	})
}

func (r *Repo) writeExperience() {
	base := "packs/experience/" + ExperiencePack + "/"
	r.WriteJSON(base+"pack.json", manifest(ExperiencePack, "experience", list(CorePack+"@1.0.0"),
		contrib("experience_profile", Experience, "experience/default.json"),
		contrib("lens", DiegeticLens, "lenses/diegetic.json"),
		contrib("lens", OverlayLens, "lenses/nondiegetic.json"),
		contrib("ui_windows", "ui.lab.windows", "ui/windows.json"),
		contrib("scenario_spec", Scenario, "scenarios/default.json"),
	))
	r.WriteJSON(base+"experience/default.json", obj{
		"schema_version":              "1.0.0",
		"experience_id":               Experience,
		"title":                       "Lab observer",
		"presentation_defaults":       obj{"default_lens_id": DiegeticLens, "hud_layout_id": "hud.lab.default"},
		"allowed_lenses":              list(DiegeticLens, OverlayLens),
		"suggested_parameter_bundles": list(),
		"allowed_transitions":         list(),
		"default_law_profile_id":      DefaultLaw,
	})
	r.WriteJSON(base+"lenses/diegetic.json", obj{
		"schema_version": "1.0.0", "lens_id": DiegeticLens, "lens_type": "diegetic",
		"required_entitlements": list(),
		"epistemic_constraints": obj{"visibility_policy": "visible_only", "max_resolution_tier": 1},
	})
	r.WriteJSON(base+"lenses/nondiegetic.json", obj{
		"schema_version": "1.0.0", "lens_id": OverlayLens, "lens_type": "nondiegetic",
		"required_entitlements": list("entitlement.debug_view"),
		"epistemic_constraints": obj{"visibility_policy": "debug_overlay", "max_resolution_tier": 2},
	})
	r.WriteJSON(base+"scenarios/default.json", obj{"scenario_id": Scenario, "title": "Default lab scenario"})
	r.WriteJSON(base+"ui/windows.json", obj{
		"schema_version": "1.0.0",
		"windows": list(
			obj{
				"schema_version": "1.0.0", "window_id": "ui.lab.navigator", "title": "Navigator",
				"lens_id": DiegeticLens, "nondiegetic": false, "required_entitlements": list("entitlement.teleport"),
				"widgets": list(
					obj{
						"widget_id": "w.targets", "widget_type": "list",
						"data_bindings": list(obj{"target": "items", "selector": "perceived.navigation.hierarchy[*].object_id"}),
					},
					obj{
						"widget_id": "w.teleport", "widget_type": "button",
						"data_bindings": list(obj{"target": "label", "selector": "perceived.camera_viewpoint.assembly_id"}),
						"action_binding": obj{
							"process_id": "process.camera_teleport",
							"payload_template": obj{
								"target_object_id": "${selection.object_id}",
								"target_site_id":   "${selection.site_id}",
							},
						},
					},
				),
			},
			obj{
				"schema_version": "1.0.0", "window_id": "ui.lab.time", "title": "Time",
				"lens_id": DiegeticLens, "nondiegetic": false, "required_entitlements": list("entitlement.time_control"),
				"widgets": list(
					obj{
						"widget_id": "w.rate", "widget_type": "slider",
						"data_bindings": list(obj{"target": "value", "selector": "perceived.time.rate_permille"}),
						"action_binding": obj{
							"process_id":       "process.time_control_set_rate",
							"payload_template": obj{"rate_permille": "${widget.value}"},
						},
					},
				),
			},
			obj{
				"schema_version": "1.0.0", "window_id": "ui.lab.debug_overlay", "title": "Debug overlay",
				"lens_id": OverlayLens, "nondiegetic": true, "required_entitlements": list(),
				"widgets": list(
					obj{
						"widget_id": "w.tick", "widget_type": "label",
						"data_bindings": list(obj{"target": "text", "selector": "perceived.time.tick"}),
						"action_binding": obj{"process_id": "process.time_pause", "payload_template": obj{}},
					},
				),
			},
		),
	})
}

// AllProcesses is the full process vocabulary.
var AllProcesses = []string{
	"process.camera_move",
	"process.camera_teleport",
	"process.region_management_tick",
	"process.time_control_set_rate",
	"process.time_pause",
	"process.time_resume",
}

func (r *Repo) writeLaw() {
	base := "packs/law/" + LawPack + "/"
	r.WriteJSON(base+"pack.json", manifest(LawPack, "law", list(CorePack+"@1.0.0"),
		contrib("law_profile", DefaultLaw, "laws/default.json"),
		contrib("law_profile", RestrictiveLaw, "laws/restrictive.json"),
	))
	all := make([]any, 0, len(AllProcesses))
	restricted := make([]any, 0, len(AllProcesses))
	for _, p := range AllProcesses {
		all = append(all, p)
		if p != "process.camera_teleport" {
			restricted = append(restricted, p)
		}
	}
	r.WriteJSON(base+"laws/default.json", obj{
		"schema_version":                   "1.0.0",
		"law_profile_id":                   DefaultLaw,
		"title":                            "Lab default",
		"allowed_lenses":                   list(DiegeticLens, OverlayLens),
		"allowed_processes":                all,
		"forbidden_processes":              list(),
		"process_entitlement_requirements": obj{},
		"process_privilege_requirements":   obj{},
		"epistemic_limits":                 obj{"max_view_radius_km": 1000000, "allow_hidden_state_access": true},
		"debug_allowances":                 obj{"allow_nondiegetic_overlays": true},
	})
	r.WriteJSON(base+"laws/restrictive.json", obj{
		"schema_version":                   "1.0.0",
		"law_profile_id":                   RestrictiveLaw,
		"title":                            "Lab restrictive",
		"allowed_lenses":                   list(DiegeticLens),
		"allowed_processes":                restricted,
		"forbidden_processes":              list("process.camera_teleport"),
		"process_entitlement_requirements": obj{},
		"process_privilege_requirements":   obj{"process.time_control_set_rate": "operator"},
		"epistemic_limits":                 obj{"max_view_radius_km": 1000, "allow_hidden_state_access": false},
		"debug_allowances":                 obj{"allow_nondiegetic_overlays": false},
	})
}

// Entitlements is the full entitlement set the default session holds.
var Entitlements = []string{
	"entitlement.camera_control",
	"entitlement.debug_view",
	"entitlement.teleport",
	"entitlement.time_control",
	"lens.nondiegetic.access",
	"session.boot",
}

// Scenario5Script moves the camera, halves the time rate and teleports to Earth.
func Scenario5Script() map[string]any {
	return obj{
		"schema_version": "1.0.0",
		"script_id":      "script.lab.scenario5",
		"intents": list(
			obj{"intent_id": "intent.001", "process_id": "process.camera_move",
				"inputs": obj{"delta_local_mm": obj{"x": 10, "y": 0, "z": -5}, "dt_ticks": 2}},
			obj{"intent_id": "intent.002", "process_id": "process.time_control_set_rate",
				"inputs": obj{"rate_permille": 500}},
			obj{"intent_id": "intent.003", "process_id": "process.camera_teleport",
				"inputs": obj{"target_object_id": Earth}},
		),
	}
}

// RegionScript exercises region management around a teleport.
func RegionScript() map[string]any {
	return obj{
		"schema_version": "1.0.0",
		"script_id":      "script.lab.regions",
		"intents": list(
			obj{"intent_id": "intent.r1", "process_id": "process.region_management_tick", "inputs": obj{}},
			obj{"intent_id": "intent.r2", "process_id": "process.camera_teleport", "inputs": obj{"target_site_id": Greenwich}},
			obj{"intent_id": "intent.r3", "process_id": "process.region_management_tick", "inputs": obj{}},
			obj{"intent_id": "intent.r4", "process_id": "process.camera_move",
				"inputs": obj{"delta_local_mm": obj{"x": 0, "y": 0, "z": 90000000000}, "dt_ticks": 1}},
			obj{"intent_id": "intent.r5", "process_id": "process.region_management_tick", "inputs": obj{}},
		),
	}
}

// WriteScript writes script into dir and returns its path.
func WriteScript(t testing.TB, dir string, script map[string]any) string {
	t.Helper()
	id, _ := script["script_id"].(string)
	path := filepath.Join(dir, id+".json")
	if err := canon.WriteFile(path, script); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// Exists reports whether rel exists under the repository root.
func (r *Repo) Exists(rel string) bool {
	_, err := os.Stat(r.Path(rel))
	return err == nil
}
