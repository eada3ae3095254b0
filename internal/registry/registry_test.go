package registry_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"labkit.ai/internal/cache"
	"labkit.ai/internal/canon"
	"labkit.ai/internal/labtest"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/registry"
)

func compile(t *testing.T, repo *labtest.Repo, outDir string, store *cache.Store) *registry.Result {
	t.Helper()
	res, err := registry.Compile(context.Background(), registry.Options{
		Root:     repo.Root,
		BundleID: labtest.BundleID,
		OutDir:   outDir,
		Cache:    store,
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return res
}

func readOutputs(t *testing.T, outDir string) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	for _, spec := range registry.Specs {
		b, err := os.ReadFile(filepath.Join(registry.RegistriesDir(outDir), spec.File))
		if err != nil {
			t.Fatalf("read %s: %v", spec.File, err)
		}
		out[spec.File] = b
	}
	b, err := os.ReadFile(registry.LockfilePath(outDir))
	if err != nil {
		t.Fatalf("read lockfile: %v", err)
	}
	out["lockfile.json"] = b
	return out
}

func TestCompile_CacheHitRestoresIdenticalFiles(t *testing.T) {
	repo := labtest.NewRepo(t)
	store := cache.New(repo.Path(".cache"), nil)
	out := repo.Path("build")

	first := compile(t, repo, out, store)
	if first.CacheHit {
		t.Fatalf("first compile should miss")
	}
	before := readOutputs(t, out)
	if err := os.RemoveAll(out); err != nil {
		t.Fatalf("remove: %v", err)
	}

	second := compile(t, repo, out, store)
	if !second.CacheHit || second.CacheKey != first.CacheKey {
		t.Fatalf("second compile: hit=%v key %s vs %s", second.CacheHit, second.CacheKey, first.CacheKey)
	}
	after := readOutputs(t, out)
	if len(after) != 11 {
		t.Fatalf("expected ten registries and a lockfile, got %d", len(after))
	}
	for name, b := range before {
		if !bytes.Equal(b, after[name]) {
			t.Fatalf("%s differs after cache restore", name)
		}
	}
	if second.PackLockHash != first.PackLockHash || !reflect.DeepEqual(second.RegistryHashes, first.RegistryHashes) {
		t.Fatalf("hashes differ between fresh compile and cache hit")
	}
}

func TestCompile_DeterministicWithoutCache(t *testing.T) {
	repo := labtest.NewRepo(t)
	a := repo.Path("build-a")
	b := repo.Path("build-b")
	compile(t, repo, a, nil)
	compile(t, repo, b, nil)
	oa, ob := readOutputs(t, a), readOutputs(t, b)
	for name := range oa {
		if !bytes.Equal(oa[name], ob[name]) {
			t.Fatalf("%s differs across compiles", name)
		}
	}
}

func TestCompile_RegistryHashesAreSelfConsistent(t *testing.T) {
	repo := labtest.NewRepo(t)
	res := compile(t, repo, repo.Path("build"), nil)
	payloads, err := registry.ReadDir(res.RegistriesDir)
	if err != nil {
		t.Fatalf("read registries: %v", err)
	}
	for _, spec := range registry.Specs {
		p := payloads[spec.Name]
		h, err := registry.SelfHash(p)
		if err != nil {
			t.Fatalf("self hash: %v", err)
		}
		if h != p["registry_hash"] || h != res.RegistryHashes[spec.LockKey] {
			t.Fatalf("%s: self hash %s, file %v, lockfile %s", spec.Name, h, p["registry_hash"], res.RegistryHashes[spec.LockKey])
		}
	}
}

func TestCompile_PayloadChangePropagates(t *testing.T) {
	repo := labtest.NewRepo(t)
	base := compile(t, repo, repo.Path("build"), nil)

	repo.EditJSON("packs/law/"+labtest.LawPack+"/laws/default.json", func(m map[string]any) { m["title"] = "Edited" })
	edited := compile(t, repo, repo.Path("build"), nil)

	if edited.PackLockHash == base.PackLockHash {
		t.Fatalf("pack_lock_hash unchanged after payload edit")
	}
	if edited.RegistryHashes["law_registry_hash"] == base.RegistryHashes["law_registry_hash"] {
		t.Fatalf("law registry hash unchanged after payload edit")
	}
	if edited.CacheKey == base.CacheKey {
		t.Fatalf("cache key unchanged after payload edit")
	}
}

func TestCompile_TamperedCacheFallsBackToFreshCompile(t *testing.T) {
	repo := labtest.NewRepo(t)
	store := cache.New(repo.Path(".cache"), nil)
	first := compile(t, repo, repo.Path("build"), store)

	cached := filepath.Join(store.Dir, first.CacheKey, cache.OutputsDir, "registries", "law.registry.json")
	if err := os.WriteFile(cached, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_, err := store.Restore(first.CacheKey, t.TempDir(), filepath.Join(t.TempDir(), "lockfile.json"))
	if list, ok := refusal.AsErrors(err); !ok || !list.Has(refusal.CacheOutputHashMismatch) {
		t.Fatalf("expected hash mismatch refusal, got %v", err)
	}

	second := compile(t, repo, repo.Path("build"), store)
	if second.CacheHit {
		t.Fatalf("tampered entry should not count as a hit")
	}
	if second.PackLockHash != first.PackLockHash {
		t.Fatalf("fresh compile disagrees with the original")
	}
}

func TestCompile_InvalidCachedLockfileFallsBackToFreshCompile(t *testing.T) {
	repo := labtest.NewRepo(t)
	store := cache.New(repo.Path(".cache"), nil)
	first := compile(t, repo, repo.Path("build"), store)

	// Rewrite the cached lockfile with a wrong pack_lock_hash and re-record
	// its sha256 so the entry still restores cleanly.
	entry := filepath.Join(store.Dir, first.CacheKey)
	lockPath := filepath.Join(entry, cache.OutputsDir, "lockfile.json")
	raw, err := canon.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("read cached lockfile: %v", err)
	}
	raw.(map[string]any)["pack_lock_hash"] = strings.Repeat("0", 64)
	b, err := canon.MarshalIndent(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := canon.WriteBytes(lockPath, b); err != nil {
		t.Fatalf("write: %v", err)
	}
	var m cache.Manifest
	if err := canon.ReadStrict(filepath.Join(entry, cache.ManifestFile), &m); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	m.Lockfile.SHA256 = canon.SHA256Hex(b)
	if err := canon.WriteFile(filepath.Join(entry, cache.ManifestFile), m); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}
	if _, err := store.Restore(first.CacheKey, t.TempDir(), filepath.Join(t.TempDir(), "lockfile.json")); err != nil {
		t.Fatalf("entry should still restore: %v", err)
	}

	second := compile(t, repo, repo.Path("build"), store)
	if second.CacheHit || second.PackLockHash != first.PackLockHash {
		t.Fatalf("second compile: hit=%v pack_lock_hash=%s", second.CacheHit, second.PackLockHash)
	}
	third := compile(t, repo, repo.Path("build"), store)
	if !third.CacheHit || third.PackLockHash != first.PackLockHash {
		t.Fatalf("repaired entry: hit=%v pack_lock_hash=%s", third.CacheHit, third.PackLockHash)
	}
}

func TestCompile_SearchIndexes(t *testing.T) {
	repo := labtest.NewRepo(t)
	res := compile(t, repo, repo.Path("build"), nil)
	payloads, err := registry.ReadDir(res.RegistriesDir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	set, err := registry.NewSet(payloads)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	cases := []struct {
		index map[string][]string
		query string
		want  []string
	}{
		{set.AstronomyIndex, "HELIOS", []string{labtest.Sun}},
		{set.AstronomyIndex, "terra", []string{labtest.Earth}},
		{set.AstronomyIndex, "Sol   III", []string{labtest.Earth}},
		{set.SiteIndex, "greenwich", []string{labtest.Greenwich, labtest.Pad}},
		{set.SiteIndex, "royal observatory", []string{labtest.Greenwich}},
	}
	for _, tc := range cases {
		if got := registry.Search(tc.index, tc.query); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("search %q: got %v want %v", tc.query, got, tc.want)
		}
	}
	if _, ok := set.Laws[labtest.DefaultLaw]; !ok {
		t.Fatalf("law registry missing %s", labtest.DefaultLaw)
	}
	if p := set.Budget[labtest.BudgetPolicy]; p == nil || p.ActivationPolicyID != labtest.ActivationPolicy {
		t.Fatalf("budget policy: %+v", p)
	}
	if len(set.UIWindows) != 3 || set.UIWindows[0].WindowID != "ui.lab.debug_overlay" {
		t.Fatalf("ui windows not sorted: %+v", set.UIWindows)
	}
	if e, ok := set.Entry(labtest.Earth); !ok || e.Radius() != 6371000000 || e.Mass() != 1000 {
		t.Fatalf("earth entry: %+v", e)
	}
}

func TestCompile_UISelectorRefusals(t *testing.T) {
	cases := []struct {
		selector string
		code     string
	}{
		{"truth_model.universe_state.tick", refusal.RegistryTruthSelectorForbidden},
		{"truth_model", refusal.RegistryTruthSelectorForbidden},
		{"perceived..time", refusal.RegistryInvalidUISelector},
		{"perceived.items[-1]", refusal.RegistryInvalidUISelector},
	}
	for _, tc := range cases {
		t.Run(tc.selector, func(t *testing.T) {
			repo := labtest.NewRepo(t)
			repo.EditJSON("packs/experience/"+labtest.ExperiencePack+"/ui/windows.json", func(m map[string]any) {
				w := m["windows"].([]any)[0].(map[string]any)
				wd := w["widgets"].([]any)[0].(map[string]any)
				wd["data_bindings"].([]any)[0].(map[string]any)["selector"] = tc.selector
			})
			_, err := registry.Compile(context.Background(), registry.Options{Root: repo.Root, BundleID: labtest.BundleID})
			if list, ok := refusal.AsErrors(err); !ok || !list.Has(tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if repo.Exists("build/lockfile.json") {
				t.Fatalf("refused compile must not write a lockfile")
			}
		})
	}
}

func TestCompile_TemplateSelectorForbidden(t *testing.T) {
	repo := labtest.NewRepo(t)
	repo.EditJSON("packs/experience/"+labtest.ExperiencePack+"/ui/windows.json", func(m map[string]any) {
		w := m["windows"].([]any)[0].(map[string]any)
		wd := w["widgets"].([]any)[1].(map[string]any)
		wd["action_binding"].(map[string]any)["payload_template"] = map[string]any{"target_object_id": "${truth_model.secret}"}
	})
	_, err := registry.Compile(context.Background(), registry.Options{Root: repo.Root, BundleID: labtest.BundleID})
	if refusal.Code(err) != refusal.RegistryTruthSelectorForbidden {
		t.Fatalf("expected truth selector refusal, got %v", err)
	}
}

func TestCompile_SchemaAndReferenceRefusals(t *testing.T) {
	cases := []struct {
		name string
		file string
		edit func(m map[string]any)
		code string
	}{
		{
			"lens type",
			"packs/experience/" + labtest.ExperiencePack + "/lenses/diegetic.json",
			func(m map[string]any) { m["lens_type"] = "holographic" },
			refusal.RegistryInvalid(registry.Lens),
		},
		{
			"law id",
			"packs/law/" + labtest.LawPack + "/laws/default.json",
			func(m map[string]any) { m["law_profile_id"] = "law.lab.renamed" },
			refusal.RegistryIDMismatch,
		},
		{
			"budget reference",
			"packs/core/" + labtest.CorePack + "/policies/budget.json",
			func(m map[string]any) {
				m["policy"].(map[string]any)["activation_policy_id"] = "policy.activation.absent"
			},
			refusal.RegistryDanglingReference,
		},
		{
			"astronomy entry",
			"packs/core/" + labtest.CorePack + "/registry/astronomy.json",
			func(m map[string]any) {
				m["entries"].([]any)[0].(map[string]any)["physical_params"] = map[string]any{"radius_mm": 1.5}
			},
			refusal.RegistryInvalid(registry.Astronomy),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := labtest.NewRepo(t)
			repo.EditJSON(tc.file, tc.edit)
			_, err := registry.Compile(context.Background(), registry.Options{Root: repo.Root, BundleID: labtest.BundleID})
			if list, ok := refusal.AsErrors(err); !ok || !list.Has(tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestNormalizeSearchKey(t *testing.T) {
	cases := map[string]string{
		"  Hello   World ": "hello world",
		"Hélios":           "helios",
		"ＦＵＬＬ":             "full",
		"北京 Beijing":       "beijing",
		"":                 "",
	}
	for in, want := range cases {
		if got := registry.NormalizeSearchKey(in); got != want {
			t.Fatalf("NormalizeSearchKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCameraAssembly(t *testing.T) {
	repo := labtest.NewRepo(t)
	res, err := registry.Prepare(context.Background(), repo.Root, labtest.BundleID, nil, nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	cam := registry.CameraAssembly(res.Contributions)
	if cam == nil || cam.AssemblyID != "camera.main" || cam.LensID != labtest.DiegeticLens {
		t.Fatalf("camera: %+v", cam)
	}
}
