package packs_test

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"labkit.ai/internal/labtest"
	"labkit.ai/internal/packs"
	"labkit.ai/internal/refusal"
)

func load(t *testing.T, root string) *packs.Inventory {
	t.Helper()
	inv, err := packs.Load(context.Background(), root, packs.LoadOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return inv
}

func testManifest(id, category string, deps []any, contributions ...any) map[string]any {
	return map[string]any{
		"schema_version":   "1.0.0",
		"pack_id":          id,
		"version":          "1.0.0",
		"category":         category,
		"dependencies":     deps,
		"signature_status": "unsigned",
		"canonical_hash":   strings.Repeat("0", 64),
		"contributions":    contributions,
	}
}

func packIDs(ps []*packs.Pack) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.PackID)
	}
	return out
}

func TestLoad_FixtureIsComplete(t *testing.T) {
	repo := labtest.NewRepo(t)
	inv := load(t, repo.Root)
	if !inv.Complete() {
		t.Fatalf("refusals: %v", inv.Refusals)
	}
	want := []string{labtest.AstroPack, labtest.CorePack, labtest.ExperiencePack, labtest.LawPack}
	if got := packIDs(inv.Packs); !reflect.DeepEqual(got, want) {
		t.Fatalf("packs: got %v want %v", got, want)
	}
	p, ok := inv.ByID(labtest.LawPack)
	if !ok || p.RelDir() != "packs/law/"+labtest.LawPack {
		t.Fatalf("ByID law: %v %v", p, ok)
	}
	if _, ok := inv.ByID("pack.lab.nope"); ok {
		t.Fatalf("ByID found a pack that does not exist")
	}
}

func TestLoad_DuplicatePackIDRefusesBothPaths(t *testing.T) {
	repo := labtest.NewRepo(t)
	repo.WriteJSON("packs/tool/"+labtest.CorePack+"/pack.json", testManifest(labtest.CorePack, "tool", []any{}))

	inv := load(t, repo.Root)
	if !inv.Refusals.Has(refusal.PackDuplicateID) {
		t.Fatalf("expected duplicate refusal, got %v", inv.Refusals)
	}
	var dup []refusal.Error
	for _, e := range inv.Refusals {
		if e.Code == refusal.PackDuplicateID {
			dup = append(dup, e)
		}
	}
	if len(dup) != 2 {
		t.Fatalf("expected both claimants refused, got %v", dup)
	}
	for _, e := range dup {
		if !strings.Contains(e.Message, "packs/core/"+labtest.CorePack) || !strings.Contains(e.Message, "packs/tool/"+labtest.CorePack) {
			t.Fatalf("message does not name both paths: %q", e.Message)
		}
	}
	if _, ok := inv.ByID(labtest.CorePack); ok {
		t.Fatalf("duplicated pack should be dropped")
	}
	if _, ok := inv.ByID(labtest.LawPack); !ok {
		t.Fatalf("unrelated pack should survive")
	}
}

func TestLoad_LocationCategoryAndIDChecks(t *testing.T) {
	cases := []struct {
		name string
		rel  string
		body map[string]any
		code string
	}{
		{"too deep", "packs/tool/x/pack.test.deep/pack.json", testManifest("pack.test.deep", "tool", []any{}), refusal.PackInvalidManifestLocation},
		{"bad category dir", "packs/extras/pack.test.cat/pack.json", testManifest("pack.test.cat", "tool", []any{}), refusal.PackInvalidCategory},
		{"id mismatch", "packs/tool/pack.test.dir/pack.json", testManifest("pack.test.other", "tool", []any{}), refusal.PackIDMismatch},
		{"bad dependency", "packs/tool/pack.test.dep/pack.json", testManifest("pack.test.dep", "tool", []any{"pack.lab.core@1.x"}), refusal.PackInvalidDependency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := labtest.NewRepo(t)
			repo.WriteJSON(tc.rel, tc.body)
			inv := load(t, repo.Root)
			if !inv.Refusals.Has(tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, inv.Refusals)
			}
			if len(inv.Packs) != 4 {
				t.Fatalf("fixture packs should still load, got %v", packIDs(inv.Packs))
			}
		})
	}
}

func TestLoad_ManifestParseAndSchemaFailures(t *testing.T) {
	repo := labtest.NewRepo(t)
	repo.WriteRaw("packs/tool/pack.test.broken/pack.json", []byte("{not json"))
	bad := testManifest("pack.test.schema", "tool", []any{})
	bad["surprise"] = true
	repo.WriteJSON("packs/tool/pack.test.schema/pack.json", bad)

	inv := load(t, repo.Root)
	if !inv.Refusals.Has(refusal.PackManifestParseFailed) || !inv.Refusals.Has(refusal.PackManifestInvalid) {
		t.Fatalf("unexpected refusals: %v", inv.Refusals)
	}
}

func TestLoad_ForbiddenExtensionIsCaseInsensitive(t *testing.T) {
	repo := labtest.NewRepo(t)
	repo.WriteRaw("packs/domain/"+labtest.AstroPack+"/tools/run.SH", []byte("echo hi\n"))
	inv := load(t, repo.Root)
	if !inv.Refusals.Has(refusal.PackExecutableForbidden) {
		t.Fatalf("expected executable refusal, got %v", inv.Refusals)
	}
	if _, ok := inv.ByID(labtest.AstroPack); ok {
		t.Fatalf("pack with executable content should be dropped")
	}
}

func TestLoad_RefusalsAreStable(t *testing.T) {
	repo := labtest.NewRepo(t)
	repo.WriteJSON("packs/tool/pack.test.one/pack.json", testManifest("pack.test.two", "tool", []any{}))
	repo.WriteJSON("packs/tool/pack.test.two/pack.json", testManifest("pack.test.two", "tool", []any{}))
	repo.WriteRaw("packs/tool/pack.test.two/x.dll", []byte{0})

	a := load(t, repo.Root)
	b := load(t, repo.Root)
	if len(a.Refusals) == 0 || !reflect.DeepEqual(a.Refusals, b.Refusals) {
		t.Fatalf("refusals differ across runs:\n%v\n%v", a.Refusals, b.Refusals)
	}
}

func TestResolve_DependenciesFirstLexicographic(t *testing.T) {
	repo := labtest.NewRepo(t)
	inv := load(t, repo.Root)

	order, errs := packs.Resolve(inv.Packs, []string{labtest.LawPack, labtest.ExperiencePack})
	if len(errs) > 0 {
		t.Fatalf("resolve: %v", errs)
	}
	want := []string{labtest.CorePack, labtest.ExperiencePack, labtest.LawPack}
	if got := packIDs(order); !reflect.DeepEqual(got, want) {
		t.Fatalf("order: got %v want %v", got, want)
	}

	all, errs := packs.Resolve(inv.Packs, nil)
	if len(errs) > 0 {
		t.Fatalf("resolve all: %v", errs)
	}
	want = []string{labtest.CorePack, labtest.AstroPack, labtest.ExperiencePack, labtest.LawPack}
	if got := packIDs(all); !reflect.DeepEqual(got, want) {
		t.Fatalf("order: got %v want %v", got, want)
	}
}

func TestResolve_CircularDependency(t *testing.T) {
	repo := labtest.NewRepo(t)
	repo.WriteJSON("packs/tool/pack.test.a/pack.json", testManifest("pack.test.a", "tool", []any{"pack.test.b@1.0.0"}))
	repo.WriteJSON("packs/tool/pack.test.b/pack.json", testManifest("pack.test.b", "tool", []any{"pack.test.a@1.0.0"}))
	inv := load(t, repo.Root)
	if !inv.Complete() {
		t.Fatalf("load should complete: %v", inv.Refusals)
	}

	_, errs := packs.Resolve(inv.Packs, []string{"pack.test.a"})
	if len(errs) != 1 || errs[0].Code != refusal.PackCircularDependency {
		t.Fatalf("expected circular dependency, got %v", errs)
	}
	if !strings.Contains(errs[0].Message, "[pack.test.a, pack.test.b]") {
		t.Fatalf("message should list sorted ids: %q", errs[0].Message)
	}
}

func TestResolve_MissingAndIncompatibleDependencies(t *testing.T) {
	repo := labtest.NewRepo(t)
	repo.WriteJSON("packs/tool/pack.test.needy/pack.json", testManifest("pack.test.needy", "tool", []any{"pack.test.absent"}))
	repo.WriteJSON("packs/tool/pack.test.picky/pack.json", testManifest("pack.test.picky", "tool", []any{labtest.CorePack + "@2.0.0"}))
	inv := load(t, repo.Root)

	_, errs := packs.Resolve(inv.Packs, []string{"pack.test.needy", "pack.test.picky", "pack.test.ghost"})
	for _, code := range []string{refusal.PackMissingDependency, refusal.PackVersionIncompatibility, refusal.PackNotFound} {
		if !errs.Has(code) {
			t.Fatalf("expected %s in %v", code, errs)
		}
	}
	for _, e := range errs {
		if e.Code == refusal.PackMissingDependency && !strings.Contains(e.Message, "pack.test.needy") {
			t.Fatalf("missing dependency should name the requester: %q", e.Message)
		}
	}
}

func TestParseContributions_SortedOutput(t *testing.T) {
	repo := labtest.NewRepo(t)
	inv := load(t, repo.Root)
	order, errs := packs.Resolve(inv.Packs, nil)
	if len(errs) > 0 {
		t.Fatalf("resolve: %v", errs)
	}
	cs, errs := packs.ParseContributions(order)
	if len(errs) > 0 {
		t.Fatalf("contributions: %v", errs)
	}
	for i := 1; i < len(cs); i++ {
		a, b := cs[i-1], cs[i]
		if a.Type > b.Type || (a.Type == b.Type && a.ID >= b.ID) {
			t.Fatalf("contributions out of order at %d: %+v then %+v", i, a.Descriptor(), b.Descriptor())
		}
	}
	if cs[0].Type != packs.ContribAssets {
		t.Fatalf("first contribution: %+v", cs[0].Descriptor())
	}
}

func TestParseContributions_DuplicateIDNamesBothPacks(t *testing.T) {
	repo := labtest.NewRepo(t)
	repo.WriteJSON("packs/tool/pack.test.dup/pack.json", testManifest("pack.test.dup", "tool", []any{},
		map[string]any{"type": "domain", "id": "domain.lab.space", "path": "space.json"}))
	repo.WriteJSON("packs/tool/pack.test.dup/space.json", map[string]any{"schema_version": "1.0.0", "domain_id": "domain.lab.space"})
	inv := load(t, repo.Root)
	order, errs := packs.Resolve(inv.Packs, nil)
	if len(errs) > 0 {
		t.Fatalf("resolve: %v", errs)
	}

	_, first := packs.ParseContributions(order)
	_, second := packs.ParseContributions(order)
	if !first.Has(refusal.ContribDuplicateID) {
		t.Fatalf("expected duplicate id, got %v", first)
	}
	msg := first[0].Message
	if !strings.Contains(msg, labtest.CorePack) || !strings.Contains(msg, "pack.test.dup") {
		t.Fatalf("message should name both packs: %q", msg)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("refusals differ across runs")
	}
}

func TestParseContributions_PathAndPayloadRefusals(t *testing.T) {
	cases := []struct {
		name  string
		decl  map[string]any
		files map[string][]byte
		code  string
	}{
		{"escape", map[string]any{"type": "domain", "id": "domain.test.a", "path": "../other/x.json"}, nil, refusal.ContribPathOutsidePack},
		{"type", map[string]any{"type": "shader", "id": "shader.test.a", "path": "a.json"}, nil, refusal.ContribUnsupportedType},
		{"missing file", map[string]any{"type": "domain", "id": "domain.test.b", "path": "absent.json"}, nil, refusal.ContribMissingPath},
		{"bad json", map[string]any{"type": "domain", "id": "domain.test.c", "path": "c.json"}, map[string][]byte{"c.json": []byte("{")}, refusal.ContribInvalidPayload},
		{"not object", map[string]any{"type": "domain", "id": "domain.test.d", "path": "d.json"}, map[string][]byte{"d.json": []byte("[1]\n")}, refusal.ContribPayloadNotObject},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := labtest.NewRepo(t)
			repo.WriteJSON("packs/tool/pack.test.c/pack.json", testManifest("pack.test.c", "tool", []any{}, tc.decl))
			for name, b := range tc.files {
				repo.WriteRaw("packs/tool/pack.test.c/"+name, b)
			}
			inv := load(t, repo.Root)
			p, ok := inv.ByID("pack.test.c")
			if !ok {
				t.Fatalf("pack not loaded: %v", inv.Refusals)
			}
			_, errs := packs.ParseContributions([]*packs.Pack{p})
			if !errs.Has(tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, errs)
			}
		})
	}
}

func TestBundle_Select(t *testing.T) {
	repo := labtest.NewRepo(t)
	inv := load(t, repo.Root)
	b, err := packs.LoadBundle(repo.Root, labtest.BundleID, nil)
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	sel, err := b.Select(inv)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	want := []string{labtest.AstroPack, labtest.CorePack, labtest.ExperiencePack, labtest.LawPack}
	if !reflect.DeepEqual(sel, want) {
		t.Fatalf("selection: got %v want %v", sel, want)
	}

	b.PackIDs = append(b.PackIDs, "pack.test.required")
	_, err = b.Select(inv)
	if list, ok := refusal.AsErrors(err); !ok || !list.Has(refusal.BundleMissingPack) {
		t.Fatalf("expected missing required pack, got %v", err)
	}
}

func TestBundle_ReadRefusals(t *testing.T) {
	repo := labtest.NewRepo(t)
	if _, err := packs.LoadBundle(repo.Root, "bundle.lab.absent", nil); refusal.Code(err) != refusal.BundleNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	repo.WriteJSON("bundles/bundle.lab.other/bundle.json", map[string]any{
		"schema_version": "1.0.0", "bundle_id": "bundle.lab.renamed", "pack_ids": []any{labtest.CorePack},
	})
	if _, err := packs.LoadBundle(repo.Root, "bundle.lab.other", nil); refusal.Code(err) != refusal.BundleIDMismatch {
		t.Fatalf("expected id mismatch, got %v", err)
	}
	list, errs, err := packs.ListBundles(repo.Root, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].BundleID != labtest.BundleID || !errs.Has(refusal.BundleIDMismatch) {
		t.Fatalf("unexpected listing %v / %v", list, errs)
	}
}

func TestVerifyHashes(t *testing.T) {
	repo := labtest.NewRepo(t)
	reports, errs := packs.VerifyHashes(load(t, repo.Root))
	if len(errs) > 0 {
		t.Fatalf("fixture hashes should match: %v", errs)
	}
	for _, r := range reports {
		if !r.Match {
			t.Fatalf("report %+v", r)
		}
	}

	repo.EditJSON("packs/law/"+labtest.LawPack+"/laws/default.json", func(m map[string]any) { m["title"] = "edited" })
	_, errs = packs.VerifyHashes(load(t, repo.Root))
	if len(errs) != 1 || errs[0].Code != refusal.PackCanonicalHashMismatch {
		t.Fatalf("expected one mismatch, got %v", errs)
	}
}
