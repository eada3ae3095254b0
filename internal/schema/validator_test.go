package schema

import (
	"testing"
	"testing/fstest"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/refusal"
	"labkit.ai/schemas"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	v, err := canon.Decode([]byte(s))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func lens(extra string) string {
	return `{"schema_version":"1.0.0","lens_id":"lens.x","lens_type":"diegetic","required_entitlements":[],
	"epistemic_constraints":{"visibility_policy":"visible_only","max_resolution_tier":1}` + extra + `}`
}

func TestValidate_AcceptsValidPayload(t *testing.T) {
	v := NewFS(schemas.FS)
	if errs := v.Validate("lens", decode(t, lens("")), true); len(errs) != 0 {
		t.Fatalf("unexpected errors: %+v", errs)
	}
}

func TestValidate_IntegerRejectsFractionAndBool(t *testing.T) {
	v := NewFS(schemas.FS)
	for _, bad := range []string{"1.5", "true", "1e3", `"1"`} {
		p := decode(t, `{"schema_version":"1.0.0","lens_id":"lens.x","lens_type":"diegetic","required_entitlements":[],
		"epistemic_constraints":{"visibility_policy":"v","max_resolution_tier":`+bad+`}}`)
		errs := v.Validate("lens", p, true)
		if !errs.Has(refusal.SchemaTypeMismatch) {
			t.Fatalf("%s: expected type_mismatch, got %+v", bad, errs)
		}
		if errs[0].Path != "$.epistemic_constraints.max_resolution_tier" {
			t.Fatalf("%s: unexpected path %q", bad, errs[0].Path)
		}
	}
}

func TestValidate_StrictTopLevel(t *testing.T) {
	v := NewFS(schemas.FS)
	p := decode(t, lens(`,"zzz":1`))
	errs := v.Validate("lens", p, true)
	if len(errs) != 1 || errs[0].Code != refusal.SchemaUnknownTopLevelField || errs[0].Path != "$.zzz" {
		t.Fatalf("unexpected errors: %+v", errs)
	}
	// Non-strict mode falls back to additionalProperties=false.
	errs = v.Validate("lens", p, false)
	if len(errs) != 1 || errs[0].Code != refusal.SchemaAdditionalProperty {
		t.Fatalf("unexpected errors: %+v", errs)
	}
}

func TestValidate_VersionGating(t *testing.T) {
	v := NewFS(schemas.FS)
	cases := []struct {
		version string
		code    string
	}{
		{"0.9.0", refusal.CompatxMigrationStub},
		{"2.0.0", refusal.CompatxUnsupportedVersion},
	}
	for _, tc := range cases {
		p := decode(t, `{"schema_version":"`+tc.version+`","domain_id":"domain.x"}`)
		errs := v.Validate("domain", p, true)
		if len(errs) != 1 || errs[0].Code != tc.code {
			t.Fatalf("%s: unexpected errors %+v", tc.version, errs)
		}
	}
	errs := v.Validate("domain", decode(t, `{"domain_id":"domain.x"}`), true)
	if !errs.Has(refusal.CompatxUnsupportedVersion) || !errs.Has(refusal.SchemaRequiredMissing) {
		t.Fatalf("expected missing version refusals, got %+v", errs)
	}
}

func TestValidate_MissingSchemaAndRegistryEntry(t *testing.T) {
	fsys := fstest.MapFS{
		"version_registry.json": {Data: []byte(`{}`)},
		"thing.schema.json":     {Data: []byte(`{"type":"object"}`)},
	}
	v := NewFS(fsys)
	if errs := v.Validate("nope", map[string]any{}, true); !errs.Has(refusal.CompatxSchemaMissing) {
		t.Fatalf("expected schema_missing, got %+v", errs)
	}
	if errs := v.Validate("thing", map[string]any{"schema_version": "1.0.0"}, false); !errs.Has(refusal.CompatxRegistryMismatch) {
		t.Fatalf("expected registry mismatch, got %+v", errs)
	}
}

func TestValidate_ErrorOrderIsDeterministic(t *testing.T) {
	v := NewFS(schemas.FS)
	p := decode(t, `{"schema_version":"1.0.0","lens_id":1,"lens_type":"sideways","b":1,"a":2}`)
	first := v.Validate("lens", p, true)
	for i := 0; i < 5; i++ {
		again := v.Validate("lens", p, true)
		if len(again) != len(first) {
			t.Fatalf("length changed")
		}
		for j := range again {
			if again[j] != first[j] {
				t.Fatalf("row %d changed: %+v vs %+v", j, again[j], first[j])
			}
		}
	}
	for i := 1; i < len(first); i++ {
		if first[i-1].Path > first[i].Path {
			t.Fatalf("not sorted by path: %+v", first)
		}
	}
}

func TestValidate_PatternIsFullMatch(t *testing.T) {
	v := NewFS(schemas.FS)
	p := decode(t, `{"schema_version":"1.0.0","bundle_id":"bundle.lab.base!","pack_ids":[]}`)
	if errs := v.Validate("bundle_profile", p, true); !errs.Has(refusal.SchemaPatternMismatch) {
		t.Fatalf("expected pattern mismatch, got %+v", errs)
	}
}

func TestCheckSchemaSet_EmbeddedSetIsClean(t *testing.T) {
	errs, err := CheckSchemaSet(schemas.FS)
	if err != nil {
		t.Fatalf("CheckSchemaSet: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected refusals: %+v", errs)
	}
}

func TestCheckSchemaSet_FlagsBadExampleAndOrphans(t *testing.T) {
	fsys := fstest.MapFS{
		"version_registry.json": {Data: []byte(`{"a":{"current_version":"1.0.0","supported_versions":["1.0.0"]},"ghost":{"current_version":"1.0.0","supported_versions":[]}}`)},
		"a.schema.json": {Data: []byte(`{"type":"object","required":["schema_version","n"],
			"properties":{"schema_version":{"type":"string"},"n":{"type":"integer"}},
			"examples":[{"schema_version":"1.0.0","n":"x"}]}`)},
	}
	errs, err := CheckSchemaSet(fsys)
	if err != nil {
		t.Fatalf("CheckSchemaSet: %v", err)
	}
	if !errs.Has(refusal.CompatxSchemaExampleInvalid) || !errs.Has(refusal.CompatxRegistryMismatch) {
		t.Fatalf("unexpected refusals: %+v", errs)
	}
}
