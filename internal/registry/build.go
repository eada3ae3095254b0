package registry

import (
	"fmt"
	"regexp"
	"sort"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/model"
	"labkit.ai/internal/packs"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/schema"
	"labkit.ai/internal/selector"
)

// CameraContribution is the contribution id that seeds a session's camera.
const CameraContribution = "registry.camera.assembly.main"

var templateRef = regexp.MustCompile(`^\$\{(.*)\}$`)

// entry_type to the registry its rows land in.
var entryRegistry = map[string]string{
	"astronomy_catalog_collection": Astronomy,
	"reference_frame_collection":   Astronomy,
	"site_collection":              Site,
	"activation_policy":            Activation,
	"budget_policy":                Budget,
	"fidelity_policy":              Fidelity,
	"camera_assembly":              "camera_assembly",
}

// Output is the in-memory result of Build.
type Output struct {
	// Payloads are the finalized registries keyed by Spec.Name.
	Payloads map[string]map[string]any
	// Hashes are the registry hashes keyed by Spec.LockKey.
	Hashes map[string]string
	// Camera is the camera assembly contributed by the bundle, if any.
	Camera *model.CameraAssembly
}

type builder struct {
	v      *schema.Validator
	rows   map[string][]map[string]any
	frames []map[string]any
	seen   map[string]map[string]string
	camera *model.CameraAssembly
	errs   refusal.Errors
}

// Build compiles contributions (sorted by packs.ParseContributions) of the
// ordered packs into the ten registries. Nothing is written.
func Build(v *schema.Validator, ordered []*packs.Pack, contribs []packs.Contribution) (*Output, refusal.Errors) {
	b := &builder{
		v:    v,
		rows: map[string][]map[string]any{},
		seen: map[string]map[string]string{},
	}
	for _, c := range contribs {
		switch c.Type {
		case packs.ContribDomain:
			b.typed(c, "domain", Domain, "domain_id")
		case packs.ContribLawProfile:
			if row := b.typed(c, "law_profile", Law, "law_profile_id"); row != nil {
				for _, k := range []string{"allowed_lenses", "allowed_processes", "forbidden_processes"} {
					row[k] = sortedStrings(row[k])
				}
				for _, k := range []string{"process_entitlement_requirements", "process_privilege_requirements"} {
					if _, ok := row[k]; !ok {
						row[k] = map[string]any{}
					}
				}
				if _, ok := row["debug_allowances"]; !ok {
					row["debug_allowances"] = map[string]any{"allow_nondiegetic_overlays": false}
				}
			}
		case packs.ContribExperienceProfile:
			b.typed(c, "experience_profile", Experience, "experience_id")
		case packs.ContribLens:
			b.typed(c, "lens", Lens, "lens_id")
		case packs.ContribRegistryEntries:
			b.entries(c)
		case packs.ContribUIWindows:
			b.windows(c)
		}
	}
	b.crossCheck()
	if len(b.errs) > 0 {
		return nil, b.errs.SortedByCode()
	}

	gen := generatedFrom(ordered)
	out := &Output{
		Payloads: map[string]map[string]any{},
		Hashes:   map[string]string{},
		Camera:   b.camera,
	}
	for _, spec := range Specs {
		rows := b.rows[spec.Name]
		sortRows(rows, spec.IDKey)
		payload := map[string]any{
			"format_version": FormatVersion,
			"generated_from": gen,
			spec.RowsKey:     asList(rows),
			"registry_hash":  "",
		}
		switch spec.Name {
		case Astronomy:
			sortRows(b.frames, "frame_id")
			payload["reference_frames"] = asList(b.frames)
			payload["search_index"] = searchIndex(rows, "object_id")
		case Site:
			payload["search_index"] = searchIndex(rows, "site_id")
		}
		h, err := canon.Hash(payload)
		if err != nil {
			b.errs.Addf(refusal.RegistryInvalid(spec.Name), spec.File, "hash: %v", err)
			continue
		}
		payload["registry_hash"] = h
		if rows := b.v.Validate(spec.Schema, payload, true); len(rows) > 0 {
			for _, r := range rows {
				b.errs.Addf(refusal.RegistryInvalid(spec.Name), spec.File, "%s at %s: %s", r.Code, r.Path, r.Message)
			}
			continue
		}
		out.Payloads[spec.Name] = payload
		out.Hashes[spec.LockKey] = h
	}
	if len(b.errs) > 0 {
		return nil, b.errs.SortedByCode()
	}
	return out, nil
}

func at(c packs.Contribution) string { return c.PackID + "/" + c.Path }

// check validates payload and reports failures under the registry's code.
func (b *builder) check(name, schemaName, where string, payload any) bool {
	rows := b.v.Validate(schemaName, payload, true)
	for _, r := range rows {
		b.errs.Addf(refusal.RegistryInvalid(name), where, "%s at %s: %s", r.Code, r.Path, r.Message)
	}
	return len(rows) == 0
}

func (b *builder) typed(c packs.Contribution, schemaName, reg, idKey string) map[string]any {
	if !b.check(reg, schemaName, at(c), c.Payload) {
		return nil
	}
	obj := c.Payload.(map[string]any)
	if id, _ := obj[idKey].(string); id != c.ID {
		b.errs.Addf(refusal.RegistryIDMismatch, at(c), "%s %q does not match contribution id %s", idKey, id, c.ID)
		return nil
	}
	row := asRow(obj, c.PackID)
	b.add(reg, idKey, row, at(c))
	return row
}

func (b *builder) add(reg, idKey string, row map[string]any, where string) {
	id, _ := row[idKey].(string)
	if b.seen[reg] == nil {
		b.seen[reg] = map[string]string{}
	}
	if first, dup := b.seen[reg][id]; dup {
		b.errs.Addf(refusal.RegistryDuplicateRow, where, "%s %s already provided by %s", idKey, id, first)
		return
	}
	b.seen[reg][id] = where
	if reg == "frames" {
		b.frames = append(b.frames, row)
		return
	}
	b.rows[reg] = append(b.rows[reg], row)
}

func (b *builder) entries(c packs.Contribution) {
	obj := c.Payload.(map[string]any)
	entryType, _ := obj["entry_type"].(string)
	reg, known := entryRegistry[entryType]
	if !known {
		b.errs.Addf(refusal.RegistryUnknownEntryType, at(c), "unknown entry_type %q", entryType)
		return
	}
	if !b.check(reg, "registry_entries", at(c), obj) {
		return
	}

	switch entryType {
	case "astronomy_catalog_collection":
		b.collection(c, obj, reg, "astronomy_catalog_entry", Astronomy, "object_id")
	case "reference_frame_collection":
		b.collection(c, obj, reg, "reference_frame_entry", "frames", "frame_id")
	case "site_collection":
		b.collection(c, obj, reg, "site_entry", Site, "site_id")
	case "camera_assembly":
		asm, ok := obj["assembly"]
		if !ok {
			b.errs.Add(refusal.RegistryInvalid(reg), at(c), "camera_assembly entry has no assembly object")
			return
		}
		if !b.check(reg, "camera_assembly", at(c)+"#assembly", asm) {
			return
		}
		var cam model.CameraAssembly
		if err := canon.ConvertLoose(asm, &cam); err != nil {
			b.errs.Add(refusal.RegistryInvalid(reg), at(c), err.Error())
			return
		}
		if b.camera == nil || c.ID == CameraContribution {
			b.camera = &cam
		}
	default:
		policy, ok := obj["policy"]
		if !ok {
			b.errs.Addf(refusal.RegistryInvalid(reg), at(c), "%s entry has no policy object", entryType)
			return
		}
		if !b.check(reg, entryType, at(c)+"#policy", policy) {
			return
		}
		p := policy.(map[string]any)
		if id, _ := p["policy_id"].(string); id != c.ID {
			b.errs.Addf(refusal.RegistryIDMismatch, at(c), "policy_id %q does not match contribution id %s", id, c.ID)
			return
		}
		b.add(reg, "policy_id", asRow(p, c.PackID), at(c))
	}
}

func (b *builder) collection(c packs.Contribution, obj map[string]any, reg, schemaName, target, idKey string) {
	list, ok := obj["entries"].([]any)
	if !ok {
		b.errs.Addf(refusal.RegistryInvalid(reg), at(c), "%s has no entries array", obj["entry_type"])
		return
	}
	for i, item := range list {
		where := fmt.Sprintf("%s#entries[%d]", at(c), i)
		if !b.check(reg, schemaName, where, item) {
			continue
		}
		b.add(target, idKey, asRow(item.(map[string]any), c.PackID), where)
	}
}

func (b *builder) windows(c packs.Contribution) {
	if !b.check(UI, "ui_windows", at(c), c.Payload) {
		return
	}
	list, _ := c.Payload.(map[string]any)["windows"].([]any)
	for i, item := range list {
		where := fmt.Sprintf("%s#windows[%d]", at(c), i)
		if !b.check(UI, "ui_window", where, item) {
			continue
		}
		w := item.(map[string]any)
		if !b.selectors(w, where) {
			continue
		}
		b.add(UI, "window_id", asRow(w, c.PackID), where)
	}
}

// selectors walks data bindings and action templates of one window.
func (b *builder) selectors(w map[string]any, where string) bool {
	ok := true
	checkOne := func(sel, loc string) {
		switch {
		case selector.Forbidden(sel):
			b.errs.Addf(refusal.RegistryTruthSelectorForbidden, loc, "selector %q reads the truth model", sel)
			ok = false
		case !selector.Valid(sel):
			b.errs.Addf(refusal.RegistryInvalidUISelector, loc, "selector %q does not match the binding grammar", sel)
			ok = false
		}
	}
	widgets, _ := w["widgets"].([]any)
	for i, raw := range widgets {
		wd := raw.(map[string]any)
		bindings, _ := wd["data_bindings"].([]any)
		for j, rb := range bindings {
			sel, _ := rb.(map[string]any)["selector"].(string)
			checkOne(sel, fmt.Sprintf("%s.widgets[%d].data_bindings[%d]", where, i, j))
		}
		if ab, has := wd["action_binding"].(map[string]any); has {
			walkTemplate(ab["payload_template"], func(ref string) {
				checkOne(ref, fmt.Sprintf("%s.widgets[%d].action_binding", where, i))
			})
		}
	}
	return ok
}

// walkTemplate calls fn with the inner expression of every "${...}" string.
func walkTemplate(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		if m := templateRef.FindStringSubmatch(t); m != nil {
			fn(m[1])
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkTemplate(t[k], fn)
		}
	case []any:
		for _, x := range t {
			walkTemplate(x, fn)
		}
	}
}

func (b *builder) crossCheck() {
	activation := b.seen[Activation]
	for _, row := range b.rows[Budget] {
		ref, _ := row["activation_policy_id"].(string)
		if _, ok := activation[ref]; !ok {
			id, _ := row["policy_id"].(string)
			b.errs.Addf(refusal.RegistryDanglingReference, b.seen[Budget][id], "budget policy %s references unknown activation policy %s", id, ref)
		}
	}
	objects := b.seen[Astronomy]
	for _, row := range b.rows[Site] {
		obj, _ := row["object_id"].(string)
		if _, ok := objects[obj]; !ok {
			id, _ := row["site_id"].(string)
			b.errs.Addf(refusal.RegistryDanglingReference, b.seen[Site][id], "site %s references unknown object %s", id, obj)
		}
	}
}

// asRow copies a payload, drops its schema_version and stamps provenance.
func asRow(obj map[string]any, packID string) map[string]any {
	row := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		if k == "schema_version" {
			continue
		}
		row[k] = v
	}
	row["pack_id"] = packID
	return row
}

func generatedFrom(ordered []*packs.Pack) []any {
	sorted := append([]*packs.Pack(nil), ordered...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PackID < sorted[j].PackID })
	out := make([]any, 0, len(sorted))
	for _, p := range sorted {
		out = append(out, map[string]any{
			"pack_id":          p.PackID,
			"version":          p.Version,
			"canonical_hash":   p.CanonicalHash,
			"signature_status": p.SignatureStatus,
		})
	}
	return out
}

func sortRows(rows []map[string]any, key string) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := rows[i][key].(string)
		c, _ := rows[j][key].(string)
		return a < c
	})
}

func asList(rows []map[string]any) []any {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	return out
}

func sortedStrings(v any) []any {
	list, _ := v.([]any)
	ss := make([]string, 0, len(list))
	for _, x := range list {
		if s, ok := x.(string); ok {
			ss = append(ss, s)
		}
	}
	ss = model.SortedUnique(ss)
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

// searchIndex inverts every row's search_keys into normalized key -> sorted ids.
func searchIndex(rows []map[string]any, idKey string) map[string]any {
	inv := map[string][]string{}
	for _, row := range rows {
		id, _ := row[idKey].(string)
		keys, _ := row["search_keys"].([]any)
		for _, k := range keys {
			s, _ := k.(string)
			if n := NormalizeSearchKey(s); n != "" {
				inv[n] = append(inv[n], id)
			}
		}
	}
	out := make(map[string]any, len(inv))
	for k, ids := range inv {
		ids = model.SortedUnique(ids)
		list := make([]any, 0, len(ids))
		for _, id := range ids {
			list = append(list, id)
		}
		out[k] = list
	}
	return out
}
