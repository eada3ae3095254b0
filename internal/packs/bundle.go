package packs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/schema"
)

// BundleFile is the fixed bundle profile file name.
const BundleFile = "bundle.json"

// Bundle is a named selection of packs.
type Bundle struct {
	SchemaVersion   string   `json:"schema_version"`
	BundleID        string   `json:"bundle_id"`
	Description     string   `json:"description,omitempty"`
	PackIDs         []string `json:"pack_ids"`
	OptionalPackIDs []string `json:"optional_pack_ids,omitempty"`

	// Raw is the validated payload, written verbatim into dist trees.
	Raw any `json:"-"`
	// Path is slash separated and relative to the repository root when known.
	Path string `json:"-"`
}

// BundlePath returns bundles/<bundle_id>/bundle.json under root.
func BundlePath(root, bundleID string) string {
	return filepath.Join(root, "bundles", bundleID, BundleFile)
}

// ReadBundle parses and validates a bundle profile file.
func ReadBundle(path string, v *schema.Validator) (*Bundle, error) {
	var errs refusal.Errors
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		errs.Addf(refusal.BundleNotFound, filepath.ToSlash(path), "bundle file not found")
		return nil, errs
	}
	if err != nil {
		return nil, err
	}
	payload, err := canon.Decode(raw)
	if err != nil {
		errs.Add(refusal.BundleParseFailed, filepath.ToSlash(path), err.Error())
		return nil, errs
	}
	if rows := v.Validate("bundle_profile", payload, true); len(rows) > 0 {
		for _, row := range rows {
			errs.Addf(refusal.BundleInvalid, filepath.ToSlash(path), "%s at %s: %s", row.Code, row.Path, row.Message)
		}
		return nil, errs.SortedByCode()
	}
	var b Bundle
	if err := canon.Convert(payload, &b); err != nil {
		errs.Add(refusal.BundleInvalid, filepath.ToSlash(path), err.Error())
		return nil, errs
	}
	b.Raw = payload
	b.Path = filepath.ToSlash(path)
	return &b, nil
}

// LoadBundle reads bundles/<bundle_id>/bundle.json and checks the id matches.
// A nil validator reads the repository's own schemas.
func LoadBundle(root, bundleID string, v *schema.Validator) (*Bundle, error) {
	if v == nil {
		v = schema.New(root)
	}
	path := BundlePath(root, bundleID)
	b, err := ReadBundle(path, v)
	if err != nil {
		return nil, err
	}
	if b.BundleID != bundleID {
		var errs refusal.Errors
		errs.Addf(refusal.BundleIDMismatch, "bundles/"+bundleID+"/"+BundleFile, "bundle_id %s does not match directory %s", b.BundleID, bundleID)
		return nil, errs
	}
	b.Path = "bundles/" + bundleID + "/" + BundleFile
	return b, nil
}

// ListBundles loads every bundle under root/bundles, sorted by bundle_id.
// Refused bundles are reported, not returned.
func ListBundles(root string, v *schema.Validator) ([]*Bundle, refusal.Errors, error) {
	entries, err := os.ReadDir(filepath.Join(root, "bundles"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if v == nil {
		v = schema.New(root)
	}
	var (
		out  []*Bundle
		errs refusal.Errors
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := LoadBundle(root, e.Name(), v)
		if err != nil {
			list, ok := refusal.AsErrors(err)
			if !ok {
				return nil, nil, err
			}
			errs.Extend(list)
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BundleID < out[j].BundleID })
	return out, errs.SortedByCode(), nil
}

// Select returns the sorted, duplicate-free pack selection: every required
// pack (all must be loaded) plus the optional packs that are present.
func (b *Bundle) Select(inv *Inventory) ([]string, error) {
	var errs refusal.Errors
	var sel []string
	for _, id := range b.PackIDs {
		if _, ok := inv.ByID(id); !ok {
			errs.Addf(refusal.BundleMissingPack, b.Path, "required pack %s is not available", id)
			continue
		}
		sel = append(sel, id)
	}
	for _, id := range b.OptionalPackIDs {
		if _, ok := inv.ByID(id); ok {
			sel = append(sel, id)
		}
	}
	if len(errs) > 0 {
		return nil, errs.SortedByCode()
	}
	sel = sortedUnique(sel)
	if len(sel) == 0 {
		errs.Addf(refusal.BundleEmptySelection, b.Path, "bundle %s selects no packs", b.BundleID)
		return nil, errs
	}
	return sel, nil
}
