package dist

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/lockfile"
	"labkit.ai/internal/packs"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/registry"
	"labkit.ai/internal/schema"
	"labkit.ai/schemas"
)

// Report is the outcome of a successful Validate.
type Report struct {
	Dir          string
	Manifest     *Manifest
	ManifestHash string
	Lockfile     *lockfile.Lockfile
}

// Validate checks a dist tree against its manifest and lockfile. Every
// problem found is reported; the list is sorted by code. A nil validator
// uses the embedded schema set.
func Validate(ctx context.Context, distDir string, v *schema.Validator) (*Report, error) {
	if v == nil {
		v = schema.NewFS(schemas.FS)
	}
	var errs refusal.Errors

	if fi, err := os.Stat(distDir); err != nil || !fi.IsDir() {
		errs.Addf(refusal.DistMissingDirectory, filepath.ToSlash(distDir), "dist directory not found")
		return nil, errs
	}
	for _, sub := range coveredDirs {
		if fi, err := os.Stat(filepath.Join(distDir, sub)); err != nil || !fi.IsDir() {
			errs.Addf(refusal.DistMissingDirectory, sub, "dist subdirectory not found")
		}
	}

	m, mb := readManifest(distDir, v, &errs)
	lf := readLockfile(distDir, v, &errs)

	if lf != nil {
		for _, spec := range registry.Specs {
			rel := "registries/" + spec.File
			b, err := os.ReadFile(filepath.Join(distDir, filepath.FromSlash(rel)))
			if errors.Is(err, fs.ErrNotExist) {
				errs.Addf(refusal.DistRegistryMissing, rel, "registry file not found")
				continue
			}
			if err != nil {
				return nil, err
			}
			if h, err := selfHash(b); err != nil {
				errs.Addf(refusal.DistRegistryHashMismatch, rel, "%v", err)
			} else if h != lf.Registries[spec.LockKey] {
				errs.Addf(refusal.DistRegistryHashMismatch, rel, "registry hash %s, lockfile records %s", h, lf.Registries[spec.LockKey])
			}
		}
	}

	if m != nil && lf != nil {
		crossCheck(m, lf, &errs)
	}
	if m != nil {
		if err := checkFiles(ctx, distDir, m, &errs); err != nil {
			return nil, err
		}
		for _, p := range m.ResolvedPacks {
			matches, err := filepath.Glob(filepath.Join(distDir, "packs", "*", p.PackID, "pack.json"))
			if err != nil {
				return nil, err
			}
			if len(matches) == 0 {
				errs.Addf(refusal.DistPackMissing, "packs/*/"+p.PackID, "resolved pack not present in dist")
			}
		}
		bundle := filepath.Join(distDir, "bundles", m.BundleID, packs.BundleFile)
		if _, err := os.Stat(bundle); err != nil {
			errs.Addf(refusal.DistBundleMismatch, "bundles/"+m.BundleID, "bundle profile not present in dist")
		}
	}

	if len(errs) > 0 {
		return nil, errs.SortedByCode()
	}
	return &Report{Dir: distDir, Manifest: m, ManifestHash: canon.SHA256Hex(mb), Lockfile: lf}, nil
}

func readManifest(distDir string, v *schema.Validator, errs *refusal.Errors) (*Manifest, []byte) {
	raw, err := os.ReadFile(filepath.Join(distDir, ManifestName))
	if err != nil {
		errs.Addf(refusal.DistManifestMissing, ManifestName, "manifest not readable: %v", err)
		return nil, nil
	}
	payload, err := canon.Decode(raw)
	if err != nil {
		errs.Add(refusal.DistManifestInvalidJSON, ManifestName, err.Error())
		return nil, nil
	}
	if want, err := canon.MarshalIndent(payload); err != nil || !bytes.Equal(want, raw) {
		errs.Add(refusal.DistManifestNonCanonical, ManifestName, "manifest is not in canonical form")
	}
	if rows := v.Validate("dist_manifest", payload, true); len(rows) > 0 {
		for _, row := range rows {
			errs.Addf(refusal.DistSchemaInvalid, ManifestName+strings.TrimPrefix(row.Path, "$"), "%s: %s", row.Code, row.Message)
		}
		return nil, nil
	}
	var m Manifest
	if err := canon.Convert(payload, &m); err != nil {
		errs.Add(refusal.DistSchemaInvalid, ManifestName, err.Error())
		return nil, nil
	}
	if m.LayoutVersion != LayoutVersion {
		errs.Addf(refusal.DistSchemaInvalid, ManifestName+".layout_version", "layout_version %q, want %q", m.LayoutVersion, LayoutVersion)
	}
	return &m, raw
}

func readLockfile(distDir string, v *schema.Validator, errs *refusal.Errors) *lockfile.Lockfile {
	lf, payload, err := lockfile.Read(filepath.Join(distDir, LockfileName))
	if lockfile.IsMissing(err) {
		errs.Add(refusal.DistLockfileMissing, LockfileName, "lockfile not found")
		return nil
	}
	if err != nil {
		errs.Addf(refusal.DistLockfileInvalid, LockfileName, "%v", err)
		return nil
	}
	if rows := checkLockfile(v, payload); len(rows) > 0 {
		errs.Extend(rows)
		return nil
	}
	return lf
}

func crossCheck(m *Manifest, lf *lockfile.Lockfile, errs *refusal.Errors) {
	if m.BundleID != lf.BundleID {
		errs.Addf(refusal.DistBundleMismatch, ManifestName+".bundle_id", "manifest bundle %s, lockfile bundle %s", m.BundleID, lf.BundleID)
	}
	if m.PackLockHash != lf.PackLockHash {
		errs.Add(refusal.DistPackLockHashMismatch, ManifestName+".pack_lock_hash", "manifest pack_lock_hash disagrees with lockfile")
	}
	if canonRows(m.ResolvedPacks) != canonRows(lf.ResolvedPacks) {
		errs.Add(refusal.DistPackLockHashMismatch, ManifestName+".resolved_packs", "manifest resolved_packs disagree with lockfile")
	}
	if !reflect.DeepEqual(m.RegistryHashes, lf.Registries) {
		errs.Add(refusal.DistManifestRegistryHashMismatch, ManifestName+".registry_hashes", "manifest registry_hashes disagree with lockfile")
	}
	if chain, err := RegistryHashChain(lf.Registries); err != nil || chain != m.RegistryHashChain {
		errs.Add(refusal.DistRegistryChainMismatch, ManifestName+".registry_hash_chain", "registry_hash_chain does not match lockfile registries")
	}
	if base, err := CompositeBaseline(lf.PackLockHash, lf.Registries); err != nil || base != m.CompositeHashAnchorBaseline {
		errs.Add(refusal.DistCompositeBaselineMismatch, ManifestName+".composite_hash_anchor_baseline", "composite baseline does not match lockfile")
	}
}

func canonRows(rows []lockfile.ResolvedPack) string {
	h, _ := canon.Hash(rows)
	return h
}

// checkFiles recomputes the file list from disk and compares it with the
// manifest, row by row and as a whole.
func checkFiles(ctx context.Context, distDir string, m *Manifest, errs *refusal.Errors) error {
	rels, err := listCovered(distDir)
	if err != nil {
		return err
	}
	rows, err := hashFiles(ctx, distDir, rels)
	if err != nil {
		return err
	}
	onDisk := make(map[string]string, len(rows))
	for _, r := range rows {
		onDisk[r.Path] = r.SHA256
	}
	listed := make(map[string]bool, len(m.FileHashes))
	for _, r := range m.FileHashes {
		listed[r.Path] = true
		sum, ok := onDisk[r.Path]
		switch {
		case !ok:
			errs.Add(refusal.DistFileMissing, r.Path, "listed file not found")
		case sum != r.SHA256:
			errs.Addf(refusal.DistFileHashMismatch, r.Path, "sha256 %s, manifest records %s", sum, r.SHA256)
		}
	}
	for _, r := range rows {
		if !listed[r.Path] {
			errs.Add(refusal.DistUnlistedFile, r.Path, "file is not listed in the manifest")
		}
	}
	if h, err := ContentHash(rows); err != nil || h != m.CanonicalContentHash {
		errs.Add(refusal.DistContentHashMismatch, ManifestName+".canonical_content_hash", "recomputed canonical_content_hash differs")
	}
	return nil
}
