// Package dist stamps out a self-describing distribution tree from a compiled
// bundle and validates such trees.
package dist

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"labkit.ai/internal/cache"
	"labkit.ai/internal/canon"
	"labkit.ai/internal/lockfile"
	"labkit.ai/internal/packs"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/registry"
	"labkit.ai/internal/schema"
)

const (
	LayoutVersion = "1.0.0"
	ManifestName  = "manifest.json"
	LockfileName  = lockfile.FileName
)

// binStubs are the fixed launcher entry points. They carry no behavior.
var binStubs = []struct {
	name string
	body string
}{
	{"client", "#!/bin/sh\n# labkit client entry point\nexec labctl launcher run \"$@\"\n"},
	{"launcher", "#!/bin/sh\n# labkit launcher entry point\nexec labctl launcher \"$@\"\n"},
	{"launcher.cmd", "@echo off\r\nrem labkit launcher entry point\r\nlabctl launcher %*\r\n"},
	{"server", "#!/bin/sh\n# labkit observer entry point\nexec labctl launcher serve \"$@\"\n"},
	{"setup", "#!/bin/sh\n# labkit setup entry point\nexec labctl setup \"$@\"\n"},
	{"setup.cmd", "@echo off\r\nrem labkit setup entry point\r\nlabctl setup %*\r\n"},
	{"tools", "#!/bin/sh\n# labkit tools entry point\nexec labctl \"$@\"\n"},
}

// BinStubs lists the stub file names, sorted.
func BinStubs() []string {
	out := make([]string, len(binStubs))
	for i, s := range binStubs {
		out[i] = s.name
	}
	return out
}

// Manifest is dist/manifest.json.
type Manifest struct {
	LayoutVersion               string                  `json:"layout_version"`
	BundleID                    string                  `json:"bundle_id"`
	PackLockHash                string                  `json:"pack_lock_hash"`
	RegistryHashes              map[string]string       `json:"registry_hashes"`
	RegistryHashChain           string                  `json:"registry_hash_chain"`
	CompositeHashAnchorBaseline string                  `json:"composite_hash_anchor_baseline"`
	ResolvedPacks               []lockfile.ResolvedPack `json:"resolved_packs"`
	FileHashes                  []FileHash              `json:"file_hashes"`
	CanonicalContentHash        string                  `json:"canonical_content_hash"`
}

// Options configures Build.
type Options struct {
	Root     string
	BundleID string
	OutDir   string
	// BuildDir receives the compiler outputs; defaults to <Root>/build.
	BuildDir  string
	Cache     *cache.Store
	Validator *schema.Validator
	Logger    *slog.Logger
}

// Result describes a built dist.
type Result struct {
	BundleID     string
	OutDir       string
	CacheHit     bool
	CacheKey     string
	Manifest     *Manifest
	ManifestHash string
}

// Build compiles the bundle, copies every input into OutDir and writes the
// manifest. OutDir is replaced wholesale.
func Build(ctx context.Context, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	v := opts.Validator
	if v == nil {
		v = schema.New(opts.Root)
	}
	if err := checkOutDir(opts.Root, opts.OutDir); err != nil {
		return nil, err
	}

	comp, err := registry.Compile(ctx, registry.Options{
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
	lf, payload, err := lockfile.Read(comp.LockfilePath)
	if err != nil {
		return nil, buildFailed(refusal.DistLockfileInvalid, comp.LockfilePath, err)
	}
	if errs := checkLockfile(v, payload); len(errs) > 0 {
		return nil, errs
	}
	bundle, err := packs.LoadBundle(opts.Root, opts.BundleID, v)
	if err != nil {
		return nil, err
	}

	out := opts.OutDir
	if err := os.RemoveAll(out); err != nil {
		return nil, fmt.Errorf("clear %s: %w", out, err)
	}

	for _, p := range comp.Packs {
		dst := filepath.Join(out, "packs", p.Category, p.PackID)
		if err := canon.CopyTree(p.Dir, dst); err != nil {
			return nil, fmt.Errorf("copy pack %s: %w", p.PackID, err)
		}
	}
	if err := canon.WriteFile(filepath.Join(out, "bundles", bundle.BundleID, packs.BundleFile), bundle.Raw); err != nil {
		return nil, err
	}

	var errs refusal.Errors
	for _, spec := range registry.Specs {
		src := filepath.Join(comp.RegistriesDir, spec.File)
		b, err := os.ReadFile(src)
		if err != nil {
			errs.Addf(refusal.DistRegistryMissing, "registries/"+spec.File, "compiled registry unreadable: %v", err)
			continue
		}
		if h, err := selfHash(b); err != nil || h != lf.Registries[spec.LockKey] {
			errs.Addf(refusal.DistRegistryHashMismatch, "registries/"+spec.File, "registry hash does not match lockfile %s", spec.LockKey)
			continue
		}
		if err := canon.WriteBytes(filepath.Join(out, "registries", spec.File), b); err != nil {
			return nil, err
		}
	}
	if len(errs) > 0 {
		return nil, errs.SortedByCode()
	}

	for _, s := range binStubs {
		if err := canon.WriteBytes(filepath.Join(out, "bin", s.name), []byte(s.body)); err != nil {
			return nil, err
		}
	}
	if err := canon.CopyFile(comp.LockfilePath, filepath.Join(out, LockfileName)); err != nil {
		return nil, err
	}

	m, err := assemble(ctx, out, lf)
	if err != nil {
		return nil, err
	}
	mb, err := canon.MarshalIndent(m)
	if err != nil {
		return nil, err
	}
	if err := canon.WriteBytes(filepath.Join(out, ManifestName), mb); err != nil {
		return nil, err
	}

	res := &Result{
		BundleID:     opts.BundleID,
		OutDir:       out,
		CacheHit:     comp.CacheHit,
		CacheKey:     comp.CacheKey,
		Manifest:     m,
		ManifestHash: canon.SHA256Hex(mb),
	}
	logger.Info("dist build", "bundle", opts.BundleID, "out", out, "files", len(m.FileHashes), "content_hash", m.CanonicalContentHash)
	return res, nil
}

func assemble(ctx context.Context, out string, lf *lockfile.Lockfile) (*Manifest, error) {
	rels, err := listCovered(out)
	if err != nil {
		return nil, err
	}
	rows, err := hashFiles(ctx, out, rels)
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		LayoutVersion:  LayoutVersion,
		BundleID:       lf.BundleID,
		PackLockHash:   lf.PackLockHash,
		RegistryHashes: lf.Registries,
		ResolvedPacks:  lf.ResolvedPacks,
		FileHashes:     rows,
	}
	if m.CanonicalContentHash, err = ContentHash(rows); err != nil {
		return nil, err
	}
	if m.RegistryHashChain, err = RegistryHashChain(lf.Registries); err != nil {
		return nil, err
	}
	if m.CompositeHashAnchorBaseline, err = CompositeBaseline(lf.PackLockHash, lf.Registries); err != nil {
		return nil, err
	}
	return m, nil
}

func checkLockfile(v *schema.Validator, payload any) refusal.Errors {
	var errs refusal.Errors
	for _, row := range v.Validate("lockfile", payload, true) {
		errs.Addf(refusal.DistLockfileInvalid, row.Path, "%s: %s", row.Code, row.Message)
	}
	for _, row := range lockfile.Validate(payload) {
		errs.Addf(refusal.DistLockfileInvalid, row.Path, "%s: %s", row.Code, row.Message)
	}
	return errs.SortedByCode()
}

func selfHash(b []byte) (string, error) {
	v, err := canon.Decode(b)
	if err != nil {
		return "", err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("registry is not a JSON object")
	}
	h, err := registry.SelfHash(obj)
	if err != nil {
		return "", err
	}
	if declared, _ := obj["registry_hash"].(string); declared != h {
		return "", fmt.Errorf("declared registry_hash %s, computed %s", declared, h)
	}
	return h, nil
}

// checkOutDir refuses targets that would clear the repository itself.
func checkOutDir(root, out string) error {
	if strings.TrimSpace(out) == "" {
		return refusal.New(refusal.DistBuildFailed, "dist output directory is required", "pass --out <dir>")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	absOut, err := filepath.Abs(out)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absOut, absRoot)
	if err == nil && (rel == "." || !strings.HasPrefix(rel, "..")) {
		return refusal.New(refusal.DistBuildFailed, "dist output directory contains the repository root", "choose an output directory inside or beside the repository", "out_dir", absOut)
	}
	return nil
}

func buildFailed(code, path string, err error) error {
	if refusal.IsRefusal(err) {
		var errs refusal.Errors
		errs.Addf(code, path, "%v", err)
		return errs
	}
	return err
}
