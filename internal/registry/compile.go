package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"labkit.ai/internal/cache"
	"labkit.ai/internal/canon"
	"labkit.ai/internal/lockfile"
	"labkit.ai/internal/model"
	"labkit.ai/internal/packs"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/schema"
)

// ToolVersion feeds the cache key; bump it when compiler output changes.
const ToolVersion = "labkit-registry-compile/1.0.0"

// Options configures Compile.
type Options struct {
	Root     string
	BundleID string
	// OutDir defaults to <Root>/build.
	OutDir string
	// Cache is optional; nil disables caching.
	Cache       *cache.Store
	Validator   *schema.Validator
	Logger      *slog.Logger
	ToolVersion string
}

// Result describes a completed compile.
type Result struct {
	BundleID       string
	CacheKey       string
	CacheHit       bool
	RegistryHashes map[string]string
	PackLockHash   string
	RegistriesDir  string
	LockfilePath   string
	Lockfile       *lockfile.Lockfile
	Selection      []string
	Packs          []*packs.Pack
	Contributions  []packs.Contribution
}

// RegistriesDir and LockfilePath of a build directory.
func RegistriesDir(outDir string) string { return filepath.Join(outDir, "registries") }

func LockfilePath(outDir string) string { return filepath.Join(outDir, lockfile.FileName) }

// Prepare runs discovery, bundle selection, dependency resolution and
// contribution parsing for a bundle.
func Prepare(ctx context.Context, root, bundleID string, v *schema.Validator, logger *slog.Logger) (*Result, error) {
	inv, err := packs.Load(ctx, root, packs.LoadOptions{Validator: v, Logger: logger})
	if err != nil {
		return nil, err
	}
	if !inv.Complete() {
		return nil, inv.Refusals
	}
	bundle, err := packs.LoadBundle(root, bundleID, v)
	if err != nil {
		return nil, err
	}
	sel, err := bundle.Select(inv)
	if err != nil {
		return nil, err
	}
	order, errs := packs.Resolve(inv.Packs, sel)
	if len(errs) > 0 {
		return nil, errs
	}
	contribs, errs := packs.ParseContributions(order)
	if len(errs) > 0 {
		return nil, errs
	}
	return &Result{BundleID: bundleID, Selection: sel, Packs: order, Contributions: contribs}, nil
}

// Compile builds the ten registries and the lockfile for a bundle and writes
// them under OutDir. Either every file is written or a refusal is returned
// before anything is.
func Compile(ctx context.Context, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	v := opts.Validator
	if v == nil {
		v = schema.New(opts.Root)
	}
	outDir := opts.OutDir
	if outDir == "" {
		outDir = filepath.Join(opts.Root, "build")
	}
	tool := opts.ToolVersion
	if tool == "" {
		tool = ToolVersion
	}

	res, err := Prepare(ctx, opts.Root, opts.BundleID, v, logger)
	if err != nil {
		return nil, err
	}
	res.RegistriesDir = RegistriesDir(outDir)
	res.LockfilePath = LockfilePath(outDir)
	res.CacheKey, err = cache.Key(res.Packs, res.Contributions, res.Selection, tool)
	if err != nil {
		return nil, fmt.Errorf("cache key: %w", err)
	}

	if opts.Cache != nil {
		if _, ok := opts.Cache.Lookup(res.CacheKey); ok {
			_, err := opts.Cache.Restore(res.CacheKey, res.RegistriesDir, res.LockfilePath)
			switch {
			case err == nil:
				err = res.loadLockfile(v)
				if err == nil {
					res.CacheHit = true
					logger.Info("registry compile", "bundle", opts.BundleID, "cache_hit", true, "key", res.CacheKey)
					return res, nil
				}
				if !refusal.IsRefusal(err) {
					return nil, err
				}
				logger.Warn("cached lockfile rejected, recompiling", "key", res.CacheKey, "err", err)
			case refusal.IsRefusal(err):
				logger.Warn("cache entry rejected, recompiling", "key", res.CacheKey, "err", err)
			default:
				return nil, err
			}
		}
	}

	out, errs := Build(v, res.Packs, res.Contributions)
	if len(errs) > 0 {
		return nil, errs
	}
	rows := make([]lockfile.ResolvedPack, 0, len(res.Packs))
	for _, p := range res.Packs {
		rows = append(rows, lockfile.ResolvedPack{
			PackID:          p.PackID,
			Version:         p.Version,
			CanonicalHash:   p.CanonicalHash,
			SignatureStatus: p.SignatureStatus,
			ContentHash:     p.ContentHash,
		})
	}
	lf, err := lockfile.New(opts.BundleID, rows, out.Hashes)
	if err != nil {
		return nil, err
	}
	generic, err := canon.Normalize(lf)
	if err != nil {
		return nil, err
	}
	if errs := v.Validate("lockfile", generic, true); len(errs) > 0 {
		return nil, errs
	}
	if errs := lockfile.Validate(generic); len(errs) > 0 {
		return nil, errs
	}

	files := make(map[string][]byte, len(Specs))
	for _, spec := range Specs {
		b, err := canon.MarshalIndent(out.Payloads[spec.Name])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.File, err)
		}
		files[spec.File] = b
	}
	lockBytes, err := canon.MarshalIndent(lf)
	if err != nil {
		return nil, err
	}
	for _, spec := range Specs {
		if err := canon.WriteBytes(filepath.Join(res.RegistriesDir, spec.File), files[spec.File]); err != nil {
			return nil, err
		}
	}
	if err := canon.WriteBytes(res.LockfilePath, lockBytes); err != nil {
		return nil, err
	}
	if opts.Cache != nil {
		in := cache.Input{Key: res.CacheKey, BundleID: opts.BundleID, Selection: res.Selection}
		if err := opts.Cache.Put(res.CacheKey, tool, in, files, lockBytes); err != nil {
			return nil, fmt.Errorf("cache put: %w", err)
		}
	}

	res.Lockfile = lf
	res.PackLockHash = lf.PackLockHash
	res.RegistryHashes = lf.Registries
	logger.Info("registry compile", "bundle", opts.BundleID, "cache_hit", false, "key", res.CacheKey, "pack_lock_hash", lf.PackLockHash)
	return res, nil
}

// loadLockfile reads a restored lockfile and runs it through the same schema
// and semantic checks a fresh compile applies.
func (r *Result) loadLockfile(v *schema.Validator) error {
	lf, payload, err := lockfile.Read(r.LockfilePath)
	if err != nil {
		return err
	}
	if errs := v.Validate("lockfile", payload, true); len(errs) > 0 {
		return errs
	}
	if errs := lockfile.Validate(payload); len(errs) > 0 {
		return errs
	}
	r.Lockfile = lf
	r.PackLockHash = lf.PackLockHash
	r.RegistryHashes = lf.Registries
	return nil
}

// CameraAssembly returns the camera seed among contributions, preferring
// CameraContribution. It returns nil when the bundle contributes none.
func CameraAssembly(contribs []packs.Contribution) *model.CameraAssembly {
	var found *model.CameraAssembly
	for _, c := range contribs {
		if c.Type != packs.ContribRegistryEntries {
			continue
		}
		obj, _ := c.Payload.(map[string]any)
		if obj["entry_type"] != "camera_assembly" {
			continue
		}
		var cam model.CameraAssembly
		if err := canon.ConvertLoose(obj["assembly"], &cam); err != nil {
			continue
		}
		if found == nil || c.ID == CameraContribution {
			cp := cam
			found = &cp
		}
	}
	return found
}
