package packs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/refusal"
	"labkit.ai/internal/schema"
)

// Inventory is the result of pack discovery. Refused packs are absent from
// Packs; their refusals are carried in Refusals.
type Inventory struct {
	Root     string
	Packs    []*Pack
	Refusals refusal.Errors
}

// Complete reports whether discovery raised no refusal.
func (inv *Inventory) Complete() bool { return len(inv.Refusals) == 0 }

// Err returns the refusal list as an error, or nil.
func (inv *Inventory) Err() error { return inv.Refusals.Err() }

// ByID looks up a loaded pack.
func (inv *Inventory) ByID(id string) (*Pack, bool) {
	i := sort.Search(len(inv.Packs), func(i int) bool { return inv.Packs[i].PackID >= id })
	if i < len(inv.Packs) && inv.Packs[i].PackID == id {
		return inv.Packs[i], true
	}
	return nil, false
}

// LoadOptions configures Load.
type LoadOptions struct {
	Validator *schema.Validator
	Logger    *slog.Logger
}

type candidate struct {
	rel      string
	pack     *Pack
	refusals refusal.Errors
}

// Load discovers every packs/<category>/<pack_id>/pack.json under root. The
// result is independent of file system enumeration order.
func Load(ctx context.Context, root string, opts LoadOptions) (*Inventory, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	v := opts.Validator
	if v == nil {
		v = schema.New(root)
	}
	inv := &Inventory{Root: root}

	rels, err := findManifests(root)
	if err != nil {
		return nil, err
	}

	cands := make([]*candidate, 0, len(rels))
	for _, rel := range rels {
		c := &candidate{rel: rel}
		cands = append(cands, c)
		parts := strings.Split(rel, "/")
		if len(parts) != 4 || parts[0] != "packs" {
			c.refusals.Addf(refusal.PackInvalidManifestLocation, rel, "manifest must live at packs/<category>/<pack_id>/%s", ManifestFile)
			continue
		}
		c.pack, c.refusals = readManifest(root, rel, parts[1], parts[2], v)
	}

	if err := scanContents(ctx, cands); err != nil {
		return nil, err
	}

	// Duplicate ids refuse every claimant.
	byID := map[string][]*candidate{}
	for _, c := range cands {
		if c.pack != nil && c.pack.PackID != "" {
			byID[c.pack.PackID] = append(byID[c.pack.PackID], c)
		}
	}
	for id, group := range byID {
		if len(group) < 2 {
			continue
		}
		paths := make([]string, 0, len(group))
		for _, c := range group {
			paths = append(paths, c.rel)
		}
		sort.Strings(paths)
		for _, c := range group {
			c.refusals.Addf(refusal.PackDuplicateID, c.rel, "pack_id %s is declared by %s", id, strings.Join(paths, " and "))
		}
	}

	for _, c := range cands {
		if len(c.refusals) > 0 {
			inv.Refusals.Extend(c.refusals)
			continue
		}
		if c.pack != nil {
			inv.Packs = append(inv.Packs, c.pack)
		}
	}
	sort.Slice(inv.Packs, func(i, j int) bool { return inv.Packs[i].PackID < inv.Packs[j].PackID })
	inv.Refusals = inv.Refusals.SortedByCode()

	logger.Debug("pack discovery", "root", root, "packs", len(inv.Packs), "refusals", len(inv.Refusals))
	return inv, nil
}

func findManifests(root string) ([]string, error) {
	base := filepath.Join(root, "packs")
	var out []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != ManifestFile {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func readManifest(root, rel, category, dirName string, v *schema.Validator) (*Pack, refusal.Errors) {
	var errs refusal.Errors

	raw, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		errs.Add(refusal.PackManifestParseFailed, rel, err.Error())
		return nil, errs
	}
	payload, err := canon.Decode(raw)
	if err != nil {
		errs.Add(refusal.PackManifestParseFailed, rel, err.Error())
		return nil, errs
	}
	if rows := v.Validate("pack_manifest", payload, true); len(rows) > 0 {
		for _, row := range rows {
			errs.Addf(refusal.PackManifestInvalid, rel, "%s at %s: %s", row.Code, row.Path, row.Message)
		}
		// Keep the id for duplicate detection when it is readable.
		if obj, ok := payload.(map[string]any); ok {
			if id, ok := obj["pack_id"].(string); ok {
				return &Pack{Manifest: Manifest{PackID: id}}, errs
			}
		}
		return nil, errs
	}

	var m Manifest
	if err := canon.Convert(payload, &m); err != nil {
		errs.Add(refusal.PackManifestInvalid, rel, err.Error())
		return nil, errs
	}
	p := &Pack{
		Manifest:     m,
		Raw:          payload,
		Dir:          filepath.Join(root, "packs", category, dirName),
		ManifestPath: rel,
	}
	if !isCategory(category) {
		errs.Addf(refusal.PackInvalidCategory, rel, "directory category %q is not one of %s", category, strings.Join(Categories, ", "))
	}
	if m.Category != category {
		errs.Addf(refusal.PackInvalidCategory, rel, "manifest category %q does not match directory %q", m.Category, category)
	}
	if m.PackID != dirName {
		errs.Addf(refusal.PackIDMismatch, rel, "pack_id %s does not match directory %s", m.PackID, dirName)
	}
	for i, tok := range m.Dependencies {
		dep, err := ParseDependency(tok)
		if err != nil {
			errs.Addf(refusal.PackInvalidDependency, fmt.Sprintf("%s#dependencies[%d]", rel, i), "%v", err)
			continue
		}
		p.Deps = append(p.Deps, dep)
	}
	return p, errs
}

// scanContents walks every well-formed pack directory in parallel, refusing
// forbidden executable content and computing the content hash. Results are
// written to per-candidate slots so the merge order is fixed.
func scanContents(ctx context.Context, cands []*candidate) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, c := range cands {
		if c.pack == nil || c.pack.Dir == "" {
			continue
		}
		c := c
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			files, err := listFiles(c.pack.Dir)
			if err != nil {
				return fmt.Errorf("scan %s: %w", c.rel, err)
			}
			prefix := c.pack.RelDir() + "/"
			for _, f := range files {
				if forbiddenExt(f) {
					c.refusals.Addf(refusal.PackExecutableForbidden, prefix+f, "executable content is not allowed in packs")
				}
			}
			h, err := contentHash(c.pack.Dir, files)
			if err != nil {
				return fmt.Errorf("hash %s: %w", c.rel, err)
			}
			c.pack.ContentHash = h
			return nil
		})
	}
	return g.Wait()
}

// listFiles returns every regular file under dir as a sorted slash path.
func listFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
