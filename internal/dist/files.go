package dist

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"labkit.ai/internal/canon"
)

// FileHash is one row of the manifest file list.
type FileHash struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// coveredDirs are the dist subtrees listed in file_hashes. lockfile.json is
// listed as well; manifest.json never is.
var coveredDirs = []string{"bin", "bundles", "packs", "registries"}

// listCovered returns every covered file under distDir as sorted slash paths.
// Missing subtrees are skipped; the validator reports them separately.
func listCovered(distDir string) ([]string, error) {
	var out []string
	for _, sub := range coveredDirs {
		base := filepath.Join(distDir, sub)
		err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(distDir, p)
			if err != nil {
				return err
			}
			out = append(out, filepath.ToSlash(rel))
			return nil
		})
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	if fi, err := os.Stat(filepath.Join(distDir, LockfileName)); err == nil && fi.Mode().IsRegular() {
		out = append(out, LockfileName)
	}
	sort.Strings(out)
	return out, nil
}

// hashFiles hashes rels under distDir in parallel. Rows come back in the order
// of rels.
func hashFiles(ctx context.Context, distDir string, rels []string) ([]FileHash, error) {
	rows := make([]FileHash, len(rels))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, rel := range rels {
		i, rel := i, rel
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := canon.FileSHA256(filepath.Join(distDir, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			rows[i] = FileHash{Path: rel, SHA256: sum}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// ContentHash is canonical_sha256 over the file rows.
func ContentHash(rows []FileHash) (string, error) {
	if rows == nil {
		rows = []FileHash{}
	}
	return canon.Hash(rows)
}

// RegistryHashChain is canonical_sha256 over the lockfile registry map.
func RegistryHashChain(registries map[string]string) (string, error) {
	return canon.Hash(registries)
}

// CompositeBaseline binds pack_lock_hash and registry hashes into the anchor a
// launched run starts from.
func CompositeBaseline(packLockHash string, registries map[string]string) (string, error) {
	return canon.Hash(map[string]any{"pack_lock_hash": packLockHash, "registry_hashes": registries})
}
