// Package cache is the content-addressed registry compile cache under
// .cache/<key>/.
package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/model"
	"labkit.ai/internal/packs"
	"labkit.ai/internal/refusal"
)

const (
	SchemaVersion = "1.0.0"
	ManifestFile  = "manifest.json"
	OutputsDir    = "outputs"
)

type descriptorLeaf struct {
	packs.Descriptor
	PayloadHash string `json:"payload_hash"`
}

// Key is the Merkle root over manifest leaves (by pack_id), contribution
// descriptor leaves (by contrib_type, id, pack_id), the bundle selection leaf
// and the tool version leaf.
func Key(ordered []*packs.Pack, contribs []packs.Contribution, selection []string, toolVersion string) (string, error) {
	sorted := append([]*packs.Pack(nil), ordered...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PackID < sorted[j].PackID })

	var leaves []string
	for _, p := range sorted {
		h, err := canon.Hash(p.Raw)
		if err != nil {
			return "", fmt.Errorf("manifest leaf %s: %w", p.PackID, err)
		}
		leaves = append(leaves, h)
	}

	cs := append([]packs.Contribution(nil), contribs...)
	packs.SortContributions(cs)
	for _, c := range cs {
		ph, err := canon.Hash(c.Payload)
		if err != nil {
			return "", fmt.Errorf("payload leaf %s: %w", c.ID, err)
		}
		h, err := canon.Hash(descriptorLeaf{Descriptor: c.Descriptor(), PayloadHash: ph})
		if err != nil {
			return "", err
		}
		leaves = append(leaves, h)
	}

	bundleLeaf, err := canon.Hash(model.SortedUnique(selection))
	if err != nil {
		return "", err
	}
	toolLeaf, err := canon.Hash(map[string]string{"tool_version": toolVersion})
	if err != nil {
		return "", err
	}
	return canon.MerkleRoot(append(leaves, bundleLeaf, toolLeaf))
}

// Output is one cached file.
type Output struct {
	RelPath string `json:"rel_path"`
	SHA256  string `json:"sha256"`
}

// Input records what produced an entry.
type Input struct {
	Key       string   `json:"key"`
	BundleID  string   `json:"bundle_id"`
	Selection []string `json:"selection"`
}

// Manifest is .cache/<key>/manifest.json.
type Manifest struct {
	CacheSchemaVersion string   `json:"cache_schema_version"`
	ToolVersion        string   `json:"tool_version"`
	InputManifest      Input    `json:"input_manifest"`
	Outputs            []Output `json:"outputs"`
	Lockfile           Output   `json:"lockfile"`
}

// Store reads and writes cache entries under Dir.
type Store struct {
	Dir    string
	Logger *slog.Logger
}

// New returns a store rooted at dir.
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{Dir: dir, Logger: logger}
}

func (s *Store) entry(key string) string { return filepath.Join(s.Dir, key) }

// Lookup reports a hit when both the manifest and the outputs directory exist.
func (s *Store) Lookup(key string) (*Manifest, bool) {
	dir := s.entry(key)
	if fi, err := os.Stat(filepath.Join(dir, OutputsDir)); err != nil || !fi.IsDir() {
		return nil, false
	}
	var m Manifest
	if err := canon.ReadStrict(filepath.Join(dir, ManifestFile), &m); err != nil {
		return nil, false
	}
	return &m, true
}

// Restore copies a hit's registries into registriesDir and its lockfile to
// lockfilePath, verifying every sha256 first. A mismatch is a refusal and
// nothing is written.
func (s *Store) Restore(key, registriesDir, lockfilePath string) (*Manifest, error) {
	m, ok := s.Lookup(key)
	if !ok {
		return nil, fs.ErrNotExist
	}
	out := filepath.Join(s.entry(key), OutputsDir)
	files := map[string][]byte{}
	var errs refusal.Errors
	for _, o := range append(append([]Output(nil), m.Outputs...), m.Lockfile) {
		b, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(o.RelPath)))
		if err != nil {
			errs.Addf(refusal.CacheOutputHashMismatch, o.RelPath, "cached output unreadable: %v", err)
			continue
		}
		if got := canon.SHA256Hex(b); got != o.SHA256 {
			errs.Addf(refusal.CacheOutputHashMismatch, o.RelPath, "sha256 %s, manifest records %s", got, o.SHA256)
			continue
		}
		files[o.RelPath] = b
	}
	if len(errs) > 0 {
		return nil, errs.SortedByCode()
	}
	for _, o := range m.Outputs {
		if err := canon.WriteBytes(filepath.Join(registriesDir, filepath.Base(o.RelPath)), files[o.RelPath]); err != nil {
			return nil, err
		}
	}
	if err := canon.WriteBytes(lockfilePath, files[m.Lockfile.RelPath]); err != nil {
		return nil, err
	}
	s.Logger.Debug("cache restore", "key", key, "outputs", len(m.Outputs))
	return m, nil
}

// Put stores registry files (by file name) and the lockfile bytes under key.
// The entry is assembled in a sibling temp directory and renamed into place.
func (s *Store) Put(key, toolVersion string, in Input, registries map[string][]byte, lockfile []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(s.Dir, ".tmp-"+key[:min(12, len(key))]+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	names := make([]string, 0, len(registries))
	for n := range registries {
		names = append(names, n)
	}
	sort.Strings(names)

	m := Manifest{CacheSchemaVersion: SchemaVersion, ToolVersion: toolVersion, InputManifest: in}
	for _, n := range names {
		rel := "registries/" + n
		if err := canon.WriteBytes(filepath.Join(tmp, OutputsDir, "registries", n), registries[n]); err != nil {
			return err
		}
		m.Outputs = append(m.Outputs, Output{RelPath: rel, SHA256: canon.SHA256Hex(registries[n])})
	}
	if err := canon.WriteBytes(filepath.Join(tmp, OutputsDir, "lockfile.json"), lockfile); err != nil {
		return err
	}
	m.Lockfile = Output{RelPath: "lockfile.json", SHA256: canon.SHA256Hex(lockfile)}
	if err := canon.WriteFile(filepath.Join(tmp, ManifestFile), m); err != nil {
		return err
	}

	dst := s.entry(key)
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("cache store %s: %w", key, err)
	}
	s.Logger.Debug("cache store", "key", key, "outputs", len(m.Outputs))
	return nil
}

// Entries lists cached keys, sorted.
func (s *Store) Entries() ([]string, error) {
	des, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range des {
		if d.IsDir() && canon.IsHex64(d.Name()) {
			out = append(out, d.Name())
		}
	}
	return out, nil
}

// Prune removes every entry except keep, returning how many were removed.
func (s *Store) Prune(keep map[string]bool) (int, error) {
	keys, err := s.Entries()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if keep[k] {
			continue
		}
		if err := os.RemoveAll(s.entry(k)); err != nil {
			return n, err
		}
		n++
	}
	s.Logger.Info("cache prune", "removed", n)
	return n, nil
}
