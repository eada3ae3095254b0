package packs

import (
	"path/filepath"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/refusal"
)

type fileLeaf struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// contentHash is the Merkle root over canonical {path, sha256} leaves of every
// file in the pack except its manifest. files must be sorted.
func contentHash(dir string, files []string) (string, error) {
	leaves := make([]string, 0, len(files))
	for _, f := range files {
		if f == ManifestFile {
			continue
		}
		sum, err := canon.FileSHA256(filepath.Join(dir, filepath.FromSlash(f)))
		if err != nil {
			return "", err
		}
		leaf, err := canon.Hash(fileLeaf{Path: f, SHA256: sum})
		if err != nil {
			return "", err
		}
		leaves = append(leaves, leaf)
	}
	return canon.MerkleRoot(leaves)
}

// ComputeContentHash recomputes a pack directory's content hash from disk.
func ComputeContentHash(dir string) (string, error) {
	files, err := listFiles(dir)
	if err != nil {
		return "", err
	}
	return contentHash(dir, files)
}

// HashReport is one row of VerifyHashes output.
type HashReport struct {
	PackID   string `json:"pack_id"`
	Declared string `json:"declared_canonical_hash"`
	Computed string `json:"computed_content_hash"`
	Match    bool   `json:"match"`
}

// VerifyHashes compares each pack's declared canonical_hash with its content
// hash. It only reports; the lockfile binds both values.
func VerifyHashes(inv *Inventory) ([]HashReport, refusal.Errors) {
	var errs refusal.Errors
	out := make([]HashReport, 0, len(inv.Packs))
	for _, p := range inv.Packs {
		r := HashReport{PackID: p.PackID, Declared: p.CanonicalHash, Computed: p.ContentHash, Match: p.CanonicalHash == p.ContentHash}
		if !r.Match {
			errs.Addf(refusal.PackCanonicalHashMismatch, p.ManifestPath, "declared %s, computed %s", p.CanonicalHash, p.ContentHash)
		}
		out = append(out, r)
	}
	return out, errs.SortedByCode()
}
