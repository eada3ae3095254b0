// Package lockfile holds the binding record of a compiled bundle and its
// writer-independent validator.
package lockfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/refusal"
)

const (
	Version              = "1.0.0"
	CompatibilityVersion = "1.0.0"
	FileName             = "lockfile.json"
)

// RegistryKeys are the ten keys of the registries map, sorted.
var RegistryKeys = []string{
	"activation_policy_registry_hash",
	"astronomy_catalog_index_hash",
	"budget_policy_registry_hash",
	"domain_registry_hash",
	"experience_registry_hash",
	"fidelity_policy_registry_hash",
	"law_registry_hash",
	"lens_registry_hash",
	"site_registry_index_hash",
	"ui_registry_hash",
}

var requiredKeys = []string{
	"bundle_id", "compatibility_version", "lockfile_version",
	"pack_lock_hash", "registries", "resolved_packs",
}

// ResolvedPack is one row of resolved_packs.
type ResolvedPack struct {
	PackID          string `json:"pack_id"`
	Version         string `json:"version"`
	CanonicalHash   string `json:"canonical_hash"`
	SignatureStatus string `json:"signature_status"`
	ContentHash     string `json:"content_hash,omitempty"`
}

// Lockfile is the decoded lockfile.json.
type Lockfile struct {
	LockfileVersion      string            `json:"lockfile_version"`
	BundleID             string            `json:"bundle_id"`
	ResolvedPacks        []ResolvedPack    `json:"resolved_packs"`
	Registries           map[string]string `json:"registries"`
	CompatibilityVersion string            `json:"compatibility_version"`
	PackLockHash         string            `json:"pack_lock_hash"`
}

// SortPacks orders rows by (pack_id, version, canonical_hash, signature_status).
func SortPacks(rows []ResolvedPack) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.PackID != b.PackID {
			return a.PackID < b.PackID
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		if a.CanonicalHash != b.CanonicalHash {
			return a.CanonicalHash < b.CanonicalHash
		}
		return a.SignatureStatus < b.SignatureStatus
	})
}

// PackLockHash is the canonical hash of rows after sorting.
func PackLockHash(rows []ResolvedPack) (string, error) {
	sorted := append([]ResolvedPack(nil), rows...)
	SortPacks(sorted)
	return canon.Hash(sorted)
}

// New assembles a lockfile and computes its pack_lock_hash.
func New(bundleID string, rows []ResolvedPack, registries map[string]string) (*Lockfile, error) {
	sorted := append([]ResolvedPack(nil), rows...)
	SortPacks(sorted)
	h, err := canon.Hash(sorted)
	if err != nil {
		return nil, fmt.Errorf("pack_lock_hash: %w", err)
	}
	regs := make(map[string]string, len(registries))
	for k, v := range registries {
		regs[k] = v
	}
	return &Lockfile{
		LockfileVersion:      Version,
		BundleID:             bundleID,
		ResolvedPacks:        sorted,
		Registries:           regs,
		CompatibilityVersion: CompatibilityVersion,
		PackLockHash:         h,
	}, nil
}

// Validate checks a decoded lockfile payload without trusting its writer. The
// result is sorted by (code, path, message).
func Validate(payload any) refusal.Errors {
	var errs refusal.Errors
	obj, ok := payload.(map[string]any)
	if !ok {
		errs.Add(refusal.LockfileMissingRequiredField, "$", "lockfile is not a JSON object")
		return errs
	}
	for _, k := range requiredKeys {
		if _, ok := obj[k]; !ok {
			errs.Addf(refusal.LockfileMissingRequiredField, "$."+k, "missing required field %s", k)
		}
	}
	if v, ok := obj["lockfile_version"]; ok && v != Version {
		errs.Addf(refusal.LockfileInvalidVersion, "$.lockfile_version", "lockfile_version must be %q", Version)
	}

	if raw, ok := obj["registries"]; ok {
		regs, isObj := raw.(map[string]any)
		if !isObj {
			errs.Add(refusal.LockfileInvalidRegistryHash, "$.registries", "registries must be an object")
		} else {
			for _, k := range RegistryKeys {
				s, _ := regs[k].(string)
				if !canon.IsHex64(s) {
					errs.Addf(refusal.LockfileInvalidRegistryHash, "$.registries."+k, "registry hash must be 64 lowercase hex characters")
				}
			}
		}
	}

	raw, ok := obj["resolved_packs"]
	if !ok {
		return errs.SortedByCode()
	}
	list, isList := raw.([]any)
	if !isList {
		errs.Add(refusal.LockfileInvalidResolvedPack, "$.resolved_packs", "resolved_packs must be an array")
		return errs.SortedByCode()
	}
	rows := make([]ResolvedPack, 0, len(list))
	for i, item := range list {
		at := fmt.Sprintf("$.resolved_packs[%d]", i)
		row, isObj := item.(map[string]any)
		if !isObj {
			errs.Add(refusal.LockfileInvalidResolvedPack, at, "resolved pack must be an object")
			continue
		}
		var rp ResolvedPack
		for _, f := range []struct {
			key string
			dst *string
		}{
			{"pack_id", &rp.PackID},
			{"version", &rp.Version},
			{"canonical_hash", &rp.CanonicalHash},
			{"signature_status", &rp.SignatureStatus},
		} {
			s, _ := row[f.key].(string)
			if s == "" {
				errs.Addf(refusal.LockfileInvalidResolvedPack, at+"."+f.key, "%s must be a non-empty string", f.key)
			}
			*f.dst = s
		}
		if v, present := row["content_hash"]; present {
			s, _ := v.(string)
			if !canon.IsHex64(s) {
				errs.Add(refusal.LockfileInvalidResolvedPack, at+".content_hash", "content_hash must be 64 lowercase hex characters")
			}
			rp.ContentHash = s
		}
		rows = append(rows, rp)
	}

	declared, _ := obj["pack_lock_hash"].(string)
	if want, err := PackLockHash(rows); err != nil || want != declared {
		errs.Addf(refusal.LockfilePackLockHashMismatch, "$.pack_lock_hash", "pack_lock_hash does not match resolved_packs")
	}
	return errs.SortedByCode()
}

// Read parses the lockfile at path. It returns the generic payload for
// validation alongside the typed record. A missing file is reported with
// fs.ErrNotExist; unparseable content is a refusal.
func Read(path string) (*Lockfile, any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	payload, err := canon.Decode(raw)
	if err != nil {
		var errs refusal.Errors
		errs.Add(refusal.LockfileParseFailed, path, err.Error())
		return nil, nil, errs
	}
	var lf Lockfile
	if err := canon.ConvertLoose(payload, &lf); err != nil {
		var errs refusal.Errors
		errs.Add(refusal.LockfileParseFailed, path, err.Error())
		return nil, payload, errs
	}
	return &lf, payload, nil
}

// IsMissing reports whether err means the lockfile does not exist.
func IsMissing(err error) bool { return errors.Is(err, fs.ErrNotExist) }

// Write emits lf in canonical file form.
func Write(path string, lf *Lockfile) error {
	return canon.WriteFile(path, lf)
}
