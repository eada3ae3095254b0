package packs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/refusal"
)

// Contribution types.
const (
	ContribAssets            = "assets"
	ContribDomain            = "domain"
	ContribExperienceProfile = "experience_profile"
	ContribLawProfile        = "law_profile"
	ContribLens              = "lens"
	ContribRegistryEntries   = "registry_entries"
	ContribScenarioSpec      = "scenario_spec"
	ContribUIWindows         = "ui_windows"
)

// ContribTypes is the closed set of contribution types.
var ContribTypes = []string{
	ContribAssets, ContribDomain, ContribExperienceProfile, ContribLawProfile,
	ContribLens, ContribRegistryEntries, ContribScenarioSpec, ContribUIWindows,
}

// Contribution is one parsed, typed payload owned by a pack.
type Contribution struct {
	PackID  string `json:"pack_id"`
	Type    string `json:"contrib_type"`
	ID      string `json:"id"`
	Path    string `json:"path"`
	Payload any    `json:"payload"`
}

// Descriptor is the identity of a contribution without its payload.
type Descriptor struct {
	ContribType string `json:"contrib_type"`
	ID          string `json:"id"`
	PackID      string `json:"pack_id"`
	Path        string `json:"path"`
}

// Descriptor returns the payload-free identity of c.
func (c Contribution) Descriptor() Descriptor {
	return Descriptor{ContribType: c.Type, ID: c.ID, PackID: c.PackID, Path: c.Path}
}

// ParseContributions reads the declared contributions of ordered packs. The
// output is sorted by (contrib_type, id, pack_id).
func ParseContributions(ordered []*Pack) ([]Contribution, refusal.Errors) {
	var (
		errs  refusal.Errors
		out   []Contribution
		owner = map[string]string{}
	)
	for _, p := range ordered {
		for i, decl := range p.Contributions {
			at := fmt.Sprintf("%s#contributions[%d]", p.ManifestPath, i)
			if !isContribType(decl.Type) {
				errs.Addf(refusal.ContribUnsupportedType, at, "unsupported contribution type %q", decl.Type)
				continue
			}
			if strings.TrimSpace(decl.ID) == "" {
				errs.Add(refusal.ContribMissingID, at, "contribution id is empty")
				continue
			}
			if strings.TrimSpace(decl.Path) == "" {
				errs.Addf(refusal.ContribMissingPath, at, "contribution %s has no path", decl.ID)
				continue
			}
			if first, dup := owner[decl.ID]; dup {
				errs.Addf(refusal.ContribDuplicateID, at, "contribution id %s is declared by %s and %s", decl.ID, first, p.PackID)
				continue
			}
			owner[decl.ID] = p.PackID

			full, ok := containedPath(p.Dir, decl.Path)
			if !ok {
				errs.Addf(refusal.ContribPathOutsidePack, at, "path %q escapes the pack directory", decl.Path)
				continue
			}
			raw, err := os.ReadFile(full)
			if err != nil {
				errs.Addf(refusal.ContribMissingPath, at, "contribution %s: %v", decl.ID, err)
				continue
			}
			payload, err := canon.Decode(raw)
			if err != nil {
				errs.Addf(refusal.ContribInvalidPayload, at, "contribution %s: %v", decl.ID, err)
				continue
			}
			if _, isObj := payload.(map[string]any); !isObj {
				errs.Addf(refusal.ContribPayloadNotObject, at, "contribution %s payload is not a JSON object", decl.ID)
				continue
			}
			out = append(out, Contribution{
				PackID:  p.PackID,
				Type:    decl.Type,
				ID:      decl.ID,
				Path:    decl.Path,
				Payload: payload,
			})
		}
	}
	if len(errs) > 0 {
		return nil, errs.SortedByCode()
	}
	SortContributions(out)
	return out, nil
}

// SortContributions orders contributions by (contrib_type, id, pack_id).
func SortContributions(cs []Contribution) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.PackID < b.PackID
	})
}

// containedPath joins rel onto dir and reports whether the cleaned result is
// still inside dir.
func containedPath(dir, rel string) (string, bool) {
	if filepath.IsAbs(rel) || filepath.IsAbs(filepath.FromSlash(rel)) {
		return "", false
	}
	base := filepath.Clean(dir)
	full := filepath.Clean(filepath.Join(base, filepath.FromSlash(rel)))
	if !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

func isContribType(t string) bool {
	for _, x := range ContribTypes {
		if x == t {
			return true
		}
	}
	return false
}
