// Package packs discovers content packs, resolves their dependency graph and
// parses their typed contributions.
package packs

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Categories is the closed set of pack categories.
var Categories = []string{"core", "domain", "experience", "law", "tool"}

// ForbiddenExtensions may not appear anywhere under a pack directory. The
// comparison is case-insensitive.
var ForbiddenExtensions = []string{
	".bat", ".bin", ".cmd", ".com", ".dll", ".dylib", ".exe",
	".jar", ".js", ".msi", ".ps1", ".py", ".sh", ".so",
}

var (
	packIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)+$`)
	semverPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`)
)

// ManifestFile is the fixed manifest file name.
const ManifestFile = "pack.json"

// Manifest is the decoded pack.json.
type Manifest struct {
	SchemaVersion   string             `json:"schema_version"`
	PackID          string             `json:"pack_id"`
	Version         string             `json:"version"`
	Category        string             `json:"category"`
	Title           string             `json:"title,omitempty"`
	Dependencies    []string           `json:"dependencies"`
	SignatureStatus string             `json:"signature_status"`
	CanonicalHash   string             `json:"canonical_hash"`
	Contributions   []ContributionDecl `json:"contributions"`
}

// ContributionDecl is one entry of a manifest's contributions list.
type ContributionDecl struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Path string `json:"path"`
}

// Pack is a loaded, validated pack.
type Pack struct {
	Manifest

	// Raw is the validated manifest payload in the generic JSON value space.
	Raw any
	// Dir is the absolute pack directory.
	Dir string
	// ManifestPath is slash separated and relative to the repository root.
	ManifestPath string
	// ContentHash is the Merkle root over the pack's files, pack.json excluded.
	ContentHash string

	Deps []Dependency
}

// RelDir is the slash separated pack directory relative to the repository root.
func (p *Pack) RelDir() string { return path.Dir(p.ManifestPath) }

// Dependency is a parsed "pack_id@semver" token. An empty Version accepts any version.
type Dependency struct {
	PackID  string
	Version string
}

func (d Dependency) String() string {
	if d.Version == "" {
		return d.PackID
	}
	return d.PackID + "@" + d.Version
}

// ParseDependency parses "pack_id", "pack_id@" or "pack_id@x.y.z".
func ParseDependency(token string) (Dependency, error) {
	name, version, _ := strings.Cut(strings.TrimSpace(token), "@")
	if !packIDPattern.MatchString(name) {
		return Dependency{}, fmt.Errorf("invalid pack id in dependency token %q", token)
	}
	if version != "" && !semverPattern.MatchString(version) {
		return Dependency{}, fmt.Errorf("invalid version in dependency token %q", token)
	}
	return Dependency{PackID: name, Version: version}, nil
}

// ValidPackID reports whether id is a dotted pack token.
func ValidPackID(id string) bool { return packIDPattern.MatchString(id) }

func isCategory(c string) bool {
	for _, x := range Categories {
		if x == c {
			return true
		}
	}
	return false
}

func forbiddenExt(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return false
	}
	for _, x := range ForbiddenExtensions {
		if x == ext {
			return true
		}
	}
	return false
}
