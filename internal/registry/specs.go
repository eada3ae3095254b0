// Package registry compiles pack contributions into the ten canonical
// registries and binds them with a lockfile.
package registry

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"labkit.ai/internal/canon"
)

// FormatVersion is stamped on every registry file.
const FormatVersion = "1.0.0"

// Spec describes one registry file.
type Spec struct {
	Name    string // refusal suffix, e.g. invalid_<Name>
	File    string
	Schema  string
	RowsKey string
	IDKey   string
	LockKey string
}

// Registry names.
const (
	Domain     = "domain"
	Law        = "law"
	Experience = "experience"
	Lens       = "lens"
	Activation = "activation_policy"
	Budget     = "budget_policy"
	Fidelity   = "fidelity_policy"
	Astronomy  = "astronomy"
	Site       = "site"
	UI         = "ui"
)

// Specs lists the registries in a fixed order.
var Specs = []Spec{
	{Domain, "domain.registry.json", "domain_registry", "domains", "domain_id", "domain_registry_hash"},
	{Law, "law.registry.json", "law_registry", "law_profiles", "law_profile_id", "law_registry_hash"},
	{Experience, "experience.registry.json", "experience_registry", "experiences", "experience_id", "experience_registry_hash"},
	{Lens, "lens.registry.json", "lens_registry", "lenses", "lens_id", "lens_registry_hash"},
	{Activation, "activation_policy.registry.json", "activation_policy_registry", "policies", "policy_id", "activation_policy_registry_hash"},
	{Budget, "budget_policy.registry.json", "budget_policy_registry", "policies", "policy_id", "budget_policy_registry_hash"},
	{Fidelity, "fidelity_policy.registry.json", "fidelity_policy_registry", "policies", "policy_id", "fidelity_policy_registry_hash"},
	{Astronomy, "astronomy.catalog.index.json", "astronomy_catalog_index", "entries", "object_id", "astronomy_catalog_index_hash"},
	{Site, "site.registry.index.json", "site_registry_index", "sites", "site_id", "site_registry_index_hash"},
	{UI, "ui.registry.json", "ui_registry", "windows", "window_id", "ui_registry_hash"},
}

// SpecByName looks up a registry spec.
func SpecByName(name string) (Spec, bool) {
	for _, s := range Specs {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}

// SpecByLockKey looks up a registry spec by its lockfile key.
func SpecByLockKey(key string) (Spec, bool) {
	for _, s := range Specs {
		if s.LockKey == key {
			return s, true
		}
	}
	return Spec{}, false
}

// SelfHash recomputes a registry payload's hash with registry_hash blanked.
func SelfHash(payload map[string]any) (string, error) {
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	cp["registry_hash"] = ""
	return canon.Hash(cp)
}

// NormalizeSearchKey lowercases s, drops everything NFKD decomposition leaves
// outside ASCII and collapses whitespace.
func NormalizeSearchKey(s string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(s) {
		if r > unicode.MaxASCII {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
