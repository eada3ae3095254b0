// Package schema validates JSON payloads against the repository schema set.
//
// The schema language is a deliberately small subset of JSON Schema: type,
// const, enum, pattern (full match), required, properties,
// additionalProperties and items. Every payload must also carry a version
// field that the version registry accepts.
package schema

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/refusal"
)

const (
	// RegistryFile lists the accepted version of every schema.
	RegistryFile = "version_registry.json"
	// Suffix is appended to a schema name to form its file name.
	Suffix = ".schema.json"
)

// VersionFields are probed in order to find a payload's version.
var VersionFields = []string{"schema_version", "format_version", "lockfile_version", "layout_version"}

// VersionEntry is one row of the version registry.
type VersionEntry struct {
	CurrentVersion    string   `json:"current_version"`
	SupportedVersions []string `json:"supported_versions"`
}

// Validator checks payloads against schemas read from a file system. It is
// safe for concurrent use.
type Validator struct {
	fsys fs.FS

	mu       sync.Mutex
	schemas  map[string]any
	versions map[string]VersionEntry
	patterns map[string]*regexp.Regexp
}

// New returns a validator reading <repoRoot>/schemas.
func New(repoRoot string) *Validator {
	return NewFS(os.DirFS(filepath.Join(repoRoot, "schemas")))
}

// NewFS returns a validator reading schema files from the root of fsys.
func NewFS(fsys fs.FS) *Validator {
	return &Validator{
		fsys:     fsys,
		schemas:  map[string]any{},
		patterns: map[string]*regexp.Regexp{},
	}
}

// Validate checks payload against the named schema. strictTopLevel rejects
// top-level keys the schema does not declare. The result is sorted by
// (path, code, message) and is empty when the payload is valid.
func (v *Validator) Validate(name string, payload any, strictTopLevel bool) refusal.Errors {
	var errs refusal.Errors

	doc, err := v.load(name)
	if err != nil {
		errs.Add(refusal.CompatxSchemaMissing, "$", fmt.Sprintf("schema %s: %v", name, err))
		return errs.Sorted()
	}
	generic, err := canon.Normalize(payload)
	if err != nil {
		errs.Add(refusal.SchemaTypeMismatch, "$", err.Error())
		return errs.Sorted()
	}

	errs.Extend(v.checkVersion(name, generic))
	v.walk(doc, generic, "$", strictTopLevel, &errs)
	return errs.Sorted()
}

// Versions returns the parsed version registry.
func (v *Validator) Versions() (map[string]VersionEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.versionsLocked()
}

func (v *Validator) versionsLocked() (map[string]VersionEntry, error) {
	if v.versions != nil {
		return v.versions, nil
	}
	raw, err := fs.ReadFile(v.fsys, RegistryFile)
	if err != nil {
		return nil, err
	}
	out := map[string]VersionEntry{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", RegistryFile, err)
	}
	v.versions = out
	return out, nil
}

func (v *Validator) load(name string) (any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if doc, ok := v.schemas[name]; ok {
		return doc, nil
	}
	raw, err := fs.ReadFile(v.fsys, name+Suffix)
	if err != nil {
		return nil, err
	}
	doc, err := canon.Decode(raw)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, fmt.Errorf("schema root is not an object")
	}
	v.schemas[name] = doc
	return doc, nil
}

func (v *Validator) pattern(p string) (*regexp.Regexp, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if re, ok := v.patterns[p]; ok {
		return re, nil
	}
	re, err := regexp.Compile(`^(?:` + p + `)$`)
	if err != nil {
		return nil, err
	}
	v.patterns[p] = re
	return re, nil
}

func (v *Validator) checkVersion(name string, payload any) refusal.Errors {
	var errs refusal.Errors

	v.mu.Lock()
	versions, err := v.versionsLocked()
	v.mu.Unlock()
	if err != nil {
		errs.Add(refusal.CompatxRegistryMismatch, "$", fmt.Sprintf("version registry unreadable: %v", err))
		return errs
	}
	entry, ok := versions[name]
	if !ok {
		errs.Add(refusal.CompatxRegistryMismatch, "$", fmt.Sprintf("schema %s has no version registry entry", name))
		return errs
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		// The type check reports non-object payloads.
		return errs
	}
	field, got := "", ""
	for _, f := range VersionFields {
		if raw, present := obj[f]; present {
			field = f
			got, _ = raw.(string)
			break
		}
	}
	switch {
	case field == "":
		errs.Add(refusal.CompatxUnsupportedVersion, "$", "payload carries no version field")
	case got == entry.CurrentVersion:
	case contains(entry.SupportedVersions, got):
		errs.Add(refusal.CompatxMigrationStub, "$."+field,
			fmt.Sprintf("version %s is supported but older than %s; no migration is implemented", got, entry.CurrentVersion))
	default:
		errs.Add(refusal.CompatxUnsupportedVersion, "$."+field,
			fmt.Sprintf("version %q is not supported (current %s)", got, entry.CurrentVersion))
	}
	return errs
}

func (v *Validator) walk(schemaNode, value any, path string, strictTop bool, errs *refusal.Errors) {
	s, ok := schemaNode.(map[string]any)
	if !ok {
		return
	}

	if t, ok := s["type"]; ok {
		if !matchesType(t, value) {
			errs.Add(refusal.SchemaTypeMismatch, path, fmt.Sprintf("expected %s, got %s", typeLabel(t), kindOf(value)))
			return
		}
	}
	if c, ok := s["const"]; ok && !equal(c, value) {
		errs.Add(refusal.SchemaConstMismatch, path, fmt.Sprintf("expected constant %s", render(c)))
	}
	if e, ok := s["enum"].([]any); ok {
		found := false
		for _, option := range e {
			if equal(option, value) {
				found = true
				break
			}
		}
		if !found {
			errs.Add(refusal.SchemaEnumMismatch, path, fmt.Sprintf("value %s not in enum", render(value)))
		}
	}
	if p, ok := s["pattern"].(string); ok {
		if str, isStr := value.(string); isStr {
			re, err := v.pattern(p)
			if err != nil {
				errs.Add(refusal.SchemaPatternMismatch, path, fmt.Sprintf("bad pattern %q: %v", p, err))
			} else if !re.MatchString(str) {
				errs.Add(refusal.SchemaPatternMismatch, path, fmt.Sprintf("%q does not match %s", str, p))
			}
		}
	}

	switch t := value.(type) {
	case map[string]any:
		v.walkObject(s, t, path, strictTop, errs)
	case []any:
		if items, ok := s["items"]; ok {
			for i, el := range t {
				v.walk(items, el, fmt.Sprintf("%s[%d]", path, i), false, errs)
			}
		}
	}
}

func (v *Validator) walkObject(s map[string]any, obj map[string]any, path string, strictTop bool, errs *refusal.Errors) {
	props, _ := s["properties"].(map[string]any)

	if req, ok := s["required"].([]any); ok {
		for _, r := range req {
			key, _ := r.(string)
			if _, present := obj[key]; !present {
				errs.Add(refusal.SchemaRequiredMissing, join(path, key), fmt.Sprintf("missing required field %s", key))
			}
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	additional, hasAdditional := s["additionalProperties"]
	for _, k := range keys {
		child := join(path, k)
		if sub, declared := props[k]; declared {
			v.walk(sub, obj[k], child, false, errs)
			continue
		}
		if strictTop {
			errs.Add(refusal.SchemaUnknownTopLevelField, child, fmt.Sprintf("unknown top-level field %s", k))
			continue
		}
		if !hasAdditional {
			continue
		}
		switch a := additional.(type) {
		case bool:
			if !a {
				errs.Add(refusal.SchemaAdditionalProperty, child, fmt.Sprintf("field %s is not allowed", k))
			}
		case map[string]any:
			v.walk(a, obj[k], child, false, errs)
		}
	}
}

func matchesType(t any, value any) bool {
	switch tt := t.(type) {
	case string:
		return isType(tt, value)
	case []any:
		for _, one := range tt {
			if name, ok := one.(string); ok && isType(name, value) {
				return true
			}
		}
		return false
	}
	return true
}

func isType(name string, value any) bool {
	switch name {
	case "null":
		return value == nil
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "number":
		_, ok := value.(json.Number)
		return ok
	case "integer":
		n, ok := value.(json.Number)
		return ok && IsIntegerLiteral(n)
	}
	return false
}

// IsIntegerLiteral reports whether n was written without a fraction or exponent.
func IsIntegerLiteral(n json.Number) bool {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return false
	}
	_, err := n.Int64()
	return err == nil
}

func kindOf(value any) string {
	switch t := value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case json.Number:
		if IsIntegerLiteral(t) {
			return "integer"
		}
		return "number"
	}
	return fmt.Sprintf("%T", value)
}

func typeLabel(t any) string {
	switch tt := t.(type) {
	case string:
		return tt
	case []any:
		parts := make([]string, 0, len(tt))
		for _, p := range tt {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, "|")
	}
	return fmt.Sprint(t)
}

func equal(a, b any) bool {
	ab, err1 := canon.Marshal(a)
	bb, err2 := canon.Marshal(b)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}

func render(v any) string {
	b, err := canon.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func join(path, key string) string {
	return path + "." + key
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
