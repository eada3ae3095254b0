package schema

import (
	"bytes"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/refusal"
)

// Names lists the schema names present in fsys, sorted.
func Names(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Suffix) {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), Suffix))
	}
	sort.Strings(out)
	return out, nil
}

// CheckSchemaSet meta-validates the schema set in fsys: every schema must
// compile as a draft 2020-12 JSON Schema, every schema and version registry
// entry must pair up, and every "examples" entry must pass both the full
// JSON Schema validator and the strict in-house validator.
func CheckSchemaSet(fsys fs.FS) (refusal.Errors, error) {
	var errs refusal.Errors

	names, err := Names(fsys)
	if err != nil {
		return nil, err
	}
	v := NewFS(fsys)
	versions, err := v.Versions()
	if err != nil {
		errs.Add(refusal.CompatxRegistryMismatch, RegistryFile, err.Error())
		return errs.SortedByCode(), nil
	}

	seen := map[string]bool{}
	for _, name := range names {
		seen[name] = true
		file := name + Suffix
		if _, ok := versions[name]; !ok {
			errs.Add(refusal.CompatxRegistryMismatch, file, "schema has no version registry entry")
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, err
		}
		compiled, err := compileDraft2020(file, raw)
		if err != nil {
			errs.Add(refusal.CompatxSchemaExampleInvalid, file, fmt.Sprintf("schema does not compile: %v", err))
			continue
		}

		doc, err := canon.Decode(raw)
		if err != nil {
			errs.Add(refusal.CompatxSchemaExampleInvalid, file, err.Error())
			continue
		}
		examples, _ := doc.(map[string]any)["examples"].([]any)
		for i, ex := range examples {
			path := fmt.Sprintf("%s#/examples/%d", file, i)
			if err := compiled.Validate(ex); err != nil {
				errs.Add(refusal.CompatxSchemaExampleInvalid, path, firstLine(err.Error()))
			}
			for _, row := range v.Validate(name, ex, true) {
				errs.Add(refusal.CompatxSchemaExampleInvalid, path, row.Code+" at "+row.Path+": "+row.Message)
			}
		}
	}
	for name := range versions {
		if !seen[name] {
			errs.Add(refusal.CompatxRegistryMismatch, RegistryFile, fmt.Sprintf("entry %s has no schema file", name))
		}
	}
	return errs.SortedByCode(), nil
}

func compileDraft2020(file string, raw []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "mem:///" + file
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
