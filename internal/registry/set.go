package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"labkit.ai/internal/canon"
	"labkit.ai/internal/model"
)

// Set is the typed, read-only view of the ten compiled registries used by
// boot and the runtime.
type Set struct {
	Payloads map[string]map[string]any
	Hashes   map[string]string

	Laws        map[string]*model.LawProfile
	Experiences map[string]*model.Experience
	Lenses      map[string]*model.Lens
	Activation  map[string]*model.ActivationPolicy
	Budget      map[string]*model.BudgetPolicy
	Fidelity    map[string]*model.FidelityPolicy
	UIWindows   []model.UIWindow

	// Astronomy and Sites are sorted by id.
	Astronomy      []model.AstronomyEntry
	Frames         []model.ReferenceFrame
	Sites          []model.Site
	AstronomyIndex map[string][]string
	SiteIndex      map[string][]string
}

// NewSet decodes finalized registry payloads keyed by Spec.Name.
func NewSet(payloads map[string]map[string]any) (*Set, error) {
	s := &Set{
		Payloads:       payloads,
		Hashes:         map[string]string{},
		Laws:           map[string]*model.LawProfile{},
		Experiences:    map[string]*model.Experience{},
		Lenses:         map[string]*model.Lens{},
		Activation:     map[string]*model.ActivationPolicy{},
		Budget:         map[string]*model.BudgetPolicy{},
		Fidelity:       map[string]*model.FidelityPolicy{},
		AstronomyIndex: map[string][]string{},
		SiteIndex:      map[string][]string{},
	}
	for _, spec := range Specs {
		p, ok := payloads[spec.Name]
		if !ok {
			return nil, fmt.Errorf("registry %s missing", spec.Name)
		}
		h, _ := p["registry_hash"].(string)
		s.Hashes[spec.LockKey] = h
	}
	type decode struct {
		name string
		key  string
		dst  any
	}
	var (
		laws        []*model.LawProfile
		experiences []*model.Experience
		lenses      []*model.Lens
		activation  []*model.ActivationPolicy
		budget      []*model.BudgetPolicy
		fidelity    []*model.FidelityPolicy
	)
	for _, d := range []decode{
		{Law, "law_profiles", &laws},
		{Experience, "experiences", &experiences},
		{Lens, "lenses", &lenses},
		{Activation, "policies", &activation},
		{Budget, "policies", &budget},
		{Fidelity, "policies", &fidelity},
		{UI, "windows", &s.UIWindows},
		{Astronomy, "entries", &s.Astronomy},
		{Astronomy, "reference_frames", &s.Frames},
		{Astronomy, "search_index", &s.AstronomyIndex},
		{Site, "sites", &s.Sites},
		{Site, "search_index", &s.SiteIndex},
	} {
		if err := canon.ConvertLoose(payloads[d.name][d.key], d.dst); err != nil {
			return nil, fmt.Errorf("registry %s.%s: %w", d.name, d.key, err)
		}
	}
	for _, l := range laws {
		s.Laws[l.LawProfileID] = l
	}
	for _, e := range experiences {
		s.Experiences[e.ExperienceID] = e
	}
	for _, l := range lenses {
		s.Lenses[l.LensID] = l
	}
	for _, p := range activation {
		s.Activation[p.PolicyID] = p
	}
	for _, p := range budget {
		s.Budget[p.PolicyID] = p
	}
	for _, p := range fidelity {
		s.Fidelity[p.PolicyID] = p
	}
	return s, nil
}

// ReadDir reads the ten registry files from dir. A missing file is reported
// with fs.ErrNotExist wrapped with the file name.
func ReadDir(dir string) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(Specs))
	for _, spec := range Specs {
		p, err := ReadFile(filepath.Join(dir, spec.File))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.File, err)
		}
		out[spec.Name] = p
	}
	return out, nil
}

// ReadFile parses one registry file.
func ReadFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v, err := canon.Decode(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("registry is not a JSON object")
	}
	return obj, nil
}

// IsMissing reports whether err means a registry file is absent.
func IsMissing(err error) bool { return errors.Is(err, fs.ErrNotExist) }

// Entry looks up a catalog object.
func (s *Set) Entry(objectID string) (*model.AstronomyEntry, bool) {
	for i := range s.Astronomy {
		if s.Astronomy[i].ObjectID == objectID {
			return &s.Astronomy[i], true
		}
	}
	return nil, false
}

// Site looks up a site.
func (s *Set) Site(siteID string) (*model.Site, bool) {
	for i := range s.Sites {
		if s.Sites[i].SiteID == siteID {
			return &s.Sites[i], true
		}
	}
	return nil, false
}

// Window looks up a UI window.
func (s *Set) Window(windowID string) (*model.UIWindow, bool) {
	for i := range s.UIWindows {
		if s.UIWindows[i].WindowID == windowID {
			return &s.UIWindows[i], true
		}
	}
	return nil, false
}

// Search resolves a free-text query against a search index.
func Search(index map[string][]string, query string) []string {
	return index[NormalizeSearchKey(query)]
}
