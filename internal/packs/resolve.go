package packs

import (
	"sort"
	"strings"

	"labkit.ai/internal/refusal"
)

// Resolve expands selection through declared dependencies and returns the
// lexicographically earliest topological order (dependencies first). A nil
// selection selects every pack.
func Resolve(packs []*Pack, selection []string) ([]*Pack, refusal.Errors) {
	var errs refusal.Errors

	byID := make(map[string]*Pack, len(packs))
	for _, p := range packs {
		byID[p.PackID] = p
	}

	var roots []string
	if selection == nil {
		for id := range byID {
			roots = append(roots, id)
		}
	} else {
		roots = append(roots, selection...)
	}
	roots = sortedUnique(roots)

	chosen := map[string]bool{}
	queue := make([]string, 0, len(roots))
	for _, id := range roots {
		if _, ok := byID[id]; !ok {
			errs.Addf(refusal.PackNotFound, "selection", "selected pack %s is not available", id)
			continue
		}
		if !chosen[id] {
			chosen[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		p := byID[id]
		for _, dep := range p.Deps {
			target, ok := byID[dep.PackID]
			if !ok {
				errs.Addf(refusal.PackMissingDependency, p.ManifestPath, "%s requires %s which is not available", p.PackID, dep)
				continue
			}
			if dep.Version != "" && dep.Version != target.Version {
				errs.Addf(refusal.PackVersionIncompatibility, p.ManifestPath,
					"%s requires %s@%s but %s is available", p.PackID, dep.PackID, dep.Version, target.Version)
				continue
			}
			if !chosen[dep.PackID] {
				chosen[dep.PackID] = true
				queue = append(queue, dep.PackID)
			}
		}
	}
	if len(errs) > 0 {
		return nil, errs.SortedByCode()
	}

	indegree := map[string]int{}
	dependents := map[string][]string{}
	for id := range chosen {
		seen := map[string]bool{}
		for _, dep := range byID[id].Deps {
			if seen[dep.PackID] {
				continue
			}
			seen[dep.PackID] = true
			indegree[id]++
			dependents[dep.PackID] = append(dependents[dep.PackID], id)
		}
	}

	var ready []string
	for id := range chosen {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]*Pack, 0, len(chosen))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, byID[id])
		next := dependents[id]
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(chosen) {
		var remaining []string
		for id := range chosen {
			if indegree[id] > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		errs.Addf(refusal.PackCircularDependency, "packs", "circular dependency among [%s]", strings.Join(remaining, ", "))
		return nil, errs
	}
	return order, nil
}

func sortedUnique(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	w := 0
	for i, s := range out {
		if i > 0 && s == out[w-1] {
			continue
		}
		out[w] = s
		w++
	}
	return out[:w]
}
