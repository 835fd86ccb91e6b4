package domain

import (
	"fmt"
	"sort"
)

// ConfidenceFloors is the configured minimum confidence per criticality
// (§3 invariant 3, §6 confidence_floor.*).
type ConfidenceFloors struct {
	High   float64
	Medium float64
	Low    float64
}

// CheckCycle runs a stdlib DFS over the dependency graph and returns the
// first cycle found, or nil if the graph is acyclic. An 8-node graph does
// not warrant pulling in a graph library; plain DFS is the idiomatic,
// obviously-correct choice here.
func CheckCycle(domains map[string]*Domain) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(domains))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		switch state[id] {
		case done:
			return nil
		case visiting:
			// found the back-edge; trim path to the cycle itself
			for i, p := range path {
				if p == id {
					return append(append([]string{}, path[i:]...), id)
				}
			}
			return append(path, id)
		}

		state[id] = visiting
		path = append(path, id)

		d, ok := domains[id]
		if ok {
			for _, dep := range d.Dependencies {
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}

		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	ids := make([]string, 0, len(domains))
	for id := range domains {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic iteration order for reproducible error messages

	for _, id := range ids {
		if state[id] == unvisited {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// UnresolvedDependencies returns any DomainIds referenced as a dependency
// that do not exist in the tree (§3 invariant 2: "acyclic and fully
// resolved").
func UnresolvedDependencies(domains map[string]*Domain) []string {
	var missing []string
	for id, d := range domains {
		for _, dep := range d.Dependencies {
			if _, ok := domains[dep]; !ok {
				missing = append(missing, fmt.Sprintf("%s -> %s", id, dep))
			}
		}
	}
	sort.Strings(missing)
	return missing
}

// MissingFoundationalDomains returns the foundational DomainIds absent from
// the tree (§3 invariant 4).
func MissingFoundationalDomains(domains map[string]*Domain) []string {
	var missing []string
	for _, id := range FoundationalDomainIDs {
		if _, ok := domains[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// ConfidenceViolations returns, for every domain whose confidence is below
// its criticality floor, the domain id (§3 invariant 3).
func ConfidenceViolations(domains map[string]*Domain, floors ConfidenceFloors) []string {
	var violations []string
	ids := make([]string, 0, len(domains))
	for id := range domains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d := domains[id]
		floor := d.ConfidenceFloor(floors.High, floors.Medium, floors.Low)
		if d.Confidence < floor {
			violations = append(violations, id)
		}
	}
	return violations
}

// IsFoundational reports whether id names one of the 8 foundational domains
// that §3 invariant 4 forbids removing (§4.D ForbiddenRemoval).
func IsFoundational(id string) bool {
	for _, f := range FoundationalDomainIDs {
		if f == id {
			return true
		}
	}
	return false
}
