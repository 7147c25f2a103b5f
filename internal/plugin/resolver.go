package plugin

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// Resolution is the outcome of dependency resolution. Order lists the
// plugins that resolved, every one after all of its dependencies.
// Failed maps each unresolvable plugin to the reason; a failure poisons
// its transitive dependents but never unrelated plugins.
type Resolution struct {
	Order  []*Discovered
	Failed map[string]*LoadError
}

// Resolve checks declared dependencies against discovered plugins and
// computes a deterministic initialization order.
func Resolve(found []*Discovered) *Resolution {
	res := &Resolution{Failed: make(map[string]*LoadError)}

	byID := make(map[string]*Discovered, len(found))
	for _, f := range found {
		byID[f.id()] = f
	}

	// Manifest failures recorded at discovery fail the plugin outright.
	for _, f := range found {
		if f.Err != nil {
			res.Failed[f.id()] = f.Err
		}
	}

	// Edge checks: missing dependencies and version mismatches.
	for _, f := range found {
		if _, failed := res.Failed[f.id()]; failed {
			continue
		}
		for _, dep := range f.Descriptor.Dependencies {
			if _, failed := res.Failed[dep.ID]; failed {
				// poisonDependents will fail this plugin with the
				// dependency's chain.
				continue
			}
			target, ok := byID[dep.ID]
			if !ok {
				res.Failed[f.id()] = &LoadError{
					Kind:     ErrMissingDependency,
					PluginID: f.id(),
					Chain:    []string{f.id(), dep.ID},
				}
				break
			}
			if dep.Range == "" {
				continue
			}
			constraint, err := semver.NewConstraint(dep.Range)
			if err != nil {
				res.Failed[f.id()] = &LoadError{
					Kind:     ErrInvalidManifest,
					PluginID: f.id(),
					Chain:    []string{f.id(), dep.ID},
					Err:      err,
				}
				break
			}
			if !constraint.Check(target.Descriptor.Semver()) {
				res.Failed[f.id()] = &LoadError{
					Kind:     ErrVersionMismatch,
					PluginID: f.id(),
					Chain:    []string{f.id(), dep.ID},
					Err: fmt.Errorf("%s v%s does not satisfy %q",
						dep.ID, target.Descriptor.Version, dep.Range),
				}
				break
			}
		}
	}

	// Kahn's algorithm over the surviving nodes. Ready nodes are taken
	// in id order so the result is deterministic.
	indegree := make(map[string]int)
	dependents := make(map[string][]string)
	for _, f := range found {
		if _, failed := res.Failed[f.id()]; failed {
			continue
		}
		indegree[f.id()] = 0
	}
	for _, f := range found {
		if _, failed := res.Failed[f.id()]; failed {
			continue
		}
		for _, dep := range f.Descriptor.Dependencies {
			if _, failed := res.Failed[dep.ID]; failed {
				continue
			}
			indegree[f.id()]++
			dependents[dep.ID] = append(dependents[dep.ID], f.id())
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	resolved := make(map[string]bool, len(indegree))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		resolved[id] = true
		res.Order = append(res.Order, byID[id])

		var unlocked []string
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}

	// Anything with edges left sits on a cycle.
	var cyclic []string
	for id := range indegree {
		if !resolved[id] {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	for _, id := range cyclic {
		res.Failed[id] = &LoadError{
			Kind:     ErrCyclicDependency,
			PluginID: id,
			Chain:    cycleChain(id, byID, resolved),
		}
	}

	// Propagate failures to transitive dependents that were not on the
	// cycle themselves but depend on a failed plugin.
	res.poisonDependents(found)

	return res
}

// cycleChain walks declared dependencies from id through unresolved
// nodes until it returns to id, producing a readable offending chain.
func cycleChain(id string, byID map[string]*Discovered, resolved map[string]bool) []string {
	chain := []string{id}
	seen := map[string]bool{id: true}
	current := id
	for {
		next := ""
		for _, dep := range byID[current].Descriptor.Dependencies {
			if _, ok := byID[dep.ID]; ok && !resolved[dep.ID] {
				next = dep.ID
				break
			}
		}
		if next == "" || seen[next] {
			if next != "" {
				chain = append(chain, next)
			}
			return chain
		}
		chain = append(chain, next)
		seen[next] = true
		current = next
	}
}

// poisonDependents fails every plugin that transitively depends on an
// already-failed plugin, then trims them from the order.
func (r *Resolution) poisonDependents(found []*Discovered) {
	changed := true
	for changed {
		changed = false
		for _, f := range found {
			if _, failed := r.Failed[f.id()]; failed {
				continue
			}
			for _, dep := range f.Descriptor.Dependencies {
				cause, failed := r.Failed[dep.ID]
				if !failed {
					continue
				}
				chain := append([]string{f.id()}, cause.chainOrSelf()...)
				r.Failed[f.id()] = &LoadError{
					Kind:     cause.Kind,
					PluginID: f.id(),
					Chain:    chain,
				}
				changed = true
				break
			}
		}
	}

	if len(r.Failed) == 0 {
		return
	}
	kept := r.Order[:0]
	for _, f := range r.Order {
		if _, failed := r.Failed[f.id()]; !failed {
			kept = append(kept, f)
		}
	}
	r.Order = kept
}

func (e *LoadError) chainOrSelf() []string {
	if len(e.Chain) > 0 {
		return e.Chain
	}
	return []string{e.PluginID}
}
