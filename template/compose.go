package template

import (
	"sort"

	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/schema"
)

// orderModules topologically sorts the given modules by their declared
// dependencies. Ties at the same dependency depth are broken by
// DisplayOrder then name, which makes the order fully deterministic.
// Dependencies pointing outside the set must already be satisfied by the
// `satisfied` set (core modules when ordering optionals).
func orderModules(modules []tenantdb.Module, satisfied map[string]bool) ([]tenantdb.Module, error) {
	byName := make(map[string]*tenantdb.Module, len(modules))
	indegree := make(map[string]int, len(modules))
	dependents := make(map[string][]string, len(modules))

	for i := range modules {
		m := &modules[i]
		byName[m.Name] = m
		indegree[m.Name] = 0
	}

	for i := range modules {
		m := &modules[i]
		for _, dep := range m.Requires {
			if satisfied[dep] {
				continue
			}
			if _, ok := byName[dep]; !ok {
				return nil, UnknownModuleError(dep)
			}
			indegree[m.Name]++
			dependents[dep] = append(dependents[dep], m.Name)
		}
	}

	ready := []string{}
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	less := func(a, b string) bool {
		ma, mb := byName[a], byName[b]
		if ma.DisplayOrder != mb.DisplayOrder {
			return ma.DisplayOrder < mb.DisplayOrder
		}
		return ma.Name < mb.Name
	}

	ordered := make([]tenantdb.Module, 0, len(modules))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		name := ready[0]
		ready = ready[1:]

		ordered = append(ordered, *byName[name])
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(modules) {
		var cyclic []string
		for name, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, ModuleCycleError(cyclic)
	}

	return ordered, nil
}

// composeOrder resolves and orders the module selection for a template:
// all core modules first, then the requested optional modules plus their
// transitive optional dependencies, each group in dependency order.
func composeOrder(t *tenantdb.Template, optional []string) ([]tenantdb.Module, error) {
	var core, opts []tenantdb.Module
	for _, m := range t.Modules {
		if m.Type == tenantdb.ModuleCore {
			core = append(core, m)
		} else {
			opts = append(opts, m)
		}
	}

	orderedCore, err := orderModules(core, nil)
	if err != nil {
		return nil, err
	}

	coreNames := map[string]bool{}
	for _, m := range orderedCore {
		coreNames[m.Name] = true
	}

	// expand the optional selection with transitive optional dependencies
	selected := map[string]bool{}
	queue := append([]string(nil), optional...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if selected[name] || coreNames[name] {
			continue
		}
		m, ok := t.Module(name)
		if !ok || m.Type != tenantdb.ModuleOptional {
			return nil, UnknownModuleError(name)
		}
		selected[name] = true
		queue = append(queue, m.Requires...)
	}

	var chosen []tenantdb.Module
	for _, m := range opts {
		if selected[m.Name] {
			chosen = append(chosen, m)
		}
	}

	orderedOptional, err := orderModules(chosen, coreNames)
	if err != nil {
		return nil, err
	}

	return append(orderedCore, orderedOptional...), nil
}

// flatten builds the bundle payload from an ordered module list: the
// concatenated change set, the concatenated seed, and the snapshot the
// change set produces from an empty schema.
func flatten(ordered []tenantdb.Module) (schema.ChangeSet, schema.SeedSet, schema.Snapshot, error) {
	var (
		cs   schema.ChangeSet
		seed schema.SeedSet
	)
	for _, m := range ordered {
		cs = append(cs, m.Schema...)
		seed = append(seed, m.Seed...)
	}

	snapshot, err := cs.ApplyTo(schema.Snapshot{})
	if err != nil {
		return nil, nil, schema.Snapshot{}, InvalidSchemaError(err)
	}
	if err := seed.Validate(snapshot); err != nil {
		return nil, nil, schema.Snapshot{}, InvalidSchemaError(err)
	}

	return cs, seed, snapshot, nil
}
