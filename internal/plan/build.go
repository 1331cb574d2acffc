package plan

import (
	"fmt"
	"strings"

	"caseline/internal/catalog"
)

// Build turns a requested kind set into a concrete plan: one step per resolved
// kind, dependencies wired by kind name. Step ids equal the kind name; only
// steps inserted later by adaptations carry a suffix.
func Build(runID, goal string, reg *catalog.Registry, requested []string) (*Plan, error) {
	order, err := Resolve(reg, requested)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(requested))
	for _, k := range requested {
		wanted[k] = true
	}

	// Map each kind to the requested kinds that (transitively) need it, for
	// the reasoning trace.
	neededBy := make(map[string][]string)
	for _, name := range order {
		kind, _ := reg.Get(name)
		for _, dep := range kind.DependsOn {
			neededBy[dep] = append(neededBy[dep], name)
		}
	}

	p := &Plan{
		RunID:    runID,
		Goal:     goal,
		Strategy: StrategyMixed,
		Steps:    make([]*Step, 0, len(order)),
	}
	for _, name := range order {
		kind, _ := reg.Get(name)
		reason := fmt.Sprintf("requested for goal %q", goal)
		if !wanted[name] {
			reason = fmt.Sprintf("required dependency of %s", strings.Join(neededBy[name], ", "))
		}
		p.Steps = append(p.Steps, &Step{
			ID:        name,
			Kind:      name,
			Status:    StatusPending,
			DependsOn: append([]string(nil), kind.DependsOn...),
			Reasoning: reason,
			Requested: wanted[name],
		})
	}
	return p, nil
}
