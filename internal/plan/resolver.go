package plan

import (
	"errors"
	"fmt"
	"sort"

	"caseline/internal/catalog"
)

var (
	ErrUnknownKind      = errors.New("unknown step kind")
	ErrCyclicDependency = errors.New("cyclic kind dependency")
)

// Resolve closes the requested kind set under the catalog's dependency
// relation. Dependencies always precede their dependents; ties are broken by
// catalog declaration order, so the output is stable for a given input set.
func Resolve(reg *catalog.Registry, requested []string) ([]string, error) {
	roots := append([]string(nil), requested...)
	sort.SliceStable(roots, func(i, j int) bool {
		return reg.Index(roots[i]) < reg.Index(roots[j])
	})

	var order []string
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		if onStack[name] {
			return fmt.Errorf("%w: %s", ErrCyclicDependency, name)
		}
		kind, ok := reg.Get(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownKind, name)
		}
		onStack[name] = true
		for _, dep := range kind.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		onStack[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for _, name := range roots {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
