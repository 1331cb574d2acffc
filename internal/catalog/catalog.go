package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Kind is one entry in the analysis step catalog. Entries are created at
// process start and never mutated afterwards.
type Kind struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on"`
	MinMinutes  int      `json:"min_minutes"`
	MaxMinutes  int      `json:"max_minutes"`
	// Required kinds survive a simplify adaptation.
	Required bool `json:"required"`
}

// Midpoint of the default duration range, used by the plan optimizer.
func (k Kind) Midpoint() time.Duration {
	return time.Duration(k.MinMinutes+k.MaxMinutes) * time.Minute / 2
}

func (k Kind) MinDuration() time.Duration { return time.Duration(k.MinMinutes) * time.Minute }
func (k Kind) MaxDuration() time.Duration { return time.Duration(k.MaxMinutes) * time.Minute }

// Registry is the static step kind catalog. Declaration order is significant:
// the dependency resolver uses it to break ties.
type Registry struct {
	kinds []Kind
	index map[string]int
}

func NewRegistry(kinds []Kind) (*Registry, error) {
	index := make(map[string]int, len(kinds))
	for i, k := range kinds {
		if k.Name == "" {
			return nil, fmt.Errorf("catalog entry %d has no name", i)
		}
		if _, dup := index[k.Name]; dup {
			return nil, fmt.Errorf("duplicate catalog entry: %s", k.Name)
		}
		index[k.Name] = i
	}
	for _, k := range kinds {
		for _, dep := range k.DependsOn {
			if dep == k.Name {
				return nil, fmt.Errorf("kind '%s' depends on itself", k.Name)
			}
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("kind '%s' depends on unknown kind '%s'", k.Name, dep)
			}
		}
	}
	return &Registry{kinds: kinds, index: index}, nil
}

// Load reads a catalog from a JSON file of the shape {"kinds": [...]}.
func Load(filePath string) (*Registry, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("could not read catalog file: %w", err)
	}
	var doc struct {
		Kinds []Kind `json:"kinds"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("could not parse catalog JSON: %w", err)
	}
	return NewRegistry(doc.Kinds)
}

// Default is the built-in catalog for document analysis runs.
func Default() *Registry {
	r, err := NewRegistry([]Kind{
		{
			Name:        "document-classification",
			Description: "Group source documents by type and provenance.",
			MinMinutes:  1, MaxMinutes: 3,
		},
		{
			Name:        "entity-extraction",
			Description: "Extract named parties, dates, amounts and references from the documents.",
			MinMinutes:  2, MaxMinutes: 4,
			Required: true,
		},
		{
			Name:        "timeline",
			Description: "Reconstruct a chronological sequence of events with source references.",
			DependsOn:   []string{"entity-extraction"},
			MinMinutes:  5, MaxMinutes: 10,
		},
		{
			Name:        "discrepancy-detection",
			Description: "Find contradictions between documents and unexplained gaps.",
			DependsOn:   []string{"entity-extraction"},
			MinMinutes:  4, MaxMinutes: 8,
		},
		{
			Name:        "risk-analysis",
			Description: "Assess the severity and exposure implied by detected discrepancies.",
			DependsOn:   []string{"discrepancy-detection"},
			MinMinutes:  7, MaxMinutes: 9,
		},
		{
			Name:        "summary",
			Description: "Produce the final analysis summary for the requester.",
			DependsOn:   []string{"timeline", "risk-analysis"},
			MinMinutes:  3, MaxMinutes: 6,
			Required: true,
		},
	})
	if err != nil {
		panic(err) // built-in table is validated by tests
	}
	return r
}

// Get returns the catalog entry for a kind name.
func (r *Registry) Get(name string) (Kind, bool) {
	i, ok := r.index[name]
	if !ok {
		return Kind{}, false
	}
	return r.kinds[i], true
}

// Index returns the declaration position of a kind, or -1 when unknown.
func (r *Registry) Index(name string) int {
	i, ok := r.index[name]
	if !ok {
		return -1
	}
	return i
}

// Kinds returns all entries in declaration order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, len(r.kinds))
	copy(out, r.kinds)
	return out
}

// PromptPart renders the catalog as a text block for the kind selection prompt.
func (r *Registry) PromptPart() string {
	var sb strings.Builder
	sb.WriteString("AVAILABLE ANALYSIS KINDS:\n")
	for _, k := range r.kinds {
		deps := "none"
		if len(k.DependsOn) > 0 {
			deps = strings.Join(k.DependsOn, ", ")
		}
		sb.WriteString(fmt.Sprintf("- `%s`: %s Depends on: [%s].\n", k.Name, k.Description, deps))
	}
	return sb.String()
}

// RequiredKinds returns the names of kinds that a simplify adaptation keeps.
func (r *Registry) RequiredKinds() map[string]struct{} {
	req := make(map[string]struct{})
	for _, k := range r.kinds {
		if k.Required {
			req[k.Name] = struct{}{}
		}
	}
	return req
}
