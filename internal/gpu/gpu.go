// Package gpu holds the catalog of rentable GPU tiers and the selection
// logic that turns a VRAM requirement and an optional tier preference into
// an ordered list of candidates for the Lifecycle Engine to try.
package gpu

import (
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec is one rentable GPU tier.
type Spec struct {
	ID        string   `yaml:"id"`
	Display   string   `yaml:"display"`
	VRAMGB    int       `yaml:"vram_gb"`
	CostIndex int       `yaml:"cost_index"`
	Aliases   []string `yaml:"aliases"`
}

// defaultRegistry mirrors the reference GPU tiers, ordered by cost_index
// ascending.
var defaultRegistry = []Spec{
	{ID: "AMPERE_16", Display: "A16", VRAMGB: 16, CostIndex: 1, Aliases: []string{"A16"}},
	{ID: "AMPERE_24", Display: "A10/A30", VRAMGB: 24, CostIndex: 2, Aliases: []string{"A10", "A30", "ECONOMY"}},
	{ID: "ADA_24", Display: "L40/4090", VRAMGB: 24, CostIndex: 3, Aliases: []string{"4090", "L40", "STANDARD"}},
	{ID: "AMPERE_48", Display: "A40", VRAMGB: 48, CostIndex: 5, Aliases: []string{"A40", "PRO"}},
	{ID: "ADA_48_PRO", Display: "L40S", VRAMGB: 48, CostIndex: 6, Aliases: []string{"L40S"}},
	{ID: "AMPERE_80", Display: "A100", VRAMGB: 80, CostIndex: 8, Aliases: []string{"A100", "ULTIMATE"}},
	{ID: "ADA_80_PRO", Display: "H100", VRAMGB: 80, CostIndex: 10, Aliases: []string{"H100"}},
}

// Registry is the immutable, loaded-once catalog exposed to the rest of the
// gateway. It is the default registry, optionally extended (never
// replaced) by an operator-supplied overlay file.
type Registry struct {
	specs []Spec
	// aliasIndex maps an upper-cased alias to the tier IDs it resolves to.
	// One alias can resolve to more than one concrete tier when several
	// specs list it (for example an overlay tier reusing a default alias);
	// every alias in the default registry resolves to exactly one tier.
	aliasIndex map[string][]string
}

// NewRegistry builds the default registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.rebuild(defaultRegistry)
	return r
}

// LoadWithOverlay builds the default registry and, if path is non-empty and
// readable, extends it with additional tiers parsed from a YAML file of the
// same shape as Spec (a top-level `tiers:` list). A missing or empty path is
// not an error: the default registry alone is always valid.
func LoadWithOverlay(path string) (*Registry, error) {
	r := NewRegistry()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	var overlay struct {
		Tiers []Spec `yaml:"tiers"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, err
	}
	combined := append(append([]Spec{}, defaultRegistry...), overlay.Tiers...)
	r.rebuild(combined)
	return r, nil
}

func (r *Registry) rebuild(specs []Spec) {
	r.specs = specs
	r.aliasIndex = map[string][]string{}
	for _, s := range specs {
		r.aliasIndex[strings.ToUpper(s.ID)] = append(r.aliasIndex[strings.ToUpper(s.ID)], s.ID)
		for _, a := range s.Aliases {
			key := strings.ToUpper(a)
			r.aliasIndex[key] = append(r.aliasIndex[key], s.ID)
		}
	}
}

// Specs returns the full catalog, ordered by CostIndex ascending (then
// VRAMGB, then ID, for deterministic iteration).
func (r *Registry) Specs() []Spec {
	out := append([]Spec{}, r.specs...)
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Resolve looks up a user-supplied tier alias case-insensitively, returning
// the set of concrete tier IDs it refers to.
func (r *Registry) Resolve(alias string) ([]string, bool) {
	ids, ok := r.aliasIndex[strings.ToUpper(strings.TrimSpace(alias))]
	return ids, ok
}

// BySpecID returns the Spec for a concrete tier ID.
func (r *Registry) BySpecID(id string) (Spec, bool) {
	for _, s := range r.specs {
		if s.ID == id {
			return s, true
		}
	}
	return Spec{}, false
}

func less(a, b Spec) bool {
	if a.CostIndex != b.CostIndex {
		return a.CostIndex < b.CostIndex
	}
	if a.VRAMGB != b.VRAMGB {
		return a.VRAMGB < b.VRAMGB
	}
	return a.ID < b.ID
}
