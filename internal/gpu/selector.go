package gpu

import (
	"sort"

	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
)

// Selector turns a VRAM requirement and an optional tier preference into an
// ordered candidate list for the Lifecycle Engine's capacity-fallback loop.
type Selector struct {
	registry *Registry
}

func NewSelector(r *Registry) *Selector {
	return &Selector{registry: r}
}

// Select implements the four selection rules: filter by VRAM fit, place a
// requested tier's matching spec first when it fits, reject a requested
// tier that resolves but doesn't fit, and fail when nothing fits at all.
func (s *Selector) Select(minVRAMGB int, requestedTier string) ([]Spec, error) {
	fits := func(spec Spec) bool { return spec.VRAMGB >= minVRAMGB }

	all := s.registry.Specs() // already sorted by (cost_index, vram, id)
	var sufficient []Spec
	for _, spec := range all {
		if fits(spec) {
			sufficient = append(sufficient, spec)
		}
	}

	if requestedTier == "" {
		if len(sufficient) == 0 {
			return nil, deployment.NewInsufficientGPUError(minVRAMGB)
		}
		return sufficient, nil
	}

	ids, ok := s.registry.Resolve(requestedTier)
	if !ok {
		return nil, deployment.NewUnsupportedGPUError(requestedTier)
	}

	idSet := map[string]bool{}
	for _, id := range ids {
		idSet[id] = true
	}

	var preferred []Spec
	var rest []Spec
	for _, spec := range sufficient {
		if idSet[spec.ID] {
			preferred = append(preferred, spec)
		} else {
			rest = append(rest, spec)
		}
	}
	sort.SliceStable(preferred, func(i, j int) bool { return less(preferred[i], preferred[j]) })

	if len(preferred) == 0 {
		// The requested tier resolved to known specs, but none satisfy the
		// VRAM requirement: fail loud rather than silently upgrading.
		return nil, deployment.NewUnsupportedGPUError(requestedTier)
	}

	if len(sufficient) == 0 {
		return nil, deployment.NewInsufficientGPUError(minVRAMGB)
	}

	return append(preferred, rest...), nil
}
