package personality

import "kindred/internal/domain"

// Nudge applies a bounded delta to one trait. The effective delta shrinks
// as the value approaches the bound in the delta's direction, so a burst
// of identical signals cannot pin a trait at an extreme. The result is
// always clamped into [TraitMin, TraitMax].
func Nudge(tv domain.TraitVector, trait string, delta float64) float64 {
	v, ok := tv[trait]
	if !ok {
		v = (domain.TraitMin + domain.TraitMax) / 2
	}

	var headroom float64
	if delta >= 0 {
		headroom = domain.TraitMax - v
	} else {
		headroom = v - domain.TraitMin
	}

	half := (domain.TraitMax - domain.TraitMin) / 2
	scale := headroom / half
	if scale > 1 {
		scale = 1
	}

	v += delta * scale
	if v < domain.TraitMin {
		v = domain.TraitMin
	}
	if v > domain.TraitMax {
		v = domain.TraitMax
	}
	tv[trait] = v
	return v
}
