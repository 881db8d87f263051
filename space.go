package ppo

import (
	"fmt"
	"math"
)

// SpaceType identifies the kind of observation or action
// space an agent uses.
type SpaceType int

const (
	// BoxType is a bounded continuous vector space.
	BoxType SpaceType = iota

	// DiscreteType is a finite set of choices.
	DiscreteType
)

func (s SpaceType) String() string {
	switch s {
	case BoxType:
		return "Box"
	case DiscreteType:
		return "Discrete"
	default:
		return fmt.Sprintf("SpaceType(%d)", int(s))
	}
}

// A Space describes the shape and bounds of observations or
// actions for one agent.
//
// For BoxType spaces, Low and High hold per-channel bounds.
// For DiscreteType spaces, N is the number of choices.
type Space struct {
	Type SpaceType

	Low  []float64
	High []float64

	N int
}

// BoxSpace creates a Box space with the given bounds.
func BoxSpace(low, high []float64) Space {
	if len(low) != len(high) {
		panic("space: bound length mismatch")
	}
	return Space{Type: BoxType, Low: low, High: high}
}

// UniformBox creates a Box space of the given size with
// every channel bounded by [low, high].
func UniformBox(size int, low, high float64) Space {
	lows := make([]float64, size)
	highs := make([]float64, size)
	for i := range lows {
		lows[i] = low
		highs[i] = high
	}
	return BoxSpace(lows, highs)
}

// Discrete creates a Discrete space with n choices.
func Discrete(n int) Space {
	return Space{Type: DiscreteType, N: n}
}

// Size returns the length of vectors in the space.
//
// Discrete observations are represented one-hot, so their
// size is N.
func (s Space) Size() int {
	if s.Type == DiscreteType {
		return s.N
	}
	return len(s.Low)
}

// RefineSpaces builds the single shared space used for every
// agent in a multi-agent environment.
//
// Agents may have different sizes; the refined space takes
// the maximum size, and smaller agents are zero-padded in the
// trailing slots. If addIDs is set, a numeric agent-id channel
// is prepended.
//
// Mixing space types across agents is a configuration error,
// not a recoverable condition.
func RefineSpaces(spaces []Space, addIDs bool) (Space, error) {
	if len(spaces) == 0 {
		return Space{}, fmt.Errorf("refine spaces: no spaces given")
	}

	spaceType := spaces[0].Type
	for _, sp := range spaces[1:] {
		if sp.Type != spaceType {
			return Space{}, fmt.Errorf("refine spaces: mixed space types "+
				"are not supported: found %v and %v", spaceType, sp.Type)
		}
	}

	if spaceType == DiscreteType {
		count := 0
		for _, sp := range spaces {
			if sp.N > count {
				count = sp.N
			}
		}
		if addIDs {
			count++
		}
		return Discrete(count), nil
	}

	count := 0
	for _, sp := range spaces {
		if len(sp.Low) > count {
			count = len(sp.Low)
		}
	}

	low := make([]float64, count)
	high := make([]float64, count)
	for _, sp := range spaces {
		for i := range sp.Low {
			low[i] = math.Min(low[i], sp.Low[i])
			high[i] = math.Max(high[i], sp.High[i])
		}
	}

	if addIDs {
		low = append([]float64{0}, low...)
		high = append([]float64{math.Inf(1)}, high...)
	}

	return BoxSpace(low, high), nil
}

// PadVector zero-pads vec in the trailing slots up to size.
//
// Vectors already at size are returned unchanged.
func PadVector(vec []float64, size int) []float64 {
	if len(vec) >= size {
		return vec
	}
	res := make([]float64, size)
	copy(res, vec)
	return res
}
