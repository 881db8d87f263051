package ppo

import (
	"math"
	"testing"

	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec/anyvec64"
)

func testICM(c anyvec64.DefaultCreator, zero bool) *ICM {
	const obsSize = 3
	const featDim = 4
	const actSize = 2

	fc := func(in, out int) anynet.Layer {
		if zero {
			return anynet.NewFCZero(c, in, out)
		}
		return anynet.NewFC(c, in, out)
	}

	return &ICM{
		Creator:     c,
		Encoder:     anynet.Net{fc(obsSize, featDim)},
		Forward:     anynet.Net{fc(featDim+actSize, featDim)},
		Inverse:     anynet.Net{fc(featDim*2, actSize)},
		ActionDist:  Softmax{},
		ActionSpace: Discrete(actSize),
		FeatureDim:  featDim,
	}
}

func TestICMZeroNetworks(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := testICM(c, true)

	obs := [][]float64{{1, 2, 3}, {4, 5, 6}}
	nextObs := [][]float64{{2, 3, 4}, {5, 6, 7}}
	actions := [][]float64{{1, 0}, {0, 1}}

	// Zeroed networks predict the (zero) features exactly, so
	// nothing is surprising.
	for i, x := range m.IntrinsicRewards(obs, nextObs, actions) {
		if x != 0 {
			t.Errorf("transition %d: expected 0 but got %f", i, x)
		}
	}
}

func TestICMIntrinsicRewards(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := testICM(c, false)

	obs := [][]float64{{1, 2, 3}, {4, 5, 6}}
	nextObs := [][]float64{{2, 3, 4}, {5, 6, 7}}
	actions := [][]float64{{1, 0}, {0, 1}}

	rewards := m.IntrinsicRewards(obs, nextObs, actions)
	if len(rewards) != 2 {
		t.Fatalf("expected 2 rewards but got %d", len(rewards))
	}
	for i, x := range rewards {
		if x < 0 || math.IsNaN(x) {
			t.Errorf("transition %d: invalid reward %f", i, x)
		}
	}
}

func TestICMLoss(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := testICM(c, false)

	obs := [][]float64{{1, 2, 3}, {4, 5, 6}, {0, 1, 0}}
	nextObs := [][]float64{{2, 3, 4}, {5, 6, 7}, {1, 1, 0}}
	actions := [][]float64{{1, 0}, {0, 1}, {1, 0}}

	loss := m.Loss(obs, nextObs, actions)
	if loss.Output().Len() != 1 {
		t.Fatalf("expected a scalar loss but got %d components",
			loss.Output().Len())
	}
	val := vectorToFloats(loss.Output())[0]
	if math.IsNaN(val) || math.IsInf(val, 0) {
		t.Fatalf("loss is not finite: %f", val)
	}
	// The inverse cross-entropy term keeps the loss positive.
	if val <= 0 {
		t.Errorf("expected a positive loss but got %f", val)
	}
}
