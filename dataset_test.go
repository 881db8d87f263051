package ppo

import (
	"math"
	"testing"
)

func TestRewardsToGo(t *testing.T) {
	actual := rewardsToGo([]float64{1, 0.5, 2}, 0, 0.5)
	expected := []float64{1.75, 1.5, 2}
	for i, x := range actual {
		if math.Abs(x-expected[i]) > 1e-9 {
			t.Errorf("step %d: expected %f but got %f", i, expected[i], x)
		}
	}
}

func TestRewardsToGoBootstrap(t *testing.T) {
	actual := rewardsToGo([]float64{1, 1}, 4, 0.5)
	// 1 + 0.5*(1 + 0.5*4) = 2.5, then 1 + 0.5*4 = 3.
	expected := []float64{2.5, 3}
	for i, x := range actual {
		if math.Abs(x-expected[i]) > 1e-9 {
			t.Errorf("step %d: expected %f but got %f", i, expected[i], x)
		}
	}
}

func TestGAEAdvantages(t *testing.T) {
	rewards := []float64{1, 1}
	values := []float64{0.5, 0.25}
	gamma, lambda := 0.5, 0.8

	// delta1 = 1 + 0.5*0 - 0.25 = 0.75
	// delta0 = 1 + 0.5*0.25 - 0.5 = 0.625
	// adv1 = 0.75, adv0 = 0.625 + 0.4*0.75 = 0.925
	actual := gaeAdvantages(rewards, values, 0, gamma, lambda)
	expected := []float64{0.925, 0.75}
	for i, x := range actual {
		if math.Abs(x-expected[i]) > 1e-9 {
			t.Errorf("step %d: expected %f but got %f", i, expected[i], x)
		}
	}
}

func TestDatasetSplitBootstrap(t *testing.T) {
	d := NewDataset(0.5, 0.8)
	buf := &EpisodeBuffer{}
	buf.Add([]float64{0}, []float64{0}, []float64{0}, []float64{0},
		0, 0.5, 1)
	buf.Add([]float64{0}, []float64{0}, []float64{0}, []float64{0},
		0, 0.25, 1)

	// The reward side of the bootstrap seeds the return
	// targets while the value side seeds the advantages.
	d.AddEpisode(buf, 4, 0)

	targets := []float64{2.5, 3}
	for i, x := range d.Targets {
		if math.Abs(x-targets[i]) > 1e-9 {
			t.Errorf("target %d: expected %f but got %f", i, targets[i], x)
		}
	}
	advantages := []float64{0.925, 0.75}
	for i, x := range d.Advantages {
		if math.Abs(x-advantages[i]) > 1e-9 {
			t.Errorf("advantage %d: expected %f but got %f", i,
				advantages[i], x)
		}
	}

	d.RecalculateAdvantages()
	for i, x := range d.Advantages {
		if math.Abs(x-advantages[i]) > 1e-9 {
			t.Errorf("advantage %d changed after recalculation: %f", i, x)
		}
	}
}

func TestDatasetRecalculate(t *testing.T) {
	d := NewDataset(0.5, 0.8)
	buf := &EpisodeBuffer{}
	buf.Add([]float64{0}, []float64{0}, []float64{0}, []float64{0},
		0, 0.5, 1)
	buf.Add([]float64{0}, []float64{0}, []float64{0}, []float64{0},
		0, 0.25, 1)
	d.AddEpisode(buf, 0, 0)

	first := append([]float64{}, d.Advantages...)
	d.SetValues([]int{0, 1}, []float64{0.1, 0.1})
	d.RecalculateAdvantages()
	for i := range first {
		if first[i] == d.Advantages[i] {
			t.Errorf("step %d: advantage unchanged after value update", i)
		}
	}

	d.SetValues([]int{0, 1}, []float64{0.5, 0.25})
	d.RecalculateAdvantages()
	for i := range first {
		if math.Abs(first[i]-d.Advantages[i]) > 1e-9 {
			t.Errorf("step %d: expected %f but got %f", i, first[i],
				d.Advantages[i])
		}
	}
}

func TestDatasetMinibatches(t *testing.T) {
	d := NewDataset(0.99, 0.95)
	buf := &EpisodeBuffer{}
	for i := 0; i < 10; i++ {
		buf.Add([]float64{float64(i)}, []float64{0}, []float64{0},
			[]float64{0}, 0, 0, 1)
	}
	d.AddEpisode(buf, 0, 0)

	d.Shuffle()
	batches := d.Minibatches(4)
	if len(batches) != 3 {
		t.Fatalf("expected 3 minibatches but got %d", len(batches))
	}

	seen := map[int]bool{}
	total := 0
	for _, batch := range batches {
		total += len(batch)
		for _, idx := range batch {
			seen[idx] = true
		}
	}
	if total != 10 || len(seen) != 10 {
		t.Errorf("minibatches should cover every index exactly once")
	}
}
