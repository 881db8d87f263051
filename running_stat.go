package ppo

import (
	"encoding/json"
	"math"
	"os"

	"github.com/unixpickle/essentials"
)

const statEpsilon = 1e-8

// A RunningStat tracks the running mean and variance of a
// stream of vectors using Welford's algorithm.
//
// The zero count is treated as unit variance so that
// normalization is usable before the first update.
type RunningStat struct {
	Count float64
	Mean  []float64
	M2    []float64
}

// NewRunningStat creates a RunningStat for vectors of the
// given size.
func NewRunningStat(size int) *RunningStat {
	return &RunningStat{
		Mean: make([]float64, size),
		M2:   make([]float64, size),
	}
}

// Update folds a batch of vectors into the statistics.
func (r *RunningStat) Update(rows [][]float64) {
	for _, row := range rows {
		r.Count++
		for i, x := range row {
			delta := x - r.Mean[i]
			r.Mean[i] += delta / r.Count
			r.M2[i] += delta * (x - r.Mean[i])
		}
	}
}

// Variance returns the population variance per channel.
func (r *RunningStat) Variance() []float64 {
	res := make([]float64, len(r.M2))
	for i := range res {
		if r.Count < 2 {
			res[i] = 1
		} else {
			res[i] = r.M2[i] / r.Count
		}
	}
	return res
}

// Normalize maps vec through (x - mean) / sqrt(var + eps).
func (r *RunningStat) Normalize(vec []float64) []float64 {
	variance := r.Variance()
	res := make([]float64, len(vec))
	for i, x := range vec {
		res[i] = (x - r.Mean[i]) / math.Sqrt(variance[i]+statEpsilon)
	}
	return res
}

// Denormalize inverts Normalize.
func (r *RunningStat) Denormalize(vec []float64) []float64 {
	variance := r.Variance()
	res := make([]float64, len(vec))
	for i, x := range vec {
		res[i] = x*math.Sqrt(variance[i]+statEpsilon) + r.Mean[i]
	}
	return res
}

// SaveInfo writes the statistics to a JSON file.
func (r *RunningStat) SaveInfo(path string) (err error) {
	defer essentials.AddCtxTo("save stats", &err)
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadInfo restores the statistics from a JSON file.
func (r *RunningStat) LoadInfo(path string) (err error) {
	defer essentials.AddCtxTo("load stats", &err)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, r)
}

// A RewardStat normalizes per-step rewards by the standard
// deviation of the running discounted return.
//
// Unlike observation normalization, the mean is not
// subtracted, so reward signs are preserved.
type RewardStat struct {
	Gamma   float64
	Stat    *RunningStat
	Returns []float64
}

// NewRewardStat creates a RewardStat for a batch of
// environment slots.
func NewRewardStat(slots int, gamma float64) *RewardStat {
	return &RewardStat{
		Gamma:   gamma,
		Stat:    NewRunningStat(1),
		Returns: make([]float64, slots),
	}
}

// Normalize folds the slot rewards into the running return
// estimate and scales them by its standard deviation.
//
// Slots whose episodes ended have their return accumulator
// cleared after the update.
func (r *RewardStat) Normalize(rewards []float64, dones []bool) []float64 {
	rows := make([][]float64, len(rewards))
	for i, rew := range rewards {
		r.Returns[i] = r.Returns[i]*r.Gamma + rew
		rows[i] = []float64{r.Returns[i]}
	}
	r.Stat.Update(rows)

	std := math.Sqrt(r.Stat.Variance()[0] + statEpsilon)
	res := make([]float64, len(rewards))
	for i, rew := range rewards {
		res[i] = rew / std
		if dones[i] {
			r.Returns[i] = 0
		}
	}
	return res
}
