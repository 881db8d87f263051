package ppo

import (
	"math/rand"
)

// An EpisodeBuffer accumulates the transitions of one
// episode for one agent in one environment slot.
//
// Buffers are cheap to recreate; the rollout engine makes a
// fresh one after every episode boundary.
type EpisodeBuffer struct {
	Obs       [][]float64
	CriticObs [][]float64
	Actions   [][]float64
	NextObs   [][]float64

	LogProbs []float64
	Values   []float64
	Rewards  []float64
}

// Len returns the number of buffered transitions.
func (e *EpisodeBuffer) Len() int {
	return len(e.Rewards)
}

// Add appends one transition.
func (e *EpisodeBuffer) Add(obs, criticObs, action, nextObs []float64,
	logProb, value, reward float64) {
	e.Obs = append(e.Obs, obs)
	e.CriticObs = append(e.CriticObs, criticObs)
	e.Actions = append(e.Actions, action)
	e.NextObs = append(e.NextObs, nextObs)
	e.LogProbs = append(e.LogProbs, logProb)
	e.Values = append(e.Values, value)
	e.Rewards = append(e.Rewards, reward)
}

// rewardsToGo computes discounted reward sums, seeded at the
// end with a bootstrap value for unfinished episodes.
func rewardsToGo(rewards []float64, endingValue, gamma float64) []float64 {
	res := make([]float64, len(rewards))
	sum := endingValue
	for t := len(rewards) - 1; t >= 0; t-- {
		sum = rewards[t] + gamma*sum
		res[t] = sum
	}
	return res
}

// gaeAdvantages computes generalized advantage estimates
// with the given discount and smoothing factors.
func gaeAdvantages(rewards, values []float64, endingValue, gamma,
	lambda float64) []float64 {
	res := make([]float64, len(rewards))
	sum := 0.0
	nextValue := endingValue
	for t := len(rewards) - 1; t >= 0; t-- {
		delta := rewards[t] + gamma*nextValue - values[t]
		sum = delta + gamma*lambda*sum
		res[t] = sum
		nextValue = values[t]
	}
	return res
}

// A Dataset stores one rollout's transitions for a single
// policy, flattened across agents and environment slots but
// with episode boundaries remembered so advantages can be
// recomputed from updated value estimates.
type Dataset struct {
	Gamma  float64
	Lambda float64

	Obs       [][]float64
	CriticObs [][]float64
	Actions   [][]float64
	NextObs   [][]float64

	LogProbs   []float64
	Values     []float64
	Rewards    []float64
	Advantages []float64
	Targets    []float64

	episodes []episodeSpan
	order    []int
}

type episodeSpan struct {
	start        int
	end          int
	endingReward float64
	endingValue  float64
}

// NewDataset creates an empty dataset with the given
// discount parameters.
func NewDataset(gamma, lambda float64) *Dataset {
	return &Dataset{Gamma: gamma, Lambda: lambda}
}

// Len returns the number of stored transitions.
func (d *Dataset) Len() int {
	return len(d.Rewards)
}

// AddEpisode folds a finished (or flushed) episode buffer
// into the dataset.
//
// The ending reward seeds the discounted return targets and
// the ending value bootstraps the advantages; the two differ
// only when an intrinsic surprise correction is folded into
// the reward side. Pass 0 for both on terminated episodes.
func (d *Dataset) AddEpisode(buf *EpisodeBuffer, endingReward,
	endingValue float64) {
	if buf.Len() == 0 {
		return
	}
	start := d.Len()
	d.Obs = append(d.Obs, buf.Obs...)
	d.CriticObs = append(d.CriticObs, buf.CriticObs...)
	d.Actions = append(d.Actions, buf.Actions...)
	d.NextObs = append(d.NextObs, buf.NextObs...)
	d.LogProbs = append(d.LogProbs, buf.LogProbs...)
	d.Values = append(d.Values, buf.Values...)
	d.Rewards = append(d.Rewards, buf.Rewards...)
	d.Targets = append(d.Targets,
		rewardsToGo(buf.Rewards, endingReward, d.Gamma)...)
	d.Advantages = append(d.Advantages,
		gaeAdvantages(buf.Rewards, buf.Values, endingValue, d.Gamma,
			d.Lambda)...)
	d.episodes = append(d.episodes, episodeSpan{
		start:        start,
		end:          d.Len(),
		endingReward: endingReward,
		endingValue:  endingValue,
	})
}

// RecalculateAdvantages recomputes every episode's
// advantages from the stored rewards and the current value
// estimates.
func (d *Dataset) RecalculateAdvantages() {
	for _, ep := range d.episodes {
		adv := gaeAdvantages(d.Rewards[ep.start:ep.end],
			d.Values[ep.start:ep.end], ep.endingValue, d.Gamma, d.Lambda)
		copy(d.Advantages[ep.start:ep.end], adv)
	}
}

// Shuffle randomizes the minibatch order.
func (d *Dataset) Shuffle() {
	d.order = rand.Perm(d.Len())
}

// Minibatches cuts the shuffled order into index groups of
// at most size entries.
//
// Shuffle must be called first; otherwise the natural order
// is used.
func (d *Dataset) Minibatches(size int) [][]int {
	if d.order == nil {
		d.order = make([]int, d.Len())
		for i := range d.order {
			d.order[i] = i
		}
	}
	var res [][]int
	for start := 0; start < len(d.order); start += size {
		end := start + size
		if end > len(d.order) {
			end = len(d.order)
		}
		res = append(res, d.order[start:end])
	}
	return res
}

// SetValues writes updated value estimates back for the
// given indices.
func (d *Dataset) SetValues(indices []int, values []float64) {
	for i, idx := range indices {
		d.Values[idx] = values[i]
	}
}

// GatherRows picks rows by index.
func GatherRows(rows [][]float64, indices []int) [][]float64 {
	res := make([][]float64, len(indices))
	for i, idx := range indices {
		res[i] = rows[idx]
	}
	return res
}

// GatherScalars picks scalars by index.
func GatherScalars(vals []float64, indices []int) []float64 {
	res := make([]float64, len(indices))
	for i, idx := range indices {
		res[i] = vals[idx]
	}
	return res
}
