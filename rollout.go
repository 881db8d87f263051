package ppo

import (
	"math"

	"github.com/lior10r/ppo-and-friends/dist"
	"github.com/unixpickle/essentials"
)

// A Roller collects fixed-length rollouts from a batched
// environment and turns them into per-policy datasets.
//
// Every worker runs its own Roller over its own environment
// slots; only the summary statistics are reduced across the
// group.
type Roller struct {
	Env     BatchEnv
	Batcher *Batcher

	// Policies maps policy names to their Policy.
	Policies map[string]*Policy

	// TsPerRollout is the number of environment steps each
	// worker collects per rollout.
	TsPerRollout int

	// MaxTsPerEpisode caps episode length inside a
	// rollout; episodes that hit the cap are flushed with a
	// bootstrapped value. If 0, only the rollout budget
	// flushes episodes.
	MaxTsPerEpisode int

	// ExtRewardWeight scales the extrinsic reward in the
	// training reward. If nil, the weight is 1.
	ExtRewardWeight Scheduler

	// SoftResets decides whether a rollout resumes from
	// the cached observation instead of hard-resetting.
	// If nil, every rollout hard-resets.
	SoftResets Scheduler

	epTs      []int
	intrStats map[string]*RunningStat
}

// policyAccum accumulates one rollout's statistics for one
// policy.
type policyAccum struct {
	rewardSum   float64
	naturalSum  float64
	intrSum     float64
	intrCount   float64
	episodes    float64
	topEpReward float64
	topEpScore  float64
	extMin      float64
	extMax      float64
	intrMin     float64
	intrMax     float64
	obsMin      float64
	obsMax      float64
	epRewards   map[string][]float64
	epScores    map[string][]float64
}

func newPolicyAccum(agents []string, numEnvs int) *policyAccum {
	a := &policyAccum{
		topEpReward: math.Inf(-1),
		topEpScore:  math.Inf(-1),
		extMin:      math.Inf(1),
		extMax:      math.Inf(-1),
		intrMin:     math.Inf(1),
		intrMax:     math.Inf(-1),
		obsMin:      math.Inf(1),
		obsMax:      math.Inf(-1),
		epRewards:   map[string][]float64{},
		epScores:    map[string][]float64{},
	}
	for _, id := range agents {
		a.epRewards[id] = make([]float64, numEnvs)
		a.epScores[id] = make([]float64, numEnvs)
	}
	return a
}

// Rollout collects one rollout and returns one dataset per
// policy, updating the status registry with the reduced
// rollout statistics.
func (r *Roller) Rollout(status *Status,
	dctx *dist.Context) (map[string]*Dataset, error) {
	if r.Env == nil {
		essentials.Die("rollout: no environment is attached; " +
			"call SetEnv after loading a trainer for inference-only use")
	}

	numEnvs := r.Env.BatchSize()
	if r.epTs == nil {
		r.epTs = make([]int, numEnvs)
	}
	if r.intrStats == nil {
		r.intrStats = map[string]*RunningStat{}
		for name := range r.Policies {
			r.intrStats[name] = NewRunningStat(1)
		}
	}

	softReset := r.SoftResets != nil && r.SoftResets.Value() > 0
	var obs, criticObs AgentBatch
	var err error
	if softReset {
		obs, criticObs, err = r.Env.SoftReset()
	} else {
		obs, criticObs, err = r.Env.Reset()
		for e := range r.epTs {
			r.epTs[e] = 0
		}
	}
	if err != nil {
		return nil, essentials.AddCtx("rollout", err)
	}

	extWeight := 1.0
	if r.ExtRewardWeight != nil {
		extWeight = r.ExtRewardWeight.Value()
	}

	datasets := map[string]*Dataset{}
	accums := map[string]*policyAccum{}
	buffers := map[string]map[string][]*EpisodeBuffer{}
	for _, name := range r.Batcher.PolicyNames() {
		p := r.Policies[name]
		datasets[name] = NewDataset(p.Gamma, p.Lambda)
		accums[name] = newPolicyAccum(r.Batcher.Agents(name), numEnvs)
		buffers[name] = map[string][]*EpisodeBuffer{}
		for _, id := range r.Batcher.Agents(name) {
			bufs := make([]*EpisodeBuffer, numEnvs)
			for e := range bufs {
				bufs[e] = &EpisodeBuffer{}
			}
			buffers[name][id] = bufs
		}
	}

	var completedLenSum int
	var completedCount int
	longest := 0
	shortest := math.MaxInt32

	// Every step advances all environment slots at once, so
	// the budget is consumed numEnvs timesteps at a time.
	var collectedTs int
	for collectedTs < r.TsPerRollout {
		actions := AgentBatch{}
		rawSamples := map[string][][]float64{}
		logProbs := map[string][]float64{}
		values := map[string][]float64{}
		obsRows := map[string][][]float64{}
		criticRows := map[string][][]float64{}
		for _, name := range r.Batcher.PolicyNames() {
			p := r.Policies[name]
			rows := r.Batcher.GatherRows(name, obs)
			cRows := r.Batcher.GatherRows(name, criticObs)
			raw, envActions, lps := p.SampleActions(rows)
			vals := p.EstimateValues(cRows)

			obsRows[name] = rows
			criticRows[name] = cRows
			rawSamples[name] = raw
			logProbs[name] = lps
			values[name] = vals
			for id, batch := range r.Batcher.ScatterRows(name, envActions) {
				actions[id] = batch
			}

			acc := accums[name]
			for _, row := range rows {
				for _, x := range row {
					acc.obsMin = math.Min(acc.obsMin, x)
					acc.obsMax = math.Max(acc.obsMax, x)
				}
			}
		}

		nextObs, nextCriticObs, rewards, terminated, truncated, infos,
			err := r.Env.Step(actions)
		if err != nil {
			return nil, essentials.AddCtx("rollout", err)
		}

		for e := range r.epTs {
			r.epTs[e]++
		}
		collectedTs += numEnvs

		budgetDone := collectedTs >= r.TsPerRollout

		for _, name := range r.Batcher.PolicyNames() {
			p := r.Policies[name]
			acc := accums[name]
			agents := r.Batcher.Agents(name)

			nextRows := make([][]float64, 0, len(agents)*numEnvs)
			for _, id := range agents {
				for e := 0; e < numEnvs; e++ {
					if (terminated[e] || truncated[e]) &&
						infos[id][e].TerminalObservation != nil {
						nextRows = append(nextRows,
							infos[id][e].TerminalObservation)
					} else {
						nextRows = append(nextRows, nextObs[id][e])
					}
				}
			}

			intrinsic := p.IntrinsicRewards(obsRows[name], nextRows,
				rawSamples[name])
			if p.ICMModule != nil {
				for _, x := range intrinsic {
					r.intrStats[name].Update([][]float64{{x}})
					acc.intrSum += x
					acc.intrCount++
					acc.intrMin = math.Min(acc.intrMin, x)
					acc.intrMax = math.Max(acc.intrMax, x)
				}
			}

			for ai, id := range agents {
				for e := 0; e < numEnvs; e++ {
					row := ai*numEnvs + e
					extReward := rewards[id][e]
					natural := extReward
					if infos[id][e].NaturalReward != nil {
						natural = *infos[id][e].NaturalReward
					}
					trainingReward := extReward*extWeight + intrinsic[row]

					buffers[name][id][e].Add(obsRows[name][row],
						criticRows[name][row],
						rawSamples[name][row], nextRows[row],
						logProbs[name][row], values[name][row],
						trainingReward)

					acc.rewardSum += trainingReward
					acc.naturalSum += natural
					acc.epRewards[id][e] += trainingReward
					acc.epScores[id][e] += natural
					acc.extMin = math.Min(acc.extMin, extReward)
					acc.extMax = math.Max(acc.extMax, extReward)
				}
			}
		}

		for e := 0; e < numEnvs; e++ {
			term := terminated[e]
			trunc := truncated[e]
			maxed := budgetDone ||
				(r.MaxTsPerEpisode > 0 && r.epTs[e] >= r.MaxTsPerEpisode)
			if !term && !trunc && !maxed {
				continue
			}

			for _, name := range r.Batcher.PolicyNames() {
				p := r.Policies[name]
				acc := accums[name]
				for _, id := range r.Batcher.Agents(name) {
					buf := buffers[name][id][e]
					if buf.Len() == 0 {
						continue
					}

					endingValue := 0.0
					endingReward := 0.0
					if !term {
						var bootObs []float64
						if trunc {
							bootObs = infos[id][e].TerminalCriticObservation
						} else {
							bootObs = nextCriticObs[id][e]
						}
						endingValue = p.EstimateValues(
							[][]float64{bootObs})[0]
						endingReward = endingValue
						if p.ICMModule != nil {
							intrinsic := p.IntrinsicRewards(
								[][]float64{buf.Obs[buf.Len()-1]},
								[][]float64{buf.NextObs[buf.Len()-1]},
								[][]float64{buf.Actions[buf.Len()-1]})
							surprise := intrinsic[0] -
								r.intrStats[name].Mean[0]
							endingReward += surprise
						}
					}

					datasets[name].AddEpisode(buf, endingReward, endingValue)
					buffers[name][id][e] = &EpisodeBuffer{}

					acc.topEpReward = math.Max(acc.topEpReward,
						acc.epRewards[id][e])
					acc.topEpScore = math.Max(acc.topEpScore,
						acc.epScores[id][e])
					acc.epRewards[id][e] = 0
					acc.epScores[id][e] = 0

					if term || trunc {
						acc.episodes++
					} else {
						acc.episodes += r.episodeFraction(e,
							completedLenSum, completedCount, numEnvs)
					}
				}
			}

			// The episode counts for the run statistics when it
			// actually ended or when it hit the in-rollout cap;
			// an episode cut only by the rollout budget carries
			// its length into the next rollout.
			capped := r.MaxTsPerEpisode > 0 && r.epTs[e] >= r.MaxTsPerEpisode
			if term || trunc || capped {
				completedLenSum += r.epTs[e]
				completedCount++
				if r.epTs[e] > longest {
					longest = r.epTs[e]
				}
				if r.epTs[e] < shortest {
					shortest = r.epTs[e]
				}
				r.epTs[e] = 0
			}
		}

		obs = nextObs
		criticObs = nextCriticObs
	}

	r.writeStatus(status, dctx, collectedTs, accums, completedLenSum,
		completedCount, longest, shortest)

	return datasets, nil
}

// episodeFraction estimates how much of an episode a flushed
// buffer represents.
//
// When no episode finished this rollout, the average length
// is estimated by spreading the combined open-episode length
// over the environment batch.
func (r *Roller) episodeFraction(e, completedLenSum, completedCount,
	numEnvs int) float64 {
	var avgLen float64
	if completedCount > 0 {
		avgLen = float64(completedLenSum) / float64(completedCount)
	} else {
		combined := 0
		for _, ts := range r.epTs {
			combined += ts
		}
		avgLen = float64(combined) / float64(numEnvs)
	}
	if avgLen == 0 {
		return 0
	}
	frac := float64(r.epTs[e]) / avgLen
	if frac > 1 {
		frac = 1
	}
	return frac
}

func (r *Roller) writeStatus(status *Status, dctx *dist.Context,
	collectedTs int, accums map[string]*policyAccum, completedLenSum,
	completedCount, longest, shortest int) {
	status.General["timesteps"] += dctx.SumScalar(float64(collectedTs))

	sums := dctx.AllreduceSum([]float64{
		float64(completedLenSum), float64(completedCount)})
	globalLenSum, globalCount := sums[0], sums[1]
	status.General["longest run"] =
		dctx.AllreduceMax([]float64{float64(longest)})[0]
	minRun := dctx.AllreduceMin([]float64{float64(shortest)})[0]
	if globalCount > 0 {
		status.General["shortest run"] = minRun
		status.General["average run"] = globalLenSum / globalCount
	}

	var totalEpisodes float64
	for _, name := range r.Batcher.PolicyNames() {
		p := r.Policies[name]
		acc := accums[name]
		section := status.Policy(name)

		sums := dctx.AllreduceSum([]float64{acc.rewardSum, acc.naturalSum,
			acc.episodes, acc.intrSum, acc.intrCount})
		rewardSum, naturalSum := sums[0], sums[1]
		episodes, intrSum, intrCount := sums[2], sums[3], sums[4]

		maxes := dctx.AllreduceMax([]float64{acc.topEpReward,
			acc.topEpScore, acc.extMax, acc.obsMax, acc.intrMax})
		mins := dctx.AllreduceMin([]float64{acc.extMin, acc.obsMin,
			acc.intrMin})

		if episodes > 0 {
			section["episode reward avg"] = rewardSum / episodes
			section["extrinsic score avg"] = naturalSum / episodes
			section["top reward"] = maxes[0]
			section["top score"] = math.Max(section["top score"], maxes[1])
		}
		section["ext reward max"] = maxes[2]
		section["ext reward min"] = mins[0]
		section["obs max"] = maxes[3]
		section["obs min"] = mins[1]
		section["lr"] = p.LR.Value()
		if p.EntropyWeight != nil {
			section["entropy weight"] = p.EntropyWeight.Value()
		}
		if p.ICMModule != nil {
			if intrCount > 0 {
				section["intrinsic score avg"] = intrSum / intrCount
			}
			section["intr reward max"] = maxes[4]
			section["intr reward min"] = mins[2]
			section["icm lr"] = p.ICMLR.Value()
			if p.IntrRewardWeight != nil {
				section["intr reward weight"] = p.IntrRewardWeight.Value()
			}
		}

		totalEpisodes += episodes / float64(len(r.Batcher.Agents(name)))
	}
	status.General["total episodes"] += totalEpisodes
}
