package ppo

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/lior10r/ppo-and-friends/dist"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// DefaultSurrClip is the default clipped-surrogate epsilon.
const DefaultSurrClip = 0.2

// A Policy is one trainable unit: an actor, a critic, an
// action distribution, and optionally an intrinsic curiosity
// module, together with the hyperparameters of their update.
type Policy struct {
	Name    string
	Creator anyvec.Creator

	Actor  anynet.Net
	Critic anynet.Net
	Dist   Dist

	// ICMModule, when non-nil, produces intrinsic rewards
	// and is trained alongside the actor and critic.
	ICMModule *ICM

	// SurrClip is the clipped-surrogate epsilon.
	// If 0, DefaultSurrClip is used.
	SurrClip float64

	// TargetKL stops a policy's epoch loop once the mean
	// KL divergence from the rollout policy exceeds it.
	// If 0, no early stopping occurs.
	TargetKL float64

	// KLLossWeight scales a KL penalty term added to the
	// actor loss. If 0, no penalty is added.
	KLLossWeight float64

	// GradientClip rescales gradients whose global norm
	// exceeds it. If 0, gradients are not clipped.
	GradientClip float64

	// VFClip bounds the critic's predictions in the value
	// loss. If 0, the plain MSE is used.
	VFClip float64

	Gamma  float64
	Lambda float64

	// LR and EntropyWeight are finalized once per
	// iteration.
	LR            Scheduler
	EntropyWeight Scheduler

	// ICMLR and IntrRewardWeight drive the curiosity
	// module; ignored when ICMModule is nil.
	ICMLR            Scheduler
	IntrRewardWeight Scheduler

	// ValueNormalizer, when non-nil, keeps the critic's
	// targets normalized; predictions are denormalized on
	// the way out.
	ValueNormalizer *RunningStat

	transformer    anysgd.Adam
	icmTransformer anysgd.Adam
}

// An UpdateResult reports the losses of one minibatch
// update.
type UpdateResult struct {
	ActorLoss       float64
	CriticLoss      float64
	WeightedEntropy float64
	KL              float64

	// Values holds the critic's fresh (denormalized) value
	// estimates for the minibatch, in index order.
	Values []float64
}

// Parameters returns the actor and critic parameters in a
// fixed order, including the Gaussian log-std when the
// distribution owns one.
func (p *Policy) Parameters() []*anydiff.Var {
	params := anynet.AllParameters(p.Actor, p.Critic)
	if g, ok := p.Dist.(*Gaussian); ok {
		params = append(params, g.LogStd)
	}
	return params
}

// SampleActions runs the actor on a batch of observations
// and samples actions.
//
// It returns the raw distribution samples, the per-row
// environment actions, and the sample log-probabilities.
func (p *Policy) SampleActions(obs [][]float64) (raw, envActions [][]float64,
	logProbs []float64) {
	batch := len(obs)
	params := p.Actor.Apply(p.constRows(obs), batch)
	samples := p.Dist.Sample(params.Output(), batch)
	logProbRes := p.Dist.LogProb(params, samples, batch)

	raw = SplitRows(samples, batch)
	envActions = make([][]float64, batch)
	for i, row := range raw {
		envActions[i] = p.Dist.EnvAction(row)
	}
	return raw, envActions, vectorToFloats(logProbRes.Output())
}

// EstimateValues runs the critic on a batch of critic
// observations, denormalizing when value normalization is
// enabled.
func (p *Policy) EstimateValues(criticObs [][]float64) []float64 {
	batch := len(criticObs)
	out := p.Critic.Apply(p.constRows(criticObs), batch)
	values := vectorToFloats(out.Output())
	if p.ValueNormalizer != nil {
		for i, v := range values {
			values[i] = p.ValueNormalizer.Denormalize([]float64{v})[0]
		}
	}
	return values
}

// IntrinsicRewards returns the curiosity rewards for a batch
// of transitions, scaled by the intrinsic reward weight.
//
// Without an ICM module the result is all zeros.
func (p *Policy) IntrinsicRewards(obs, nextObs, actions [][]float64) []float64 {
	res := make([]float64, len(obs))
	if p.ICMModule == nil {
		return res
	}
	weight := 1.0
	if p.IntrRewardWeight != nil {
		weight = p.IntrRewardWeight.Value()
	}
	raw := p.ICMModule.IntrinsicRewards(obs, nextObs, actions)
	for i, x := range raw {
		res[i] = x * weight
	}
	return res
}

// Update performs one clipped-surrogate minibatch update.
//
// The gradient is averaged across the worker group before
// the optimizer step, so every worker must call Update the
// same number of times with minibatches of its own data.
func (p *Policy) Update(d *Dataset, indices []int,
	dctx *dist.Context) *UpdateResult {
	c := p.Creator
	batch := len(indices)

	obs := GatherRows(d.Obs, indices)
	criticObs := GatherRows(d.CriticObs, indices)
	actions := GatherRows(d.Actions, indices)
	oldLogProbs := GatherScalars(d.LogProbs, indices)
	advantages := GatherScalars(d.Advantages, indices)
	targets := GatherScalars(d.Targets, indices)

	normAdv := normalizeAdvantages(p.Name, advantages)
	if p.ValueNormalizer != nil {
		for i, t := range targets {
			targets[i] = p.ValueNormalizer.Normalize([]float64{t})[0]
		}
	}

	advConst := p.constScalars(normAdv)
	oldConst := p.constScalars(oldLogProbs)
	targetConst := p.constScalars(targets)
	actionVec := p.constRows(actions).Output()

	actorOut := p.Actor.Apply(p.constRows(obs), batch)
	newLogProbs := p.Dist.LogProb(actorOut, actionVec, batch)

	var actorLoss, criticLoss, weightedEntropy, klMean float64
	var newValues []float64

	loss := anydiff.Pool(newLogProbs, func(newLogProbs anydiff.Res) anydiff.Res {
		ratios := anydiff.Exp(anydiff.Sub(newLogProbs, oldConst))
		checkRatios(p.Name, ratios.Output(), oldLogProbs,
			vectorToFloats(newLogProbs.Output()))

		surrClip := p.SurrClip
		if surrClip == 0 {
			surrClip = DefaultSurrClip
		}
		surrogate := anydiff.Pool(ratios, func(ratios anydiff.Res) anydiff.Res {
			clipped := anydiff.ClipRange(ratios,
				c.MakeNumeric(1-surrClip), c.MakeNumeric(1+surrClip))
			return anydiff.ElemMin(
				anydiff.Mul(clipped, advConst),
				anydiff.Mul(ratios, advConst),
			)
		})
		actorTerm := anydiff.Scale(meanRes(surrogate), c.MakeNumeric(-1))

		klRes := meanRes(anydiff.Sub(oldConst, newLogProbs))
		klMean = vectorToFloats(klRes.Output())[0]
		if p.KLLossWeight != 0 {
			actorTerm = anydiff.Add(actorTerm,
				anydiff.Scale(klRes, c.MakeNumeric(p.KLLossWeight)))
		}

		entWeight := 0.0
		if p.EntropyWeight != nil {
			entWeight = p.EntropyWeight.Value()
		}
		entropy := meanRes(p.Dist.Entropy(actorOut, batch))
		weightedEntropy = entWeight * vectorToFloats(entropy.Output())[0]
		if entWeight != 0 {
			actorTerm = anydiff.Sub(actorTerm,
				anydiff.Scale(entropy, c.MakeNumeric(entWeight)))
		}

		actorLoss = vectorToFloats(actorTerm.Output())[0]

		criticOut := p.Critic.Apply(p.constRows(criticObs), batch)
		criticTerm := anydiff.Pool(criticOut, func(criticOut anydiff.Res) anydiff.Res {
			mse := anydiff.Square(anydiff.Sub(criticOut, targetConst))
			if p.VFClip == 0 {
				return meanRes(mse)
			}
			clipped := anydiff.ClipRange(criticOut,
				c.MakeNumeric(-p.VFClip), c.MakeNumeric(p.VFClip))
			clippedMSE := anydiff.Square(anydiff.Sub(clipped, targetConst))
			return meanRes(elemMax(mse, clippedMSE))
		})
		criticLoss = vectorToFloats(criticTerm.Output())[0]

		newValues = vectorToFloats(criticOut.Output())
		if p.ValueNormalizer != nil {
			for i, v := range newValues {
				newValues[i] = p.ValueNormalizer.Denormalize([]float64{v})[0]
			}
		}

		return anydiff.Add(actorTerm, criticTerm)
	})

	params := p.Parameters()
	grad := anydiff.NewGrad(params...)
	loss.Propagate(anyvec.Ones(c, 1), grad)

	dctx.AverageGrad(grad, params)
	p.clipGradient(grad, params)

	lr := p.LR.Value()
	g := p.transformer.Transform(grad)
	g.Scale(c.MakeNumeric(-lr))
	g.AddToVars()

	return &UpdateResult{
		ActorLoss:       actorLoss,
		CriticLoss:      criticLoss,
		WeightedEntropy: weightedEntropy,
		KL:              klMean,
		Values:          newValues,
	}
}

// UpdateICM performs one curiosity-module minibatch update
// and returns the loss.
func (p *Policy) UpdateICM(d *Dataset, indices []int,
	dctx *dist.Context) float64 {
	c := p.Creator
	obs := GatherRows(d.Obs, indices)
	nextObs := GatherRows(d.NextObs, indices)
	actions := GatherRows(d.Actions, indices)

	loss := p.ICMModule.Loss(obs, nextObs, actions)
	lossVal := vectorToFloats(loss.Output())[0]

	params := p.ICMModule.Parameters()
	grad := anydiff.NewGrad(params...)
	loss.Propagate(anyvec.Ones(c, 1), grad)

	dctx.AverageGrad(grad, params)
	p.clipGradient(grad, params)

	lr := p.ICMLR.Value()
	g := p.icmTransformer.Transform(grad)
	g.Scale(c.MakeNumeric(-lr))
	g.AddToVars()

	return lossVal
}

// FinalizeSchedulers advances every scheduler the policy
// owns.
func (p *Policy) FinalizeSchedulers(status *Status) {
	for _, s := range []Scheduler{p.LR, p.EntropyWeight, p.ICMLR,
		p.IntrRewardWeight} {
		if s != nil {
			s.Finalize(status)
		}
	}
}

// Save writes the policy's networks and distribution state
// under dir.
func (p *Policy) Save(dir string) (err error) {
	defer essentials.AddCtxTo("save policy "+p.Name, &err)
	if err := serializer.SaveAny(p.file(dir, "actor"), p.Actor); err != nil {
		return err
	}
	if err := serializer.SaveAny(p.file(dir, "critic"), p.Critic); err != nil {
		return err
	}
	if g, ok := p.Dist.(*Gaussian); ok {
		data, err := json.Marshal(vectorToFloats(g.LogStd.Vector))
		if err != nil {
			return err
		}
		path := filepath.Join(dir, p.Name+"_log_std.json")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return err
		}
	}
	if p.ICMModule != nil {
		err := serializer.SaveAny(p.file(dir, "icm"), p.ICMModule.Encoder,
			p.ICMModule.Forward, p.ICMModule.Inverse)
		if err != nil {
			return err
		}
	}
	if p.ValueNormalizer != nil {
		path := filepath.Join(dir, p.Name+"_value_stats.json")
		if err := p.ValueNormalizer.SaveInfo(path); err != nil {
			return err
		}
	}
	return nil
}

// Load restores the policy's networks and distribution state
// from dir.
func (p *Policy) Load(dir string) (err error) {
	defer essentials.AddCtxTo("load policy "+p.Name, &err)
	if err := serializer.LoadAny(p.file(dir, "actor"), &p.Actor); err != nil {
		return err
	}
	if err := serializer.LoadAny(p.file(dir, "critic"), &p.Critic); err != nil {
		return err
	}
	if g, ok := p.Dist.(*Gaussian); ok {
		path := filepath.Join(dir, p.Name+"_log_std.json")
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var logStd []float64
		if err := json.Unmarshal(data, &logStd); err != nil {
			return err
		}
		g.LogStd.Vector.SetData(p.Creator.MakeNumericList(logStd))
	}
	if p.ICMModule != nil {
		err := serializer.LoadAny(p.file(dir, "icm"), &p.ICMModule.Encoder,
			&p.ICMModule.Forward, &p.ICMModule.Inverse)
		if err != nil {
			return err
		}
	}
	if p.ValueNormalizer != nil {
		path := filepath.Join(dir, p.Name+"_value_stats.json")
		if err := p.ValueNormalizer.LoadInfo(path); err != nil {
			return err
		}
	}
	return nil
}

func (p *Policy) file(dir, kind string) string {
	return filepath.Join(dir, p.Name+"_"+kind)
}

func (p *Policy) clipGradient(grad anydiff.Grad, params []*anydiff.Var) {
	if p.GradientClip == 0 {
		return
	}
	var sqSum float64
	for _, param := range params {
		for _, x := range vectorToFloats(grad[param]) {
			sqSum += x * x
		}
	}
	norm := math.Sqrt(sqSum)
	if norm > p.GradientClip {
		grad.Scale(p.Creator.MakeNumeric(p.GradientClip / norm))
	}
}

func (p *Policy) constRows(rows [][]float64) anydiff.Res {
	size := 0
	for _, row := range rows {
		size += len(row)
	}
	flat := make([]float64, 0, size)
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return anydiff.NewConst(p.Creator.MakeVectorData(
		p.Creator.MakeNumericList(flat)))
}

func (p *Policy) constScalars(vals []float64) anydiff.Res {
	return anydiff.NewConst(p.Creator.MakeVectorData(
		p.Creator.MakeNumericList(vals)))
}

// normalizeAdvantages standardizes a minibatch of
// advantages.
//
// A non-finite spread means the rollout went numerically
// wrong; training cannot meaningfully continue, so this is
// fatal with a diagnostic dump.
func normalizeAdvantages(policy string, advantages []float64) []float64 {
	mean := 0.0
	for _, a := range advantages {
		mean += a
	}
	mean /= float64(len(advantages))
	variance := 0.0
	for _, a := range advantages {
		variance += (a - mean) * (a - mean)
	}
	variance /= float64(len(advantages))
	std := math.Sqrt(variance)

	if math.IsNaN(std) || math.IsInf(std, 0) {
		lo, hi := floatRange(advantages)
		essentials.Die("policy", policy, "advantage std is not finite;",
			"mean:", mean, "range:", lo, "to", hi)
	}

	res := make([]float64, len(advantages))
	for i, a := range advantages {
		res[i] = (a - mean) / (std + statEpsilon)
	}
	return res
}

// checkRatios aborts on non-finite importance ratios, which
// indicate diverged log-probabilities.
func checkRatios(policy string, ratios anyvec.Vector, oldLP, newLP []float64) {
	for _, r := range vectorToFloats(ratios) {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			oldLo, oldHi := floatRange(oldLP)
			newLo, newHi := floatRange(newLP)
			essentials.Die("policy", policy, "ratio is not finite;",
				"old log probs:", oldLo, "to", oldHi,
				"new log probs:", newLo, "to", newHi)
		}
	}
}

func floatRange(vals []float64) (lo, hi float64) {
	lo = math.Inf(1)
	hi = math.Inf(-1)
	for _, x := range vals {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return
}

// elemMax is the element-wise maximum, expressed through
// ElemMin on negated inputs.
func elemMax(a, b anydiff.Res) anydiff.Res {
	c := a.Output().Creator()
	neg := c.MakeNumeric(-1)
	return anydiff.Scale(
		anydiff.ElemMin(anydiff.Scale(a, neg), anydiff.Scale(b, neg)),
		neg,
	)
}
