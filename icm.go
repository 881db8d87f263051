package ppo

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
)

// An ICM is an intrinsic curiosity module: an observation
// encoder plus forward and inverse dynamics heads.
//
// The forward head's prediction error in feature space is
// the intrinsic reward, which rewards visiting states the
// model cannot yet predict.
type ICM struct {
	// Creator is used to build input vectors.
	Creator anyvec.Creator

	// Encoder maps observations to feature vectors of
	// FeatureDim channels.
	Encoder anynet.Layer

	// Forward maps a feature vector joined with an action
	// to a predicted next feature vector.
	Forward anynet.Layer

	// Inverse maps a pair of joined feature vectors to
	// action distribution parameters (Discrete actions) or
	// an action estimate (Box actions).
	Inverse anynet.Layer

	// ActionDist scores inverse predictions for Discrete
	// action spaces.
	ActionDist Dist

	// ActionSpace is the refined action space.
	ActionSpace Space

	FeatureDim int

	// Beta weighs the inverse loss against the forward
	// loss. If 0, a default of 0.8 is used.
	Beta float64

	// Eta scales the intrinsic reward. If 0, a default of
	// 1 is used.
	Eta float64
}

// Parameters returns the trainable parameters of all three
// networks.
func (m *ICM) Parameters() []*anydiff.Var {
	return anynet.AllParameters(m.Encoder, m.Forward, m.Inverse)
}

// IntrinsicRewards computes one intrinsic reward per
// transition.
func (m *ICM) IntrinsicRewards(obs, nextObs, actions [][]float64) []float64 {
	batch := len(obs)
	if batch == 0 {
		return nil
	}
	features := m.Encoder.Apply(m.constRows(obs), batch)
	nextFeatures := m.Encoder.Apply(m.constRows(nextObs), batch)
	joined := joinRows(features, m.constRows(actions), batch)
	predicted := m.Forward.Apply(joined, batch)

	diff := anydiff.Sub(predicted, nextFeatures)
	sqNorms := anydiff.SumCols(&anydiff.Matrix{
		Data: anydiff.Square(diff),
		Rows: batch,
		Cols: m.FeatureDim,
	})

	res := vectorToFloats(sqNorms.Output())
	for i := range res {
		res[i] *= m.eta() / 2
	}
	return res
}

// Loss computes the combined forward and inverse loss over a
// batch of transitions.
//
// Actions are the raw distribution samples: one-hot vectors
// for Discrete spaces.
func (m *ICM) Loss(obs, nextObs, actions [][]float64) anydiff.Res {
	batch := len(obs)
	c := m.Creator

	features := m.Encoder.Apply(m.constRows(obs), batch)
	nextFeatures := m.Encoder.Apply(m.constRows(nextObs), batch)
	actionRes := m.constRows(actions)

	return anydiff.Pool(features, func(features anydiff.Res) anydiff.Res {
		return anydiff.Pool(nextFeatures,
			func(nextFeatures anydiff.Res) anydiff.Res {
				joined := joinRows(features, actionRes, batch)
				predicted := m.Forward.Apply(joined, batch)
				fwdLoss := meanRes(anydiff.Scale(
					anydiff.SumCols(&anydiff.Matrix{
						Data: anydiff.Square(anydiff.Sub(predicted,
							nextFeatures)),
						Rows: batch,
						Cols: m.FeatureDim,
					}),
					c.MakeNumeric(0.5),
				))

				pair := joinRows(features, nextFeatures, batch)
				invOut := m.Inverse.Apply(pair, batch)
				var invLoss anydiff.Res
				if m.ActionSpace.Type == DiscreteType {
					logProbs := m.ActionDist.LogProb(invOut,
						actionRes.Output(), batch)
					invLoss = anydiff.Scale(meanRes(logProbs),
						c.MakeNumeric(-1))
				} else {
					invLoss = meanRes(anydiff.SumCols(&anydiff.Matrix{
						Data: anydiff.Square(anydiff.Sub(invOut, actionRes)),
						Rows: batch,
						Cols: m.ActionSpace.Size(),
					}))
				}

				beta := m.beta()
				return anydiff.Add(
					anydiff.Scale(fwdLoss, c.MakeNumeric(1-beta)),
					anydiff.Scale(invLoss, c.MakeNumeric(beta)),
				)
			})
	})
}

func (m *ICM) beta() float64 {
	if m.Beta == 0 {
		return 0.8
	}
	return m.Beta
}

func (m *ICM) eta() float64 {
	if m.Eta == 0 {
		return 1
	}
	return m.Eta
}

func (m *ICM) constRows(rows [][]float64) anydiff.Res {
	flat := make([]float64, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return anydiff.NewConst(m.Creator.MakeVectorData(
		m.Creator.MakeNumericList(flat)))
}

// joinRows concatenates two row batches row by row.
func joinRows(a, b anydiff.Res, batch int) anydiff.Res {
	aCols := a.Output().Len() / batch
	bCols := b.Output().Len() / batch
	return anydiff.Pool(a, func(a anydiff.Res) anydiff.Res {
		return anydiff.Pool(b, func(b anydiff.Res) anydiff.Res {
			pieces := make([]anydiff.Res, 0, batch*2)
			for i := 0; i < batch; i++ {
				pieces = append(pieces,
					anydiff.Slice(a, i*aCols, (i+1)*aCols),
					anydiff.Slice(b, i*bCols, (i+1)*bCols))
			}
			return anydiff.Concat(pieces...)
		})
	})
}

// meanRes averages all components of a result.
func meanRes(res anydiff.Res) anydiff.Res {
	n := res.Output().Len()
	c := res.Output().Creator()
	total := anydiff.SumCols(&anydiff.Matrix{
		Data: res,
		Rows: 1,
		Cols: n,
	})
	return anydiff.Scale(total, c.MakeNumeric(1/float64(n)))
}
