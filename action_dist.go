package ppo

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A Dist is a parameterized action distribution.
//
// Sampling happens outside the gradient graph; LogProb and
// Entropy produce one differentiable value per batch entry.
type Dist interface {
	// Sample samples a batch of action vectors given a
	// batch of parameter vectors.
	Sample(params anyvec.Vector, batchSize int) anyvec.Vector

	// LogProb produces, for each parameter-output pair in
	// the batch, the log-likelihood of the parameters
	// producing that output.
	//
	// For continuous distributions, this is the log of the
	// density rather than of the probability.
	LogProb(params anydiff.Res, output anyvec.Vector,
		batchSize int) anydiff.Res

	// Entropy produces one entropy value per batch entry.
	Entropy(params anydiff.Res, batchSize int) anydiff.Res

	// EnvAction converts one sampled vector into the form
	// the environment consumes.
	EnvAction(sample []float64) []float64
}

// Softmax is a Dist which applies the softmax function to
// obtain a discrete distribution over choices.
// It produces one-hot vector samples.
type Softmax struct{}

// Sample samples one-hot vectors from the softmax
// distribution.
func (s Softmax) Sample(params anyvec.Vector, batchSize int) anyvec.Vector {
	if params.Len()%batchSize != 0 {
		panic("batch size must divide parameter count")
	}

	chunkSize := params.Len() / batchSize
	p := params.Copy()
	anyvec.LogSoftmax(p, chunkSize)
	anyvec.Exp(p)

	var oneHots []anyvec.Vector
	for i := 0; i < batchSize; i++ {
		subset := p.Slice(i*chunkSize, (i+1)*chunkSize)
		oneHots = append(oneHots, sampleProbabilities(subset))
	}

	return p.Creator().Concat(oneHots...)
}

// LogProb computes the output log probabilities.
func (s Softmax) LogProb(params anydiff.Res, output anyvec.Vector,
	batchSize int) anydiff.Res {
	if params.Output().Len() != output.Len() {
		panic("length mismatch")
	}
	if params.Output().Len()%batchSize != 0 {
		panic("batch size does not divide param count")
	}
	chunkSize := params.Output().Len() / batchSize
	logs := anydiff.LogSoftmax(params, chunkSize)
	return batchedDot(logs, anydiff.NewConst(output), batchSize)
}

// Entropy computes the per-entry softmax entropies.
func (s Softmax) Entropy(params anydiff.Res, batchSize int) anydiff.Res {
	if params.Output().Len()%batchSize != 0 {
		panic("batch size does not divide param count")
	}
	chunkSize := params.Output().Len() / batchSize
	logs := anydiff.LogSoftmax(params, chunkSize)
	return anydiff.Pool(logs, func(logs anydiff.Res) anydiff.Res {
		probs := anydiff.Exp(logs)
		c := params.Output().Creator()
		return anydiff.Scale(batchedDot(probs, logs, batchSize),
			c.MakeNumeric(-1))
	})
}

// EnvAction converts a one-hot sample into a choice index.
func (s Softmax) EnvAction(sample []float64) []float64 {
	idx := 0
	for i, x := range sample {
		if x > sample[idx] {
			idx = i
		}
	}
	return []float64{float64(idx)}
}

// Gaussian is a Dist with a diagonal covariance whose log
// standard deviations are free parameters, independent of
// the inputs.
//
// The parameter vectors are the means; LogStd is owned by
// the distribution and receives gradients through LogProb
// and Entropy.
type Gaussian struct {
	// Dim is the action vector size.
	Dim int

	// LogStd holds one log standard deviation per action
	// channel.
	LogStd *anydiff.Var
}

// NewGaussian creates a Gaussian over vectors of the given
// size with all log standard deviations initialized to 0.
func NewGaussian(c anyvec.Creator, dim int) *Gaussian {
	return &Gaussian{
		Dim:    dim,
		LogStd: anydiff.NewVar(c.MakeVector(dim)),
	}
}

// Sample samples action vectors from the Gaussian.
func (g *Gaussian) Sample(params anyvec.Vector, batchSize int) anyvec.Vector {
	if params.Len() != batchSize*g.Dim {
		panic("parameter count must be batch size times dimension")
	}
	means := vectorToFloats(params)
	stds := vectorToFloats(g.LogStd.Vector)
	for i, x := range stds {
		stds[i] = math.Exp(x)
	}

	samples := make([]float64, len(means))
	for i, mean := range means {
		samples[i] = mean + stds[i%g.Dim]*rand.NormFloat64()
	}

	c := params.Creator()
	return c.MakeVectorData(c.MakeNumericList(samples))
}

// LogProb computes the per-entry log densities.
func (g *Gaussian) LogProb(params anydiff.Res, output anyvec.Vector,
	batchSize int) anydiff.Res {
	if params.Output().Len() != output.Len() {
		panic("length mismatch")
	}
	if params.Output().Len() != batchSize*g.Dim {
		panic("parameter count must be batch size times dimension")
	}
	c := params.Output().Creator()
	return anydiff.Pool(g.LogStd, func(logStd anydiff.Res) anydiff.Res {
		tiled := tileRows(logStd, batchSize)
		invVar := anydiff.Exp(anydiff.Scale(tiled, c.MakeNumeric(-2)))
		diff := anydiff.Sub(params, anydiff.NewConst(output))
		quad := anydiff.SumCols(&anydiff.Matrix{
			Data: anydiff.Mul(anydiff.Square(diff), invVar),
			Rows: batchSize,
			Cols: g.Dim,
		})
		logStdSum := anydiff.SumCols(&anydiff.Matrix{
			Data: tiled,
			Rows: batchSize,
			Cols: g.Dim,
		})
		constTerm := float64(g.Dim) / 2 * math.Log(2*math.Pi)
		return anydiff.Sub(
			anydiff.Scale(quad, c.MakeNumeric(-0.5)),
			anydiff.Add(logStdSum, constantRows(c, batchSize, constTerm)),
		)
	})
}

// Entropy computes the per-entry differential entropies.
func (g *Gaussian) Entropy(params anydiff.Res, batchSize int) anydiff.Res {
	c := params.Output().Creator()
	return anydiff.Pool(g.LogStd, func(logStd anydiff.Res) anydiff.Res {
		tiled := tileRows(logStd, batchSize)
		logStdSum := anydiff.SumCols(&anydiff.Matrix{
			Data: tiled,
			Rows: batchSize,
			Cols: g.Dim,
		})
		constTerm := float64(g.Dim) / 2 * (1 + math.Log(2*math.Pi))
		return anydiff.Add(logStdSum, constantRows(c, batchSize, constTerm))
	})
}

// EnvAction returns the sample unchanged.
func (g *Gaussian) EnvAction(sample []float64) []float64 {
	return sample
}

// constantRows makes a constant with one value per row.
func constantRows(c anyvec.Creator, rows int, value float64) anydiff.Res {
	data := make([]float64, rows)
	for i := range data {
		data[i] = value
	}
	return anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(data)))
}

// tileRows concatenates a row vector with itself rows times.
func tileRows(row anydiff.Res, rows int) anydiff.Res {
	reses := make([]anydiff.Res, rows)
	for i := range reses {
		reses[i] = row
	}
	return anydiff.Concat(reses...)
}

func batchedDot(vecs1, vecs2 anydiff.Res, batchSize int) anydiff.Res {
	products := anydiff.Mul(vecs1, vecs2)
	return anydiff.SumCols(&anydiff.Matrix{
		Data: products,
		Rows: batchSize,
		Cols: vecs1.Output().Len() / batchSize,
	})
}

func sampleProbabilities(p anyvec.Vector) anyvec.Vector {
	randNum := rand.Float64()
	idx := p.Len() - 1
	switch data := p.Data().(type) {
	case []float32:
		for i, x := range data {
			randNum -= float64(x)
			if randNum < 0 {
				idx = i
				break
			}
		}
	case []float64:
		for i, x := range data {
			randNum -= x
			if randNum < 0 {
				idx = i
				break
			}
		}
	default:
		panic(fmt.Sprintf("cannot sample from %T", data))
	}

	oneHot := make([]float64, p.Len())
	oneHot[idx] = 1
	return p.Creator().MakeVectorData(p.Creator().MakeNumericList(oneHot))
}

func vectorToFloats(vec anyvec.Vector) []float64 {
	switch data := vec.Data().(type) {
	case []float32:
		res := make([]float64, len(data))
		for i, x := range data {
			res[i] = float64(x)
		}
		return res
	case []float64:
		return append([]float64{}, data...)
	default:
		panic(fmt.Sprintf("unsupported numeric type: %T", data))
	}
}
