package aimnet2

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A Norm selects how a loss term's per-structure
// residuals are normalized.
type Norm int

const (
	// PerStructure leaves residuals unchanged.
	PerStructure Norm = iota

	// PerAtom divides each structure's residual by its
	// atom count.
	PerAtom
)

// A Component computes a batch of per-structure residuals
// for one target.
//
// Just like a cost function, a Component is batched: it
// takes a packed batch of desired and actual values and
// produces one residual per structure.
type Component interface {
	Residual(desired, actual anydiff.Res, n int) anydiff.Res
}

// MSE computes residuals as the mean squared distance
// between the actual and desired values of a structure.
type MSE struct{}

// Residual computes, for each structure, the mean squared
// distance between the actual and desired values.
func (m MSE) Residual(desired, actual anydiff.Res, n int) anydiff.Res {
	diff := anydiff.Sub(desired, actual)
	sq := anydiff.Square(diff)
	numComps := sq.Output().Len() / n
	sum := anydiff.SumCols(&anydiff.Matrix{
		Data: sq,
		Rows: n,
		Cols: numComps,
	})
	normalizer := 1.0 / float64(numComps)
	return anydiff.Scale(sum, sum.Output().Creator().MakeNumeric(normalizer))
}

// MAE computes residuals as the mean absolute distance
// between the actual and desired values of a structure.
type MAE struct{}

// Residual computes, for each structure, the mean
// absolute distance between the actual and desired
// values.
func (m MAE) Residual(desired, actual anydiff.Res, n int) anydiff.Res {
	abs := anydiff.Pool(anydiff.Sub(desired, actual), func(diff anydiff.Res) anydiff.Res {
		minusOne := diff.Output().Creator().MakeNumeric(-1)
		return anydiff.Add(
			anydiff.ClipPos(diff),
			anydiff.ClipPos(anydiff.Scale(diff, minusOne)),
		)
	})
	numComps := abs.Output().Len() / n
	sum := anydiff.SumCols(&anydiff.Matrix{
		Data: abs,
		Rows: n,
		Cols: numComps,
	})
	normalizer := 1.0 / float64(numComps)
	return anydiff.Scale(sum, sum.Output().Creator().MakeNumeric(normalizer))
}

// A Term is one weighted, normalized component of the
// training objective.
//
// Terms are defined by configuration and never mutated
// during training.
type Term struct {
	// Name identifies the term in summaries and metrics.
	Name string

	// Target is the key under which the term's desired and
	// actual values appear in a LossBatch.
	// If it is empty, Name is used.
	Target string

	// Weight scales the term's contribution to the total.
	Weight float64

	// Norm selects the residual normalization.
	Norm Norm

	// Comp computes the per-structure residuals.
	Comp Component
}

func (t *Term) targetKey() string {
	if t.Target != "" {
		return t.Target
	}
	return t.Name
}

// A LossBatch carries one assembled batch's predictions
// and targets, keyed by target name.
//
// All vectors are packed with one row per structure.
type LossBatch struct {
	// N is the number of structures in the batch.
	N int

	// Atoms is the atom count of each structure.
	Atoms []int

	// Preds maps target keys to model outputs.
	Preds map[string]anydiff.Res

	// Targets maps target keys to desired values.
	Targets map[string]anydiff.Res
}

// A Partial is a pre-reduction sum of normalized
// residuals and the number of structures it covers.
//
// Distributed workers sum Partials across ranks before
// dividing, so that the global mean uses the global
// denominator.
type Partial struct {
	Sum   float64
	Count int
}

// Mean returns Sum/Count, or 0 for an empty Partial.
func (p Partial) Mean() float64 {
	if p.Count == 0 {
		return 0
	}
	return p.Sum / float64(p.Count)
}

// A MultiLoss combines independently defined loss terms
// into one scalar training objective.
type MultiLoss struct {
	Terms []*Term
}

// Total computes the differentiable training objective
// for a batch, along with each term's unweighted but
// normalized mean value.
//
// The objective is the sum over terms of
// weight * mean(normalized residual).
//
// It returns a DataError if a term's target or prediction
// is absent from the batch.
func (m *MultiLoss) Total(b *LossBatch) (anydiff.Res, map[string]float64, error) {
	var total anydiff.Res
	values := map[string]float64{}
	for _, t := range m.Terms {
		mean, err := m.termMean(t, b)
		if err != nil {
			return nil, nil, err
		}
		values[t.Name] = scalarValue(mean.Output())
		c := mean.Output().Creator()
		contrib := anydiff.Scale(mean, c.MakeNumeric(t.Weight))
		if total == nil {
			total = contrib
		} else {
			total = anydiff.Add(total, contrib)
		}
	}
	return total, values, nil
}

// Partials computes each term's pre-reduction sum of
// normalized residuals over the batch.
func (m *MultiLoss) Partials(b *LossBatch) (map[string]Partial, error) {
	res := map[string]Partial{}
	for _, t := range m.Terms {
		sum, err := m.termSum(t, b)
		if err != nil {
			return nil, err
		}
		res[t.Name] = Partial{Sum: scalarValue(sum.Output()), Count: b.N}
	}
	return res, nil
}

func (m *MultiLoss) termMean(t *Term, b *LossBatch) (anydiff.Res, error) {
	sum, err := m.termSum(t, b)
	if err != nil {
		return nil, err
	}
	c := sum.Output().Creator()
	return anydiff.Scale(sum, c.MakeNumeric(1/float64(b.N))), nil
}

func (m *MultiLoss) termSum(t *Term, b *LossBatch) (anydiff.Res, error) {
	key := t.targetKey()
	desired, ok := b.Targets[key]
	if !ok {
		return nil, &DataError{Target: key, Reason: "missing target"}
	}
	actual, ok := b.Preds[key]
	if !ok {
		return nil, &DataError{Target: key, Reason: "missing prediction"}
	}
	res := t.Comp.Residual(desired, actual, b.N)
	if t.Norm == PerAtom {
		res = anydiff.Mul(res, invAtoms(res.Output().Creator(), b.Atoms))
	}
	return anydiff.Sum(res), nil
}

func invAtoms(c anyvec.Creator, atoms []int) anydiff.Res {
	inv := make([]float64, len(atoms))
	for i, n := range atoms {
		inv[i] = 1 / float64(n)
	}
	return anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(inv)))
}

func scalarValue(vec anyvec.Vector) float64 {
	switch data := vec.Data().(type) {
	case []float32:
		return float64(data[0])
	case []float64:
		return data[0]
	default:
		panic("unsupported numeric type")
	}
}
