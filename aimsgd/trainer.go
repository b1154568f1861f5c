package aimsgd

import (
	"fmt"
	"math"

	"github.com/Luo-Yiqun/aimnet2"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/essentials"
)

// A Summary reports one epoch to an external observer.
type Summary struct {
	// Epoch is the zero-based epoch number.
	Epoch int

	// TrainLoss is the mean training objective over the
	// epoch's batches.
	TrainLoss float64

	// Evaluated indicates whether this epoch ran
	// validation.
	Evaluated bool

	// ValLoss is the weighted validation objective after
	// cross-rank reduction. Only valid when Evaluated.
	ValLoss float64

	// TermValues holds each term's unweighted, normalized
	// validation mean. Only valid when Evaluated.
	TermValues map[string]float64

	// LR is the control value after feeding the scheduler.
	LR float64

	// State is the scheduler state after this epoch.
	State State
}

// A Trainer drives training epochs: it plans batches,
// runs the external model and optimizer, aggregates
// losses, validates, and feeds the plateau scheduler
// until the epoch bound is reached or the scheduler
// terminates.
type Trainer struct {
	// TrainSampler plans training epochs.
	TrainSampler *Sampler

	// ValSampler plans validation epochs.
	// It should not shuffle and should use full coverage.
	// If it is nil, no validation runs and the scheduler
	// is never fed.
	ValSampler *Sampler

	// Fetcher assembles ID batches.
	Fetcher Fetcher

	// Model runs forward passes.
	Model Model

	// Loss aggregates the training objective.
	Loss *aimnet2.MultiLoss

	// Params are the variables to differentiate the
	// objective with respect to.
	Params []*anydiff.Var

	// Stepper applies optimizer updates.
	// If it is nil, plain gradient descent is used.
	Stepper Stepper

	// Scheduler adjusts the control value from validation
	// metrics and signals termination.
	Scheduler *Plateau

	// Epochs bounds the number of training epochs.
	Epochs int

	// EvalEvery is the validation cadence in epochs.
	// Zero means every epoch.
	EvalEvery int

	// Seed derives every epoch's shuffle seed as
	// Seed + epoch. It must be identical on all workers.
	Seed int64

	// Reduce, if non-nil, merges per-rank loss partials
	// across distributed workers before the metric is
	// computed. The identity is used when nil.
	Reduce func(map[string]aimnet2.Partial) map[string]aimnet2.Partial

	// Barrier, if non-nil, is invoked after every
	// validation pass. Distributed workers use it to agree
	// before an external checkpointer runs.
	Barrier func() error

	// StatusFunc, if non-nil, receives a summary after
	// every epoch.
	StatusFunc func(s *Summary)
}

// Run trains for up to t.Epochs epochs.
//
// It returns nil on normal completion, including
// scheduler-driven termination and stops requested
// through the stopper. Stops are honored at batch
// boundaries, and the partial epoch is discarded.
func (t *Trainer) Run(stopper Stopper) error {
	if t.TrainSampler == nil || t.Fetcher == nil || t.Model == nil ||
		t.Loss == nil || t.Scheduler == nil {
		panic("missing required Trainer field")
	}
	if stopper == nil {
		stopper = NeverStop
	}
	for epoch := 0; epoch < t.Epochs; epoch++ {
		if stopper.Done() {
			return nil
		}
		done, err := t.runEpoch(epoch, stopper)
		if err != nil || done {
			return err
		}
	}
	return nil
}

func (t *Trainer) runEpoch(epoch int, stopper Stopper) (done bool, err error) {
	defer essentials.AddCtxTo(fmt.Sprintf("epoch %d", epoch), &err)

	plan, err := t.TrainSampler.Epoch(t.Seed + int64(epoch))
	if err != nil {
		return false, err
	}
	var lossSum float64
	for i, ids := range plan.Batches {
		if stopper.Done() {
			return true, nil
		}
		value, err := t.trainBatch(ids)
		if err != nil {
			return false, essentials.AddCtx(fmt.Sprintf("batch %d", i), err)
		}
		lossSum += value
	}

	summary := &Summary{
		Epoch:     epoch,
		TrainLoss: lossSum / float64(len(plan.Batches)),
		LR:        t.Scheduler.LR(),
		State:     t.Scheduler.State(),
	}
	if t.ValSampler != nil && t.shouldEval(epoch) {
		if err := t.validate(summary); err != nil {
			return false, err
		}
	}
	if t.StatusFunc != nil {
		t.StatusFunc(summary)
	}
	return summary.State == Terminated, nil
}

func (t *Trainer) trainBatch(ids []int) (float64, error) {
	batch, err := t.Fetcher.Fetch(ids)
	if err != nil {
		return 0, err
	}
	lb, err := t.Model.Apply(batch)
	if err != nil {
		return 0, err
	}
	total, _, err := t.Loss.Total(lb)
	if err != nil {
		return 0, err
	}
	value := scalar(total)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, &aimnet2.DataError{Target: "total", Reason: "non-finite loss"}
	}

	grad := anydiff.NewGrad(t.Params...)
	c := total.Output().Creator()
	upstream := c.MakeVectorData(c.MakeNumericList([]float64{1}))
	total.Propagate(upstream, grad)

	if t.Stepper != nil {
		t.Stepper.Step(grad, t.Scheduler.LR())
	} else {
		grad.Scale(c.MakeNumeric(-t.Scheduler.LR()))
		grad.AddToVars()
	}
	return value, nil
}

// validate runs one validation pass, reduces the per-rank
// partials, feeds the scheduler, and synchronizes the
// workers.
func (t *Trainer) validate(summary *Summary) (err error) {
	defer essentials.AddCtxTo("validate", &err)

	summary.Evaluated = true
	plan, err := t.ValSampler.Epoch(t.Seed)
	if err != nil {
		return err
	}
	merged := map[string]aimnet2.Partial{}
	for i, ids := range plan.Batches {
		batch, err := t.Fetcher.Fetch(ids)
		if err != nil {
			return essentials.AddCtx(fmt.Sprintf("batch %d", i), err)
		}
		lb, err := t.Model.Apply(batch)
		if err != nil {
			return essentials.AddCtx(fmt.Sprintf("batch %d", i), err)
		}
		parts, err := t.Loss.Partials(lb)
		if err != nil {
			return essentials.AddCtx(fmt.Sprintf("batch %d", i), err)
		}
		for name, p := range parts {
			m := merged[name]
			m.Sum += p.Sum
			m.Count += p.Count
			merged[name] = m
		}
	}
	if t.Reduce != nil {
		merged = t.Reduce(merged)
	}

	summary.TermValues = map[string]float64{}
	var metric float64
	for _, term := range t.Loss.Terms {
		mean := merged[term.Name].Mean()
		summary.TermValues[term.Name] = mean
		metric += term.Weight * mean
	}
	summary.ValLoss = metric
	summary.State = t.Scheduler.Observe(metric)
	summary.LR = t.Scheduler.LR()

	if t.Barrier != nil {
		if err := t.Barrier(); err != nil {
			return essentials.AddCtx("barrier", err)
		}
	}
	return nil
}

func (t *Trainer) shouldEval(epoch int) bool {
	every := t.EvalEvery
	if every == 0 {
		every = 1
	}
	return (epoch+1)%every == 0
}

func scalar(res anydiff.Res) float64 {
	switch data := res.Output().Data().(type) {
	case []float32:
		return float64(data[0])
	case []float64:
		return data[0]
	default:
		panic("unsupported numeric type")
	}
}
