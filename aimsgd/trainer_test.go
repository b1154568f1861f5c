package aimsgd

import (
	"math"
	"testing"

	"github.com/Luo-Yiqun/aimnet2"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec/anyvec32"
)

type idBatch struct {
	ids []int
}

type recordingFetcher struct {
	fetched [][]int
}

func (r *recordingFetcher) Fetch(ids []int) (Batch, error) {
	r.fetched = append(r.fetched, ids)
	return &idBatch{ids: ids}, nil
}

// linearModel predicts each structure's energy as
// W * numAtoms; the data is generated with slope 1.5, so
// training should drive W toward 1.5.
type linearModel struct {
	W     *anydiff.Var
	Index *aimnet2.SizeIndex
	Slope float64
}

func newLinearModel(idx *aimnet2.SizeIndex) *linearModel {
	c := anyvec32.DefaultCreator{}
	return &linearModel{
		W:     anydiff.NewVar(c.MakeVector(1)),
		Index: idx,
		Slope: 1.5,
	}
}

func (l *linearModel) Apply(b Batch) (*aimnet2.LossBatch, error) {
	ids := b.(*idBatch).ids
	c := l.W.Vector.Creator()
	n := len(ids)
	atoms := make([]int, n)
	atomsF := make([]float64, n)
	targets := make([]float64, n)
	for i, id := range ids {
		atoms[i] = l.Index.Atoms(id)
		atomsF[i] = float64(atoms[i])
		targets[i] = l.Slope * atomsF[i]
	}
	atomsConst := anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(atomsF)))
	repeated := anydiff.AddRepeated(anydiff.NewConst(c.MakeVector(n)), l.W)
	preds := anydiff.Mul(repeated, atomsConst)
	return &aimnet2.LossBatch{
		N:     n,
		Atoms: atoms,
		Preds: map[string]anydiff.Res{"energy": preds},
		Targets: map[string]anydiff.Res{
			"energy": anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(targets))),
		},
	}, nil
}

func trainerIndex(t *testing.T) *aimnet2.SizeIndex {
	counts := []int{3, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 7}
	records := make(aimnet2.RecordList, len(counts))
	for i, n := range counts {
		records[i] = aimnet2.Record{ID: i, NumAtoms: n}
	}
	idx, err := aimnet2.BuildSizeIndex(records)
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func newTestTrainer(t *testing.T, idx *aimnet2.SizeIndex, model Model,
	params []*anydiff.Var) (*Trainer, *recordingFetcher) {
	fetcher := &recordingFetcher{}
	trainer := &Trainer{
		TrainSampler: &Sampler{
			Index:           idx,
			BatchSize:       4,
			Mode:            Molecules,
			Shuffle:         true,
			BatchesPerEpoch: -1,
		},
		ValSampler: &Sampler{
			Index:           idx,
			BatchSize:       8,
			Mode:            Molecules,
			BatchesPerEpoch: -1,
		},
		Fetcher: fetcher,
		Model:   model,
		Loss: &aimnet2.MultiLoss{Terms: []*aimnet2.Term{
			{Name: "energy", Weight: 1, Norm: aimnet2.PerAtom, Comp: aimnet2.MSE{}},
		}},
		Params: params,
		Scheduler: NewPlateau(aimnet2.SchedulerConfig{
			LR:       0.02,
			Factor:   0.5,
			Patience: 3,
			LowLR:    1e-4,
		}),
		Epochs: 150,
		Seed:   17,
	}
	return trainer, fetcher
}

func TestTrainerConvergence(t *testing.T) {
	idx := trainerIndex(t)
	model := newLinearModel(idx)
	trainer, _ := newTestTrainer(t, idx, model, []*anydiff.Var{model.W})

	var last *Summary
	trainer.StatusFunc = func(s *Summary) {
		last = s
	}
	if err := trainer.Run(nil); err != nil {
		t.Fatal(err)
	}
	w := float64(model.W.Vector.Data().([]float32)[0])
	if math.Abs(w-1.5) > 0.05 {
		t.Errorf("expected W near 1.5 but got %f", w)
	}
	if last == nil {
		t.Fatal("no summaries emitted")
	}
	if last.ValLoss > 0.01 {
		t.Errorf("bad final validation loss: %f", last.ValLoss)
	}
}

func TestTrainerCoverage(t *testing.T) {
	idx := trainerIndex(t)
	model := newLinearModel(idx)
	trainer, fetcher := newTestTrainer(t, idx, model, []*anydiff.Var{model.W})
	trainer.ValSampler = nil
	trainer.Epochs = 3

	if err := trainer.Run(nil); err != nil {
		t.Fatal(err)
	}
	seen := map[int]int{}
	for _, ids := range fetcher.fetched {
		for _, id := range ids {
			seen[id]++
		}
	}
	if len(seen) != idx.NumRecords() {
		t.Errorf("expected %d distinct ids but got %d", idx.NumRecords(), len(seen))
	}
	for id, count := range seen {
		if count != trainer.Epochs {
			t.Errorf("id %d trained %d times over %d epochs", id, count, trainer.Epochs)
		}
	}
}

type countStopper struct {
	callsRemaining int
}

func (c *countStopper) Done() bool {
	c.callsRemaining--
	return c.callsRemaining < 0
}

func TestTrainerStop(t *testing.T) {
	idx := trainerIndex(t)
	model := newLinearModel(idx)
	trainer, fetcher := newTestTrainer(t, idx, model, []*anydiff.Var{model.W})
	trainer.ValSampler = nil

	if err := trainer.Run(&countStopper{callsRemaining: 2}); err != nil {
		t.Fatal(err)
	}
	if len(fetcher.fetched) > 2 {
		t.Errorf("trained %d batches after a stop", len(fetcher.fetched))
	}
}

type frozenStepper struct{}

func (frozenStepper) Step(g anydiff.Grad, lr float64) {}

func TestTrainerTermination(t *testing.T) {
	idx := trainerIndex(t)
	model := newLinearModel(idx)
	trainer, _ := newTestTrainer(t, idx, model, []*anydiff.Var{model.W})
	// A frozen optimizer keeps the metric flat, so the
	// scheduler must decay to the floor and terminate.
	trainer.Stepper = frozenStepper{}

	var summaries []*Summary
	trainer.StatusFunc = func(s *Summary) {
		summaries = append(summaries, s)
	}
	if err := trainer.Run(nil); err != nil {
		t.Fatal(err)
	}
	if len(summaries) == trainer.Epochs {
		t.Error("trainer never terminated early")
	}
	last := summaries[len(summaries)-1]
	if last.State != Terminated {
		t.Errorf("bad final state: %d", last.State)
	}
	// Patience 3, factor 0.5, floor 1e-4: the first
	// evaluation sets the reference, then 8 decays of 4
	// evaluations each reach lr < 1e-4.
	if len(summaries) != 1+8*4 {
		t.Errorf("terminated after %d epochs", len(summaries))
	}
}

func TestTrainerBarrier(t *testing.T) {
	idx := trainerIndex(t)
	model := newLinearModel(idx)
	trainer, _ := newTestTrainer(t, idx, model, []*anydiff.Var{model.W})
	trainer.Epochs = 6
	trainer.EvalEvery = 2

	barriers := 0
	evaluated := 0
	trainer.Barrier = func() error {
		barriers++
		return nil
	}
	trainer.StatusFunc = func(s *Summary) {
		if s.Evaluated {
			evaluated++
		}
	}
	if err := trainer.Run(nil); err != nil {
		t.Fatal(err)
	}
	if evaluated != 3 {
		t.Errorf("expected 3 evaluations but got %d", evaluated)
	}
	if barriers != evaluated {
		t.Errorf("%d barriers for %d evaluations", barriers, evaluated)
	}
}

func TestTrainerReduce(t *testing.T) {
	idx := trainerIndex(t)
	model := newLinearModel(idx)
	trainer, _ := newTestTrainer(t, idx, model, []*anydiff.Var{model.W})
	trainer.Stepper = frozenStepper{}
	trainer.Epochs = 1

	// A reducer that doubles both sums and counts must not
	// change the metric: the driver works with
	// pre-reduction partials, not per-rank means.
	var metricSolo float64
	trainer.StatusFunc = func(s *Summary) {
		metricSolo = s.ValLoss
	}
	if err := trainer.Run(nil); err != nil {
		t.Fatal(err)
	}

	model2 := newLinearModel(idx)
	trainer2, _ := newTestTrainer(t, idx, model2, []*anydiff.Var{model2.W})
	trainer2.Stepper = frozenStepper{}
	trainer2.Epochs = 1
	trainer2.Reduce = func(parts map[string]aimnet2.Partial) map[string]aimnet2.Partial {
		res := map[string]aimnet2.Partial{}
		for name, p := range parts {
			res[name] = aimnet2.Partial{Sum: 2 * p.Sum, Count: 2 * p.Count}
		}
		return res
	}
	var metricReduced float64
	trainer2.StatusFunc = func(s *Summary) {
		metricReduced = s.ValLoss
	}
	if err := trainer2.Run(nil); err != nil {
		t.Fatal(err)
	}
	if math.Abs(metricSolo-metricReduced) > 1e-6 {
		t.Errorf("reduction changed the metric: %f vs %f", metricSolo, metricReduced)
	}
}

type nanModel struct{}

func (nanModel) Apply(b Batch) (*aimnet2.LossBatch, error) {
	ids := b.(*idBatch).ids
	c := anyvec32.DefaultCreator{}
	n := len(ids)
	nans := make([]float32, n)
	zeros := make([]float32, n)
	atoms := make([]int, n)
	for i := range nans {
		nans[i] = float32(math.NaN())
		atoms[i] = 1
	}
	return &aimnet2.LossBatch{
		N:     n,
		Atoms: atoms,
		Preds: map[string]anydiff.Res{
			"energy": anydiff.NewConst(c.MakeVectorData(nans)),
		},
		Targets: map[string]anydiff.Res{
			"energy": anydiff.NewConst(c.MakeVectorData(zeros)),
		},
	}, nil
}

func TestTrainerNonFiniteLoss(t *testing.T) {
	idx := trainerIndex(t)
	trainer, _ := newTestTrainer(t, idx, nanModel{}, nil)
	_, err := trainer.trainBatch([]int{0, 1})
	if err == nil {
		t.Fatal("expected an error for a NaN loss")
	}
	if _, ok := err.(*aimnet2.DataError); !ok {
		t.Errorf("expected *aimnet2.DataError but got %T", err)
	}
	if err := trainer.Run(nil); err == nil {
		t.Error("expected the run to abort on a NaN loss")
	}
}

type missingTargetModel struct{}

func (missingTargetModel) Apply(b Batch) (*aimnet2.LossBatch, error) {
	ids := b.(*idBatch).ids
	return &aimnet2.LossBatch{
		N:       len(ids),
		Atoms:   make([]int, len(ids)),
		Preds:   map[string]anydiff.Res{},
		Targets: map[string]anydiff.Res{},
	}, nil
}

func TestTrainerMissingTarget(t *testing.T) {
	idx := trainerIndex(t)
	trainer, _ := newTestTrainer(t, idx, missingTargetModel{}, nil)
	if err := trainer.Run(nil); err == nil {
		t.Error("expected an error for a missing target")
	}
}
