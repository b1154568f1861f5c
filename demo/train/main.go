// Command train fits a toy per-atom energy model on a
// synthetic molecular dataset, demonstrating the full
// batching, loss-aggregation and plateau-termination
// pipeline.
package main

import (
	"flag"
	"log"
	"math/rand"
	"os"

	"github.com/Luo-Yiqun/aimnet2"
	"github.com/Luo-Yiqun/aimnet2/aimsgd"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rip"
)

const defaultConfig = `
data:
  batch_mode: molecules
  batch_size: 16
  shuffle: true
  batches_per_epoch: -1
  val_fraction: 0.2
loss:
  energy:
    fn: mse
    weight: 1.0
    norm: atom
sae:
  0: -0.4
  1: -75.0
  2: -37.5
scheduler:
  lr: 0.005
  factor: 0.5
  patience: 5
  terminate_on_low_lr: 1.0e-5
train:
  epochs: 300
  seed: 1337
`

func main() {
	var configPath string
	var numMolecules int
	flag.StringVar(&configPath, "config", "", "YAML configuration file")
	flag.IntVar(&numMolecules, "molecules", 400, "synthetic dataset size")
	flag.Parse()

	configData := []byte(defaultConfig)
	if configPath != "" {
		var err error
		configData, err = os.ReadFile(configPath)
		if err != nil {
			essentials.Die(err)
		}
	}
	cfg, err := aimnet2.LoadConfig(configData)
	if err != nil {
		essentials.Die(err)
	}
	terms, err := cfg.BuildTerms()
	if err != nil {
		essentials.Die(err)
	}

	log.Println("Generating dataset...")
	records := syntheticRecords(numMolecules)
	val, train := aimnet2.HashSplit(records, cfg.Data.ValFraction)
	log.Printf("Using %d train and %d validation molecules.", len(train), len(val))

	trainIdx, err := aimnet2.BuildSizeIndex(train)
	if err != nil {
		essentials.Die(err)
	}
	valIdx, err := aimnet2.BuildSizeIndex(val)
	if err != nil {
		essentials.Die(err)
	}

	model := newEnergyModel(anyvec32.CurrentCreator())
	trainer := &aimsgd.Trainer{
		TrainSampler: &aimsgd.Sampler{
			Index:           trainIdx,
			BatchSize:       cfg.Data.BatchSize,
			Mode:            batchMode(cfg),
			Shuffle:         cfg.Data.Shuffle,
			BatchesPerEpoch: cfg.Data.BatchesPerEpoch,
		},
		ValSampler: &aimsgd.Sampler{
			Index:           valIdx,
			BatchSize:       cfg.ValBatchSize(),
			Mode:            batchMode(cfg),
			BatchesPerEpoch: -1,
		},
		Fetcher:   newAssembler(records, cfg.SAE),
		Model:     model,
		Loss:      &aimnet2.MultiLoss{Terms: terms},
		Params:    []*anydiff.Var{model.PerAtom},
		Scheduler: aimsgd.NewPlateau(cfg.Scheduler),
		Epochs:    cfg.Train.Epochs,
		EvalEvery: cfg.Train.EvalEvery,
		Seed:      cfg.Train.Seed,
		StatusFunc: func(s *aimsgd.Summary) {
			if !s.Evaluated {
				return
			}
			log.Printf("epoch %d: train=%f val=%f lr=%f",
				s.Epoch, s.TrainLoss, s.ValLoss, s.LR)
		},
	}

	log.Println("Press ctrl+c once to stop...")
	err = trainer.Run(aimsgd.ChanStopper(rip.NewRIP().Chan()))
	if err != nil {
		essentials.Die(err)
	}

	weights := model.PerAtom.Vector.Data().([]float32)
	log.Printf("Learned per-element residual energies: %v", weights)
}

func batchMode(cfg *aimnet2.Config) aimsgd.BatchMode {
	if cfg.Data.BatchMode == "atoms" {
		return aimsgd.Atoms
	}
	return aimsgd.Molecules
}

// A molecule is a synthetic payload: atoms drawn from
// three fake elements, with a noisy per-element energy.
type molecule struct {
	Elements []int
	Energy   float64
}

var trueEnergies = []float64{-0.5, -75.1, -37.8}

func syntheticRecords(n int) aimnet2.RecordList {
	gen := rand.New(rand.NewSource(4))
	res := make(aimnet2.RecordList, n)
	for i := range res {
		numAtoms := 2 + gen.Intn(14)
		mol := &molecule{Elements: make([]int, numAtoms)}
		for j := range mol.Elements {
			mol.Elements[j] = gen.Intn(len(trueEnergies))
			mol.Energy += trueEnergies[mol.Elements[j]]
		}
		mol.Energy += gen.NormFloat64() * 0.01
		res[i] = aimnet2.Record{ID: i, NumAtoms: numAtoms, Payload: mol}
	}
	return res
}

// An assembler is the batch-assembly boundary: it turns
// ID batches into molecule batches, applying the SAE
// per-element energy shift so the model trains on the
// residual energy.
type assembler struct {
	byID map[int]*molecule
	sae  aimnet2.SAE
}

type batch struct {
	mols []*molecule

	// energies holds each molecule's SAE-shifted energy.
	energies []float64
}

func newAssembler(records aimnet2.RecordList, sae aimnet2.SAE) *assembler {
	res := &assembler{byID: map[int]*molecule{}, sae: sae}
	for _, rec := range records {
		res.byID[rec.ID] = rec.Payload.(*molecule)
	}
	return res
}

func (a *assembler) Fetch(ids []int) (aimsgd.Batch, error) {
	res := &batch{
		mols:     make([]*molecule, len(ids)),
		energies: make([]float64, len(ids)),
	}
	for i, id := range ids {
		mol := a.byID[id]
		res.mols[i] = mol
		res.energies[i] = a.sae.Shift(mol.Elements, mol.Energy)
	}
	return res, nil
}

// An energyModel predicts a molecule's energy as the sum
// of one learned value per element.
type energyModel struct {
	PerAtom *anydiff.Var
}

func newEnergyModel(c anyvec.Creator) *energyModel {
	return &energyModel{
		PerAtom: anydiff.NewVar(c.MakeVector(len(trueEnergies))),
	}
}

func (e *energyModel) Apply(b aimsgd.Batch) (*aimnet2.LossBatch, error) {
	mols := b.(*batch).mols
	energies := b.(*batch).energies
	c := e.PerAtom.Vector.Creator()

	atoms := make([]int, len(mols))
	targets := make([]float64, len(mols))
	preds := anydiff.Pool(e.PerAtom, func(perAtom anydiff.Res) anydiff.Res {
		var sums []anydiff.Res
		for _, mol := range mols {
			counts := make([]float64, len(trueEnergies))
			for _, z := range mol.Elements {
				counts[z]++
			}
			countVec := c.MakeVectorData(c.MakeNumericList(counts))
			prod := anydiff.Mul(perAtom, anydiff.NewConst(countVec))
			sums = append(sums, anydiff.Sum(prod))
		}
		return anydiff.Concat(sums...)
	})
	for i, mol := range mols {
		atoms[i] = len(mol.Elements)
		targets[i] = energies[i]
	}

	return &aimnet2.LossBatch{
		N:     len(mols),
		Atoms: atoms,
		Preds: map[string]anydiff.Res{"energy": preds},
		Targets: map[string]anydiff.Res{
			"energy": anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(targets))),
		},
	}, nil
}
