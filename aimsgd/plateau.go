package aimsgd

import (
	"github.com/Luo-Yiqun/aimnet2"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// A State is a plateau scheduler state.
type State int

const (
	// Watching means the metric has improved recently.
	Watching State = iota

	// Decaying means the control value was reduced and no
	// improvement has been seen since.
	Decaying

	// Terminated means the control value fell below the
	// floor. It is terminal.
	Terminated
)

// A Plateau tracks a validation metric and decays a
// learning-rate-like control value when the metric
// plateaus.
//
// Lower metric values are better. An evaluation counts as
// an improvement only when the metric is strictly better
// than the best seen by more than Epsilon; ties count as
// no improvement.
type Plateau struct {
	// Factor multiplies the control value on each decay.
	// It must be in (0, 1).
	Factor float64

	// Patience is the number of consecutive non-improving
	// evaluations tolerated before a decay.
	Patience int

	// Epsilon is the minimum improvement that resets the
	// patience counter.
	Epsilon float64

	// Floor terminates the schedule once the control value
	// falls strictly below it.
	Floor float64

	lr      float64
	best    float64
	haveRef bool
	badRuns int
	state   State
}

// NewPlateau creates a Plateau from a validated scheduler
// configuration.
func NewPlateau(cfg aimnet2.SchedulerConfig) *Plateau {
	return &Plateau{
		Factor:   cfg.Factor,
		Patience: cfg.Patience,
		Epsilon:  cfg.Epsilon,
		Floor:    cfg.LowLR,
		lr:       cfg.LR,
	}
}

// LR returns the current control value.
func (p *Plateau) LR() float64 {
	return p.lr
}

// Best returns the best metric value seen so far.
// The second return value is false before the first
// observation.
func (p *Plateau) Best() (float64, bool) {
	return p.best, p.haveRef
}

// State returns the current scheduler state.
func (p *Plateau) State() State {
	return p.state
}

// Observe feeds one evaluation's metric into the
// scheduler and returns the resulting state.
//
// Once the scheduler is Terminated, Observe has no
// further effect.
func (p *Plateau) Observe(metric float64) State {
	if p.state == Terminated {
		return p.state
	}
	if !p.haveRef || metric < p.best-p.Epsilon {
		p.best = metric
		p.haveRef = true
		p.badRuns = 0
		p.state = Watching
		return p.state
	}
	p.badRuns++
	if p.badRuns > p.Patience {
		p.lr *= p.Factor
		p.badRuns = 0
		p.state = Decaying
		if p.lr < p.Floor {
			p.state = Terminated
		}
	}
	return p.state
}

// MarshalBinary encodes the scheduler's mutable state.
// The Factor, Patience, Epsilon and Floor parameters are
// configuration and are not encoded.
func (p *Plateau) MarshalBinary() ([]byte, error) {
	haveRef := serializer.Int(0)
	if p.haveRef {
		haveRef = 1
	}
	return serializer.SerializeAny(
		serializer.Float64(p.lr),
		serializer.Float64(p.best),
		haveRef,
		serializer.Int(p.badRuns),
		serializer.Int(p.state),
	)
}

// UnmarshalBinary restores state saved by MarshalBinary.
func (p *Plateau) UnmarshalBinary(d []byte) error {
	var lr, best serializer.Float64
	var haveRef, badRuns, state serializer.Int
	err := serializer.DeserializeAny(d, &lr, &best, &haveRef, &badRuns, &state)
	if err != nil {
		return essentials.AddCtx("unmarshal Plateau", err)
	}
	p.lr = float64(lr)
	p.best = float64(best)
	p.haveRef = haveRef == 1
	p.badRuns = int(badRuns)
	p.state = State(state)
	return nil
}
