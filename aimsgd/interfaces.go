package aimsgd

import (
	"github.com/Luo-Yiqun/aimnet2"
	"github.com/unixpickle/anydiff"
)

// A Batch is an assembled, ready-to-use tensor batch.
//
// Batches are opaque to this package; they are produced
// by a Fetcher and consumed by a Model.
type Batch interface{}

// A Fetcher assembles a Batch for a list of record IDs.
//
// Typically, a Fetcher will be used concurrently with the
// epoch driver, making it possible to have a new Batch
// available exactly when the previous one is done being
// used.
type Fetcher interface {
	Fetch(ids []int) (Batch, error)
}

// A Model runs the forward pass for a Batch and exposes
// its predictions and targets as a loss batch.
type Model interface {
	Apply(b Batch) (*aimnet2.LossBatch, error)
}

// A Stepper applies one optimizer update for a gradient,
// using the current control value as the learning rate.
//
// The gradient belongs to the caller; a Stepper must not
// retain a reference to it.
type Stepper interface {
	Step(g anydiff.Grad, lr float64)
}

// A Stopper tells the epoch driver when to stop early.
//
// Done is polled at batch boundaries; a pending stop
// discards the partial epoch.
type Stopper interface {
	Done() bool
}

// NeverStop is a Stopper that never requests a stop.
var NeverStop Stopper = neverStop{}

type neverStop struct{}

func (neverStop) Done() bool {
	return false
}

// ChanStopper creates a Stopper from a channel, such as
// the one produced by rip.NewRIP().Chan().
func ChanStopper(ch <-chan struct{}) Stopper {
	return &chanStopper{ch: ch}
}

type chanStopper struct {
	ch <-chan struct{}
}

func (c *chanStopper) Done() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}
