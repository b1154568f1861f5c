package aimnet2

// An SAE maps atomic numbers to precomputed single-atom
// energy offsets.
//
// Fitting the offsets is an external concern; this
// package only applies them, so that the model trains on
// the residual atomization energy rather than the raw
// total energy.
type SAE map[int]float64

// Shift subtracts the per-element offsets of the given
// atoms from a total energy.
func (s SAE) Shift(atomicNumbers []int, energy float64) float64 {
	for _, z := range atomicNumbers {
		energy -= s[z]
	}
	return energy
}

// Restore adds the per-element offsets of the given atoms
// back onto a shifted energy.
func (s SAE) Restore(atomicNumbers []int, energy float64) float64 {
	for _, z := range atomicNumbers {
		energy += s[z]
	}
	return energy
}
