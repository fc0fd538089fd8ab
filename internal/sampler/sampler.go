// Package sampler decides which frames are sent for remote inference.
package sampler

import "fmt"

// DefaultInterval is the number of frames between two inference dispatches.
const DefaultInterval = 6

// Decimator selects every Nth frame. It holds no state, so the same index
// sequence always yields the same decisions.
type Decimator struct {
	interval int
}

// New returns a Decimator for the given interval.
func New(interval int) (*Decimator, error) {
	if interval < 1 {
		return nil, fmt.Errorf("frame skip interval must be >= 1, got %d", interval)
	}
	return &Decimator{interval: interval}, nil
}

// Interval returns N.
func (d *Decimator) Interval() int {
	return d.interval
}

// ShouldDispatch reports whether the frame at index must be dispatched.
// Indices are 1-based frame counts, so the first dispatch is frame N.
func (d *Decimator) ShouldDispatch(index int) bool {
	return index%d.interval == 0
}

// DispatchCount returns how many of the frames 1..frames are dispatched.
func (d *Decimator) DispatchCount(frames int) int {
	if frames < 0 {
		return 0
	}
	return frames / d.interval
}
