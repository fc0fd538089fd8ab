package overlay

import (
	"image/color"
	"math/rand/v2"
)

// DefaultColorSeed seeds the colour generator when none is configured.
const DefaultColorSeed uint64 = 0x5eed

// ColorAssignment maps class IDs to box colours for one pipeline run.
// Colours are drawn from a seeded generator on first sighting, so a class's
// colour depends only on the order in which classes first appear and never
// changes once assigned. Not safe for concurrent use; a run owns one.
type ColorAssignment struct {
	colors map[int]color.RGBA
	order  []int
	rng    *rand.Rand
}

// NewColorAssignment returns an empty assignment.
func NewColorAssignment(seed uint64) *ColorAssignment {
	return &ColorAssignment{
		colors: make(map[int]color.RGBA),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// ColorFor returns the colour of classID, assigning one if needed.
func (a *ColorAssignment) ColorFor(classID int) color.RGBA {
	if c, ok := a.colors[classID]; ok {
		return c
	}
	c := color.RGBA{
		R: uint8(a.rng.IntN(256)),
		G: uint8(a.rng.IntN(256)),
		B: uint8(a.rng.IntN(256)),
		A: 255,
	}
	a.colors[classID] = c
	a.order = append(a.order, classID)
	return c
}

// Lookup returns the colour of classID without assigning one.
func (a *ColorAssignment) Lookup(classID int) (color.RGBA, bool) {
	c, ok := a.colors[classID]
	return c, ok
}

// Len returns the number of classes seen so far.
func (a *ColorAssignment) Len() int {
	return len(a.colors)
}

// Classes returns class IDs in order of first sighting.
func (a *ColorAssignment) Classes() []int {
	return append([]int(nil), a.order...)
}
