package train

import "math"

// PlateauScheduler lowers the learning rate when a maximized metric stops
// improving: after more than Patience steps without a new best, the rate is
// multiplied by Factor and the count restarts.
type PlateauScheduler struct {
	Patience int
	Factor   float64
	// Threshold is the relative improvement a value needs over the best.
	Threshold float64
	MinLR     float64

	best float64
	bad  int
	init bool
}

// NewPlateauScheduler returns a scheduler in max mode.
func NewPlateauScheduler(patience int, factor float64) *PlateauScheduler {
	return &PlateauScheduler{Patience: patience, Factor: factor, Threshold: 1e-4}
}

// Step records metric and returns the learning rate to use from now on,
// and whether it was reduced. NaN values count as no improvement.
func (s *PlateauScheduler) Step(metric, lr float64) (float64, bool) {
	if !s.init && !math.IsNaN(metric) {
		s.best, s.init = metric, true
		return lr, false
	}
	if !math.IsNaN(metric) && metric > s.best*(1+s.Threshold) {
		s.best = metric
		s.bad = 0
		return lr, false
	}
	s.bad++
	if s.bad <= s.Patience {
		return lr, false
	}
	s.bad = 0
	next := math.Max(lr*s.Factor, s.MinLR)
	return next, next < lr
}

// Best is the best value seen so far.
func (s *PlateauScheduler) Best() float64 { return s.best }
