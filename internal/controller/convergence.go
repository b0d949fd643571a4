package controller

import (
	"fmt"
	"time"
)

// Stop reasons reported in the run summary.
const (
	StopCycleBudget        = "cycle budget reached"
	StopRunBudget          = "run budget expired"
	StopNoveltyDecline     = "novelty declined"
	StopDiminishingReturns = "diminishing returns"
	StopHypothesesResolved = "all hypotheses resolved"
)

// CycleStats is what the convergence detector sees of one finished cycle.
type CycleStats struct {
	Cycle       int
	MeanNovelty float64
	Accepted    int
	Rejected    int
}

// Detector decides when the run should stop. It watches a sliding window
// of recent cycles for novelty decline and falling acceptance rates in
// addition to the hard budgets.
type Detector struct {
	maxCycles       int
	runBudget       time.Duration
	window          int
	noveltyFloor    float64
	acceptanceFloor float64

	history []CycleStats
}

// NewDetector creates a detector. maxCycles is required; runBudget zero
// means unbounded wall clock. Window and floors have defaults of 3 cycles,
// 0.15 mean novelty, and 0.20 acceptance rate.
func NewDetector(maxCycles int, runBudget time.Duration) *Detector {
	return &Detector{
		maxCycles:       maxCycles,
		runBudget:       runBudget,
		window:          3,
		noveltyFloor:    0.15,
		acceptanceFloor: 0.20,
	}
}

// Observe appends a finished cycle's stats.
func (d *Detector) Observe(stats CycleStats) {
	d.history = append(d.history, stats)
}

// BudgetExpired checks only the wall-clock budget. The controller consults
// it between phases so an expired run stops without starting new work.
func (d *Detector) BudgetExpired(elapsed time.Duration) bool {
	return d.runBudget > 0 && elapsed >= d.runBudget
}

// ShouldStop evaluates every stopping condition after a completed cycle.
// openHypotheses counts hypotheses still undetermined; totalHypotheses
// distinguishes "all resolved" from "none ever proposed".
func (d *Detector) ShouldStop(elapsed time.Duration, openHypotheses, totalHypotheses int) (string, bool) {
	if len(d.history) >= d.maxCycles {
		return StopCycleBudget, true
	}
	if d.BudgetExpired(elapsed) {
		return StopRunBudget, true
	}
	if totalHypotheses > 0 && openHypotheses == 0 {
		return StopHypothesesResolved, true
	}

	if len(d.history) >= d.window {
		recent := d.history[len(d.history)-d.window:]

		var noveltySum float64
		var accepted, total int
		for _, s := range recent {
			noveltySum += s.MeanNovelty
			accepted += s.Accepted
			total += s.Accepted + s.Rejected
		}

		if mean := noveltySum / float64(d.window); mean < d.noveltyFloor {
			return fmt.Sprintf("%s (mean %.2f over last %d cycles)", StopNoveltyDecline, mean, d.window), true
		}
		if total > 0 {
			if rate := float64(accepted) / float64(total); rate < d.acceptanceFloor {
				return fmt.Sprintf("%s (acceptance %.2f over last %d cycles)", StopDiminishingReturns, rate, d.window), true
			}
		}
	}
	return "", false
}
