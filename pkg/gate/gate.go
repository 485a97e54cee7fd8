// Package gate routes a run after synthesis: proceed to completion, loop
// back for another refinement pass, or escalate to a human. The core is a
// pure function of the confidence score and the iteration counter so the
// routing is reproducible from persisted state alone.
package gate

import (
	"fmt"
	"math"

	"dxpipe/pkg/config"
)

// Verdict is the gate's routing outcome.
type Verdict string

const (
	VerdictProceed  Verdict = "PROCEED"
	VerdictLoopBack Verdict = "LOOP_BACK"
	VerdictEscalate Verdict = "ESCALATE"
)

// Decision carries the verdict together with the inputs that produced it,
// so events and the audit log can show why a run moved.
type Decision struct {
	Verdict       Verdict `json:"verdict"`
	Target        string  `json:"target,omitempty"` // re-entry stage, LOOP_BACK only
	Confidence    float64 `json:"confidence"`
	Threshold     float64 `json:"threshold"`
	Iteration     int     `json:"iteration"`
	MaxIterations int     `json:"max_iterations"`
}

func (d Decision) String() string {
	switch d.Verdict {
	case VerdictLoopBack:
		return fmt.Sprintf("%s -> %s (confidence %.2f < %.2f, iteration %d/%d)",
			d.Verdict, d.Target, d.Confidence, d.Threshold, d.Iteration, d.MaxIterations)
	case VerdictEscalate:
		return fmt.Sprintf("%s (confidence %.2f < %.2f, iteration limit %d reached)",
			d.Verdict, d.Confidence, d.Threshold, d.MaxIterations)
	default:
		return fmt.Sprintf("%s (confidence %.2f >= %.2f)", d.Verdict, d.Confidence, d.Threshold)
	}
}

// Decide is the pure gate rule. Confidence at or above the threshold
// proceeds; below it the run loops back while iterations remain and
// escalates once the budget is spent. NaN never satisfies >= so malformed
// scores take the conservative path instead of completing a run.
func Decide(confidence float64, iteration int, threshold float64, maxIterations int) Verdict {
	if !math.IsNaN(confidence) && confidence >= threshold {
		return VerdictProceed
	}
	if iteration < maxIterations {
		return VerdictLoopBack
	}
	return VerdictEscalate
}

// Gate binds the pure rule to configuration: per-category thresholds, the
// iteration budget, and the loop-back re-entry stage.
type Gate struct {
	confidence    config.ConfidenceConfig
	maxIterations int
}

func New(cfg *config.Config) *Gate {
	return &Gate{
		confidence:    cfg.Confidence,
		maxIterations: cfg.MaxIterations,
	}
}

// Evaluate resolves the threshold for the run's phenotype category and
// applies the gate rule to the current confidence and iteration counter.
func (g *Gate) Evaluate(confidence float64, iteration int, category string) Decision {
	threshold := g.confidence.ThresholdFor(category)
	decision := Decision{
		Verdict:       Decide(confidence, iteration, threshold, g.maxIterations),
		Confidence:    confidence,
		Threshold:     threshold,
		Iteration:     iteration,
		MaxIterations: g.maxIterations,
	}
	if decision.Verdict == VerdictLoopBack {
		decision.Target = g.confidence.ReentryStage
	}
	return decision
}
