package engine

import (
	"math"

	"dossierline/internal/domain"
)

func completedInCircuit(c domain.Circuit, computed StepSet) int {
	n := 0
	for _, s := range c.Steps {
		if computed.Has(s.ID) {
			n++
		}
	}
	return n
}

// ProgressPercent is the rounded share of circuit steps in computed.
func ProgressPercent(c domain.Circuit, computed StepSet) int {
	if len(c.Steps) == 0 {
		return 0
	}
	return int(math.Round(100 * float64(completedInCircuit(c, computed)) / float64(len(c.Steps))))
}

// AllCompleted reports whether every step of a non-empty circuit is in computed.
func AllCompleted(c domain.Circuit, computed StepSet) bool {
	return len(c.Steps) > 0 && completedInCircuit(c, computed) == len(c.Steps)
}

func CaseStatusFor(c domain.Circuit, computed StepSet) domain.CaseStatus {
	switch {
	case AllCompleted(c, computed):
		return domain.CaseComplete
	case completedInCircuit(c, computed) == 0:
		return domain.CaseNotStarted
	default:
		return domain.CaseInProgress
	}
}

// CurrentStep returns the first step not in computed whose predecessor is, or "".
func CurrentStep(c domain.Circuit, computed StepSet) string {
	for i, s := range c.Steps {
		if computed.Has(s.ID) {
			continue
		}
		if i == 0 || computed.Has(c.Steps[i-1].ID) {
			return s.ID
		}
	}
	return ""
}
