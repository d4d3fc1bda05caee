// Package circuit holds the ordered step graph of a circuit and its YAML loader.
package circuit

import (
	"sort"

	"dossierline/internal/domain"
)

// SortSteps orders steps by explicit order, then by code. Steps carrying an
// order come before steps without one.
func SortSteps(steps []domain.Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		a, b := steps[i], steps[j]
		switch {
		case a.Order != nil && b.Order != nil:
			if *a.Order != *b.Order {
				return *a.Order < *b.Order
			}
		case a.Order != nil:
			return true
		case b.Order != nil:
			return false
		}
		return a.Code < b.Code
	})
}

// Index returns the position of stepID in the circuit, or -1.
func Index(c domain.Circuit, stepID string) int {
	for i, s := range c.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// Find returns the step with the given id.
func Find(c domain.Circuit, stepID string) (domain.Step, bool) {
	if i := Index(c, stepID); i >= 0 {
		return c.Steps[i], true
	}
	return domain.Step{}, false
}

// Previous returns the step before stepID, or nil for the first or an unknown step.
func Previous(c domain.Circuit, stepID string) *domain.Step {
	i := Index(c, stepID)
	if i <= 0 {
		return nil
	}
	s := c.Steps[i-1]
	return &s
}

// Next returns the step after stepID, or nil for the last or an unknown step.
func Next(c domain.Circuit, stepID string) *domain.Step {
	i := Index(c, stepID)
	if i < 0 || i+1 >= len(c.Steps) {
		return nil
	}
	s := c.Steps[i+1]
	return &s
}

// IsLast reports whether stepID is the final step of the circuit.
func IsLast(c domain.Circuit, stepID string) bool {
	i := Index(c, stepID)
	return i >= 0 && i == len(c.Steps)-1
}
