package engine

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"dossierline/internal/config"
	"dossierline/internal/domain"
)

// Labels translates free-text status labels and step names at the boundary.
// Synonyms and markers are matched as substrings, ignoring case and accents.
type Labels struct {
	Completed   []string
	InProgress  []string
	Negated     []string
	ExamMarkers []string
}

func LabelsFromConfig(cfg *config.Config) Labels {
	if cfg == nil {
		cfg = config.Default()
	}
	return Labels{
		Completed:   cfg.Engine.Labels.Completed,
		InProgress:  cfg.Engine.Labels.InProgress,
		Negated:     cfg.Engine.Labels.Negated,
		ExamMarkers: cfg.Engine.ExamStepMarkers,
	}
}

func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

func containsAny(haystack string, needles []string) bool {
	h := fold(haystack)
	if h == "" {
		return false
	}
	for _, n := range needles {
		if n = fold(n); n != "" && strings.Contains(h, n) {
			return true
		}
	}
	return false
}

// Interpret maps a server-declared status label to a status code. An empty
// label is unknown; an unrecognized one is pending. A negated label is never
// completed.
func (l Labels) Interpret(label string) domain.StatusCode {
	switch {
	case strings.TrimSpace(label) == "":
		return domain.StatusUnknown
	case containsAny(label, l.Completed) && !containsAny(label, l.Negated):
		return domain.StatusCompleted
	case containsAny(label, l.InProgress):
		return domain.StatusInProgress
	default:
		return domain.StatusPending
	}
}

func (l Labels) ServerCompleted(step domain.Step) bool {
	return l.Interpret(step.StatusLabel) == domain.StatusCompleted
}

// IsExamStep reports whether step is the send-for-examination step.
func (l Labels) IsExamStep(step domain.Step) bool {
	return containsAny(step.Code, l.ExamMarkers) || containsAny(step.Label, l.ExamMarkers)
}
