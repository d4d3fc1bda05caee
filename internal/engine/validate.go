package engine

import (
	"dossierline/internal/domain"
	"dossierline/internal/matcher"
)

// requiredPieces returns the obligatory pieces of step, or every piece when
// none is marked obligatory.
func requiredPieces(step domain.Step) []domain.Piece {
	var required []domain.Piece
	for _, p := range step.Pieces {
		if p.Required {
			required = append(required, p)
		}
	}
	if len(required) == 0 {
		return step.Pieces
	}
	return required
}

// AllPiecesValidated reports whether step's required pieces each have a
// validated matching document. A step without pieces only counts when it is
// already in completed or computed.
func AllPiecesValidated(step domain.Step, docs []domain.Document, m *matcher.Matcher, completed, computed StepSet) bool {
	if len(step.Pieces) == 0 {
		return completed.Has(step.ID) || computed.Has(step.ID)
	}
	if m == nil {
		m = matcher.New(nil, nil)
	}
	for _, p := range requiredPieces(step) {
		if !m.Validated(matcher.Target{StepID: step.ID, Piece: p}, docs) {
			return false
		}
	}
	return true
}

// anyObligatoryMatched reports whether some obligatory piece has a matching
// document, validated or not. Optional pieces never count, even when the step
// has no obligatory piece at all.
func anyObligatoryMatched(step domain.Step, docs []domain.Document, m *matcher.Matcher) bool {
	for _, p := range step.Pieces {
		if !p.Required {
			continue
		}
		if len(m.Match(matcher.Target{StepID: step.ID, Piece: p}, docs).Documents) > 0 {
			return true
		}
	}
	return false
}

// PieceViews reports the matching outcome of each piece of step.
func PieceViews(step domain.Step, docs []domain.Document, m *matcher.Matcher) []domain.PieceView {
	views := make([]domain.PieceView, 0, len(step.Pieces))
	for _, p := range step.Pieces {
		res := m.Match(matcher.Target{StepID: step.ID, Piece: p}, docs)
		ids := make([]string, 0, len(res.Documents))
		for _, d := range res.Documents {
			ids = append(ids, d.ID)
		}
		views = append(views, domain.PieceView{
			Piece:     p,
			Rule:      res.Rule,
			Documents: ids,
			Validated: matcher.AnyValidated(res.Documents),
		})
	}
	return views
}
