package engine

import (
	"context"
	"sync"

	"dossierline/internal/domain"
)

// Session tracks one selected dossier. A refresh whose selection changed
// while it was computing is discarded.
type Session struct {
	Engine Engine

	mu         sync.Mutex
	selected   string
	generation uint64
	current    *domain.Progress
}

func NewSession(e Engine) *Session {
	return &Session{Engine: e}
}

// Select switches the session to dossierID and refreshes it.
func (s *Session) Select(ctx context.Context, dossierID string) (domain.Progress, bool, error) {
	s.mu.Lock()
	s.selected = dossierID
	s.generation++
	s.current = nil
	s.mu.Unlock()
	return s.Refresh(ctx)
}

// Refresh recomputes the selected dossier. The boolean reports whether the
// result was applied.
func (s *Session) Refresh(ctx context.Context) (domain.Progress, bool, error) {
	s.mu.Lock()
	dossierID, gen := s.selected, s.generation
	s.mu.Unlock()
	if dossierID == "" {
		return domain.Progress{}, false, nil
	}
	p, err := s.Engine.Recompute(ctx, dossierID)
	if err != nil {
		return domain.Progress{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.selected != dossierID {
		return p, false, nil
	}
	s.current = &p
	return p, true, nil
}

// Current returns the selected dossier and its last applied progress.
func (s *Session) Current() (string, *domain.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return s.selected, nil
	}
	p := *s.current
	return s.selected, &p
}
