package engine

import (
	"context"
	"log/slog"
	"sync"

	"dossierline/internal/circuit"
	"dossierline/internal/domain"
	"dossierline/internal/matcher"
)

// MergeInput is one recomputation cycle for a dossier.
type MergeInput struct {
	Circuit   domain.Circuit
	Persisted StepSet
	Documents []domain.Document
	Matcher   *matcher.Matcher
	Labels    Labels

	// DocumentsLoaded is false when the document lookup failed; persisted
	// steps are then never re-validated.
	DocumentsLoaded bool

	// RetainUnverified keeps persisted steps whose documents no longer validate.
	RetainUnverified bool
}

type MergeResult struct {
	Completed       StepSet
	ServerCompleted StepSet
	Changed         bool
}

// Merge folds the persisted set, server-declared completions and fresh
// validation into one completed set. Merging an unchanged input twice
// yields the same set.
func Merge(in MergeInput) MergeResult {
	persisted := in.Persisted
	if persisted == nil {
		persisted = StepSet{}
	}
	m := in.Matcher
	if m == nil {
		m = matcher.New(nil, nil)
	}

	server := StepSet{}
	for _, s := range in.Circuit.Steps {
		if in.Labels.ServerCompleted(s) {
			server.Add(s.ID)
		}
	}

	merged := StepSet{}
	for id := range persisted {
		step, ok := circuit.Find(in.Circuit, id)
		if !ok {
			merged.Add(id)
			continue
		}
		if keepPersisted(step, in, m, persisted, server) {
			merged.Add(id)
		}
	}
	for id := range server {
		merged.Add(id)
	}

	for i, s := range in.Circuit.Steps {
		if merged.Has(s.ID) || len(s.Pieces) == 0 || in.Labels.IsExamStep(s) {
			continue
		}
		if i > 0 && !merged.Has(in.Circuit.Steps[i-1].ID) {
			continue
		}
		if AllPiecesValidated(s, in.Documents, m, merged, merged) {
			merged.Add(s.ID)
		}
	}

	return MergeResult{
		Completed:       merged,
		ServerCompleted: server,
		Changed:         !merged.Equal(persisted),
	}
}

func keepPersisted(step domain.Step, in MergeInput, m *matcher.Matcher, persisted, server StepSet) bool {
	if len(step.Pieces) == 0 || server.Has(step.ID) || in.Labels.IsExamStep(step) {
		return true
	}
	if AllPiecesValidated(step, in.Documents, m, persisted, persisted.Union(server)) {
		return true
	}
	return !in.DocumentsLoaded || in.RetainUnverified
}

// CompletionCache fronts a CompletionStore. After the first store failure it
// serves every dossier from memory for the rest of the process.
type CompletionCache struct {
	Store  CompletionStore
	Logger *slog.Logger

	mu       sync.Mutex
	degraded bool
	memory   map[string]StepSet
}

func NewCompletionCache(store CompletionStore, logger *slog.Logger) *CompletionCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionCache{Store: store, Logger: logger, memory: map[string]StepSet{}}
}

func (c *CompletionCache) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Load returns the persisted set for dossierID, empty on first access.
func (c *CompletionCache) Load(ctx context.Context, dossierID string) StepSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx, dossierID)
}

func (c *CompletionCache) loadLocked(ctx context.Context, dossierID string) StepSet {
	if !c.degraded && c.Store != nil {
		ids, err := c.Store.LoadCompletion(ctx, dossierID)
		if err == nil {
			set := NewStepSet(ids...)
			c.memory[dossierID] = set
			return set.Clone()
		}
		c.degrade("load", dossierID, err)
	}
	if set, ok := c.memory[dossierID]; ok {
		return set.Clone()
	}
	return StepSet{}
}

// Save replaces the set for dossierID.
func (c *CompletionCache) Save(ctx context.Context, dossierID string, set StepSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveLocked(ctx, dossierID, set)
}

func (c *CompletionCache) saveLocked(ctx context.Context, dossierID string, set StepSet) {
	c.memory[dossierID] = set.Clone()
	if c.degraded || c.Store == nil {
		return
	}
	if err := c.Store.SaveCompletion(ctx, dossierID, set.Sorted()); err != nil {
		c.degrade("save", dossierID, err)
	}
}

// Add marks stepID complete and returns the resulting set.
func (c *CompletionCache) Add(ctx context.Context, dossierID, stepID string) StepSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.loadLocked(ctx, dossierID)
	if !set.Has(stepID) {
		set.Add(stepID)
		c.saveLocked(ctx, dossierID, set)
	}
	return set
}

func (c *CompletionCache) degrade(op, dossierID string, err error) {
	c.degraded = true
	c.Logger.Warn("completion cache unavailable, continuing in memory", "op", op, "dossier_id", dossierID, "err", err)
}
