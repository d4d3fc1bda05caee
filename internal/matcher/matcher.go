// Package matcher resolves which uploaded documents satisfy a piece requirement.
//
// Documents reach a piece through several identifier schemes (upload-time
// mapping, API piece-justification id, legacy document-type id). Rules are
// tried in priority order and the first rule that matches at least one
// document wins; results of lower-priority rules are never merged in.
package matcher

import (
	"strings"

	"dossierline/internal/domain"
)

// Target is one piece of one step.
type Target struct {
	StepID string
	Piece  domain.Piece
}

// Rule is a named per-document predicate.
type Rule struct {
	Name  string
	Match func(m *Matcher, t Target, d domain.Document) bool
}

// Result is the outcome of matching a target.
type Result struct {
	Rule      string
	Documents []domain.Document
}

// Catalog indexes piece-justification entries.
type Catalog struct {
	byID      map[string]domain.PieceJustification
	byDocType map[string]map[string]struct{}
}

func NewCatalog(entries []domain.PieceJustification) Catalog {
	c := Catalog{
		byID:      make(map[string]domain.PieceJustification, len(entries)),
		byDocType: map[string]map[string]struct{}{},
	}
	for _, e := range entries {
		c.byID[e.ID] = e
		if c.byDocType[e.DocumentTypeID] == nil {
			c.byDocType[e.DocumentTypeID] = map[string]struct{}{}
		}
		c.byDocType[e.DocumentTypeID][e.ID] = struct{}{}
	}
	return c
}

// Label returns the catalog label for a piece-justification or document-type id.
// The id is looked up as an entry id first, then as an entry's document type.
func (c Catalog) Label(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	if e, ok := c.byID[id]; ok && strings.TrimSpace(e.Label) != "" {
		return e.Label, true
	}
	for entryID := range c.byDocType[id] {
		if e := c.byID[entryID]; strings.TrimSpace(e.Label) != "" {
			return e.Label, true
		}
	}
	return "", false
}

// EntriesFor reports whether entryID is an entry of documentTypeID.
func (c Catalog) EntriesFor(documentTypeID, entryID string) bool {
	_, ok := c.byDocType[documentTypeID][entryID]
	return ok
}

// Matcher applies Rules in order.
type Matcher struct {
	Catalog  Catalog
	Mappings map[string]domain.PieceMapping
	Rules    []Rule
}

// New returns a matcher using DefaultRules.
func New(catalog []domain.PieceJustification, mappings map[string]domain.PieceMapping) *Matcher {
	if mappings == nil {
		mappings = map[string]domain.PieceMapping{}
	}
	return &Matcher{Catalog: NewCatalog(catalog), Mappings: mappings, Rules: DefaultRules()}
}

// DefaultRules returns the priority chain, most specific first.
func DefaultRules() []Rule {
	return []Rule{DirectReference, LabelEquality, DocumentTypeFallback, ReverseCatalog, MappingOverride}
}

var DirectReference = Rule{
	Name: "direct_reference",
	Match: func(_ *Matcher, t Target, d domain.Document) bool {
		return d.PieceJustificationID != nil && *d.PieceJustificationID == t.Piece.DocumentTypeID
	},
}

var LabelEquality = Rule{
	Name: "label_equality",
	Match: func(m *Matcher, t Target, d domain.Document) bool {
		if d.PieceJustificationID == nil {
			return false
		}
		pieceLabel, ok := m.Catalog.Label(t.Piece.DocumentTypeID)
		if !ok {
			return false
		}
		entry, ok := m.Catalog.byID[*d.PieceJustificationID]
		if !ok || strings.TrimSpace(entry.Label) == "" {
			return false
		}
		return strings.EqualFold(strings.TrimSpace(pieceLabel), strings.TrimSpace(entry.Label))
	},
}

var DocumentTypeFallback = Rule{
	Name: "document_type",
	Match: func(_ *Matcher, t Target, d domain.Document) bool {
		return d.DocumentTypeID != nil && *d.DocumentTypeID == t.Piece.DocumentTypeID
	},
}

var ReverseCatalog = Rule{
	Name: "reverse_catalog",
	Match: func(m *Matcher, t Target, d domain.Document) bool {
		return d.PieceJustificationID != nil && m.Catalog.EntriesFor(t.Piece.DocumentTypeID, *d.PieceJustificationID)
	},
}

// MappingOverride consults the upload-time document-piece mapping store.
var MappingOverride = Rule{
	Name: "mapping",
	Match: func(m *Matcher, t Target, d domain.Document) bool {
		mp, ok := m.Mappings[d.ID]
		return ok && mp.PieceID == t.Piece.ID && mp.StepID == t.StepID
	},
}

// Match returns the documents satisfying t under the first rule that matches any.
func (m *Matcher) Match(t Target, docs []domain.Document) Result {
	for _, rule := range m.Rules {
		var matched []domain.Document
		for _, d := range docs {
			if rule.Match(m, t, d) {
				matched = append(matched, d)
			}
		}
		if len(matched) > 0 {
			return Result{Rule: rule.Name, Documents: matched}
		}
	}
	return Result{}
}

// Validated reports whether any document matched for t is validated.
func (m *Matcher) Validated(t Target, docs []domain.Document) bool {
	return AnyValidated(m.Match(t, docs).Documents)
}

// IsValidated applies the simulated-document convention: simulated documents
// count as validated unless explicitly rejected.
func IsValidated(d domain.Document) bool {
	if d.Validated != nil {
		return *d.Validated
	}
	return d.Simulated != nil && *d.Simulated
}

func AnyValidated(docs []domain.Document) bool {
	for _, d := range docs {
		if IsValidated(d) {
			return true
		}
	}
	return false
}
