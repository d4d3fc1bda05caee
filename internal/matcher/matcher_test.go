package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dossierline/internal/domain"
)

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

var catalog = []domain.PieceJustification{
	{ID: "pj-cni", Label: "Carte d'identité", DocumentTypeID: "dt-cni"},
	{ID: "pj-cni-legacy", Label: " carte D'IDENTITÉ ", DocumentTypeID: "dt-cni-old"},
	{ID: "pj-photo", Label: "Photo", DocumentTypeID: "dt-photo"},
}

func target(docType string) Target {
	return Target{StepID: "s1", Piece: domain.Piece{ID: "p1", DocumentTypeID: docType, Required: true}}
}

func TestDirectReferenceWinsOverLabel(t *testing.T) {
	m := New(catalog, nil)
	docs := []domain.Document{
		{ID: "d-label", PieceJustificationID: strp("pj-cni")},
		{ID: "d-direct", PieceJustificationID: strp("dt-cni")},
	}
	res := m.Match(target("dt-cni"), docs)
	require.Equal(t, "direct_reference", res.Rule)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "d-direct", res.Documents[0].ID)
}

func TestLabelEqualityIsTrimmedAndCaseInsensitive(t *testing.T) {
	m := New(catalog, nil)
	docs := []domain.Document{{ID: "d1", PieceJustificationID: strp("pj-cni-legacy")}}
	res := m.Match(target("dt-cni"), docs)
	require.Equal(t, "label_equality", res.Rule)
	assert.Equal(t, "d1", res.Documents[0].ID)

	cat := []domain.PieceJustification{
		{ID: "pj-a", Label: "Permis", DocumentTypeID: "dt-a"},
		{ID: "pj-b", Label: "  PERMIS ", DocumentTypeID: "dt-b"},
	}
	m = New(cat, nil)
	res = m.Match(target("dt-a"), []domain.Document{{ID: "d2", PieceJustificationID: strp("pj-b")}})
	require.Equal(t, "label_equality", res.Rule)
	assert.Equal(t, "d2", res.Documents[0].ID)
}

func TestDocumentTypeFallback(t *testing.T) {
	m := New(nil, nil)
	res := m.Match(target("dt-photo"), []domain.Document{{ID: "d1", DocumentTypeID: strp("dt-photo")}})
	assert.Equal(t, "document_type", res.Rule)
}

func TestReverseCatalog(t *testing.T) {
	cat := []domain.PieceJustification{
		{ID: "pj-1", DocumentTypeID: "dt-x"},
		{ID: "pj-2", DocumentTypeID: "dt-x"},
	}
	m := New(cat, nil)
	res := m.Match(target("dt-x"), []domain.Document{
		{ID: "d1", PieceJustificationID: strp("pj-2")},
		{ID: "d2", PieceJustificationID: strp("pj-9")},
	})
	require.Equal(t, "reverse_catalog", res.Rule)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "d1", res.Documents[0].ID)
}

func TestMappingOverrideIsLastResort(t *testing.T) {
	m := New(nil, map[string]domain.PieceMapping{
		"d1": {DocumentKey: "d1", PieceID: "p1", StepID: "s1"},
		"d2": {DocumentKey: "d2", PieceID: "p1", StepID: "other"},
	})
	res := m.Match(target("dt-none"), []domain.Document{{ID: "d1"}, {ID: "d2"}})
	require.Equal(t, "mapping", res.Rule)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "d1", res.Documents[0].ID)
}

func TestNoMatch(t *testing.T) {
	m := New(catalog, nil)
	res := m.Match(target("dt-unknown"), []domain.Document{{ID: "d1", PieceJustificationID: strp("pj-photo")}})
	assert.Empty(t, res.Rule)
	assert.Empty(t, res.Documents)
}

func TestValidationConvention(t *testing.T) {
	assert.False(t, IsValidated(domain.Document{}))
	assert.True(t, IsValidated(domain.Document{Validated: boolp(true)}))
	assert.False(t, IsValidated(domain.Document{Validated: boolp(false)}))
	assert.True(t, IsValidated(domain.Document{Simulated: boolp(true)}))
	assert.False(t, IsValidated(domain.Document{Simulated: boolp(true), Validated: boolp(false)}))

	m := New(nil, nil)
	docs := []domain.Document{
		{ID: "d1", DocumentTypeID: strp("dt-a"), Validated: boolp(false)},
		{ID: "d2", DocumentTypeID: strp("dt-a"), Validated: boolp(true)},
	}
	assert.True(t, m.Validated(target("dt-a"), docs))
}
