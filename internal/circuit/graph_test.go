package circuit

import (
	"testing"

	"dossierline/internal/domain"
)

func intPtr(v int) *int { return &v }

func TestSortStepsOrderThenCode(t *testing.T) {
	steps := []domain.Step{
		{ID: "c", Code: "C"},
		{ID: "b", Code: "B", Order: intPtr(2)},
		{ID: "a", Code: "Z", Order: intPtr(1)},
		{ID: "d", Code: "A"},
	}
	SortSteps(steps)
	want := []string{"a", "b", "d", "c"}
	for i, id := range want {
		if steps[i].ID != id {
			t.Fatalf("position %d: want %s got %s", i, id, steps[i].ID)
		}
	}
}

func TestPreviousNext(t *testing.T) {
	c := domain.Circuit{Steps: []domain.Step{{ID: "s1"}, {ID: "s2"}, {ID: "s3"}}}
	if p := Previous(c, "s1"); p != nil {
		t.Fatalf("first step has no previous, got %s", p.ID)
	}
	if p := Previous(c, "s3"); p == nil || p.ID != "s2" {
		t.Fatalf("previous of s3: %+v", p)
	}
	if n := Next(c, "s3"); n != nil {
		t.Fatalf("last step has no next, got %s", n.ID)
	}
	if n := Next(c, "s1"); n == nil || n.ID != "s2" {
		t.Fatalf("next of s1: %+v", n)
	}
	if Previous(c, "missing") != nil || Next(c, "missing") != nil {
		t.Fatalf("unknown step should have no neighbours")
	}
	if Previous(domain.Circuit{}, "s1") != nil || Next(domain.Circuit{}, "s1") != nil {
		t.Fatalf("empty circuit should have no neighbours")
	}
	if !IsLast(c, "s3") || IsLast(c, "s2") {
		t.Fatalf("IsLast mismatch")
	}
}

func TestFromYAML(t *testing.T) {
	data := []byte(`id: permis-b
label: Permis B
entity_name: Nouveau permis
steps:
  - id: s2
    code: VERIF
    label: Vérification
    order: 2
    pieces:
      - id: p1
        document_type_id: dt-cni
        obligatoire: true
  - id: s1
    code: DEPOT
    label: Dépôt
    order: 1
`)
	c, err := FromYAML(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !c.Active {
		t.Fatalf("circuit should default to active")
	}
	if c.Steps[0].ID != "s1" || c.Steps[1].ID != "s2" {
		t.Fatalf("steps not ordered: %+v", c.Steps)
	}
	if len(c.Steps[1].Pieces) != 1 || !c.Steps[1].Pieces[0].Required {
		t.Fatalf("pieces not loaded: %+v", c.Steps[1].Pieces)
	}
	if _, err := FromYAML([]byte("id: x\nsteps: []\n")); err == nil {
		t.Fatalf("expected entity_name error")
	}
}
