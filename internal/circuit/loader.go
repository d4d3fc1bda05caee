package circuit

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"dossierline/internal/domain"
)

// Definition models a circuit YAML file.
type Definition struct {
	ID         string           `yaml:"id" json:"id"`
	Label      string           `yaml:"label" json:"label,omitempty"`
	EntityName string           `yaml:"entity_name" json:"entity_name"`
	Active     *bool            `yaml:"active" json:"active,omitempty"`
	Steps      []StepDefinition `yaml:"steps" json:"steps,omitempty"`
}

type StepDefinition struct {
	ID     string            `yaml:"id" json:"id"`
	Code   string            `yaml:"code" json:"code"`
	Label  string            `yaml:"label" json:"label,omitempty"`
	Order  *int              `yaml:"order" json:"order,omitempty"`
	Roles  []string          `yaml:"roles" json:"roles,omitempty"`
	Pieces []PieceDefinition `yaml:"pieces" json:"pieces,omitempty"`
}

type PieceDefinition struct {
	ID             string `yaml:"id" json:"id"`
	DocumentTypeID string `yaml:"document_type_id" json:"document_type_id"`
	Obligatoire    bool   `yaml:"obligatoire" json:"obligatoire,omitempty"`
	Label          string `yaml:"label" json:"label,omitempty"`
}

// Validate checks identifiers are present and unique.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("circuit.id is required")
	}
	if strings.TrimSpace(d.EntityName) == "" {
		return fmt.Errorf("circuit.entity_name is required")
	}
	seen := map[string]bool{}
	pieces := map[string]bool{}
	for i, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("steps[%d].id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %s", s.ID)
		}
		seen[s.ID] = true
		if s.Code == "" {
			return fmt.Errorf("step %s code is required", s.ID)
		}
		for j, p := range s.Pieces {
			if p.ID == "" {
				return fmt.Errorf("step %s pieces[%d].id is required", s.ID, j)
			}
			if pieces[p.ID] {
				return fmt.Errorf("duplicate piece id %s", p.ID)
			}
			pieces[p.ID] = true
			if p.DocumentTypeID == "" {
				return fmt.Errorf("piece %s document_type_id is required", p.ID)
			}
		}
	}
	return nil
}

// Circuit converts the definition into an ordered domain circuit.
func (d Definition) Circuit() domain.Circuit {
	c := domain.Circuit{
		ID:         d.ID,
		Label:      d.Label,
		EntityName: d.EntityName,
		Active:     d.Active == nil || *d.Active,
	}
	for _, s := range d.Steps {
		step := domain.Step{
			ID:        s.ID,
			CircuitID: d.ID,
			Code:      s.Code,
			Label:     s.Label,
			Order:     s.Order,
			Roles:     s.Roles,
			Pieces:    []domain.Piece{},
		}
		for _, p := range s.Pieces {
			step.Pieces = append(step.Pieces, domain.Piece{
				ID:             p.ID,
				DocumentTypeID: p.DocumentTypeID,
				Required:       p.Obligatoire,
				Label:          p.Label,
			})
		}
		c.Steps = append(c.Steps, step)
	}
	SortSteps(c.Steps)
	return c
}

// FromYAML parses and validates a circuit definition.
func FromYAML(data []byte) (domain.Circuit, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return domain.Circuit{}, fmt.Errorf("invalid circuit yaml: %w", err)
	}
	if err := def.Validate(); err != nil {
		return domain.Circuit{}, err
	}
	return def.Circuit(), nil
}

// FromFile reads a circuit definition from path.
func FromFile(path string) (domain.Circuit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Circuit{}, err
	}
	return FromYAML(data)
}
