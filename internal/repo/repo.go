package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dossierline/internal/circuit"
	"dossierline/internal/domain"
)

// Repo is the sqlite-backed store. It satisfies the engine's circuit,
// dossier, document, catalog, mapping, completion, step-status and exam ports.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = domain.ErrNotFound

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	if *v {
		return 1
	}
	return 0
}

func boolFromNull(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}

func stringFromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// ImportCircuit replaces the circuit with the same id, steps and pieces included.
func (r Repo) ImportCircuit(ctx context.Context, c domain.Circuit) error {
	if c.CreatedAt == "" {
		c.CreatedAt = r.now()
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM circuits WHERE id=? OR entity_name=?`, c.ID, c.EntityName); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO circuits(id,label,entity_name,active,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Label, c.EntityName, boolInt(c.Active), c.CreatedAt); err != nil {
		return err
	}
	for _, s := range c.Steps {
		roles, err := json.Marshal(s.Roles)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO steps(id,circuit_id,code,label,step_order,roles_json) VALUES (?,?,?,?,?,?)`,
			s.ID, c.ID, s.Code, s.Label, nullableIntPtr(s.Order), string(roles)); err != nil {
			return fmt.Errorf("insert step %s: %w", s.ID, err)
		}
		for i, p := range s.Pieces {
			if _, err := tx.ExecContext(ctx, `INSERT INTO step_pieces(id,step_id,document_type_id,obligatoire,label,position) VALUES (?,?,?,?,?,?)`,
				p.ID, s.ID, p.DocumentTypeID, boolInt(p.Required), nullable(p.Label), i); err != nil {
				return fmt.Errorf("insert piece %s: %w", p.ID, err)
			}
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetCircuitByKey returns the circuit owned by entityName with its ordered steps.
func (r Repo) GetCircuitByKey(ctx context.Context, entityName string) (domain.Circuit, error) {
	return r.getCircuit(ctx, `entity_name=?`, entityName)
}

func (r Repo) GetCircuit(ctx context.Context, id string) (domain.Circuit, error) {
	return r.getCircuit(ctx, `id=?`, id)
}

func (r Repo) getCircuit(ctx context.Context, where string, arg string) (domain.Circuit, error) {
	var c domain.Circuit
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,label,entity_name,active,created_at FROM circuits WHERE `+where, arg).
		Scan(&c.ID, &c.Label, &c.EntityName, &active, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Active = active != 0
	steps, err := r.listSteps(ctx, c.ID)
	if err != nil {
		return c, err
	}
	c.Steps = steps
	return c, nil
}

func (r Repo) listSteps(ctx context.Context, circuitID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,circuit_id,code,label,step_order,COALESCE(roles_json,'') FROM steps WHERE circuit_id=?`, circuitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []domain.Step
	for rows.Next() {
		var s domain.Step
		var order sql.NullInt64
		var roles string
		if err := rows.Scan(&s.ID, &s.CircuitID, &s.Code, &s.Label, &order, &roles); err != nil {
			return nil, err
		}
		if order.Valid {
			v := int(order.Int64)
			s.Order = &v
		}
		if roles != "" && roles != "null" {
			if err := json.Unmarshal([]byte(roles), &s.Roles); err != nil {
				return nil, fmt.Errorf("step %s roles: %w", s.ID, err)
			}
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	for i := range steps {
		pieces, err := r.listPieces(ctx, steps[i].ID)
		if err != nil {
			return nil, err
		}
		steps[i].Pieces = pieces
	}
	circuit.SortSteps(steps)
	return steps, nil
}

func (r Repo) listPieces(ctx context.Context, stepID string) ([]domain.Piece, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,document_type_id,obligatoire,COALESCE(label,'') FROM step_pieces WHERE step_id=? ORDER BY position`, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	pieces := []domain.Piece{}
	for rows.Next() {
		var p domain.Piece
		var required int
		if err := rows.Scan(&p.ID, &p.DocumentTypeID, &required, &p.Label); err != nil {
			return nil, err
		}
		p.Required = required != 0
		pieces = append(pieces, p)
	}
	return pieces, rows.Err()
}

// ListCircuits returns circuits without their steps.
func (r Repo) ListCircuits(ctx context.Context) ([]domain.Circuit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,label,entity_name,active,created_at FROM circuits ORDER BY entity_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Circuit
	for rows.Next() {
		var c domain.Circuit
		var active int
		if err := rows.Scan(&c.ID, &c.Label, &c.EntityName, &active, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Active = active != 0
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpsertPieceJustification adds or replaces a catalog entry.
func (r Repo) UpsertPieceJustification(ctx context.Context, pj domain.PieceJustification) error {
	if strings.TrimSpace(pj.ID) == "" || strings.TrimSpace(pj.DocumentTypeID) == "" {
		return fmt.Errorf("piece justification requires id and document_type_id")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO piece_justifications(id,label,document_type_id) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET label=excluded.label, document_type_id=excluded.document_type_id`,
		pj.ID, pj.Label, pj.DocumentTypeID)
	return err
}

func (r Repo) ListPieceJustifications(ctx context.Context) ([]domain.PieceJustification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,label,document_type_id FROM piece_justifications ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PieceJustification
	for rows.Next() {
		var pj domain.PieceJustification
		if err := rows.Scan(&pj.ID, &pj.Label, &pj.DocumentTypeID); err != nil {
			return nil, err
		}
		res = append(res, pj)
	}
	return res, rows.Err()
}

// UpsertPieceMapping records the piece and step a document was uploaded against.
func (r Repo) UpsertPieceMapping(ctx context.Context, tx *sql.Tx, m domain.PieceMapping) error {
	if m.CreatedAt == "" {
		m.CreatedAt = r.now()
	}
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO document_piece_mappings(document_key,piece_id,step_id,created_at) VALUES (?,?,?,?)
ON CONFLICT(document_key) DO UPDATE SET piece_id=excluded.piece_id, step_id=excluded.step_id`,
		m.DocumentKey, m.PieceID, m.StepID, m.CreatedAt)
	return err
}

// ListPieceMappings returns the mapping table keyed by document key.
func (r Repo) ListPieceMappings(ctx context.Context) (map[string]domain.PieceMapping, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT document_key,piece_id,step_id,created_at FROM document_piece_mappings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.PieceMapping{}
	for rows.Next() {
		var m domain.PieceMapping
		if err := rows.Scan(&m.DocumentKey, &m.PieceID, &m.StepID, &m.CreatedAt); err != nil {
			return nil, err
		}
		res[m.DocumentKey] = m
	}
	return res, rows.Err()
}
