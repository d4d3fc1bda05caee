package repo

import (
	"context"
	"database/sql"

	"dossierline/internal/domain"
)

func (r Repo) InsertDossier(ctx context.Context, tx *sql.Tx, d domain.Dossier) error {
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO dossiers(id,request_type,status,candidate_ref,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.RequestType, string(d.Status), nullable(d.CandidateRef), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDossier(ctx context.Context, id string) (domain.Dossier, error) {
	var d domain.Dossier
	var status string
	err := r.DB.QueryRowContext(ctx, `SELECT id,request_type,status,COALESCE(candidate_ref,''),created_at,updated_at FROM dossiers WHERE id=?`, id).
		Scan(&d.ID, &d.RequestType, &status, &d.CandidateRef, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	d.Status = domain.CaseStatus(status)
	return d, err
}

// DossierFilters narrows ListDossiers.
type DossierFilters struct {
	RequestType string
	Status      string
	Limit       int
}

func (r Repo) ListDossiers(ctx context.Context, f DossierFilters) ([]domain.Dossier, error) {
	query := `SELECT id,request_type,status,COALESCE(candidate_ref,''),created_at,updated_at FROM dossiers WHERE 1=1`
	var args []any
	if f.RequestType != "" {
		query += ` AND request_type=?`
		args = append(args, f.RequestType)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dossier
	for rows.Next() {
		var d domain.Dossier
		var status string
		if err := rows.Scan(&d.ID, &d.RequestType, &status, &d.CandidateRef, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Status = domain.CaseStatus(status)
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpdateDossierStatus stores the last computed case status.
func (r Repo) UpdateDossierStatus(ctx context.Context, id string, status domain.CaseStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE dossiers SET status=?, updated_at=? WHERE id=?`, string(status), r.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
