package repo

import (
	"context"
	"database/sql"

	"dossierline/internal/domain"
)

const statusColumns = `id,dossier_id,step_id,code,label,cancellable,final,updated_at`

func scanStatus(row rowScanner) (domain.StepStatusRecord, error) {
	var s domain.StepStatusRecord
	var cancellable, final int
	if err := row.Scan(&s.ID, &s.DossierID, &s.StepID, &s.Code, &s.Label, &cancellable, &final, &s.UpdatedAt); err != nil {
		return s, err
	}
	s.Cancellable = cancellable != 0
	s.Final = final != 0
	return s, nil
}

func (r Repo) InsertStepStatus(ctx context.Context, tx *sql.Tx, s domain.StepStatusRecord) error {
	if s.UpdatedAt == "" {
		s.UpdatedAt = r.now()
	}
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO step_statuses(`+statusColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.DossierID, s.StepID, s.Code, s.Label, boolInt(s.Cancellable), boolInt(s.Final), s.UpdatedAt)
	return err
}

func (r Repo) GetStepStatus(ctx context.Context, id string) (domain.StepStatusRecord, error) {
	s, err := scanStatus(r.DB.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM step_statuses WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListStepStatuses(ctx context.Context, dossierID string) ([]domain.StepStatusRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+statusColumns+` FROM step_statuses WHERE dossier_id=? ORDER BY step_id`, dossierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepStatusRecord
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateStepStatus overwrites the status of an existing record.
func (r Repo) UpdateStepStatus(ctx context.Context, recordID string, u domain.StatusUpdate) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE step_statuses SET code=?, label=?, cancellable=?, final=?, updated_at=? WHERE id=?`,
		u.Code, u.Label, boolInt(u.Cancellable), boolInt(u.Final), r.now(), recordID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
