package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"dossierline/internal/domain"
)

func (r Repo) GetExamSession(ctx context.Context, dossierID string) (domain.ExamSession, error) {
	var s domain.ExamSession
	err := r.DB.QueryRowContext(ctx, `SELECT id,dossier_id,exam_date,created_at FROM exam_sessions WHERE dossier_id=?`, dossierID).
		Scan(&s.ID, &s.DossierID, &s.ExamDate, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// CreateExamSession stores the dossier's single exam session.
func (r Repo) CreateExamSession(ctx context.Context, dossierID, examDate string) (domain.ExamSession, error) {
	s := domain.ExamSession{ID: uuid.NewString(), DossierID: dossierID, ExamDate: examDate, CreatedAt: r.now()}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO exam_sessions(id,dossier_id,exam_date,created_at) VALUES (?,?,?,?)`,
		s.ID, s.DossierID, s.ExamDate, s.CreatedAt)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return domain.ExamSession{}, fmt.Errorf("dossier %s: %w", dossierID, domain.ErrExamSessionExists)
		}
		return domain.ExamSession{}, err
	}
	return s, nil
}

// RecordExamResult records the outcome of one exam category.
func (r Repo) RecordExamResult(ctx context.Context, res domain.ExamResult) error {
	if res.RecordedAt == "" {
		res.RecordedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO exam_results(dossier_id,category,outcome,recorded_at) VALUES (?,?,?,?)
ON CONFLICT(dossier_id,category) DO UPDATE SET outcome=excluded.outcome, recorded_at=excluded.recorded_at`,
		res.DossierID, string(res.Category), string(res.Outcome), res.RecordedAt)
	return err
}

func (r Repo) ListExamResults(ctx context.Context, dossierID string) ([]domain.ExamResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT dossier_id,category,outcome,recorded_at FROM exam_results WHERE dossier_id=? ORDER BY category`, dossierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExamResult
	for rows.Next() {
		var e domain.ExamResult
		var cat, outcome string
		if err := rows.Scan(&e.DossierID, &cat, &outcome, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Category = domain.ExamCategory(cat)
		e.Outcome = domain.ExamOutcome(outcome)
		res = append(res, e)
	}
	return res, rows.Err()
}
