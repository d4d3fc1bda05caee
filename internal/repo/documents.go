package repo

import (
	"context"
	"database/sql"

	"dossierline/internal/domain"
)

const documentColumns = `id,dossier_id,step_id,piece_justification_id,document_type_id,filename,validated,simulated,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var d domain.Document
	var stepID, pjID, docType sql.NullString
	var validated, simulated sql.NullInt64
	if err := row.Scan(&d.ID, &d.DossierID, &stepID, &pjID, &docType, &d.Filename, &validated, &simulated, &d.CreatedAt); err != nil {
		return d, err
	}
	d.StepID = stringFromNull(stepID)
	d.PieceJustificationID = stringFromNull(pjID)
	d.DocumentTypeID = stringFromNull(docType)
	d.Validated = boolFromNull(validated)
	d.Simulated = boolFromNull(simulated)
	return d, nil
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO documents(`+documentColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.DossierID, nullableStringPtr(d.StepID), nullableStringPtr(d.PieceJustificationID), nullableStringPtr(d.DocumentTypeID),
		d.Filename, nullableBoolPtr(d.Validated), nullableBoolPtr(d.Simulated), d.CreatedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	d, err := scanDocument(r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

// SetDocumentValidated records the reviewer's decision; nil clears it.
func (r Repo) SetDocumentValidated(ctx context.Context, tx *sql.Tx, id string, validated *bool) error {
	res, err := r.execer(tx).ExecContext(ctx, `UPDATE documents SET validated=? WHERE id=?`, nullableBoolPtr(validated), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListDocumentsForDossier(ctx context.Context, dossierID string) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE dossier_id=? ORDER BY created_at, id`, dossierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
