package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
)

// LoadCompletion returns the persisted completed-step ids; an absent row is an empty set.
func (r Repo) LoadCompletion(ctx context.Context, dossierID string) ([]string, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT step_ids_json FROM completion_cache WHERE dossier_id=?`, dossierID).Scan(&raw)
	if err == sql.ErrNoRows {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("completion cache for %s: %w", dossierID, err)
	}
	return ids, nil
}

func (r Repo) SaveCompletion(ctx context.Context, dossierID string, stepIDs []string) error {
	ids := append([]string{}, stepIDs...)
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO completion_cache(dossier_id,step_ids_json,updated_at) VALUES (?,?,?)
ON CONFLICT(dossier_id) DO UPDATE SET step_ids_json=excluded.step_ids_json, updated_at=excluded.updated_at`,
		dossierID, string(data), r.now())
	return err
}
