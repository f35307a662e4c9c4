package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

const credentialKey = "auth_token"

type credentialValue struct {
	Token string `json:"token"`
}

// LoadToken returns the persisted credential or "" when none is stored.
func (s *Store) LoadToken(ctx context.Context) (string, error) {
	var valueJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT value_json FROM settings WHERE key = ?
	`, credentialKey).Scan(&valueJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	var v credentialValue
	if err := json.Unmarshal([]byte(valueJSON), &v); err != nil {
		return "", err
	}
	return v.Token, nil
}

func (s *Store) SaveToken(ctx context.Context, token string) error {
	b, err := json.Marshal(credentialValue{Token: token})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value_json = excluded.value_json,
			updated_at = excluded.updated_at
	`, credentialKey, string(b), time.Now().UnixMilli())
	return err
}

func (s *Store) DeleteToken(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, credentialKey)
	return err
}
