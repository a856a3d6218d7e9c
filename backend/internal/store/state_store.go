package store

import (
	"context"
	"database/sql"
	"errors"
)

// StateStore 文档当前合并状态的持久化（document_states 表，按文档一行）。
type StateStore struct{ db *sql.DB }

func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// Load 返回 found=false 表示该文档还没有持久化过的状态。
func (s *StateStore) Load(ctx context.Context, docID string) (encoded []byte, version uint64, found bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT encoded, version FROM document_states WHERE document_id = ?`,
		docID,
	).Scan(&encoded, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return encoded, version, true, nil
}

func (s *StateStore) Save(ctx context.Context, docID string, encoded []byte, version uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_states (document_id, encoded, version)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE encoded = VALUES(encoded), version = VALUES(version)`,
		docID,
		encoded,
		version,
	)
	return err
}
