package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// SnapshotStore 不可变的历史版本快照（document_snapshots 表，只插入不更新）。
// 快照的清理策略归外部存储层管，这里从不删除。
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Create(ctx context.Context, docID string, encoded []byte, version uint64, contributors []uint64, schema int) error {
	contribJSON, err := json.Marshal(contributors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (id, document_id, revision, encoded, contributors, content_schema)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		docID,
		version,
		encoded,
		contribJSON,
		schema,
	)
	if err != nil {
		// (document_id, revision) 唯一键：同一版本重复快照视为已完成
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}
