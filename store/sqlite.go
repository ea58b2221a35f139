package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/torlnapp/mls"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore keeps one row per group in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, groupID []byte) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM groups WHERE group_id = ?`,
		groupID).Scan(&state)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: %w: %x", mls.ErrGroupNotFound, groupID)
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *SQLiteStore) Save(ctx context.Context, groupID []byte, state []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (group_id, state, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		groupID, state, now)
	return err
}

// Delete removes a group's record.  Deleting an unknown group is not an
// error.
func (s *SQLiteStore) Delete(ctx context.Context, groupID []byte) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE group_id = ?`, groupID)
	return err
}

// GroupIDs lists every stored group.
func (s *SQLiteStore) GroupIDs(ctx context.Context) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id FROM groups ORDER BY group_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids [][]byte
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
