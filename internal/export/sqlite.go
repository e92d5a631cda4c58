package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteCursorTableName    = "vitalexport_cursor"
	sqliteCursorKey          = "default"
	sqliteOperationTimeout   = 5 * time.Second
	sqliteBusyTimeoutDefault = 5 * time.Second
)

// SQLiteCursorStore keeps the cursor in a single-row SQLite table. Suitable
// for single-instance deployments that want durability without running a
// database server.
type SQLiteCursorStore struct {
	dbPath    string
	cursorKey string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

func NewSQLiteCursorStore(dbPath string) (*SQLiteCursorStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteCursorStore{
		dbPath:    dbPath,
		cursorKey: sqliteCursorKey,
		openDB:    sql.Open,
	}, nil
}

func (s *SQLiteCursorStore) Load() (*Cursor, error) {
	if s == nil {
		return nil, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var token string
	var savedAt int64
	query := fmt.Sprintf("SELECT token, saved_at FROM %s WHERE cursor_key = ?", sqliteCursorTableName)
	err := s.db.QueryRowContext(ctx, query, s.cursorKey).Scan(&token, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	return &Cursor{Token: token, SavedAt: time.Unix(savedAt, 0).UTC()}, nil
}

func (s *SQLiteCursorStore) Save(cursor Cursor) error {
	if s == nil {
		return ErrInvalidInput
	}
	if strings.TrimSpace(cursor.Token) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	savedAt := cursor.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (cursor_key, token, saved_at)
		VALUES (?, ?, ?)
		ON CONFLICT (cursor_key)
		DO UPDATE SET token = excluded.token, saved_at = excluded.saved_at`, sqliteCursorTableName)
	_, err := s.db.ExecContext(ctx, query, s.cursorKey, cursor.Token, savedAt.Unix())
	return err
}

func (s *SQLiteCursorStore) Clear() error {
	if s == nil {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE cursor_key = ?", sqliteCursorTableName)
	_, err := s.db.ExecContext(ctx, query, s.cursorKey)
	return err
}

func (s *SQLiteCursorStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteCursorStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
			s.dbPath, int(sqliteBusyTimeoutDefault.Milliseconds()))
		db, err := s.openDB("sqlite", dsn)
		if err != nil {
			s.initErr = err
			return
		}
		// SQLite only supports a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()

		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				cursor_key TEXT PRIMARY KEY,
				token TEXT NOT NULL,
				saved_at INTEGER NOT NULL
			)`, sqliteCursorTableName)
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}
