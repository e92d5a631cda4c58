package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCursorTableName  = "vitalexport_cursor"
	postgresCursorKey        = "default"
	postgresOperationTimeout = 5 * time.Second
)

type PostgresCursorStore struct {
	dsn       string
	tableName string
	cursorKey string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCursorStore(dsn string) (*PostgresCursorStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresCursorStore{
		dsn:       dsn,
		tableName: postgresCursorTableName,
		cursorKey: postgresCursorKey,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresCursorStore) Load() (*Cursor, error) {
	if s == nil {
		return nil, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT token, saved_at FROM %s WHERE cursor_key = $1", postgresQuoteIdentifier(s.tableName))
	var token string
	var savedAt time.Time
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
	return &Cursor{Token: token, SavedAt: savedAt.UTC()}, nil
}

func (s *PostgresCursorStore) Save(cursor Cursor) error {
	if s == nil {
		return ErrInvalidInput
	}
	if strings.TrimSpace(cursor.Token) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	savedAt := cursor.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (cursor_key, token, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (cursor_key)
		DO UPDATE SET token = EXCLUDED.token, saved_at = EXCLUDED.saved_at`, postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, s.cursorKey, cursor.Token, savedAt.UTC())
	return err
}

func (s *PostgresCursorStore) Clear() error {
	if s == nil {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE cursor_key = $1", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, s.cursorKey)
	return err
}

func (s *PostgresCursorStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresCursorStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				cursor_key TEXT PRIMARY KEY,
				token TEXT NOT NULL,
				saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
