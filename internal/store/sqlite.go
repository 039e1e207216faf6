package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/burpheart/gpt-tap/internal/extractor"
)

// SQLite is a Store backed by a sqlite3 database file.
type SQLite struct {
	db   *sql.DB
	opts options
}

var _ Store = &SQLite{}

// DSNForFile returns a DSN for a database file at path.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

// NewSQLite opens dsn and creates the schema if needed.
func NewSQLite(dsn string, opts ...Option) (*SQLite, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	s := &SQLite{db: db, opts: newOptions(opts)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
		  conv_id TEXT PRIMARY KEY,
		  saved_at_ms INTEGER NOT NULL,
		  timestamp TEXT NOT NULL,
		  data_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS snapshots_by_saved_at
		  ON snapshots(saved_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Save(ctx context.Context, convID string, result extractor.AnalysisResult) error {
	convID, err := normalizeID(convID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "sqlite store: marshal result")
	}
	now := s.opts.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (conv_id, saved_at_ms, timestamp, data_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conv_id) DO UPDATE SET
			saved_at_ms = excluded.saved_at_ms,
			timestamp = excluded.timestamp,
			data_json = excluded.data_json
	`, convID, now.UnixMilli(), extractor.FormatTimestamp(now), string(data))
	if err != nil {
		return errors.Wrap(err, "sqlite store: upsert snapshot")
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, convID string) (Entry, bool, error) {
	convID, err := normalizeID(convID)
	if err != nil {
		return Entry{}, false, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT conv_id, saved_at_ms, timestamp, data_json
		FROM snapshots
		WHERE conv_id = ?
	`, convID)
	e, savedAt, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if !s.opts.fresh(savedAt) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (s *SQLite) Delete(ctx context.Context, convID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE conv_id = ?`, convID); err != nil {
		return errors.Wrap(err, "sqlite store: delete snapshot")
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conv_id, saved_at_ms, timestamp, data_json
		FROM snapshots
		ORDER BY saved_at_ms DESC, conv_id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list snapshots")
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, _, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: iterate snapshots")
	}
	return out, nil
}

func (s *SQLite) Prune(ctx context.Context) (int, error) {
	cutoff := s.opts.now().Add(-s.opts.maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE saved_at_ms < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite store: prune snapshots")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "sqlite store: prune rows affected")
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, time.Time, error) {
	var (
		e       Entry
		savedMs int64
		data    string
	)
	if err := sc.Scan(&e.ConversationID, &savedMs, &e.Timestamp, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, time.Time{}, err
		}
		return Entry{}, time.Time{}, errors.Wrap(err, "sqlite store: scan snapshot")
	}
	if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
		return Entry{}, time.Time{}, errors.Wrap(err, "sqlite store: decode snapshot")
	}
	return e, time.UnixMilli(savedMs), nil
}
