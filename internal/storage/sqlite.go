package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tickd/internal/category"
	"tickd/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One writer; the Advance CAS relies on serialized statements.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	log.Debug("sqlite storage opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ListDue(ctx context.Context, now time.Time, limit int, only category.Set) ([]DueEntity, error) {
	cond, cargs := categoryIn(only)
	q := `SELECT entity_id, category, last_processed_at, next_due_at FROM due_entities
	      WHERE next_due_at <= ?` + cond + ` ORDER BY next_due_at, entity_id, category`
	args := append([]any{now.UnixMilli()}, cargs...)
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list due: %w", err)
	}
	defer rows.Close()

	var out []DueEntity
	for rows.Next() {
		e, err := scanDue(rows)
		if err != nil {
			s.log.Warn("skipping unreadable due row", logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list due: %w", err)
	}
	return out, nil
}

// categoryIn renders only as an IN condition; empty only matches everything.
func categoryIn(only category.Set) (string, []any) {
	if only.Empty() {
		return "", nil
	}
	members := only.Members()
	args := make([]any, len(members))
	for i, c := range members {
		args[i] = c.String()
	}
	return ` AND category IN (?` + strings.Repeat(",?", len(members)-1) + `)`, args
}

type scanner interface{ Scan(dest ...any) error }

func scanDue(r scanner) (DueEntity, error) {
	var (
		e    DueEntity
		cat  string
		last sql.NullInt64
		next int64
	)
	if err := r.Scan(&e.EntityID, &cat, &last, &next); err != nil {
		return DueEntity{}, err
	}
	c, err := category.Parse(cat)
	if err != nil {
		// Keep the row; the collector rejects it by category.
		c = category.Unknown
	}
	e.Category = c
	if last.Valid {
		e.LastProcessedAt = time.UnixMilli(last.Int64).UTC()
	}
	e.NextDueAt = time.UnixMilli(next).UTC()
	return e, nil
}

func (s *sqliteStore) HasDue(ctx context.Context, now time.Time, only category.Set) (bool, error) {
	cond, cargs := categoryIn(only)
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM due_entities WHERE next_due_at <= ?`+cond+` LIMIT 1`,
		append([]any{now.UnixMilli()}, cargs...)...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: has due: %w", err)
	}
	return true, nil
}

func (s *sqliteStore) Advance(ctx context.Context, e DueEntity, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE due_entities SET last_processed_at = next_due_at, next_due_at = ?
		 WHERE entity_id = ? AND category = ? AND next_due_at = ?`,
		next.UnixMilli(), e.EntityID, e.Category.String(), e.NextDueAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: advance %s/%s: %w", e.EntityID, e.Category, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: advance %s/%s: %w", e.EntityID, e.Category, err)
	}
	return n == 1, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, e DueEntity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO due_entities(entity_id, category, last_processed_at, next_due_at) VALUES(?,?,?,?)
		 ON CONFLICT(entity_id, category) DO UPDATE SET
		   last_processed_at = excluded.last_processed_at, next_due_at = excluded.next_due_at`,
		e.EntityID, e.Category.String(), nullTime(e.LastProcessedAt), e.NextDueAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert %s/%s: %w", e.EntityID, e.Category, err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, entityID string, c category.Category) (DueEntity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, category, last_processed_at, next_due_at FROM due_entities
		 WHERE entity_id = ? AND category = ?`, entityID, c.String())
	e, err := scanDue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DueEntity{}, ErrNotFound
	}
	if err != nil {
		return DueEntity{}, fmt.Errorf("storage: get %s/%s: %w", entityID, c, err)
	}
	return e, nil
}

func (s *sqliteStore) RecordTick(ctx context.Context, entityID string, c category.Category, dueAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_ticks(entity_id, category, due_at, recorded_at) VALUES(?,?,?,?)
		 ON CONFLICT(entity_id, category, due_at) DO NOTHING`,
		entityID, c.String(), dueAt.UnixMilli(), time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: record tick %s/%s: %w", entityID, c, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: record tick %s/%s: %w", entityID, c, err)
	}
	return n == 1, nil
}

func (s *sqliteStore) AppendPass(ctx context.Context, e PassEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO passes(at, source, collected, batches, published, failed, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.Trigger, e.Collected, e.Batches, e.Published, e.Failed, nullStr(e.Error), e.TookMS,
	)
	if err != nil {
		return fmt.Errorf("storage: append pass: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
