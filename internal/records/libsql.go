package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomlang/loom/pkg/ir"
)

// LibSQLFrameStore is a FrameStore backed by libSQL (embedded SQLite fork).
// All frames live in one table keyed by (record, canonical primary key), with
// a monotonic sequence preserving insertion order.
type LibSQLFrameStore struct {
	db *sql.DB
	mu sync.Mutex
	pk map[string]string
}

// NewLibSQLFrameStore opens a libSQL database at the given path and prepares
// the frames table. The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLFrameStore(dbPath string, schemas map[string]*ir.RecordSchema) (*LibSQLFrameStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS frames (
			record TEXT NOT NULL,
			key    TEXT NOT NULL,
			row    TEXT NOT NULL,
			seq    INTEGER PRIMARY KEY AUTOINCREMENT,
			UNIQUE(record, key)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create frames table: %w", err)
	}

	pk := make(map[string]string, len(schemas))
	for name, rs := range schemas {
		pk[name] = rs.PrimaryKey
	}
	return &LibSQLFrameStore{db: db, pk: pk}, nil
}

// Close closes the database.
func (s *LibSQLFrameStore) Close() error { return s.db.Close() }

func (s *LibSQLFrameStore) PrimaryKey(record string) (string, error) {
	pk, ok := s.pk[record]
	if !ok {
		return "", ir.NewErrorf(ir.ErrCodeConfiguration, "no frame for record %q", record)
	}
	return pk, nil
}

func (s *LibSQLFrameStore) Rows(ctx context.Context, record string) ([]Row, error) {
	if _, err := s.PrimaryKey(record); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rowsLocked(ctx, record)
}

func (s *LibSQLFrameStore) rowsLocked(ctx context.Context, record string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT row FROM frames WHERE record = ? ORDER BY seq ASC`, record)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r Row
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal %s row: %w", record, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *LibSQLFrameStore) Lookup(ctx context.Context, record string, key any) (Row, bool, error) {
	if _, err := s.PrimaryKey(record); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT row FROM frames WHERE record = ? AND key = ?`, record, canonicalKey(key),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var r Row
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, false, fmt.Errorf("unmarshal %s row: %w", record, err)
	}
	return r, true, nil
}

func (s *LibSQLFrameStore) Insert(ctx context.Context, record string, row Row) error {
	pk, err := s.PrimaryKey(record)
	if err != nil {
		return err
	}
	key, present := row[pk]
	if !present || key == nil {
		return ir.NewErrorf(ir.ErrCodeValidation, "%s row is missing its primary key %q", record, pk)
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal %s row: %w", record, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ck := canonicalKey(key)
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM frames WHERE record = ? AND key = ?`, record, ck,
	).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return ir.NewErrorf(ir.ErrCodeValidation,
			"%s already has a row with %s = %v", record, pk, key)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO frames (record, key, row) VALUES (?, ?, ?)`, record, ck, string(raw))
	return err
}

func (s *LibSQLFrameStore) Update(ctx context.Context, record string, key any, fields Row) error {
	pk, err := s.PrimaryKey(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ck := canonicalKey(key)
	var raw string
	err = s.db.QueryRowContext(ctx,
		`SELECT row FROM frames WHERE record = ? AND key = ?`, record, ck).Scan(&raw)
	if err == sql.ErrNoRows {
		return ir.NewErrorf(ir.ErrCodeValidation, "no %s row with %s = %v", record, pk, key)
	}
	if err != nil {
		return err
	}
	var merged Row
	if err := json.Unmarshal([]byte(raw), &merged); err != nil {
		return fmt.Errorf("unmarshal %s row: %w", record, err)
	}
	for k, v := range fields {
		merged[k] = v
	}
	updated, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal %s row: %w", record, err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE frames SET row = ? WHERE record = ? AND key = ?`, string(updated), record, ck)
	return err
}

func (s *LibSQLFrameStore) Delete(ctx context.Context, record string, key any) error {
	pk, err := s.PrimaryKey(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM frames WHERE record = ? AND key = ?`, record, canonicalKey(key))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ir.NewErrorf(ir.ErrCodeValidation, "no %s row with %s = %v", record, pk, key)
	}
	return nil
}

func (s *LibSQLFrameStore) Count(ctx context.Context, record string) (int, error) {
	if _, err := s.PrimaryKey(record); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM frames WHERE record = ?`, record).Scan(&n)
	return n, err
}

func (s *LibSQLFrameStore) Snapshot(ctx context.Context, record string) ([]Row, error) {
	return s.Rows(ctx, record)
}

// Restore replaces a frame's rows inside a database transaction so a crash
// mid-restore never leaves a frame half-replaced.
func (s *LibSQLFrameStore) Restore(ctx context.Context, record string, rows []Row) error {
	pk, err := s.PrimaryKey(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM frames WHERE record = ?`, record); err != nil {
		return err
	}
	for _, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal %s row: %w", record, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO frames (record, key, row) VALUES (?, ?, ?)`,
			record, canonicalKey(row[pk]), string(raw)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

var _ FrameStore = (*LibSQLFrameStore)(nil)

// canonicalKey serializes a primary-key value to a stable string. Integers
// are widened to float64 first so 1 and 1.0 map to the same key, matching
// keysEqual's numeric comparison.
func canonicalKey(key any) string {
	if f, ok := toFloat(key); ok {
		key = f
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Sprintf("%v", key)
	}
	return string(raw)
}
