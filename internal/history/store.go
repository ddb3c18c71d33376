// Package history はセッションの結果を SQLite に記録する
//
// 失敗時に残る診断ログファイルと合わせて、いつ・どのカメラで・何回目の試行で
// どう終わったかを後から確認するためのもの。
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound は記録が存在しないことを表す
var ErrNotFound = errors.New("not found")

// Record はセッション1件の記録
type Record struct {
	SessionID   string     `json:"session_id"`
	StreamPort  int        `json:"stream_port"`
	BusPort     string     `json:"bus_port"`
	DisplayName string     `json:"display_name"`
	DevicePath  string     `json:"device_path,omitempty"`
	Outcome     string     `json:"outcome"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	Diagnostics string     `json:"diagnostics,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  time.Time  `json:"finished_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Store は SQLite の記録先
type Store struct {
	db *sql.DB
}

// Open はデータベースを開き、マイグレーションを適用する
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close はデータベースを閉じる
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordOutcome は終端結果を記録する。同じセッションIDの記録は上書きする
func (s *Store) RecordOutcome(ctx context.Context, r Record) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now().UTC()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = r.FinishedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, stream_port, bus_port, display_name, device_path, outcome, attempts, error, diagnostics, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	bus_port=excluded.bus_port,
	device_path=excluded.device_path,
	outcome=excluded.outcome,
	attempts=excluded.attempts,
	error=excluded.error,
	diagnostics=excluded.diagnostics,
	finished_at=excluded.finished_at
`, r.SessionID, r.StreamPort, r.BusPort, r.DisplayName, r.DevicePath, r.Outcome, r.Attempts, r.Error, r.Diagnostics, ts(r.StartedAt), ts(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// MarkEnded はライブ配信の終了時刻を記録する
func (s *Store) MarkEnded(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`, ts(at), sessionID)
	if err != nil {
		return fmt.Errorf("mark ended: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark ended: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get はセッションIDの記録を返す
func (s *Store) Get(ctx context.Context, sessionID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectSQL+` WHERE session_id = ?`, sessionID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// List は新しい順に最大limit件の記録を返す
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectSQL+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectSQL = `SELECT session_id, stream_port, bus_port, display_name, device_path, outcome, attempts, error, diagnostics, started_at, finished_at, ended_at FROM sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r                 Record
		started, finished string
		ended             sql.NullString
	)
	if err := sc.Scan(&r.SessionID, &r.StreamPort, &r.BusPort, &r.DisplayName, &r.DevicePath, &r.Outcome, &r.Attempts, &r.Error, &r.Diagnostics, &started, &finished, &ended); err != nil {
		return Record{}, err
	}
	var err error
	if r.StartedAt, err = parseTS(started); err != nil {
		return Record{}, fmt.Errorf("parse started_at: %w", err)
	}
	if r.FinishedAt, err = parseTS(finished); err != nil {
		return Record{}, fmt.Errorf("parse finished_at: %w", err)
	}
	if ended.Valid {
		t, err := parseTS(ended.String)
		if err != nil {
			return Record{}, fmt.Errorf("parse ended_at: %w", err)
		}
		r.EndedAt = &t
	}
	return r, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
