package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "herald/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- usage ledger ----

func (s *sqliteStore) GetUsage(ctx context.Context, date string) (*UsageRecord, error) {
	var (
		rec   UsageRecord
		reset sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT date, calls_made, daily_limit, reset_time FROM usage WHERE date = ?`, date,
	).Scan(&rec.Date, &rec.CallsMade, &rec.DailyLimit, &reset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if reset.Valid {
		t := time.UnixMilli(reset.Int64)
		rec.ResetTime = &t
	}
	return &rec, nil
}

func (s *sqliteStore) UpsertUsage(ctx context.Context, rec UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage(date, calls_made, daily_limit, reset_time) VALUES(?,?,?,?)
		 ON CONFLICT(date) DO UPDATE SET
		   calls_made = MAX(usage.calls_made, excluded.calls_made),
		   daily_limit = excluded.daily_limit,
		   reset_time = COALESCE(excluded.reset_time, usage.reset_time)`,
		rec.Date, rec.CallsMade, rec.DailyLimit, nullTimeMS(rec.ResetTime),
	)
	return err
}

func (s *sqliteStore) AppendCallLog(ctx context.Context, e CallLogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_log(at, service, endpoint, status, took_ms, rate_remaining, rate_limit, rate_reset, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Service, e.Endpoint, e.Status, e.TookMS,
		nullInt(e.RateRemaining), nullInt(e.RateLimit), nullTimeMS(e.RateReset), nullStr(e.Error),
	)
	return err
}

func (s *sqliteStore) PruneCallLog(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM call_log WHERE at < ?`, before.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- monitored entities ----

func (s *sqliteStore) DueEntities(ctx context.Context, now time.Time, limit int) ([]MonitoredEntity, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.tier, e.last_checked_at, e.next_check_at
		 FROM entities e
		 LEFT JOIN review r ON r.external_id = e.id AND r.status = 'pending'
		 WHERE e.next_check_at <= ? AND r.external_id IS NULL
		 ORDER BY e.next_check_at ASC,
		   CASE e.tier WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END
		 LIMIT ?`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MonitoredEntity
	for rows.Next() {
		var (
			e          MonitoredEntity
			last, next int64
		)
		if err := rows.Scan(&e.ID, &e.Tier, &last, &next); err != nil {
			return nil, err
		}
		if last > 0 {
			e.LastCheckedAt = time.UnixMilli(last)
		}
		e.NextCheckAt = time.UnixMilli(next)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertEntity(ctx context.Context, e MonitoredEntity) error {
	var last int64
	if !e.LastCheckedAt.IsZero() {
		last = e.LastCheckedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities(id, tier, last_checked_at, next_check_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   tier = excluded.tier,
		   last_checked_at = excluded.last_checked_at,
		   next_check_at = excluded.next_check_at`,
		e.ID, string(e.Tier), last, e.NextCheckAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) TouchEntity(ctx context.Context, id string, lastChecked, nextCheck time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET last_checked_at = ?, next_check_at = ? WHERE id = ?`,
		lastChecked.UnixMilli(), nextCheck.UnixMilli(), id,
	)
	return err
}

func (s *sqliteStore) RemoveEntity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	return err
}

// ---- processed markers ----

func (s *sqliteStore) GetMarker(ctx context.Context, externalID string) (*ProcessedMarker, error) {
	var (
		m  ProcessedMarker
		at int64
		ri sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT external_id, processed_at, result_id FROM processed WHERE external_id = ?`, externalID,
	).Scan(&m.ExternalID, &at, &ri)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.ProcessedAt = time.UnixMilli(at)
	m.ResultID = ri.String
	return &m, nil
}

func (s *sqliteStore) PutMarker(ctx context.Context, m ProcessedMarker) error {
	if m.ProcessedAt.IsZero() {
		m.ProcessedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed(external_id, processed_at, result_id) VALUES(?,?,?)`,
		m.ExternalID, m.ProcessedAt.UnixMilli(), nullStr(m.ResultID),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrMarkerExists
	}
	return nil
}

// ---- review queue ----

func (s *sqliteStore) AddReview(ctx context.Context, r ReviewEntry) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = ReviewPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review(external_id, code, message, status, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(external_id) DO UPDATE SET
		   code = excluded.code,
		   message = excluded.message,
		   status = excluded.status,
		   resolved_at = NULL`,
		r.ExternalID, r.Code, nullStr(r.Message), string(r.Status), r.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) PendingReview(ctx context.Context, limit int) ([]ReviewEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT external_id, code, message, status, created_at FROM review
		 WHERE status = 'pending' ORDER BY created_at ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReviewEntry
	for rows.Next() {
		var (
			r   ReviewEntry
			msg sql.NullString
			at  int64
		)
		if err := rows.Scan(&r.ExternalID, &r.Code, &msg, &r.Status, &at); err != nil {
			return nil, err
		}
		r.Message = msg.String
		r.CreatedAt = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ResolveReview(ctx context.Context, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE review SET status = 'resolved', resolved_at = ? WHERE external_id = ?`,
		time.Now().UnixMilli(), externalID,
	)
	return err
}

func (s *sqliteStore) PruneResolvedReview(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM review WHERE status = 'resolved' AND resolved_at < ?`, before.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- artifact queue ----

func (s *sqliteStore) AddArtifact(ctx context.Context, a Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO artifacts(id, body, created_at) VALUES(?,?,?)`,
		a.ID, nullStr(a.Body), a.CreatedAt.UnixMilli(),
	)
	return err
}

// NextArtifacts returns queued artifacts that have no processed marker yet,
// oldest first.
func (s *sqliteStore) NextArtifacts(ctx context.Context, limit int) ([]Artifact, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.body, a.created_at FROM artifacts a
		 LEFT JOIN processed p ON p.external_id = a.id
		 WHERE p.external_id IS NULL
		 ORDER BY a.created_at ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var (
			a    Artifact
			body sql.NullString
			at   int64
		)
		if err := rows.Scan(&a.ID, &body, &at); err != nil {
			return nil, err
		}
		a.Body = body.String
		a.CreatedAt = time.UnixMilli(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- helpers ----

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTimeMS(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
