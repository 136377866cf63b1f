package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored timestamps compare as text.
const timeLayout = "2006-01-02 15:04:05.000000000"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	if s.cfg.Path != ":memory:" {
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveRun stores a finished run together with its actions in one
// transaction. Saving a run ID twice replaces the earlier record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run, actions []*ActionRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to replace run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, scope, policy, dry_run, status, started_at, completed_at,
			installed, removed, updated, captured, skipped, failed, report, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Scope,
		run.Policy,
		run.DryRun,
		run.Status,
		formatTime(run.StartedAt),
		formatTimePtr(run.CompletedAt),
		run.Installed,
		run.Removed,
		run.Updated,
		run.Captured,
		run.Skipped,
		run.Failed,
		orDefault(run.Report, "{}"),
		formatTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i, a := range actions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO actions (
				run_id, action_id, seq, type, subject, lane, target, depends_on,
				status, attempts, error, started_at, completed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			a.ActionID,
			i,
			a.Type,
			a.Subject,
			a.Lane,
			a.Target,
			orDefault(a.DependsOn, "[]"),
			a.Status,
			a.Attempts,
			a.Error,
			formatTimePtr(a.StartedAt),
			formatTimePtr(a.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert action %s: %w", a.ActionID, err)
		}
		a.RunID = run.ID
		a.Seq = i
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, scope, policy, dry_run, status, started_at, completed_at,
	installed, removed, updated, captured, skipped, failed, report, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Scope,
		&run.Policy,
		&run.DryRun,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Installed,
		&run.Removed,
		&run.Updated,
		&run.Captured,
		&run.Skipped,
		&run.Failed,
		&run.Report,
		&run.CreatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID or by a unique ID prefix.
func (s *SQLiteStore) GetRun(ctx context.Context, idOrPrefix string) (*Run, error) {
	if idOrPrefix == "" {
		return nil, fmt.Errorf("run id is required")
	}

	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, idOrPrefix))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id LIKE ? ESCAPE '\' ORDER BY id LIMIT 2`,
		escapeLike(idOrPrefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	defer rows.Close()

	var found []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		found = append(found, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("run %s: %w", idOrPrefix, ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("run %s: %w", idOrPrefix, ErrAmbiguous)
	}
}

// ListRuns lists runs, newest first, with pagination
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ? OFFSET ?`,
		pageLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRunsBefore prunes runs that started before the given time. Their
// actions go with them.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// ListActionsByRun returns the actions of a run in plan order.
func (s *SQLiteStore) ListActionsByRun(ctx context.Context, runID string) ([]*ActionRecord, error) {
	query := `
		SELECT run_id, action_id, seq, type, subject, lane, target, depends_on,
			status, attempts, error, started_at, completed_at
		FROM actions
		WHERE run_id = ?
		ORDER BY seq
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	actions := []*ActionRecord{}
	for rows.Next() {
		a := &ActionRecord{}
		err := rows.Scan(
			&a.RunID,
			&a.ActionID,
			&a.Seq,
			&a.Type,
			&a.Subject,
			&a.Lane,
			&a.Target,
			&a.DependsOn,
			&a.Status,
			&a.Attempts,
			&a.Error,
			&a.StartedAt,
			&a.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}

	return actions, nil
}

// AppendEvent appends an event to the event log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	query := `
		INSERT INTO events (run_id, subject, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Subject,
		event.Type,
		event.Level,
		event.Message,
		event.Details,
		formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events in append order.
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	query := `
		SELECT id, run_id, subject, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.RunID, filter.RunID,
		filter.Level, filter.Level,
		pageLimit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Subject,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// UpsertSnapshot inserts or replaces a named snapshot
func (s *SQLiteStore) UpsertSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap.Name == "" {
		return fmt.Errorf("snapshot name is required")
	}
	now := time.Now()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now

	query := `
		INSERT INTO snapshots (name, origin, data, subjects, taken_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			origin = excluded.origin,
			data = excluded.data,
			subjects = excluded.subjects,
			taken_at = excluded.taken_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		snap.Name,
		snap.Origin,
		snap.Data,
		snap.Subjects,
		formatTime(snap.TakenAt),
		formatTime(snap.CreatedAt),
		formatTime(snap.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a snapshot by name
func (s *SQLiteStore) GetSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	query := `
		SELECT name, origin, data, subjects, taken_at, created_at, updated_at
		FROM snapshots
		WHERE name = ?
	`

	snap := &Snapshot{}
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&snap.Name,
		&snap.Origin,
		&snap.Data,
		&snap.Subjects,
		&snap.TakenAt,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots lists snapshots by name without their data.
func (s *SQLiteStore) ListSnapshots(ctx context.Context) ([]*Snapshot, error) {
	query := `
		SELECT name, origin, subjects, taken_at, created_at, updated_at
		FROM snapshots
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []*Snapshot{}
	for rows.Next() {
		snap := &Snapshot{}
		err := rows.Scan(
			&snap.Name,
			&snap.Origin,
			&snap.Subjects,
			&snap.TakenAt,
			&snap.CreatedAt,
			&snap.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return snaps, nil
}

// DeleteSnapshot deletes a snapshot by name
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("snapshot %s: %w", name, ErrNotFound)
	}

	return nil
}

// UpsertFact inserts or updates a fact
func (s *SQLiteStore) UpsertFact(ctx context.Context, fact *Fact) error {
	now := time.Now()
	if fact.ID == "" {
		fact.ID = fmt.Sprintf("%s/%s/%s", fact.Host, fact.Namespace, fact.Key)
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = now
	}
	fact.UpdatedAt = now
	if fact.TTL > 0 && fact.ExpiresAt == nil {
		expires := now.Add(time.Duration(fact.TTL) * time.Second)
		fact.ExpiresAt = &expires
	}

	query := `
		INSERT INTO facts (
			id, host, namespace, key, value, ttl, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(host, namespace, key) DO UPDATE SET
			value = excluded.value,
			ttl = excluded.ttl,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		fact.ID,
		fact.Host,
		fact.Namespace,
		fact.Key,
		fact.Value,
		fact.TTL,
		formatTimePtr(fact.ExpiresAt),
		formatTime(fact.CreatedAt),
		formatTime(fact.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert fact: %w", err)
	}

	return nil
}

const factColumns = `id, host, namespace, key, value, ttl, expires_at, created_at, updated_at`

func scanFact(row rowScanner) (*Fact, error) {
	fact := &Fact{}
	err := row.Scan(
		&fact.ID,
		&fact.Host,
		&fact.Namespace,
		&fact.Key,
		&fact.Value,
		&fact.TTL,
		&fact.ExpiresAt,
		&fact.CreatedAt,
		&fact.UpdatedAt,
	)
	return fact, err
}

// GetFact retrieves an unexpired fact by host, namespace, and key
func (s *SQLiteStore) GetFact(ctx context.Context, host, namespace, key string) (*Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts
		WHERE host = ? AND namespace = ? AND key = ?
		  AND (expires_at IS NULL OR expires_at > ?)`

	fact, err := scanFact(s.db.QueryRowContext(ctx, query, host, namespace, key, formatTime(time.Now())))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fact %s/%s/%s: %w", host, namespace, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}

	return fact, nil
}

// ListFacts lists the unexpired facts of a host.
func (s *SQLiteStore) ListFacts(ctx context.Context, host string) ([]*Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts
		WHERE host = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY namespace, key`

	rows, err := s.db.QueryContext(ctx, query, host, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	facts := []*Fact{}
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, fact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating facts: %w", err)
	}

	return facts, nil
}

// DeleteExpiredFacts removes all expired facts
func (s *SQLiteStore) DeleteExpiredFacts(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM facts WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired facts: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// CreateAuditEntry creates a new audit trail entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	query := `
		INSERT INTO audit (action, actor, subject, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.Subject,
		entry.Details,
		formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, subject, details, timestamp
		FROM audit
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, pageLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.Subject,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// pageLimit maps a non-positive limit to no limit.
func pageLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
