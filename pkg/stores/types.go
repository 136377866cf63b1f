package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrAmbiguous is returned when a run ID prefix matches more than one run.
var ErrAmbiguous = errors.New("ambiguous run id")

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run is one finished reconciliation run.
type Run struct {
	ID          string     `json:"id"`
	Scope       string     `json:"scope"`
	Policy      string     `json:"policy"`
	DryRun      bool       `json:"dry_run"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Installed int `json:"installed"`
	Removed   int `json:"removed"`
	Updated   int `json:"updated"`
	Captured  int `json:"captured"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	Report    string    `json:"report"` // JSON blob of the summary report
	CreatedAt time.Time `json:"created_at"`
}

// ActionRecord is the outcome of one plan action within a run.
type ActionRecord struct {
	RunID       string     `json:"run_id"`
	ActionID    string     `json:"action_id"`
	Seq         int        `json:"seq"`
	Type        string     `json:"type"`
	Subject     string     `json:"subject"`
	Lane        string     `json:"lane"`
	Target      string     `json:"target"`
	DependsOn   string     `json:"depends_on"` // JSON array of action IDs
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Subject   *string    `json:"subject,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// EventFilter narrows GetEvents. Zero fields match everything.
type EventFilter struct {
	RunID  *string
	Level  *EventLevel
	Limit  int
	Offset int
}

// Snapshot is a named, serialized state snapshot, such as the baseline
// captured before defaults are applied.
type Snapshot struct {
	Name      string    `json:"name"`
	Origin    string    `json:"origin"`
	Data      string    `json:"data"` // JSON blob
	Subjects  int       `json:"subjects"`
	TakenAt   time.Time `json:"taken_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fact is a cached fact about a machine.
type Fact struct {
	ID        string     `json:"id"`
	Host      string     `json:"host"`      // "local" or an SSH target
	Namespace string     `json:"namespace"` // e.g. "os", "hw", "tools"
	Key       string     `json:"key"`
	Value     string     `json:"value"` // JSON blob
	TTL       int        `json:"ttl"`   // seconds, 0 = no expiry
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AuditEntry records one mutation of the configuration store.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // e.g. "config.persist", "config.add", "config.remove"
	Actor     string    `json:"actor"`
	Subject   *string   `json:"subject,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	SaveRun(ctx context.Context, run *Run, actions []*ActionRecord) error
	GetRun(ctx context.Context, idOrPrefix string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)
	ListActionsByRun(ctx context.Context, runID string) ([]*ActionRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// Snapshot operations
	UpsertSnapshot(ctx context.Context, snap *Snapshot) error
	GetSnapshot(ctx context.Context, name string) (*Snapshot, error)
	ListSnapshots(ctx context.Context) ([]*Snapshot, error)
	DeleteSnapshot(ctx context.Context, name string) error

	// Facts operations
	UpsertFact(ctx context.Context, fact *Fact) error
	GetFact(ctx context.Context, host, namespace, key string) (*Fact, error)
	ListFacts(ctx context.Context, host string) ([]*Fact, error)
	DeleteExpiredFacts(ctx context.Context) (int64, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
