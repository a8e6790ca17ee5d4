package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/barclamp/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

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
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to :memory: opens its own database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func (s *SQLiteStore) dsn() string {
	params := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_time_format=sqlite",
	}
	if !isMemory(s.cfg.Path) {
		params = append(params,
			"_pragma=journal_mode(WAL)",
			"_pragma=synchronous(NORMAL)",
			"_txlock=immediate",
		)
	}
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	return s.cfg.Path + sep + strings.Join(params, "&")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if !isMemory(s.cfg.Path) {
		if dir := filepath.Dir(s.cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection
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

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func marshalTrees(t engine.ModuleTrees) (string, error) {
	if t == nil {
		return "{}", nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTrees(s string) (engine.ModuleTrees, error) {
	t := engine.ModuleTrees{}
	if s == "" {
		return t, nil
	}
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return nil, err
	}
	return t, nil
}

const proposalColumns = `barclamp, name, description, status, attributes, deployment, revision, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(row rowScanner) (*engine.Proposal, error) {
	p := &engine.Proposal{}
	var attrs, deploy string
	err := row.Scan(
		&p.Module,
		&p.Name,
		&p.Description,
		&p.Status,
		&attrs,
		&deploy,
		&p.Revision,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.Attributes, err = unmarshalTrees(attrs); err != nil {
		return nil, fmt.Errorf("corrupt attributes for %s: %w", p.ID(), err)
	}
	if p.Deployment, err = unmarshalTrees(deploy); err != nil {
		return nil, fmt.Errorf("corrupt deployment for %s: %w", p.ID(), err)
	}
	return p, nil
}

// GetProposal retrieves a proposal by module and name
func (s *SQLiteStore) GetProposal(ctx context.Context, module, name string) (*engine.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE barclamp = ? AND name = ?`

	p, err := scanProposal(s.db.QueryRowContext(ctx, query, module, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proposal not found: %s: %w", engine.ProposalID(module, name), engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	return p, nil
}

// ListProposals lists the proposals of a module ordered by name
func (s *SQLiteStore) ListProposals(ctx context.Context, module string) ([]*engine.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE barclamp = ? ORDER BY name ASC`
	return s.queryProposals(ctx, query, module)
}

// ListAllProposals lists every proposal ordered by module and name
func (s *SQLiteStore) ListAllProposals(ctx context.Context) ([]*engine.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals ORDER BY barclamp ASC, name ASC`
	return s.queryProposals(ctx, query)
}

func (s *SQLiteStore) queryProposals(ctx context.Context, query string, args ...interface{}) ([]*engine.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	proposals := []*engine.Proposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating proposals: %w", err)
	}

	return proposals, nil
}

// SaveProposal inserts a new proposal (Revision 0) or updates an existing one whose
// stored revision matches.
func (s *SQLiteStore) SaveProposal(ctx context.Context, p *engine.Proposal) error {
	attrs, err := marshalTrees(p.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	deploy, err := marshalTrees(p.Deployment)
	if err != nil {
		return fmt.Errorf("failed to encode deployment: %w", err)
	}

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	if p.Revision == 0 {
		return s.insertProposal(ctx, p, attrs, deploy)
	}
	return s.updateProposal(ctx, p, attrs, deploy)
}

func (s *SQLiteStore) insertProposal(ctx context.Context, p *engine.Proposal, attrs, deploy string) error {
	query := `
		INSERT INTO proposals (id, ` + proposalColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		p.ID(),
		p.Module,
		p.Name,
		p.Description,
		p.Status,
		attrs,
		deploy,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create proposal: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("proposal %s: %w", p.ID(), engine.ErrAlreadyExists)
	}

	p.Revision = 1
	return nil
}

func (s *SQLiteStore) updateProposal(ctx context.Context, p *engine.Proposal, attrs, deploy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE proposals
		SET description = ?, status = ?, attributes = ?, deployment = ?,
			revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?
	`

	result, err := tx.ExecContext(ctx, query,
		p.Description,
		p.Status,
		attrs,
		deploy,
		p.UpdatedAt,
		p.ID(),
		p.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to update proposal: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		var stored int64
		err := tx.QueryRowContext(ctx, `SELECT revision FROM proposals WHERE id = ?`, p.ID()).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("proposal not found: %s: %w", p.ID(), engine.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read proposal revision: %w", err)
		}
		return fmt.Errorf("proposal %s at revision %d, have %d: %w", p.ID(), stored, p.Revision, engine.ErrStaleRevision)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit proposal update: %w", err)
	}

	p.Revision++
	return nil
}

// DeleteProposal deletes a proposal by module and name
func (s *SQLiteStore) DeleteProposal(ctx context.Context, module, name string) error {
	query := `DELETE FROM proposals WHERE barclamp = ? AND name = ?`

	result, err := s.db.ExecContext(ctx, query, module, name)
	if err != nil {
		return fmt.Errorf("failed to delete proposal: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("proposal not found: %s: %w", engine.ProposalID(module, name), engine.ErrNotFound)
	}

	return nil
}

// InsertQueueEntry creates the queue entry of a proposal
func (s *SQLiteStore) InsertQueueEntry(ctx context.Context, entry *engine.QueueEntry) error {
	query := `
		INSERT INTO commit_queue (proposal_id, state, submitted_at, prior_status, reason, attempts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.ProposalID,
		entry.State,
		entry.SubmittedAt,
		entry.PriorStatus,
		entry.Reason,
		entry.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to create queue entry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("queue entry %s: %w", entry.ProposalID, engine.ErrAlreadyExists)
	}

	return nil
}

const queueColumns = `proposal_id, state, submitted_at, prior_status, reason, attempts`

func scanQueueEntry(row rowScanner) (*engine.QueueEntry, error) {
	e := &engine.QueueEntry{}
	err := row.Scan(
		&e.ProposalID,
		&e.State,
		&e.SubmittedAt,
		&e.PriorStatus,
		&e.Reason,
		&e.Attempts,
	)
	return e, err
}

// GetQueueEntry retrieves the queue entry of a proposal
func (s *SQLiteStore) GetQueueEntry(ctx context.Context, proposalID string) (*engine.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM commit_queue WHERE proposal_id = ?`

	e, err := scanQueueEntry(s.db.QueryRowContext(ctx, query, proposalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue entry not found: %s: %w", proposalID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return e, nil
}

// TransitionQueueEntry moves an entry between states. Moving to running counts an attempt.
func (s *SQLiteStore) TransitionQueueEntry(ctx context.Context, proposalID string, from, to engine.QueueState, reason string) (bool, error) {
	query := `
		UPDATE commit_queue
		SET state = ?, reason = ?,
			attempts = attempts + CASE WHEN ? = 'running' THEN 1 ELSE 0 END
		WHERE proposal_id = ? AND state = ?
	`

	result, err := s.db.ExecContext(ctx, query, to, reason, to, proposalID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update queue entry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// DeleteQueueEntry removes the entry of a proposal if it is in the given state
func (s *SQLiteStore) DeleteQueueEntry(ctx context.Context, proposalID string, state engine.QueueState) (bool, error) {
	query := `DELETE FROM commit_queue WHERE proposal_id = ? AND state = ?`

	result, err := s.db.ExecContext(ctx, query, proposalID, state)
	if err != nil {
		return false, fmt.Errorf("failed to delete queue entry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// ListQueueEntries lists every queue entry in submission order
func (s *SQLiteStore) ListQueueEntries(ctx context.Context) ([]*engine.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM commit_queue ORDER BY submitted_at ASC, proposal_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.QueueEntry{}
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}

	return entries, nil
}

// AppendTransition appends a transition record and assigns its sequence number
func (s *SQLiteStore) AppendTransition(ctx context.Context, record *engine.TransitionRecord) error {
	query := `
		INSERT INTO transitions (target_id, node_name, state, observed_at)
		VALUES (?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		record.TargetID,
		record.NodeName,
		record.State,
		record.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	// Get the auto-generated sequence number
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get transition sequence: %w", err)
	}

	record.Seq = seq
	return nil
}

// ListTransitions lists the transition records of a target in sequence order
func (s *SQLiteStore) ListTransitions(ctx context.Context, targetID string) ([]*engine.TransitionRecord, error) {
	query := `
		SELECT seq, target_id, node_name, state, observed_at
		FROM transitions
		WHERE target_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	records := []*engine.TransitionRecord{}
	for rows.Next() {
		r := &engine.TransitionRecord{}
		if err := rows.Scan(&r.Seq, &r.TargetID, &r.NodeName, &r.State, &r.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return records, nil
}

// ActiveIDs returns the proposal ids with a live role binding, optionally scoped to
// a proposal id or target id
func (s *SQLiteStore) ActiveIDs(ctx context.Context, targetID string) (map[string]struct{}, error) {
	query := `
		SELECT proposal_id
		FROM active_roles
		WHERE (? = '' OR proposal_id = ? OR target_id = ?)
	`

	rows, err := s.db.QueryContext(ctx, query, targetID, targetID, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active roles: %w", err)
	}
	defer rows.Close()

	active := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan active role: %w", err)
		}
		active[id] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active roles: %w", err)
	}

	return active, nil
}

// Binding retrieves the active binding of a proposal
func (s *SQLiteStore) Binding(ctx context.Context, proposalID string) (*engine.ActiveBinding, error) {
	query := `SELECT proposal_id, target_id, activated_at FROM active_roles WHERE proposal_id = ?`

	b := &engine.ActiveBinding{}
	err := s.db.QueryRowContext(ctx, query, proposalID).Scan(&b.ProposalID, &b.TargetID, &b.ActivatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active role not found: %s: %w", proposalID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active role: %w", err)
	}
	return b, nil
}

// Activate inserts or replaces the active binding of a proposal
func (s *SQLiteStore) Activate(ctx context.Context, binding *engine.ActiveBinding) error {
	query := `
		INSERT INTO active_roles (proposal_id, target_id, activated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(proposal_id) DO UPDATE SET
			target_id = excluded.target_id,
			activated_at = excluded.activated_at
	`

	if binding.ActivatedAt.IsZero() {
		binding.ActivatedAt = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx, query, binding.ProposalID, binding.TargetID, binding.ActivatedAt); err != nil {
		return fmt.Errorf("failed to activate role: %w", err)
	}
	return nil
}

// Deactivate removes the active binding of a proposal
func (s *SQLiteStore) Deactivate(ctx context.Context, proposalID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM active_roles WHERE proposal_id = ?`, proposalID)
	if err != nil {
		return fmt.Errorf("failed to deactivate role: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("active role not found: %s: %w", proposalID, engine.ErrNotFound)
	}

	return nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *engine.AuditEntry) error {
	query := `
		INSERT INTO audit (id, action, proposal_id, outcome, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	var details *string
	if len(entry.Details) > 0 {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		d := string(b)
		details = &d
	}

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Action,
		entry.ProposalID,
		entry.Outcome,
		details,
		entry.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination, newest first
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*engine.AuditEntry, error) {
	query := `
		SELECT id, action, proposal_id, outcome, details, timestamp
		FROM audit
		WHERE (? = '' OR action = ?)
		  AND (? = '' OR proposal_id = ?)
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, query,
		filter.Action, filter.Action,
		filter.ProposalID, filter.ProposalID,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		entry := &engine.AuditEntry{}
		var details sql.NullString
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.ProposalID,
			&entry.Outcome,
			&details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("corrupt audit details for %s: %w", entry.ID, err)
			}
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
