package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orient-bot/policy-sidecar/internal/policy"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store. Audit rows are protected against
// UPDATE and DELETE by triggers.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db, now: time.Now}

	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Policies(ctx context.Context) ([]policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx, querySelectPolicies)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	return scanPolicies(rows)
}

// ReplacePolicies swaps the whole ordered policy set in one transaction.
func (s *SQLiteStore) ReplacePolicies(ctx context.Context, policies []policy.Policy) error {
	if err := validatePolicies(policies); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryDeletePolicies); err != nil {
		return fmt.Errorf("clear policies: %w", err)
	}

	for i, p := range policies {
		patterns, err := json.Marshal(p.ToolPatterns)
		if err != nil {
			return fmt.Errorf("encode tool_patterns for %s: %w", p.ID, err)
		}

		_, err = tx.ExecContext(ctx, queryInsertPolicy, i, p.ID, p.Name, p.Description, string(patterns),
			string(p.Action), string(p.Granularity), string(p.RiskLevel), p.Enabled)
		if err != nil {
			return fmt.Errorf("insert policy %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit policies: %w", err)
	}

	return nil
}

func (s *SQLiteStore) FindGrant(ctx context.Context, sessionID, policyID string) (*Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, querySelectGrant, sessionID, policyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find grant: %w", err)
	}

	if !g.Active(s.now()) {
		return nil, nil
	}
	return &g, nil
}

func (s *SQLiteStore) SaveGrant(ctx context.Context, grant Grant) error {
	if err := validateGrant(grant); err != nil {
		return err
	}

	var expiresAt sql.NullString
	if grant.ExpiresAt != nil {
		expiresAt = sql.NullString{String: formatTimestamp(*grant.ExpiresAt), Valid: true}
	}

	return s.execWithRetry(ctx, "save grant", queryUpsertGrant,
		grant.SessionID, grant.PolicyID, string(grant.Status), grant.RequestID,
		grant.ResolvedBy, formatTimestamp(grant.ResolvedAt), expiresAt)
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	return s.execWithRetry(ctx, "insert entry", queryInsertEntry,
		formatTimestamp(entry.Timestamp), string(entry.Kind), entry.PolicyID, entry.ToolName,
		entry.AgentID, entry.Platform, entry.UserID, entry.SessionID, entry.ChannelID,
		entry.RequestID, entry.Outcome, entry.Reason)
}

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	var rows *sql.Rows
	var err error

	if filter.SessionID != "" {
		rows, err = s.db.QueryContext(ctx, querySelectEntriesBySession, filter.SessionID, filter.limit())
	} else {
		rows, err = s.db.QueryContext(ctx, querySelectEntries, filter.limit())
	}
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initializeSchema() error {
	for _, stmt := range schemaStatements() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) execWithRetry(ctx context.Context, op, query string, args ...any) error {
	const maxRetries = 3
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}

		if !isBusy(err) {
			return fmt.Errorf("%s: %w", op, err)
		}

		backoff := time.Duration(attempt+1) * 10 * time.Millisecond
		time.Sleep(backoff)
	}

	return fmt.Errorf("%s after %d retries: %w", op, maxRetries, err)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
