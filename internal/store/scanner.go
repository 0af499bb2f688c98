package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orient-bot/policy-sidecar/internal/policy"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicies(rows *sql.Rows) ([]policy.Policy, error) {
	policies := []policy.Policy{}

	for rows.Next() {
		var p policy.Policy
		var patterns string

		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &patterns, &p.Action, &p.Granularity, &p.RiskLevel, &p.Enabled); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}

		if err := json.Unmarshal([]byte(patterns), &p.ToolPatterns); err != nil {
			return nil, fmt.Errorf("decode tool_patterns for %s: %w", p.ID, err)
		}

		policies = append(policies, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return policies, nil
}

func scanGrant(row rowScanner) (Grant, error) {
	var g Grant
	var resolvedAt string
	var expiresAt sql.NullString

	if err := row.Scan(&g.SessionID, &g.PolicyID, &g.Status, &g.RequestID, &g.ResolvedBy, &resolvedAt, &expiresAt); err != nil {
		return Grant{}, err
	}

	t, err := parseTimestamp(resolvedAt)
	if err != nil {
		return Grant{}, err
	}
	g.ResolvedAt = t

	if expiresAt.Valid {
		exp, err := parseTimestamp(expiresAt.String)
		if err != nil {
			return Grant{}, err
		}
		g.ExpiresAt = &exp
	}

	return g, nil
}

func scanEntries(rows *sql.Rows) ([]AuditEntry, error) {
	entries := []AuditEntry{}

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return entries, nil
}

func scanEntry(row rowScanner) (AuditEntry, error) {
	var e AuditEntry
	var timestamp string

	err := row.Scan(&e.ID, &timestamp, &e.Kind, &e.PolicyID, &e.ToolName, &e.AgentID,
		&e.Platform, &e.UserID, &e.SessionID, &e.ChannelID, &e.RequestID, &e.Outcome, &e.Reason)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("scan row: %w", err)
	}

	t, err := parseTimestamp(timestamp)
	if err != nil {
		return AuditEntry{}, err
	}
	e.Timestamp = t

	return e, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(timestamp string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, timestamp)
	if err == nil {
		return t, nil
	}

	t, err = time.Parse("2006-01-02 15:04:05", timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
	}

	return t, nil
}
