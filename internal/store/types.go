package store

import (
	"context"
	"time"

	"github.com/orient-bot/policy-sidecar/internal/policy"
)

type GrantStatus string

const GrantApproved GrantStatus = "approved"

// Grant records that a session already approved a policy.
type Grant struct {
	SessionID  string      `json:"session_id"`
	PolicyID   string      `json:"policy_id"`
	Status     GrantStatus `json:"status"`
	RequestID  string      `json:"request_id"`
	ResolvedBy string      `json:"resolved_by"`
	ResolvedAt time.Time   `json:"resolved_at"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
}

// Active reports whether the grant is approved and unexpired at now.
func (g Grant) Active(now time.Time) bool {
	if g.Status != GrantApproved {
		return false
	}
	return g.ExpiresAt == nil || now.Before(*g.ExpiresAt)
}

type EntryKind string

const (
	KindEvaluation EntryKind = "evaluation"
	KindResolution EntryKind = "resolution"
)

// AuditEntry is an append-only record of a decision or an approval resolution.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EntryKind `json:"kind"`
	PolicyID  string    `json:"policy_id"`
	ToolName  string    `json:"tool_name"`
	AgentID   string    `json:"agent_id,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
}

// WithContext copies the platform context fields into the entry.
func (e AuditEntry) WithContext(pctx policy.PlatformContext) AuditEntry {
	e.Platform = pctx.Platform
	e.UserID = pctx.UserID
	e.SessionID = pctx.SessionID
	e.ChannelID = pctx.ChannelID
	return e
}

type AuditFilter struct {
	SessionID string
	Limit     int
}

const defaultAuditLimit = 100

func (f AuditFilter) limit() int {
	if f.Limit <= 0 {
		return defaultAuditLimit
	}
	return f.Limit
}

// Store persists policies, session grants and the audit trail.
type Store interface {
	Policies(ctx context.Context) ([]policy.Policy, error)
	ReplacePolicies(ctx context.Context, policies []policy.Policy) error
	// FindGrant returns nil, nil when no grant exists.
	FindGrant(ctx context.Context, sessionID, policyID string) (*Grant, error)
	SaveGrant(ctx context.Context, grant Grant) error
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
	Close() error
}
