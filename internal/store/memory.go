package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/orient-bot/policy-sidecar/internal/policy"
)

type grantKey struct {
	sessionID string
	policyID  string
}

// MemoryStore keeps everything in process. It is the reference
// implementation of Store and the one tests run against.
type MemoryStore struct {
	mu       sync.RWMutex
	policies []policy.Policy
	grants   map[grantKey]Grant
	audit    []AuditEntry
	nextID   int64
	now      func() time.Time
}

// NewMemoryStore seeds the store with a static, ordered policy list.
func NewMemoryStore(policies ...policy.Policy) *MemoryStore {
	return &MemoryStore{
		policies: slices.Clone(policies),
		grants:   make(map[grantKey]Grant),
		now:      time.Now,
	}
}

func (s *MemoryStore) Policies(ctx context.Context) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return clonePolicies(s.policies), nil
}

func (s *MemoryStore) ReplacePolicies(ctx context.Context, policies []policy.Policy) error {
	if err := validatePolicies(policies); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.policies = clonePolicies(policies)
	return nil
}

func (s *MemoryStore) FindGrant(ctx context.Context, sessionID, policyID string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[grantKey{sessionID, policyID}]
	if !ok || !g.Active(s.now()) {
		return nil, nil
	}
	return &g, nil
}

func (s *MemoryStore) SaveGrant(ctx context.Context, grant Grant) error {
	if err := validateGrant(grant); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants[grantKey{grant.SessionID, grant.PolicyID}] = grant
	return nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry.ID = s.nextID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	s.audit = append(s.audit, entry)
	return nil
}

// ListAudit returns matching entries, newest first.
func (s *MemoryStore) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.limit()
	entries := make([]AuditEntry, 0, min(limit, len(s.audit)))

	for i := len(s.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		e := s.audit[i]
		if filter.SessionID != "" && e.SessionID != filter.SessionID {
			continue
		}
		entries = append(entries, e)
	}

	return entries, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func clonePolicies(policies []policy.Policy) []policy.Policy {
	out := make([]policy.Policy, len(policies))
	for i, p := range policies {
		p.ToolPatterns = slices.Clone(p.ToolPatterns)
		out[i] = p
	}
	return out
}
