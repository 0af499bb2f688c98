package store

import (
	"fmt"

	"github.com/orient-bot/policy-sidecar/internal/policy"
)

func validateGrant(g Grant) error {
	if g.SessionID == "" {
		return fmt.Errorf("grant session_id cannot be empty")
	}

	if g.PolicyID == "" {
		return fmt.Errorf("grant policy_id cannot be empty")
	}

	if g.Status != GrantApproved {
		return fmt.Errorf("invalid grant status: %s", g.Status)
	}

	return nil
}

func validateEntry(e AuditEntry) error {
	if e.Kind != KindEvaluation && e.Kind != KindResolution {
		return fmt.Errorf("invalid audit kind: %s", e.Kind)
	}

	if e.PolicyID == "" {
		return fmt.Errorf("audit policy_id cannot be empty")
	}

	if e.Outcome == "" {
		return fmt.Errorf("audit outcome cannot be empty")
	}

	return nil
}

func validatePolicies(policies []policy.Policy) error {
	seen := make(map[string]struct{}, len(policies))
	for _, p := range policies {
		if err := policy.Validate(p); err != nil {
			return err
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q", policy.ErrInvalidPolicy, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}
