package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orient-bot/policy-sidecar/internal/approval"
	"github.com/orient-bot/policy-sidecar/internal/policy"
	"github.com/orient-bot/policy-sidecar/internal/store"
	"github.com/rs/zerolog/log"
)

var (
	ErrPolicyNotFound  = errors.New("policy not found")
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrCallbackDenied  = errors.New("platform callback not accepted")
)

type Config struct {
	// DefaultAction applies to tool calls no enabled policy matches.
	DefaultAction policy.Action
}

// Engine answers "may this tool call run?" and drives human approval when a
// policy says to ask.
type Engine struct {
	store         store.Store
	coordinator   *approval.Coordinator
	adapters      approval.Adapters
	defaultAction policy.Action
	now           func() time.Time
}

func New(st store.Store, coordinator *approval.Coordinator, adapters approval.Adapters, cfg Config) *Engine {
	defaultAction := cfg.DefaultAction
	if defaultAction == "" {
		defaultAction = policy.ActionAllow
	}

	return &Engine{
		store:         st,
		coordinator:   coordinator,
		adapters:      adapters,
		defaultAction: defaultAction,
		now:           time.Now,
	}
}

// EvaluateToolCall returns the decision for a tool call. The first enabled
// policy with a matching pattern wins. A store failure while reading policies
// denies the call and returns the error alongside.
func (e *Engine) EvaluateToolCall(ctx context.Context, tool policy.ToolCall, pctx policy.PlatformContext, agentID string) (policy.Decision, error) {
	policies, err := e.store.Policies(ctx)
	if err != nil {
		log.Error().Err(err).Str("tool", tool.Name).Msg("failed to read policies, denying")
		decision := policy.Decision{Action: policy.ActionDeny, Reason: policy.ReasonStoreError}
		e.audit(tool, pctx, agentID, decision)
		return decision, fmt.Errorf("read policies: %w", err)
	}

	decision := e.decide(ctx, policies, tool, pctx)
	e.audit(tool, pctx, agentID, decision)

	log.Debug().
		Str("tool", tool.Name).
		Str("session", pctx.SessionID).
		Str("policy", decision.PolicyID()).
		Str("action", string(decision.Action)).
		Str("reason", decision.Reason).
		Msg("tool call evaluated")

	return decision, nil
}

func (e *Engine) decide(ctx context.Context, policies []policy.Policy, tool policy.ToolCall, pctx policy.PlatformContext) policy.Decision {
	matched, ok := firstMatch(policies, tool.Name)
	if !ok {
		return policy.Decision{Action: e.defaultAction, Reason: policy.ReasonNoMatch}
	}

	switch matched.Action {
	case policy.ActionDeny:
		return policy.Decision{Action: policy.ActionDeny, MatchedPolicy: &matched, Reason: policy.ReasonPolicyDeny}
	case policy.ActionAllow:
		return policy.Decision{Action: policy.ActionAllow, MatchedPolicy: &matched, Reason: policy.ReasonPolicyAllow}
	}

	if matched.PerSession() && e.hasGrant(ctx, pctx.SessionID, matched.ID) {
		return policy.Decision{Action: policy.ActionAllow, MatchedPolicy: &matched, Reason: policy.ReasonSessionGrant}
	}
	return policy.Decision{Action: policy.ActionAsk, MatchedPolicy: &matched, Reason: policy.ReasonPolicyAsk}
}

func firstMatch(policies []policy.Policy, toolName string) (policy.Policy, bool) {
	for _, p := range policies {
		if p.Enabled && p.Matches(toolName) {
			return p, true
		}
	}
	return policy.Policy{}, false
}

// hasGrant treats lookup failures as no grant, so the caller is asked again.
func (e *Engine) hasGrant(ctx context.Context, sessionID, policyID string) bool {
	if sessionID == "" {
		return false
	}

	grant, err := e.store.FindGrant(ctx, sessionID, policyID)
	if err != nil {
		log.Warn().Err(err).Str("session", sessionID).Str("policy", policyID).Msg("grant lookup failed")
		return false
	}
	return grant != nil && grant.Active(e.now())
}

// RequestApproval asks a human to confirm a call to tool under p. It blocks
// until the request resolves.
func (e *Engine) RequestApproval(ctx context.Context, tool policy.ToolCall, pctx policy.PlatformContext, agentID string, p policy.Policy) (approval.Result, error) {
	return e.coordinator.RequestApproval(ctx, approval.Params{
		Tool:    tool,
		Context: pctx,
		AgentID: agentID,
		Policy:  p,
	})
}

// HandlePlatformResponse forwards an already-parsed answer to the coordinator.
func (e *Engine) HandlePlatformResponse(ctx context.Context, platform string, resp approval.Response) bool {
	return e.coordinator.HandlePlatformResponse(ctx, platform, resp)
}

// HandleCallback verifies and parses a platform-native callback payload with
// the platform's adapter and delivers the answer. Only adapters implementing
// approval.CallbackVerifier take answers this way.
func (e *Engine) HandleCallback(ctx context.Context, platform string, payload []byte, signature string) (approval.Response, bool, error) {
	a, ok := e.adapters.Get(platform)
	if !ok {
		return approval.Response{}, false, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}

	verifier, ok := a.(approval.CallbackVerifier)
	if !ok {
		return approval.Response{}, false, fmt.Errorf("%w: %s answers through the approver endpoints", ErrCallbackDenied, platform)
	}
	if err := verifier.VerifyCallback(payload, signature); err != nil {
		return approval.Response{}, false, fmt.Errorf("%w: %v", ErrCallbackDenied, err)
	}

	resp, err := a.HandleApprovalResponse(ctx, payload)
	if err != nil {
		return approval.Response{}, false, fmt.Errorf("parse %s callback: %w", platform, err)
	}

	return resp, e.coordinator.HandlePlatformResponse(ctx, platform, resp), nil
}

// Authorization is the folded outcome of evaluation plus any approval.
type Authorization struct {
	Allowed  bool             `json:"allowed"`
	Decision policy.Decision  `json:"decision"`
	Approval *approval.Result `json:"approval,omitempty"`
}

// Authorize evaluates a tool call and, when the decision is ask, waits for
// the human answer.
func (e *Engine) Authorize(ctx context.Context, tool policy.ToolCall, pctx policy.PlatformContext, agentID string) (Authorization, error) {
	decision, err := e.EvaluateToolCall(ctx, tool, pctx, agentID)
	if err != nil {
		return Authorization{Decision: decision}, err
	}

	switch decision.Action {
	case policy.ActionAllow:
		return Authorization{Allowed: true, Decision: decision}, nil
	case policy.ActionDeny:
		return Authorization{Decision: decision}, nil
	}

	result, err := e.RequestApproval(ctx, tool, pctx, agentID, *decision.MatchedPolicy)
	if err != nil {
		return Authorization{Decision: decision}, err
	}
	return Authorization{Allowed: result.Approved(), Decision: decision, Approval: &result}, nil
}

// Policy returns the policy with the given id, enabled or not.
func (e *Engine) Policy(ctx context.Context, id string) (policy.Policy, error) {
	policies, err := e.store.Policies(ctx)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("read policies: %w", err)
	}

	for _, p := range policies {
		if p.ID == id {
			return p, nil
		}
	}
	return policy.Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
}

func (e *Engine) Policies(ctx context.Context) ([]policy.Policy, error) {
	return e.store.Policies(ctx)
}

func (e *Engine) Audit(ctx context.Context, filter store.AuditFilter) ([]store.AuditEntry, error) {
	return e.store.ListAudit(ctx, filter)
}

func (e *Engine) audit(tool policy.ToolCall, pctx policy.PlatformContext, agentID string, decision policy.Decision) {
	entry := store.AuditEntry{
		Timestamp: e.now().UTC(),
		Kind:      store.KindEvaluation,
		PolicyID:  decision.PolicyID(),
		ToolName:  tool.Name,
		AgentID:   agentID,
		Outcome:   string(decision.Action),
		Reason:    decision.Reason,
	}.WithContext(pctx)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.store.AppendAudit(ctx, entry); err != nil {
		log.Warn().Err(err).Str("tool", tool.Name).Msg("audit logging failed")
	}
}
