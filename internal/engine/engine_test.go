package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orient-bot/policy-sidecar/internal/adapter"
	"github.com/orient-bot/policy-sidecar/internal/approval"
	"github.com/orient-bot/policy-sidecar/internal/policy"
	"github.com/orient-bot/policy-sidecar/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	platform string

	mu    sync.Mutex
	calls int
}

func (s *stubAdapter) Platform() string                    { return s.platform }
func (s *stubAdapter) SupportsNativeApproval() bool        { return false }
func (s *stubAdapter) SupportedInteractionTypes() []string { return []string{"text"} }

func (s *stubAdapter) RequestApproval(ctx context.Context, req approval.Request) (approval.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return approval.Ack{RequestID: req.ID}, nil
}

func (s *stubAdapter) HandleApprovalResponse(ctx context.Context, payload []byte) (approval.Response, error) {
	if len(payload) == 0 {
		return approval.Response{}, errors.New("empty payload")
	}
	return approval.Response{RequestID: string(payload), Approved: true, ResolvedBy: "callback"}, nil
}

func (s *stubAdapter) CancelRequest(ctx context.Context, requestID string) error { return nil }
func (s *stubAdapter) FormatApprovalPrompt(req approval.Request) string          { return req.Tool.Name }
func (s *stubAdapter) FormatApprovalResult(res approval.Result) string           { return res.Reason }

// callbackAdapter accepts callbacks signed with "valid".
type callbackAdapter struct {
	*stubAdapter
}

func (c callbackAdapter) VerifyCallback(payload []byte, signature string) error {
	if signature != "valid" {
		return errors.New("bad signature")
	}
	return nil
}

func (s *stubAdapter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type failingStore struct {
	*store.MemoryStore
	failPolicies bool
	failGrants   bool
}

func (f *failingStore) Policies(ctx context.Context) ([]policy.Policy, error) {
	if f.failPolicies {
		return nil, errors.New("database is locked")
	}
	return f.MemoryStore.Policies(ctx)
}

func (f *failingStore) FindGrant(ctx context.Context, sessionID, policyID string) (*store.Grant, error) {
	if f.failGrants {
		return nil, errors.New("database is locked")
	}
	return f.MemoryStore.FindGrant(ctx, sessionID, policyID)
}

type fixture struct {
	engine      *Engine
	coordinator *approval.Coordinator
	store       store.Store
	slack       *stubAdapter
}

func newFixture(t *testing.T, st store.Store, cfg Config) *fixture {
	t.Helper()

	slack := &stubAdapter{platform: "slack"}
	registry := adapter.NewRegistry()
	registry.Register(callbackAdapter{slack})
	registry.Register(&stubAdapter{platform: "web"})

	coordinator := approval.NewCoordinator(registry, st, approval.Config{Timeout: 5 * time.Second})
	t.Cleanup(func() { coordinator.Close() })

	return &fixture{
		engine:      New(st, coordinator, registry, cfg),
		coordinator: coordinator,
		store:       st,
		slack:       slack,
	}
}

func filePolicy(action policy.Action, granularity policy.Granularity) policy.Policy {
	return policy.Policy{
		ID:           "files",
		Name:         "files",
		ToolPatterns: []string{"file_*"},
		Action:       action,
		Granularity:  granularity,
		RiskLevel:    policy.RiskMedium,
		Enabled:      true,
	}
}

var (
	fileWrite = policy.ToolCall{Name: "file_write", Input: map[string]any{"path": "notes.txt"}}
	session1  = policy.PlatformContext{Platform: "slack", UserID: "u1", SessionID: "s1", ChannelID: "c1"}
	session2  = policy.PlatformContext{Platform: "slack", UserID: "u1", SessionID: "s2", ChannelID: "c1"}
)

func (f *fixture) approveNext(t *testing.T) string {
	t.Helper()

	var id string
	require.Eventually(t, func() bool {
		pending := f.coordinator.Pending(context.Background())
		if len(pending) != 1 {
			return false
		}
		id = pending[0].ID
		return true
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, f.engine.HandlePlatformResponse(context.Background(), "slack", approval.Response{RequestID: id, Approved: true, ResolvedBy: "alice"}))
	return id
}

func TestNoPoliciesAllows(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(), Config{})

	decision, err := f.engine.EvaluateToolCall(context.Background(), policy.ToolCall{Name: "anything"}, session1, "agent")
	require.NoError(t, err)
	assert.Equal(t, policy.ActionAllow, decision.Action)
	assert.Nil(t, decision.MatchedPolicy)
	assert.Equal(t, policy.ReasonNoMatch, decision.Reason)
}

func TestDefaultActionDeny(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(), Config{DefaultAction: policy.ActionDeny})

	decision, err := f.engine.EvaluateToolCall(context.Background(), policy.ToolCall{Name: "anything"}, session1, "agent")
	require.NoError(t, err)
	assert.Equal(t, policy.ActionDeny, decision.Action)
	assert.Equal(t, policy.ReasonNoMatch, decision.Reason)
}

func TestDisabledPolicyIgnored(t *testing.T) {
	disabled := filePolicy(policy.ActionDeny, policy.GranularityPerCall)
	disabled.Enabled = false
	f := newFixture(t, store.NewMemoryStore(disabled), Config{})

	decision, err := f.engine.EvaluateToolCall(context.Background(), fileWrite, session1, "agent")
	require.NoError(t, err)
	assert.Equal(t, policy.ActionAllow, decision.Action)
	assert.Nil(t, decision.MatchedPolicy)
}

func TestFirstMatchWins(t *testing.T) {
	deny := filePolicy(policy.ActionDeny, policy.GranularityPerCall)
	allowAll := policy.Policy{ID: "everything", ToolPatterns: []string{"*"}, Action: policy.ActionAllow, Enabled: true}
	f := newFixture(t, store.NewMemoryStore(deny, allowAll), Config{})

	decision, err := f.engine.EvaluateToolCall(context.Background(), fileWrite, session1, "agent")
	require.NoError(t, err)
	assert.Equal(t, policy.ActionDeny, decision.Action)
	assert.Equal(t, "files", decision.PolicyID())
	assert.Equal(t, policy.ReasonPolicyDeny, decision.Reason)

	decision, err = f.engine.EvaluateToolCall(context.Background(), policy.ToolCall{Name: "web_search"}, session1, "agent")
	require.NoError(t, err)
	assert.Equal(t, policy.ActionAllow, decision.Action)
	assert.Equal(t, "everything", decision.PolicyID())
	assert.Equal(t, policy.ReasonPolicyAllow, decision.Reason)
}

func TestSessionGrantFlow(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(filePolicy(policy.ActionAsk, policy.GranularityPerSession)), Config{})
	ctx := context.Background()

	decision, err := f.engine.EvaluateToolCall(ctx, fileWrite, session1, "agent")
	require.NoError(t, err)
	assert.Equal(t, policy.ActionAsk, decision.Action)
	assert.Equal(t, policy.ReasonPolicyAsk, decision.Reason)

	done := make(chan approval.Result, 1)
	go func() {
		res, _ := f.engine.RequestApproval(ctx, fileWrite, session1, "agent", *decision.MatchedPolicy)
		done <- res
	}()
	f.approveNext(t)

	select {
	case res := <-done:
		assert.True(t, res.Approved())
	case <-time.After(2 * time.Second):
		t.Fatal("approval did not resolve")
	}

	decision, err = f.engine.EvaluateToolCall(ctx, fileWrite, session1, "agent")
	require.NoError(t, err)
	assert.Equal(t, policy.ActionAllow, decision.Action)
	assert.Equal(t, policy.ReasonSessionGrant, decision.Reason)

	decision, err = f.engine.EvaluateToolCall(ctx, fileWrite, session2, "agent")
	require.NoError(t, err)
	assert.Equal(t, policy.ActionAsk, decision.Action)
}

func TestPerCallAlwaysAsks(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(filePolicy(policy.ActionAsk, policy.GranularityPerCall)), Config{})
	ctx := context.Background()

	done := make(chan Authorization, 1)
	go func() {
		auth, _ := f.engine.Authorize(ctx, fileWrite, session1, "agent")
		done <- auth
	}()
	f.approveNext(t)

	auth := <-done
	assert.True(t, auth.Allowed)
	require.NotNil(t, auth.Approval)

	decision, err := f.engine.EvaluateToolCall(ctx, fileWrite, session1, "agent")
	require.NoError(t, err)
	assert.Equal(t, policy.ActionAsk, decision.Action)
}

func TestExpiredGrantAsksAgain(t *testing.T) {
	st := store.NewMemoryStore(filePolicy(policy.ActionAsk, policy.GranularityPerSession))
	f := newFixture(t, st, Config{})
	ctx := context.Background()

	expires := time.Now().Add(time.Hour)
	require.NoError(t, st.SaveGrant(ctx, store.Grant{
		SessionID: "s1",
		PolicyID:  "files",
		Status:    store.GrantApproved,
		ExpiresAt: &expires,
	}))

	decision, err := f.engine.EvaluateToolCall(ctx, fileWrite, session1, "agent")
	require.NoError(t, err)
	assert.Equal(t, policy.ReasonSessionGrant, decision.Reason)

	f.engine.now = func() time.Time { return expires.Add(time.Second) }

	decision, err = f.engine.EvaluateToolCall(ctx, fileWrite, session1, "agent")
	require.NoError(t, err)
	assert.Equal(t, policy.ActionAsk, decision.Action)
}

func TestGrantLookupFailureAsks(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore(filePolicy(policy.ActionAsk, policy.GranularityPerSession)), failGrants: true}
	f := newFixture(t, st, Config{})

	decision, err := f.engine.EvaluateToolCall(context.Background(), fileWrite, session1, "agent")
	require.NoError(t, err)
	assert.Equal(t, policy.ActionAsk, decision.Action)
}

func TestStoreErrorDenies(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore(), failPolicies: true}
	f := newFixture(t, st, Config{})

	decision, err := f.engine.EvaluateToolCall(context.Background(), fileWrite, session1, "agent")
	require.Error(t, err)
	assert.Equal(t, policy.ActionDeny, decision.Action)
	assert.Equal(t, policy.ReasonStoreError, decision.Reason)

	auth, err := f.engine.Authorize(context.Background(), fileWrite, session1, "agent")
	require.Error(t, err)
	assert.False(t, auth.Allowed)
}

func TestEvaluationIsAudited(t *testing.T) {
	st := store.NewMemoryStore(filePolicy(policy.ActionDeny, policy.GranularityPerCall))
	f := newFixture(t, st, Config{})
	ctx := context.Background()

	_, err := f.engine.EvaluateToolCall(ctx, fileWrite, session1, "agent-9")
	require.NoError(t, err)
	_, err = f.engine.EvaluateToolCall(ctx, policy.ToolCall{Name: "web_search"}, session2, "agent-9")
	require.NoError(t, err)

	entries, err := f.engine.Audit(ctx, store.AuditFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.KindEvaluation, entries[0].Kind)
	assert.Equal(t, "files", entries[0].PolicyID)
	assert.Equal(t, "deny", entries[0].Outcome)
	assert.Equal(t, "agent-9", entries[0].AgentID)
	assert.Equal(t, "slack", entries[0].Platform)

	entries, err = f.engine.Audit(ctx, store.AuditFilter{SessionID: "s2"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, policy.NoPolicy, entries[0].PolicyID)
}

func TestRequestApprovalWithoutAdapter(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(filePolicy(policy.ActionAsk, policy.GranularityPerSession)), Config{})
	whatsapp := policy.PlatformContext{Platform: "whatsapp", SessionID: "s1"}

	auth, err := f.engine.Authorize(context.Background(), fileWrite, whatsapp, "agent")
	require.NoError(t, err)
	assert.False(t, auth.Allowed)
	require.NotNil(t, auth.Approval)
	assert.Equal(t, approval.ReasonNoAdapter, auth.Approval.Reason)
	assert.Equal(t, 0, f.slack.callCount())
}

func TestHandleCallback(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(filePolicy(policy.ActionAsk, policy.GranularityPerCall)), Config{})
	ctx := context.Background()

	_, _, err := f.engine.HandleCallback(ctx, "teams", []byte("x"), "valid")
	assert.ErrorIs(t, err, ErrUnknownPlatform)

	_, _, err = f.engine.HandleCallback(ctx, "slack", nil, "valid")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCallbackDenied)

	done := make(chan approval.Result, 1)
	go func() {
		res, _ := f.engine.RequestApproval(ctx, fileWrite, session1, "agent", filePolicy(policy.ActionAsk, policy.GranularityPerCall))
		done <- res
	}()

	var id string
	require.Eventually(t, func() bool {
		pending := f.coordinator.Pending(ctx)
		if len(pending) == 1 {
			id = pending[0].ID
		}
		return id != ""
	}, 2*time.Second, 5*time.Millisecond)

	_, resolved, err := f.engine.HandleCallback(ctx, "slack", []byte(id), "forged")
	assert.ErrorIs(t, err, ErrCallbackDenied)
	assert.False(t, resolved)

	_, resolved, err = f.engine.HandleCallback(ctx, "web", []byte(id), "valid")
	assert.ErrorIs(t, err, ErrCallbackDenied)
	assert.False(t, resolved)

	resp, resolved, err := f.engine.HandleCallback(ctx, "slack", []byte(id), "valid")
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.Equal(t, "callback", resp.ResolvedBy)

	_, resolved, err = f.engine.HandleCallback(ctx, "slack", []byte(id), "valid")
	require.NoError(t, err)
	assert.False(t, resolved)

	res := <-done
	assert.True(t, res.Approved())
	assert.Equal(t, "callback", res.ResolvedBy)
}

func TestPolicyLookup(t *testing.T) {
	disabled := filePolicy(policy.ActionDeny, policy.GranularityPerCall)
	disabled.Enabled = false
	f := newFixture(t, store.NewMemoryStore(disabled), Config{})

	p, err := f.engine.Policy(context.Background(), "files")
	require.NoError(t, err)
	assert.Equal(t, "files", p.ID)

	_, err = f.engine.Policy(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}
