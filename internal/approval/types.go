package approval

import (
	"context"
	"time"

	"github.com/orient-bot/policy-sidecar/internal/policy"
	"github.com/orient-bot/policy-sidecar/internal/store"
)

// Status is the lifecycle state of an in-flight request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResolved  Status = "resolved"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// ResultStatus is the terminal outcome handed back to the caller.
type ResultStatus string

const (
	ResultApproved  ResultStatus = "approved"
	ResultDenied    ResultStatus = "denied"
	ResultCancelled ResultStatus = "cancelled"
)

// Result reasons.
const (
	ReasonApproved       = "approved"
	ReasonExplicitDenial = "explicit_denial"
	ReasonNoAdapter      = "no_adapter"
	ReasonAdapterError   = "adapter_error"
	ReasonTimeout        = "timeout"
	ReasonCancelled      = "cancelled"
	ReasonShutdown       = "shutdown"
)

// Params describes what needs a human decision.
type Params struct {
	Tool    policy.ToolCall        `json:"tool"`
	Context policy.PlatformContext `json:"context"`
	AgentID string                 `json:"agent_id"`
	Policy  policy.Policy          `json:"policy"`
}

// Request is an in-flight confirmation handshake. ID is the correlation key.
type Request struct {
	ID        string                 `json:"id"`
	Tool      policy.ToolCall        `json:"tool"`
	Context   policy.PlatformContext `json:"context"`
	AgentID   string                 `json:"agent_id"`
	Policy    policy.Policy          `json:"policy"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	Status    Status                 `json:"status"`
}

type Result struct {
	RequestID  string       `json:"request_id,omitempty"`
	Status     ResultStatus `json:"status"`
	Reason     string       `json:"reason"`
	PolicyID   string       `json:"policy_id"`
	ResolvedBy string       `json:"resolved_by,omitempty"`
	ResolvedAt time.Time    `json:"resolved_at"`
}

func (r Result) Approved() bool {
	return r.Status == ResultApproved
}

// Response is a human's answer as reported by a platform.
type Response struct {
	RequestID  string `json:"request_id"`
	Approved   bool   `json:"approved"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// Ack is returned by an adapter once a prompt is delivered. Its RequestID is
// informational; correlation always uses the coordinator's own id.
type Ack struct {
	RequestID string `json:"request_id"`
}

// Adapter is the capability a messaging platform exposes for approvals.
type Adapter interface {
	Platform() string
	SupportsNativeApproval() bool
	SupportedInteractionTypes() []string
	// RequestApproval delivers a human-visible prompt. The answer arrives
	// later through Coordinator.HandlePlatformResponse.
	RequestApproval(ctx context.Context, req Request) (Ack, error)
	// HandleApprovalResponse turns a platform-native callback payload into
	// a Response.
	HandleApprovalResponse(ctx context.Context, payload []byte) (Response, error)
	CancelRequest(ctx context.Context, requestID string) error
	FormatApprovalPrompt(req Request) string
	FormatApprovalResult(res Result) string
}

// CallbackVerifier is implemented by adapters that accept answers through the
// unauthenticated platform callback. Adapters without it only resolve through
// the approver endpoints.
type CallbackVerifier interface {
	VerifyCallback(payload []byte, signature string) error
}

// Adapters looks up the adapter registered for a platform.
type Adapters interface {
	Get(platform string) (Adapter, bool)
}

// Recorder is the slice of the permission store the coordinator writes to.
type Recorder interface {
	SaveGrant(ctx context.Context, grant store.Grant) error
	AppendAudit(ctx context.Context, entry store.AuditEntry) error
}
