package policy

// Action is the verdict a policy assigns to a matching tool call.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Granularity is the scope an approval is cached at once granted.
type Granularity string

const (
	GranularityPerCall    Granularity = "per_call"
	GranularityPerSession Granularity = "per_session"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Decision reasons.
const (
	ReasonNoMatch      = "no_match"
	ReasonPolicyAllow  = "policy_allow"
	ReasonPolicyDeny   = "policy_deny"
	ReasonPolicyAsk    = "policy_ask"
	ReasonSessionGrant = "session_grant"
	ReasonStoreError   = "store_error"
)

// NoPolicy is recorded in the audit trail when no policy matched.
const NoPolicy = "none"

// ToolCall is an action an agent wants to perform.
type ToolCall struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// PlatformContext identifies the conversation a tool call originates from.
type PlatformContext struct {
	Platform  string `json:"platform"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	ChannelID string `json:"channel_id,omitempty"`
}

// Policy maps tool name patterns to an action.
type Policy struct {
	ID           string      `json:"id" yaml:"id"`
	Name         string      `json:"name" yaml:"name"`
	Description  string      `json:"description,omitempty" yaml:"description,omitempty"`
	ToolPatterns []string    `json:"tool_patterns" yaml:"tool_patterns"`
	Action       Action      `json:"action" yaml:"action"`
	Granularity  Granularity `json:"granularity" yaml:"granularity"`
	RiskLevel    RiskLevel   `json:"risk_level" yaml:"risk_level"`
	Enabled      bool        `json:"enabled" yaml:"enabled"`
}

// Matches reports whether any of the policy's patterns matches toolName.
func (p Policy) Matches(toolName string) bool {
	return MatchAny(p.ToolPatterns, toolName)
}

// PerSession reports whether approvals of this policy are cached for the session.
func (p Policy) PerSession() bool {
	return p.Granularity == GranularityPerSession
}

// Decision is the outcome of evaluating a tool call. MatchedPolicy is nil
// when no policy applied.
type Decision struct {
	Action        Action  `json:"action"`
	MatchedPolicy *Policy `json:"matched_policy"`
	Reason        string  `json:"reason"`
}

// PolicyID returns the matched policy id or NoPolicy.
func (d Decision) PolicyID() string {
	if d.MatchedPolicy == nil {
		return NoPolicy
	}
	return d.MatchedPolicy.ID
}
