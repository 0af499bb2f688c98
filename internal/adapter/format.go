package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orient-bot/policy-sidecar/internal/approval"
)

// FormatPrompt renders a plain-text approval prompt usable on any platform.
func FormatPrompt(req approval.Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Approval needed: %s", req.Tool.Name)
	if req.AgentID != "" {
		fmt.Fprintf(&b, " (agent %s)", req.AgentID)
	}
	b.WriteString("\n")

	name := req.Policy.Name
	if name == "" {
		name = req.Policy.ID
	}
	fmt.Fprintf(&b, "Policy: %s, risk %s\n", name, req.Policy.RiskLevel)
	if req.Policy.PerSession() {
		b.WriteString("Approving allows this for the rest of the session.\n")
	}

	if len(req.Tool.Input) > 0 {
		if input, err := json.Marshal(req.Tool.Input); err == nil {
			fmt.Fprintf(&b, "Input: %s\n", input)
		}
	}

	if !req.ExpiresAt.IsZero() {
		fmt.Fprintf(&b, "Expires at %s", req.ExpiresAt.UTC().Format("15:04:05 MST"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatResult renders the outcome of a request for display back to the user.
func FormatResult(res approval.Result) string {
	switch res.Status {
	case approval.ResultApproved:
		if res.ResolvedBy != "" {
			return fmt.Sprintf("Approved by %s", res.ResolvedBy)
		}
		return "Approved"
	case approval.ResultDenied:
		if res.Reason == approval.ReasonExplicitDenial {
			if res.ResolvedBy != "" {
				return fmt.Sprintf("Denied by %s", res.ResolvedBy)
			}
			return "Denied"
		}
		return fmt.Sprintf("Denied (%s)", strings.ReplaceAll(res.Reason, "_", " "))
	default:
		return fmt.Sprintf("Cancelled (%s)", res.Reason)
	}
}
