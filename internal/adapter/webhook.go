package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/orient-bot/policy-sidecar/internal/approval"
	"github.com/orient-bot/policy-sidecar/internal/policy"
)

var ErrMalformedCallback = errors.New("malformed approval callback")

const defaultWebhookTimeout = 10 * time.Second

// WebhookAdapter relays approval prompts to a platform bridge over HTTP. The
// bridge renders buttons natively and posts the human's answer back to the
// sidecar's callback endpoint. Both directions are signed with the shared
// secret.
type WebhookAdapter struct {
	platform string
	url      string
	secret   string
	client   *http.Client
}

func NewWebhookAdapter(platform, url, secret string, timeout time.Duration) *WebhookAdapter {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookAdapter{
		platform: platform,
		url:      url,
		secret:   secret,
		client:   &http.Client{Timeout: timeout},
	}
}

type promptPayload struct {
	Type       string                 `json:"type"`
	RequestID  string                 `json:"request_id"`
	ToolName   string                 `json:"tool_name"`
	Input      map[string]any         `json:"input,omitempty"`
	Context    policy.PlatformContext `json:"context"`
	AgentID    string                 `json:"agent_id,omitempty"`
	PolicyID   string                 `json:"policy_id"`
	PolicyName string                 `json:"policy_name"`
	RiskLevel  policy.RiskLevel       `json:"risk_level"`
	Prompt     string                 `json:"prompt"`
	Actions    []string               `json:"actions"`
	ExpiresAt  time.Time              `json:"expires_at"`
}

type cancelPayload struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

type callbackPayload struct {
	RequestID  string `json:"request_id"`
	Approved   *bool  `json:"approved"`
	Action     string `json:"action"`
	ResolvedBy string `json:"resolved_by"`
	User       string `json:"user"`
}

func (w *WebhookAdapter) Platform() string {
	return w.platform
}

func (w *WebhookAdapter) SupportsNativeApproval() bool {
	return true
}

func (w *WebhookAdapter) SupportedInteractionTypes() []string {
	return []string{"buttons"}
}

func (w *WebhookAdapter) RequestApproval(ctx context.Context, req approval.Request) (approval.Ack, error) {
	payload := promptPayload{
		Type:       "approval_request",
		RequestID:  req.ID,
		ToolName:   req.Tool.Name,
		Input:      req.Tool.Input,
		Context:    req.Context,
		AgentID:    req.AgentID,
		PolicyID:   req.Policy.ID,
		PolicyName: req.Policy.Name,
		RiskLevel:  req.Policy.RiskLevel,
		Prompt:     w.FormatApprovalPrompt(req),
		Actions:    []string{"approve", "deny"},
		ExpiresAt:  req.ExpiresAt,
	}

	body, err := w.post(ctx, payload)
	if err != nil {
		return approval.Ack{}, err
	}

	ack := approval.Ack{RequestID: req.ID}
	if len(bytes.TrimSpace(body)) > 0 {
		var relayed approval.Ack
		if err := json.Unmarshal(body, &relayed); err == nil && relayed.RequestID != "" {
			ack = relayed
		}
	}
	return ack, nil
}

func (w *WebhookAdapter) HandleApprovalResponse(ctx context.Context, payload []byte) (approval.Response, error) {
	var cb callbackPayload
	if err := json.Unmarshal(payload, &cb); err != nil {
		return approval.Response{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	if cb.RequestID == "" {
		return approval.Response{}, fmt.Errorf("%w: missing request_id", ErrMalformedCallback)
	}

	approved, err := cb.approved()
	if err != nil {
		return approval.Response{}, err
	}

	resolvedBy := cb.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = cb.User
	}

	return approval.Response{
		RequestID:  cb.RequestID,
		Approved:   approved,
		ResolvedBy: resolvedBy,
	}, nil
}

// VerifyCallback checks the relay's signature over the raw callback body.
func (w *WebhookAdapter) VerifyCallback(payload []byte, signature string) error {
	return verifySignature(w.secret, payload, signature)
}

func (w *WebhookAdapter) CancelRequest(ctx context.Context, requestID string) error {
	_, err := w.post(ctx, cancelPayload{Type: "approval_cancelled", RequestID: requestID})
	return err
}

func (w *WebhookAdapter) FormatApprovalPrompt(req approval.Request) string {
	return FormatPrompt(req)
}

func (w *WebhookAdapter) FormatApprovalResult(res approval.Result) string {
	return FormatResult(res)
}

func (cb callbackPayload) approved() (bool, error) {
	if cb.Approved != nil {
		return *cb.Approved, nil
	}

	switch strings.ToLower(strings.TrimSpace(cb.Action)) {
	case "approve", "approved", "allow", "yes":
		return true, nil
	case "deny", "denied", "reject", "no":
		return false, nil
	}
	return false, fmt.Errorf("%w: no decision in callback", ErrMalformedCallback)
}

func (w *WebhookAdapter) post(ctx context.Context, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.secret, data))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s relay returned %d", w.platform, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}
