package server

import (
	"context"
	"errors"

	"github.com/orient-bot/policy-sidecar/internal/adapter"
	"github.com/orient-bot/policy-sidecar/internal/approval"
)

// DashboardPlatform is the platform id of requests raised from the web dashboard.
const DashboardPlatform = "web"

var errDashboardCallback = errors.New("dashboard answers arrive through the approve and deny endpoints")

// DashboardAdapter delivers approval prompts to connected dashboard clients.
// Answers come back through the approve and deny endpoints.
type DashboardAdapter struct {
	hub *Hub
}

func NewDashboardAdapter(hub *Hub) *DashboardAdapter {
	return &DashboardAdapter{hub: hub}
}

func (d *DashboardAdapter) Platform() string {
	return DashboardPlatform
}

func (d *DashboardAdapter) SupportsNativeApproval() bool {
	return true
}

func (d *DashboardAdapter) SupportedInteractionTypes() []string {
	return []string{"buttons"}
}

func (d *DashboardAdapter) RequestApproval(ctx context.Context, req approval.Request) (approval.Ack, error) {
	d.hub.Publish(WSMessage{
		Type:      MessageRequest,
		RequestID: req.ID,
		Status:    string(req.Status),
		Text:      d.FormatApprovalPrompt(req),
		Data:      req,
	})
	return approval.Ack{RequestID: req.ID}, nil
}

// HandleApprovalResponse refuses payloads: dashboard answers need an
// authenticated approver and arrive through the approve and deny endpoints.
func (d *DashboardAdapter) HandleApprovalResponse(ctx context.Context, payload []byte) (approval.Response, error) {
	return approval.Response{}, errDashboardCallback
}

func (d *DashboardAdapter) CancelRequest(ctx context.Context, requestID string) error {
	d.hub.Publish(WSMessage{Type: MessageCancelled, RequestID: requestID})
	return nil
}

func (d *DashboardAdapter) FormatApprovalPrompt(req approval.Request) string {
	return adapter.FormatPrompt(req)
}

func (d *DashboardAdapter) FormatApprovalResult(res approval.Result) string {
	return adapter.FormatResult(res)
}
