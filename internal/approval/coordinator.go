package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/orient-bot/policy-sidecar/internal/policy"
	"github.com/orient-bot/policy-sidecar/internal/store"
	"github.com/rs/zerolog/log"
)

var ErrRequestNotFound = errors.New("approval request not found")

const (
	DefaultTimeout       = 5 * time.Minute
	defaultCancelTimeout = 5 * time.Second
	defaultGrantRetries  = 3
	defaultRetryInterval = 100 * time.Millisecond
)

type Config struct {
	// Timeout bounds how long a request waits for a human.
	Timeout time.Duration
	// GrantTTL expires session grants; zero means they never expire.
	GrantTTL time.Duration
	// CancelTimeout bounds the best-effort adapter cancel notice.
	CancelTimeout time.Duration
	GrantRetries  uint64
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = defaultCancelTimeout
	}
	if c.GrantRetries == 0 {
		c.GrantRetries = defaultGrantRetries
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	return c
}

// pendingRequest is shared between the waiting caller and whoever resolves
// it, so req is read-only once the entry is in the pending table.
type pendingRequest struct {
	req      Request
	adapter  Adapter
	resultCh chan Result
}

// Coordinator tracks in-flight approval requests and correlates late
// platform responses with the goroutine waiting on them. Removal from the
// pending table decides who resolves a request, so each request resolves
// exactly once whichever of response, timeout or cancellation comes first.
type Coordinator struct {
	mu       sync.Mutex
	pending  map[string]*pendingRequest
	closed   bool
	adapters Adapters
	recorder Recorder
	cfg      Config
	notifyCh chan struct{}
	now      func() time.Time
}

func NewCoordinator(adapters Adapters, recorder Recorder, cfg Config) *Coordinator {
	return &Coordinator{
		pending:  make(map[string]*pendingRequest),
		adapters: adapters,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		notifyCh: make(chan struct{}, 100),
		now:      time.Now,
	}
}

// RequestApproval asks a human through the platform adapter and blocks until
// the request is answered, times out or ctx is done. Every failure resolves
// to a non-approved Result.
func (c *Coordinator) RequestApproval(ctx context.Context, p Params) (Result, error) {
	adapter, ok := c.adapters.Get(p.Context.Platform)
	if !ok {
		log.Warn().Str("platform", p.Context.Platform).Str("policy", p.Policy.ID).Msg("no approval adapter registered, denying")
		result := c.terminal(p.Policy.ID, "", ResultDenied, ReasonNoAdapter)
		c.audit(Request{Tool: p.Tool, Context: p.Context, AgentID: p.AgentID, Policy: p.Policy}, result)
		return result, nil
	}

	now := c.now()
	pr := &pendingRequest{
		req: Request{
			ID:        uuid.NewString(),
			Tool:      p.Tool,
			Context:   p.Context,
			AgentID:   p.AgentID,
			Policy:    p.Policy,
			CreatedAt: now,
			ExpiresAt: now.Add(c.cfg.Timeout),
			Status:    StatusPending,
		},
		adapter:  adapter,
		resultCh: make(chan Result, 1),
	}

	if !c.addPending(pr) {
		return c.terminal(p.Policy.ID, pr.req.ID, ResultCancelled, ReasonShutdown), nil
	}
	c.notifyWatchers()

	log.Info().
		Str("id", pr.req.ID).
		Str("tool", p.Tool.Name).
		Str("policy", p.Policy.ID).
		Str("platform", p.Context.Platform).
		Msg("approval request enqueued")

	deliverCtx, cancelDeliver := context.WithDeadline(ctx, pr.req.ExpiresAt)
	ack, err := adapter.RequestApproval(deliverCtx, pr.req)
	cancelDeliver()
	if err != nil {
		log.Error().Err(err).Str("id", pr.req.ID).Str("platform", p.Context.Platform).Msg("adapter failed to deliver approval request")
		if c.take(pr.req.ID) == nil {
			return <-pr.resultCh, nil
		}
		result := c.terminal(p.Policy.ID, pr.req.ID, ResultDenied, ReasonAdapterError)
		c.audit(pr.req, result)
		return result, nil
	}

	if ack.RequestID != "" && ack.RequestID != pr.req.ID {
		log.Debug().Str("id", pr.req.ID).Str("adapter_id", ack.RequestID).Msg("adapter issued its own request id")
	}

	return c.waitForResult(ctx, pr), nil
}

// HandlePlatformResponse delivers a human's answer. Unknown, late or
// duplicate responses are ignored. It reports whether this call resolved a
// pending request.
func (c *Coordinator) HandlePlatformResponse(ctx context.Context, platform string, resp Response) bool {
	c.mu.Lock()
	pr, ok := c.pending[resp.RequestID]
	if !ok {
		c.mu.Unlock()
		log.Debug().Str("id", resp.RequestID).Str("platform", platform).Msg("ignoring response for unknown or resolved request")
		return false
	}
	if pr.req.Context.Platform != platform {
		c.mu.Unlock()
		log.Warn().
			Str("id", resp.RequestID).
			Str("platform", platform).
			Str("expected", pr.req.Context.Platform).
			Msg("ignoring response from wrong platform")
		return false
	}
	delete(c.pending, resp.RequestID)
	c.mu.Unlock()
	c.notifyWatchers()

	req := pr.req
	req.Status = StatusResolved
	result := Result{
		RequestID:  req.ID,
		Status:     ResultDenied,
		Reason:     ReasonExplicitDenial,
		PolicyID:   req.Policy.ID,
		ResolvedBy: resp.ResolvedBy,
		ResolvedAt: c.now(),
	}
	if resp.Approved {
		result.Status = ResultApproved
		result.Reason = ReasonApproved
	}

	if result.Approved() && req.Policy.PerSession() {
		c.persistGrant(ctx, req, result)
	}

	c.audit(req, result)
	pr.resultCh <- result

	log.Info().
		Str("id", req.ID).
		Bool("approved", resp.Approved).
		Str("resolved_by", resp.ResolvedBy).
		Msg("approval decision made")

	return true
}

// Cancel resolves a pending request as cancelled on behalf of its caller.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	pr := c.take(id)
	if pr == nil {
		return ErrRequestNotFound
	}

	req := pr.req
	req.Status = StatusCancelled
	result := c.terminal(req.Policy.ID, id, ResultCancelled, ReasonCancelled)
	c.cancelWithAdapter(pr)
	c.audit(req, result)
	pr.resultCh <- result

	log.Info().Str("id", id).Msg("approval request cancelled")
	return nil
}

// Pending returns a snapshot of in-flight requests, oldest first.
func (c *Coordinator) Pending(ctx context.Context) []Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make([]Request, 0, len(c.pending))
	for _, pr := range c.pending {
		pending = append(pending, pr.req)
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending
}

// Lookup returns the pending request with the given id.
func (c *Coordinator) Lookup(id string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pr, ok := c.pending[id]
	if !ok {
		return Request{}, false
	}
	return pr.req, true
}

// NotifyChannel signals whenever the pending set changes.
func (c *Coordinator) NotifyChannel() <-chan struct{} {
	return c.notifyCh
}

// Close resolves every pending request as cancelled and refuses new ones.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	drained := make([]*pendingRequest, 0, len(c.pending))
	for id, pr := range c.pending {
		delete(c.pending, id)
		drained = append(drained, pr)
	}
	c.mu.Unlock()

	for _, pr := range drained {
		req := pr.req
		req.Status = StatusCancelled
		result := c.terminal(req.Policy.ID, req.ID, ResultCancelled, ReasonShutdown)
		c.cancelWithAdapter(pr)
		c.audit(req, result)
		pr.resultCh <- result
	}

	if len(drained) > 0 {
		log.Info().Int("count", len(drained)).Msg("cancelled pending approvals on shutdown")
	}
	return nil
}

func (c *Coordinator) addPending(pr *pendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.pending[pr.req.ID] = pr
	return true
}

// take removes id from the pending table. The caller that gets a non-nil
// result owns the resolution of that request.
func (c *Coordinator) take(id string) *pendingRequest {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		c.notifyWatchers()
		return pr
	}
	return nil
}

func (c *Coordinator) waitForResult(ctx context.Context, pr *pendingRequest) Result {
	timer := time.NewTimer(pr.req.ExpiresAt.Sub(c.now()))
	defer timer.Stop()

	select {
	case result := <-pr.resultCh:
		return result
	case <-timer.C:
		return c.expire(pr, StatusTimedOut)
	case <-ctx.Done():
		return c.expire(pr, StatusCancelled)
	}
}

// expire resolves pr after a timeout or caller cancellation, unless another
// path already took ownership, in which case that path's result is returned.
func (c *Coordinator) expire(pr *pendingRequest, status Status) Result {
	if c.take(pr.req.ID) == nil {
		return <-pr.resultCh
	}

	req := pr.req
	req.Status = status
	result := c.terminal(req.Policy.ID, req.ID, ResultCancelled, ReasonCancelled)
	if status == StatusTimedOut {
		result = c.terminal(req.Policy.ID, req.ID, ResultDenied, ReasonTimeout)
		log.Warn().Str("id", req.ID).Msg("approval request timeout")
	} else {
		log.Info().Str("id", req.ID).Msg("approval request cancelled by caller")
	}

	c.cancelWithAdapter(pr)
	c.audit(req, result)
	return result
}

// cancelWithAdapter notifies the platform without blocking the caller.
func (c *Coordinator) cancelWithAdapter(pr *pendingRequest) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CancelTimeout)
		defer cancel()

		if err := pr.adapter.CancelRequest(ctx, pr.req.ID); err != nil {
			log.Warn().Err(err).Str("id", pr.req.ID).Str("platform", pr.adapter.Platform()).Msg("adapter cancel failed")
		}
	}()
}

// persistGrant writes the session grant, retrying on failure. The approval
// stands even if the grant cannot be stored.
func (c *Coordinator) persistGrant(ctx context.Context, req Request, result Result) {
	grant := store.Grant{
		SessionID:  req.Context.SessionID,
		PolicyID:   req.Policy.ID,
		Status:     store.GrantApproved,
		RequestID:  req.ID,
		ResolvedBy: result.ResolvedBy,
		ResolvedAt: result.ResolvedAt,
	}
	if c.cfg.GrantTTL > 0 {
		expiresAt := result.ResolvedAt.Add(c.cfg.GrantTTL)
		grant.ExpiresAt = &expiresAt
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	retry := backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.GrantRetries), writeCtx)

	err := backoff.Retry(func() error {
		return c.recorder.SaveGrant(writeCtx, grant)
	}, retry)
	if err != nil {
		log.Error().Err(err).
			Str("session", grant.SessionID).
			Str("policy", grant.PolicyID).
			Msg("failed to persist session grant, future calls will ask again")
		return
	}

	log.Debug().Str("session", grant.SessionID).Str("policy", grant.PolicyID).Msg("session grant stored")
}

func (c *Coordinator) audit(req Request, result Result) {
	entry := store.AuditEntry{
		Timestamp: result.ResolvedAt,
		Kind:      store.KindResolution,
		PolicyID:  result.PolicyID,
		ToolName:  req.Tool.Name,
		AgentID:   req.AgentID,
		RequestID: req.ID,
		Outcome:   string(result.Status),
		Reason:    result.Reason,
	}.WithContext(req.Context)

	if entry.PolicyID == "" {
		entry.PolicyID = policy.NoPolicy
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.recorder.AppendAudit(ctx, entry); err != nil {
		log.Warn().Err(err).Str("id", req.ID).Msg("audit logging failed")
	}
}

func (c *Coordinator) terminal(policyID, requestID string, status ResultStatus, reason string) Result {
	return Result{
		RequestID:  requestID,
		Status:     status,
		Reason:     reason,
		PolicyID:   policyID,
		ResolvedAt: c.now(),
	}
}

func (c *Coordinator) notifyWatchers() {
	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
}
