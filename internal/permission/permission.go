// Package permission implements the Permission Broker (C6): the
// request/respond/status rendezvous used by a sidecar hook process to ask
// an operator for authorisation before a sensitive tool call proceeds.
package permission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelrelay/relayd/internal/aggregator"
	"github.com/kestrelrelay/relayd/internal/observability"
	"github.com/kestrelrelay/relayd/internal/policy"
	"github.com/kestrelrelay/relayd/internal/protocol"
)

// Decision is the outcome of a PermissionRequest.
type Decision string

const (
	Pending Decision = "pending"
	Allow   Decision = "allow"
	Deny    Decision = "deny"
)

// Request is a PermissionRequest as exposed to callers.
type Request struct {
	ID           string
	ToolName     string
	InputSummary string
	Decision     Decision
	Reason       string
	CreatedAt    time.Time
	ResolvedAt   time.Time
}

var (
	// ErrNotFound covers both "never existed" and "past its idempotency
	// retention window".
	ErrNotFound = errors.New("permission request not found")
	// ErrAlreadyResolved is returned by Respond on a request whose
	// decision is no longer pending.
	ErrAlreadyResolved = errors.New("permission request already resolved")
)

const (
	defaultTimeout    = 5 * time.Minute
	idempotencyWindow = 60 * time.Second
	maxStatusPoll     = 30 * time.Second
)

// Publisher is satisfied by *eventbus.Bus.
type Publisher interface {
	Publish(protocol.Event)
}

type entry struct {
	req   Request
	done  chan struct{}
	timer *time.Timer
}

// Broker is the Permission Broker.
type Broker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	autoAllow *policy.AutoAllow
	publish   Publisher
	timeout   time.Duration
	agg       *aggregator.Aggregator
	metrics   *observability.Metrics
}

func New(autoAllow *policy.AutoAllow, publish Publisher) *Broker {
	return &Broker{
		entries:   make(map[string]*entry),
		autoAllow: autoAllow,
		publish:   publish,
		timeout:   defaultTimeout,
	}
}

// WithTimeout overrides the per-tool pending timeout (default 5 minutes).
func (b *Broker) WithTimeout(d time.Duration) *Broker {
	b.timeout = d
	return b
}

// WithAggregator routes permission Prompts through the State Aggregator the
// same way agent Prompts are, so a pending permission question survives in
// Snapshot()/GET /api/chat and a reconnecting client's HistorySnapshot, and
// the "at most one active Prompt" invariant holds across both prompt kinds.
func (b *Broker) WithAggregator(agg *aggregator.Aggregator) *Broker {
	b.agg = agg
	return b
}

// WithMetrics attaches the instrument permission wait time is recorded
// against.
func (b *Broker) WithMetrics(m *observability.Metrics) *Broker {
	b.metrics = m
	return b
}

// Request creates a PermissionRequest for a tool call. Auto-allowed tools
// resolve immediately without surfacing a Prompt to the operator: no
// PermissionPosted/PromptPosted event is published and the returned
// Request is already decided.
func (b *Broker) Request(toolName, inputSummary string) Request {
	redacted, _ := policy.RedactPII(inputSummary)

	if b.autoAllow.Allows(toolName, inputSummary) {
		return Request{
			ID:           uuid.NewString(),
			ToolName:     toolName,
			InputSummary: redacted,
			Decision:     Allow,
			CreatedAt:    time.Now(),
			ResolvedAt:   time.Now(),
		}
	}

	req := Request{
		ID:           uuid.NewString(),
		ToolName:     toolName,
		InputSummary: redacted,
		Decision:     Pending,
		CreatedAt:    time.Now(),
	}

	e := &entry{req: req, done: make(chan struct{})}

	b.mu.Lock()
	b.entries[req.ID] = e
	e.timer = time.AfterFunc(b.timeout, func() { b.resolve(req.ID, Deny, "timeout") })
	b.mu.Unlock()

	prompt := protocol.Prompt{
		ID:                  req.ID,
		Kind:                "permission",
		Question:            req.ToolName + ": " + req.InputSummary,
		PermissionRequestID: req.ID,
	}

	if b.agg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = b.agg.SetPrompt(ctx, prompt)
		cancel()
	}

	if b.publish != nil {
		b.publish.Publish(protocol.Event{
			Type: protocol.EventPermissionPosted,
			ID:   req.ID,
		})
		b.publish.Publish(protocol.Event{
			Type:   protocol.EventPromptPosted,
			Prompt: &prompt,
		})
	}
	return req
}

// Respond resolves a pending request with an operator decision. Resolving
// an already-resolved request returns ErrAlreadyResolved; resolving an
// unknown id returns ErrNotFound.
func (b *Broker) Respond(id string, decision Decision, reason string) error {
	b.mu.Lock()
	_, ok := b.entries[id]
	b.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if decision != Allow && decision != Deny {
		return errors.New("decision must be allow or deny")
	}
	if !b.resolve(id, decision, reason) {
		return ErrAlreadyResolved
	}
	return nil
}

// resolve flips a pending entry's decision. Returns false if the entry was
// already resolved (timer race with an explicit Respond, or double
// Respond).
func (b *Broker) resolve(id string, decision Decision, reason string) bool {
	b.mu.Lock()
	e, ok := b.entries[id]
	if !ok || e.req.Decision != Pending {
		b.mu.Unlock()
		return false
	}
	e.req.Decision = decision
	e.req.Reason = reason
	e.req.ResolvedAt = time.Now()
	if e.timer != nil {
		e.timer.Stop()
	}
	close(e.done)
	b.mu.Unlock()

	if b.agg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = b.agg.ClearPrompt(ctx, id)
		cancel()
	}

	if b.metrics != nil {
		b.metrics.ObservePermissionWait(e.req.ResolvedAt.Sub(e.req.CreatedAt))
	}

	if b.publish != nil {
		b.publish.Publish(protocol.Event{
			Type:     protocol.EventPermissionResolve,
			ID:       id,
			Decision: string(decision),
			Reason:   reason,
		})
	}

	time.AfterFunc(idempotencyWindow, func() {
		b.mu.Lock()
		delete(b.entries, id)
		b.mu.Unlock()
	})
	return true
}

// Status returns the current state of a request, long-polling up to 30 s
// while it remains pending so a sidecar hook doesn't have to busy-loop.
func (b *Broker) Status(ctx context.Context, id string) (Request, error) {
	b.mu.Lock()
	e, ok := b.entries[id]
	if !ok {
		b.mu.Unlock()
		return Request{}, ErrNotFound
	}
	if e.req.Decision != Pending {
		req := e.req
		b.mu.Unlock()
		return req, nil
	}
	b.mu.Unlock()

	timer := time.NewTimer(maxStatusPoll)
	defer timer.Stop()
	select {
	case <-e.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// Re-read: the entry pointer is stable even across resolution (only
	// deleted from the map after the idempotency window).
	return e.req, nil
}

// ResolveAllPending denies every currently-pending request with the given
// reason, for agent-termination and restart handling.
func (b *Broker) ResolveAllPending(reason string) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.entries))
	for id, e := range b.entries {
		if e.req.Decision == Pending {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.resolve(id, Deny, reason)
	}
}
