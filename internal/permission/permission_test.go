package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kestrelrelay/relayd/internal/policy"
	"github.com/kestrelrelay/relayd/internal/protocol"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recordingPublisher) Publish(e protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPublisher) has(t protocol.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

func TestRequestAutoAllowedDoesNotSurface(t *testing.T) {
	pub := &recordingPublisher{}
	b := New(policy.NewAutoAllow(nil), pub)
	req := b.Request("Read", "some/file.go")
	if req.Decision != Allow {
		t.Fatalf("Decision = %s, want allow", req.Decision)
	}
	if pub.has(protocol.EventPermissionPosted) || pub.has(protocol.EventPromptPosted) {
		t.Fatal("auto-allowed request must not surface a Prompt/PermissionPosted event")
	}
}

func TestRequestNonAutoAllowedPublishesAndStaysPending(t *testing.T) {
	pub := &recordingPublisher{}
	b := New(policy.NewAutoAllow(nil), pub)
	req := b.Request("Bash", "rm -rf /tmp/x")
	if req.Decision != Pending {
		t.Fatalf("Decision = %s, want pending", req.Decision)
	}
	if !pub.has(protocol.EventPermissionPosted) || !pub.has(protocol.EventPromptPosted) {
		t.Fatal("expected PermissionPosted and PromptPosted to be published")
	}
}

func TestRespondResolvesAndStatusReflects(t *testing.T) {
	pub := &recordingPublisher{}
	b := New(policy.NewAutoAllow(nil), pub)
	req := b.Request("Bash", "rm -rf /tmp/x")

	if err := b.Respond(req.ID, Allow, ""); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.Status(ctx, req.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Decision != Allow {
		t.Fatalf("Decision = %s, want allow", got.Decision)
	}
	if !pub.has(protocol.EventPermissionResolve) {
		t.Fatal("expected PermissionResolved to be published")
	}
}

func TestRespondTwiceIsAlreadyResolved(t *testing.T) {
	b := New(policy.NewAutoAllow(nil), nil)
	req := b.Request("Bash", "ls")
	if err := b.Respond(req.ID, Allow, ""); err != nil {
		t.Fatalf("first Respond() error = %v", err)
	}
	if err := b.Respond(req.ID, Deny, ""); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second Respond() error = %v, want ErrAlreadyResolved", err)
	}
}

func TestRespondUnknownIDIsNotFound(t *testing.T) {
	b := New(policy.NewAutoAllow(nil), nil)
	if err := b.Respond("nope", Allow, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Respond() error = %v, want ErrNotFound", err)
	}
}

func TestStatusBlocksUntilResolved(t *testing.T) {
	b := New(policy.NewAutoAllow(nil), nil)
	req := b.Request("Bash", "ls")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Respond(req.ID, Deny, "operator denied")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	got, err := b.Status(ctx, req.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Decision != Deny {
		t.Fatalf("Decision = %s, want deny", got.Decision)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Status() took too long to return after resolution")
	}
}

func TestRequestTimesOutAsDeny(t *testing.T) {
	b := New(policy.NewAutoAllow(nil), nil).WithTimeout(30 * time.Millisecond)
	req := b.Request("Bash", "ls")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := b.Status(ctx, req.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Decision != Deny || got.Reason != "timeout" {
		t.Fatalf("got %+v, want deny/timeout", got)
	}
}

func TestResolveAllPendingDeniesWithReason(t *testing.T) {
	pub := &recordingPublisher{}
	b := New(policy.NewAutoAllow(nil), pub)
	req1 := b.Request("Bash", "ls")
	req2 := b.Request("Bash", "pwd")

	b.ResolveAllPending("agent terminated")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got1, _ := b.Status(ctx, req1.ID)
	got2, _ := b.Status(ctx, req2.ID)
	if got1.Decision != Deny || got1.Reason != "agent terminated" {
		t.Fatalf("got1 = %+v", got1)
	}
	if got2.Decision != Deny || got2.Reason != "agent terminated" {
		t.Fatalf("got2 = %+v", got2)
	}
}

func TestStatusUnknownIDIsNotFound(t *testing.T) {
	b := New(policy.NewAutoAllow(nil), nil)
	if _, err := b.Status(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Status() error = %v, want ErrNotFound", err)
	}
}
