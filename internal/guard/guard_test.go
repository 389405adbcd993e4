package guard

import (
	"errors"
	"testing"
	"time"
)

func TestAdmitFirstSubmissionSucceeds(t *testing.T) {
	g := New(time.Minute)
	if err := g.Admit("hello there"); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
}

func TestAdmitRejectsExactDuplicateWithinCooldown(t *testing.T) {
	g := New(time.Minute)
	if err := g.Admit("hello"); err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}
	g.Release()
	if err := g.Admit("hello"); !errors.Is(err, ErrCooldown) {
		t.Fatalf("second Admit() error = %v, want ErrCooldown", err)
	}
}

func TestAdmitAllowsDifferentTranscriptWithinCooldown(t *testing.T) {
	g := New(time.Minute)
	if err := g.Admit("hello"); err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}
	g.Release()
	if err := g.Admit("goodbye"); err != nil {
		t.Fatalf("second Admit() error = %v, want nil (different transcript)", err)
	}
}

func TestAdmitAllowsDuplicateAfterCooldownExpires(t *testing.T) {
	g := New(20 * time.Millisecond)
	if err := g.Admit("hello"); err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}
	g.Release()
	time.Sleep(40 * time.Millisecond)
	if err := g.Admit("hello"); err != nil {
		t.Fatalf("second Admit() error = %v, want nil (cooldown expired)", err)
	}
}

func TestAdmitRejectsWhileThinking(t *testing.T) {
	g := New(time.Minute)
	if err := g.Admit("hello"); err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}
	if err := g.Admit("a different thing entirely"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Admit() error = %v, want ErrBusy", err)
	}
}

func TestReleaseAllowsNextSubmission(t *testing.T) {
	g := New(time.Minute)
	_ = g.Admit("hello")
	g.Release()
	if err := g.Admit("a new thing"); err != nil {
		t.Fatalf("Admit() after Release error = %v", err)
	}
}

func TestAdmitTrimsWhitespaceForComparison(t *testing.T) {
	g := New(time.Minute)
	if err := g.Admit("  hello  "); err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}
	g.Release()
	if err := g.Admit("hello"); !errors.Is(err, ErrCooldown) {
		t.Fatalf("Admit() error = %v, want ErrCooldown (trimmed match)", err)
	}
}

func TestThinkingReflectsState(t *testing.T) {
	g := New(time.Minute)
	if g.Thinking() {
		t.Fatal("expected Thinking() false initially")
	}
	_ = g.Admit("hello")
	if !g.Thinking() {
		t.Fatal("expected Thinking() true after Admit")
	}
	g.Release()
	if g.Thinking() {
		t.Fatal("expected Thinking() false after Release")
	}
}
