package policy

import "testing"

func TestAutoAllowDefaultTools(t *testing.T) {
	a := NewAutoAllow(nil)
	for _, tool := range []string{"Read", "Glob", "Grep"} {
		if !a.Allows(tool, "") {
			t.Fatalf("Allows(%q) = false, want true", tool)
		}
	}
	if a.Allows("Write", "") {
		t.Fatal("Allows(Write) = true, want false")
	}
	if a.Allows("Bash", "rm -rf /tmp/x") {
		t.Fatal("Allows(Bash, rm -rf) = true, want false")
	}
}

func TestAutoAllowReadOnlyCommandPrefix(t *testing.T) {
	a := NewAutoAllow([]string{"git status", "ls "})
	if !a.Allows("Bash", "git status --short") {
		t.Fatal("expected git status to be auto-allowed")
	}
	if !a.Allows("Bash", "ls -la /tmp") {
		t.Fatal("expected ls to be auto-allowed")
	}
	if a.Allows("Bash", "git push origin main") {
		t.Fatal("git push must not be auto-allowed")
	}
}

func TestAutoAllowNilPolicyDeniesEverything(t *testing.T) {
	var a *AutoAllow
	if a.Allows("Read", "") {
		t.Fatal("nil AutoAllow must deny everything")
	}
}
