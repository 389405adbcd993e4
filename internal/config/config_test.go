package config

import (
	"reflect"
	"testing"
)

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{"PORT_HTTP", "PORT_WS", "WORK_DIR", "STT_API_KEY", "ALLOWED_NODES"}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadRequiresSTTAPIKey(t *testing.T) {
	setCoreEnvEmpty(t)

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want missing STT_API_KEY error")
	}
}

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("STT_API_KEY", "test-key")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.PortHTTP != 5566 {
		t.Fatalf("PortHTTP = %d, want 5566", s.PortHTTP)
	}
	if s.PortWS != 5567 {
		t.Fatalf("PortWS = %d, want 5567", s.PortWS)
	}
	if len(s.AllowedNodes) != 0 {
		t.Fatalf("AllowedNodes = %v, want empty", s.AllowedNodes)
	}
}

func TestLoadParsesAllowedNodesAndPorts(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("STT_API_KEY", "test-key")
	t.Setenv("ALLOWED_NODES", "watch-1, phone-2 ,dashboard")
	t.Setenv("PORT_HTTP", "9000")
	t.Setenv("PORT_WS", "9001")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"watch-1", "phone-2", "dashboard"}
	if len(s.AllowedNodes) != len(want) {
		t.Fatalf("AllowedNodes = %v, want %v", s.AllowedNodes, want)
	}
	for i, n := range want {
		if s.AllowedNodes[i] != n {
			t.Fatalf("AllowedNodes[%d] = %q, want %q", i, s.AllowedNodes[i], n)
		}
	}
	if s.PortHTTP != 9000 || s.PortWS != 9001 {
		t.Fatalf("ports = %d/%d, want 9000/9001", s.PortHTTP, s.PortWS)
	}
}

func TestLoadBadPortIsError(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("STT_API_KEY", "test-key")
	t.Setenv("PORT_HTTP", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want parse error")
	}
}

func TestStoreGetReturnsIndependentCopy(t *testing.T) {
	store := NewStore()
	cfg := store.Get()
	cfg.STTOptions["mutated"] = "yes"

	fresh := store.Get()
	if _, ok := fresh.STTOptions["mutated"]; ok {
		t.Fatal("mutating a Get() result leaked into the store")
	}
}

func TestStorePatchIsAtomicAndRoundTrips(t *testing.T) {
	store := NewStore()
	before := store.Get()

	patched := store.Patch(func(c Config) Config {
		c.STTLanguage = "fr"
		c.ResponseMode = ResponseModeAudio
		return c
	})
	if patched.STTLanguage != "fr" || patched.ResponseMode != ResponseModeAudio {
		t.Fatalf("Patch result = %+v, want stt_language=fr response_mode=audio", patched)
	}

	again := store.Patch(func(c Config) Config { return c })
	if !reflect.DeepEqual(again, store.Get()) {
		t.Fatalf("GET after no-op PATCH changed: %+v vs %+v", again, store.Get())
	}
	if before.STTLanguage == again.STTLanguage {
		t.Fatal("patch did not change stored state")
	}
}

func TestStorePatchKeepsPositiveTTSMaxCharsOnZeroedPatch(t *testing.T) {
	store := NewStore()
	patched := store.Patch(func(c Config) Config {
		c.TTSMaxChars = 0
		return c
	})
	if patched.TTSMaxChars != 1500 {
		t.Fatalf("TTSMaxChars = %d, want unchanged default 1500", patched.TTSMaxChars)
	}
}
