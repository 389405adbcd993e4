package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Static holds settings fixed for the lifetime of the process: ports, the
// child's working directory, the STT credential, and the PeerAuth allowlist.
// These never change after Load; contrast with Config below, which an
// operator can patch at runtime via the Config Store.
type Static struct {
	PortHTTP int
	PortWS   int
	WorkDir  string

	STTAPIKey      string
	STTBaseURL     string
	TTSBaseURL     string
	AllowedNodes   []string
	IdentitySocket string
	ShutdownGrace  time.Duration

	AgentCommand string
	AgentArgs    []string

	AutoAllowReadOnlyCommands []string

	MetricsNamespace string
}

// Load reads the recognised environment (spec §6 "Config & env") and
// applies defaults.
func Load() (Static, error) {
	s := Static{
		PortHTTP:      5566,
		PortWS:        5567,
		WorkDir:       envOrDefault("WORK_DIR", "."),
		STTAPIKey:      trimSpace(os.Getenv("STT_API_KEY")),
		STTBaseURL:     envOrDefault("STT_BASE_URL", "https://api.openai.com/v1/audio/transcriptions"),
		TTSBaseURL:     envOrDefault("TTS_BASE_URL", "https://api.openai.com/v1/audio/speech"),
		IdentitySocket: envOrDefault("IDENTITY_SOCKET", "/var/run/node-identity.sock"),
		ShutdownGrace:  5 * time.Second,
		AgentCommand:              envOrDefault("AGENT_COMMAND", "agent"),
		AgentArgs:                 splitCSV(os.Getenv("AGENT_ARGS")),
		AutoAllowReadOnlyCommands: splitCSV(os.Getenv("AUTO_ALLOW_READONLY_COMMANDS")),
		MetricsNamespace:          envOrDefault("METRICS_NAMESPACE", "relayd"),
	}

	var err error
	s.PortHTTP, err = intFromEnv("PORT_HTTP", s.PortHTTP)
	if err != nil {
		return Static{}, err
	}
	s.PortWS, err = intFromEnv("PORT_WS", s.PortWS)
	if err != nil {
		return Static{}, err
	}

	s.AllowedNodes = splitCSV(os.Getenv("ALLOWED_NODES"))

	if s.STTAPIKey == "" {
		return Static{}, fmt.Errorf("STT_API_KEY is required")
	}

	return s, nil
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

// ResponseMode is the client-requested delivery mode for a Turn's reply.
type ResponseMode string

const (
	ResponseModeDisabled ResponseMode = "disabled"
	ResponseModeText     ResponseMode = "text"
	ResponseModeAudio    ResponseMode = "audio"
)

// Config is the Config Store's (C10) mutable state: settings that apply to
// future Turns only. Patches are applied atomically; readers always see one
// version or the next, never a half-updated struct.
type Config struct {
	STTModel     string            `json:"stt_model"`
	STTLanguage  string            `json:"stt_language"`
	STTOptions   map[string]string `json:"stt_options"`
	ResponseMode ResponseMode      `json:"response_mode"`
	TTSVoice     string            `json:"tts_voice"`
	TTSMaxChars  int               `json:"tts_max_chars"`
}

func defaultConfig() Config {
	return Config{
		STTModel:     "default",
		STTLanguage:  "en",
		STTOptions:   map[string]string{},
		ResponseMode: ResponseModeText,
		TTSVoice:     "default",
		TTSMaxChars:  1500,
	}
}

func (c Config) clone() Config {
	opts := make(map[string]string, len(c.STTOptions))
	for k, v := range c.STTOptions {
		opts[k] = v
	}
	c.STTOptions = opts
	return c
}

// Store is a mutex-guarded holder of the current Config. Get returns an
// independent copy; Patch installs a new copy atomically.
type Store struct {
	mu  sync.RWMutex
	cur Config
}

func NewStore() *Store {
	return &Store{cur: defaultConfig()}
}

func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.clone()
}

// Patch applies fn to a clone of the current Config and atomically installs
// the result, returning it. A non-positive TTSMaxChars in the result is
// treated as "leave unchanged" rather than zeroing out truncation.
func (s *Store) Patch(fn func(Config) Config) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := fn(s.cur.clone())
	if next.TTSMaxChars <= 0 {
		next.TTSMaxChars = s.cur.TTSMaxChars
	}
	if next.STTOptions == nil {
		next.STTOptions = map[string]string{}
	}
	s.cur = next
	return s.cur.clone()
}
