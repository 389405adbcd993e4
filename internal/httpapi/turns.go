package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kestrelrelay/relayd/internal/agentprocess"
	"github.com/kestrelrelay/relayd/internal/config"
	"github.com/kestrelrelay/relayd/internal/guard"
	"github.com/kestrelrelay/relayd/internal/permission"
	"github.com/kestrelrelay/relayd/internal/protocol"
	"github.com/kestrelrelay/relayd/internal/sttadapter"
)

const turnStatusPending = "pending"
const turnStatusCompleted = "completed"
const turnStatusFailed = "failed"

type turnRecord struct {
	id           string
	responseMode config.ResponseMode
	status       string
	text         string
	audioReady   bool

	createdAt        time.Time
	submittedAt      time.Time
	firstChunkMarked bool
}

type turnRegistry struct {
	mu    sync.Mutex
	turns map[string]*turnRecord
}

func newTurnRegistry() *turnRegistry {
	return &turnRegistry{turns: make(map[string]*turnRecord)}
}

func (tr *turnRegistry) create(id string, mode config.ResponseMode) *turnRecord {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	rec := &turnRecord{id: id, responseMode: mode, status: turnStatusPending, createdAt: time.Now()}
	tr.turns[id] = rec
	return rec
}

func (tr *turnRegistry) get(id string) (turnRecord, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	rec, ok := tr.turns[id]
	if !ok {
		return turnRecord{}, false
	}
	return *rec, true
}

func (tr *turnRegistry) complete(id, text string, audioReady bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if rec, ok := tr.turns[id]; ok {
		rec.status = turnStatusCompleted
		rec.text = text
		rec.audioReady = audioReady
	}
}

func (tr *turnRegistry) failAllPending() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, rec := range tr.turns {
		if rec.status == turnStatusPending {
			rec.status = turnStatusFailed
		}
	}
}

// markSubmitted stamps the instant the Turn was handed to the agent
// process. It is idempotent: only the first call for a given id reports
// elapsed time, so a stray duplicate Submit never double-counts the stage.
func (tr *turnRegistry) markSubmitted(id string) (time.Duration, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	rec, ok := tr.turns[id]
	if !ok || !rec.submittedAt.IsZero() {
		return 0, false
	}
	rec.submittedAt = time.Now()
	return rec.submittedAt.Sub(rec.createdAt), true
}

// markFirstChunk reports elapsed time since markSubmitted only on the first
// TextChunk of a Turn.
func (tr *turnRegistry) markFirstChunk(id string) (time.Duration, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	rec, ok := tr.turns[id]
	if !ok || rec.firstChunkMarked || rec.submittedAt.IsZero() {
		return 0, false
	}
	rec.firstChunkMarked = true
	return time.Since(rec.submittedAt), true
}

func (tr *turnRegistry) elapsedSinceSubmitted(id string) (time.Duration, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	rec, ok := tr.turns[id]
	if !ok || rec.submittedAt.IsZero() {
		return 0, false
	}
	return time.Since(rec.submittedAt), true
}

func (tr *turnRegistry) elapsedSinceCreated(id string) (time.Duration, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	rec, ok := tr.turns[id]
	if !ok {
		return 0, false
	}
	return time.Since(rec.createdAt), true
}

// promptTracker maps a live Prompt id back to the turn that raised it, so
// /api/prompt/respond can relay the operator's option choice to the right
// turn on the child's stdin.
type promptTracker struct {
	mu      sync.Mutex
	current *protocol.Prompt
	turnID  string
}

func newPromptTracker() *promptTracker { return &promptTracker{} }

func (pt *promptTracker) set(p protocol.Prompt, turnID string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.current = &p
	pt.turnID = turnID
}

func (pt *promptTracker) clear(id string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.current != nil && pt.current.ID == id {
		pt.current = nil
		pt.turnID = ""
	}
}

func (pt *promptTracker) active() (protocol.Prompt, string, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.current == nil {
		return protocol.Prompt{}, "", false
	}
	return *pt.current, pt.turnID, true
}

// --- agentprocess.EventSink ---

func (gw *Gateway) TextChunk(turnID, delta string) {
	if d, ok := gw.turns.markFirstChunk(turnID); ok && gw.metrics != nil {
		gw.metrics.ObserveTurnStage("prompt_to_first_chunk", d)
	}
	gw.bus.Publish(protocol.Event{Type: protocol.EventTextChunk, TurnID: turnID, Text: delta})
}

func (gw *Gateway) ToolInvoked(name, summary string) {
	gw.bus.Publish(protocol.Event{Type: protocol.EventToolInvoked, ToolName: name, ToolSummary: summary})
}

func (gw *Gateway) MessageEnd(turnID, text string) {
	if d, ok := gw.turns.elapsedSinceSubmitted(turnID); ok && gw.metrics != nil {
		gw.metrics.ObserveTurnStage("prompt_to_message_end", d)
	}

	rec, ok := gw.turns.get(turnID)
	mode := config.ResponseModeText
	if ok {
		mode = rec.responseMode
	}

	audioReady := false
	if mode == config.ResponseModeAudio {
		cfg := gw.cfgStore.Get()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		ttsStart := time.Now()
		audioBytes, err := gw.stt.Synthesize(ctx, text, cfg.TTSVoice, cfg.TTSMaxChars)
		cancel()
		if gw.metrics != nil {
			gw.metrics.ObserveTTSLatency(time.Since(ttsStart))
		}
		if err == nil {
			if putErr := gw.audio.Put(turnID, audioBytes, "audio/mpeg"); putErr == nil {
				audioReady = true
				if gw.metrics != nil {
					gw.metrics.ObserveTurnStage("message_end_to_tts", time.Since(ttsStart))
				}
				bgCtx, bgCancel := context.WithTimeout(context.Background(), time.Second)
				_ = gw.agg.SetSpeaking(bgCtx, turnID, true)
				bgCancel()
			}
		} else if gw.metrics != nil {
			var upErr *sttadapter.UpstreamError
			code := "network"
			if errors.As(err, &upErr) {
				code = strconv.Itoa(upErr.StatusCode)
			}
			gw.metrics.ProviderErrors.WithLabelValues("tts", code).Inc()
		}
	}

	gw.turns.complete(turnID, text, audioReady)
	gw.guard.Release()
	if gw.metrics != nil {
		gw.metrics.ObserveTurnEvent("completed")
	}

	msg := protocol.ChatMessage{ID: turnID, Role: "assistant", Content: text, Timestamp: time.Now().UnixMilli()}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = gw.agg.AppendChat(ctx, msg)
	cancel()
	gw.bus.Publish(protocol.Event{Type: protocol.EventChatAppended, Message: &msg})

	if d, ok := gw.turns.elapsedSinceCreated(turnID); ok && gw.metrics != nil {
		gw.metrics.ObserveTurnStage("turn_total", d)
	}
}

func (gw *Gateway) AgentPrompt(turnID, question string, options []agentprocess.PromptOption) {
	prompt := protocol.Prompt{
		ID:       uuid.NewString(),
		Kind:     "agent_prompt",
		Question: question,
		Options:  make([]protocol.PromptOption, 0, len(options)),
	}
	for _, o := range options {
		prompt.Options = append(prompt.Options, protocol.PromptOption{Num: o.Num, Label: o.Label, Description: o.Description})
	}
	gw.prompts.set(prompt, turnID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = gw.agg.SetPrompt(ctx, prompt)
	cancel()
	gw.bus.Publish(protocol.Event{Type: protocol.EventPromptPosted, Prompt: &prompt})
}

func (gw *Gateway) Usage(u agentprocess.Usage) {
	usage := protocol.Usage{
		TotalIn:       u.TotalIn,
		TotalOut:      u.TotalOut,
		TotalContext:  u.TotalContext,
		ContextWindow: u.ContextWindow,
		CostUSD:       u.CostUSD,
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = gw.agg.SetUsage(ctx, usage)
	cancel()
	gw.bus.Publish(protocol.Event{Type: protocol.EventUsageUpdated, Usage: &usage})
}

func (gw *Gateway) ProcessStateChanged(s agentprocess.State) {
	if gw.metrics != nil {
		gw.metrics.ObserveAgentProcessEvent(string(s))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	switch s {
	case agentprocess.StateBusyThinking:
		_ = gw.agg.SetThinking(ctx, true)
	case agentprocess.StateReady:
		_ = gw.agg.SetThinking(ctx, false)
		gw.guard.Release()
	}
}

func (gw *Gateway) Restarting() {
	gw.perm.ResolveAllPending("agent terminated")
	gw.turns.failAllPending()
	gw.guard.Release()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = gw.agg.SetThinking(ctx, false)
}

// --- HTTP handlers ---

func (gw *Gateway) submitTurn(turnID, text string) {
	if err := gw.proc.Submit(turnID, text); err != nil {
		gw.turns.complete(turnID, "", false)
		gw.turns.failAllPending()
		return
	}
	if d, ok := gw.turns.markSubmitted(turnID); ok && gw.metrics != nil {
		gw.metrics.ObserveTurnStage("stt_to_prompt_submitted", d)
	}
}

func (gw *Gateway) resolveResponseMode(header string, cur config.ResponseMode) config.ResponseMode {
	switch strings.ToLower(strings.TrimSpace(header)) {
	case "disabled":
		return config.ResponseModeDisabled
	case "text":
		return config.ResponseModeText
	case "audio":
		return config.ResponseModeAudio
	default:
		return cur
	}
}

// createEmptyTurn handles a transcript that came back empty (e.g. STT heard
// silence): the Turn is recorded and the empty user message is appended to
// the chat, but the agent is never invoked.
func (gw *Gateway) createEmptyTurn(w http.ResponseWriter, mode config.ResponseMode) {
	turnID := uuid.NewString()
	gw.turns.create(turnID, mode)
	gw.turns.complete(turnID, "", false)
	if gw.metrics != nil {
		gw.metrics.ObserveTurnEvent("created")
		gw.metrics.ObserveTurnEvent("completed")
	}

	userMsg := protocol.ChatMessage{ID: turnID + ":user", Role: "user", Content: "", Timestamp: time.Now().UnixMilli()}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = gw.agg.AppendChat(ctx, userMsg)
	cancel()
	gw.bus.Publish(protocol.Event{Type: protocol.EventChatAppended, Message: &userMsg})

	respondJSON(w, http.StatusAccepted, map[string]any{
		"request_id":    turnID,
		"transcript":    "",
		"response_mode": mode,
	})
}

func (gw *Gateway) admitAndSubmit(w http.ResponseWriter, transcript string, mode config.ResponseMode) {
	if strings.TrimSpace(transcript) == "" {
		gw.createEmptyTurn(w, mode)
		return
	}

	if err := gw.guard.Admit(transcript); err != nil {
		switch {
		case errors.Is(err, guard.ErrCooldown):
			respondJSON(w, http.StatusTooManyRequests, errorBody{Error: "cooldown", CooldownMS: 5000})
		case errors.Is(err, guard.ErrBusy):
			respondError(w, http.StatusConflict, "busy")
		default:
			respondError(w, http.StatusInternalServerError, "internal")
		}
		return
	}

	turnID := uuid.NewString()
	gw.turns.create(turnID, mode)
	if gw.metrics != nil {
		gw.metrics.ObserveTurnEvent("created")
	}

	userMsg := protocol.ChatMessage{ID: turnID + ":user", Role: "user", Content: transcript, Timestamp: time.Now().UnixMilli()}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = gw.agg.AppendChat(ctx, userMsg)
	cancel()
	gw.bus.Publish(protocol.Event{Type: protocol.EventChatAppended, Message: &userMsg})

	go gw.submitTurn(turnID, transcript)

	respondJSON(w, http.StatusAccepted, map[string]any{
		"request_id":    turnID,
		"transcript":    transcript,
		"response_mode": mode,
	})
}

func (gw *Gateway) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "audio/") {
		respondError(w, http.StatusBadRequest, "bad_request")
		return
	}

	body := http.MaxBytesReader(w, r.Body, gw.maxAudioBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "bad_request")
		return
	}

	cfg := gw.cfgStore.Get()
	mode := gw.resolveResponseMode(r.Header.Get("X-Response-Mode"), cfg.ResponseMode)

	ctx, cancel := context.WithTimeout(r.Context(), httpRequestTimeout)
	defer cancel()

	aggCtx, aggCancel := context.WithTimeout(context.Background(), time.Second)
	_ = gw.agg.SetListening(aggCtx, true)
	aggCancel()

	start := time.Now()
	transcript, err := gw.stt.Transcribe(ctx, data, ct, cfg)

	aggCtx2, aggCancel2 := context.WithTimeout(context.Background(), time.Second)
	_ = gw.agg.SetListening(aggCtx2, false)
	aggCancel2()

	if gw.metrics != nil {
		gw.metrics.ObserveSTTLatency(time.Since(start))
		gw.metrics.ObserveTurnStage("intake_to_stt", time.Since(start))
	}
	if err != nil {
		var upErr *sttadapter.UpstreamError
		if errors.As(err, &upErr) {
			if gw.metrics != nil {
				gw.metrics.ProviderErrors.WithLabelValues("stt", strconv.Itoa(upErr.StatusCode)).Inc()
			}
			respondJSON(w, http.StatusBadGateway, map[string]any{"error": "unavailable", "upstream_status": upErr.StatusCode})
			return
		}
		respondError(w, http.StatusBadGateway, "unavailable")
		return
	}

	gw.admitAndSubmit(w, transcript.Text, mode)
}

type messageRequest struct {
	Text         string  `json:"text"`
	ResponseMode *string `json:"response_mode,omitempty"`
}

func (gw *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "bad_request")
		return
	}
	cfg := gw.cfgStore.Get()
	mode := cfg.ResponseMode
	if req.ResponseMode != nil {
		mode = gw.resolveResponseMode(*req.ResponseMode, mode)
	}
	gw.admitAndSubmit(w, req.Text, mode)
}

func (gw *Gateway) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := gw.turns.get(id)
	if !ok {
		respondJSON(w, http.StatusOK, map[string]string{"status": "not_found"})
		return
	}
	if rec.responseMode == config.ResponseModeDisabled {
		respondJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	if rec.status != turnStatusCompleted {
		respondJSON(w, http.StatusOK, map[string]string{"status": rec.status})
		return
	}

	out := map[string]any{"status": "completed"}
	if rec.responseMode == config.ResponseModeAudio && rec.audioReady {
		out["type"] = "audio"
		out["audio_url"] = "/api/audio/" + id
	} else {
		out["type"] = "text"
		out["response"] = rec.text
	}
	respondJSON(w, http.StatusOK, out)
}

func (gw *Gateway) ackResponse(id string) {
	gw.audio.Drop(id)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = gw.agg.SetSpeaking(ctx, id, false)
	cancel()
}

func (gw *Gateway) handleAckResponse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	gw.ackResponse(id)
	respondJSON(w, http.StatusOK, map[string]any{})
}

func (gw *Gateway) handleGetAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifact, err := gw.audio.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found")
		return
	}
	w.Header().Set("Content-Type", artifact.Mime)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Bytes)
}

func (gw *Gateway) handleRestart(w http.ResponseWriter, r *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = gw.proc.Restart(ctx)
	}()
	respondJSON(w, http.StatusAccepted, map[string]any{})
}

func (gw *Gateway) handleAbort(w http.ResponseWriter, r *http.Request) {
	go gw.proc.Abort()
	respondJSON(w, http.StatusAccepted, map[string]any{})
}

type promptRespondRequest struct {
	Option int `json:"option"`
}

func (gw *Gateway) handlePromptRespond(w http.ResponseWriter, r *http.Request) {
	var req promptRespondRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request")
		return
	}
	prompt, turnID, ok := gw.prompts.active()
	if !ok {
		respondError(w, http.StatusNotFound, "not_found")
		return
	}
	if !gw.idempotent.claim("prompt:" + prompt.ID) {
		respondJSON(w, http.StatusOK, map[string]any{})
		return
	}

	if err := gw.proc.RespondPrompt(turnID, req.Option); err != nil {
		respondError(w, http.StatusInternalServerError, "internal")
		return
	}
	gw.prompts.clear(prompt.ID)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = gw.agg.ClearPrompt(ctx, prompt.ID)
	cancel()
	gw.bus.Publish(protocol.Event{Type: protocol.EventPromptResolved, ID: prompt.ID})
	respondJSON(w, http.StatusOK, map[string]any{})
}

type permissionRequestBody struct {
	ToolName     string `json:"tool_name"`
	InputSummary string `json:"input_summary"`
}

func (gw *Gateway) handlePermissionRequest(w http.ResponseWriter, r *http.Request) {
	var req permissionRequestBody
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request")
		return
	}
	result := gw.perm.Request(req.ToolName, req.InputSummary)
	if gw.metrics != nil {
		event := "pending"
		if result.Decision == permission.Allow {
			event = "auto_allow"
		}
		gw.metrics.ObservePermissionEvent(event)
	}
	respondJSON(w, http.StatusOK, map[string]string{"request_id": result.ID})
}

func (gw *Gateway) handlePermissionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := gw.perm.Status(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found")
		return
	}
	out := map[string]any{"decision": string(req.Decision)}
	if req.Reason != "" {
		out["reason"] = req.Reason
	}
	respondJSON(w, http.StatusOK, out)
}

type permissionRespondBody struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

func (gw *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	snap, err := gw.agg.Snapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	out := map[string]any{
		"status":   snap.Status,
		"messages": snap.RecentChat,
	}
	if snap.Prompt != nil {
		out["prompt"] = snap.Prompt
	}
	if snap.Usage != nil {
		out["usage"] = snap.Usage
	}
	respondJSON(w, http.StatusOK, out)
}

func (gw *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	snap, err := gw.agg.Snapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": snap.RecentChat})
}

func (gw *Gateway) handlePermissionRespond(w http.ResponseWriter, r *http.Request) {
	var req permissionRespondBody
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request")
		return
	}
	if !gw.idempotent.claim("permission:" + req.RequestID) {
		respondJSON(w, http.StatusOK, map[string]any{})
		return
	}

	err := gw.perm.Respond(req.RequestID, permission.Decision(req.Decision), req.Reason)
	switch {
	case err == nil:
		if gw.metrics != nil {
			gw.metrics.ObservePermissionEvent(req.Decision)
		}
		respondJSON(w, http.StatusOK, map[string]any{})
	case errors.Is(err, permission.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, permission.ErrAlreadyResolved):
		respondJSON(w, http.StatusOK, map[string]any{})
	default:
		respondError(w, http.StatusBadRequest, "bad_request")
	}
}
