// Package httpapi implements the HTTP/WS Gateway (C8): the only component
// that terminates client connections. It enforces PeerAuth on every route
// but /health, translates wire requests into calls on the other
// components, and streams the Event Bus to WebSocket subscribers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kestrelrelay/relayd/internal/agentprocess"
	"github.com/kestrelrelay/relayd/internal/aggregator"
	"github.com/kestrelrelay/relayd/internal/audiostore"
	"github.com/kestrelrelay/relayd/internal/config"
	"github.com/kestrelrelay/relayd/internal/eventbus"
	"github.com/kestrelrelay/relayd/internal/guard"
	"github.com/kestrelrelay/relayd/internal/observability"
	"github.com/kestrelrelay/relayd/internal/peerauth"
	"github.com/kestrelrelay/relayd/internal/permission"
	"github.com/kestrelrelay/relayd/internal/protocol"
	"github.com/kestrelrelay/relayd/internal/sttadapter"
)

const (
	defaultMaxAudioBytes = 25 << 20
	wsPingInterval       = 30 * time.Second
	wsMissedPingLimit    = 3
	httpRequestTimeout   = 30 * time.Second
)

// Gateway is the HTTP/WS Gateway. It also implements
// agentprocess.EventSink, since it is the component that knows how to turn
// a parsed child-stream event into Event Bus broadcasts and Aggregator
// mutations.
type Gateway struct {
	staticCfg config.Static
	cfgStore  *config.Store
	auth      *peerauth.Gate
	bus       *eventbus.Bus
	agg       *aggregator.Aggregator
	proc      *agentprocess.Process
	perm      *permission.Broker
	guard     *guard.Guard
	audio     *audiostore.Store
	stt       *sttadapter.Adapter
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader

	maxAudioBytes int64

	turns     *turnRegistry
	prompts   *promptTracker
	idempotent *idempotencyTracker
}

func New(
	staticCfg config.Static,
	cfgStore *config.Store,
	auth *peerauth.Gate,
	bus *eventbus.Bus,
	agg *aggregator.Aggregator,
	proc *agentprocess.Process,
	perm *permission.Broker,
	g *guard.Guard,
	audio *audiostore.Store,
	stt *sttadapter.Adapter,
	metrics *observability.Metrics,
) *Gateway {
	return &Gateway{
		staticCfg:     staticCfg,
		cfgStore:      cfgStore,
		auth:          auth,
		bus:           bus,
		agg:           agg,
		proc:          proc,
		perm:          perm,
		guard:         g,
		audio:         audio,
		stt:           stt,
		metrics:       metrics,
		maxAudioBytes: defaultMaxAudioBytes,
		turns:         newTurnRegistry(),
		prompts:       newPromptTracker(),
		idempotent:    newIdempotencyTracker(60 * time.Second),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetProcess wires the Agent Process in after construction: the Gateway
// must exist first since it is the process's EventSink, and the process
// must exist first since the Gateway's handlers call into it. main breaks
// the cycle by constructing the Gateway with a nil process and patching
// it in once the process is built.
func (gw *Gateway) SetProcess(proc *agentprocess.Process) {
	gw.proc = proc
}

// HTTPRouter builds the router served on Static.PortHTTP: every REST
// endpoint plus /health (unauthenticated).
func (gw *Gateway) HTTPRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", gw.handleHealth)

	r.Group(func(r chi.Router) {
		if gw.auth != nil {
			r.Use(gw.auth.RequireAuth)
		}
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { observability.MetricsHandler().ServeHTTP(w, r) })
		r.Get("/readyz", gw.handleReady)
		r.Post("/transcribe", gw.handleTranscribe)
		r.Get("/api/config", gw.handleGetConfig)
		r.Post("/api/config", gw.handlePatchConfig)
		r.Get("/api/chat", gw.handleChat)
		r.Get("/api/history", gw.handleHistory)
		r.Get("/api/response/{id}", gw.handleGetResponse)
		r.Post("/api/response/{id}/ack", gw.handleAckResponse)
		r.Get("/api/audio/{id}", gw.handleGetAudio)
		r.Post("/api/message", gw.handleMessage)
		r.Post("/api/claude/restart", gw.handleRestart)
		r.Post("/api/abort", gw.handleAbort)
		r.Post("/api/prompt/respond", gw.handlePromptRespond)
		r.Post("/api/permission/request", gw.handlePermissionRequest)
		r.Get("/api/permission/status/{id}", gw.handlePermissionStatus)
		r.Post("/api/permission/respond", gw.handlePermissionRespond)
	})
	return r
}

// WSRouter builds the router served on Static.PortWS: just /ws (and a
// liveness probe so the WS listener can be health-checked independently).
func (gw *Gateway) WSRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", gw.handleHealth)
	r.Group(func(r chi.Router) {
		if gw.auth != nil {
			r.Use(gw.auth.RequireAuth)
		}
		r.Get("/ws", gw.handleWS)
	})
	return r
}

func (gw *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (gw *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	state := "not_ready"
	if gw.proc != nil && gw.proc.State() == agentprocess.StateReady {
		state = "ready"
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": state})
}

func (gw *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	clientID := r.URL.Query().Get("id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, unsubscribe := gw.bus.Subscribe(device)
	defer unsubscribe()

	if gw.metrics != nil {
		gw.metrics.ConnectedClients.Inc()
		defer gw.metrics.ConnectedClients.Dec()
	}

	_ = gw.agg.RegisterClient(ctx, protocol.ClientSessionSummary{
		ID:           clientID,
		Kind:         device,
		SubscribedAt: time.Now().UnixMilli(),
	})
	defer func() {
		unregCtx, unregCancel := context.WithTimeout(context.Background(), time.Second)
		defer unregCancel()
		_ = gw.agg.UnregisterClient(unregCtx, clientID)
	}()

	if snap, err := gw.agg.Snapshot(ctx); err == nil {
		_ = conn.WriteJSON(protocol.Event{Type: protocol.EventHistorySnapshot, Messages: snap.RecentChat, Prompt: snap.Prompt, Usage: snap.Usage})
		_ = conn.WriteJSON(protocol.Event{Type: protocol.EventStateChanged, Status: snap.Status})
	}

	writerDone := make(chan struct{})
	go gw.wsWriteLoop(ctx, cancel, conn, sub.Events, writerDone)

	gw.wsReadLoop(ctx, cancel, conn)
	<-writerDone
}

func (gw *Gateway) wsWriteLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, events <-chan protocol.Event, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	missed := 0

	conn.SetPongHandler(func(string) error { missed = 0; return nil })

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				if gw.metrics != nil {
					gw.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
				}
				cancel()
				return
			}
			if gw.metrics != nil {
				gw.metrics.WSMessages.WithLabelValues("outbound", string(ev.Type)).Inc()
			}
		case <-ticker.C:
			if missed >= wsMissedPingLimit {
				cancel()
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				return
			}
			missed++
		}
	}
}

func (gw *Gateway) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	conn.SetReadLimit(1 << 20)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		cmd, err := protocol.ParseClientCommand(data)
		if err != nil {
			continue
		}
		if gw.metrics != nil {
			gw.metrics.WSMessages.WithLabelValues("inbound", cmd.Cmd).Inc()
		}
		switch cmd.Cmd {
		case "ack":
			gw.ackResponse(cmd.ID)
		case "abort":
			go gw.proc.Abort()
		default:
			// Unrecognised commands are ignored per the wire contract.
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

type errorBody struct {
	Error      string `json:"error"`
	CooldownMS int64  `json:"cooldown_ms,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code string) {
	respondJSON(w, status, errorBody{Error: code})
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// idempotencyTracker remembers recently-processed request identifiers for
// the window the error-handling design calls out for
// /api/prompt/respond and /api/permission/respond: a duplicate within the
// window is a no-op success, not a re-application.
type idempotencyTracker struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newIdempotencyTracker(window time.Duration) *idempotencyTracker {
	return &idempotencyTracker{window: window, seen: make(map[string]time.Time)}
}

// claim returns true the first time key is seen within the window, false
// for a repeat (meaning: the caller should short-circuit with success).
func (t *idempotencyTracker) claim(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at, ok := t.seen[key]; ok && time.Since(at) < t.window {
		return false
	}
	t.seen[key] = time.Now()
	for k, at := range t.seen {
		if time.Since(at) > t.window {
			delete(t.seen, k)
		}
	}
	return true
}
