// Package aggregator implements the State Aggregator (C7): the single
// piece of shared mutable state in the server, serialised through one
// command channel rather than a lock, per the concurrency design's
// "only shared mutable state is the aggregator; guarded by its
// serialising channel."
package aggregator

import (
	"context"
	"errors"

	"github.com/kestrelrelay/relayd/internal/protocol"
)

const defaultChatRingCapacity = 200

// ErrClosed is returned by any operation issued after the aggregator's
// Run loop has stopped.
var ErrClosed = errors.New("aggregator closed")

// Publisher is satisfied by *eventbus.Bus. The aggregator only publishes
// the two signals derived from its own composed state (StateChanged and
// ClientsChanged); every other event type is published directly by the
// component that caused it.
type Publisher interface {
	Publish(protocol.Event)
}

// Snapshot is the immutable view delivered verbatim to every newly
// (re)connected client.
type Snapshot struct {
	Status     string
	RecentChat []protocol.ChatMessage
	Prompt     *protocol.Prompt
	Usage      *protocol.Usage
}

type state struct {
	listening      bool
	thinking       bool
	speakingTurnID string

	chat       []protocol.ChatMessage
	chatCap    int
	prompt     *protocol.Prompt
	usage      *protocol.Usage
	clients    map[string]protocol.ClientSessionSummary
	lastStatus string
}

func (s *state) status() string {
	switch {
	case s.thinking:
		return "thinking"
	case s.listening:
		return "listening"
	case s.speakingTurnID != "":
		return "speaking"
	default:
		return "idle"
	}
}

func (s *state) snapshot() Snapshot {
	chat := make([]protocol.ChatMessage, len(s.chat))
	copy(chat, s.chat)
	var prompt *protocol.Prompt
	if s.prompt != nil {
		p := *s.prompt
		prompt = &p
	}
	var usage *protocol.Usage
	if s.usage != nil {
		u := *s.usage
		usage = &u
	}
	return Snapshot{Status: s.status(), RecentChat: chat, Prompt: prompt, Usage: usage}
}

type command struct {
	fn   func(*state)
	done chan struct{}
}

// Aggregator is the State Aggregator. Construct with New, start its
// serialising loop with Run in its own goroutine, and issue mutations via
// the exported methods.
type Aggregator struct {
	bus      Publisher
	cmds     chan command
	chatCap  int
}

func New(bus Publisher, chatRingCapacity int) *Aggregator {
	if chatRingCapacity <= 0 {
		chatRingCapacity = defaultChatRingCapacity
	}
	return &Aggregator{
		bus:     bus,
		cmds:    make(chan command, 64),
		chatCap: chatRingCapacity,
	}
}

// Run consumes commands until ctx is cancelled. All state mutation and
// reading happens on this single goroutine.
func (a *Aggregator) Run(ctx context.Context) {
	st := &state{
		chatCap:    a.chatCap,
		clients:    make(map[string]protocol.ClientSessionSummary),
		lastStatus: "idle",
	}
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.cmds:
			cmd.fn(st)
			if a.bus != nil {
				if newStatus := st.status(); newStatus != st.lastStatus {
					st.lastStatus = newStatus
					a.bus.Publish(protocol.Event{Type: protocol.EventStateChanged, Status: newStatus})
				}
			}
			close(cmd.done)
		}
	}
}

func (a *Aggregator) do(ctx context.Context, fn func(*state)) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case a.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) SetListening(ctx context.Context, active bool) error {
	return a.do(ctx, func(s *state) { s.listening = active })
}

func (a *Aggregator) SetThinking(ctx context.Context, active bool) error {
	return a.do(ctx, func(s *state) { s.thinking = active })
}

// SetSpeaking marks turnID as awaiting audio acknowledgement (active=true)
// or clears it (active=false, which the Gateway does on ack). TTL eviction
// of the artifact by the Audio Store's reaper does not clear it.
func (a *Aggregator) SetSpeaking(ctx context.Context, turnID string, active bool) error {
	return a.do(ctx, func(s *state) {
		if active {
			s.speakingTurnID = turnID
		} else if s.speakingTurnID == turnID {
			s.speakingTurnID = ""
		}
	})
}

func (a *Aggregator) AppendChat(ctx context.Context, msg protocol.ChatMessage) error {
	return a.do(ctx, func(s *state) {
		s.chat = append(s.chat, msg)
		if len(s.chat) > s.chatCap {
			s.chat = s.chat[len(s.chat)-s.chatCap:]
		}
	})
}

func (a *Aggregator) SetPrompt(ctx context.Context, p protocol.Prompt) error {
	return a.do(ctx, func(s *state) { s.prompt = &p })
}

// ClearPrompt clears the current Prompt only if its id still matches,
// avoiding a race where a newer Prompt has already replaced it.
func (a *Aggregator) ClearPrompt(ctx context.Context, id string) error {
	return a.do(ctx, func(s *state) {
		if s.prompt != nil && s.prompt.ID == id {
			s.prompt = nil
		}
	})
}

func (a *Aggregator) SetUsage(ctx context.Context, u protocol.Usage) error {
	return a.do(ctx, func(s *state) { s.usage = &u })
}

func (a *Aggregator) RegisterClient(ctx context.Context, cs protocol.ClientSessionSummary) error {
	return a.do(ctx, func(s *state) {
		s.clients[cs.ID] = cs
		a.publishClientsLocked(s)
	})
}

func (a *Aggregator) UnregisterClient(ctx context.Context, id string) error {
	return a.do(ctx, func(s *state) {
		delete(s.clients, id)
		a.publishClientsLocked(s)
	})
}

// publishClientsLocked must only be called from within a command's fn
// (i.e. on the Run goroutine).
func (a *Aggregator) publishClientsLocked(s *state) {
	if a.bus == nil {
		return
	}
	list := make([]protocol.ClientSessionSummary, 0, len(s.clients))
	for _, c := range s.clients {
		list = append(list, c)
	}
	a.bus.Publish(protocol.Event{Type: protocol.EventClientsChanged, Clients: list})
}

// Snapshot returns the current composed view, delivered verbatim to every
// newly (re)connected client.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := a.do(ctx, func(s *state) { snap = s.snapshot() })
	return snap, err
}
