// Command relaycli is a smoke-test harness for relayd: it posts a text
// Turn and asserts the happy-path event sequence on the WebSocket
// (ChatAppended(user), TextChunk, ChatAppended(assistant), StateChanged).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelrelay/relayd/internal/protocol"
)

type options struct {
	baseURL      string
	wsURL        string
	text         string
	responseMode string
	timeout      time.Duration
	verbose      bool
}

type messageRequest struct {
	Text         string `json:"text"`
	ResponseMode string `json:"response_mode,omitempty"`
}

type messageResponse struct {
	RequestID    string `json:"request_id"`
	Transcript   string `json:"transcript"`
	ResponseMode string `json:"response_mode"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaycli: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "relaycli: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var timeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:5566", "relayd HTTP base URL")
	flag.StringVar(&cfg.wsURL, "ws-url", "ws://127.0.0.1:5567/ws", "relayd WebSocket URL")
	flag.StringVar(&cfg.text, "text", "hello", "text to submit as a Turn")
	flag.StringVar(&cfg.responseMode, "response-mode", "text", "response_mode for the Turn: disabled|text|audio")
	flag.IntVar(&timeoutMS, "timeout-ms", 15000, "timeout waiting for the full event sequence, in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print the observed event sequence")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.wsURL) == "" {
		return options{}, fmt.Errorf("ws-url is required")
	}
	if strings.TrimSpace(cfg.text) == "" {
		return options{}, fmt.Errorf("text must not be empty")
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	eventCh := make(chan protocol.Event, 32)
	readErrCh := make(chan error, 1)
	go readLoop(conn, eventCh, readErrCh)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := submitMessage(ctx, client, cfg)
	if err != nil {
		return fmt.Errorf("submit message: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("relaycli: request_id=%s response_mode=%s\n", resp.RequestID, resp.ResponseMode)
	}

	return awaitHappyPath(eventCh, readErrCh, cfg.timeout, cfg.verbose)
}

func submitMessage(ctx context.Context, client *http.Client, cfg options) (messageResponse, error) {
	payload, err := json.Marshal(messageRequest{Text: cfg.text, ResponseMode: cfg.responseMode})
	if err != nil {
		return messageResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/api/message", bytes.NewReader(payload))
	if err != nil {
		return messageResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return messageResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return messageResponse{}, err
	}
	if res.StatusCode != http.StatusAccepted {
		return messageResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out messageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return messageResponse{}, err
	}
	return out, nil
}

func readLoop(conn *websocket.Conn, eventCh chan<- protocol.Event, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		eventCh <- ev
	}
}

// awaitHappyPath watches for the S1 sequence: ChatAppended(user) ->
// TextChunk -> ChatAppended(assistant) -> StateChanged(idle). Earlier
// snapshot/state frames sent on connect are ignored.
func awaitHappyPath(eventCh <-chan protocol.Event, readErrCh <-chan error, timeout time.Duration, verbose bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var sawUserChat, sawTextChunk, sawAssistantChat bool
	for {
		select {
		case ev := <-eventCh:
			if verbose {
				fmt.Printf("relaycli: event type=%s\n", ev.Type)
			}
			switch ev.Type {
			case protocol.EventChatAppended:
				if ev.Message == nil {
					continue
				}
				if ev.Message.Role == "user" {
					sawUserChat = true
				}
				if ev.Message.Role == "assistant" && sawUserChat {
					sawAssistantChat = true
				}
			case protocol.EventTextChunk:
				if sawUserChat {
					sawTextChunk = true
				}
			case protocol.EventStateChanged:
				if ev.Status == "idle" && sawUserChat && sawTextChunk && sawAssistantChat {
					fmt.Println("relaycli: happy path confirmed")
					return nil
				}
			}
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return fmt.Errorf("timeout after %s waiting for happy-path sequence (user_chat=%v text_chunk=%v assistant_chat=%v)", timeout, sawUserChat, sawTextChunk, sawAssistantChat)
		}
	}
}
