package sttadapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kestrelrelay/relayd/internal/config"
)

func TestTranscribeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	a := New("key", srv.URL, srv.URL)
	got, err := a.Transcribe(context.Background(), []byte("fake-audio"), "audio/wav", config.Config{STTModel: "default", STTLanguage: "en"})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Text != "hello world" {
		t.Fatalf("Text = %q, want %q", got.Text, "hello world")
	}
}

func TestTranscribeDoesNotRetryOn4xx(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad audio"))
	}))
	defer srv.Close()

	a := New("key", srv.URL, srv.URL)
	_, err := a.Transcribe(context.Background(), []byte("x"), "audio/wav", config.Config{})
	if err == nil {
		t.Fatal("expected error")
	}
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("error = %v, want UpstreamError 400", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 4xx)", calls)
	}
}

func TestTranscribeRetriesOnceOn503(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	a := New("key", srv.URL, srv.URL)
	got, err := a.Transcribe(context.Background(), []byte("x"), "audio/wav", config.Config{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Text != "recovered" {
		t.Fatalf("Text = %q, want recovered", got.Text)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (one retry)", calls)
	}
}

func TestSynthesizeTruncatesText(t *testing.T) {
	var receivedBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		receivedBody = string(buf[:n])
		w.Write([]byte("audio-bytes"))
	}))
	defer srv.Close()

	a := New("key", srv.URL, srv.URL)
	_, err := a.Synthesize(context.Background(), "hello world this is long", "default", 5)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if !strings.Contains(receivedBody, "hello") || strings.Contains(receivedBody, "world") {
		t.Fatalf("body = %q, want truncated to 5 chars", receivedBody)
	}
}

func TestSynthesizeUpstreamErrorPreservesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	a := New("key", srv.URL, srv.URL)
	_, err := a.Synthesize(context.Background(), "hi", "default", 100)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("error = %v, want UpstreamError 429", err)
	}
}
