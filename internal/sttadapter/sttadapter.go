// Package sttadapter implements the STT/TTS Adapter (C2): bounded,
// retryable calls against an external transcription and speech-synthesis
// API. Both operations are I/O-bound and synchronous: they block the
// calling goroutine until the provider answers or the context ends. The
// Gateway calls Synthesize from its MessageEnd callback, which runs on the
// Agent Process's stdout reader goroutine.
package sttadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/kestrelrelay/relayd/internal/config"
	"github.com/kestrelrelay/relayd/internal/reliability"
)

// Transcript is the result of a transcribe() call.
type Transcript struct {
	Text string
}

// UpstreamError preserves the upstream status code so the gateway can
// propagate it per the error handling design ("STT failure -> 502,
// preserve upstream status code in body").
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream error: status=%d body=%s", e.Provider, e.StatusCode, e.Body)
}

const (
	maxRetries  = 1
	retryBase   = 250 * time.Millisecond
	retryCap    = 2 * time.Second
	httpTimeout = 25 * time.Second
)

// Adapter talks to the external STT and TTS HTTP APIs.
type Adapter struct {
	apiKey     string
	sttBaseURL string
	ttsBaseURL string
	client     *http.Client
}

func New(apiKey, sttBaseURL, ttsBaseURL string) *Adapter {
	return &Adapter{
		apiKey:     apiKey,
		sttBaseURL: sttBaseURL,
		ttsBaseURL: ttsBaseURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Transcribe sends audio bytes to the external STT provider and returns
// the response body verbatim as the transcript text; the body is not parsed
// and no channel selection is made. Retries once on a network error or a
// retryable 5xx; never retried on a 4xx response.
func (a *Adapter) Transcribe(ctx context.Context, audio []byte, mimeType string, cfg config.Config) (Transcript, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Transcript{}, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, retryBase, retryCap)):
			}
		}

		text, status, err := a.doTranscribe(ctx, audio, mimeType, cfg)
		if err == nil {
			return Transcript{Text: text}, nil
		}
		lastErr = err

		if status > 0 && status < 500 {
			// 4xx: never retried.
			return Transcript{}, err
		}
		if status >= 500 && !reliability.IsRetryableHTTPStatus(status) {
			return Transcript{}, err
		}
		// network error (status == 0) or a retryable 5xx: loop once more.
	}
	return Transcript{}, lastErr
}

func (a *Adapter) doTranscribe(ctx context.Context, audio []byte, mimeType string, cfg config.Config) (string, int, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("audio", "upload")
	if err != nil {
		return "", 0, fmt.Errorf("build stt request: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", 0, fmt.Errorf("build stt request: %w", err)
	}
	_ = writer.WriteField("model", cfg.STTModel)
	_ = writer.WriteField("language", cfg.STTLanguage)
	for k, v := range cfg.STTOptions {
		_ = writer.WriteField(k, v)
	}
	if err := writer.Close(); err != nil {
		return "", 0, fmt.Errorf("build stt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.sttBaseURL+"/v1/transcribe", &body)
	if err != nil {
		return "", 0, fmt.Errorf("build stt request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("stt request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return "", resp.StatusCode, &UpstreamError{Provider: "stt", StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return string(respBody), resp.StatusCode, nil
}

// Synthesize sends text to the external TTS provider and returns raw audio
// bytes. text is truncated to maxChars codepoints before sending (no
// truncation when maxChars <= 0). It makes a single attempt, without retry.
func (a *Adapter) Synthesize(ctx context.Context, text, voice string, maxChars int) ([]byte, error) {
	truncated := truncateRunes(text, maxChars)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.ttsBaseURL+"/v1/synthesize",
		bytes.NewBufferString(fmt.Sprintf(`{"text":%q,"voice":%q}`, truncated, voice)))
	if err != nil {
		return nil, fmt.Errorf("build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 25<<20))
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &UpstreamError{Provider: "tts", StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

func truncateRunes(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars])
}
