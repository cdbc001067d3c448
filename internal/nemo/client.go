// Package nemo implements the HTTP client for a hosted NVIDIA NeMo
// inference server serving the Parakeet and Canary model families. The
// server accepts raw little-endian s16 PCM and answers with a JSON
// transcription result.
package nemo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Result is a single transcription answer from the server.
type Result struct {
	// Text is the transcript, verbatim from the server.
	Text string
	// Language the transcript was recognized in.
	Language string
	// Model that produced the transcript.
	Model string
	// AudioDuration is the length of the submitted audio as measured
	// by the server.
	AudioDuration time.Duration
	// ProcessingTime is the server-side inference time.
	ProcessingTime time.Duration
	// Final is always true for batch recognition; interim results are
	// produced by callers re-submitting a growing buffer.
	Final bool
}

type transcribeResponse struct {
	Text           string  `json:"text"`
	ProcessingTime float64 `json:"processing_time"`
	AudioDuration  float64 `json:"audio_duration"`
}

// Client talks to one inference server over a pooled, keep-alive HTTP
// transport. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client

	mu   sync.RWMutex
	opts Options
}

// NewClient validates opts.ServerURL and builds a client around a
// reusable transport. An empty or malformed URL fails with
// ErrInvalidServerURL.
func NewClient(opts Options) (*Client, error) {
	serverURL, err := validateServerURL(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	opts.ServerURL = serverURL
	opts.withDefaults()

	transport := &http.Transport{
		MaxIdleConns:        opts.MaxIdleConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		IdleConnTimeout:     opts.IdleConnTimeout,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.RequestTimeout,
		},
		opts: opts,
	}, nil
}

// Options returns a copy of the current options.
func (c *Client) Options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts
}

// SetOptions updates server URL, language and model at runtime. Empty
// fields keep their current value. A malformed URL is rejected and
// leaves the client unchanged.
func (c *Client) SetOptions(serverURL, language, model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if serverURL != "" {
		validated, err := validateServerURL(serverURL)
		if err != nil {
			return err
		}
		c.opts.ServerURL = validated
	}
	if language != "" {
		c.opts.Language = language
	}
	if model != "" {
		c.opts.Model = model
	}
	return nil
}

// Transcribe posts raw s16le PCM to the server and returns the decoded
// transcription. Transport failures are returned wrapped; a non-2xx
// answer yields a *StatusError; an undecodable 2xx body yields
// ErrMalformedResponse.
func (c *Client) Transcribe(ctx context.Context, pcm []byte, sampleRate int, reqOpts ...RequestOption) (Result, error) {
	opts := c.Options()
	params := requestParams{language: opts.Language, model: opts.Model}
	for _, apply := range reqOpts {
		apply(&params)
	}

	endpoint := fmt.Sprintf("%s/v1/transcribe/%s", opts.ServerURL, params.model)
	query := url.Values{}
	query.Set("sample_rate", strconv.Itoa(sampleRate))
	query.Set("language", params.language)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+query.Encode(), bytes.NewReader(pcm))
	if err != nil {
		return Result{}, fmt.Errorf("nemo: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")
	if opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+opts.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("nemo: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("nemo: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	var decoded transcribeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return Result{
		Text:           decoded.Text,
		Language:       params.language,
		Model:          params.model,
		AudioDuration:  time.Duration(decoded.AudioDuration * float64(time.Second)),
		ProcessingTime: time.Duration(decoded.ProcessingTime * float64(time.Second)),
		Final:          true,
	}, nil
}

// TranscribeWAV decodes a RIFF/WAV container and forwards its raw PCM
// at the container's sample rate.
func (c *Client) TranscribeWAV(ctx context.Context, wavBytes []byte, reqOpts ...RequestOption) (Result, error) {
	pcm, sampleRate, err := DecodePCM(wavBytes)
	if err != nil {
		return Result{}, err
	}
	return c.Transcribe(ctx, pcm, sampleRate, reqOpts...)
}

// Healthz probes the server health endpoint. A nil return means the
// server is reachable and reports healthy.
func (c *Client) Healthz(ctx context.Context) error {
	opts := c.Options()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.ServerURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("nemo: build health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("nemo: health request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close releases idle pooled connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
