package stt

import (
	"context"
	"time"

	"github.com/parakeetlabs/parakeet-bridge/internal/config"
	"github.com/parakeetlabs/parakeet-bridge/internal/nemo"
)

type nemoRecognizer struct {
	client *nemo.Client
}

// NewNemoRecognizer builds a recognizer backed by the hosted NeMo
// inference server.
func NewNemoRecognizer(cfg config.NemoConfig) (Recognizer, error) {
	client, err := nemo.NewClient(nemo.Options{
		ServerURL:           cfg.ServerURL,
		Language:            cfg.Language,
		Model:               cfg.Model,
		AuthToken:           cfg.AuthToken,
		RequestTimeout:      time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     time.Duration(cfg.IdleConnTimeoutS) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &nemoRecognizer{client: client}, nil
}

// Client exposes the underlying HTTP client for health probing.
func (r *nemoRecognizer) Client() *nemo.Client {
	return r.client
}

func (r *nemoRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, _ int, _ bool) (TranscriptResult, error) {
	start := time.Now()
	result, err := r.client.Transcribe(ctx, pcm, sampleRate)
	if err != nil {
		return TranscriptResult{}, err
	}
	return TranscriptResult{
		Text:     result.Text,
		Model:    result.Model,
		Language: result.Language,
		Latency:  time.Since(start),
	}, nil
}
