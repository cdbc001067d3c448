package stt

import (
	"context"
	"time"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Model      string
	Language   string
	Confidence float64
	Latency    time.Duration
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}
