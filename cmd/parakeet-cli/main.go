// Command parakeet-cli performs a one-shot transcription of a WAV file
// against a hosted inference server, for smoke-testing a deployment.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/parakeetlabs/parakeet-bridge/internal/nemo"
)

func main() {
	var (
		serverURL string
		language  string
		model     string
		timeout   time.Duration
	)

	flag.StringVar(&serverURL, "server", "http://localhost:8989", "Inference server URL")
	flag.StringVar(&language, "language", "en", "Recognition language code")
	flag.StringVar(&model, "model", nemo.ModelCanary, "Model family (parakeet or canary)")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: parakeet-cli [flags] <audio.wav>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	wavBytes, err := os.ReadFile(path)
	if err != nil {
		logger.Error("failed to read audio file", slog.String("error", err.Error()))
		os.Exit(1)
	}

	client, err := nemo.NewClient(nemo.Options{
		ServerURL:      serverURL,
		Language:       language,
		Model:          model,
		RequestTimeout: timeout,
	})
	if err != nil {
		logger.Error("failed to build client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sessionID := uuid.NewString()
	start := time.Now()
	result, err := client.TranscribeWAV(ctx, wavBytes)
	if err != nil {
		logger.Error("transcription failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		os.Exit(1)
	}

	out := struct {
		SessionID      string  `json:"session_id"`
		Text           string  `json:"text"`
		Model          string  `json:"model"`
		Language       string  `json:"language"`
		AudioDuration  float64 `json:"audio_duration_s"`
		ProcessingTime float64 `json:"processing_time_s"`
		TotalLatency   float64 `json:"total_latency_s"`
	}{
		SessionID:      sessionID,
		Text:           result.Text,
		Model:          result.Model,
		Language:       result.Language,
		AudioDuration:  result.AudioDuration.Seconds(),
		ProcessingTime: result.ProcessingTime.Seconds(),
		TotalLatency:   time.Since(start).Seconds(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("failed to encode result", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
