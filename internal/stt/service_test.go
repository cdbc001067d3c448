package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/parakeetlabs/parakeet-bridge/internal/bus"
	"github.com/parakeetlabs/parakeet-bridge/internal/config"
	"github.com/parakeetlabs/parakeet-bridge/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startTestBus(t *testing.T) *bus.Client {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT})
	if err != nil {
		t.Fatalf("create test nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("test nats server did not start")
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(config.BusConfig{
		Servers:        []string{ns.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect test bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func publishFrame(t *testing.T, client *bus.Client, frame protocol.AudioFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	subject := protocol.SubjectAudioFramePrefix + "." + frame.SessionID
	if err := client.Conn().Publish(subject, data); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
}

func TestServicePublishesFinalTranscript(t *testing.T) {
	client := startTestBus(t)

	cfg := config.STTConfig{
		Enabled:    true,
		Mode:       "mock",
		SampleRate: 16000,
		Channels:   1,
	}
	svc := NewService(context.Background(), cfg, client, NewMockRecognizer(), nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	finals := make(chan protocol.Transcript, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectTranscriptFinal, func(msg *nats.Msg) {
		var transcript protocol.Transcript
		if err := json.Unmarshal(msg.Data, &transcript); err != nil {
			return
		}
		finals <- transcript
	})
	if err != nil {
		t.Fatalf("subscribe finals: %v", err)
	}
	t.Cleanup(func() { _ = sub.Drain() })

	pcm := make([]byte, 640)
	publishFrame(t, client, protocol.AudioFrame{SessionID: "s1", Sequence: 0, SampleRate: 16000, Channels: 1, PCM: pcm})
	publishFrame(t, client, protocol.AudioFrame{SessionID: "s1", Sequence: 1, SampleRate: 16000, Channels: 1, PCM: pcm, Final: true})

	select {
	case transcript := <-finals:
		if transcript.SessionID != "s1" {
			t.Fatalf("unexpected session id: %q", transcript.SessionID)
		}
		if transcript.Partial {
			t.Fatal("final transcript marked partial")
		}
		if transcript.Text == "" {
			t.Fatal("expected non-empty transcript text")
		}
		if transcript.Model != "mock" {
			t.Fatalf("unexpected model: %q", transcript.Model)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}
}

type silentRecognizer struct{}

func (silentRecognizer) Transcribe(context.Context, []byte, int, int, bool) (TranscriptResult, error) {
	return TranscriptResult{Text: ""}, nil
}

func TestServiceSuppressesEmptyTranscripts(t *testing.T) {
	client := startTestBus(t)

	cfg := config.STTConfig{
		Enabled:    true,
		Mode:       "mock",
		SampleRate: 16000,
		Channels:   1,
	}
	svc := NewService(context.Background(), cfg, client, silentRecognizer{}, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	finals := make(chan struct{}, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectTranscriptFinal, func(*nats.Msg) {
		finals <- struct{}{}
	})
	if err != nil {
		t.Fatalf("subscribe finals: %v", err)
	}
	t.Cleanup(func() { _ = sub.Drain() })

	publishFrame(t, client, protocol.AudioFrame{SessionID: "s2", PCM: make([]byte, 320), Final: true})

	select {
	case <-finals:
		t.Fatal("empty transcript must not be published")
	case <-time.After(500 * time.Millisecond):
	}
}

type recognizeCall struct {
	pcmLen int
	final  bool
}

// gatedRecognizer blocks each Transcribe call until released, so tests
// can hold a recognition inflight deterministically.
type gatedRecognizer struct {
	started chan recognizeCall
	proceed chan struct{}
}

func (g *gatedRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	g.started <- recognizeCall{pcmLen: len(pcm), final: final}
	<-g.proceed
	return TranscriptResult{Text: fmt.Sprintf("bytes=%d", len(pcm)), Model: "gated"}, nil
}

func TestServiceCoalescesFinalWhilePartialInflight(t *testing.T) {
	client := startTestBus(t)

	cfg := config.STTConfig{
		Enabled:        true,
		Mode:           "mock",
		SampleRate:     16000,
		Channels:       1,
		PartialEveryMS: 1,
		PublishInterim: true,
	}
	gated := &gatedRecognizer{
		started: make(chan recognizeCall, 2),
		proceed: make(chan struct{}),
	}
	svc := NewService(context.Background(), cfg, client, gated, nil)
	t.Cleanup(func() {
		close(gated.proceed)
		svc.Close()
	})

	finals := make(chan protocol.Transcript, 2)
	sub, err := client.Conn().Subscribe(protocol.SubjectTranscriptFinal, func(msg *nats.Msg) {
		var transcript protocol.Transcript
		if err := json.Unmarshal(msg.Data, &transcript); err != nil {
			return
		}
		finals <- transcript
	})
	if err != nil {
		t.Fatalf("subscribe finals: %v", err)
	}
	t.Cleanup(func() { _ = sub.Drain() })

	firstChunk := make([]byte, 320)
	svc.mu.Lock()
	svc.sessions["s3"] = &sessionState{Buffer: append([]byte(nil), firstChunk...)}
	svc.mu.Unlock()

	svc.scheduleTranscription("s3", false)

	var call recognizeCall
	select {
	case call = <-gated.started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for partial recognition to start")
	}
	if call.final || call.pcmLen != len(firstChunk) {
		t.Fatalf("unexpected first call: %+v", call)
	}

	// More audio and a final request arrive while the partial is inflight.
	svc.mu.Lock()
	state := svc.sessions["s3"]
	state.Buffer = append(state.Buffer, make([]byte, 320)...)
	fullLen := len(state.Buffer)
	svc.mu.Unlock()

	svc.scheduleTranscription("s3", true)

	svc.mu.Lock()
	if !svc.sessions["s3"].PendingFinal {
		svc.mu.Unlock()
		t.Fatal("final during inflight partial must be marked pending")
	}
	svc.mu.Unlock()

	gated.proceed <- struct{}{} // release the partial

	select {
	case call = <-gated.started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for coalesced final recognition")
	}
	if !call.final {
		t.Fatal("coalesced run must be final")
	}
	if call.pcmLen != fullLen {
		t.Fatalf("final must see the full buffer: expected %d bytes, got %d", fullLen, call.pcmLen)
	}

	gated.proceed <- struct{}{} // release the final

	select {
	case transcript := <-finals:
		if transcript.Text != fmt.Sprintf("bytes=%d", fullLen) {
			t.Fatalf("unexpected final transcript: %q", transcript.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}

	select {
	case transcript := <-finals:
		t.Fatalf("expected exactly one final transcript, got extra: %q", transcript.Text)
	case <-time.After(300 * time.Millisecond):
	}

	svc.mu.Lock()
	if _, ok := svc.sessions["s3"]; ok {
		svc.mu.Unlock()
		t.Fatal("session must be dropped after final")
	}
	svc.mu.Unlock()
}

func TestShouldSchedulePartial(t *testing.T) {
	svc := &Service{
		cfg:      config.STTConfig{PartialEveryMS: 50, PublishInterim: true},
		sessions: map[string]*sessionState{},
	}

	if svc.shouldSchedulePartial("missing") {
		t.Fatal("unknown session must not schedule")
	}

	svc.sessions["s"] = &sessionState{}
	if !svc.shouldSchedulePartial("s") {
		t.Fatal("first partial should schedule immediately")
	}
	if svc.shouldSchedulePartial("s") {
		t.Fatal("second partial inside interval must not schedule")
	}
	time.Sleep(60 * time.Millisecond)
	if !svc.shouldSchedulePartial("s") {
		t.Fatal("partial after interval should schedule")
	}

	svc.sessions["busy"] = &sessionState{Inflight: true}
	if svc.shouldSchedulePartial("busy") {
		t.Fatal("inflight session must not schedule")
	}
}

func TestHandleFrameCapsSessionBuffer(t *testing.T) {
	svc := &Service{
		cfg:      config.STTConfig{Enabled: true, SampleRate: 16000, Channels: 1, MaxSessionBytes: 640},
		sessions: map[string]*sessionState{},
	}

	frame := func(fill byte) *nats.Msg {
		pcm := make([]byte, 320)
		for i := range pcm {
			pcm[i] = fill
		}
		data, err := json.Marshal(protocol.AudioFrame{SessionID: "cap", SampleRate: 16000, Channels: 1, PCM: pcm})
		if err != nil {
			t.Fatalf("marshal frame: %v", err)
		}
		return &nats.Msg{Data: data}
	}

	svc.handleFrame(frame(1))
	svc.handleFrame(frame(2))
	svc.handleFrame(frame(3))

	svc.mu.Lock()
	defer svc.mu.Unlock()
	state := svc.sessions["cap"]
	if state == nil {
		t.Fatal("expected session state")
	}
	if len(state.Buffer) != 640 {
		t.Fatalf("expected buffer capped at 640 bytes, got %d", len(state.Buffer))
	}
	if state.Buffer[0] != 2 || state.Buffer[len(state.Buffer)-1] != 3 {
		t.Fatal("cap must keep the most recent audio")
	}
	if state.LastFrame.IsZero() {
		t.Fatal("expected last frame time to be tracked")
	}
}

func TestEvictIdleSessions(t *testing.T) {
	now := time.Now()
	svc := &Service{
		cfg: config.STTConfig{Enabled: true, SessionIdleTimeoutMS: 1000},
		sessions: map[string]*sessionState{
			"stale":    {LastFrame: now.Add(-5 * time.Second)},
			"fresh":    {LastFrame: now.Add(-100 * time.Millisecond)},
			"inflight": {LastFrame: now.Add(-5 * time.Second), Inflight: true},
		},
	}

	svc.evictIdleSessions(now)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if _, ok := svc.sessions["stale"]; ok {
		t.Fatal("stale session must be evicted")
	}
	if _, ok := svc.sessions["fresh"]; !ok {
		t.Fatal("fresh session must survive")
	}
	if _, ok := svc.sessions["inflight"]; !ok {
		t.Fatal("inflight session must survive eviction")
	}
}

func TestNewRecognizerModes(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Mode = "mock"
	if _, err := NewRecognizer(cfg); err != nil {
		t.Fatalf("mock recognizer: %v", err)
	}

	cfg.STT.Mode = "nemo"
	cfg.Nemo.ServerURL = "http://localhost:8989"
	if _, err := NewRecognizer(cfg); err != nil {
		t.Fatalf("nemo recognizer: %v", err)
	}

	cfg.Nemo.ServerURL = ""
	if _, err := NewRecognizer(cfg); err == nil {
		t.Fatal("expected error for empty server url")
	}

	cfg.STT.Mode = "bogus"
	if _, err := NewRecognizer(cfg); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
