// Package stt turns audio frames from the bus into transcript events
// by delegating to a pluggable Recognizer backend.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/parakeetlabs/parakeet-bridge/internal/bus"
	"github.com/parakeetlabs/parakeet-bridge/internal/config"
	"github.com/parakeetlabs/parakeet-bridge/internal/history"
	"github.com/parakeetlabs/parakeet-bridge/internal/protocol"
)

// NewRecognizer builds the backend selected by stt.mode.
func NewRecognizer(cfg config.Config) (Recognizer, error) {
	switch cfg.STT.Mode {
	case "nemo":
		return NewNemoRecognizer(cfg.Nemo)
	case "exec":
		return NewExecRecognizer(cfg.STT)
	case "mock":
		return NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.STT.Mode)
	}
}

type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	store      *history.Store
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool

	latency      metric.Float64Histogram
	audioSeconds metric.Float64Counter
	failures     metric.Int64Counter
}

type sessionState struct {
	Buffer       []byte
	LastPartial  time.Time
	LastFrame    time.Time
	Inflight     bool
	PendingFinal bool
}

// NewService wires the recognizer to the bus. store may be nil when
// transcript history is disabled.
func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, store *history.Store) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		store:      store,
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.initMetrics()
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter("github.com/parakeetlabs/parakeet-bridge/stt")
	var err error
	s.latency, err = meter.Float64Histogram("stt.recognize.latency_ms",
		metric.WithDescription("Recognition round-trip latency"))
	if err != nil {
		return
	}
	s.audioSeconds, err = meter.Float64Counter("stt.audio.seconds",
		metric.WithDescription("Seconds of audio submitted for recognition"))
	if err != nil {
		return
	}
	s.failures, _ = meter.Int64Counter("stt.recognize.failures",
		metric.WithDescription("Failed recognition attempts"))
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.wg.Add(1)
	go s.runJanitor()
	s.ready = true
	return nil
}

// runJanitor drops sessions whose producer stopped sending frames
// without ever marking one final.
func (s *Service) runJanitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.evictIdleSessions(time.Now())
		}
	}
}

func (s *Service) evictIdleSessions(now time.Time) {
	timeout := time.Duration(s.cfg.SessionIdleTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.sessions {
		if state.Inflight || state.LastFrame.IsZero() {
			continue
		}
		if now.Sub(state.LastFrame) > timeout {
			delete(s.sessions, id)
			if s.bus != nil {
				s.bus.Logger().Debug("evicted idle stt session", slog.String("session_id", id))
			}
		}
	}
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.bus.Logger().Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{}
		s.sessions[frame.SessionID] = state
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	state.LastFrame = time.Now()
	if max := s.cfg.MaxSessionBytes; max > 0 && len(state.Buffer) > max {
		trim := len(state.Buffer) - max
		if trim%2 != 0 {
			trim++ // keep s16 sample alignment
		}
		state.Buffer = append(state.Buffer[:0], state.Buffer[trim:]...)
	}
	s.mu.Unlock()

	if s.cfg.PublishInterim && !frame.Final {
		if s.shouldSchedulePartial(frame.SessionID) {
			s.scheduleTranscription(frame.SessionID, false)
		}
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil {
		return false
	}
	if state.Inflight {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.LastPartial) >= interval {
		state.LastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.Buffer...)
	state.Inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		start := time.Now()
		result, err := s.recognizer.Transcribe(ctx, pcm, s.cfg.SampleRate, s.cfg.Channels, final)
		s.recordMetrics(ctx, pcm, start, result, err)
		if err != nil {
			s.bus.Logger().Warn("stt transcription failed", slogError(err))
		} else {
			s.publishTranscript(sessionID, result, final)
		}

		s.mu.Lock()
		state := s.sessions[sessionID]
		var pendingFinal bool
		if state != nil {
			state.Inflight = false
			pendingFinal = state.PendingFinal
			if !final {
				state.LastPartial = time.Now()
			}
			if final {
				delete(s.sessions, sessionID)
			}
		}
		s.mu.Unlock()

		if pendingFinal && !final {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) recordMetrics(ctx context.Context, pcm []byte, start time.Time, result TranscriptResult, err error) {
	attrs := metric.WithAttributes(attribute.String("model", result.Model))
	if s.latency != nil {
		s.latency.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}
	if err != nil {
		if s.failures != nil {
			s.failures.Add(ctx, 1)
		}
		return
	}
	if s.audioSeconds != nil && s.cfg.SampleRate > 0 && s.cfg.Channels > 0 {
		seconds := float64(len(pcm)) / float64(s.cfg.SampleRate*s.cfg.Channels*2)
		s.audioSeconds.Add(ctx, seconds, attrs)
	}
}

func (s *Service) publishTranscript(sessionID string, result TranscriptResult, final bool) {
	if result.Text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Partial:    !final,
		Model:      result.Model,
		Language:   result.Language,
		Confidence: result.Confidence,
		LatencyMS:  result.Latency.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.bus.Logger().Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.bus.Logger().Warn("failed to publish transcript", slogError(err))
	}
	if final && s.store != nil {
		if err := s.store.AppendTranscript(s.ctx, history.Transcript{
			SessionID: sessionID,
			Text:      result.Text,
			Model:     result.Model,
			Language:  result.Language,
			LatencyMS: result.Latency.Milliseconds(),
		}); err != nil {
			s.bus.Logger().Warn("failed to record transcript history", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
