package nemo

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func encodeTestWAV(t *testing.T, samples []int, sampleRate int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:   samples,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	f.Close()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func TestDecodePCMRoundTrip(t *testing.T) {
	samples := []int{0, 1000, -1000, 32767, -32768}
	wavBytes := encodeTestWAV(t, samples, 16000)

	pcm, sampleRate, err := DecodePCM(wavBytes)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sampleRate != 16000 {
		t.Fatalf("unexpected sample rate: %d", sampleRate)
	}
	if len(pcm) != len(samples)*2 {
		t.Fatalf("expected %d bytes, got %d", len(samples)*2, len(pcm))
	}
	for i, want := range samples {
		got := int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		if got != want {
			t.Fatalf("sample %d: expected %d, got %d", i, want, got)
		}
	}
}

func TestDecodePCMRejectsGarbage(t *testing.T) {
	if _, _, err := DecodePCM([]byte("definitely not riff")); !errors.Is(err, ErrMalformedAudio) {
		t.Fatalf("expected ErrMalformedAudio, got %v", err)
	}
}

func TestDecodePCMRejectsTruncated(t *testing.T) {
	wavBytes := encodeTestWAV(t, []int{1, 2, 3, 4}, 16000)
	if _, _, err := DecodePCM(wavBytes[:12]); !errors.Is(err, ErrMalformedAudio) {
		t.Fatalf("expected ErrMalformedAudio, got %v", err)
	}
}
