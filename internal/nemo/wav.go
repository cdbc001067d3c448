package nemo

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-audio/wav"
)

// DecodePCM extracts raw little-endian s16 PCM and the sample rate
// from a RIFF/WAV container. The server wants the bare samples, not
// the container.
func DecodePCM(wavBytes []byte) ([]byte, int, error) {
	decoder := wav.NewDecoder(bytes.NewReader(wavBytes))
	if !decoder.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: not a valid wav file", ErrMalformedAudio)
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return nil, 0, fmt.Errorf("%w: missing format header", ErrMalformedAudio)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return pcm, buf.Format.SampleRate, nil
}
