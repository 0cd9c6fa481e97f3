// ABOUTME: Opus decoder turning received packets back into PCM bytes
package player

import (
	"encoding/binary"
	"fmt"

	opus "gopkg.in/hraban/opus.v2"

	"github.com/soundbridge/soundbridge/pkg/audio"
)

// Decoder decompresses Opus packets into little-endian 16-bit PCM.
type Decoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

// NewDecoder builds a decoder for the given playback format.
func NewDecoder(format audio.Format) (*Decoder, error) {
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	// Opus frames never exceed 120ms.
	maxSamples := format.SampleRate * 120 / 1000 * format.Channels
	return &Decoder{
		dec:      dec,
		channels: format.Channels,
		pcm:      make([]int16, maxSamples),
	}, nil
}

// Decode decompresses one packet. The returned slice is valid until the
// next call.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	samples := n * d.channels
	out := make([]byte, samples*audio.SampleBytes)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*audio.SampleBytes:], uint16(d.pcm[i]))
	}
	return out, nil
}
