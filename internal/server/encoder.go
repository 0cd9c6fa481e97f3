// ABOUTME: Opus frame encoder wrapping libopus with DTX silence suppression.
// ABOUTME: One encoder instance exists per active compression level.
package server

import (
	"encoding/binary"
	"fmt"

	opus "gopkg.in/hraban/opus.v2"

	"github.com/soundbridge/soundbridge/pkg/audio"
)

// EncoderError reports a failure to construct or drive an Opus encoder.
type EncoderError struct {
	Err error
}

func (e *EncoderError) Error() string { return fmt.Sprintf("opus encoder: %v", e.Err) }
func (e *EncoderError) Unwrap() error { return e.Err }

func encErr(format string, args ...any) error {
	return &EncoderError{Err: fmt.Errorf(format, args...)}
}

// FrameEncoder compresses fixed-size PCM frames at a single bitrate.
// DTX is enabled, so encoding silence yields no packet at all.
type FrameEncoder struct {
	enc         *opus.Encoder
	compression audio.Compression
	frameBytes  int
	samples     int
	pcm         []int16
	out         []byte
}

// NewFrameEncoder builds an encoder for the given compression level and
// input format. The format must use an Opus-supported sample rate and
// one or two channels.
func NewFrameEncoder(compression audio.Compression, format audio.Format) (*FrameEncoder, error) {
	if compression == audio.CompressionNone {
		return nil, encErr("compression level none needs no encoder")
	}
	if !audio.ValidOpusRate(format.SampleRate) {
		return nil, encErr("unsupported sample rate %d", format.SampleRate)
	}
	if format.Channels < 1 || format.Channels > 2 {
		return nil, encErr("unsupported channel count %d", format.Channels)
	}

	enc, err := opus.NewEncoder(format.SampleRate, format.Channels, opus.AppAudio)
	if err != nil {
		return nil, &EncoderError{Err: err}
	}
	if err := enc.SetBitrate(compression.Bitrate()); err != nil {
		return nil, &EncoderError{Err: err}
	}
	if err := enc.SetDTX(true); err != nil {
		return nil, &EncoderError{Err: err}
	}

	frameBytes := audio.FrameBytes(format.SampleRate, format.Channels)
	return &FrameEncoder{
		enc:         enc,
		compression: compression,
		frameBytes:  frameBytes,
		samples:     frameBytes / audio.SampleBytes,
		pcm:         make([]int16, frameBytes/audio.SampleBytes),
		out:         make([]byte, audio.MaxPacketBytes(compression.Bitrate())),
	}, nil
}

// Compression reports the level this encoder was built for.
func (e *FrameEncoder) Compression() audio.Compression { return e.compression }

// FrameBytes reports the exact input size Encode expects.
func (e *FrameEncoder) FrameBytes() int { return e.frameBytes }

// Encode compresses one frame of little-endian 16-bit PCM. A nil result
// with a nil error means DTX decided the frame carries nothing audible.
func (e *FrameEncoder) Encode(frame []byte) ([]byte, error) {
	if len(frame) != e.frameBytes {
		return nil, encErr("frame is %d bytes, want %d", len(frame), e.frameBytes)
	}
	for i := range e.pcm {
		e.pcm[i] = int16(binary.LittleEndian.Uint16(frame[i*audio.SampleBytes:]))
	}
	n, err := e.enc.Encode(e.pcm, e.out)
	if err != nil {
		return nil, &EncoderError{Err: err}
	}
	if n <= 2 {
		return nil, nil
	}
	packet := make([]byte, n)
	copy(packet, e.out[:n])
	return packet, nil
}
