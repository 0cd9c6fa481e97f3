// ABOUTME: Audio type definitions for the capture and streaming pipeline
// ABOUTME: Defines PCM formats, compression levels and Opus frame arithmetic
package audio

import "fmt"

// Encoding identifies how a single sample is stored.
type Encoding int

const (
	EncodingUnknown Encoding = iota
	EncodingSignedInt
	EncodingUnsignedInt
	EncodingFloat
)

// ByteOrder of multi-byte samples.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

// Format describes a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Encoding   Encoding
	ByteOrder  ByteOrder
}

// DefaultFormat is the canonical streaming format: 48kHz stereo 16-bit
// signed little-endian. The capture endpoint may deliver something else,
// in which case a resampler sits in front of the pipeline.
func DefaultFormat() Format {
	return Format{
		SampleRate: 48000,
		Channels:   2,
		BitDepth:   16,
		Encoding:   EncodingSignedInt,
		ByteOrder:  LittleEndian,
	}
}

// BlockAlign returns the size in bytes of one frame of samples
// (one sample per channel).
func (f Format) BlockAlign() int {
	return f.Channels * f.BitDepth / 8
}

// BytesPerSecond returns the raw PCM data rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BlockAlign()
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// Compression is a client-requested compression level: a named Opus
// bitrate, or None for uncompressed PCM passthrough.
type Compression int

const (
	CompressionNone Compression = iota
	Compression64k
	Compression128k
	Compression192k
	Compression256k
	Compression320k
)

// Bitrate returns the Opus bitrate in bits per second, or 0 for None.
func (c Compression) Bitrate() int {
	switch c {
	case Compression64k:
		return 64000
	case Compression128k:
		return 128000
	case Compression192k:
		return 192000
	case Compression256k:
		return 256000
	case Compression320k:
		return 320000
	}
	return 0
}

func (c Compression) String() string {
	if c == CompressionNone {
		return "none"
	}
	return fmt.Sprintf("%dkbps", c.Bitrate()/1000)
}

// Wire returns the protocol representation of the compression level.
func (c Compression) Wire() byte {
	return byte(c)
}

// CompressionFromWire maps a protocol compression value to the enum.
// Returns false for any value outside 0-5.
func CompressionFromWire(v byte) (Compression, bool) {
	if v > byte(Compression320k) {
		return CompressionNone, false
	}
	return Compression(v), true
}

// Opus framing constants. The encoder works on fixed 10ms frames;
// at 48kHz the permitted Opus frame sizes are 120, 240, 480, 960,
// 1920 and 2880 samples, of which 480 corresponds to 10ms.
const (
	FrameDurationMs = 10
	SampleBytes     = 2 // 16-bit samples
)

// OpusSampleRates lists the sample rates the Opus codec accepts.
var OpusSampleRates = []int{8000, 12000, 16000, 24000, 48000}

// ValidOpusRate reports whether rate is one of the supported Opus rates.
func ValidOpusRate(rate int) bool {
	for _, r := range OpusSampleRates {
		if r == rate {
			return true
		}
	}
	return false
}

// FrameSamples returns the number of samples per channel in one frame.
func FrameSamples(sampleRate int) int {
	return sampleRate * FrameDurationMs / 1000
}

// FrameBytes returns the exact input size in bytes the encoder requires
// for one frame of 16-bit PCM.
func FrameBytes(sampleRate, channels int) int {
	return FrameSamples(sampleRate) * channels * SampleBytes
}

// MaxPacketBytes returns the upper bound on an encoded packet for the
// given bitrate: 2 * bitrate * frameDuration / 8000.
func MaxPacketBytes(bitrate int) int {
	return 2 * bitrate * FrameDurationMs / (1000 * 8)
}
