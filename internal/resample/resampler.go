// ABOUTME: Streaming PCM format converter between endpoint and canonical formats
// ABOUTME: Linear-interpolation resampler with an accumulating output byte sink
package resample

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/soundbridge/soundbridge/pkg/audio"
)

// ErrUnsupportedFormat is returned when no converter can be built for
// the given format pair.
var ErrUnsupportedFormat = errors.New("resample: unsupported format")

// Resampler converts PCM chunks from an input format to an output
// format. It is a stateful filter: the amount of output produced per
// input chunk is not 1:1, so converted bytes accumulate internally and
// callers drain full frames with Read independently of input granularity.
type Resampler struct {
	in  audio.Format
	out audio.Format

	ratio float64 // input frames consumed per output frame

	// carry holds the last input frame (per output channel) so
	// interpolation stays continuous across chunk boundaries.
	carry []float64
	pos   float64

	// remainder keeps a partial input sample split across chunks.
	remainder []byte

	buf bytes.Buffer
}

// New builds a converter from in to out. The output side must be the
// canonical 16-bit signed little-endian layout; the input side may be
// 16-bit signed or 32-bit float, mono or stereo.
func New(in, out audio.Format) (*Resampler, error) {
	if out.BitDepth != 16 || out.Encoding != audio.EncodingSignedInt || out.ByteOrder != audio.LittleEndian {
		return nil, fmt.Errorf("%w: output %s", ErrUnsupportedFormat, out)
	}
	if in.ByteOrder != audio.LittleEndian {
		return nil, fmt.Errorf("%w: big-endian input", ErrUnsupportedFormat)
	}
	switch {
	case in.BitDepth == 16 && in.Encoding == audio.EncodingSignedInt:
	case in.BitDepth == 32 && in.Encoding == audio.EncodingFloat:
	default:
		return nil, fmt.Errorf("%w: input %s", ErrUnsupportedFormat, in)
	}
	if in.Channels < 1 || in.Channels > 2 || out.Channels < 1 || out.Channels > 2 {
		return nil, fmt.Errorf("%w: channel counts %d -> %d", ErrUnsupportedFormat, in.Channels, out.Channels)
	}
	if in.SampleRate <= 0 || out.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rates %d -> %d", ErrUnsupportedFormat, in.SampleRate, out.SampleRate)
	}

	r := &Resampler{
		in:    in,
		out:   out,
		ratio: float64(in.SampleRate) / float64(out.SampleRate),
	}
	// Headroom so a typical chunk converts without reallocation.
	r.buf.Grow(2 * out.SampleRate / in.SampleRate * 8192)
	return r, nil
}

// Process converts one input chunk and appends the result to the
// internal buffer.
func (r *Resampler) Process(chunk []byte) {
	data := chunk
	if len(r.remainder) > 0 {
		data = append(r.remainder, chunk...)
		r.remainder = nil
	}

	align := r.in.BlockAlign()
	whole := len(data) / align * align
	if whole < len(data) {
		r.remainder = append([]byte(nil), data[whole:]...)
		data = data[:whole]
	}
	if len(data) == 0 {
		return
	}

	frames := r.decode(data)
	if len(r.carry) > 0 {
		frames = append(r.carry, frames...)
	} else if r.pos == 0 {
		// First chunk: duplicate the leading frame as the left
		// interpolation anchor.
		frames = append(frames[:r.out.Channels:r.out.Channels], frames...)
	}

	ch := r.out.Channels
	nFrames := len(frames) / ch
	for r.pos+1 < float64(nFrames) {
		i := int(r.pos)
		frac := r.pos - float64(i)
		for c := 0; c < ch; c++ {
			v := frames[i*ch+c]*(1-frac) + frames[(i+1)*ch+c]*frac
			r.writeSample(v)
		}
		r.pos += r.ratio
	}

	// Keep the final frame for the next chunk and rebase the position.
	r.carry = append(r.carry[:0], frames[(nFrames-1)*ch:]...)
	r.pos -= float64(nFrames - 1)
	if r.pos < 0 {
		r.pos = 0
	}
}

// Buffered returns the number of converted bytes awaiting Read.
func (r *Resampler) Buffered() int {
	return r.buf.Len()
}

// Read consumes and returns exactly n converted bytes, or nil if fewer
// are buffered.
func (r *Resampler) Read(n int) []byte {
	if r.buf.Len() < n {
		return nil
	}
	out := make([]byte, n)
	r.buf.Read(out)
	return out
}

// decode converts raw input bytes to interleaved float frames in the
// output channel layout, values in [-1, 1].
func (r *Resampler) decode(data []byte) []float64 {
	inCh := r.in.Channels
	outCh := r.out.Channels
	sampleSize := r.in.BitDepth / 8
	nFrames := len(data) / (inCh * sampleSize)
	out := make([]float64, 0, nFrames*outCh)

	readSample := func(off int) float64 {
		if r.in.BitDepth == 16 {
			return float64(int16(binary.LittleEndian.Uint16(data[off:]))) / 32768.0
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
	}

	for f := 0; f < nFrames; f++ {
		base := f * inCh * sampleSize
		switch {
		case inCh == outCh:
			for c := 0; c < inCh; c++ {
				out = append(out, readSample(base+c*sampleSize))
			}
		case inCh == 1: // mono -> stereo
			v := readSample(base)
			out = append(out, v, v)
		default: // stereo -> mono
			l := readSample(base)
			rr := readSample(base + sampleSize)
			out = append(out, (l+rr)/2)
		}
	}
	return out
}

func (r *Resampler) writeSample(v float64) {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	s := int16(v * 32767)
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(s))
	r.buf.Write(b[:])
}
