// ABOUTME: Test tone endpoint generating a 440Hz sine wave
// ABOUTME: Serves as the default capture source when no device is named
package capture

import (
	"encoding/binary"
	"math"

	"github.com/soundbridge/soundbridge/pkg/audio"
)

// toneReader produces an endless 440Hz sine in the requested rate and
// channel count, 16-bit signed little-endian.
type toneReader struct {
	format      audio.Format
	frequency   float64
	sampleIndex uint64
	frame       []byte
	partial     []byte
}

func newToneEndpoint(requested audio.Format) Endpoint {
	format := requested
	format.BitDepth = 16
	format.Encoding = audio.EncodingSignedInt
	format.ByteOrder = audio.LittleEndian
	t := &toneReader{
		format:    format,
		frequency: 440.0,
		frame:     make([]byte, format.BlockAlign()),
	}
	return newClocked(t, format, nil)
}

func (t *toneReader) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if len(t.partial) == 0 {
			sec := float64(t.sampleIndex) / float64(t.format.SampleRate)
			v := math.Sin(2 * math.Pi * t.frequency * sec)
			pcm := uint16(int16(v * 32767.0 * 0.5)) // 50% volume
			t.sampleIndex++
			for ch := 0; ch < t.format.Channels; ch++ {
				binary.LittleEndian.PutUint16(t.frame[ch*2:], pcm)
			}
			t.partial = t.frame
		}
		n := copy(p[total:], t.partial)
		t.partial = t.partial[n:]
		total += n
	}
	return total, nil
}
