// ABOUTME: Audio output using the oto library
// ABOUTME: Streams received PCM with software volume control
package player

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
	log "github.com/schollz/logger"

	"github.com/soundbridge/soundbridge/pkg/audio"
)

// Output plays a continuous PCM stream. Received buffers are queued
// into an internal stream the oto player drains; when the queue runs
// dry the stream pads with silence so playback never stalls.
type Output struct {
	otoCtx *oto.Context
	player *oto.Player
	stream *pcmStream
	format audio.Format

	mu     sync.Mutex
	volume int
	muted  bool
	ready  bool
}

// NewOutput creates an audio output at full volume.
func NewOutput() *Output {
	return &Output{volume: 100}
}

// Initialize sets up oto for the given format and starts the player.
func (o *Output) Initialize(format audio.Format) error {
	if o.ready {
		return fmt.Errorf("output already initialized")
	}

	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("oto context: %w", err)
	}
	<-readyChan

	o.otoCtx = ctx
	o.stream = newPCMStream()
	o.player = ctx.NewPlayer(o.stream)
	o.format = format
	o.ready = true
	o.player.Play()

	log.Infof("audio output: %s", format)
	return nil
}

// Play queues one buffer of little-endian 16-bit PCM.
func (o *Output) Play(pcm []byte) error {
	o.mu.Lock()
	volume, muted, ready := o.volume, o.muted, o.ready
	o.mu.Unlock()
	if !ready {
		return fmt.Errorf("output not initialized")
	}

	o.stream.write(scalePCM(pcm, volumeMultiplier(volume, muted)))
	return nil
}

// scalePCM applies a volume multiplier to 16-bit samples.
func scalePCM(pcm []byte, multiplier float64) []byte {
	out := make([]byte, len(pcm)&^1)
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		scaled := int16(float64(sample) * multiplier)
		binary.LittleEndian.PutUint16(out[i:], uint16(scaled))
	}
	return out
}

// SetVolume sets playback volume, clamped to 0-100.
func (o *Output) SetVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	o.mu.Lock()
	o.volume = volume
	o.mu.Unlock()
}

// SetMuted toggles mute without touching the volume setting.
func (o *Output) SetMuted(muted bool) {
	o.mu.Lock()
	o.muted = muted
	o.mu.Unlock()
}

// Volume returns the current volume.
func (o *Output) Volume() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.volume
}

// Close stops playback.
func (o *Output) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.ready {
		return
	}
	o.player.Close()
	o.otoCtx.Suspend()
	o.ready = false
}

func volumeMultiplier(volume int, muted bool) float64 {
	if muted {
		return 0.0
	}
	return float64(volume) / 100.0
}

// pcmStream is the io.Reader oto drains. Reads past the buffered data
// return silence instead of blocking.
type pcmStream struct {
	mu  sync.Mutex
	buf []byte
}

func newPCMStream() *pcmStream {
	return &pcmStream{}
}

func (s *pcmStream) write(pcm []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, pcm...)
	s.mu.Unlock()
}

func (s *pcmStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	n := copy(p, s.buf)
	s.buf = s.buf[:copy(s.buf, s.buf[n:])]
	s.mu.Unlock()

	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return len(p), nil
}

var _ io.Reader = (*pcmStream)(nil)
