// ABOUTME: Capture-to-network pipeline slicing PCM into 10ms frames and
// ABOUTME: producing one payload per active compression level per frame.
package server

import (
	"context"
	"sort"
	"sync"

	log "github.com/schollz/logger"

	"github.com/soundbridge/soundbridge/internal/capture"
	"github.com/soundbridge/soundbridge/internal/resample"
	"github.com/soundbridge/soundbridge/pkg/audio"
)

// Sender is the transport the pipeline hands finished frames to.
type Sender interface {
	SendAudio(compression audio.Compression, seq uint32, payload []byte)
}

// frameEncoder is the slice of FrameEncoder the pipeline drives.
type frameEncoder interface {
	Encode(frame []byte) ([]byte, error)
}

// Pipeline consumes captured PCM, resamples it to the canonical format
// when the device speaks something else, and fans each 10ms frame out
// through the sender at every compression level clients are listening on.
// A single sequence counter is shared across all levels.
type Pipeline struct {
	src        *capture.Capture
	sender     Sender
	format     audio.Format
	frameBytes int
	resampler  *resample.Resampler

	newEncoder func(audio.Compression, audio.Format) (frameEncoder, error)

	mu       sync.Mutex
	encoders map[audio.Compression]frameEncoder
	levels   []audio.Compression
	muted    bool
	seq      uint32
	buf      []byte

	done chan struct{}
}

// NewPipeline wires a capture source to a sender. The canonical output
// format must be Opus-encodable; a resampler is built when the device's
// native format differs from it.
func NewPipeline(src *capture.Capture, sender Sender, format audio.Format) (*Pipeline, error) {
	p := &Pipeline{
		src:        src,
		sender:     sender,
		format:     format,
		frameBytes: audio.FrameBytes(format.SampleRate, format.Channels),
		encoders:   make(map[audio.Compression]frameEncoder),
		newEncoder: func(c audio.Compression, f audio.Format) (frameEncoder, error) {
			return NewFrameEncoder(c, f)
		},
		done: make(chan struct{}),
	}
	if src.ResampleRequired() {
		r, err := resample.New(src.NativeFormat(), format)
		if err != nil {
			return nil, err
		}
		p.resampler = r
	}
	return p, nil
}

// SetCompressions reconciles the encoder set with the compression levels
// the connected clients want. Registered via the registry builder's
// OnCompressions.
func (p *Pipeline) SetCompressions(levels []audio.Compression) {
	p.mu.Lock()
	defer p.mu.Unlock()

	want := make(map[audio.Compression]bool, len(levels))
	for _, level := range levels {
		want[level] = true
	}
	for level := range p.encoders {
		if !want[level] {
			delete(p.encoders, level)
		}
	}
	for _, level := range levels {
		if level == audio.CompressionNone {
			continue
		}
		if _, ok := p.encoders[level]; ok {
			continue
		}
		enc, err := p.newEncoder(level, p.format)
		if err != nil {
			log.Errorf("encoder for %s: %v", level, err)
			continue
		}
		p.encoders[level] = enc
	}

	p.levels = p.levels[:0]
	for level := range want {
		p.levels = append(p.levels, level)
	}
	sort.Slice(p.levels, func(i, j int) bool { return p.levels[i] < p.levels[j] })
}

// SetMuted pauses frame production without tearing down capture.
func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

// Muted reports whether the pipeline is discarding captured audio.
func (p *Pipeline) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// Start begins capture and frame production.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.src.Start(ctx); err != nil {
		return err
	}
	go p.run()
	return nil
}

// Stop halts capture and waits for the production loop to drain.
func (p *Pipeline) Stop() {
	p.src.Stop()
	<-p.done
}

func (p *Pipeline) run() {
	defer close(p.done)
	for chunk := range p.src.Chunks() {
		p.process(chunk)
	}
}

func (p *Pipeline) process(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.muted || len(p.levels) == 0 {
		return
	}

	if p.resampler != nil {
		p.resampler.Process(chunk)
		if n := p.resampler.Buffered(); n > 0 {
			p.buf = append(p.buf, p.resampler.Read(n)...)
		}
	} else {
		p.buf = append(p.buf, chunk...)
	}

	for len(p.buf) >= p.frameBytes {
		p.emitLocked(p.buf[:p.frameBytes])
		p.buf = p.buf[:copy(p.buf, p.buf[p.frameBytes:])]
	}
}

func (p *Pipeline) emitLocked(frame []byte) {
	for _, level := range p.levels {
		if level == audio.CompressionNone {
			payload := make([]byte, len(frame))
			copy(payload, frame)
			p.sender.SendAudio(level, p.seq, payload)
			continue
		}
		enc, ok := p.encoders[level]
		if !ok {
			continue
		}
		payload, err := enc.Encode(frame)
		if err != nil {
			log.Errorf("encode %s: %v", level, err)
			continue
		}
		if payload == nil {
			continue
		}
		p.sender.SendAudio(level, p.seq, payload)
	}
	p.seq++
}
