// ABOUTME: Timer-tick capture loop with silence compensation
// ABOUTME: Delivers owned PCM chunks over a capacity-1 handoff channel
package capture

import (
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"
	"time"

	log "github.com/schollz/logger"

	"github.com/soundbridge/soundbridge/internal/metrics"
	"github.com/soundbridge/soundbridge/pkg/audio"
)

// Capture produces a continuous stream of PCM chunks from an endpoint.
// A silent endpoint stops delivering data entirely; the loop injects
// zero-filled buffers to keep the stream's wall-clock rate stable,
// which downstream framing and sequencing depend on.
type Capture struct {
	endpoint       Endpoint
	requested      audio.Format
	resampleNeeded bool

	chunks chan []byte
	errCh  chan error
	cancel context.CancelFunc
	done   chan struct{}

	peak atomic.Uint64 // math.Float64bits of the last peak
}

// Open binds the capture source identified by deviceID and determines
// whether its native format matches the requested one.
func Open(deviceID string, requested audio.Format) (*Capture, error) {
	ep, err := OpenEndpoint(deviceID, requested)
	if err != nil {
		return nil, err
	}
	return newCapture(ep, requested), nil
}

func newCapture(ep Endpoint, requested audio.Format) *Capture {
	c := &Capture{
		endpoint:       ep,
		requested:      requested,
		resampleNeeded: !formatEqual(ep.Format(), requested),
		chunks:         make(chan []byte, 1),
		errCh:          make(chan error, 1),
		done:           make(chan struct{}),
	}
	c.peak.Store(math.Float64bits(-1))
	return c
}

// NativeFormat is the format of the chunks the endpoint delivers.
func (c *Capture) NativeFormat() audio.Format { return c.endpoint.Format() }

// ResampleRequired reports whether the endpoint's native format
// differs from the requested format.
func (c *Capture) ResampleRequired() bool { return c.resampleNeeded }

// Chunks is the stream of captured PCM. The channel has capacity one:
// the producer waits until the consumer has taken the previous chunk.
// Every chunk is an owned copy; the consumer may hold it freely.
// The channel is closed when the capture loop exits.
func (c *Capture) Chunks() <-chan []byte { return c.chunks }

// Err reports a fatal capture failure, if any.
func (c *Capture) Err() <-chan error { return c.errCh }

// Peak returns the last observed peak sample amplitude in [0, 1], or
// -1 before any data has been seen. Purely observational.
func (c *Capture) Peak() float64 {
	return math.Float64frombits(c.peak.Load())
}

// Start begins delivering chunks.
func (c *Capture) Start(ctx context.Context) error {
	if err := c.endpoint.Start(); err != nil {
		return err
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Stop halts the timer loop and releases the endpoint. Safe to call
// while a chunk delivery is in flight; the loop abandons it instead of
// delivering to a dead consumer.
func (c *Capture) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.endpoint.Close()
}

func (c *Capture) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.chunks)

	bufferDuration := c.endpoint.BufferDuration()
	tickPeriod := bufferDuration / 2
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	format := c.endpoint.Format()
	silenceBytes := int(int64(format.BytesPerSecond()) * int64(tickPeriod) / int64(time.Second))
	silenceBytes -= silenceBytes % format.BlockAlign()

	var silenceDebt time.Duration

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := c.endpoint.Pending()
		if err != nil {
			c.fail(err)
			return
		}

		if pending == 0 {
			// Accumulate uncompensated silence; once a full device
			// buffer of it piles up, emit one synthetic buffer.
			silenceDebt += tickPeriod
			if silenceDebt >= bufferDuration {
				metrics.SilenceBuffers.Inc()
				if !c.deliver(ctx, make([]byte, silenceBytes)) {
					return
				}
				silenceDebt -= tickPeriod
			}
			continue
		}
		silenceDebt = 0

		// Drain every packet currently available, each as its own chunk.
		for pending > 0 {
			pkt, err := c.endpoint.ReadPacket()
			if err != nil {
				c.fail(err)
				return
			}
			if len(pkt) == 0 {
				break
			}
			c.updatePeak(pkt)
			if !c.deliver(ctx, pkt) {
				return
			}
			if pending, err = c.endpoint.Pending(); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// deliver hands a chunk to the consumer, or abandons it if the capture
// is being stopped.
func (c *Capture) deliver(ctx context.Context, chunk []byte) bool {
	select {
	case c.chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Capture) fail(err error) {
	log.Errorf("capture: %v", err)
	select {
	case c.errCh <- err:
	default:
	}
}

// updatePeak scans a 16-bit chunk for its largest absolute sample.
func (c *Capture) updatePeak(chunk []byte) {
	var peak float64
	for i := 0; i+1 < len(chunk); i += 2 {
		s := int16(binary.LittleEndian.Uint16(chunk[i:]))
		v := math.Abs(float64(s)) / 32768.0
		if v > peak {
			peak = v
		}
	}
	c.peak.Store(math.Float64bits(peak))
}
