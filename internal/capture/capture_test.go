// ABOUTME: Tests for the capture loop and its endpoints
// ABOUTME: Covers silence compensation, chunk delivery and clean shutdown
package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/soundbridge/soundbridge/pkg/audio"
)

// fakeEndpoint is a scriptable endpoint: the test controls how many
// bytes are pending at any moment.
type fakeEndpoint struct {
	mu      sync.Mutex
	format  audio.Format
	pending []byte
	started bool
	closed  bool
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{format: audio.DefaultFormat()}
}

func (f *fakeEndpoint) Format() audio.Format          { return f.format }
func (f *fakeEndpoint) BufferDuration() time.Duration { return 20 * time.Millisecond }

func (f *fakeEndpoint) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeEndpoint) Pending() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending), nil
}

func (f *fakeEndpoint) ReadPacket() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkt := f.pending
	f.pending = nil
	return pkt, nil
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEndpoint) feed(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, data...)
}

func TestSilenceCompensation(t *testing.T) {
	ep := newFakeEndpoint()
	c := newCapture(ep, audio.DefaultFormat())
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	// No data is pending. After one full buffer duration of silence a
	// synthetic zero buffer must appear.
	select {
	case chunk := <-c.Chunks():
		// One tick period of 48kHz stereo 16-bit: 10ms = 1920 bytes.
		if len(chunk) != 1920 {
			t.Errorf("silence chunk size = %d, want 1920", len(chunk))
		}
		for i, b := range chunk {
			if b != 0 {
				t.Fatalf("silence chunk byte %d = %d, want 0", i, b)
			}
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("no synthetic silence buffer emitted")
	}

	// Real data resumes and is delivered as-is.
	data := make([]byte, 1920)
	for i := range data {
		data[i] = byte(i)
	}
	ep.feed(data)

	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case chunk := <-c.Chunks():
			if chunk[1] != 0 { // not a silence buffer
				if len(chunk) != len(data) {
					t.Errorf("data chunk size = %d, want %d", len(chunk), len(data))
				}
				return
			}
		case <-deadline:
			t.Fatal("real data never delivered")
		}
	}
}

func TestPeakTracksDeliveredAudio(t *testing.T) {
	ep := newFakeEndpoint()
	c := newCapture(ep, audio.DefaultFormat())

	if got := c.Peak(); got != -1 {
		t.Errorf("initial peak = %v, want -1 sentinel", got)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	// A full-scale sample should drive the peak close to 1.0.
	data := make([]byte, 1920)
	data[0] = 0xFF
	data[1] = 0x7F // 32767
	ep.feed(data)

	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case <-c.Chunks():
			if p := c.Peak(); p > 0.99 {
				return
			}
		case <-deadline:
			t.Fatalf("peak = %v, want ~1.0", c.Peak())
		}
	}
}

func TestStopAbandonsInFlightDelivery(t *testing.T) {
	ep := newFakeEndpoint()
	c := newCapture(ep, audio.DefaultFormat())
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Nobody reads from Chunks; silence buffers will fill the
	// capacity-1 channel and block the producer mid-delivery.
	time.Sleep(150 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on an in-flight delivery")
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.closed {
		t.Error("endpoint not released on Stop")
	}
}

func TestChunksChannelClosedAfterStop(t *testing.T) {
	ep := newFakeEndpoint()
	c := newCapture(ep, audio.DefaultFormat())
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Stop()

	// Drain anything buffered; the channel must eventually close.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-c.Chunks():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("chunks channel never closed")
		}
	}
}

func TestResampleRequiredDetection(t *testing.T) {
	ep := newFakeEndpoint()
	ep.format.SampleRate = 44100

	c := newCapture(ep, audio.DefaultFormat())
	if !c.ResampleRequired() {
		t.Error("44.1kHz endpoint vs 48kHz canonical: resample not flagged")
	}

	c2 := newCapture(newFakeEndpoint(), audio.DefaultFormat())
	if c2.ResampleRequired() {
		t.Error("matching formats flagged for resampling")
	}
}

func TestOpenEndpointUnknownFile(t *testing.T) {
	_, err := OpenEndpoint("file:/does/not/exist.mp3", audio.DefaultFormat())
	if err == nil {
		t.Fatal("expected error for missing file")
	}

	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Stage != StageOpen {
		t.Errorf("error = %v, want capture open error", err)
	}
}

// firehoseReader never blocks and never ends, like ffmpeg decoding a
// local file far faster than realtime.
type firehoseReader struct{}

func (firehoseReader) Read(p []byte) (int, error) { return len(p), nil }

func TestFFmpegEndpointBoundsPendingBuffer(t *testing.T) {
	format := audio.DefaultFormat()
	e := &ffmpegEndpoint{
		input:  "track.wav",
		format: format,
		stdout: io.NopCloser(firehoseReader{}),
		maxBuf: format.BytesPerSecond(),
	}
	e.full = sync.NewCond(&e.mu)
	go e.pump()
	defer e.Close()

	waitPending := func(want int) int {
		deadline := time.Now().Add(2 * time.Second)
		for {
			n, err := e.Pending()
			if err != nil {
				t.Fatalf("Pending: %v", err)
			}
			if n >= want {
				return n
			}
			if time.Now().After(deadline) {
				t.Fatalf("pending stuck at %d, want >= %d", n, want)
			}
			time.Sleep(time.Millisecond)
		}
	}

	waitPending(e.maxBuf)

	// The source would happily deliver gigabytes; the buffer must hold
	// at the cap (plus at most one in-flight read chunk).
	time.Sleep(20 * time.Millisecond)
	if n, _ := e.Pending(); n > e.maxBuf+4096 {
		t.Fatalf("pending = %d, want <= %d", n, e.maxBuf+4096)
	}

	// Draining wakes the pump back up.
	pkt, err := e.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if len(pkt) == 0 {
		t.Fatal("ReadPacket returned no audio from a full buffer")
	}
	waitPending(e.maxBuf)
}
