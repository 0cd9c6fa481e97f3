// ABOUTME: Capture endpoint abstraction over devices, files and test tones
// ABOUTME: Endpoints expose pending-data queries the timer-tick loop drains
package capture

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/soundbridge/soundbridge/pkg/audio"
)

// Endpoint is one live audio input. The capture loop polls Pending on
// a timer and drains every available packet; an endpoint that has no
// data simply reports zero pending bytes.
type Endpoint interface {
	// Format is the endpoint's native PCM format.
	Format() audio.Format
	// BufferDuration is the endpoint's device buffer period; the
	// capture loop ticks at half this.
	BufferDuration() time.Duration
	// Start begins data delivery.
	Start() error
	// Pending returns the number of bytes currently available.
	Pending() (int, error)
	// ReadPacket returns the next pending packet, up to the
	// endpoint's packet granularity. Never blocks.
	ReadPacket() ([]byte, error)
	Close() error
}

// defaultBufferDuration approximates a shared-mode device buffer.
const defaultBufferDuration = 20 * time.Millisecond

// OpenEndpoint binds the named endpoint. Device id forms:
//
//	"tone:"          built-in 440Hz test tone
//	"file:<path>"    loop an MP3 or FLAC file as a live source
//	anything else    handed to ffmpeg as an input (device or URL)
func OpenEndpoint(deviceID string, requested audio.Format) (Endpoint, error) {
	switch {
	case deviceID == "" || deviceID == "tone:":
		return newToneEndpoint(requested), nil
	case strings.HasPrefix(deviceID, "file:"):
		return openFileEndpoint(strings.TrimPrefix(deviceID, "file:"))
	default:
		return openFFmpegEndpoint(deviceID, requested)
	}
}

// clocked adapts a PCM byte reader into a live endpoint by metering
// availability against the wall clock, so file and tone sources behave
// like a real device instead of delivering data as fast as possible.
type clocked struct {
	r      io.Reader
	format audio.Format
	closer io.Closer

	mu       sync.Mutex
	start    time.Time
	consumed int64
}

func newClocked(r io.Reader, format audio.Format, closer io.Closer) *clocked {
	return &clocked{r: r, format: format, closer: closer}
}

func (c *clocked) Format() audio.Format          { return c.format }
func (c *clocked) BufferDuration() time.Duration { return defaultBufferDuration }

func (c *clocked) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = time.Now()
	c.consumed = 0
	return nil
}

func (c *clocked) available() int {
	if c.start.IsZero() {
		return 0
	}
	elapsed := time.Since(c.start)
	produced := int64(elapsed) * int64(c.format.BytesPerSecond()) / int64(time.Second)
	avail := produced - c.consumed
	// Cap the backlog at one second so a stalled consumer does not
	// cause an unbounded burst on resume.
	if max := int64(c.format.BytesPerSecond()); avail > max {
		c.consumed = produced - max
		avail = max
	}
	align := int64(c.format.BlockAlign())
	avail -= avail % align
	if avail < 0 {
		avail = 0
	}
	return int(avail)
}

func (c *clocked) Pending() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available(), nil
}

func (c *clocked) ReadPacket() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	avail := c.available()
	if avail == 0 {
		return nil, nil
	}
	// One device buffer's worth per packet, like a shared-mode
	// capture client delivers.
	maxPkt := c.format.BytesPerSecond() / int(time.Second/defaultBufferDuration)
	if avail > maxPkt {
		avail = maxPkt
	}
	buf := make([]byte, avail)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, errAt(StageRead, err)
	}
	c.consumed += int64(avail)
	return buf, nil
}

func (c *clocked) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// formatEqual compares the fields that matter for the wire.
func formatEqual(a, b audio.Format) bool {
	return a.SampleRate == b.SampleRate &&
		a.Channels == b.Channels &&
		a.BitDepth == b.BitDepth &&
		a.Encoding == b.Encoding &&
		a.ByteOrder == b.ByteOrder
}

func unsupportedFile(path string) error {
	return errAt(StageOpen, fmt.Errorf("unsupported audio file: %s (supported: .mp3, .flac)", path))
}
