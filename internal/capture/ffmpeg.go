// ABOUTME: ffmpeg-backed capture endpoint for OS devices and stream URLs
// ABOUTME: Spawns ffmpeg emitting raw PCM and buffers its stdout asynchronously
package capture

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	log "github.com/schollz/logger"

	"github.com/soundbridge/soundbridge/pkg/audio"
)

// ffmpegEndpoint captures from anything ffmpeg can open: pulse/alsa
// devices, HLS URLs, plain files. ffmpeg converts to the requested
// format so no resampling is needed downstream.
//
// Non-live inputs decode faster than realtime, so the pending buffer is
// capped at one second: once full, the pump stops reading and the full
// stdout pipe throttles ffmpeg until the capture loop drains.
type ffmpegEndpoint struct {
	input  string
	format audio.Format
	cmd    *exec.Cmd
	stdout io.ReadCloser

	mu      sync.Mutex
	full    *sync.Cond
	buf     []byte
	maxBuf  int
	closed  bool
	readErr error
}

func openFFmpegEndpoint(input string, requested audio.Format) (Endpoint, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errAt(StageOpen, fmt.Errorf("ffmpeg not found in PATH: %w", err))
	}

	format := requested
	format.BitDepth = 16
	format.Encoding = audio.EncodingSignedInt
	format.ByteOrder = audio.LittleEndian

	cmd := exec.Command("ffmpeg",
		"-loglevel", "error",
		"-i", input,
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", format.SampleRate),
		"-ac", fmt.Sprintf("%d", format.Channels),
		"-")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errAt(StageOpen, err)
	}

	log.Debugf("ffmpeg endpoint: %s (%s)", input, format)
	e := &ffmpegEndpoint{
		input:  input,
		format: format,
		cmd:    cmd,
		stdout: stdout,
		maxBuf: format.BytesPerSecond(),
	}
	e.full = sync.NewCond(&e.mu)
	return e, nil
}

func (e *ffmpegEndpoint) Format() audio.Format          { return e.format }
func (e *ffmpegEndpoint) BufferDuration() time.Duration { return defaultBufferDuration }

func (e *ffmpegEndpoint) Start() error {
	if err := e.cmd.Start(); err != nil {
		return errAt(StageStart, err)
	}
	go e.pump()
	return nil
}

// pump moves ffmpeg's stdout into the pending buffer, pausing while the
// buffer is at its cap. With the pump paused the stdout pipe fills and
// ffmpeg blocks, so faster-than-realtime inputs advance only as fast as
// the capture loop consumes.
func (e *ffmpegEndpoint) pump() {
	chunk := make([]byte, 4096)
	for {
		e.mu.Lock()
		for len(e.buf) >= e.maxBuf && !e.closed {
			e.full.Wait()
		}
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}

		n, err := e.stdout.Read(chunk)
		e.mu.Lock()
		if n > 0 {
			e.buf = append(e.buf, chunk[:n]...)
		}
		if err != nil {
			e.readErr = err
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

func (e *ffmpegEndpoint) Pending() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.buf) - len(e.buf)%e.format.BlockAlign()
	if n == 0 && e.readErr != nil && e.readErr != io.EOF {
		return 0, errAt(StageRead, e.readErr)
	}
	return n, nil
}

func (e *ffmpegEndpoint) ReadPacket() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.buf) - len(e.buf)%e.format.BlockAlign()
	if n == 0 {
		return nil, nil
	}
	maxPkt := e.format.BytesPerSecond() / int(time.Second/defaultBufferDuration)
	if n > maxPkt {
		n = maxPkt
	}
	pkt := make([]byte, n)
	copy(pkt, e.buf)
	e.buf = e.buf[:copy(e.buf, e.buf[n:])]
	e.full.Signal()
	return pkt, nil
}

func (e *ffmpegEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.full.Signal()
	e.mu.Unlock()

	e.stdout.Close()
	if e.cmd != nil && e.cmd.Process != nil {
		e.cmd.Process.Kill()
		e.cmd.Wait()
	}
	return nil
}
