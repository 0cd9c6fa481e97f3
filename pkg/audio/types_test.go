// ABOUTME: Tests for audio formats, compression levels and frame math
// ABOUTME: Covers wire mapping and the Opus frame size calculations
package audio

import "testing"

func TestCompressionFromWire(t *testing.T) {
	want := []Compression{
		CompressionNone,
		Compression64k,
		Compression128k,
		Compression192k,
		Compression256k,
		Compression320k,
	}

	for v := 0; v < len(want); v++ {
		c, ok := CompressionFromWire(byte(v))
		if !ok {
			t.Fatalf("wire value %d rejected", v)
		}
		if c != want[v] {
			t.Errorf("wire value %d: got %v, want %v", v, c, want[v])
		}
		if c.Wire() != byte(v) {
			t.Errorf("%v.Wire() = %d, want %d", c, c.Wire(), v)
		}
	}
}

func TestCompressionFromWireInvalid(t *testing.T) {
	for _, v := range []byte{6, 7, 100, 255} {
		if _, ok := CompressionFromWire(v); ok {
			t.Errorf("wire value %d accepted, want rejection", v)
		}
	}
}

func TestCompressionBitrate(t *testing.T) {
	if Compression192k.Bitrate() != 192000 {
		t.Errorf("192k bitrate = %d", Compression192k.Bitrate())
	}
	if CompressionNone.Bitrate() != 0 {
		t.Errorf("none bitrate = %d", CompressionNone.Bitrate())
	}
}

func TestFrameSizes(t *testing.T) {
	// 10ms at 48kHz is 480 samples per channel
	if got := FrameSamples(48000); got != 480 {
		t.Errorf("FrameSamples(48000) = %d, want 480", got)
	}
	// 480 samples * 2 channels * 2 bytes
	if got := FrameBytes(48000, 2); got != 1920 {
		t.Errorf("FrameBytes(48000, 2) = %d, want 1920", got)
	}
	if got := FrameBytes(16000, 1); got != 320 {
		t.Errorf("FrameBytes(16000, 1) = %d, want 320", got)
	}
}

func TestMaxPacketBytes(t *testing.T) {
	// 2 * 192000 * 10 / 8000 = 480
	if got := MaxPacketBytes(192000); got != 480 {
		t.Errorf("MaxPacketBytes(192000) = %d, want 480", got)
	}
	if got := MaxPacketBytes(64000); got != 160 {
		t.Errorf("MaxPacketBytes(64000) = %d, want 160", got)
	}
}

func TestFormatHelpers(t *testing.T) {
	f := DefaultFormat()
	if f.BlockAlign() != 4 {
		t.Errorf("BlockAlign = %d, want 4", f.BlockAlign())
	}
	if f.BytesPerSecond() != 192000 {
		t.Errorf("BytesPerSecond = %d, want 192000", f.BytesPerSecond())
	}
}

func TestValidOpusRate(t *testing.T) {
	for _, rate := range []int{8000, 12000, 16000, 24000, 48000} {
		if !ValidOpusRate(rate) {
			t.Errorf("rate %d rejected", rate)
		}
	}
	if ValidOpusRate(44100) {
		t.Error("44100 accepted, want rejection")
	}
}
