// ABOUTME: Tests for playback volume scaling and the PCM stream buffer
package player

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestVolumeMultiplier(t *testing.T) {
	tests := []struct {
		volume   int
		muted    bool
		expected float64
	}{
		{100, false, 1.0},
		{50, false, 0.5},
		{0, false, 0.0},
		{80, true, 0.0},
	}

	for _, tt := range tests {
		result := volumeMultiplier(tt.volume, tt.muted)
		if result != tt.expected {
			t.Errorf("volume=%d, muted=%v: expected %f, got %f",
				tt.volume, tt.muted, tt.expected, result)
		}
	}
}

func TestScalePCM(t *testing.T) {
	in := make([]byte, 8)
	for i, v := range []int16{1000, -1000, 500, -500} {
		binary.LittleEndian.PutUint16(in[i*2:], uint16(v))
	}

	out := scalePCM(in, 0.5)
	for i, want := range []int16{500, -500, 250, -250} {
		got := int16(binary.LittleEndian.Uint16(out[i*2:]))
		if got != want {
			t.Errorf("sample %d: expected %d, got %d", i, want, got)
		}
	}
}

func TestPCMStreamPadsWithSilence(t *testing.T) {
	s := newPCMStream()
	s.write([]byte{1, 2, 3, 4})

	buf := make([]byte, 8)
	n, err := s.Read(buf)
	if err != nil || n != 8 {
		t.Fatalf("read %d bytes, err %v", n, err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3, 4, 0, 0, 0, 0}) {
		t.Fatalf("got %v", buf)
	}

	// Drained stream keeps producing silence.
	n, _ = s.Read(buf)
	if n != 8 || !bytes.Equal(buf, make([]byte, 8)) {
		t.Fatalf("drained read gave %v", buf)
	}
}

func TestPCMStreamOrdersWrites(t *testing.T) {
	s := newPCMStream()
	s.write([]byte{1, 2})
	s.write([]byte{3, 4})

	buf := make([]byte, 3)
	s.Read(buf)
	if !bytes.Equal(buf, []byte{1, 2, 3}) {
		t.Fatalf("got %v", buf)
	}
	s.Read(buf[:1])
	if buf[0] != 4 {
		t.Fatalf("got %d, want 4", buf[0])
	}
}

func TestPlayBeforeInitializeFails(t *testing.T) {
	o := NewOutput()
	if err := o.Play([]byte{0, 0}); err == nil {
		t.Fatal("expected an error before Initialize")
	}
}
