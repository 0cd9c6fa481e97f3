// ABOUTME: Loopback UDP integration tests for the transport: connect
// ABOUTME: handshake, audio fan-out, eviction and malformed datagrams.
package server

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/soundbridge/soundbridge/internal/config"
	"github.com/soundbridge/soundbridge/internal/keystroke"
	"github.com/soundbridge/soundbridge/internal/registry"
	"github.com/soundbridge/soundbridge/pkg/audio"
	"github.com/soundbridge/soundbridge/pkg/protocol"
)

type recordingSink struct {
	keys chan keystroke.Keystroke
}

func (r *recordingSink) Emulate(ks keystroke.Keystroke) error {
	r.keys <- ks
	return nil
}

type harness struct {
	srv    *Server
	reg    *registry.Registry
	client *net.UDPConn
	sink   *recordingSink
}

// newHarness starts a server on an ephemeral port and a client socket
// whose port stands in for the fixed client port.
func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}

	cfg.ServerPort = 0
	cfg.ClientPort = client.LocalAddr().(*net.UDPAddr).Port

	sink := &recordingSink{keys: make(chan keystroke.Keystroke, 8)}
	srv, err := New(cfg, sink, nil)
	if err != nil {
		client.Close()
		t.Fatal(err)
	}
	reg := registry.NewBuilder(cfg.ClientTimeout).OnSnapshot(srv.OnSnapshot).Build()
	srv.Start(reg)

	t.Cleanup(func() {
		srv.Stop()
		client.Close()
	})
	return &harness{srv: srv, reg: reg, client: client, sink: sink}
}

func quietConfig() config.Config {
	cfg := config.Default()
	// Keep the maintenance timer out of the way unless a test wants it.
	cfg.MaintenanceInterval = time.Hour
	return cfg
}

func (h *harness) send(t *testing.T, packet []byte) {
	t.Helper()
	if _, err := h.client.WriteToUDP(packet, h.srv.LocalAddr()); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) read(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	h.client.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, protocol.MaxInboundSize)
	n, _, err := h.client.ReadFromUDP(buf)
	if err != nil {
		return nil
	}
	return buf[:n]
}

func (h *harness) connect(t *testing.T, requestID uint16, compression audio.Compression) {
	t.Helper()
	h.send(t, protocol.ConnectPacket(requestID, compression.Wire()))
	ack := h.read(t, time.Second)
	if protocol.PacketCategory(ack) != protocol.CategoryAck {
		t.Fatalf("no ack for connect, got %v", ack)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestConnectAcknowledged(t *testing.T) {
	h := newHarness(t, quietConfig())

	h.send(t, protocol.ConnectPacket(0xDDD5, audio.Compression192k.Wire()))
	reply := h.read(t, time.Second)
	if protocol.PacketCategory(reply) != protocol.CategoryAck {
		t.Fatalf("reply category %v, want ack", protocol.PacketCategory(reply))
	}
	ack, ok := protocol.ParseAck(reply)
	if !ok {
		t.Fatal("unparseable ack")
	}
	if ack.RequestID != 0xDDD5 {
		t.Fatalf("ack echoes request %#x, want 0xDDD5", ack.RequestID)
	}
	if ack.Custom[0] != protocol.ProtocolVersion {
		t.Fatalf("ack carries protocol version %d, want %d", ack.Custom[0], protocol.ProtocolVersion)
	}
	if h.reg.Len() != 1 {
		t.Fatalf("registry holds %d sessions, want 1", h.reg.Len())
	}
}

func TestAudioFanOutFollowsCompression(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.connect(t, 1, audio.Compression192k)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	h.srv.SendAudio(audio.Compression192k, 7, payload)
	packet := h.read(t, time.Second)
	if protocol.PacketCategory(packet) != protocol.CategoryAudioDataOpus {
		t.Fatalf("category %v, want opus audio", protocol.PacketCategory(packet))
	}
	seq, data, ok := protocol.ParseAudio(packet)
	if !ok || seq != 7 || !bytes.Equal(data, payload) {
		t.Fatalf("got seq %d data %v", seq, data)
	}

	// A level nobody listens on goes nowhere.
	h.srv.SendAudio(audio.Compression64k, 8, payload)
	if extra := h.read(t, 100*time.Millisecond); extra != nil {
		t.Fatalf("unexpected packet %v for an unsubscribed level", extra)
	}
}

func TestUncompressedCategory(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.connect(t, 1, audio.CompressionNone)

	h.srv.SendAudio(audio.CompressionNone, 0, []byte{1, 2, 3, 4})
	packet := h.read(t, time.Second)
	if protocol.PacketCategory(packet) != protocol.CategoryAudioDataUncompressed {
		t.Fatalf("category %v, want uncompressed audio", protocol.PacketCategory(packet))
	}
}

func TestSetFormatMovesClient(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.connect(t, 1, audio.Compression64k)

	h.send(t, protocol.SetFormatPacket(2, audio.Compression320k.Wire()))
	ack := h.read(t, time.Second)
	if protocol.PacketCategory(ack) != protocol.CategoryAck {
		t.Fatal("no ack for set-format")
	}

	h.srv.SendAudio(audio.Compression320k, 1, []byte{9})
	if packet := h.read(t, time.Second); packet == nil {
		t.Fatal("no audio at the new compression level")
	}
	h.srv.SendAudio(audio.Compression64k, 2, []byte{9})
	if packet := h.read(t, 100*time.Millisecond); packet != nil {
		t.Fatal("audio still flowing at the old compression level")
	}
}

func TestDisconnectStopsAudio(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.connect(t, 1, audio.Compression192k)

	h.send(t, protocol.DisconnectPacket())
	waitFor(t, func() bool { return h.reg.Len() == 0 })

	h.srv.SendAudio(audio.Compression192k, 1, []byte{1})
	if packet := h.read(t, 100*time.Millisecond); packet != nil {
		t.Fatal("audio sent after disconnect")
	}
}

func TestKeystrokeReachesSink(t *testing.T) {
	h := newHarness(t, quietConfig())

	h.send(t, protocol.KeystrokePacket(0x41, byte(keystroke.ModCtrl|keystroke.ModShift)))
	select {
	case ks := <-h.sink.keys:
		if ks.Key != 0x41 || ks.Mods != keystroke.ModCtrl|keystroke.ModShift {
			t.Fatalf("sink got %s", ks)
		}
	case <-time.After(time.Second):
		t.Fatal("keystroke never reached the sink")
	}
}

func TestMalformedDatagramsDropped(t *testing.T) {
	h := newHarness(t, quietConfig())

	// Garbage, a bad signature and a lying size field.
	h.send(t, []byte{1, 2, 3})
	h.send(t, []byte{0xFF, 0xFF, 0x01, 0x00, 0x05})
	bad := protocol.ConnectPacket(1, audio.Compression192k.Wire())
	bad[4] = 0xEE
	h.send(t, bad)
	// An invalid compression value on an otherwise valid connect.
	h.send(t, protocol.ConnectPacket(2, 0x42))

	if packet := h.read(t, 100*time.Millisecond); packet != nil {
		t.Fatalf("got a reply %v to a malformed datagram", packet)
	}
	if h.reg.Len() != 0 {
		t.Fatalf("registry holds %d sessions, want 0", h.reg.Len())
	}

	// The socket is still healthy.
	h.connect(t, 3, audio.Compression192k)
}

func TestMaintenanceKeepAliveAndEviction(t *testing.T) {
	cfg := config.Default()
	cfg.MaintenanceInterval = 20 * time.Millisecond
	cfg.ClientTimeout = 120 * time.Millisecond
	h := newHarness(t, cfg)
	h.connect(t, 1, audio.Compression192k)

	// The maintenance timer fans out server keep-alives to known clients.
	waitFor(t, func() bool {
		packet := h.read(t, 50*time.Millisecond)
		return protocol.PacketCategory(packet) == protocol.CategoryServerKeepAlive
	})

	// Client keep-alives postpone eviction.
	for i := 0; i < 4; i++ {
		h.send(t, protocol.ClientKeepAlivePacket())
		time.Sleep(40 * time.Millisecond)
	}
	if h.reg.Len() != 1 {
		t.Fatal("client evicted despite keep-alives")
	}

	// Silence gets it swept out.
	waitFor(t, func() bool { return h.reg.Len() == 0 })
}
