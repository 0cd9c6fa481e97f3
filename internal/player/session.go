// ABOUTME: Client protocol session: handshake, keep-alives and the
// ABOUTME: receive loop feeding decoded audio into the playback sink
package player

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	log "github.com/schollz/logger"

	"github.com/soundbridge/soundbridge/pkg/audio"
	"github.com/soundbridge/soundbridge/pkg/protocol"
)

// PCMSink consumes decoded audio. Output satisfies it.
type PCMSink interface {
	Play(pcm []byte) error
}

// SessionConfig configures a client session.
type SessionConfig struct {
	// ServerAddr is the server's host:port request address.
	ServerAddr string
	// ClientPort is the local UDP port audio arrives on.
	ClientPort int
	// Compression is the stream quality to request.
	Compression audio.Compression
	// Format is the playback format; must match the server's canonical
	// stream format.
	Format audio.Format
}

// Stats are the session's receive-side counters.
type Stats struct {
	Packets uint64
	Gaps    uint64
}

const (
	handshakeAttempts = 5
	handshakeTimeout  = 500 * time.Millisecond
	keepAlivePeriod   = time.Second
)

// Session speaks the client side of the protocol: one Connect handshake,
// periodic keep-alives, and a receive loop that decodes audio packets
// into the sink until the context ends.
type Session struct {
	cfg  SessionConfig
	sink PCMSink
	dec  *Decoder

	conn   *net.UDPConn
	server *net.UDPAddr

	mu      sync.Mutex
	lastSeq uint32
	haveSeq bool
	stats   Stats
}

// NewSession builds a session. A decoder is created unless the session
// asks for the uncompressed stream.
func NewSession(cfg SessionConfig, sink PCMSink) (*Session, error) {
	s := &Session{cfg: cfg, sink: sink}
	if cfg.Compression != audio.CompressionNone {
		dec, err := NewDecoder(cfg.Format)
		if err != nil {
			return nil, err
		}
		s.dec = dec
	}
	return s, nil
}

// Stats returns a copy of the receive counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run connects and receives until ctx ends, then tells the server
// goodbye. Returns an error only when the handshake or transport fails.
func (s *Session) Run(ctx context.Context) error {
	server, err := net.ResolveUDPAddr("udp4", s.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("resolve server: %w", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.cfg.ClientPort})
	if err != nil {
		return fmt.Errorf("bind client port: %w", err)
	}
	s.conn = conn
	s.server = server
	defer conn.Close()

	if err := s.handshake(); err != nil {
		return err
	}
	log.Infof("connected to %s, compression %s", s.cfg.ServerAddr, s.cfg.Compression)

	go s.keepAliveLoop(ctx)
	s.receiveLoop(ctx)

	s.conn.WriteToUDP(protocol.DisconnectPacket(), s.server)
	return nil
}

// handshake sends Connect until the matching ack arrives.
func (s *Session) handshake() error {
	requestID := uint16(rand.Uint32())
	buf := make([]byte, protocol.MaxInboundSize)
	for attempt := 0; attempt < handshakeAttempts; attempt++ {
		if _, err := s.conn.WriteToUDP(
			protocol.ConnectPacket(requestID, s.cfg.Compression.Wire()), s.server); err != nil {
			return fmt.Errorf("send connect: %w", err)
		}
		s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		for {
			n, _, err := s.conn.ReadFromUDP(buf)
			if err != nil {
				break
			}
			if protocol.PacketCategory(buf[:n]) != protocol.CategoryAck {
				continue
			}
			ack, ok := protocol.ParseAck(buf[:n])
			if !ok || ack.RequestID != requestID {
				continue
			}
			if ack.Custom[0] != protocol.ProtocolVersion {
				return fmt.Errorf("server speaks protocol %d, want %d",
					ack.Custom[0], protocol.ProtocolVersion)
			}
			return nil
		}
	}
	return fmt.Errorf("no answer from %s after %d attempts", s.cfg.ServerAddr, handshakeAttempts)
}

func (s *Session) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.conn.WriteToUDP(protocol.ClientKeepAlivePacket(), s.server)
		}
	}
}

func (s *Session) receiveLoop(ctx context.Context) {
	buf := make([]byte, protocol.MaxInboundSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Errorf("receive: %v", err)
			return
		}
		s.handle(buf[:n])
	}
}

func (s *Session) handle(packet []byte) {
	switch protocol.PacketCategory(packet) {
	case protocol.CategoryAudioDataOpus:
		seq, payload, ok := protocol.ParseAudio(packet)
		if !ok || s.dec == nil {
			return
		}
		s.track(seq)
		pcm, err := s.dec.Decode(payload)
		if err != nil {
			log.Debugf("decode seq %d: %v", seq, err)
			return
		}
		s.play(pcm)
	case protocol.CategoryAudioDataUncompressed:
		seq, payload, ok := protocol.ParseAudio(packet)
		if !ok || s.dec != nil {
			return
		}
		s.track(seq)
		s.play(payload)
	case protocol.CategoryServerKeepAlive:
		// Liveness only.
	}
}

// track updates the receive counters, noting any sequence discontinuity.
func (s *Session) track(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Packets++
	if s.haveSeq && seq != s.lastSeq+1 {
		s.stats.Gaps++
		log.Debugf("sequence gap: %d -> %d", s.lastSeq, seq)
	}
	s.lastSeq = seq
	s.haveSeq = true
}

func (s *Session) play(pcm []byte) {
	if err := s.sink.Play(pcm); err != nil {
		log.Errorf("playback: %v", err)
	}
}
