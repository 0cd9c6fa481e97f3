// ABOUTME: UDP transport: receive loop, request dispatch and audio fan-out.
// ABOUTME: Keeps a per-compression address cache rebuilt from registry snapshots.
package server

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	log "github.com/schollz/logger"

	"github.com/soundbridge/soundbridge/internal/config"
	"github.com/soundbridge/soundbridge/internal/keystroke"
	"github.com/soundbridge/soundbridge/internal/metrics"
	"github.com/soundbridge/soundbridge/internal/registry"
	"github.com/soundbridge/soundbridge/pkg/audio"
	"github.com/soundbridge/soundbridge/pkg/protocol"
)

const socketBufferSize = 1 << 20

// KeystrokeObserver is notified of every decoded keystroke request, after
// it has been handed to the sink. Used by the CLI layer for logging.
type KeystrokeObserver func(keystroke.Keystroke)

// Server owns the two UDP sockets: one bound to the fixed server port for
// requests, one unbound for sending. Replies and audio always go to the
// sender's address at the fixed client port, never to the source port.
//
// OnSnapshot must be registered with the registry builder before Start;
// the registry itself is handed over at Start time.
type Server struct {
	cfg      config.Config
	recvConn *net.UDPConn
	sendConn *net.UDPConn

	sink     keystroke.Sink
	observer KeystrokeObserver

	reg *registry.Registry

	cacheMu sync.RWMutex
	cache   map[audio.Compression][]*net.UDPAddr
	all     []*net.UDPAddr

	errCh    chan error
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New binds the sockets. The keystroke sink receives decoded keystrokes;
// observer may be nil.
func New(cfg config.Config, sink keystroke.Sink, observer KeystrokeObserver) (*Server, error) {
	recvConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.ServerPort})
	if err != nil {
		return nil, fmt.Errorf("bind server port: %w", err)
	}
	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		recvConn.Close()
		return nil, fmt.Errorf("bind send socket: %w", err)
	}
	if err := recvConn.SetReadBuffer(socketBufferSize); err != nil {
		log.Debugf("set read buffer: %v", err)
	}
	if err := sendConn.SetWriteBuffer(socketBufferSize); err != nil {
		log.Debugf("set write buffer: %v", err)
	}

	return &Server{
		cfg:      cfg,
		recvConn: recvConn,
		sendConn: sendConn,
		sink:     sink,
		observer: observer,
		cache:    make(map[audio.Compression][]*net.UDPAddr),
		errCh:    make(chan error, 1),
		stopCh:   make(chan struct{}),
	}, nil
}

// LocalAddr reports the bound receive address, useful when the config
// asked for an ephemeral port.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.recvConn.LocalAddr().(*net.UDPAddr)
}

// OnSnapshot rebuilds the send caches wholesale from a registry snapshot.
// Registered as a registry listener, so it runs under the registry lock.
func (s *Server) OnSnapshot(snap registry.Snapshot) {
	cache := make(map[audio.Compression][]*net.UDPAddr, 4)
	all := make([]*net.UDPAddr, 0, len(snap))
	for _, e := range snap {
		addr := &net.UDPAddr{IP: e.Addr.AsSlice(), Port: s.cfg.ClientPort}
		cache[e.Compression] = append(cache[e.Compression], addr)
		all = append(all, addr)
	}

	s.cacheMu.Lock()
	s.cache = cache
	s.all = all
	s.cacheMu.Unlock()

	metrics.ActiveClients.Set(float64(len(snap)))
}

// Start launches the receive and maintenance loops against the registry.
func (s *Server) Start(reg *registry.Registry) {
	s.reg = reg
	s.wg.Add(2)
	go s.receiveLoop()
	go s.maintenanceLoop()
	log.Infof("listening on udp %s, sending to client port %d",
		s.recvConn.LocalAddr(), s.cfg.ClientPort)
}

// Err delivers the first fatal transport error. The channel never closes.
func (s *Server) Err() <-chan error { return s.errCh }

// Stop closes the sockets and waits for the loops to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.recvConn.Close()
		s.sendConn.Close()
	})
	s.wg.Wait()
}

func (s *Server) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Server) fatal(err error) {
	if s.stopping() {
		return
	}
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, protocol.MaxInboundSize)
	for {
		n, raddr, err := s.recvConn.ReadFromUDP(buf)
		if err != nil {
			if !s.stopping() {
				s.fatal(fmt.Errorf("receive: %w", err))
			}
			return
		}
		metrics.RxPackets.Inc()
		s.handle(buf[:n], raddr)
	}
}

// handle dispatches one datagram. Anything that fails header or payload
// validation is counted and dropped without a reply.
func (s *Server) handle(packet []byte, raddr *net.UDPAddr) {
	sender := raddr.AddrPort().Addr().Unmap()

	switch protocol.PacketCategory(packet) {
	case protocol.CategoryConnect:
		s.handleConnect(packet, sender)
	case protocol.CategorySetFormat:
		s.handleSetFormat(packet, sender)
	case protocol.CategoryKeystroke:
		s.handleKeystroke(packet)
	case protocol.CategoryClientKeepAlive:
		s.reg.Keep(sender)
	case protocol.CategoryDisconnect:
		s.reg.Remove(sender)
	default:
		metrics.MalformedPackets.Inc()
	}
}

func (s *Server) handleConnect(packet []byte, sender netip.Addr) {
	data, ok := protocol.ParseConnect(packet)
	if !ok {
		metrics.MalformedPackets.Inc()
		return
	}
	compression, ok := audio.CompressionFromWire(data.Compression)
	if !ok {
		metrics.MalformedPackets.Inc()
		return
	}
	log.Debugf("connect from %s, compression %s, request %#x",
		sender, compression, data.RequestID)
	s.reg.Add(sender, compression)
	s.sendTo(protocol.AckConnectPacket(data.RequestID), sender)
}

func (s *Server) handleSetFormat(packet []byte, sender netip.Addr) {
	data, ok := protocol.ParseSetFormat(packet)
	if !ok {
		metrics.MalformedPackets.Inc()
		return
	}
	compression, ok := audio.CompressionFromWire(data.Compression)
	if !ok {
		metrics.MalformedPackets.Inc()
		return
	}
	s.reg.SetCompression(sender, compression)
	s.sendTo(protocol.AckSetFormatPacket(data.RequestID), sender)
}

func (s *Server) handleKeystroke(packet []byte) {
	data, ok := protocol.ParseKeystroke(packet)
	if !ok {
		metrics.MalformedPackets.Inc()
		return
	}
	ks := keystroke.New(data.Key, data.Mods)
	if err := s.sink.Emulate(ks); err != nil {
		log.Errorf("keystroke %s: %v", ks, err)
	}
	if s.observer != nil {
		s.observer(ks)
	}
}

// SendAudio fans one frame payload out to every client at the given
// compression level. Implements the pipeline's Sender.
func (s *Server) SendAudio(compression audio.Compression, seq uint32, payload []byte) {
	category := protocol.CategoryAudioDataOpus
	if compression == audio.CompressionNone {
		category = protocol.CategoryAudioDataUncompressed
	}
	packet := protocol.AudioPacket(category, seq, payload)

	s.cacheMu.RLock()
	addrs := s.cache[compression]
	s.cacheMu.RUnlock()
	for _, addr := range addrs {
		s.send(packet, addr)
	}
}

func (s *Server) sendTo(packet []byte, addr netip.Addr) {
	s.send(packet, &net.UDPAddr{IP: addr.AsSlice(), Port: s.cfg.ClientPort})
}

func (s *Server) send(packet []byte, addr *net.UDPAddr) {
	n, err := s.sendConn.WriteToUDP(packet, addr)
	if err != nil {
		s.fatal(fmt.Errorf("send to %s: %w", addr, err))
		return
	}
	metrics.TxPackets.Inc()
	metrics.TxBytes.Add(float64(n))
}

// maintenanceLoop periodically keep-alives every known client and sweeps
// idle sessions out of the registry.
func (s *Server) maintenanceLoop() {
	defer s.wg.Done()
	interval := s.cfg.MaintenanceInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cacheMu.RLock()
			addrs := s.all
			s.cacheMu.RUnlock()
			if len(addrs) > 0 {
				packet := protocol.KeepAlivePacket()
				for _, addr := range addrs {
					s.send(packet, addr)
				}
			}
			s.reg.Maintain()
		}
	}
}
