// ABOUTME: mDNS discovery for the streaming server
// ABOUTME: Advertises the UDP service and lets clients browse for servers
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
	log "github.com/schollz/logger"
)

const (
	serviceType = "_soundbridge._udp"

	// browseTimeout is how long each mDNS query round collects
	// responses before the next round starts.
	browseTimeout = 3 * time.Second
)

// Config holds discovery settings.
type Config struct {
	// Name is the advertised instance name; empty falls back to the
	// hostname.
	Name string
	// Port is the server's UDP request port.
	Port int
}

// ServerInfo describes a discovered server.
type ServerInfo struct {
	Name string
	Host string
	Port int
	ID   string
}

// Manager advertises this server or browses for others.
type Manager struct {
	config  Config
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo
}

// NewManager creates a discovery manager with a fresh instance id.
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if config.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "soundbridge"
		}
		config.Name = host
	}
	return &Manager{
		config:  config,
		id:      uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// ID returns the instance id carried in the TXT record.
func (m *Manager) ID() string { return m.id }

// Advertise publishes the service until Stop is called.
func (m *Manager) Advertise() error {
	ips, err := localIPs()
	if err != nil {
		return fmt.Errorf("local addresses: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.Name,
		serviceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"id=" + m.id},
	)
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("mdns server: %w", err)
	}

	log.Infof("advertising %s %q on port %d", serviceType, m.config.Name, m.config.Port)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse starts a background search for servers; results arrive on
// Servers until Stop.
func (m *Manager) Browse() {
	go m.browseLoop()
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)

		go func() {
			for entry := range entries {
				if entry.AddrV4 == nil {
					continue
				}
				info := &ServerInfo{
					Name: entry.Name,
					Host: entry.AddrV4.String(),
					Port: entry.Port,
				}
				for _, field := range entry.InfoFields {
					if len(field) > 3 && field[:3] == "id=" {
						info.ID = field[3:]
					}
				}
				log.Debugf("discovered %s at %s:%d", info.Name, info.Host, info.Port)
				select {
				case m.servers <- info:
				case <-m.ctx.Done():
					return
				}
			}
		}()

		mdns.Query(queryParams(entries))
		close(entries)
	}
}

func queryParams(entries chan *mdns.ServiceEntry) *mdns.QueryParam {
	return &mdns.QueryParam{
		Service: serviceType,
		Domain:  "local",
		Timeout: browseTimeout,
		Entries: entries,
	}
}

// Servers returns the channel of discovered servers.
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop halts advertisement and browsing.
func (m *Manager) Stop() {
	m.cancel()
}

func localIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
