// ABOUTME: Entry point for the soundbridge streaming server
// ABOUTME: Wires capture, registry, pipeline and the UDP transport together
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/schollz/logger"
	"github.com/spf13/cobra"

	"github.com/soundbridge/soundbridge/internal/capture"
	"github.com/soundbridge/soundbridge/internal/config"
	"github.com/soundbridge/soundbridge/internal/discovery"
	"github.com/soundbridge/soundbridge/internal/keystroke"
	"github.com/soundbridge/soundbridge/internal/metrics"
	"github.com/soundbridge/soundbridge/internal/registry"
	"github.com/soundbridge/soundbridge/internal/server"
	"github.com/soundbridge/soundbridge/pkg/audio"
)

func main() {
	cfg := config.Default()
	var noMDNS bool

	rootCmd := &cobra.Command{
		Use:   "soundbridge-server",
		Short: "Stream captured audio to soundbridge clients over UDP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.EnableMDNS = !noMDNS
			return run(cfg)
		},
		SilenceUsage: true,
	}

	flags := rootCmd.Flags()
	flags.IntVar(&cfg.ServerPort, "port", cfg.ServerPort, "UDP port to receive client requests on")
	flags.IntVar(&cfg.ClientPort, "client-port", cfg.ClientPort, "UDP port audio is sent to on each client")
	flags.StringVar(&cfg.Device, "device", cfg.Device,
		"capture source: 'tone:', 'file:/path/to.mp3|.flac', or an ffmpeg input")
	flags.DurationVar(&cfg.ClientTimeout, "client-timeout", cfg.ClientTimeout,
		"evict clients silent for longer than this")
	flags.StringVar(&cfg.MetricsAddr, "metrics", "", "expose Prometheus metrics on this address")
	flags.StringVar(&cfg.Name, "name", "", "advertised server name (default: hostname)")
	flags.BoolVar(&noMDNS, "no-mdns", false, "disable mDNS advertisement")
	flags.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	if cfg.Debug {
		log.SetLevel("debug")
	} else {
		log.SetLevel("info")
	}

	metrics.Register()
	if cfg.MetricsAddr != "" {
		metrics.Serve(cfg.MetricsAddr)
	}

	format := audio.DefaultFormat()
	src, err := capture.Open(cfg.Device, format)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	if src.ResampleRequired() {
		log.Infof("device delivers %s, resampling to %s", src.NativeFormat(), format)
	}

	srv, err := server.New(cfg, keystroke.LogSink{}, nil)
	if err != nil {
		return err
	}
	pipe, err := server.NewPipeline(src, srv, format)
	if err != nil {
		return err
	}
	reg := registry.NewBuilder(cfg.ClientTimeout).
		OnSnapshot(srv.OnSnapshot).
		OnCompressions(pipe.SetCompressions).
		Build()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pipe.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	srv.Start(reg)

	if cfg.EnableMDNS {
		mgr := discovery.NewManager(discovery.Config{Name: cfg.Name, Port: cfg.ServerPort})
		if err := mgr.Advertise(); err != nil {
			log.Errorf("mdns: %v", err)
		} else {
			defer mgr.Stop()
		}
	}

	log.Infof("streaming %s as %s", cfg.Device, format)

	if cfg.Debug {
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if peak := src.Peak(); peak >= 0 {
						log.Debugf("capture peak %.3f, %d clients", peak, reg.Len())
					}
				}
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-srv.Err():
		runErr = fmt.Errorf("transport: %w", err)
	case err := <-src.Err():
		runErr = fmt.Errorf("capture: %w", err)
	}

	srv.Stop()
	stop()
	stopped := make(chan struct{})
	go func() {
		pipe.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		log.Error("pipeline did not stop in time")
	}
	return runErr
}
