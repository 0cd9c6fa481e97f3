// ABOUTME: Debug listening client: connects to a server, plays the
// ABOUTME: stream locally and reports packet loss on exit
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

	"github.com/soundbridge/soundbridge/internal/discovery"
	"github.com/soundbridge/soundbridge/internal/player"
	"github.com/soundbridge/soundbridge/pkg/audio"
	"github.com/soundbridge/soundbridge/pkg/protocol"
)

func main() {
	var (
		serverAddr  string
		clientPort  int
		compression int
		volume      int
		debug       bool
	)

	rootCmd := &cobra.Command{
		Use:   "soundbridge-listen",
		Short: "Receive and play a soundbridge stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				log.SetLevel("debug")
			} else {
				log.SetLevel("info")
			}
			level, ok := audio.CompressionFromWire(byte(compression))
			if !ok {
				return fmt.Errorf("compression must be 0 (raw) through 5 (320 kbps)")
			}
			return run(serverAddr, clientPort, level, volume)
		},
		SilenceUsage: true,
	}

	flags := rootCmd.Flags()
	flags.StringVar(&serverAddr, "server", "", "server host:port (default: discover via mDNS)")
	flags.IntVar(&clientPort, "client-port", protocol.DefaultClientPort, "local UDP port to receive audio on")
	flags.IntVar(&compression, "compression", int(audio.Compression192k.Wire()),
		"stream quality, 0 (raw) through 5 (320 kbps)")
	flags.IntVar(&volume, "volume", 100, "playback volume, 0-100")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(serverAddr string, clientPort int, level audio.Compression, volume int) error {
	if serverAddr == "" {
		found, err := discover()
		if err != nil {
			return err
		}
		serverAddr = found
	}

	out := player.NewOutput()
	out.SetVolume(volume)
	if err := out.Initialize(audio.DefaultFormat()); err != nil {
		return err
	}
	defer out.Close()

	sess, err := player.NewSession(player.SessionConfig{
		ServerAddr:  serverAddr,
		ClientPort:  clientPort,
		Compression: level,
		Format:      audio.DefaultFormat(),
	}, out)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = sess.Run(ctx)
	stats := sess.Stats()
	log.Infof("received %d packets, %d sequence gaps", stats.Packets, stats.Gaps)
	return err
}

// discover waits for the first advertised server on the local network.
func discover() (string, error) {
	mgr := discovery.NewManager(discovery.Config{})
	defer mgr.Stop()
	mgr.Browse()

	log.Info("searching for servers")
	select {
	case info := <-mgr.Servers():
		addr := fmt.Sprintf("%s:%d", info.Host, info.Port)
		log.Infof("found %s at %s", info.Name, addr)
		return addr, nil
	case <-time.After(10 * time.Second):
		return "", fmt.Errorf("no server found; pass --server host:port")
	}
}
