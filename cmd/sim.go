// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/cinder/pkg/bootcore"
	"github.com/Thermoquad/cinder/pkg/firmware"
	"github.com/Thermoquad/cinder/pkg/simavr"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	simListen   string
	simTimeout  int
	simFirmware string
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Serve a simulated target on TCP",
	Long: `Run a simulated AVR whose loader answers programmer traffic on a TCP
listener. Every connection gets its own device with freshly erased memories,
built from the selected --profile. When the loader exits (leave command or
silence timeout) the device resets and the next frame lands in a new
session, like a board being power-cycled.

Any STK500-speaking host can talk to it, for example:

  avrdude -c stk500v2 -p m2560 -P net:127.0.0.1:5331 -U flash:w:app.hex
  cinder flash --tcp 127.0.0.1:5331 app.hex

With --firmware an image is preloaded into flash, so reads and verifies have
something to find.

Exit codes:
  0 - Shut down by signal
  2 - Listener error`,
	RunE: runSim,
}

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().StringVar(&simListen, "listen", "127.0.0.1:5331", "TCP listen address")
	simCmd.Flags().IntVar(&simTimeout, "timeout", 0, "Loader byte-wait timeout in seconds, 0 waits forever")
	simCmd.Flags().StringVar(&simFirmware, "firmware", "", "Firmware file preloaded into flash")
}

func runSim(cmd *cobra.Command, args []string) error {
	chip, err := resolveChip()
	if err != nil {
		return err
	}

	var img *firmware.Image
	if simFirmware != "" {
		img, err = loadImageAt(simFirmware, 0, false)
		if err != nil {
			return err
		}
		if img.End() > chip.FlashSize {
			return fmt.Errorf("firmware 0x%X..0x%X does not fit %s flash (0x%X)",
				img.Start, img.End(), chip.Name, chip.FlashSize)
		}
	}

	logger := newLogger()

	ln, err := net.Listen("tcp", simListen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Listener error: %v\n", err)
		os.Exit(2)
	}
	defer ln.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	fmt.Printf("Cinder - Simulated Target\n")
	fmt.Printf("Profile: %s\n", chip.Name)
	if img != nil {
		fmt.Printf("Preloaded: %s (%d bytes at 0x%05X)\n", simFirmware, len(img.Data), img.Start)
	}
	fmt.Printf("Listening on %s, Ctrl-C to stop.\n", ln.Addr())

	timeout := time.Duration(simTimeout) * time.Second

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				fmt.Printf("\nShutting down.\n")
				return nil
			}
			return err
		}
		go serveSimConn(ctx, conn, chip, img, timeout, logger)
	}
}

// serveSimConn wires one TCP client to its own simulated device and pumps
// bytes both ways until either side goes away.
func serveSimConn(ctx context.Context, conn net.Conn, chip bootcore.Chip, img *firmware.Image, timeout time.Duration, logger zerolog.Logger) {
	defer conn.Close()

	log := logger.With().Str("client", conn.RemoteAddr().String()).Logger()
	log.Info().Str("chip", chip.Name).Msg("client connected")

	dev := simavr.NewDevice(chip)
	defer dev.Close()

	if img != nil {
		if err := dev.LoadFirmware(img.Start, img.Data); err != nil {
			log.Error().Err(err).Msg("firmware preload failed")
			return
		}
	}

	go func() {
		if err := dev.Serve(ctx, timeout, log); err != nil && !errors.Is(err, simavr.ErrLinkClosed) {
			log.Debug().Err(err).Msg("device stopped")
		}
	}()

	port := dev.HostPort()
	go func() {
		// Device to client. Ends when the device closes.
		io.Copy(conn, port)
		conn.Close()
	}()

	// Client to device. Ends when the client disconnects.
	io.Copy(port, conn)
	log.Info().Msg("client disconnected")
}
