// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Thermoquad/cinder/pkg/bootcore"
	"github.com/Thermoquad/cinder/pkg/simavr"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	bridgeListen  string
	bridgeSim     bool
	bridgeTimeout int
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Expose a serial port or simulated target over WebSocket",
	Long: `Serve a WebSocket endpoint that relays raw loader traffic, so hosts on
other machines can program a board plugged in here:

  cinder bridge --port /dev/ttyUSB0
  cinder flash --url ws://workbench.local:8551/loader app.hex

With --sim each WebSocket client gets its own simulated device instead of
the serial port, which gives CI and demos a target without hardware.

The serial port is opened per client and only one client may hold it at a
time; later connections are refused until the port is free. Client messages
are written to the target verbatim and target bytes stream back as binary
messages.

With --username, clients must present HTTP Basic credentials. The password
is taken from CINDER_PASSWORD or prompted for at startup.

Exit codes:
  0 - Shut down by signal
  2 - Listener error`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVar(&bridgeListen, "listen", "127.0.0.1:8551", "HTTP listen address")
	bridgeCmd.Flags().BoolVar(&bridgeSim, "sim", false, "Bridge fresh simulated devices instead of a serial port")
	bridgeCmd.Flags().IntVar(&bridgeTimeout, "timeout", 0, "Simulated loader byte-wait timeout in seconds, 0 waits forever")
}

func runBridge(cmd *cobra.Command, args []string) error {
	if !bridgeSim && portName == "" {
		return fmt.Errorf("bridge needs --port, or --sim for a simulated target")
	}
	chip, err := resolveChip()
	if err != nil {
		return err
	}

	var password string
	if wsUsername != "" {
		password, err = GetPassword()
		if err != nil {
			return err
		}
	}

	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	// The serial port admits one client at a time.
	var portMu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/loader", func(w http.ResponseWriter, r *http.Request) {
		log := logger.With().Str("client", r.RemoteAddr).Logger()

		if wsUsername != "" && !checkBasicAuth(r, wsUsername, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="cinder"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			log.Warn().Msg("rejected client, bad credentials")
			return
		}

		if !bridgeSim {
			if !portMu.TryLock() {
				http.Error(w, "serial port busy", http.StatusServiceUnavailable)
				log.Warn().Msg("rejected client, port busy")
				return
			}
			defer portMu.Unlock()
		}

		target, desc, err := openBridgeTarget(ctx, chip, log)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			log.Error().Err(err).Msg("target open failed")
			return
		}
		defer target.Close()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("upgrade failed")
			return
		}

		log.Info().Str("target", desc).Msg("client connected")
		relay(ws, target)
		log.Info().Msg("client disconnected")
	})

	srv := &http.Server{Addr: bridgeListen, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	target := fmt.Sprintf("serial %s @ %d", portName, baudRate)
	if bridgeSim {
		target = fmt.Sprintf("simulated %s per client", chip.Name)
	}
	fmt.Printf("Cinder - WebSocket Bridge\n")
	fmt.Printf("Target: %s\n", target)
	fmt.Printf("Listening on ws://%s/loader, Ctrl-C to stop.\n", bridgeListen)

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Listener error: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("\nShutting down.\n")
	return nil
}

// openBridgeTarget opens what this bridge fronts: the serial port, or a
// fresh simulated device already serving its loader. Closing the returned
// port tears the target down.
func openBridgeTarget(ctx context.Context, chip bootcore.Chip, log zerolog.Logger) (io.ReadWriteCloser, string, error) {
	if !bridgeSim {
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("%s @ %d baud", portName, baudRate), nil
	}

	dev := simavr.NewDevice(chip)
	go func() {
		if err := dev.Serve(ctx, time.Duration(bridgeTimeout)*time.Second, log); err != nil && !errors.Is(err, simavr.ErrLinkClosed) {
			log.Debug().Err(err).Msg("device stopped")
		}
	}()
	return dev.HostPort(), fmt.Sprintf("simulated %s", chip.Name), nil
}

// relay pumps bytes between the WebSocket and the target until either side
// goes away.
func relay(ws *websocket.Conn, target io.ReadWriteCloser) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := target.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if _, err := target.Write(data); err != nil {
			break
		}
	}

	target.Close()
	<-done
}

func checkBasicAuth(r *http.Request, wantUser, wantPass string) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) == 1
	return userOK && passOK
}
