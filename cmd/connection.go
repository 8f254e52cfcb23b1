// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// Connection is the byte link every subcommand talks over, whatever the
// transport underneath
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrConnectionClosed marks a link that went away in an orderly fashion,
// as opposed to a transport fault
var ErrConnectionClosed = fmt.Errorf("connection closed")

// OpenConnection picks the transport from the persistent flags. WebSocket
// wins over TCP wins over serial, so a bridge URL can sit in a config
// wrapper script without shadowing ad-hoc --port runs.
func OpenConnection() (Connection, string, error) {
	switch {
	case wsURL != "":
		password := ""
		if wsUsername != "" {
			var err error
			if password, err = GetPassword(); err != nil {
				return nil, "", err
			}
		}
		conn, err := dialWebSocket(wsURL, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("WebSocket: %s", wsURL), nil

	case tcpAddr != "":
		conn, err := dialTCP(tcpAddr)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("TCP: %s", tcpAddr), nil

	case portName != "":
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}

	return nil, "", fmt.Errorf("one of --port, --tcp, or --url must be specified")
}

//////////////////////////////////////////////////////////////
// Serial
//////////////////////////////////////////////////////////////

type serialLink struct {
	port serial.Port
}

func (s *serialLink) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *serialLink) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *serialLink) Close() error                { return s.port.Close() }

// OpenSerialConnection opens a port at 8N1. With --reset it pulses DTR
// first: boards wired for auto-reset reboot on the edge and land in the
// loader, which is the only time they answer us.
func OpenSerialConnection(portName string, baudRate int) (Connection, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %v", portName, err)
	}

	if serialReset {
		if err := pulseReset(port); err != nil {
			port.Close()
			return nil, fmt.Errorf("reset pulse on %s: %v", portName, err)
		}
	}

	return &serialLink{port: port}, nil
}

// pulseReset toggles DTR and gives the loader time to come up, then drops
// whatever the dying application left in the input buffer.
func pulseReset(port serial.Port) error {
	if err := port.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := port.SetDTR(true); err != nil {
		return err
	}
	time.Sleep(250 * time.Millisecond)
	return port.ResetInputBuffer()
}

//////////////////////////////////////////////////////////////
// TCP
//////////////////////////////////////////////////////////////

func dialTCP(addr string) (Connection, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", addr, err)
	}
	// Frames are small and the protocol is strictly request/reply;
	// Nagle only adds latency here
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

//////////////////////////////////////////////////////////////
// WebSocket
//////////////////////////////////////////////////////////////

// wsLink adapts message-oriented WebSocket traffic to the byte-stream
// Connection contract. Loader frames travel as binary messages; one message
// may carry several frames or a fragment of one.
type wsLink struct {
	conn    *websocket.Conn
	pending []byte
	dead    bool
}

func (w *wsLink) Read(p []byte) (int, error) {
	if w.dead {
		return 0, ErrConnectionClosed
	}

	for len(w.pending) == 0 {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.dead = true
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, ErrConnectionClosed
			}
			return 0, err
		}
		if messageType == websocket.BinaryMessage {
			w.pending = data
		}
		// Text and control messages carry nothing of ours; keep waiting
	}

	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

func (w *wsLink) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsLink) Close() error {
	return w.conn.Close()
}

func dialWebSocket(wsURL, username, password string, skipSSLVerify bool) (Connection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %v", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %v", err)
	}

	return &wsLink{conn: conn}, nil
}

//////////////////////////////////////////////////////////////
// Credentials
//////////////////////////////////////////////////////////////

// GetPassword reads the bridge password from CINDER_PASSWORD, or prompts
// with echo off when the variable is unset.
func GetPassword() (string, error) {
	if pw := os.Getenv("CINDER_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err == nil {
		fmt.Fprintln(os.Stderr)
		return string(passwordBytes), nil
	}

	// Not a terminal (piped stdin); fall back to a plain line read
	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read password: %v", err)
	}
	fmt.Fprintln(os.Stderr)
	return strings.TrimSpace(password), nil
}
