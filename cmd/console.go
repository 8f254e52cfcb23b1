// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Thermoquad/cinder/pkg/stk500"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive TUI for poking the loader by hand",
	Long: `Drive the loader interactively from a terminal UI.

This command signs on to the loader and presents its command set as a menu.
Pick an operation, fill in its operand if it takes one, and send it; the
decoded response is displayed alongside running link statistics.

Features:
  - Loader identification (sign-on)
  - Every loader operation, including the ones flash/read wrap for you
  - Decoded responses with status names
  - Statistics tracking and event logging
  - Automatic reconnection on connection loss

While the console is idle it re-signs on periodically so the loader's boot
window does not expire under you. Leaving programming mode hands the device
to its application, after which the loader stops answering until reset.

Tab switches between the operation list and the operand field. Arrow keys
navigate the list.

Supports serial, TCP, and WebSocket connections.`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

// connectionManager owns the live Connection across reconnects. The TUI
// borrows it through current(); the reader loop replaces it.
type connectionManager struct {
	mu       sync.RWMutex
	conn     Connection
	connInfo string

	ui   *tea.Program
	done chan struct{}
}

func (cm *connectionManager) current() Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn
}

func (cm *connectionManager) replace(conn Connection, connInfo string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.conn = conn
	cm.connInfo = connInfo
}

func (cm *connectionManager) closing() bool {
	select {
	case <-cm.done:
		return true
	default:
		return false
	}
}

func runConsole(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}

	cm := &connectionManager{
		conn:     conn,
		connInfo: connInfo,
		done:     make(chan struct{}),
	}

	m := initialConsoleModel(cm, connInfo)
	cm.ui = tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())

	go cm.readerLoop()

	// Open the session; the model retries if this one goes unanswered
	openSession(cm.current())

	defer func() {
		close(cm.done)
		if c := cm.current(); c != nil {
			c.Close()
		}
	}()

	if _, err := cm.ui.Run(); err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// readerLoop pumps frames off the link for the lifetime of the console,
// reconnecting whenever the link drops.
func (cm *connectionManager) readerLoop() {
	for !cm.closing() {
		if lost := cm.pumpFrames(); !lost {
			return
		}

		cm.ui.Send(connectionLostMsg{})

		if !cm.reconnect() {
			return
		}
	}
}

// pumpFrames decodes link bytes into batched TUI messages until the
// connection fails. Returns true when the link was lost, false on shutdown.
func (cm *connectionManager) pumpFrames() bool {
	decoder := stk500.NewDecoder()
	synchronized := false
	preSyncBytes := 0

	frameEvents := make(chan consoleDataMsg, 100)
	syncEvents := make(chan consoleSyncMsg, 1)
	linkDown := make(chan struct{})

	// Reader: bytes off the wire, frames onto frameEvents
	go func() {
		defer close(linkDown)
		buf := make([]byte, 128)
		for !cm.closing() {
			conn := cm.current()
			if conn == nil {
				return
			}

			n, err := conn.Read(buf)
			if err != nil {
				if cm.closing() || errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
					return
				}
				// Transient serial hiccup; retry shortly
				time.Sleep(10 * time.Millisecond)
				continue
			}

			for _, b := range buf[:n] {
				if !synchronized {
					preSyncBytes++
				}
				frame, decodeErr := decoder.DecodeByte(b)
				for {
					if decodeErr != nil && synchronized {
						select {
						case frameEvents <- consoleDataMsg{decodeErr: decodeErr}:
						default:
						}
					}
					if frame == nil {
						break
					}

					if !synchronized {
						synchronized = true
						skipped := preSyncBytes - (int(frame.Length()) + stk500.WireOverhead)
						if skipped < 0 {
							skipped = 0
						}
						select {
						case syncEvents <- consoleSyncMsg{invalidBytes: skipped}:
						default:
						}
					}

					select {
					case frameEvents <- consoleDataMsg{frame: frame}:
					default:
					}

					// A drop can leave a complete frame buffered behind it
					frame, decodeErr = decoder.DecodePending()
				}
			}
		}
	}()

	// Batcher: hand events to the TUI at a fixed cadence so a chatty
	// link cannot flood the render loop
	go func() {
		flush := time.NewTicker(50 * time.Millisecond)
		defer flush.Stop()

		for {
			select {
			case <-cm.done:
				return
			case <-linkDown:
				return
			case <-flush.C:
			}

			var batch consoleBatchMsg
			select {
			case sync := <-syncEvents:
				batch.syncMsg = &sync
			default:
			}
			for draining := true; draining; {
				select {
				case msg := <-frameEvents:
					batch.messages = append(batch.messages, msg)
				default:
					draining = false
				}
			}

			if batch.syncMsg != nil || len(batch.messages) > 0 {
				cm.ui.Send(batch)
			}
		}
	}()

	<-linkDown
	return !cm.closing()
}

// reconnect redials with exponential backoff until a connection opens or
// shutdown is requested.
func (cm *connectionManager) reconnect() bool {
	if conn := cm.current(); conn != nil {
		conn.Close()
	}

	const maxDelay = 30 * time.Second
	delay := 1 * time.Second

	for {
		select {
		case <-cm.done:
			return false
		case <-time.After(delay):
		}

		conn, connInfo, err := OpenConnection()
		if err != nil {
			if delay *= 2; delay > maxDelay {
				delay = maxDelay
			}
			continue
		}

		cm.replace(conn, connInfo)
		cm.ui.Send(reconnectedMsg{connInfo: connInfo})
		openSession(conn)
		return true
	}
}

// openSession asks the loader to identify itself. The answer flips the
// model out of its connect screen.
func openSession(conn Connection) {
	if conn == nil {
		return
	}
	wireBytes, err := stk500.EncodeFrame(1, stk500.SignOnBody())
	if err != nil {
		return
	}
	conn.Write(wireBytes)
}
