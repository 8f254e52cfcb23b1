// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Thermoquad/cinder/pkg/stk500"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch host programmer traffic with live statistics",
	Long: `Track command frames, malformed data, and anomalous operands with statistics.

This command sits on the device side of the link and decodes every frame a
host programmer sends, validating each one:
  - Malformed frames (short bodies, length mismatches)
  - Checksum errors and framing failures
  - Suspicious operands (zero-size transfers, oversized reads)
  - Statistics and trends (frame rate, error rate, success rate)

By default, only errors are displayed. Use --show-all to display valid frames too.

Frames are validated in real-time, with errors highlighted immediately. The
default terminal UI shows running statistics and accumulated host activity;
--tui=false gives plain text output with periodic statistics summaries.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval in text mode (seconds)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	if useTUI {
		return runMonitorTUI(conn, connInfo)
	}
	return runMonitorText(conn, connInfo)
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> FRAME DROPPED <<<\n\n")
}

// printSignOn prints a sign-on frame, the start of a programming session
func printSignOn(frame *stk500.Frame) {
	timestamp := frame.Timestamp().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;32mSIGN_ON:\033[0m host opened a session (seq=%02X)\n\n", timestamp, frame.Seq())
}

// printFrameErrors prints validation errors for a frame
func printFrameErrors(frame *stk500.Frame, errs []stk500.ValidationError) {
	timestamp := frame.Timestamp().Format("15:04:05.000")
	name := stk500.CommandName(frame.Command())

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%02X)\n", timestamp, name, frame.Command())
	fmt.Printf("  Checksum: \033[1;32mOK\033[0m\n")

	for i, err := range errs {
		switch err.Type {
		case stk500.AnomalyShortBody:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
			if received, ok := err.Details["received"].(int); ok {
				if minimum, ok := err.Details["minimum"].(int); ok {
					fmt.Printf("    Length: received=%d, minimum=%d\n", received, minimum)
				}
			}

		case stk500.AnomalyLengthMismatch:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
			if received, ok := err.Details["received"].(int); ok {
				if expected, ok := err.Details["expected"].(int); ok {
					fmt.Printf("    Length: received=%d, expected=%d\n", received, expected)
				}
			}

		case stk500.AnomalyUnknownCommand:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)

		case stk500.AnomalyInvalidValue:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)

		default:
			fmt.Printf("  Issue %d: %s\n", i+1, err.Message)
		}
	}

	// Print transfer parameters for context
	switch frame.Command() {
	case stk500.CmdProgramFlash, stk500.CmdProgramEEPROM:
		if req, err := stk500.ParseProgramRequest(frame.Body()); err == nil {
			fmt.Printf("  Size: %d, Mode: 0x%02X, Delay: %d ms\n", req.Size, req.Mode, req.Delay)
		}
	case stk500.CmdReadFlash, stk500.CmdReadEEPROM:
		if req, err := stk500.ParseReadRequest(frame.Body()); err == nil {
			fmt.Printf("  Size: %d\n", req.Size)
		}
	}

	fmt.Printf("  >>> FRAME FLAGGED <<<\n\n")
}

// runMonitorTUI runs the monitor with the terminal UI
func runMonitorTUI(conn Connection, connInfo string) error {
	decoder := stk500.NewDecoder()
	synchronized := false
	preSyncBytes := 0

	// Create TUI program
	m := initialModel(connInfo, showAll)
	p := tea.NewProgram(m)

	// Link reader goroutine
	go func() {
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
					p.Send(linkClosedMsg{})
				} else {
					p.Send(linkClosedMsg{err: err})
				}
				return
			}

			// Process bytes
			for i := 0; i < n; i++ {
				if !synchronized {
					preSyncBytes++
				}
				frame, decodeErr := decoder.DecodeByte(buf[i])
				for {
					if decodeErr != nil && synchronized {
						// We're synced, this is a real error
						p.Send(frameMsg{
							frame:            nil,
							decodeErr:        decodeErr,
							validationErrors: nil,
						})
					}
					if frame == nil {
						break
					}

					if !synchronized {
						// First frame! We're now synchronized. Noise before
						// it never errors (the decoder hunts silently), so
						// count skipped bytes by what the frame accounts for.
						synchronized = true
						skipped := preSyncBytes - (int(frame.Length()) + stk500.WireOverhead)
						if skipped < 0 {
							skipped = 0
						}
						p.Send(syncMsg{invalidBytes: skipped})
					}

					// Validate frame
					p.Send(frameMsg{
						frame:            frame,
						decodeErr:        nil,
						validationErrors: stk500.ValidateFrame(frame),
					})

					// A drop can leave a complete frame buffered behind it
					frame, decodeErr = decoder.DecodePending()
				}
			}
		}
	}()

	// Run TUI
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}

	return nil
}

// runMonitorText runs the monitor in text mode
func runMonitorText(conn Connection, connInfo string) error {
	fmt.Printf("Cinder - Frame Monitor\n")
	fmt.Printf("%s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := stk500.NewDecoder()
	stats := stk500.NewStatistics()
	buf := make([]byte, 128)

	// Sync tracking - ignore line noise until the first well-formed frame
	synchronized := false
	preSyncBytes := 0

	// Statistics ticker
	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	// Channel for non-blocking link reads
	serialBuf := make(chan []byte, 10)
	readErr := make(chan error, 1)
	go func() {
		for {
			n, err := conn.Read(buf)
			if err != nil {
				readErr <- err
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			serialBuf <- data
		}
	}()

	for {
		select {
		case data := <-serialBuf:
			// Process bytes
			for _, b := range data {
				if !synchronized {
					preSyncBytes++
				}
				frame, decodeErr := decoder.DecodeByte(b)
				for {
					if decodeErr != nil && synchronized {
						// We're synced, this is a real error
						stats.Update(nil, decodeErr, nil)
						printDecodeError(decodeErr)
					}
					if frame == nil {
						break
					}

					if !synchronized {
						// First frame! We're now synchronized
						synchronized = true
						skipped := preSyncBytes - (int(frame.Length()) + stk500.WireOverhead)
						if skipped > 0 {
							fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", skipped)
						} else {
							fmt.Printf("[SYNC] Synchronized\n\n")
						}
					}

					// Validate frame
					validationErrors := stk500.ValidateFrame(frame)
					stats.Update(frame, nil, validationErrors)

					// Print frame or error based on mode
					if len(validationErrors) > 0 {
						printFrameErrors(frame, validationErrors)
					} else if frame.Command() == stk500.CmdSignOn {
						// Always print session starts (for debugging)
						printSignOn(frame)
					} else if showAll {
						// Print valid frame (only if --show-all flag is set)
						fmt.Print(stk500.FormatFrame(frame, stk500.DirCommand))
					}

					frame, decodeErr = decoder.DecodePending()
				}
			}

		case err := <-readErr:
			if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
				fmt.Println("\nConnection closed.")
			} else {
				fmt.Fprintf(os.Stderr, "\nRead error: %v\n", err)
			}
			fmt.Println()
			fmt.Print(stats.String())
			return nil

		case <-statsTicker.C:
			// Print statistics
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}
