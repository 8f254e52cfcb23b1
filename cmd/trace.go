// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Thermoquad/cinder/pkg/stk500"
	"github.com/spf13/cobra"
)

var traceCapture string

var traceCmd = &cobra.Command{
	Use:   "trace [capture-file]",
	Short: "Decode frame traffic live or replay a CBOR capture",
	Long: `Without arguments, sit where the device would and decode every command a
host programmer sends: point avrdude or another STK500 host at a port
bridged to this connection and its traffic prints with command names,
operands, and validation warnings. Bytes that fail to frame are counted
and the receiver resynchronizes on the next message start. Nothing is
answered, so the host will eventually give up and retry.

With --capture the arriving frames are also written to a CBOR trace file.

With a file argument, replay a capture written by --capture or by
'cinder flash --trace', printing both directions with their original
timestamps.

Exit codes:
  0 - Trace ended normally
  1 - Replay file invalid
  2 - Connection error`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrace,
}

func init() {
	rootCmd.AddCommand(traceCmd)
	traceCmd.Flags().StringVar(&traceCapture, "capture", "", "Write arriving frames to a CBOR trace file (live mode)")
}

func runTrace(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return replayTrace(args[0])
	}
	return liveTrace()
}

func replayTrace(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	r, err := stk500.NewTraceReader(f)
	if err != nil {
		return err
	}

	events, bad := 0, 0
	for {
		ev, err := r.ReadEvent()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		events++

		frame, err := ev.Frame()
		if err != nil {
			bad++
			fmt.Printf("[%s] %s undecodable (%v): % X\n",
				ev.Timestamp.Format("15:04:05.000"), ev.Dir, err, ev.Raw)
			continue
		}
		fmt.Print(stk500.FormatFrame(frame, ev.Dir))
	}

	fmt.Printf("\n%d events", events)
	if bad > 0 {
		fmt.Printf(", %d undecodable", bad)
	}
	fmt.Printf("\n")
	return nil
}

func liveTrace() error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	var capture *stk500.TraceWriter
	if traceCapture != "" {
		f, err := os.Create(traceCapture)
		if err != nil {
			return fmt.Errorf("open capture file: %w", err)
		}
		defer f.Close()
		capture, err = stk500.NewTraceWriter(f)
		if err != nil {
			return err
		}
	}

	fmt.Printf("Cinder - Live Frame Trace\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Decoding host commands, Ctrl-C to stop...\n\n")

	decoder := stk500.NewDecoder()
	stats := stk500.NewStatistics()
	buf := make([]byte, 512)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
				fmt.Printf("\nConnection closed.\n")
				break
			}
			fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
			os.Exit(2)
		}

		for i := 0; i < n; i++ {
			f, derr := decoder.DecodeByte(buf[i])
			if derr != nil {
				stats.Update(nil, derr, nil)
				fmt.Printf("(dropped frame: %v)\n", derr)
				continue
			}
			for f != nil {
				traceOne(f, capture, stats)
				if f, derr = decoder.DecodePending(); derr != nil {
					stats.Update(nil, derr, nil)
					fmt.Printf("(dropped frame: %v)\n", derr)
				}
			}
		}
	}

	fmt.Printf("\n%s\n", stats.String())
	return nil
}

func traceOne(f *stk500.Frame, capture *stk500.TraceWriter, stats *stk500.Statistics) {
	validationErrors := stk500.ValidateFrame(f)
	stats.Update(f, nil, validationErrors)

	fmt.Print(stk500.FormatFrame(f, stk500.DirCommand))
	for i := range validationErrors {
		fmt.Printf("  ! %s\n", validationErrors[i].Error())
	}

	if capture != nil {
		if raw, err := f.Encode(); err == nil {
			capture.WriteEvent(stk500.DirCommand, raw)
		}
	}
}
