// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/cinder/pkg/stk500"
	"github.com/spf13/cobra"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure sign-on round-trip time to the loader",
	Long: `Send SIGN_ON frames to the loader and time the answers.

The loader answers SIGN_ON from inside its boot window, so each answer
also resets that window. A quick ping right after reset confirms the
loader is listening before you start a longer flash or read.

This is useful for verifying:
  - The loader is in its boot window and answering
  - Frame checksums survive the link end to end
  - Bridge or TCP transport passes binary data both ways
  - Round-trip latency before committing to a long transfer

Exit codes:
  0 - All pings answered
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Cinder - Loader Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	// One reader for the whole run. Answers are matched to pings by
	// sequence number, so a late answer to a timed-out ping is ignored
	// instead of being miscounted for the next one.
	frameChan := make(chan *stk500.Frame, 8)
	errChan := make(chan error, 1)

	go func() {
		decoder := stk500.NewDecoder()
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}

			for j := 0; j < n; j++ {
				// Ignore decode errors; the decoder resyncs on its own
				frame, _ := decoder.DecodeByte(buf[j])
				for frame != nil {
					select {
					case frameChan <- frame:
					default:
					}
					frame, _ = decoder.DecodePending()
				}
			}
		}
	}()

	successCount := 0
	failCount := 0
	var seq byte

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		seq++
		if seq == 0 {
			seq = 1
		}

		wireBytes, err := stk500.EncodeFrame(seq, stk500.SignOnBody())
		if err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		startTime := time.Now()
		if _, err := conn.Write(wireBytes); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		// Wait for the matching answer or timeout
		deadline := time.After(time.Duration(pingTimeout) * time.Second)
		waiting := true
		for waiting {
			select {
			case frame := <-frameChan:
				if frame.Command() != stk500.CmdSignOn || frame.Seq() != seq {
					// Stale answer from an earlier ping
					continue
				}
				rtt := time.Since(startTime)
				name, perr := stk500.ParseSignOnResponse(frame.Body())
				if perr != nil {
					fmt.Printf("MALFORMED ANSWER: %v\n", perr)
					failCount++
				} else {
					fmt.Printf("ANSWER from %q, seq=%02X, rtt=%v\n",
						name, frame.Seq(), rtt.Round(time.Millisecond))
					successCount++
				}
				waiting = false

			case err := <-errChan:
				fmt.Printf("READ FAILED: %v\n", err)
				failCount++
				waiting = false

			case <-deadline:
				fmt.Printf("TIMEOUT (no answer in %ds)\n", pingTimeout)
				failCount++
				waiting = false
			}
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d answers received, %.0f%% frame loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
