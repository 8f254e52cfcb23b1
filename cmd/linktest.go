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

var linkTestCmd = &cobra.Command{
	Use:   "linktest",
	Short: "Test link stability and quietness",
	Long: `Listen on the link without sending anything and report what arrives.

A loader line is quiet: the loader only ever answers, so with no host
driving it there should be zero bytes. Anything received means the
application firmware is chattering on the UART, the baud rate is wrong
and producing garbage, or another host is programming on this line.
Received bytes are run through the frame decoder; decoded frames are
strong evidence of another active host.

Exit codes:
  0 - Line quiet for the whole duration
  1 - Unsolicited data received, or connection dropped
  2 - Connection error`,
	RunE: runLinkTest,
}

var linkTestDuration int

func init() {
	rootCmd.AddCommand(linkTestCmd)
	linkTestCmd.Flags().IntVar(&linkTestDuration, "duration", 30, "Test duration in seconds")
}

func runLinkTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Cinder - Link Stability Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Duration: %d seconds\n\n", linkTestDuration)

	// Start a goroutine to read from the connection
	readChan := make(chan []byte, 100)
	errChan := make(chan error, 1)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				readChan <- data
			}
		}
	}()

	// Run for the specified duration
	endTime := time.Now().Add(time.Duration(linkTestDuration) * time.Second)
	decoder := stk500.NewDecoder()
	bytesReceived := 0
	chunksReceived := 0
	framesDecoded := 0

	fmt.Printf("Listening for data...\n\n")

	for time.Now().Before(endTime) {
		select {
		case data := <-readChan:
			bytesReceived += len(data)
			chunksReceived++
			fmt.Printf("[%s] Received %d bytes: %x\n",
				time.Now().Format("15:04:05.000"), len(data), data)

			// Decoded frames mean a live host, not just noise
			for _, b := range data {
				frame, _ := decoder.DecodeByte(b)
				for frame != nil {
					framesDecoded++
					fmt.Printf("[%s] Decoded %s frame (seq=%02X) - another host is driving this line\n",
						time.Now().Format("15:04:05.000"),
						stk500.CommandName(frame.Command()), frame.Seq())
					frame, _ = decoder.DecodePending()
				}
			}

		case err := <-errChan:
			fmt.Printf("\n[%s] Connection error: %v\n",
				time.Now().Format("15:04:05.000"), err)
			fmt.Printf("\n--- Test Results ---\n")
			fmt.Printf("Duration: %v\n", time.Since(endTime.Add(-time.Duration(linkTestDuration)*time.Second)))
			fmt.Printf("Chunks received: %d\n", chunksReceived)
			fmt.Printf("Bytes received: %d\n", bytesReceived)
			fmt.Printf("Frames decoded: %d\n", framesDecoded)
			fmt.Printf("Result: FAILED (connection error)\n")
			os.Exit(1)

		case <-time.After(1 * time.Second):
			// Just a heartbeat to show the test is running
			remaining := time.Until(endTime).Seconds()
			fmt.Printf("[%s] Still listening... (%.0fs remaining)\n",
				time.Now().Format("15:04:05.000"), remaining)
		}
	}

	fmt.Printf("\n--- Test Results ---\n")
	fmt.Printf("Duration: %d seconds\n", linkTestDuration)
	fmt.Printf("Chunks received: %d\n", chunksReceived)
	fmt.Printf("Bytes received: %d\n", bytesReceived)
	fmt.Printf("Frames decoded: %d\n", framesDecoded)

	if bytesReceived == 0 {
		fmt.Printf("Result: PASSED (line quiet)\n")
		return nil
	}

	if framesDecoded > 0 {
		fmt.Printf("Result: FAILED (another host appears to be on this line)\n")
	} else {
		fmt.Printf("Result: FAILED (unsolicited data on line)\n")
	}
	os.Exit(1)
	return nil
}
