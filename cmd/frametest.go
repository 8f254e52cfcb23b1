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

var frameTestTimeout int

var frameTestCmd = &cobra.Command{
	Use:   "frametest",
	Short: "Exercise the loader's frame layer with crafted frames",
	Long: `Send hand-built frames and check the loader's framing behavior:

  1. A golden CMD_SIGN_ON frame must answer the programmer identifier with
     the same sequence number echoed back.
  2. A frame with a corrupted checksum must be discarded silently, with no
     answer of any kind.
  3. A golden frame sent right after the corrupt one must answer normally,
     proving the receiver resynchronized on the message start byte.
  4. An unknown command token must answer STATUS_CMD_UNKNOWN, echoing an
     arbitrary sequence number verbatim.

Exit codes:
  0 - All checks passed
  1 - A check failed or timed out
  2 - Connection error`,
	RunE: runFrameTest,
}

func init() {
	rootCmd.AddCommand(frameTestCmd)
	frameTestCmd.Flags().IntVar(&frameTestTimeout, "timeout", 2, "Timeout in seconds per answer")
}

func runFrameTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Cinder - Frame Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds per answer\n\n", frameTestTimeout)

	frames := make(chan *stk500.Frame, 4)
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
			for i := 0; i < n; i++ {
				f, decodeErr := decoder.DecodeByte(buf[i])
				if decodeErr != nil {
					continue
				}
				for f != nil {
					frames <- f
					f, _ = decoder.DecodePending()
				}
			}
		}
	}()

	wait := time.Duration(frameTestTimeout) * time.Second
	failCount := 0

	// Check 1: golden sign-on.
	fmt.Printf("1/4 golden sign-on:        ")
	f, err := sendAndAwait(conn, frames, errChan, 0x01, stk500.SignOnBody(), wait)
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "Link error: %v\n", err)
		os.Exit(2)
	case f == nil:
		fmt.Printf("FAIL (no answer)\n")
		failCount++
	case f.Seq() != 0x01:
		fmt.Printf("FAIL (answered seq 0x%02X, want 0x01)\n", f.Seq())
		failCount++
	default:
		name, perr := stk500.ParseSignOnResponse(f.Body())
		if perr != nil {
			fmt.Printf("FAIL (%v)\n", perr)
			failCount++
		} else {
			fmt.Printf("PASS (%s)\n", name)
		}
	}

	// Check 2: corrupted checksum must be silently discarded.
	fmt.Printf("2/4 corrupted checksum:    ")
	golden, err := stk500.EncodeFrame(0x02, stk500.SignOnBody())
	if err != nil {
		return err
	}
	corrupt := append([]byte(nil), golden...)
	corrupt[len(corrupt)-1] ^= 0xFF
	if _, err := conn.Write(corrupt); err != nil {
		fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
		os.Exit(2)
	}
	f, err = awaitFrame(frames, errChan, wait)
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "Link error: %v\n", err)
		os.Exit(2)
	case f != nil:
		fmt.Printf("FAIL (got an answer: %s)\n", stk500.CommandName(f.Command()))
		failCount++
	default:
		fmt.Printf("PASS (discarded silently)\n")
	}

	// Check 3: the receiver must have resynchronized.
	fmt.Printf("3/4 resync after corrupt:  ")
	f, err = sendAndAwait(conn, frames, errChan, 0x03, stk500.SignOnBody(), wait)
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "Link error: %v\n", err)
		os.Exit(2)
	case f == nil:
		fmt.Printf("FAIL (no answer, receiver stuck)\n")
		failCount++
	case f.Seq() != 0x03:
		fmt.Printf("FAIL (answered seq 0x%02X, want 0x03)\n", f.Seq())
		failCount++
	default:
		fmt.Printf("PASS\n")
	}

	// Check 4: unknown command, arbitrary sequence number.
	fmt.Printf("4/4 unknown command:       ")
	f, err = sendAndAwait(conn, frames, errChan, 0xFF, []byte{0x7F}, wait)
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "Link error: %v\n", err)
		os.Exit(2)
	case f == nil:
		fmt.Printf("FAIL (no answer)\n")
		failCount++
	case f.Seq() != 0xFF:
		fmt.Printf("FAIL (answered seq 0x%02X, want 0xFF)\n", f.Seq())
		failCount++
	case len(f.Body()) != 2 || f.Body()[0] != 0x7F || f.Body()[1] != stk500.StatusCmdUnknown:
		fmt.Printf("FAIL (body % X, want 7F C9)\n", f.Body())
		failCount++
	default:
		fmt.Printf("PASS (STATUS_CMD_UNKNOWN)\n")
	}

	fmt.Printf("\n--- Frame test summary ---\n")
	fmt.Printf("Checks passed: %d/4\n", 4-failCount)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}

// sendAndAwait frames a body, writes it, and waits for one answer.
func sendAndAwait(conn Connection, frames <-chan *stk500.Frame, errChan <-chan error, seq byte, body []byte, wait time.Duration) (*stk500.Frame, error) {
	wire, err := stk500.EncodeFrame(seq, body)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(wire); err != nil {
		return nil, err
	}
	return awaitFrame(frames, errChan, wait)
}

// awaitFrame waits for one decoded frame. A quiet link answers (nil, nil).
func awaitFrame(frames <-chan *stk500.Frame, errChan <-chan error, wait time.Duration) (*stk500.Frame, error) {
	select {
	case f := <-frames:
		return f, nil
	case err := <-errChan:
		return nil, err
	case <-time.After(wait):
		return nil, nil
	}
}
