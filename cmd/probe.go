// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/cinder/pkg/programmer"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
)

var probeTimeout int

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Scan for devices sitting in the loader",
	Long: `Send CMD_SIGN_ON and report every target that answers with a programmer
identifier.

With --tcp or --url only that target is probed, which verifies the whole
path through a bridge down to the loader. With --port only that port is
probed. Without any of them, every serial port on the system is tried in
turn. A device only answers while its loader is running, so reset the
board (or hold it in the loader) before probing.

Exit codes:
  0 - At least one loader answered
  1 - No loader found
  2 - Port enumeration or connection error`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeTimeout, "timeout", 2, "Timeout in seconds per target")
}

func runProbe(cmd *cobra.Command, args []string) error {
	// A bridge or TCP target is a single probe, not a scan
	if tcpAddr != "" || wsURL != "" {
		return probeSingleTarget()
	}

	var ports []string
	if portName != "" {
		ports = []string{portName}
	} else {
		var err error
		ports, err = serial.GetPortsList()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Port enumeration error: %v\n", err)
			os.Exit(2)
		}
	}

	if len(ports) == 0 {
		fmt.Printf("No serial ports found.\n")
		os.Exit(1)
	}

	fmt.Printf("Cinder - Loader Probe\n")
	fmt.Printf("Ports: %d\n", len(ports))
	fmt.Printf("Timeout: %d seconds per port\n\n", probeTimeout)

	found := 0
	for _, port := range ports {
		fmt.Printf("%-24s ", port)

		conn, err := OpenSerialConnection(port, baudRate)
		if err != nil {
			fmt.Printf("cannot open\n")
			continue
		}

		info, err := probeTarget(conn)
		conn.Close()
		if err != nil {
			fmt.Printf("no answer\n")
			continue
		}

		found++
		printProbeResult(info)
	}

	fmt.Printf("\n--- Probe summary ---\n")
	fmt.Printf("Loaders found: %d\n", found)

	if found == 0 {
		fmt.Printf("No loader answered. Check wiring and reset the board into the loader.\n")
		os.Exit(1)
	}
	return nil
}

func probeSingleTarget() error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Cinder - Loader Probe\n")
	fmt.Printf("Target: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n\n", probeTimeout)

	fmt.Printf("%-24s ", connInfo)
	info, err := probeTarget(conn)
	if err != nil {
		fmt.Printf("no answer\n")
		fmt.Printf("\n--- Probe summary ---\n")
		fmt.Printf("Loaders found: 0\n")
		fmt.Printf("No loader answered. The bridge is up but nothing signed on behind it.\n")
		os.Exit(1)
	}

	printProbeResult(info)
	fmt.Printf("\n--- Probe summary ---\n")
	fmt.Printf("Loaders found: 1\n")
	return nil
}

// probeTarget signs on over an open connection. Retries stay at one resend
// so a dead target costs at most two timeout windows.
func probeTarget(conn Connection) (*programmer.DeviceInfo, error) {
	prog := programmer.New(conn,
		programmer.WithReplyTimeout(time.Duration(probeTimeout)*time.Second),
		programmer.WithRetries(1),
		programmer.WithLogger(newLogger()),
	)
	return prog.Identify(context.Background())
}

func printProbeResult(info *programmer.DeviceInfo) {
	fmt.Printf("%s  sw %d.%d  hw %d  signature %02X %02X %02X\n",
		info.Name, info.SWMajor, info.SWMinor, info.HWVersion,
		info.Signature[0], info.Signature[1], info.Signature[2])
}
