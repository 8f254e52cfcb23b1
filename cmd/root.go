// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName    string
	baudRate    int
	serialReset bool

	// TCP connection flag (simulated and network-attached devices)
	tcpAddr string

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Target selection and diagnostics
	profileName string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "cinder",
	Short: "Cinder Bootloader Toolkit",
	Long: `Cinder - flashing and diagnostics for Thermoquad controller boards.

Speaks the Cinder loader protocol to program, read back, and verify board
firmware, inspect device identity, and debug the link itself. A simulated
device and a WebSocket bridge are built in for bench-free work.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200] [--reset]
  TCP:       --tcp host:4329 (simulated or network-attached devices)
  WebSocket: --url ws://host/path [--username user]

Device profiles pick the target part: --profile atmega2560 (built in), or a
TOML file describing a custom board. The profile supplies page size, the
expected signature, and the default application address.

For WebSocket authentication, the password is read from the CINDER_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version: "2.10.0",
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")
	rootCmd.PersistentFlags().BoolVar(&serialReset, "reset", false, "Pulse DTR on open to reset the board into the loader (serial only)")

	// TCP connection flag
	rootCmd.PersistentFlags().StringVar(&tcpAddr, "tcp", "", "TCP address of a simulated or bridged device (host:port)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Target selection and diagnostics
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "atmega2560", "Device profile: built-in name or TOML file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
