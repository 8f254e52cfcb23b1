// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Thermoquad/cinder/pkg/programmer"
	"github.com/Thermoquad/cinder/pkg/stk500"
	"github.com/spf13/cobra"
)

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Request a chip erase and report the loader's refusal",
	Long: `Send CMD_CHIP_ERASE_ISP to the device.

A loader running from the boot section cannot run a bulk erase without wiping
itself, so it answers STATUS_CMD_FAILED and leaves memory untouched. Pages
are erased individually as 'cinder flash' programs them, which makes a bulk
erase unnecessary.

A genuine ISP programmer would acknowledge the erase instead; both outcomes
are reported.

Exit codes:
  0 - Device answered (refusal or acknowledgement)
  1 - Device did not answer or the exchange failed
  2 - Connection error`,
	RunE: runErase,
}

func init() {
	rootCmd.AddCommand(eraseCmd)
}

func runErase(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	prog := programmer.New(conn, programmer.WithLogger(newLogger()))
	ctx := context.Background()

	name, err := prog.SignOn(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sign-on failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Programmer: %s\n\n", name)

	if err := prog.EnterProgramming(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Enter programming mode failed: %v\n", err)
		os.Exit(1)
	}
	defer prog.LeaveProgramming(ctx)

	err = prog.ChipErase(ctx)
	var statusErr *stk500.StatusError
	switch {
	case err == nil:
		fmt.Printf("Chip erase acknowledged.\n")
	case errors.As(err, &statusErr) && statusErr.Status == stk500.StatusCmdFailed:
		fmt.Printf("Chip erase refused (STATUS_CMD_FAILED).\n")
		fmt.Printf("The loader erases pages individually while programming; nothing was wiped.\n")
	default:
		fmt.Fprintf(os.Stderr, "Chip erase failed: %v\n", err)
		os.Exit(1)
	}
	return nil
}
