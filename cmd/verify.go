// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Thermoquad/cinder/pkg/programmer"
	"github.com/spf13/cobra"
)

var (
	verifyAddr   uint32
	verifyEEPROM bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Compare device contents against a firmware image",
	Long: `Read back flash (or EEPROM with --eeprom) and compare it byte for byte
against a firmware file, without writing anything.

Addressing follows 'cinder flash': HEX files carry their own addresses, raw
binaries sit at --addr.

Exit codes:
  0 - Contents match
  1 - Mismatch or device error
  2 - Connection error`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().Uint32Var(&verifyAddr, "addr", 0, "Base byte address for raw binaries (0x.. accepted)")
	verifyCmd.Flags().BoolVar(&verifyEEPROM, "eeprom", false, "Verify against EEPROM instead of flash")
}

func runVerify(cmd *cobra.Command, args []string) error {
	chip, err := resolveChip()
	if err != nil {
		return err
	}

	img, err := loadImageAt(args[0], verifyAddr, cmd.Flags().Changed("addr"))
	if err != nil {
		return err
	}
	if err := checkImageBounds(img, chip, verifyEEPROM); err != nil {
		return err
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	prog := programmer.New(conn,
		programmer.WithLogger(newLogger()),
		programmer.WithPageSize(int(chip.PageSize)),
		programmer.WithProgress(consoleProgress()),
	)
	ctx := context.Background()

	if _, err := prog.SignOn(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Sign-on failed: %v\n", err)
		os.Exit(1)
	}
	if err := prog.EnterProgramming(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Enter programming mode failed: %v\n", err)
		os.Exit(1)
	}
	defer prog.LeaveProgramming(ctx)

	target := "flash"
	if verifyEEPROM {
		target = "EEPROM"
	}
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Verifying %s 0x%05X..0x%05X (%d bytes)\n", target, img.Start, img.End(), len(img.Data))

	if verifyEEPROM {
		got, readErr := prog.ReadEEPROM(ctx, img.Start, len(img.Data))
		err = readErr
		if err == nil {
			if i := mismatchIndex(img.Data, got); i >= 0 {
				err = &programmer.VerifyError{Addr: img.Start + uint32(i), Want: img.Data[i], Got: got[i]}
			}
		}
	} else {
		err = prog.VerifyFlash(ctx, img.Start, img.Data)
	}

	var verifyErr *programmer.VerifyError
	switch {
	case err == nil:
		fmt.Printf("\nContents match.\n")
		return nil
	case errors.As(err, &verifyErr):
		fmt.Fprintf(os.Stderr, "\n%v\n", verifyErr)
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "\nVerify failed: %v\n", err)
		os.Exit(1)
	}
	return nil
}
