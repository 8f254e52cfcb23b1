// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/Thermoquad/cinder/pkg/bootcore"
	"github.com/Thermoquad/cinder/pkg/firmware"
	"github.com/Thermoquad/cinder/pkg/programmer"
	"github.com/Thermoquad/cinder/pkg/stk500"
	"github.com/spf13/cobra"
)

var (
	flashAddr     uint32
	flashNoVerify bool
	flashEEPROM   bool
	flashTrace    string
)

var flashCmd = &cobra.Command{
	Use:   "flash <file>",
	Short: "Program a firmware image into flash or EEPROM",
	Long: `Program a firmware file into the device.

Intel HEX files (.hex, .eep) carry their own addresses; raw binaries are
placed at --addr (default 0). Images are padded at the front to the profile's
page boundary, flash is programmed page by page, and the contents are read
back and verified unless --no-verify is given.

The device signature is checked against the selected --profile before
anything is written.

With --trace every exchanged frame is captured to a CBOR file that
'cinder trace' can replay later.

Exit codes:
  0 - Programming complete (and verified)
  1 - Device error or verify mismatch
  2 - Connection error`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().Uint32Var(&flashAddr, "addr", 0, "Base byte address for raw binaries (0x.. accepted)")
	flashCmd.Flags().BoolVar(&flashNoVerify, "no-verify", false, "Skip the read-back verify pass")
	flashCmd.Flags().BoolVar(&flashEEPROM, "eeprom", false, "Program EEPROM instead of flash")
	flashCmd.Flags().StringVar(&flashTrace, "trace", "", "Capture the frame exchange to a CBOR trace file")
}

func runFlash(cmd *cobra.Command, args []string) error {
	chip, err := resolveChip()
	if err != nil {
		return err
	}

	img, err := loadImageAt(args[0], flashAddr, cmd.Flags().Changed("addr"))
	if err != nil {
		return err
	}
	if err := checkImageBounds(img, chip, flashEEPROM); err != nil {
		return err
	}
	if !flashEEPROM {
		padToPage(img, uint32(chip.PageSize))
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	opts := []programmer.Option{
		programmer.WithLogger(newLogger()),
		programmer.WithPageSize(int(chip.PageSize)),
		programmer.WithProgress(consoleProgress()),
		programmer.WithExpectedSignature(chip.Signature),
		programmer.WithVerifyAfterProgram(!flashNoVerify),
	}
	if flashTrace != "" {
		f, err := os.Create(flashTrace)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer f.Close()
		tw, err := stk500.NewTraceWriter(f)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		opts = append(opts, programmer.WithTrace(tw))
	}
	prog := programmer.New(conn, opts...)
	ctx := context.Background()

	target := "flash"
	if flashEEPROM {
		target = "EEPROM"
	}
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Programming %s 0x%05X..0x%05X (%d bytes, %s)\n",
		target, img.Start, img.End(), len(img.Data), chip.Name)

	if flashEEPROM {
		err = programEEPROM(ctx, prog, chip, img)
	} else {
		err = prog.Program(ctx, img.Start, img.Data)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nProgramming failed: %v\n", err)
		os.Exit(1)
	}

	if verbose {
		stats := prog.Statistics()
		fmt.Printf("\n%s\n", stats.String())
	}
	return nil
}

// programEEPROM mirrors the flash flow by hand: the orchestrated Program
// path is page oriented and EEPROM has no pages to erase.
func programEEPROM(ctx context.Context, prog *programmer.Programmer, chip bootcore.Chip, img *firmware.Image) error {
	if _, err := prog.SignOn(ctx); err != nil {
		return err
	}
	sig, err := prog.ReadSignature(ctx)
	if err != nil {
		return err
	}
	if sig != chip.Signature {
		return &programmer.SignatureMismatchError{Want: chip.Signature, Got: sig}
	}

	if err := prog.EnterProgramming(ctx); err != nil {
		return err
	}
	defer prog.LeaveProgramming(ctx)

	if err := prog.ProgramEEPROM(ctx, img.Start, img.Data); err != nil {
		return err
	}
	if flashNoVerify {
		return nil
	}

	got, err := prog.ReadEEPROM(ctx, img.Start, len(img.Data))
	if err != nil {
		return err
	}
	if i := mismatchIndex(img.Data, got); i >= 0 {
		return &programmer.VerifyError{Addr: img.Start + uint32(i), Want: img.Data[i], Got: got[i]}
	}
	return nil
}

// mismatchIndex returns the first index where got differs from want, or -1.
// Reads hand back exactly the requested length, so the slices line up.
func mismatchIndex(want, got []byte) int {
	for i := range want {
		if want[i] != got[i] {
			return i
		}
	}
	return -1
}

// loadImageAt loads a firmware file and places it: HEX files carry their own
// addresses, raw binaries sit at the --addr flag. An explicitly set --addr
// overrides a HEX file's origin.
func loadImageAt(path string, addr uint32, addrSet bool) (*firmware.Image, error) {
	img, err := firmware.Load(path)
	if err != nil {
		return nil, err
	}
	if addrSet {
		img.Start = addr
	}
	return img, nil
}

// checkImageBounds refuses images that run past the selected memory, or into
// the boot section for flash.
func checkImageBounds(img *firmware.Image, chip bootcore.Chip, eeprom bool) error {
	if eeprom {
		if img.Start%2 != 0 {
			return fmt.Errorf("EEPROM base address 0x%X must be even", img.Start)
		}
		if img.End() > chip.EEPROMSize {
			return fmt.Errorf("image 0x%X..0x%X runs past the end of EEPROM (0x%X)",
				img.Start, img.End(), chip.EEPROMSize)
		}
		return nil
	}
	if img.End() > chip.FlashSize {
		return fmt.Errorf("image 0x%X..0x%X runs past the end of flash (0x%X)",
			img.Start, img.End(), chip.FlashSize)
	}
	if img.End() > chip.Boundary() {
		return fmt.Errorf("image 0x%X..0x%X runs into the boot section (starts at 0x%X)",
			img.Start, img.End(), chip.Boundary())
	}
	return nil
}

// padToPage extends the image downward to the previous page boundary with
// erased bytes so programming can start on a whole page.
func padToPage(img *firmware.Image, pageSize uint32) {
	off := img.Start % pageSize
	if off == 0 {
		return
	}
	data := make([]byte, off+uint32(len(img.Data)))
	for i := range data[:off] {
		data[i] = 0xFF
	}
	copy(data[off:], img.Data)
	img.Start -= off
	img.Data = data
}
