// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Thermoquad/cinder/pkg/firmware"
	"github.com/Thermoquad/cinder/pkg/programmer"
	"github.com/spf13/cobra"
)

var (
	readAddr   uint32
	readSize   uint32
	readEEPROM bool
	readOut    string
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read flash or EEPROM contents",
	Long: `Read a range of flash (or EEPROM with --eeprom) from the device.

Without --out the bytes are hex-dumped to stdout. With --out they are written
to a file: raw binary by default, Intel HEX when the file name ends in .hex
or .eep.

--size 0 reads to the end of the selected memory. Reading the boot section
answers the erased value, the loader does not expose its own code.

Exit codes:
  0 - Read complete
  1 - Device error
  2 - Connection error`,
	RunE: runRead,
}

func init() {
	rootCmd.AddCommand(readCmd)
	readCmd.Flags().Uint32Var(&readAddr, "addr", 0, "Start byte address (0x.. accepted)")
	readCmd.Flags().Uint32Var(&readSize, "size", 0, "Bytes to read, 0 for the rest of the memory")
	readCmd.Flags().BoolVar(&readEEPROM, "eeprom", false, "Read EEPROM instead of flash")
	readCmd.Flags().StringVarP(&readOut, "out", "o", "", "Output file (.hex/.eep for Intel HEX, else raw binary)")
}

func runRead(cmd *cobra.Command, args []string) error {
	chip, err := resolveChip()
	if err != nil {
		return err
	}

	memSize := chip.FlashSize
	memName := "flash"
	if readEEPROM {
		memSize = chip.EEPROMSize
		memName = "EEPROM"
	}
	if readAddr >= memSize {
		return fmt.Errorf("--addr 0x%X is beyond the end of %s (0x%X)", readAddr, memName, memSize)
	}
	size := readSize
	if size == 0 {
		size = memSize - readAddr
	}
	if readAddr+size > memSize {
		return fmt.Errorf("range 0x%X..0x%X runs past the end of %s (0x%X)", readAddr, readAddr+size, memName, memSize)
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
	}
	if readOut != "" {
		opts = append(opts, programmer.WithProgress(consoleProgress()))
	}
	prog := programmer.New(conn, opts...)
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

	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Reading %s 0x%05X..0x%05X (%d bytes)\n", memName, readAddr, readAddr+size, size)

	var data []byte
	if readEEPROM {
		data, err = prog.ReadEEPROM(ctx, readAddr, int(size))
	} else {
		data, err = prog.ReadFlash(ctx, readAddr, int(size))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nRead failed: %v\n", err)
		os.Exit(1)
	}

	if readOut == "" {
		fmt.Print(hexDump(readAddr, data))
		return nil
	}
	if err := writeImage(readOut, &firmware.Image{Start: readAddr, Data: data}); err != nil {
		return err
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(data), readOut)
	return nil
}

// writeImage stores an image as Intel HEX or raw binary depending on the
// file extension.
func writeImage(path string, img *firmware.Image) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex", ".ihx", ".eep":
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		if err := firmware.EncodeHex(f, img); err != nil {
			f.Close()
			return fmt.Errorf("write output: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		return nil
	default:
		if err := os.WriteFile(path, img.Data, 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		return nil
	}
}

// hexDump formats bytes the way hexdump -C does, with real device addresses.
func hexDump(addr uint32, data []byte) string {
	var sb strings.Builder
	for off := 0; off < len(data); off += 16 {
		end := min(off+16, len(data))
		row := data[off:end]

		fmt.Fprintf(&sb, "%08X  ", addr+uint32(off))
		enc := hex.EncodeToString(row)
		for i := 0; i < 32; i += 2 {
			if i < len(enc) {
				sb.WriteString(strings.ToUpper(enc[i : i+2]))
			} else {
				sb.WriteString("  ")
			}
			sb.WriteByte(' ')
			if i == 14 {
				sb.WriteByte(' ')
			}
		}

		sb.WriteString(" |")
		for _, b := range row {
			if b < 0x20 || b > 0x7E {
				b = '.'
			}
			sb.WriteByte(b)
		}
		sb.WriteString("|\n")
	}
	return sb.String()
}
