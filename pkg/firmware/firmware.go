// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package firmware loads flash and EEPROM images from the file formats
// AVR toolchains produce: Intel HEX (.hex, .eep) and raw binary dumps.
//
// Parsed files are flattened into a single contiguous Image. Gaps between
// HEX data records are filled with 0xFF so the image can be programmed
// page by page exactly as it would sit in erased memory.
package firmware

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Image is a contiguous block of memory contents starting at Start.
type Image struct {
	Start uint32
	Data  []byte
}

// End returns the address one past the last byte of the image.
func (img *Image) End() uint32 {
	return img.Start + uint32(len(img.Data))
}

// Load reads a firmware file, picking the parser by extension. Intel HEX
// extensions (.hex, .ihex, .ihx, .eep) are parsed as HEX records; anything
// else is treated as a raw binary image starting at address zero.
func Load(path string) (*Image, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex", ".ihx", ".eep":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open firmware: %w", err)
		}
		defer f.Close()

		img, err := ParseHex(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return img, nil

	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("open firmware: %w", err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%s: empty file", path)
		}
		return &Image{Data: data}, nil
	}
}
