// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bootcore

import (
	"fmt"
	"strings"
)

// Chip is the build-time description of a target part. Sizes are in bytes
// except BootWords, which counts the reserved loader section in words the
// way the datasheets do.
type Chip struct {
	Name       string
	FlashSize  uint32
	PageSize   uint16
	EEPROMSize uint32
	BootWords  uint32
	Signature  [3]byte
	OscCal     byte

	HWVersion byte
	SWMajor   byte
	SWMinor   byte
	BuildLow  byte
	BuildHigh byte
}

// Boundary is the first byte address the loader refuses to program: the
// application region ends where the reserved loader section begins.
func (c Chip) Boundary() uint32 {
	return c.FlashSize - 2*c.BootWords
}

// Midpoint is where the address cursor starts and where it wraps after the
// upper half of the application region fills.
func (c Chip) Midpoint() uint32 {
	return c.FlashSize / 2
}

// Validate checks that the geometry is self-consistent.
func (c Chip) Validate() error {
	page := uint32(c.PageSize)
	if page == 0 {
		return fmt.Errorf("chip %q: zero page size", c.Name)
	}
	if c.FlashSize == 0 || c.FlashSize%page != 0 {
		return fmt.Errorf("chip %q: flash size 0x%X not a multiple of page size %d", c.Name, c.FlashSize, c.PageSize)
	}
	if 2*c.BootWords >= c.FlashSize {
		return fmt.Errorf("chip %q: loader section swallows the flash", c.Name)
	}
	if c.Boundary()%page != 0 {
		return fmt.Errorf("chip %q: boundary 0x%X not page aligned", c.Name, c.Boundary())
	}
	if c.Midpoint()%page != 0 {
		return fmt.Errorf("chip %q: midpoint 0x%X not page aligned", c.Name, c.Midpoint())
	}
	if c.Midpoint()+page > c.Boundary() {
		return fmt.Errorf("chip %q: no writable page between midpoint 0x%X and boundary 0x%X", c.Name, c.Midpoint(), c.Boundary())
	}
	return nil
}

// Mega2560 returns the geometry of the ATmega2560, the part the controller
// boards this loader targets are built around.
func Mega2560() Chip {
	return Chip{
		Name:       "ATmega2560",
		FlashSize:  0x40000,
		PageSize:   256,
		EEPROMSize: 0x1000,
		BootWords:  4096,
		Signature:  [3]byte{0x1E, 0x98, 0x01},
		HWVersion:  0x0F,
		SWMajor:    2,
		SWMinor:    0x0A,
	}
}

// Mega2561 returns the geometry of the ATmega2561.
func Mega2561() Chip {
	c := Mega2560()
	c.Name = "ATmega2561"
	c.Signature = [3]byte{0x1E, 0x98, 0x02}
	return c
}

// Mega1280 returns the geometry of the ATmega1280.
func Mega1280() Chip {
	return Chip{
		Name:       "ATmega1280",
		FlashSize:  0x20000,
		PageSize:   256,
		EEPROMSize: 0x1000,
		BootWords:  4096,
		Signature:  [3]byte{0x1E, 0x97, 0x03},
		HWVersion:  0x0F,
		SWMajor:    2,
		SWMinor:    0x0A,
	}
}

// Mega128 returns the geometry of the ATmega128.
func Mega128() Chip {
	return Chip{
		Name:       "ATmega128",
		FlashSize:  0x20000,
		PageSize:   256,
		EEPROMSize: 0x1000,
		BootWords:  4096,
		Signature:  [3]byte{0x1E, 0x97, 0x02},
		HWVersion:  0x0F,
		SWMajor:    2,
		SWMinor:    0x0A,
	}
}

// Mega1284P returns the geometry of the ATmega1284P.
func Mega1284P() Chip {
	return Chip{
		Name:       "ATmega1284P",
		FlashSize:  0x20000,
		PageSize:   256,
		EEPROMSize: 0x1000,
		BootWords:  4096,
		Signature:  [3]byte{0x1E, 0x97, 0x05},
		HWVersion:  0x0F,
		SWMajor:    2,
		SWMinor:    0x0A,
	}
}

// Chips lists the built-in chip tables.
func Chips() []Chip {
	return []Chip{Mega2560(), Mega2561(), Mega1280(), Mega1284P(), Mega128()}
}

// ChipByName resolves a built-in chip table by name, tolerating a missing
// "AT" prefix ("mega2560" matches "ATmega2560").
func ChipByName(name string) (Chip, bool) {
	n := strings.ToLower(name)
	for _, c := range Chips() {
		cn := strings.ToLower(c.Name)
		if n == cn || "at"+n == cn {
			return c, true
		}
	}
	return Chip{}, false
}
