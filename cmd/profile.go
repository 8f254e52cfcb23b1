// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Thermoquad/cinder/pkg/bootcore"
)

// profileFile maps profile .toml keys to chip table fields.
type profileFile struct {
	Base       string  `toml:"base"`
	Name       string  `toml:"name"`
	FlashSize  int64   `toml:"flash_size"`
	PageSize   int64   `toml:"page_size"`
	EEPROMSize int64   `toml:"eeprom_size"`
	BootWords  int64   `toml:"boot_words"`
	Signature  []int64 `toml:"signature"`
	OscCal     int64   `toml:"osccal"`
	HWVersion  int64   `toml:"hw_version"`
	SWMajor    int64   `toml:"sw_major"`
	SWMinor    int64   `toml:"sw_minor"`
}

// resolveChip turns --profile into a chip table: either a built-in name or a
// TOML file overlaying one.
func resolveChip() (bootcore.Chip, error) {
	if chip, ok := bootcore.ChipByName(profileName); ok {
		return chip, nil
	}
	if _, err := os.Stat(profileName); err != nil {
		return bootcore.Chip{}, fmt.Errorf("unknown profile %q (built-ins: %s, or a .toml file)",
			profileName, builtinNames())
	}
	return loadProfileFile(profileName)
}

// loadProfileFile reads a profile TOML with default overlay: keys left out
// keep the base chip's values.
func loadProfileFile(path string) (bootcore.Chip, error) {
	var raw profileFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return bootcore.Chip{}, fmt.Errorf("load profile: %w", err)
	}

	chip := bootcore.Mega2560()
	if meta.IsDefined("base") {
		base, ok := bootcore.ChipByName(strings.TrimSpace(raw.Base))
		if !ok {
			return bootcore.Chip{}, fmt.Errorf("load profile: unknown base chip %q (built-ins: %s)",
				raw.Base, builtinNames())
		}
		chip = base
	}

	if meta.IsDefined("name") {
		chip.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("flash_size") {
		chip.FlashSize = uint32(raw.FlashSize)
	}
	if meta.IsDefined("page_size") {
		chip.PageSize = uint16(raw.PageSize)
	}
	if meta.IsDefined("eeprom_size") {
		chip.EEPROMSize = uint32(raw.EEPROMSize)
	}
	if meta.IsDefined("boot_words") {
		chip.BootWords = uint32(raw.BootWords)
	}
	if meta.IsDefined("signature") {
		if len(raw.Signature) != 3 {
			return bootcore.Chip{}, fmt.Errorf("load profile: signature must be 3 bytes, got %d", len(raw.Signature))
		}
		for i, v := range raw.Signature {
			chip.Signature[i] = byte(v)
		}
	}
	if meta.IsDefined("osccal") {
		chip.OscCal = byte(raw.OscCal)
	}
	if meta.IsDefined("hw_version") {
		chip.HWVersion = byte(raw.HWVersion)
	}
	if meta.IsDefined("sw_major") {
		chip.SWMajor = byte(raw.SWMajor)
	}
	if meta.IsDefined("sw_minor") {
		chip.SWMinor = byte(raw.SWMinor)
	}

	if err := chip.Validate(); err != nil {
		return bootcore.Chip{}, fmt.Errorf("load profile: %w", err)
	}
	return chip, nil
}

func builtinNames() string {
	var names []string
	for _, c := range bootcore.Chips() {
		names = append(names, c.Name)
	}
	return strings.Join(names, ", ")
}
