// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package simavr simulates an AVR part running the loader: flash and EEPROM
// arrays, the self-programming page buffer, reset and watchdog bookkeeping,
// and a byte-level link a host can drive from the other end. It exists so
// flashing tools can be exercised without bench hardware.
package simavr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/cinder/pkg/bootcore"
	"github.com/rs/zerolog"
)

// ErrInjectedFault is what injected page-operation faults return.
var ErrInjectedFault = errors.New("simavr: injected fault")

// Device is a simulated target. It implements bootcore.HAL; the host end of
// its link is an io.ReadWriteCloser from HostPort. All memory accessors are
// safe to call while a session runs on another goroutine.
type Device struct {
	chip bootcore.Chip

	mu           sync.Mutex
	flash        []byte
	eeprom       []byte
	staged       map[uint32]byte
	resetCause   bootcore.ResetCause
	lastCause    bootcore.ResetCause
	watchdogOff  bool
	transfers    int
	eraseFaults  int
	commitFaults int

	in     chan byte
	out    chan byte
	closed chan struct{}
	once   sync.Once
}

// NewDevice builds a simulated part with erased memories and an external
// reset latched.
func NewDevice(chip bootcore.Chip) *Device {
	d := &Device{
		chip:       chip,
		flash:      make([]byte, chip.FlashSize),
		eeprom:     make([]byte, chip.EEPROMSize),
		staged:     map[uint32]byte{},
		resetCause: bootcore.ResetExternal,
		in:         make(chan byte, linkBuffer),
		out:        make(chan byte, linkBuffer),
		closed:     make(chan struct{}),
	}
	for i := range d.flash {
		d.flash[i] = 0xFF
	}
	for i := range d.eeprom {
		d.eeprom[i] = 0xFF
	}
	return d
}

// Chip returns the simulated part's geometry.
func (d *Device) Chip() bootcore.Chip {
	return d.chip
}

// Close tears the link down. Blocked session and host calls return errors.
func (d *Device) Close() {
	d.once.Do(func() { close(d.closed) })
}

// ServeOne runs a single boot of the loader against this device.
func (d *Device) ServeOne(timeout time.Duration, logger zerolog.Logger) (bootcore.ExitReason, error) {
	s := bootcore.NewSession(d, d.chip, timeout, logger)
	return s.Run()
}

// Serve runs boots back to back, simulating the reset that follows each
// control transfer, until the context is cancelled or the link fails.
func (d *Device) Serve(ctx context.Context, timeout time.Duration, logger zerolog.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		reason, err := d.ServeOne(timeout, logger)
		if err != nil {
			return err
		}
		logger.Debug().Stringer("exit", reason).Msg("loader exited, resetting")
		d.SetResetCause(bootcore.ResetExternal)
	}
}

// ============================================================
// ProgramMemory
// ============================================================

func (d *Device) ErasePage(addr uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.eraseFaults > 0 {
		d.eraseFaults--
		return ErrInjectedFault
	}
	base, err := d.pageBase(addr)
	if err != nil {
		return err
	}
	for i := base; i < base+uint32(d.chip.PageSize); i++ {
		d.flash[i] = 0xFF
	}
	return nil
}

func (d *Device) StageByte(addr uint32, b byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr >= d.chip.FlashSize {
		return fmt.Errorf("simavr: stage at 0x%X beyond flash", addr)
	}
	d.staged[addr] = b
	return nil
}

func (d *Device) CommitPage(addr uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.commitFaults > 0 {
		d.commitFaults--
		return ErrInjectedFault
	}
	base, err := d.pageBase(addr)
	if err != nil {
		return err
	}
	// Unstaged positions program as erased, the way the hardware page
	// buffer behaves after an erase.
	for i := base; i < base+uint32(d.chip.PageSize); i++ {
		if v, ok := d.staged[i]; ok {
			d.flash[i] = v
		} else {
			d.flash[i] = 0xFF
		}
	}
	d.staged = map[uint32]byte{}
	return nil
}

func (d *Device) ReenableReadAccess() error {
	return nil
}

func (d *Device) ReadProgramByte(addr uint32) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr >= d.chip.FlashSize {
		return 0xFF
	}
	return d.flash[addr]
}

func (d *Device) pageBase(addr uint32) (uint32, error) {
	if addr >= d.chip.FlashSize {
		return 0, fmt.Errorf("simavr: page operation at 0x%X beyond flash", addr)
	}
	return addr - addr%uint32(d.chip.PageSize), nil
}

// ============================================================
// DataMemory
// ============================================================

func (d *Device) ReadDataByte(addr uint32) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr >= d.chip.EEPROMSize {
		return 0xFF
	}
	return d.eeprom[addr]
}

func (d *Device) WriteDataByte(addr uint32, b byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr >= d.chip.EEPROMSize {
		return fmt.Errorf("simavr: eeprom write at 0x%X beyond end", addr)
	}
	d.eeprom[addr] = b
	return nil
}

// ============================================================
// SystemControl
// ============================================================

func (d *Device) CaptureResetCause() bootcore.ResetCause {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.resetCause
	d.resetCause = 0
	d.lastCause = c
	return c
}

func (d *Device) DisableWatchdog() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchdogOff = true
}

func (d *Device) TransferControl() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transfers++
}

// ============================================================
// Inspection and scripting
// ============================================================

// SetResetCause latches the cause the next boot will observe.
func (d *Device) SetResetCause(c bootcore.ResetCause) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetCause = c
}

// LastResetCause returns the cause captured by the most recent boot.
func (d *Device) LastResetCause() bootcore.ResetCause {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCause
}

// WatchdogDisabled reports whether a boot has disabled the watchdog.
func (d *Device) WatchdogDisabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watchdogOff
}

// Transfers counts completed control transfers to the application.
func (d *Device) Transfers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transfers
}

// FlashRange copies n bytes of flash starting at addr.
func (d *Device) FlashRange(addr uint32, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		a := addr + uint32(i)
		if a >= d.chip.FlashSize {
			break
		}
		out = append(out, d.flash[a])
	}
	return out
}

// EEPROMRange copies n bytes of EEPROM starting at addr.
func (d *Device) EEPROMRange(addr uint32, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		a := addr + uint32(i)
		if a >= d.chip.EEPROMSize {
			break
		}
		out = append(out, d.eeprom[a])
	}
	return out
}

// LoadFirmware writes an image directly into flash, bypassing the loader.
// Used to pre-seed an application region before a session starts.
func (d *Device) LoadFirmware(addr uint32, image []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr+uint32(len(image)) > d.chip.FlashSize {
		return fmt.Errorf("simavr: image of %d bytes at 0x%X beyond flash", len(image), addr)
	}
	copy(d.flash[addr:], image)
	return nil
}

// InjectEraseFaults makes the next n page erases fail.
func (d *Device) InjectEraseFaults(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eraseFaults = n
}

// InjectCommitFaults makes the next n page commits fail.
func (d *Device) InjectCommitFaults(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commitFaults = n
}
