// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bootcore implements the device side of the loader: frame
// reception, command dispatch, page-granular programming, and the boot
// decision between serving a programmer and handing control to the
// application. The core is hardware-neutral; everything it touches goes
// through the HAL interfaces, so the same logic drives a simulated part
// and a real one.
package bootcore

import "time"

// ResetCause is the bit set latched from the MCU status register at reset.
type ResetCause byte

const (
	ResetPowerOn  ResetCause = 0x01
	ResetExternal ResetCause = 0x02
	ResetBrownout ResetCause = 0x04
	ResetWatchdog ResetCause = 0x08
	ResetJTAG     ResetCause = 0x10
)

// String renders the set flags joined by '+', or "NONE".
func (rc ResetCause) String() string {
	flags := []struct {
		bit  ResetCause
		name string
	}{
		{ResetPowerOn, "POWER_ON"},
		{ResetExternal, "EXTERNAL"},
		{ResetBrownout, "BROWNOUT"},
		{ResetWatchdog, "WATCHDOG"},
		{ResetJTAG, "JTAG"},
	}
	out := ""
	for _, f := range flags {
		if rc&f.bit == 0 {
			continue
		}
		if out != "" {
			out += "+"
		}
		out += f.name
	}
	if out == "" {
		return "NONE"
	}
	return out
}

// ByteChannel is the link the loader talks over. ReceiveByte blocks until a
// byte arrives or the link fails; ReceiveByteTimeout additionally gives up
// after d with ErrTimeout. Hardware UARTs never fail mid-session, but
// simulated and bridged channels can, so the receive paths report errors.
type ByteChannel interface {
	SendByte(b byte) error
	ReceiveByte() (byte, error)
	ReceiveByteTimeout(d time.Duration) (byte, error)
}

// ProgramMemory is the self-programming surface of the part. StageByte fills
// the page buffer at the address's offset within its page; CommitPage
// programs the staged buffer into the page holding addr, with unstaged
// positions programming as erased 0xFF. ReenableReadAccess restores
// read-while-write access after a commit. Reads are always available and
// cannot fail.
type ProgramMemory interface {
	ErasePage(addr uint32) error
	StageByte(addr uint32, b byte) error
	CommitPage(addr uint32) error
	ReenableReadAccess() error
	ReadProgramByte(addr uint32) byte
}

// DataMemory is the EEPROM surface.
type DataMemory interface {
	ReadDataByte(addr uint32) byte
	WriteDataByte(addr uint32, b byte) error
}

// SystemControl covers reset and watchdog plumbing plus the one-way jump to
// the application. CaptureResetCause reads and clears the hardware flags,
// keeping the value available for the application. TransferControl never
// returns on hardware; simulated implementations return to the caller.
type SystemControl interface {
	CaptureResetCause() ResetCause
	DisableWatchdog()
	TransferControl()
}

// HAL aggregates everything a session needs from the target.
type HAL interface {
	ByteChannel
	ProgramMemory
	DataMemory
	SystemControl
}
