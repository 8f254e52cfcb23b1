// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package stk500 provides a reference Go implementation of the STK500v2-style
// framed command protocol spoken by Cinder bootloaders.
//
// The protocol is a synchronous request/response exchange over a half-duplex
// byte channel: one host, one device, one message in flight. This package
// provides frame encoding/decoding, checksum validation, command and response
// construction, and session trace capture. It is shared by the device core
// (pkg/bootcore) and the host client (pkg/programmer).
package stk500

// Protocol framing
const (
	MessageStart = 0x1B

	// MaxBodySize bounds the command token plus payload of a single frame.
	// Devices carry a fixed receive buffer of this size; larger declared
	// lengths are framing errors.
	MaxBodySize = 275

	// WireOverhead is the number of non-body bytes in a frame:
	// start marker, sequence, two length bytes, checksum.
	WireOverhead = 5

	MaxFrameSize = MaxBodySize + WireOverhead
)

// Command tokens
const (
	CmdSignOn        = 0x01
	CmdSetParameter  = 0x02
	CmdGetParameter  = 0x03
	CmdLoadAddress   = 0x06
	CmdEnterProgMode = 0x10
	CmdLeaveProgMode = 0x11
	CmdChipErase     = 0x12
	CmdProgramFlash  = 0x13
	CmdReadFlash     = 0x14
	CmdProgramEEPROM = 0x15
	CmdReadEEPROM    = 0x16
	CmdProgramFuse   = 0x17
	CmdReadFuse      = 0x18
	CmdProgramLock   = 0x19
	CmdReadLock      = 0x1A
	CmdReadSignature = 0x1B
	CmdReadOsccal    = 0x1C
	CmdSpiMulti      = 0x1D
)

// Response status bytes
const (
	StatusOK              = 0x00
	StatusCmdTimeout      = 0x80
	StatusRdyBsyTimeout   = 0x81
	StatusSetParamMissing = 0x82
	StatusCmdFailed       = 0xC0
	StatusChecksumError   = 0xC1
	StatusCmdUnknown      = 0xC9
	StatusCmdIllegalParam = 0xCA
)

// Parameter identifiers
const (
	ParamBuildNumberLow  = 0x80
	ParamBuildNumberHigh = 0x81
	ParamHWVer           = 0x90
	ParamSWMajor         = 0x91
	ParamSWMinor         = 0x92
)

// SignOnName is the fixed identification string returned by sign-on.
// Eight bytes, AVRISP-compatible.
const SignOnName = "AVRISP_2"

// IspReadSignature is the ISP sub-command recognized inside SPI_MULTI
// pass-through; all other sub-commands are answered with a zero byte.
const IspReadSignature = 0x30

// Decoder states (internal)
const (
	stateStart = iota
	stateSeq
	stateLenHi
	stateLenLo
	stateToken
	stateData
	stateChecksum
)
