// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bootcore

import (
	"errors"

	"github.com/Thermoquad/cinder/pkg/stk500"
)

// SignOnName is the programmer identity reported to hosts. Flashing tools
// key their protocol selection off this string.
const SignOnName = stk500.SignOnName

// Action tells the session loop what to do after the response goes out.
type Action uint8

const (
	ActionContinue Action = iota
	ActionLeave
)

// Dispatcher maps decoded command bodies to response bodies and side
// effects. It owns the programming-mode flag, the parameter table, and the
// memory programmer.
type Dispatcher struct {
	prog        *Programmer
	params      *paramTable
	chip        Chip
	programming bool
}

// NewDispatcher builds a dispatcher for one session.
func NewDispatcher(mem ProgramMemory, data DataMemory, chip Chip) *Dispatcher {
	return &Dispatcher{
		prog:   NewProgrammer(mem, data, chip),
		params: newParamTable(chip),
		chip:   chip,
	}
}

// Programming reports whether the session is in programming mode.
func (d *Dispatcher) Programming() bool {
	return d.programming
}

// Cursor returns the programmer's current byte address.
func (d *Dispatcher) Cursor() uint32 {
	return d.prog.Cursor()
}

// Dispatch handles one command body and returns the response body plus the
// follow-up action. Every known token gets an answer; unknown tokens answer
// the unknown-command status rather than being dropped.
func (d *Dispatcher) Dispatch(body []byte) ([]byte, Action) {
	cmd := body[0]
	switch cmd {
	case stk500.CmdSignOn:
		return stk500.SignOnResponseBody(SignOnName), ActionContinue

	case stk500.CmdSetParameter:
		if len(body) < 3 {
			return stk500.StatusBody(cmd, stk500.StatusCmdIllegalParam), ActionContinue
		}
		if !d.params.set(body[1], body[2]) {
			return stk500.StatusBody(cmd, stk500.StatusSetParamMissing), ActionContinue
		}
		return stk500.StatusBody(cmd, stk500.StatusOK), ActionContinue

	case stk500.CmdGetParameter:
		if len(body) < 2 {
			return stk500.StatusBody(cmd, stk500.StatusCmdIllegalParam), ActionContinue
		}
		v, ok := d.params.get(body[1])
		if !ok {
			return stk500.StatusBody(cmd, stk500.StatusSetParamMissing), ActionContinue
		}
		return stk500.ParameterResponseBody(v), ActionContinue

	case stk500.CmdLoadAddress:
		if len(body) < 5 {
			return stk500.StatusBody(cmd, stk500.StatusCmdIllegalParam), ActionContinue
		}
		word := uint32(body[1])<<24 | uint32(body[2])<<16 |
			uint32(body[3])<<8 | uint32(body[4])
		d.prog.SetCursor(word)
		return stk500.StatusBody(cmd, stk500.StatusOK), ActionContinue

	case stk500.CmdEnterProgMode:
		d.programming = true
		return stk500.StatusBody(cmd, stk500.StatusOK), ActionContinue

	case stk500.CmdLeaveProgMode:
		d.programming = false
		return stk500.StatusBody(cmd, stk500.StatusOK), ActionLeave

	case stk500.CmdChipErase:
		// Bulk erase is unsupported; a failed status here keeps hosts from
		// assuming the application region was wiped.
		return stk500.StatusBody(cmd, stk500.StatusCmdFailed), ActionContinue

	case stk500.CmdProgramFlash, stk500.CmdProgramEEPROM:
		return d.program(cmd, body), ActionContinue

	case stk500.CmdReadFlash, stk500.CmdReadEEPROM:
		return d.read(cmd, body), ActionContinue

	case stk500.CmdReadSignature:
		if len(body) < 5 {
			return stk500.StatusBody(cmd, stk500.StatusCmdIllegalParam), ActionContinue
		}
		return stk500.ByteResponseBody(cmd, d.signatureByte(body[4])), ActionContinue

	case stk500.CmdReadFuse, stk500.CmdReadLock:
		if len(body) < 5 {
			return stk500.StatusBody(cmd, stk500.StatusCmdIllegalParam), ActionContinue
		}
		return stk500.ByteResponseBody(cmd, 0x00), ActionContinue

	case stk500.CmdProgramFuse, stk500.CmdProgramLock:
		if len(body) < 5 {
			return stk500.StatusBody(cmd, stk500.StatusCmdIllegalParam), ActionContinue
		}
		return stk500.AckResponseBody(cmd), ActionContinue

	case stk500.CmdReadOsccal:
		return stk500.ByteResponseBody(cmd, d.chip.OscCal), ActionContinue

	case stk500.CmdSpiMulti:
		return d.spiMulti(body), ActionContinue
	}

	return stk500.StatusBody(cmd, stk500.StatusCmdUnknown), ActionContinue
}

func (d *Dispatcher) program(cmd byte, body []byte) []byte {
	if !d.programming {
		return stk500.StatusBody(cmd, stk500.StatusCmdFailed)
	}
	req, err := stk500.ParseProgramRequest(body)
	if err != nil {
		return stk500.StatusBody(cmd, stk500.StatusCmdIllegalParam)
	}
	if int(req.Size) != len(req.Data) {
		return stk500.StatusBody(cmd, stk500.StatusCmdIllegalParam)
	}
	if cmd == stk500.CmdProgramFlash {
		err = d.prog.ProgramFlashPage(req.Data)
	} else {
		err = d.prog.ProgramEEPROM(req.Data)
	}
	return stk500.StatusBody(cmd, programStatus(err))
}

func (d *Dispatcher) read(cmd byte, body []byte) []byte {
	if !d.programming {
		return stk500.StatusBody(cmd, stk500.StatusCmdFailed)
	}
	req, err := stk500.ParseReadRequest(body)
	if err != nil {
		return stk500.StatusBody(cmd, stk500.StatusCmdIllegalParam)
	}
	// The data block and its bracketing statuses must fit one response body.
	if req.Size == 0 || int(req.Size) > stk500.MaxBodySize-3 {
		return stk500.StatusBody(cmd, stk500.StatusCmdIllegalParam)
	}
	var data []byte
	if cmd == stk500.CmdReadFlash {
		data = d.prog.ReadFlash(req.Size)
	} else {
		data = d.prog.ReadEEPROM(req.Size)
	}
	return stk500.ReadResponseBody(cmd, data)
}

// signatureByte answers the device signature byte for a probe index: 0 and 1
// select the first two bytes, anything else the third.
func (d *Dispatcher) signatureByte(index byte) byte {
	switch index {
	case 0:
		return d.chip.Signature[0]
	case 1:
		return d.chip.Signature[1]
	default:
		return d.chip.Signature[2]
	}
}

// programStatus maps programmer errors onto wire statuses: shape and bounds
// refusals answer illegal-parameter, hardware faults answer failed.
func programStatus(err error) byte {
	var addrErr *AddressError
	var sizeErr *SizeError
	var alignErr *AlignmentError
	switch {
	case err == nil:
		return stk500.StatusOK
	case errors.As(err, &addrErr), errors.As(err, &sizeErr), errors.As(err, &alignErr):
		return stk500.StatusCmdIllegalParam
	default:
		return stk500.StatusCmdFailed
	}
}
