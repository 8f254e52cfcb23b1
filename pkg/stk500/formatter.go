// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

import (
	"fmt"
)

// Direction tags which side of the link produced a frame.
type Direction uint8

const (
	DirCommand  Direction = iota // host to device
	DirResponse                  // device to host
)

// String returns the short direction tag used in formatted output.
func (d Direction) String() string {
	if d == DirCommand {
		return "CMD"
	}
	return "RSP"
}

// FormatFrame formats a frame into a human-readable string
func FormatFrame(f *Frame, dir Direction) string {
	timestamp := f.timestamp.Format("15:04:05.000")
	name := CommandName(f.Command())

	result := fmt.Sprintf("[%s] %s %s (0x%02X) seq=%02X len=%d\n",
		timestamp, dir, name, f.Command(), f.Seq(), f.Length())
	result += formatBody(f, dir)
	return result
}

func formatBody(f *Frame, dir Direction) string {
	if dir == DirResponse {
		return formatResponse(f)
	}
	return formatRequest(f)
}

func formatRequest(f *Frame) string {
	payload := f.Payload()
	switch f.Command() {
	case CmdSignOn, CmdLeaveProgMode, CmdChipErase, CmdReadOsccal:
		return "  (no operands)\n"

	case CmdSetParameter:
		if len(payload) < 2 {
			return "  (short body)\n"
		}
		return fmt.Sprintf("  Param: %s (0x%02X), Value: 0x%02X\n",
			ParamName(payload[0]), payload[0], payload[1])

	case CmdGetParameter:
		if len(payload) < 1 {
			return "  (short body)\n"
		}
		return fmt.Sprintf("  Param: %s (0x%02X)\n", ParamName(payload[0]), payload[0])

	case CmdLoadAddress:
		if len(payload) < 4 {
			return "  (short body)\n"
		}
		addr := uint32(payload[0])<<24 | uint32(payload[1])<<16 |
			uint32(payload[2])<<8 | uint32(payload[3])
		return fmt.Sprintf("  Word Address: 0x%08X\n", addr)

	case CmdProgramFlash, CmdProgramEEPROM:
		req, err := ParseProgramRequest(f.Body())
		if err != nil {
			return "  (short body)\n"
		}
		return fmt.Sprintf("  Size: %d, Mode: 0x%02X, Delay: %d ms\n",
			req.Size, req.Mode, req.Delay)

	case CmdReadFlash, CmdReadEEPROM:
		req, err := ParseReadRequest(f.Body())
		if err != nil {
			return "  (short body)\n"
		}
		return fmt.Sprintf("  Size: %d\n", req.Size)

	case CmdReadSignature, CmdReadFuse, CmdReadLock:
		if len(payload) < 4 {
			return "  (short body)\n"
		}
		return fmt.Sprintf("  Index: %d, ISP: %s\n", payload[3], hexBytes(payload[:4]))

	case CmdProgramFuse, CmdProgramLock:
		if len(payload) < 4 {
			return "  (short body)\n"
		}
		return fmt.Sprintf("  ISP: %s\n", hexBytes(payload[:4]))

	case CmdSpiMulti:
		req, err := ParseSpiMultiRequest(f.Body())
		if err != nil {
			return "  (short body)\n"
		}
		return fmt.Sprintf("  NumTx: %d, NumRx: %d, Tx: %s\n",
			req.NumTx, req.NumRx, hexBytes(req.Tx))
	}
	return fmt.Sprintf("  Operands: %s\n", hexBytes(payload))
}

func formatResponse(f *Frame) string {
	status, ok := f.Status()
	if !ok {
		return "  (short body)\n"
	}
	result := fmt.Sprintf("  Status: %s (0x%02X)", StatusName(status), status)

	payload := f.Payload()
	switch f.Command() {
	case CmdSignOn:
		if status == StatusOK && len(payload) >= 2 {
			n := int(payload[1])
			if len(payload) >= 2+n {
				result += fmt.Sprintf(", Name: %q", string(payload[2:2+n]))
			}
		}
	case CmdGetParameter:
		if status == StatusOK && len(payload) >= 2 {
			result += fmt.Sprintf(", Value: 0x%02X", payload[1])
		}
	case CmdReadFlash, CmdReadEEPROM, CmdSpiMulti:
		if status == StatusOK && len(payload) >= 2 {
			result += fmt.Sprintf(", Data[%d]: %s", len(payload)-2, hexBytes(payload[1:len(payload)-1]))
		}
	case CmdReadSignature, CmdReadFuse, CmdReadLock, CmdReadOsccal:
		if status == StatusOK && len(payload) >= 2 {
			result += fmt.Sprintf(", Value: 0x%02X", payload[1])
		}
	}
	return result + "\n"
}

// CommandName returns the human-readable name for a command token
func CommandName(cmd byte) string {
	switch cmd {
	// Session and parameter commands
	case CmdSignOn:
		return "SIGN_ON"
	case CmdSetParameter:
		return "SET_PARAMETER"
	case CmdGetParameter:
		return "GET_PARAMETER"

	// Addressing
	case CmdLoadAddress:
		return "LOAD_ADDRESS"

	// Mode transitions
	case CmdEnterProgMode:
		return "ENTER_PROGMODE"
	case CmdLeaveProgMode:
		return "LEAVE_PROGMODE"

	// Memory operations
	case CmdChipErase:
		return "CHIP_ERASE"
	case CmdProgramFlash:
		return "PROGRAM_FLASH"
	case CmdReadFlash:
		return "READ_FLASH"
	case CmdProgramEEPROM:
		return "PROGRAM_EEPROM"
	case CmdReadEEPROM:
		return "READ_EEPROM"
	case CmdProgramFuse:
		return "PROGRAM_FUSE"
	case CmdReadFuse:
		return "READ_FUSE"
	case CmdProgramLock:
		return "PROGRAM_LOCK"
	case CmdReadLock:
		return "READ_LOCK"
	case CmdReadSignature:
		return "READ_SIGNATURE"
	case CmdReadOsccal:
		return "READ_OSCCAL"

	// Pass-through
	case CmdSpiMulti:
		return "SPI_MULTI"

	default:
		return "UNKNOWN"
	}
}

// StatusName returns the human-readable name for a status byte
func StatusName(status byte) string {
	switch status {
	case StatusOK:
		return "OK"
	case StatusCmdTimeout:
		return "CMD_TOUT"
	case StatusRdyBsyTimeout:
		return "RDY_BSY_TOUT"
	case StatusSetParamMissing:
		return "SET_PARAM_MISSING"
	case StatusCmdFailed:
		return "FAILED"
	case StatusChecksumError:
		return "CKSUM_ERROR"
	case StatusCmdUnknown:
		return "UNKNOWN"
	case StatusCmdIllegalParam:
		return "ILLEGAL_PARAM"
	default:
		return "UNRECOGNIZED"
	}
}

// ParamName returns the human-readable name for a parameter identifier
func ParamName(id byte) string {
	switch id {
	case ParamBuildNumberLow:
		return "BUILD_NUMBER_LOW"
	case ParamBuildNumberHigh:
		return "BUILD_NUMBER_HIGH"
	case ParamHWVer:
		return "HW_VER"
	case ParamSWMajor:
		return "SW_MAJOR"
	case ParamSWMinor:
		return "SW_MINOR"
	default:
		return "UNKNOWN"
	}
}

// hexBytes renders a byte slice as spaced hex, truncated for readability.
func hexBytes(b []byte) string {
	const limit = 16
	result := ""
	for i, v := range b {
		if i == limit {
			return result + fmt.Sprintf("... (%d more)", len(b)-limit)
		}
		if i > 0 {
			result += " "
		}
		result += fmt.Sprintf("%02X", v)
	}
	return result
}
