// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

import "fmt"

// AnomalyType represents different types of frame anomalies
type AnomalyType int

const (
	AnomalyLengthMismatch AnomalyType = iota
	AnomalyShortBody
	AnomalyUnknownCommand
	AnomalyInvalidValue
	AnomalyChecksumError
	AnomalyFramingError
)

// ValidationError represents a frame validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateFrame validates a command frame's structure and operand ranges.
// Returns a slice of validation errors (empty if the frame is well-formed).
// It inspects the host-to-device direction; responses are free-form data.
func ValidateFrame(f *Frame) []ValidationError {
	body := f.Body()

	switch f.Command() {
	case CmdSignOn, CmdChipErase, CmdEnterProgMode, CmdLeaveProgMode,
		CmdReadOsccal:
		return nil

	case CmdSetParameter:
		return requireExact(body, 3, "set-parameter")
	case CmdGetParameter:
		return requireExact(body, 2, "get-parameter")
	case CmdLoadAddress:
		return requireExact(body, 5, "load-address")
	case CmdReadSignature, CmdReadFuse, CmdReadLock,
		CmdProgramFuse, CmdProgramLock:
		return requireAtLeast(body, 5, CommandName(f.Command()))

	case CmdProgramFlash, CmdProgramEEPROM:
		return validateProgram(body)
	case CmdReadFlash, CmdReadEEPROM:
		return validateRead(body)
	case CmdSpiMulti:
		return validateSpiMulti(body)
	}

	return []ValidationError{{
		Type:    AnomalyUnknownCommand,
		Message: fmt.Sprintf("Unknown command token 0x%02X", f.Command()),
		Details: map[string]interface{}{"command": f.Command()},
	}}
}

func requireExact(body []byte, n int, name string) []ValidationError {
	if len(body) != n {
		return []ValidationError{{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("Body length mismatch for %s: received=%d, expected=%d", name, len(body), n),
			Details: map[string]interface{}{"received": len(body), "expected": n},
		}}
	}
	return nil
}

func requireAtLeast(body []byte, n int, name string) []ValidationError {
	if len(body) < n {
		return []ValidationError{{
			Type:    AnomalyShortBody,
			Message: fmt.Sprintf("Body too short for %s: received=%d, minimum=%d", name, len(body), n),
			Details: map[string]interface{}{"received": len(body), "minimum": n},
		}}
	}
	return nil
}

// validateProgram validates a program-flash or program-EEPROM body
func validateProgram(body []byte) []ValidationError {
	req, err := ParseProgramRequest(body)
	if err != nil {
		return []ValidationError{{
			Type:    AnomalyShortBody,
			Message: "Program body too short (minimum 10 bytes)",
			Details: map[string]interface{}{"received": len(body), "minimum": 10},
		}}
	}

	errors := []ValidationError{}

	if req.Size == 0 {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidValue,
			Message: "Program size is zero",
			Details: map[string]interface{}{"size": req.Size},
		})
	}

	if int(req.Size) != len(req.Data) {
		errors = append(errors, ValidationError{
			Type: AnomalyLengthMismatch,
			Message: fmt.Sprintf("Program data length mismatch: declared=%d, carried=%d",
				req.Size, len(req.Data)),
			Details: map[string]interface{}{"declared": req.Size, "carried": len(req.Data)},
		})
	}

	return errors
}

// validateRead validates a read-flash or read-EEPROM body
func validateRead(body []byte) []ValidationError {
	req, err := ParseReadRequest(body)
	if err != nil {
		return []ValidationError{{
			Type:    AnomalyShortBody,
			Message: "Read body too short (minimum 4 bytes)",
			Details: map[string]interface{}{"received": len(body), "minimum": 4},
		}}
	}

	errors := []ValidationError{}

	if req.Size == 0 {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidValue,
			Message: "Read size is zero",
			Details: map[string]interface{}{"size": req.Size},
		})
	}

	// Response carries data plus command, two statuses: must fit one frame.
	if int(req.Size) > MaxBodySize-3 {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidValue,
			Message: fmt.Sprintf("Read size %d exceeds reply capacity (max %d)", req.Size, MaxBodySize-3),
			Details: map[string]interface{}{"size": req.Size, "max": MaxBodySize - 3},
		})
	}

	return errors
}

// validateSpiMulti validates a pass-through body
func validateSpiMulti(body []byte) []ValidationError {
	req, err := ParseSpiMultiRequest(body)
	if err != nil {
		return []ValidationError{{
			Type:    AnomalyShortBody,
			Message: "Pass-through body too short (minimum 4 bytes)",
			Details: map[string]interface{}{"received": len(body), "minimum": 4},
		}}
	}

	errors := []ValidationError{}

	if int(req.NumTx) != len(req.Tx) {
		errors = append(errors, ValidationError{
			Type: AnomalyLengthMismatch,
			Message: fmt.Sprintf("Pass-through TX length mismatch: declared=%d, carried=%d",
				req.NumTx, len(req.Tx)),
			Details: map[string]interface{}{"declared": req.NumTx, "carried": len(req.Tx)},
		})
	}

	// The ISP pass-through window is 32 bytes each way.
	if req.NumTx > 32 {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidValue,
			Message: fmt.Sprintf("Invalid NumTx=%d (max 32)", req.NumTx),
			Details: map[string]interface{}{"num_tx": req.NumTx, "max": 32},
		})
	}

	if req.NumRx > 32 {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidValue,
			Message: fmt.Sprintf("Invalid NumRx=%d (max 32)", req.NumRx),
			Details: map[string]interface{}{"num_rx": req.NumRx, "max": 32},
		})
	}

	return errors
}
