// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package programmer

import (
	"errors"
	"fmt"
)

// ErrNoReply indicates a command that went unanswered through every retry.
var ErrNoReply = errors.New("programmer: device did not answer")

// VerifyError reports a flash read-back that did not match the written image.
type VerifyError struct {
	Addr uint32
	Want byte
	Got  byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify mismatch at 0x%05X: wrote 0x%02X, read 0x%02X",
		e.Addr, e.Want, e.Got)
}

// SignatureMismatchError reports a device whose signature does not match the
// expected target part.
type SignatureMismatchError struct {
	Want [3]byte
	Got  [3]byte
}

func (e *SignatureMismatchError) Error() string {
	return fmt.Sprintf("device signature %02X %02X %02X does not match expected %02X %02X %02X",
		e.Got[0], e.Got[1], e.Got[2], e.Want[0], e.Want[1], e.Want[2])
}
