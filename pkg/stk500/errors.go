// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

import (
	"errors"
	"fmt"
)

// ErrShortBody indicates a command body too short for its declared layout.
var ErrShortBody = errors.New("stk500: body too short")

// ErrBodyTooLarge indicates a body exceeding MaxBodySize.
var ErrBodyTooLarge = errors.New("stk500: body exceeds maximum size")

// ChecksumMismatchError reports a frame dropped for a bad trailing checksum.
type ChecksumMismatchError struct {
	Want byte
	Got  byte
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected 0x%02X, got 0x%02X", e.Want, e.Got)
}

// LengthError reports a frame dropped for an out-of-bounds declared length.
type LengthError struct {
	Length uint16
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("invalid body length: %d (valid 1-%d)", e.Length, MaxBodySize)
}

// StatusError reports a response carrying a non-OK status byte.
type StatusError struct {
	Command byte
	Status  byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: status 0x%02X (%s)",
		CommandName(e.Command), e.Status, StatusName(e.Status))
}

// UnexpectedReplyError reports a response whose echoed command token does not
// match the request.
type UnexpectedReplyError struct {
	Want byte
	Got  byte
}

func (e *UnexpectedReplyError) Error() string {
	return fmt.Sprintf("unexpected reply: sent %s, answered %s",
		CommandName(e.Want), CommandName(e.Got))
}

// SequenceError reports a response that did not echo the request's sequence
// number.
type SequenceError struct {
	Want byte
	Got  byte
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("sequence mismatch: sent %d, answered %d", e.Want, e.Got)
}
