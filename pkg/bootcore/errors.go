// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bootcore

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned by ByteChannel receive calls when the wait expires
// before a byte arrives.
var ErrTimeout = errors.New("bootcore: receive timeout")

// AddressError reports a write landing outside the writable region.
type AddressError struct {
	Addr  uint32
	Limit uint32
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("address 0x%05X outside writable region (limit 0x%05X)", e.Addr, e.Limit)
}

// AlignmentError reports a page operation at an address off the page grid.
type AlignmentError struct {
	Addr     uint32
	PageSize uint16
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("address 0x%05X not aligned to %d-byte page", e.Addr, e.PageSize)
}

// SizeError reports a zero or oversized transfer.
type SizeError struct {
	Size int
	Max  int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("transfer size %d outside (0, %d]", e.Size, e.Max)
}
