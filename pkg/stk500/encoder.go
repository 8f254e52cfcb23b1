// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

// EncodeFrame builds a complete wire frame: start marker, sequence number,
// big-endian body length, body, trailing checksum.
func EncodeFrame(seq byte, body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, ErrShortBody
	}
	if len(body) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	out := make([]byte, 0, len(body)+WireOverhead)
	out = append(out, MessageStart, seq, byte(len(body)>>8), byte(len(body)))
	out = append(out, body...)
	out = append(out, Checksum(out))
	return out, nil
}

// Encode renders the frame to wire format.
func (f *Frame) Encode() ([]byte, error) {
	return EncodeFrame(f.seq, f.body)
}
