// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

import "time"

// Frame represents one decoded protocol message. The body is the command
// token followed by the payload; the declared length field counts both.
type Frame struct {
	seq       byte
	body      []byte
	checksum  byte
	timestamp time.Time
}

// NewFrame creates a frame from a sequence number and body. The checksum is
// computed as it would appear on the wire.
func NewFrame(seq byte, body []byte) *Frame {
	f := &Frame{
		seq:       seq,
		body:      append([]byte(nil), body...),
		timestamp: time.Now(),
	}
	f.checksum = f.wireChecksum()
	return f
}

func (f *Frame) wireChecksum() byte {
	ck := byte(MessageStart) ^ f.seq
	n := uint16(len(f.body))
	ck ^= byte(n >> 8)
	ck ^= byte(n)
	for _, b := range f.body {
		ck ^= b
	}
	return ck
}

// Seq returns the frame's sequence number.
func (f *Frame) Seq() byte {
	return f.seq
}

// Body returns the command token plus payload.
func (f *Frame) Body() []byte {
	return f.body
}

// Command returns the command token (first body byte).
func (f *Frame) Command() byte {
	if len(f.body) == 0 {
		return 0
	}
	return f.body[0]
}

// Payload returns the body bytes after the command token.
func (f *Frame) Payload() []byte {
	if len(f.body) <= 1 {
		return nil
	}
	return f.body[1:]
}

// Length returns the declared body length (command token + payload).
func (f *Frame) Length() uint16 {
	return uint16(len(f.body))
}

// Checksum returns the frame's checksum byte.
func (f *Frame) Checksum() byte {
	return f.checksum
}

// Timestamp returns when the frame was decoded or constructed.
func (f *Frame) Timestamp() time.Time {
	return f.timestamp
}

// Status returns the status byte of a response frame (second body byte).
// ok is false for bodies too short to carry one.
func (f *Frame) Status() (status byte, ok bool) {
	if len(f.body) < 2 {
		return 0, false
	}
	return f.body[1], true
}
