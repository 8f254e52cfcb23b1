// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

import "time"

// Decoder implements the frame-reception state machine. Bytes are fed one at
// a time; noise before a start marker is discarded silently, and malformed
// frames (bad length, bad checksum) are dropped without acknowledgment.
//
// Dropped frames are re-scanned for an embedded start marker so that a single
// corrupted byte cannot desynchronize the well-formed frame that follows it.
type Decoder struct {
	state  int
	seq    byte
	length uint16
	sum    byte
	body   []byte
	raw    []byte // bytes of the frame being assembled, start marker included
	pend   []byte // dropped-frame bytes awaiting re-scan

	frames  uint64
	dropped uint64
}

// NewDecoder creates a new protocol decoder.
func NewDecoder() *Decoder {
	return &Decoder{
		body: make([]byte, 0, MaxBodySize),
		raw:  make([]byte, 0, MaxFrameSize),
	}
}

// Reset returns the decoder to the hunting state, abandoning any partial
// frame and any bytes queued for re-scan.
func (d *Decoder) Reset() {
	d.resetFrame()
	d.pend = nil
}

func (d *Decoder) resetFrame() {
	d.state = stateStart
	d.seq = 0
	d.length = 0
	d.sum = 0
	d.body = d.body[:0]
	d.raw = d.raw[:0]
}

// GetRawBytes returns the accumulated bytes of the frame in progress.
func (d *Decoder) GetRawBytes() []byte {
	return d.raw
}

// Frames returns the number of frames completed since construction.
func (d *Decoder) Frames() uint64 {
	return d.frames
}

// DroppedFrames returns the number of partial frames dropped for bad length
// or bad checksum since construction.
func (d *Decoder) DroppedFrames() uint64 {
	return d.dropped
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed frame, or nil while a frame is incomplete. The error
// reports a dropped frame (bad length or checksum); callers that track link
// quality can record it, but no response is owed for it.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	return d.run(append(d.pend, b))
}

// DecodePending reprocesses bytes queued for re-scan by an earlier drop
// without consuming new input. A re-scan can leave a complete frame buffered;
// callers that block for input should drain this first.
func (d *Decoder) DecodePending() (*Frame, error) {
	if len(d.pend) == 0 {
		return nil, nil
	}
	return d.run(d.pend)
}

func (d *Decoder) run(queue []byte) (*Frame, error) {
	d.pend = nil

	var firstErr error
	for i := 0; i < len(queue); i++ {
		f, rescan, err := d.step(queue[i])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if len(rescan) > 0 {
				// The dropped bytes may contain a genuine start marker;
				// scan them again ahead of the unconsumed input.
				nq := make([]byte, 0, len(rescan)+len(queue)-i-1)
				nq = append(nq, rescan...)
				nq = append(nq, queue[i+1:]...)
				queue, i = nq, -1
			}
			continue
		}
		if f != nil {
			d.pend = append(d.pend, queue[i+1:]...)
			return f, nil
		}
	}
	return nil, firstErr
}

// step advances the state machine by one byte. On a drop it returns the
// frame's bytes past the start marker for re-scanning.
func (d *Decoder) step(b byte) (*Frame, []byte, error) {
	switch d.state {
	case stateStart:
		if b != MessageStart {
			return nil, nil, nil
		}
		d.raw = append(d.raw[:0], b)
		d.sum = b
		d.state = stateSeq

	case stateSeq:
		d.raw = append(d.raw, b)
		d.sum ^= b
		d.seq = b
		d.state = stateLenHi

	case stateLenHi:
		d.raw = append(d.raw, b)
		d.sum ^= b
		d.length = uint16(b) << 8
		d.state = stateLenLo

	case stateLenLo:
		d.raw = append(d.raw, b)
		d.sum ^= b
		d.length |= uint16(b)
		if d.length == 0 || d.length > MaxBodySize {
			return d.drop(&LengthError{Length: d.length})
		}
		d.body = d.body[:0]
		d.state = stateToken

	case stateToken:
		d.raw = append(d.raw, b)
		d.sum ^= b
		d.body = append(d.body, b)
		if d.length == 1 {
			d.state = stateChecksum
		} else {
			d.state = stateData
		}

	case stateData:
		d.raw = append(d.raw, b)
		d.sum ^= b
		d.body = append(d.body, b)
		if uint16(len(d.body)) == d.length {
			d.state = stateChecksum
		}

	case stateChecksum:
		d.raw = append(d.raw, b)
		if b != d.sum {
			return d.drop(&ChecksumMismatchError{Want: d.sum, Got: b})
		}
		f := &Frame{
			seq:       d.seq,
			body:      append([]byte(nil), d.body...),
			checksum:  b,
			timestamp: time.Now(),
		}
		d.frames++
		d.resetFrame()
		return f, nil, nil
	}
	return nil, nil, nil
}

func (d *Decoder) drop(err error) (*Frame, []byte, error) {
	d.dropped++
	rescan := append([]byte(nil), d.raw[1:]...)
	d.resetFrame()
	return nil, rescan, err
}
