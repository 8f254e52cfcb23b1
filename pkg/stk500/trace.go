// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Trace files hold a header record followed by one record per captured
// event. Records are CBOR arrays so readers in other languages stay cheap:
//
//	header: [magic, version]
//	event:  [direction, unix-micros, raw-bytes]
//
// Raw bytes are the wire form, start marker through checksum, so a reader
// can re-run the decoder against captured traffic.

const (
	traceMagic   = "cinder-trace"
	traceVersion = 1
)

// TraceEvent is one captured wire event.
type TraceEvent struct {
	Dir       Direction
	Timestamp time.Time
	Raw       []byte
}

// TraceWriter appends trace events to an output stream.
type TraceWriter struct {
	enc *cbor.Encoder
}

// NewTraceWriter writes the trace header and returns a writer for events.
func NewTraceWriter(w io.Writer) (*TraceWriter, error) {
	enc := cbor.NewEncoder(w)
	header := []interface{}{traceMagic, uint64(traceVersion)}
	if err := enc.Encode(header); err != nil {
		return nil, fmt.Errorf("failed to write trace header: %w", err)
	}
	return &TraceWriter{enc: enc}, nil
}

// WriteEvent appends one event stamped with the current time.
func (t *TraceWriter) WriteEvent(dir Direction, raw []byte) error {
	record := []interface{}{uint64(dir), uint64(time.Now().UnixMicro()), raw}
	if err := t.enc.Encode(record); err != nil {
		return fmt.Errorf("failed to write trace event: %w", err)
	}
	return nil
}

// TraceReader reads trace events from an input stream.
type TraceReader struct {
	dec *cbor.Decoder
}

// NewTraceReader checks the trace header and returns a reader for events.
func NewTraceReader(r io.Reader) (*TraceReader, error) {
	dec := cbor.NewDecoder(r)

	var header []interface{}
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("failed to read trace header: %w", err)
	}
	if len(header) != 2 {
		return nil, fmt.Errorf("expected 2-element header, got %d elements", len(header))
	}
	magic, ok := header[0].(string)
	if !ok || magic != traceMagic {
		return nil, fmt.Errorf("not a trace file (magic %q)", header[0])
	}
	version, ok := asUint(header[1])
	if !ok || version != traceVersion {
		return nil, fmt.Errorf("unsupported trace version %v", header[1])
	}

	return &TraceReader{dec: dec}, nil
}

// ReadEvent returns the next event, or io.EOF at end of stream.
func (t *TraceReader) ReadEvent() (*TraceEvent, error) {
	var record []interface{}
	if err := t.dec.Decode(&record); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read trace event: %w", err)
	}
	if len(record) != 3 {
		return nil, fmt.Errorf("expected 3-element event, got %d elements", len(record))
	}

	dir, ok := asUint(record[0])
	if !ok || dir > uint64(DirResponse) {
		return nil, fmt.Errorf("invalid event direction %v", record[0])
	}
	micros, ok := asUint(record[1])
	if !ok {
		return nil, fmt.Errorf("invalid event timestamp %v", record[1])
	}
	raw, ok := record[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid event data %v", record[2])
	}

	return &TraceEvent{
		Dir:       Direction(dir),
		Timestamp: time.UnixMicro(int64(micros)),
		Raw:       raw,
	}, nil
}

// Frame re-runs the decoder over the event's raw bytes and stamps the result
// with the captured time, so replayed traffic formats with real timestamps.
func (e *TraceEvent) Frame() (*Frame, error) {
	dec := NewDecoder()
	var frame *Frame
	for _, b := range e.Raw {
		f, err := dec.DecodeByte(b)
		if err != nil {
			return nil, err
		}
		if f != nil {
			frame = f
		}
	}
	if frame == nil {
		return nil, fmt.Errorf("event does not hold a complete frame")
	}
	frame.timestamp = e.Timestamp
	return frame, nil
}

// asUint extracts an unsigned integer from a decoded CBOR value
func asUint(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		if n >= 0 {
			return uint64(n), true
		}
	}
	return 0, false
}
