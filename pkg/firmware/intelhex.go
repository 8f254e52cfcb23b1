// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Intel HEX record types.
const (
	recData         = 0x00
	recEOF          = 0x01
	recExtSegment   = 0x02
	recStartSegment = 0x03
	recExtLinear    = 0x04
	recStartLinear  = 0x05
)

const (
	// minRecordBytes is count + address(2) + type + checksum.
	minRecordBytes = 5

	// maxImageSpan caps the flattened image size. HEX files can place
	// records anywhere in a 32-bit space; a stray extended address record
	// must not make us allocate gigabytes of fill.
	maxImageSpan = 4 << 20

	// hexBytesPerLine is the data record width EncodeHex emits.
	hexBytesPerLine = 16
)

type record struct {
	addr uint16
	typ  byte
	data []byte
}

type chunk struct {
	addr uint32
	data []byte
}

// ParseHex parses an Intel HEX stream into a flattened Image. Extended
// segment (type 02) and extended linear (type 04) records are honored;
// start address records (03, 05) carry no memory contents and are skipped.
func ParseHex(r io.Reader) (*Image, error) {
	scanner := bufio.NewScanner(r)

	var (
		chunks []chunk
		base   uint32
		sawEOF bool
	)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if sawEOF {
			return nil, fmt.Errorf("line %d: data after end-of-file record", lineNum)
		}

		rec, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}

		switch rec.typ {
		case recData:
			if len(rec.data) > 0 {
				chunks = append(chunks, chunk{addr: base + uint32(rec.addr), data: rec.data})
			}

		case recEOF:
			sawEOF = true

		case recExtSegment:
			if len(rec.data) != 2 {
				return nil, fmt.Errorf("line %d: segment address record must carry 2 bytes, got %d", lineNum, len(rec.data))
			}
			base = (uint32(rec.data[0])<<8 | uint32(rec.data[1])) << 4

		case recExtLinear:
			if len(rec.data) != 2 {
				return nil, fmt.Errorf("line %d: linear address record must carry 2 bytes, got %d", lineNum, len(rec.data))
			}
			base = (uint32(rec.data[0])<<8 | uint32(rec.data[1])) << 16

		case recStartSegment, recStartLinear:
			// Entry point records, nothing to store.

		default:
			return nil, fmt.Errorf("line %d: unknown record type 0x%02X", lineNum, rec.typ)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read firmware: %w", err)
	}

	if !sawEOF {
		return nil, fmt.Errorf("missing end-of-file record")
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no data records")
	}

	return flatten(chunks)
}

// parseRecord decodes one ":LLAAAATTDD..CC" line and verifies its checksum.
func parseRecord(line string) (record, error) {
	if line[0] != ':' {
		return record{}, fmt.Errorf("record must start with ':'")
	}

	raw, err := hex.DecodeString(line[1:])
	if err != nil {
		return record{}, fmt.Errorf("invalid hex data: %w", err)
	}
	if len(raw) < minRecordBytes {
		return record{}, fmt.Errorf("record too short: got %d bytes, minimum is %d", len(raw), minRecordBytes)
	}

	count := int(raw[0])
	if len(raw) != count+minRecordBytes {
		return record{}, fmt.Errorf("length mismatch: got %d data bytes, header says %d", len(raw)-minRecordBytes, count)
	}

	var sum byte
	for _, b := range raw {
		sum += b
	}
	if sum != 0 {
		got := raw[len(raw)-1]
		return record{}, fmt.Errorf("checksum mismatch: got 0x%02X, expected 0x%02X", got, got-sum)
	}

	return record{
		addr: uint16(raw[1])<<8 | uint16(raw[2]),
		typ:  raw[3],
		data: raw[4 : 4+count],
	}, nil
}

// flatten lays the chunks into one contiguous image, filling gaps with the
// erased flash value. Overlapping records keep the later write.
func flatten(chunks []chunk) (*Image, error) {
	lo := chunks[0].addr
	hi := chunks[0].addr + uint32(len(chunks[0].data))
	for _, c := range chunks[1:] {
		if c.addr < lo {
			lo = c.addr
		}
		if end := c.addr + uint32(len(c.data)); end > hi {
			hi = end
		}
	}
	if hi-lo > maxImageSpan {
		return nil, fmt.Errorf("image spans %d bytes (0x%05X..0x%05X), refusing to flatten more than %d", hi-lo, lo, hi, maxImageSpan)
	}

	data := make([]byte, hi-lo)
	for i := range data {
		data[i] = 0xFF
	}
	for _, c := range chunks {
		copy(data[c.addr-lo:], c.data)
	}

	return &Image{Start: lo, Data: data}, nil
}

// EncodeHex writes the image as Intel HEX records, emitting extended linear
// address records at every 64 KiB boundary crossing.
func EncodeHex(w io.Writer, img *Image) error {
	bw := bufio.NewWriter(w)

	var upper uint32
	for off := 0; off < len(img.Data); {
		addr := img.Start + uint32(off)
		if addr>>16 != upper {
			upper = addr >> 16
			writeRecord(bw, recExtLinear, 0, []byte{byte(upper >> 8), byte(upper)})
		}

		n := min(hexBytesPerLine, len(img.Data)-off)
		// Keep each record inside its 64 KiB window.
		if room := 0x10000 - int(addr&0xFFFF); n > room {
			n = room
		}
		writeRecord(bw, recData, uint16(addr), img.Data[off:off+n])
		off += n
	}
	writeRecord(bw, recEOF, 0, nil)

	return bw.Flush()
}

func writeRecord(w *bufio.Writer, typ byte, addr uint16, data []byte) {
	buf := make([]byte, 0, len(data)+minRecordBytes)
	buf = append(buf, byte(len(data)), byte(addr>>8), byte(addr), typ)
	buf = append(buf, data...)

	var sum byte
	for _, b := range buf {
		sum += b
	}
	buf = append(buf, ^sum+1)

	fmt.Fprintf(w, ":%s\n", strings.ToUpper(hex.EncodeToString(buf)))
}
