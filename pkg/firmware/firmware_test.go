// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func parseLines(t *testing.T, lines ...string) *Image {
	t.Helper()
	img, err := ParseHex(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatalf("ParseHex: %v", err)
	}
	return img
}

// ============================================================
// Intel HEX parsing
// ============================================================

func TestParseHex_ContiguousRecords(t *testing.T) {
	img := parseLines(t,
		":100000000102030405060708090A0B0C0D0E0F1068",
		":04001000DEADBEEFB4",
		":00000001FF",
	)

	if img.Start != 0 {
		t.Fatalf("Start = 0x%X, want 0", img.Start)
	}
	want := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10,
		0xDE, 0xAD, 0xBE, 0xEF,
	}
	if !bytes.Equal(img.Data, want) {
		t.Fatalf("Data = % X, want % X", img.Data, want)
	}
	if img.End() != 20 {
		t.Fatalf("End() = %d, want 20", img.End())
	}
}

func TestParseHex_GapsFilledWithErasedValue(t *testing.T) {
	img := parseLines(t,
		":02000000AABB99",
		":02001000CCDD45",
		":00000001FF",
	)

	if len(img.Data) != 0x12 {
		t.Fatalf("len(Data) = %d, want 18", len(img.Data))
	}
	for i := 2; i < 0x10; i++ {
		if img.Data[i] != 0xFF {
			t.Fatalf("gap byte %d = 0x%02X, want 0xFF", i, img.Data[i])
		}
	}
	if img.Data[0x10] != 0xCC || img.Data[0x11] != 0xDD {
		t.Fatalf("tail = % X, want CC DD", img.Data[0x10:])
	}
}

func TestParseHex_ExtendedLinearAddress(t *testing.T) {
	img := parseLines(t,
		":020000040001F9",
		":020000001122CB",
		":00000001FF",
	)

	if img.Start != 0x10000 {
		t.Fatalf("Start = 0x%X, want 0x10000", img.Start)
	}
	if !bytes.Equal(img.Data, []byte{0x11, 0x22}) {
		t.Fatalf("Data = % X, want 11 22", img.Data)
	}
}

func TestParseHex_ExtendedSegmentAddress(t *testing.T) {
	img := parseLines(t,
		":020000021000EC",
		":020000001122CB",
		":00000001FF",
	)

	if img.Start != 0x10000 {
		t.Fatalf("Start = 0x%X, want 0x10000", img.Start)
	}
}

func TestParseHex_ChecksumMismatch(t *testing.T) {
	_, err := ParseHex(strings.NewReader(":02000000AABB98\n:00000001FF\n"))
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("err = %v, want checksum mismatch", err)
	}
}

func TestParseHex_MissingEOFRecord(t *testing.T) {
	_, err := ParseHex(strings.NewReader(":02000000AABB99\n"))
	if err == nil || !strings.Contains(err.Error(), "end-of-file") {
		t.Fatalf("err = %v, want missing end-of-file", err)
	}
}

func TestParseHex_DataAfterEOFRecord(t *testing.T) {
	_, err := ParseHex(strings.NewReader(":00000001FF\n:02000000AABB99\n"))
	if err == nil || !strings.Contains(err.Error(), "after end-of-file") {
		t.Fatalf("err = %v, want data after end-of-file", err)
	}
}

func TestParseHex_RefusesHugeSpan(t *testing.T) {
	_, err := ParseHex(strings.NewReader(strings.Join([]string{
		":0100000011EE",
		":020000040050AA",
		":0100000011EE",
		":00000001FF",
	}, "\n")))
	if err == nil || !strings.Contains(err.Error(), "image spans") {
		t.Fatalf("err = %v, want span refusal", err)
	}
}

// ============================================================
// Encoding
// ============================================================

func TestEncodeHex_RoundTripAcross64KBoundary(t *testing.T) {
	orig := &Image{Start: 0xFFF8, Data: make([]byte, 16)}
	for i := range orig.Data {
		orig.Data[i] = byte(0xA0 + i)
	}

	var buf bytes.Buffer
	if err := EncodeHex(&buf, orig); err != nil {
		t.Fatalf("EncodeHex: %v", err)
	}
	if !strings.Contains(buf.String(), ":020000040001F9") {
		t.Fatalf("output missing extended linear address record:\n%s", buf.String())
	}

	img, err := ParseHex(&buf)
	if err != nil {
		t.Fatalf("ParseHex: %v", err)
	}
	if img.Start != orig.Start {
		t.Fatalf("Start = 0x%X, want 0x%X", img.Start, orig.Start)
	}
	if !bytes.Equal(img.Data, orig.Data) {
		t.Fatalf("Data = % X, want % X", img.Data, orig.Data)
	}
}

// ============================================================
// File loading
// ============================================================

func TestLoad_RawBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.bin")
	if err := os.WriteFile(path, []byte{0x0C, 0x94, 0x5C, 0x00}, 0o644); err != nil {
		t.Fatal(err)
	}

	img, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Start != 0 {
		t.Fatalf("Start = 0x%X, want 0", img.Start)
	}
	if !bytes.Equal(img.Data, []byte{0x0C, 0x94, 0x5C, 0x00}) {
		t.Fatalf("Data = % X", img.Data)
	}
}

func TestLoad_HexByExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.hex")
	content := ":02000000AABB99\n:00000001FF\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	img, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(img.Data, []byte{0xAA, 0xBB}) {
		t.Fatalf("Data = % X, want AA BB", img.Data)
	}
}

func TestLoad_EmptyBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted an empty file")
	}
}
