// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package programmer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/Thermoquad/cinder/pkg/bootcore"
	"github.com/Thermoquad/cinder/pkg/simavr"
	"github.com/Thermoquad/cinder/pkg/stk500"
	"github.com/rs/zerolog"
)

func testChip() bootcore.Chip {
	return bootcore.Chip{
		Name:       "sim64",
		FlashSize:  0x1000,
		PageSize:   0x100,
		EEPROMSize: 0x100,
		BootWords:  0x100,
		Signature:  [3]byte{0x1E, 0xA7, 0x01},
		OscCal:     0x42,
		HWVersion:  0x0F,
		SWMajor:    2,
		SWMinor:    0x0A,
		BuildLow:   0x34,
		BuildHigh:  0x12,
	}
}

// startTarget boots a simulated device and keeps serving loader sessions
// until the test ends.
func startTarget(t *testing.T) *simavr.Device {
	t.Helper()
	d := simavr.NewDevice(testChip())
	go func() {
		_ = d.Serve(context.Background(), 0, zerolog.Nop())
	}()
	t.Cleanup(d.Close)
	return d
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 11)
	}
	return data
}

// ============================================================
// Session and inspection
// ============================================================

func TestProgrammer_SignOn(t *testing.T) {
	d := startTarget(t)
	p := New(d.HostPort())

	name, err := p.SignOn(context.Background())
	if err != nil {
		t.Fatalf("sign-on failed: %v", err)
	}
	if name != stk500.SignOnName {
		t.Fatalf("expected %q, got %q", stk500.SignOnName, name)
	}
}

func TestProgrammer_Identify(t *testing.T) {
	d := startTarget(t)
	p := New(d.HostPort())

	info, err := p.Identify(context.Background())
	if err != nil {
		t.Fatalf("identify failed: %v", err)
	}
	chip := testChip()
	if info.Name != stk500.SignOnName {
		t.Errorf("name %q", info.Name)
	}
	if info.Signature != chip.Signature {
		t.Errorf("signature % X", info.Signature)
	}
	if info.HWVersion != chip.HWVersion {
		t.Errorf("hw version 0x%02X", info.HWVersion)
	}
	if info.SWMajor != chip.SWMajor || info.SWMinor != chip.SWMinor {
		t.Errorf("sw version %d.%d", info.SWMajor, info.SWMinor)
	}
	if info.Build != 0x1234 {
		t.Errorf("build 0x%04X", info.Build)
	}
}

func TestProgrammer_FuseLockOsccal(t *testing.T) {
	d := startTarget(t)
	p := New(d.HostPort())
	ctx := context.Background()

	for _, f := range []Fuse{FuseLow, FuseHigh, FuseExtended} {
		v, err := p.ReadFuse(ctx, f)
		if err != nil {
			t.Fatalf("read %s fuse failed: %v", f, err)
		}
		if v != 0x00 {
			t.Errorf("%s fuse: expected placeholder 0x00, got 0x%02X", f, v)
		}
	}
	if v, err := p.ReadLock(ctx); err != nil || v != 0x00 {
		t.Errorf("lock read: value 0x%02X, err %v", v, err)
	}
	if v, err := p.ReadOsccal(ctx); err != nil || v != 0x42 {
		t.Errorf("osccal read: value 0x%02X, err %v", v, err)
	}
	if err := p.ProgramFuse(ctx, FuseHigh, 0xD8); err != nil {
		t.Errorf("program fuse refused: %v", err)
	}
	if err := p.ProgramLock(ctx, 0x3F); err != nil {
		t.Errorf("program lock refused: %v", err)
	}
}

func TestProgrammer_SpiMultiSignatureEmulation(t *testing.T) {
	d := startTarget(t)
	p := New(d.HostPort())
	chip := testChip()

	rx, err := p.SpiMulti(context.Background(), 4, []byte{0x30, 0x00, 0x01, 0x00})
	if err != nil {
		t.Fatalf("pass-through failed: %v", err)
	}
	want := []byte{0x00, 0x30, 0x00, chip.Signature[1]}
	if !bytes.Equal(rx, want) {
		t.Fatalf("expected % X, got % X", want, rx)
	}
}

func TestProgrammer_ChipEraseRefused(t *testing.T) {
	d := startTarget(t)
	p := New(d.HostPort())

	err := p.ChipErase(context.Background())
	var se *stk500.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected a status error, got %v", err)
	}
	if se.Status != stk500.StatusCmdFailed {
		t.Fatalf("expected CMD_FAILED, got 0x%02X", se.Status)
	}
}

// ============================================================
// Memory operations
// ============================================================

func TestProgrammer_ProgramReadRoundTrip(t *testing.T) {
	d := startTarget(t)
	p := New(d.HostPort())
	ctx := context.Background()
	image := pattern(600)

	if err := p.EnterProgramming(ctx); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	if err := p.ProgramFlash(ctx, 0x800, image); err != nil {
		t.Fatalf("program failed: %v", err)
	}
	read, err := p.ReadFlash(ctx, 0x800, len(image))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(read, image) {
		t.Fatal("read-back does not match image")
	}
	if err := p.LeaveProgramming(ctx); err != nil {
		t.Fatalf("leave failed: %v", err)
	}

	if got := d.FlashRange(0x800, len(image)); !bytes.Equal(got, image) {
		t.Fatal("device flash does not match image")
	}
	// 600 bytes end mid-page; the rest of that page programs as erased.
	for _, b := range d.FlashRange(0x800+600, 8) {
		if b != 0xFF {
			t.Fatalf("expected erased tail, found 0x%02X", b)
		}
	}
}

func TestProgrammer_ProgramFlashRequiresProgrammingMode(t *testing.T) {
	d := startTarget(t)
	p := New(d.HostPort())

	err := p.ProgramFlash(context.Background(), 0x800, pattern(16))
	var se *stk500.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected a status error, got %v", err)
	}
	if se.Status != stk500.StatusCmdFailed {
		t.Fatalf("expected CMD_FAILED, got 0x%02X", se.Status)
	}
}

func TestProgrammer_ProgramFlashRejectsUnalignedAddress(t *testing.T) {
	d := startTarget(t)
	p := New(d.HostPort())

	if err := p.ProgramFlash(context.Background(), 0x801, pattern(16)); err == nil {
		t.Fatal("expected unaligned address to be refused")
	}
}

func TestProgrammer_LoadAddressRejectsOddAddress(t *testing.T) {
	d := startTarget(t)
	p := New(d.HostPort())

	if err := p.LoadAddress(context.Background(), 0x801); err == nil {
		t.Fatal("expected odd address to be refused")
	}
}

func TestProgrammer_EEPROMRoundTrip(t *testing.T) {
	d := startTarget(t)
	p := New(d.HostPort())
	ctx := context.Background()
	data := pattern(40)

	if err := p.EnterProgramming(ctx); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	if err := p.ProgramEEPROM(ctx, 0x10, data); err != nil {
		t.Fatalf("eeprom program failed: %v", err)
	}
	read, err := p.ReadEEPROM(ctx, 0x10, len(data))
	if err != nil {
		t.Fatalf("eeprom read failed: %v", err)
	}
	if !bytes.Equal(read, data) {
		t.Fatal("eeprom read-back does not match")
	}
	if got := d.EEPROMRange(0x10, len(data)); !bytes.Equal(got, data) {
		t.Fatal("device eeprom does not match")
	}
}

func TestProgrammer_VerifyCatchesMismatch(t *testing.T) {
	d := startTarget(t)
	p := New(d.HostPort())
	ctx := context.Background()
	image := pattern(64)

	if err := p.EnterProgramming(ctx); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	if err := p.ProgramFlash(ctx, 0x800, image); err != nil {
		t.Fatalf("program failed: %v", err)
	}
	if err := d.LoadFirmware(0x810, []byte{0xEE}); err != nil {
		t.Fatalf("corrupt failed: %v", err)
	}

	err := p.VerifyFlash(ctx, 0x800, image)
	var ve *VerifyError
	if !errors.As(err, &ve) {
		t.Fatalf("expected a verify error, got %v", err)
	}
	if ve.Addr != 0x810 || ve.Got != 0xEE {
		t.Fatalf("verify error at 0x%05X got 0x%02X", ve.Addr, ve.Got)
	}
}

// ============================================================
// Orchestrated flow
// ============================================================

func TestProgrammer_ProgramFullFlow(t *testing.T) {
	d := startTarget(t)
	chip := testChip()
	var phases []Phase
	p := New(d.HostPort(),
		WithExpectedSignature(chip.Signature),
		WithProgress(func(pr Progress) { phases = append(phases, pr.Phase) }),
	)
	image := pattern(600)

	if err := p.Program(context.Background(), 0x800, image); err != nil {
		t.Fatalf("program flow failed: %v", err)
	}
	if got := d.FlashRange(0x800, len(image)); !bytes.Equal(got, image) {
		t.Fatal("device flash does not match image")
	}

	// The transfer happens just after the leave response goes out; give the
	// session goroutine a moment to get there.
	deadline := time.Now().Add(2 * time.Second)
	for d.Transfers() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected one control transfer after leave, got %d", d.Transfers())
		}
		time.Sleep(time.Millisecond)
	}

	seen := map[Phase]bool{}
	for _, ph := range phases {
		seen[ph] = true
	}
	for _, want := range []Phase{PhaseConnect, PhaseProgram, PhaseVerify, PhaseDone} {
		if !seen[want] {
			t.Errorf("missing %s phase", want)
		}
	}
}

func TestProgrammer_ProgramRefusesWrongSignature(t *testing.T) {
	d := startTarget(t)
	p := New(d.HostPort(), WithExpectedSignature([3]byte{0x1E, 0x98, 0x01}))

	err := p.Program(context.Background(), 0x800, pattern(64))
	var sm *SignatureMismatchError
	if !errors.As(err, &sm) {
		t.Fatalf("expected a signature mismatch, got %v", err)
	}
	for _, b := range d.FlashRange(0x800, 16) {
		if b != 0xFF {
			t.Fatal("flash was touched despite the mismatch")
		}
	}
}

// ============================================================
// Link behavior
// ============================================================

// dropWrites swallows the first n writes to simulate frames lost in transit.
type dropWrites struct {
	io.ReadWriter
	n int
}

func (d *dropWrites) Write(p []byte) (int, error) {
	if d.n > 0 {
		d.n--
		return len(p), nil
	}
	return d.ReadWriter.Write(p)
}

func TestProgrammer_ResendsUnansweredCommand(t *testing.T) {
	d := startTarget(t)
	conn := &dropWrites{ReadWriter: d.HostPort(), n: 1}
	p := New(conn, WithReplyTimeout(50*time.Millisecond), WithRetries(3))

	name, err := p.SignOn(context.Background())
	if err != nil {
		t.Fatalf("sign-on should survive one lost frame: %v", err)
	}
	if name != stk500.SignOnName {
		t.Fatalf("unexpected name %q", name)
	}
}

func TestProgrammer_NoReplyAfterRetriesExhausted(t *testing.T) {
	d := startTarget(t)
	conn := &dropWrites{ReadWriter: d.HostPort(), n: 100}
	p := New(conn, WithReplyTimeout(20*time.Millisecond), WithRetries(2))

	_, err := p.SignOn(context.Background())
	if !errors.Is(err, ErrNoReply) {
		t.Fatalf("expected no-reply error, got %v", err)
	}
}

func TestProgrammer_ContextCancelStopsWaiting(t *testing.T) {
	d := startTarget(t)
	conn := &dropWrites{ReadWriter: d.HostPort(), n: 100}
	p := New(conn, WithReplyTimeout(10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := p.SignOn(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("cancellation did not interrupt the wait")
	}
}

func TestProgrammer_StatisticsCountExchanges(t *testing.T) {
	d := startTarget(t)
	p := New(d.HostPort())
	ctx := context.Background()

	if _, err := p.SignOn(ctx); err != nil {
		t.Fatalf("sign-on failed: %v", err)
	}
	if _, err := p.GetParameter(ctx, stk500.ParamHWVer); err != nil {
		t.Fatalf("get parameter failed: %v", err)
	}

	stats := p.Statistics()
	if stats.TotalFrames != 2 || stats.ValidFrames != 2 {
		t.Fatalf("expected 2 valid response frames, got total %d valid %d",
			stats.TotalFrames, stats.ValidFrames)
	}
}

func TestProgrammer_TraceCapturesExchange(t *testing.T) {
	d := startTarget(t)
	var buf bytes.Buffer
	tw, err := stk500.NewTraceWriter(&buf)
	if err != nil {
		t.Fatalf("trace writer failed: %v", err)
	}
	p := New(d.HostPort(), WithTrace(tw))

	if _, err := p.SignOn(context.Background()); err != nil {
		t.Fatalf("sign-on failed: %v", err)
	}

	tr, err := stk500.NewTraceReader(&buf)
	if err != nil {
		t.Fatalf("trace reader failed: %v", err)
	}
	cmd, err := tr.ReadEvent()
	if err != nil {
		t.Fatalf("first event failed: %v", err)
	}
	if cmd.Dir != stk500.DirCommand || cmd.Raw[0] != stk500.MessageStart {
		t.Fatalf("unexpected command event %s % X", cmd.Dir, cmd.Raw)
	}
	rsp, err := tr.ReadEvent()
	if err != nil {
		t.Fatalf("second event failed: %v", err)
	}
	if rsp.Dir != stk500.DirResponse {
		t.Fatalf("expected a response event, got %s", rsp.Dir)
	}
	if !bytes.Contains(rsp.Raw, []byte(stk500.SignOnName)) {
		t.Fatal("response event does not carry the sign-on name")
	}
}
