// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package simavr

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/Thermoquad/cinder/pkg/bootcore"
	"github.com/Thermoquad/cinder/pkg/stk500"
	"github.com/rs/zerolog"
)

var _ bootcore.HAL = (*Device)(nil)

func simChip() bootcore.Chip {
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
	}
}

type sessionResult struct {
	reason bootcore.ExitReason
	err    error
}

func startSession(d *Device, timeout time.Duration) <-chan sessionResult {
	done := make(chan sessionResult, 1)
	go func() {
		reason, err := d.ServeOne(timeout, zerolog.Nop())
		done <- sessionResult{reason: reason, err: err}
	}()
	return done
}

func waitResult(t *testing.T, done <-chan sessionResult) sessionResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return sessionResult{}
	}
}

func wireFrame(t *testing.T, seq byte, body []byte) []byte {
	t.Helper()
	wire, err := stk500.EncodeFrame(seq, body)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return wire
}

func readFrame(t *testing.T, port *HostPort, dec *stk500.Decoder) *stk500.Frame {
	t.Helper()
	buf := make([]byte, 64)
	for {
		n, err := port.Read(buf)
		if err != nil {
			t.Fatalf("host read failed: %v", err)
		}
		for i := 0; i < n; i++ {
			f, err := dec.DecodeByte(buf[i])
			if err != nil {
				t.Fatalf("host decode failed: %v", err)
			}
			if f != nil {
				return f
			}
		}
	}
}

// ============================================================
// Memories and page buffer
// ============================================================

func TestDevice_MemoriesStartErased(t *testing.T) {
	d := NewDevice(simChip())

	for _, b := range d.FlashRange(0, int(d.chip.FlashSize)) {
		if b != 0xFF {
			t.Fatalf("flash not erased, found 0x%02X", b)
		}
	}
	for _, b := range d.EEPROMRange(0, int(d.chip.EEPROMSize)) {
		if b != 0xFF {
			t.Fatalf("eeprom not erased, found 0x%02X", b)
		}
	}
}

func TestDevice_CommitFillsUnstagedWithErased(t *testing.T) {
	d := NewDevice(simChip())

	if err := d.ErasePage(0x800); err != nil {
		t.Fatalf("erase failed: %v", err)
	}
	if err := d.StageByte(0x800, 0xAA); err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if err := d.StageByte(0x803, 0xBB); err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if err := d.CommitPage(0x800); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	got := d.FlashRange(0x800, 6)
	want := []byte{0xAA, 0xFF, 0xFF, 0xBB, 0xFF, 0xFF}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected % X, got % X", want, got)
	}
}

func TestDevice_ErasePageRestoresErasedState(t *testing.T) {
	d := NewDevice(simChip())

	if err := d.LoadFirmware(0x800, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := d.ErasePage(0x800); err != nil {
		t.Fatalf("erase failed: %v", err)
	}
	for _, b := range d.FlashRange(0x800, 4) {
		if b != 0xFF {
			t.Fatalf("erase left 0x%02X behind", b)
		}
	}
}

func TestDevice_LoadFirmwareBoundsChecked(t *testing.T) {
	d := NewDevice(simChip())

	if err := d.LoadFirmware(0xFFE, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected out of range image to be refused")
	}
}

func TestDevice_InjectedFaultsAreConsumed(t *testing.T) {
	d := NewDevice(simChip())

	d.InjectEraseFaults(1)
	if err := d.ErasePage(0x800); !errors.Is(err, ErrInjectedFault) {
		t.Fatalf("expected injected fault, got %v", err)
	}
	if err := d.ErasePage(0x800); err != nil {
		t.Fatalf("fault should be consumed, got %v", err)
	}

	d.InjectCommitFaults(1)
	if err := d.CommitPage(0x800); !errors.Is(err, ErrInjectedFault) {
		t.Fatalf("expected injected fault, got %v", err)
	}
	if err := d.CommitPage(0x800); err != nil {
		t.Fatalf("fault should be consumed, got %v", err)
	}
}

// ============================================================
// Reset and watchdog bookkeeping
// ============================================================

func TestDevice_CaptureClearsResetCause(t *testing.T) {
	d := NewDevice(simChip())
	d.SetResetCause(bootcore.ResetWatchdog | bootcore.ResetPowerOn)

	got := d.CaptureResetCause()
	if got != bootcore.ResetWatchdog|bootcore.ResetPowerOn {
		t.Fatalf("expected latched cause, got %v", got)
	}
	if d.LastResetCause() != got {
		t.Fatalf("last cause not recorded")
	}
	if second := d.CaptureResetCause(); second != 0 {
		t.Fatalf("capture should clear the register, got %v", second)
	}
}

// ============================================================
// Loopback sessions
// ============================================================

func TestHostPort_LoopbackSignOnAndLeave(t *testing.T) {
	d := NewDevice(simChip())
	port := d.HostPort()
	dec := stk500.NewDecoder()
	done := startSession(d, 0)

	if _, err := port.Write(wireFrame(t, 0x05, []byte{stk500.CmdSignOn})); err != nil {
		t.Fatalf("host write failed: %v", err)
	}
	f := readFrame(t, port, dec)
	if f.Seq() != 0x05 {
		t.Fatalf("expected sequence 0x05 echoed, got 0x%02X", f.Seq())
	}
	if !bytes.Equal(f.Body(), stk500.SignOnResponseBody(stk500.SignOnName)) {
		t.Fatalf("unexpected sign-on body % X", f.Body())
	}

	if _, err := port.Write(wireFrame(t, 0x06, []byte{stk500.CmdLeaveProgMode})); err != nil {
		t.Fatalf("host write failed: %v", err)
	}
	f = readFrame(t, port, dec)
	if f.Seq() != 0x06 || len(f.Body()) < 2 || f.Body()[1] != stk500.StatusOK {
		t.Fatalf("unexpected leave reply seq 0x%02X body % X", f.Seq(), f.Body())
	}

	r := waitResult(t, done)
	if r.err != nil {
		t.Fatalf("session failed: %v", r.err)
	}
	if r.reason != bootcore.ExitLeave {
		t.Fatalf("expected LEAVE exit, got %v", r.reason)
	}
	if d.Transfers() != 1 {
		t.Fatalf("expected one control transfer, got %d", d.Transfers())
	}
	if !d.WatchdogDisabled() {
		t.Fatal("watchdog should be disabled during the session")
	}
}

func TestHostPort_SilentHostTimesOutAndTransfers(t *testing.T) {
	d := NewDevice(simChip())
	done := startSession(d, 50*time.Millisecond)

	r := waitResult(t, done)
	if r.err != nil {
		t.Fatalf("session failed: %v", r.err)
	}
	if r.reason != bootcore.ExitTimeout {
		t.Fatalf("expected TIMEOUT exit, got %v", r.reason)
	}
	if d.Transfers() != 1 {
		t.Fatalf("expected one control transfer, got %d", d.Transfers())
	}
}

func TestHostPort_CloseAbortsTetheredSession(t *testing.T) {
	d := NewDevice(simChip())
	port := d.HostPort()
	done := startSession(d, 0)

	if err := port.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	r := waitResult(t, done)
	if r.err == nil {
		t.Fatal("expected a link error after close")
	}
	if r.reason != bootcore.ExitLinkError {
		t.Fatalf("expected LINK_ERROR exit, got %v", r.reason)
	}
	if d.Transfers() != 0 {
		t.Fatalf("no transfer expected after link failure, got %d", d.Transfers())
	}
}

func TestHostPort_ReadDrainsPendingBytes(t *testing.T) {
	d := NewDevice(simChip())
	port := d.HostPort()

	for _, b := range []byte{1, 2, 3, 4, 5} {
		if err := d.SendByte(b); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	buf := make([]byte, 16)
	n, err := port.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("expected all pending bytes, got % X", buf[:n])
	}
}
