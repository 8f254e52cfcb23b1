// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bootcore

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/Thermoquad/cinder/pkg/stk500"
)

// ============================================================================
// Test Harness
// ============================================================================

var errPageFault = errors.New("simulated page fault")

// testHAL is an in-memory target. Input arrives in bursts; the gap between
// two bursts surfaces as one ErrTimeout, and exhausting the last burst
// surfaces linkErr when set, ErrTimeout otherwise.
type testHAL struct {
	chip   Chip
	flash  []byte
	staged map[uint32]byte
	eeprom []byte

	bursts  [][]byte
	bi, bj  int
	linkErr error
	output  []byte

	erased    []uint32
	committed []uint32
	reenabled int

	failErase  bool
	failCommit bool

	resetCause  ResetCause
	events      []string
	transferred int
}

func newTestHAL(chip Chip, bursts ...[]byte) *testHAL {
	h := &testHAL{
		chip:       chip,
		flash:      make([]byte, chip.FlashSize),
		eeprom:     make([]byte, chip.EEPROMSize),
		staged:     map[uint32]byte{},
		bursts:     bursts,
		resetCause: ResetExternal,
	}
	for i := range h.flash {
		h.flash[i] = 0xFF
	}
	for i := range h.eeprom {
		h.eeprom[i] = 0xFF
	}
	return h
}

func (h *testHAL) SendByte(b byte) error {
	h.output = append(h.output, b)
	return nil
}

func (h *testHAL) ReceiveByte() (byte, error) {
	return h.next()
}

func (h *testHAL) ReceiveByteTimeout(time.Duration) (byte, error) {
	return h.next()
}

func (h *testHAL) next() (byte, error) {
	for {
		if h.bi >= len(h.bursts) {
			if h.linkErr != nil {
				return 0, h.linkErr
			}
			return 0, ErrTimeout
		}
		burst := h.bursts[h.bi]
		if h.bj < len(burst) {
			b := burst[h.bj]
			h.bj++
			return b, nil
		}
		h.bi++
		h.bj = 0
		if h.bi < len(h.bursts) {
			return 0, ErrTimeout
		}
	}
}

func (h *testHAL) ErasePage(addr uint32) error {
	if h.failErase {
		return errPageFault
	}
	h.erased = append(h.erased, addr)
	base := addr - addr%uint32(h.chip.PageSize)
	for i := base; i < base+uint32(h.chip.PageSize); i++ {
		h.flash[i] = 0xFF
	}
	return nil
}

func (h *testHAL) StageByte(addr uint32, b byte) error {
	h.staged[addr] = b
	return nil
}

func (h *testHAL) CommitPage(addr uint32) error {
	if h.failCommit {
		return errPageFault
	}
	h.committed = append(h.committed, addr)
	base := addr - addr%uint32(h.chip.PageSize)
	for i := base; i < base+uint32(h.chip.PageSize); i++ {
		if v, ok := h.staged[i]; ok {
			h.flash[i] = v
		} else {
			h.flash[i] = 0xFF
		}
	}
	h.staged = map[uint32]byte{}
	return nil
}

func (h *testHAL) ReenableReadAccess() error {
	h.reenabled++
	return nil
}

func (h *testHAL) ReadProgramByte(addr uint32) byte {
	if int(addr) >= len(h.flash) {
		return 0xFF
	}
	return h.flash[addr]
}

func (h *testHAL) ReadDataByte(addr uint32) byte {
	if int(addr) >= len(h.eeprom) {
		return 0xFF
	}
	return h.eeprom[addr]
}

func (h *testHAL) WriteDataByte(addr uint32, b byte) error {
	if int(addr) >= len(h.eeprom) {
		return errPageFault
	}
	h.eeprom[addr] = b
	return nil
}

func (h *testHAL) CaptureResetCause() ResetCause {
	h.events = append(h.events, "capture_reset_cause")
	return h.resetCause
}

func (h *testHAL) DisableWatchdog() {
	h.events = append(h.events, "disable_watchdog")
}

func (h *testHAL) TransferControl() {
	h.events = append(h.events, "transfer_control")
	h.transferred++
}

// testChip is small enough that wrap and boundary cases stay readable:
// 16 pages of 256 bytes, midpoint 0x800, boundary 0xE00.
func testChip() Chip {
	return Chip{
		Name:       "testpart",
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

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i * 7)
	}
	return out
}

// ============================================================================
// Chip Tests
// ============================================================================

func TestChip_Mega2560Geometry(t *testing.T) {
	c := Mega2560()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if c.Boundary() != 0x3E000 {
		t.Errorf("Boundary = 0x%X, want 0x3E000", c.Boundary())
	}
	if c.Midpoint() != 0x20000 {
		t.Errorf("Midpoint = 0x%X, want 0x20000", c.Midpoint())
	}
	if c.Signature != [3]byte{0x1E, 0x98, 0x01} {
		t.Errorf("Signature = %X", c.Signature)
	}
}

func TestChip_BuiltinsValidate(t *testing.T) {
	for _, c := range Chips() {
		if err := c.Validate(); err != nil {
			t.Errorf("%s: %v", c.Name, err)
		}
	}
}

func TestChip_ValidateRejectsBadGeometry(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Chip)
	}{
		{"zero page size", func(c *Chip) { c.PageSize = 0 }},
		{"flash not page multiple", func(c *Chip) { c.FlashSize = 0x1080 }},
		{"loader swallows flash", func(c *Chip) { c.BootWords = 0x800 }},
		{"boundary unaligned", func(c *Chip) { c.BootWords = 0x88 }},
		{"no room after midpoint", func(c *Chip) { c.BootWords = 0x400 }},
	}
	for _, tt := range tests {
		c := testChip()
		tt.mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: Validate accepted bad geometry", tt.name)
		}
	}
}

func TestChip_ByName(t *testing.T) {
	if c, ok := ChipByName("ATmega2560"); !ok || c.Name != "ATmega2560" {
		t.Errorf("exact lookup failed: %v %v", c.Name, ok)
	}
	if c, ok := ChipByName("mega1280"); !ok || c.Name != "ATmega1280" {
		t.Errorf("prefixless lookup failed: %v %v", c.Name, ok)
	}
	if _, ok := ChipByName("z80"); ok {
		t.Error("unknown chip resolved")
	}
}

// ============================================================================
// ResetCause Tests
// ============================================================================

func TestResetCause_String(t *testing.T) {
	tests := []struct {
		cause ResetCause
		want  string
	}{
		{0, "NONE"},
		{ResetPowerOn, "POWER_ON"},
		{ResetWatchdog, "WATCHDOG"},
		{ResetPowerOn | ResetBrownout, "POWER_ON+BROWNOUT"},
		{ResetExternal | ResetJTAG, "EXTERNAL+JTAG"},
	}
	for _, tt := range tests {
		if got := tt.cause.String(); got != tt.want {
			t.Errorf("ResetCause(0x%02X).String() = %q, want %q", byte(tt.cause), got, tt.want)
		}
	}
}

// ============================================================================
// Programmer Tests
// ============================================================================

func TestProgrammer_CursorStartsAtMidpoint(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	p := NewProgrammer(h, h, chip)
	if p.Cursor() != chip.Midpoint() {
		t.Errorf("cursor = 0x%X, want midpoint 0x%X", p.Cursor(), chip.Midpoint())
	}
}

func TestProgrammer_SetCursorMasksExtendedFlag(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	p := NewProgrammer(h, h, chip)

	p.SetCursor(0x80000100)
	if p.Cursor() != 0x200 {
		t.Errorf("cursor = 0x%X, want 0x200", p.Cursor())
	}
	p.SetCursor(0x0400)
	if p.Cursor() != 0x800 {
		t.Errorf("cursor = 0x%X, want 0x800", p.Cursor())
	}
}

func TestProgrammer_ProgramFullPage(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	p := NewProgrammer(h, h, chip)

	data := pattern(int(chip.PageSize))
	if err := p.ProgramFlashPage(data); err != nil {
		t.Fatalf("ProgramFlashPage failed: %v", err)
	}

	if !bytes.Equal(h.flash[0x800:0x900], data) {
		t.Error("page content mismatch")
	}
	if len(h.erased) != 1 || h.erased[0] != 0x800 {
		t.Errorf("erased = %v, want [0x800]", h.erased)
	}
	if len(h.committed) != 1 || h.committed[0] != 0x800 {
		t.Errorf("committed = %v, want [0x800]", h.committed)
	}
	if h.reenabled != 1 {
		t.Errorf("reenabled = %d, want 1", h.reenabled)
	}
	if p.Cursor() != 0x900 {
		t.Errorf("cursor = 0x%X, want 0x900", p.Cursor())
	}
}

func TestProgrammer_PartialPageProgramsErasedTail(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	p := NewProgrammer(h, h, chip)
	for i := 0x800; i < 0x900; i++ {
		h.flash[i] = 0x55
	}

	if err := p.ProgramFlashPage([]byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("ProgramFlashPage failed: %v", err)
	}
	if !bytes.Equal(h.flash[0x800:0x805], []byte{1, 2, 3, 4, 5}) {
		t.Error("staged bytes not programmed")
	}
	for i := 0x805; i < 0x900; i++ {
		if h.flash[i] != 0xFF {
			t.Fatalf("flash[0x%X] = 0x%02X, want erased 0xFF", i, h.flash[i])
		}
	}
	if p.Cursor() != 0x900 {
		t.Errorf("cursor = 0x%X, want full page advance to 0x900", p.Cursor())
	}
}

func TestProgrammer_CursorWrapsAfterLastPage(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	p := NewProgrammer(h, h, chip)

	p.SetCursor(0x680) // byte 0xD00, the last page below the boundary
	if err := p.ProgramFlashPage(pattern(int(chip.PageSize))); err != nil {
		t.Fatalf("ProgramFlashPage failed: %v", err)
	}
	if p.Cursor() != chip.Midpoint() {
		t.Errorf("cursor = 0x%X, want wrap to midpoint 0x%X", p.Cursor(), chip.Midpoint())
	}
}

func TestProgrammer_SequentialAdvanceNoWrap(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	p := NewProgrammer(h, h, chip)

	for want := uint32(0x900); want <= 0xD00; want += 0x100 {
		if err := p.ProgramFlashPage(pattern(4)); err != nil {
			t.Fatalf("write before 0x%X failed: %v", want, err)
		}
		if p.Cursor() != want {
			t.Fatalf("cursor = 0x%X, want 0x%X", p.Cursor(), want)
		}
	}
}

func TestProgrammer_RefusesPageAtBoundary(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	p := NewProgrammer(h, h, chip)

	p.SetCursor(0x700) // byte 0xE00 == boundary
	err := p.ProgramFlashPage(pattern(int(chip.PageSize)))
	var addrErr *AddressError
	if !errors.As(err, &addrErr) {
		t.Fatalf("err = %v, want AddressError", err)
	}
	if len(h.erased) != 0 || len(h.committed) != 0 {
		t.Error("refused write touched flash")
	}
	if p.Cursor() != 0xE00 {
		t.Errorf("cursor moved to 0x%X on refused write", p.Cursor())
	}
}

func TestProgrammer_RefusesPageAboveBoundary(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	p := NewProgrammer(h, h, chip)

	p.SetCursor(0x780) // byte 0xF00, inside the reserved region
	var addrErr *AddressError
	if err := p.ProgramFlashPage(pattern(4)); !errors.As(err, &addrErr) {
		t.Fatalf("err = %v, want AddressError", err)
	}
	if len(h.erased) != 0 {
		t.Error("refused write erased a page")
	}
}

func TestProgrammer_RefusesUnalignedCursor(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	p := NewProgrammer(h, h, chip)

	p.SetCursor(0x401) // byte 0x802
	var alignErr *AlignmentError
	if err := p.ProgramFlashPage(pattern(4)); !errors.As(err, &alignErr) {
		t.Fatalf("err = %v, want AlignmentError", err)
	}
	if len(h.erased) != 0 {
		t.Error("refused write erased a page")
	}
}

func TestProgrammer_RefusesBadSizes(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	p := NewProgrammer(h, h, chip)

	var sizeErr *SizeError
	if err := p.ProgramFlashPage(nil); !errors.As(err, &sizeErr) {
		t.Errorf("empty write: err = %v, want SizeError", err)
	}
	if err := p.ProgramFlashPage(pattern(int(chip.PageSize) + 1)); !errors.As(err, &sizeErr) {
		t.Errorf("oversized write: err = %v, want SizeError", err)
	}
	if len(h.erased) != 0 {
		t.Error("refused write erased a page")
	}
}

func TestProgrammer_HardwareFaultPropagates(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	h.failErase = true
	p := NewProgrammer(h, h, chip)

	err := p.ProgramFlashPage(pattern(4))
	if !errors.Is(err, errPageFault) {
		t.Fatalf("err = %v, want the page fault", err)
	}
	if p.Cursor() != chip.Midpoint() {
		t.Error("cursor advanced past a failed write")
	}
}

func TestProgrammer_ReadFlashDoesNotAdvance(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	p := NewProgrammer(h, h, chip)
	copy(h.flash[0x800:], pattern(32))

	first := p.ReadFlash(16)
	second := p.ReadFlash(16)
	if !bytes.Equal(first, second) {
		t.Error("repeated reads differ")
	}
	if !bytes.Equal(first, pattern(32)[:16]) {
		t.Error("read content mismatch")
	}
	if p.Cursor() != chip.Midpoint() {
		t.Errorf("cursor = 0x%X, moved by a read", p.Cursor())
	}
}

func TestProgrammer_EEPROMWriteAdvancesCursor(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	p := NewProgrammer(h, h, chip)

	p.SetCursor(0)
	if err := p.ProgramEEPROM([]byte{0xDE, 0xAD}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := p.ProgramEEPROM([]byte{0xBE, 0xEF}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if !bytes.Equal(h.eeprom[:4], []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("eeprom = % X", h.eeprom[:4])
	}
	if p.Cursor() != 4 {
		t.Errorf("cursor = %d, want 4", p.Cursor())
	}
}

func TestProgrammer_EEPROMWriteBoundsChecked(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	p := NewProgrammer(h, h, chip)

	p.SetCursor(0x7F) // byte 0xFE, two bytes below the end
	var addrErr *AddressError
	if err := p.ProgramEEPROM(pattern(4)); !errors.As(err, &addrErr) {
		t.Fatalf("err = %v, want AddressError", err)
	}
	if h.eeprom[0xFE] != 0xFF {
		t.Error("refused write stored bytes")
	}
	if p.Cursor() != 0xFE {
		t.Error("cursor advanced past a refused write")
	}
}

func TestProgrammer_ReadEEPROMDoesNotAdvance(t *testing.T) {
	chip := testChip()
	h := newTestHAL(chip)
	p := NewProgrammer(h, h, chip)
	copy(h.eeprom, pattern(8))

	p.SetCursor(0)
	if !bytes.Equal(p.ReadEEPROM(8), pattern(8)) {
		t.Error("read content mismatch")
	}
	if p.Cursor() != 0 {
		t.Error("cursor moved by a read")
	}
}

// ============================================================================
// Dispatcher Tests
// ============================================================================

func newTestDispatcher() (*Dispatcher, *testHAL) {
	h := newTestHAL(testChip())
	return NewDispatcher(h, h, testChip()), h
}

func dispatchStatus(t *testing.T, d *Dispatcher, body []byte) byte {
	t.Helper()
	resp, _ := d.Dispatch(body)
	if len(resp) < 2 {
		t.Fatalf("response too short: % X", resp)
	}
	if resp[0] != body[0] {
		t.Fatalf("response echoes 0x%02X, want 0x%02X", resp[0], body[0])
	}
	return resp[1]
}

func enterProgMode(t *testing.T, d *Dispatcher) {
	t.Helper()
	if st := dispatchStatus(t, d, stk500.EnterProgModeBody()); st != stk500.StatusOK {
		t.Fatalf("enter prog mode: status 0x%02X", st)
	}
}

func loadAddress(t *testing.T, d *Dispatcher, word uint32) {
	t.Helper()
	if st := dispatchStatus(t, d, stk500.LoadAddressBody(word)); st != stk500.StatusOK {
		t.Fatalf("load address 0x%X: status 0x%02X", word, st)
	}
}

func TestDispatcher_SignOn(t *testing.T) {
	d, _ := newTestDispatcher()
	resp, action := d.Dispatch(stk500.SignOnBody())
	want := []byte{stk500.CmdSignOn, stk500.StatusOK, 8, 'A', 'V', 'R', 'I', 'S', 'P', '_', '2'}
	if !bytes.Equal(resp, want) {
		t.Errorf("response = % X, want % X", resp, want)
	}
	if action != ActionContinue {
		t.Error("sign-on ended the session")
	}
}

func TestDispatcher_GetParameter(t *testing.T) {
	d, _ := newTestDispatcher()
	tests := []struct {
		id   byte
		want byte
	}{
		{stk500.ParamSWMajor, 2},
		{stk500.ParamSWMinor, 0x0A},
		{stk500.ParamHWVer, 0x0F},
		{stk500.ParamBuildNumberLow, 0},
	}
	for _, tt := range tests {
		resp, _ := d.Dispatch(stk500.GetParameterBody(tt.id))
		if len(resp) != 3 || resp[1] != stk500.StatusOK || resp[2] != tt.want {
			t.Errorf("param 0x%02X: response = % X, want value 0x%02X", tt.id, resp, tt.want)
		}
	}
}

func TestDispatcher_UnknownParameterAnswersSentinel(t *testing.T) {
	d, _ := newTestDispatcher()
	if st := dispatchStatus(t, d, stk500.GetParameterBody(0x77)); st != stk500.StatusSetParamMissing {
		t.Errorf("get unknown: status 0x%02X, want 0x82", st)
	}
	if st := dispatchStatus(t, d, stk500.SetParameterBody(0x77, 1)); st != stk500.StatusSetParamMissing {
		t.Errorf("set unknown: status 0x%02X, want 0x82", st)
	}
}

func TestDispatcher_SetParameterStores(t *testing.T) {
	d, _ := newTestDispatcher()
	if st := dispatchStatus(t, d, stk500.SetParameterBody(stk500.ParamSWMinor, 0x2A)); st != stk500.StatusOK {
		t.Fatalf("set: status 0x%02X", st)
	}
	resp, _ := d.Dispatch(stk500.GetParameterBody(stk500.ParamSWMinor))
	if len(resp) != 3 || resp[2] != 0x2A {
		t.Errorf("get after set = % X, want value 0x2A", resp)
	}
}

func TestDispatcher_ShortOperandsRefused(t *testing.T) {
	d, _ := newTestDispatcher()
	tests := [][]byte{
		{stk500.CmdSetParameter, 0x91},
		{stk500.CmdGetParameter},
		{stk500.CmdLoadAddress, 0, 0, 1},
		{stk500.CmdReadSignature, 0, 0x30},
		{stk500.CmdReadFuse, 4},
		{stk500.CmdProgramLock, 0xAC},
	}
	for _, body := range tests {
		if st := dispatchStatus(t, d, body); st != stk500.StatusCmdIllegalParam {
			t.Errorf("body % X: status 0x%02X, want 0xCA", body, st)
		}
	}
}

func TestDispatcher_LoadAddressSetsCursor(t *testing.T) {
	d, _ := newTestDispatcher()
	loadAddress(t, d, 0x400)
	if d.Cursor() != 0x800 {
		t.Errorf("cursor = 0x%X, want 0x800", d.Cursor())
	}
	loadAddress(t, d, 0x80000000|0x400)
	if d.Cursor() != 0x800 {
		t.Errorf("extended flag not masked: cursor = 0x%X", d.Cursor())
	}
}

func TestDispatcher_EnterLeaveProgMode(t *testing.T) {
	d, _ := newTestDispatcher()
	if d.Programming() {
		t.Fatal("fresh dispatcher already in programming mode")
	}
	enterProgMode(t, d)
	if !d.Programming() {
		t.Fatal("enter did not set programming mode")
	}

	resp, action := d.Dispatch(stk500.LeaveProgModeBody())
	if resp[1] != stk500.StatusOK {
		t.Errorf("leave: status 0x%02X", resp[1])
	}
	if action != ActionLeave {
		t.Error("leave did not end the session")
	}
	if d.Programming() {
		t.Error("leave did not clear programming mode")
	}
}

func TestDispatcher_ChipEraseFailsRegardlessOfMode(t *testing.T) {
	d, _ := newTestDispatcher()
	if st := dispatchStatus(t, d, stk500.ChipEraseBody()); st != stk500.StatusCmdFailed {
		t.Errorf("idle: status 0x%02X, want 0xC0", st)
	}
	enterProgMode(t, d)
	if st := dispatchStatus(t, d, stk500.ChipEraseBody()); st != stk500.StatusCmdFailed {
		t.Errorf("programming: status 0x%02X, want 0xC0", st)
	}
}

func TestDispatcher_ProgramFlashRequiresProgMode(t *testing.T) {
	d, h := newTestDispatcher()
	if st := dispatchStatus(t, d, stk500.ProgramFlashBody(pattern(16))); st != stk500.StatusCmdFailed {
		t.Errorf("status 0x%02X, want 0xC0", st)
	}
	if len(h.erased) != 0 {
		t.Error("gated command erased a page")
	}
}

func TestDispatcher_ProgramFlashPage(t *testing.T) {
	d, h := newTestDispatcher()
	enterProgMode(t, d)

	data := pattern(256)
	if st := dispatchStatus(t, d, stk500.ProgramFlashBody(data)); st != stk500.StatusOK {
		t.Fatalf("status 0x%02X", st)
	}
	if !bytes.Equal(h.flash[0x800:0x900], data) {
		t.Error("flash content mismatch")
	}
	if d.Cursor() != 0x900 {
		t.Errorf("cursor = 0x%X, want 0x900", d.Cursor())
	}
}

func TestDispatcher_ProgramFlashSizeMismatchRefused(t *testing.T) {
	d, h := newTestDispatcher()
	enterProgMode(t, d)

	body := stk500.ProgramFlashBody(pattern(16))
	body[2] = 17 // declared size no longer matches the data
	if st := dispatchStatus(t, d, body); st != stk500.StatusCmdIllegalParam {
		t.Errorf("status 0x%02X, want 0xCA", st)
	}
	if len(h.erased) != 0 {
		t.Error("mismatched write erased a page")
	}
}

func TestDispatcher_ProgramFlashAtBoundaryRefused(t *testing.T) {
	d, h := newTestDispatcher()
	enterProgMode(t, d)
	loadAddress(t, d, 0x700) // byte 0xE00 == boundary

	if st := dispatchStatus(t, d, stk500.ProgramFlashBody(pattern(256))); st != stk500.StatusCmdIllegalParam {
		t.Errorf("status 0x%02X, want 0xCA", st)
	}
	if len(h.erased) != 0 || len(h.committed) != 0 {
		t.Error("refused write touched flash")
	}
}

func TestDispatcher_HardwareFaultAnswersFailed(t *testing.T) {
	d, h := newTestDispatcher()
	h.failErase = true
	enterProgMode(t, d)
	if st := dispatchStatus(t, d, stk500.ProgramFlashBody(pattern(16))); st != stk500.StatusCmdFailed {
		t.Errorf("status 0x%02X, want 0xC0", st)
	}
}

func TestDispatcher_ReadFlashRequiresProgMode(t *testing.T) {
	d, _ := newTestDispatcher()
	if st := dispatchStatus(t, d, stk500.ReadFlashBody(16)); st != stk500.StatusCmdFailed {
		t.Errorf("status 0x%02X, want 0xC0", st)
	}
}

func TestDispatcher_ReadFlash(t *testing.T) {
	d, h := newTestDispatcher()
	copy(h.flash[0x800:], pattern(64))
	enterProgMode(t, d)

	resp, _ := d.Dispatch(stk500.ReadFlashBody(64))
	if len(resp) != 3+64 {
		t.Fatalf("response length %d, want %d", len(resp), 3+64)
	}
	if resp[1] != stk500.StatusOK || resp[len(resp)-1] != stk500.StatusOK {
		t.Error("read response not bracketed by OK")
	}
	if !bytes.Equal(resp[2:2+64], pattern(64)) {
		t.Error("read data mismatch")
	}
	if d.Cursor() != 0x800 {
		t.Errorf("cursor = 0x%X, moved by a read", d.Cursor())
	}
}

func TestDispatcher_ReadSizeBounds(t *testing.T) {
	d, _ := newTestDispatcher()
	enterProgMode(t, d)

	if st := dispatchStatus(t, d, stk500.ReadFlashBody(0)); st != stk500.StatusCmdIllegalParam {
		t.Errorf("size 0: status 0x%02X, want 0xCA", st)
	}
	max := uint16(stk500.MaxBodySize - 3)
	if st := dispatchStatus(t, d, stk500.ReadFlashBody(max+1)); st != stk500.StatusCmdIllegalParam {
		t.Errorf("size %d: status 0x%02X, want 0xCA", max+1, st)
	}
	resp, _ := d.Dispatch(stk500.ReadFlashBody(max))
	if len(resp) != stk500.MaxBodySize {
		t.Errorf("max read: response length %d, want %d", len(resp), stk500.MaxBodySize)
	}
}

func TestDispatcher_EEPROMRoundTrip(t *testing.T) {
	d, h := newTestDispatcher()
	enterProgMode(t, d)
	loadAddress(t, d, 0)

	if st := dispatchStatus(t, d, stk500.ProgramEEPROMBody(pattern(8))); st != stk500.StatusOK {
		t.Fatalf("program: status 0x%02X", st)
	}
	if d.Cursor() != 8 {
		t.Errorf("cursor = %d after write, want 8", d.Cursor())
	}
	if !bytes.Equal(h.eeprom[:8], pattern(8)) {
		t.Error("eeprom content mismatch")
	}

	loadAddress(t, d, 0)
	resp, _ := d.Dispatch(stk500.ReadEEPROMBody(8))
	if !bytes.Equal(resp[2:10], pattern(8)) {
		t.Errorf("read back = % X", resp)
	}
	if d.Cursor() != 0 {
		t.Error("cursor moved by an eeprom read")
	}
}

func TestDispatcher_EEPROMOutOfRangeRefused(t *testing.T) {
	d, h := newTestDispatcher()
	enterProgMode(t, d)
	loadAddress(t, d, 0x7F) // byte 0xFE

	if st := dispatchStatus(t, d, stk500.ProgramEEPROMBody(pattern(4))); st != stk500.StatusCmdIllegalParam {
		t.Errorf("status 0x%02X, want 0xCA", st)
	}
	if h.eeprom[0xFE] != 0xFF {
		t.Error("refused write stored bytes")
	}
}

func TestDispatcher_ReadSignature(t *testing.T) {
	d, _ := newTestDispatcher()
	sig := testChip().Signature
	tests := []struct {
		index byte
		want  byte
	}{
		{0, sig[0]},
		{1, sig[1]},
		{2, sig[2]},
		{5, sig[2]},
	}
	for _, tt := range tests {
		resp, _ := d.Dispatch(stk500.ReadSignatureBody(tt.index))
		want := []byte{stk500.CmdReadSignature, stk500.StatusOK, tt.want, stk500.StatusOK}
		if !bytes.Equal(resp, want) {
			t.Errorf("index %d: response = % X, want % X", tt.index, resp, want)
		}
	}
}

func TestDispatcher_FuseAndLockPlaceholders(t *testing.T) {
	d, _ := newTestDispatcher()

	for _, body := range [][]byte{
		stk500.ReadFuseBody([4]byte{0x50, 0, 0, 0}),
		stk500.ReadLockBody(),
	} {
		resp, _ := d.Dispatch(body)
		want := []byte{body[0], stk500.StatusOK, 0x00, stk500.StatusOK}
		if !bytes.Equal(resp, want) {
			t.Errorf("cmd 0x%02X: response = % X, want % X", body[0], resp, want)
		}
	}

	for _, body := range [][]byte{
		stk500.ProgramFuseBody([4]byte{0xAC, 0xA0, 0, 0xFF}),
		stk500.ProgramLockBody(0xFF),
	} {
		resp, _ := d.Dispatch(body)
		want := []byte{body[0], stk500.StatusOK, stk500.StatusOK}
		if !bytes.Equal(resp, want) {
			t.Errorf("cmd 0x%02X: response = % X, want % X", body[0], resp, want)
		}
	}
}

func TestDispatcher_ReadOsccal(t *testing.T) {
	d, _ := newTestDispatcher()
	resp, _ := d.Dispatch(stk500.ReadOsccalBody())
	want := []byte{stk500.CmdReadOsccal, stk500.StatusOK, 0x42, stk500.StatusOK}
	if !bytes.Equal(resp, want) {
		t.Errorf("response = % X, want % X", resp, want)
	}
}

func TestDispatcher_SpiMultiSignatureEmulation(t *testing.T) {
	d, _ := newTestDispatcher()
	sig := testChip().Signature

	for index := byte(0); index < 3; index++ {
		body := stk500.SpiMultiBody(4, []byte{stk500.IspReadSignature, 0, index, 0})
		resp, _ := d.Dispatch(body)
		want := []byte{stk500.CmdSpiMulti, stk500.StatusOK, 0, stk500.IspReadSignature, 0, sig[index], stk500.StatusOK}
		if !bytes.Equal(resp, want) {
			t.Errorf("index %d: response = % X, want % X", index, resp, want)
		}
	}
}

func TestDispatcher_SpiMultiUnknownSubcommandAnswersZero(t *testing.T) {
	d, _ := newTestDispatcher()
	body := stk500.SpiMultiBody(4, []byte{0x50, 0, 0, 0}) // fuse probe
	resp, _ := d.Dispatch(body)
	want := []byte{stk500.CmdSpiMulti, stk500.StatusOK, 0, 0x50, 0, 0x00, stk500.StatusOK}
	if !bytes.Equal(resp, want) {
		t.Errorf("response = % X, want % X", resp, want)
	}
}

func TestDispatcher_SpiMultiMalformedRefused(t *testing.T) {
	d, _ := newTestDispatcher()
	if st := dispatchStatus(t, d, []byte{stk500.CmdSpiMulti}); st != stk500.StatusCmdIllegalParam {
		t.Errorf("short body: status 0x%02X, want 0xCA", st)
	}
	if st := dispatchStatus(t, d, []byte{stk500.CmdSpiMulti, 0, 4, 0}); st != stk500.StatusCmdIllegalParam {
		t.Errorf("empty tx: status 0x%02X, want 0xCA", st)
	}
}

func TestDispatcher_UnknownCommandAnswered(t *testing.T) {
	d, _ := newTestDispatcher()
	resp, action := d.Dispatch([]byte{0x77, 1, 2, 3})
	want := []byte{0x77, stk500.StatusCmdUnknown}
	if !bytes.Equal(resp, want) {
		t.Errorf("response = % X, want % X", resp, want)
	}
	if action != ActionContinue {
		t.Error("unknown command ended the session")
	}
}

func TestDispatcher_EveryTokenAnswersWithEcho(t *testing.T) {
	for token := 0; token < 256; token++ {
		d, _ := newTestDispatcher()
		resp, _ := d.Dispatch([]byte{byte(token)})
		if len(resp) < 2 {
			t.Fatalf("token 0x%02X: response too short: % X", token, resp)
		}
		if resp[0] != byte(token) {
			t.Fatalf("token 0x%02X: echoed 0x%02X", token, resp[0])
		}
	}
}
