// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bootcore

// extendedAddrFlag is the high bit hosts set on load-address words for parts
// with more than 64K words of flash; the cursor math does not need it.
const extendedAddrFlag = 0x80000000

// Programmer owns the address cursor and drives page-granular flash writes
// and EEPROM byte writes through the HAL memory surfaces.
type Programmer struct {
	mem  ProgramMemory
	data DataMemory
	chip Chip

	cursor uint32
}

// NewProgrammer builds a programmer with the cursor parked at the flash
// midpoint, the same address sequential programming wraps to.
func NewProgrammer(mem ProgramMemory, data DataMemory, chip Chip) *Programmer {
	return &Programmer{mem: mem, data: data, chip: chip, cursor: chip.Midpoint()}
}

// Cursor returns the current byte address.
func (p *Programmer) Cursor() uint32 {
	return p.cursor
}

// SetCursor repositions the cursor from a host word address. Bit 31 is the
// extended-addressing flag and is masked off.
func (p *Programmer) SetCursor(wordAddr uint32) {
	p.cursor = (wordAddr &^ extendedAddrFlag) << 1
}

// ProgramFlashPage writes one page (or a final partial page) at the cursor:
// erase, stage, commit, re-enable read access. Every precondition is checked
// before the erase, so a refused write leaves flash untouched. On success
// the cursor advances one page, wrapping to the midpoint when the next page
// would cross the boundary.
func (p *Programmer) ProgramFlashPage(data []byte) error {
	page := uint32(p.chip.PageSize)
	if len(data) == 0 || len(data) > int(page) {
		return &SizeError{Size: len(data), Max: int(page)}
	}
	if p.cursor%page != 0 {
		return &AlignmentError{Addr: p.cursor, PageSize: p.chip.PageSize}
	}
	if p.cursor+page > p.chip.Boundary() {
		return &AddressError{Addr: p.cursor, Limit: p.chip.Boundary()}
	}

	if err := p.mem.ErasePage(p.cursor); err != nil {
		return err
	}
	for i, b := range data {
		if err := p.mem.StageByte(p.cursor+uint32(i), b); err != nil {
			return err
		}
	}
	if err := p.mem.CommitPage(p.cursor); err != nil {
		return err
	}
	if err := p.mem.ReenableReadAccess(); err != nil {
		return err
	}

	p.cursor += page
	if p.cursor+page > p.chip.Boundary() {
		p.cursor = p.chip.Midpoint()
	}
	return nil
}

// ReadFlash copies n bytes starting at the cursor. Reads never move the
// cursor; hosts reposition with load-address between chunks.
func (p *Programmer) ReadFlash(n uint16) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = p.mem.ReadProgramByte(p.cursor + uint32(i))
	}
	return out
}

// ProgramEEPROM stores bytes at the cursor and advances it past them. The
// whole run is bounds-checked before the first byte lands.
func (p *Programmer) ProgramEEPROM(data []byte) error {
	if len(data) == 0 {
		return &SizeError{Size: 0, Max: int(p.chip.EEPROMSize)}
	}
	if p.cursor+uint32(len(data)) > p.chip.EEPROMSize {
		return &AddressError{Addr: p.cursor, Limit: p.chip.EEPROMSize}
	}
	for i, b := range data {
		if err := p.data.WriteDataByte(p.cursor+uint32(i), b); err != nil {
			return err
		}
	}
	p.cursor += uint32(len(data))
	return nil
}

// ReadEEPROM copies n bytes starting at the cursor without moving it.
func (p *Programmer) ReadEEPROM(n uint16) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = p.data.ReadDataByte(p.cursor + uint32(i))
	}
	return out
}
