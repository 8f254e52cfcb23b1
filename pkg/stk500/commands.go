// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

// Command body builders create request bodies ready for EncodeFrame. The
// auxiliary timing and ISP bytes carried by the programming commands are
// historical; devices acknowledge them but take timing from hardware.

// SignOnBody builds a sign-on request body.
func SignOnBody() []byte {
	return []byte{CmdSignOn}
}

// SetParameterBody builds a set-parameter request body.
func SetParameterBody(id, value byte) []byte {
	return []byte{CmdSetParameter, id, value}
}

// GetParameterBody builds a get-parameter request body.
func GetParameterBody(id byte) []byte {
	return []byte{CmdGetParameter, id}
}

// LoadAddressBody builds a load-address request body. The address is a word
// address; bit 31 flags extended addressing on large devices and is ignored
// by the device when converting to a byte address.
func LoadAddressBody(wordAddr uint32) []byte {
	return []byte{
		CmdLoadAddress,
		byte(wordAddr >> 24),
		byte(wordAddr >> 16),
		byte(wordAddr >> 8),
		byte(wordAddr),
	}
}

// EnterProgModeBody builds an enter-programming-mode request body with the
// conventional ISP timing bytes.
func EnterProgModeBody() []byte {
	return []byte{CmdEnterProgMode, 200, 100, 25, 32, 0, 0x53, 3}
}

// LeaveProgModeBody builds a leave-programming-mode request body.
func LeaveProgModeBody() []byte {
	return []byte{CmdLeaveProgMode, 1, 1}
}

// ChipEraseBody builds a chip-erase request body. Devices refuse bulk erase
// by design; the body shape is kept for host compatibility.
func ChipEraseBody() []byte {
	return []byte{CmdChipErase, 45, 1, 0xAC, 0x80, 0x00, 0x00}
}

// ProgramFlashBody builds a program-flash request body carrying one page (or
// final partial page) of data.
func ProgramFlashBody(data []byte) []byte {
	return programBody(CmdProgramFlash, 0x40, 0x4C, 0x20, data)
}

// ProgramEEPROMBody builds a program-EEPROM request body.
func ProgramEEPROMBody(data []byte) []byte {
	return programBody(CmdProgramEEPROM, 0xC1, 0xC2, 0xA0, data)
}

func programBody(cmd, c1, c2, c3 byte, data []byte) []byte {
	body := make([]byte, 0, 10+len(data))
	body = append(body,
		cmd,
		byte(len(data)>>8), byte(len(data)),
		0xC1, 50, c1, c2, c3, 0x00, 0x00,
	)
	return append(body, data...)
}

// ReadFlashBody builds a read-flash request body for n bytes at the device
// cursor.
func ReadFlashBody(n uint16) []byte {
	return []byte{CmdReadFlash, byte(n >> 8), byte(n), 0x20}
}

// ReadEEPROMBody builds a read-EEPROM request body.
func ReadEEPROMBody(n uint16) []byte {
	return []byte{CmdReadEEPROM, byte(n >> 8), byte(n), 0xA0}
}

// ReadSignatureBody builds a read-signature request body for the signature
// byte at the given index (0-2).
func ReadSignatureBody(index byte) []byte {
	return []byte{CmdReadSignature, 0, IspReadSignature, 0x00, index, 0x00}
}

// ReadFuseBody builds a read-fuse request body from a raw ISP probe
// sequence (low fuse 0x50 0x00, high 0x58 0x08, extended 0x50 0x08).
func ReadFuseBody(isp [4]byte) []byte {
	return []byte{CmdReadFuse, 4, isp[0], isp[1], isp[2], isp[3]}
}

// ReadLockBody builds a read-lock-bits request body.
func ReadLockBody() []byte {
	return []byte{CmdReadLock, 4, 0x58, 0x00, 0x00, 0x00}
}

// ReadOsccalBody builds a read-oscillator-calibration request body.
func ReadOsccalBody() []byte {
	return []byte{CmdReadOsccal, 0, 0x38, 0x00, 0x00, 0x00}
}

// ProgramFuseBody builds a program-fuse request body from a raw ISP write
// sequence.
func ProgramFuseBody(isp [4]byte) []byte {
	return []byte{CmdProgramFuse, isp[0], isp[1], isp[2], isp[3]}
}

// ProgramLockBody builds a program-lock-bits request body.
func ProgramLockBody(lock byte) []byte {
	return []byte{CmdProgramLock, 0xAC, 0xE0, 0x00, lock}
}

// SpiMultiBody builds a pass-through request body: tx bytes shifted out,
// numRx answer bytes expected back.
func SpiMultiBody(numRx byte, tx []byte) []byte {
	body := make([]byte, 0, 4+len(tx))
	body = append(body, CmdSpiMulti, byte(len(tx)), numRx, 0)
	return append(body, tx...)
}

// ProgramRequest is the parsed form of a program-flash or program-EEPROM
// body.
type ProgramRequest struct {
	Size  uint16
	Mode  byte
	Delay byte
	Cmd   [3]byte
	Poll  [2]byte
	Data  []byte
}

// ParseProgramRequest parses a program command body (token included).
func ParseProgramRequest(body []byte) (*ProgramRequest, error) {
	if len(body) < 10 {
		return nil, ErrShortBody
	}
	r := &ProgramRequest{
		Size:  uint16(body[1])<<8 | uint16(body[2]),
		Mode:  body[3],
		Delay: body[4],
		Cmd:   [3]byte{body[5], body[6], body[7]},
		Poll:  [2]byte{body[8], body[9]},
		Data:  body[10:],
	}
	return r, nil
}

// ReadRequest is the parsed form of a read-flash or read-EEPROM body.
type ReadRequest struct {
	Size uint16
	Cmd1 byte
}

// ParseReadRequest parses a read command body (token included).
func ParseReadRequest(body []byte) (*ReadRequest, error) {
	if len(body) < 4 {
		return nil, ErrShortBody
	}
	return &ReadRequest{
		Size: uint16(body[1])<<8 | uint16(body[2]),
		Cmd1: body[3],
	}, nil
}

// SpiMultiRequest is the parsed form of a pass-through body.
type SpiMultiRequest struct {
	NumTx   byte
	NumRx   byte
	RxStart byte
	Tx      []byte
}

// ParseSpiMultiRequest parses a pass-through command body (token included).
func ParseSpiMultiRequest(body []byte) (*SpiMultiRequest, error) {
	if len(body) < 4 {
		return nil, ErrShortBody
	}
	return &SpiMultiRequest{
		NumTx:   body[1],
		NumRx:   body[2],
		RxStart: body[3],
		Tx:      body[4:],
	}, nil
}
