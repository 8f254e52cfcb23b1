// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package programmer implements the host side of the loader protocol: a
// client that signs on, inspects a device, and programs, reads, and verifies
// its memories over any byte stream.
//
// The zero-configuration path is short:
//
//	p := programmer.New(port)
//	err := p.Program(ctx, 0, image)
//
// A Programmer is not safe for concurrent use; the protocol allows one
// message in flight.
package programmer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Thermoquad/cinder/pkg/stk500"
)

// extendedAddr flags word addresses beyond the 16-bit range on large parts.
const extendedAddr = 0x80000000

// Fuse selects one of the three fuse bytes for fuse operations.
type Fuse int

const (
	FuseLow Fuse = iota
	FuseHigh
	FuseExtended
)

func (f Fuse) String() string {
	switch f {
	case FuseHigh:
		return "high"
	case FuseExtended:
		return "extended"
	default:
		return "low"
	}
}

// readProbe returns the raw ISP sequence that reads this fuse byte.
func (f Fuse) readProbe() [4]byte {
	switch f {
	case FuseHigh:
		return [4]byte{0x58, 0x08, 0x00, 0x00}
	case FuseExtended:
		return [4]byte{0x50, 0x08, 0x00, 0x00}
	default:
		return [4]byte{0x50, 0x00, 0x00, 0x00}
	}
}

// writeProbe returns the raw ISP sequence that writes this fuse byte.
func (f Fuse) writeProbe(value byte) [4]byte {
	switch f {
	case FuseHigh:
		return [4]byte{0xAC, 0xA8, 0x00, value}
	case FuseExtended:
		return [4]byte{0xAC, 0xA4, 0x00, value}
	default:
		return [4]byte{0xAC, 0xA0, 0x00, value}
	}
}

// DeviceInfo aggregates what a device reports about itself.
type DeviceInfo struct {
	Name      string
	Signature [3]byte
	HWVersion byte
	SWMajor   byte
	SWMinor   byte
	Build     uint16
}

// Programmer drives a loader over a byte stream.
type Programmer struct {
	conn    io.ReadWriter
	cfg     Config
	seq     byte
	started time.Time

	readerOnce sync.Once
	frames     chan *stk500.Frame
	readErr    chan error

	mu    sync.Mutex
	dec   *stk500.Decoder
	stats *stk500.Statistics
	fatal error
}

// New creates a programmer over an open connection. Panics if conn is nil.
func New(conn io.ReadWriter, opts ...Option) *Programmer {
	if conn == nil {
		panic("programmer: nil connection")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Programmer{
		conn:    conn,
		cfg:     cfg,
		started: time.Now(),
		frames:  make(chan *stk500.Frame, 16),
		readErr: make(chan error, 1),
		dec:     stk500.NewDecoder(),
		stats:   stk500.NewStatistics(),
	}
}

// Statistics returns a snapshot of link statistics.
func (p *Programmer) Statistics() stk500.Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.stats
}

// ============================================================
// Link plumbing
// ============================================================

// readLoop decodes inbound bytes until the connection fails. Runs on its own
// goroutine, started by the first command.
func (p *Programmer) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := p.conn.Read(buf)
		for i := 0; i < n; i++ {
			p.feed(buf[i])
		}
		if err != nil {
			p.readErr <- err
			return
		}
	}
}

func (p *Programmer) feed(b byte) {
	p.mu.Lock()
	f, err := p.dec.DecodeByte(b)
	if f != nil || err != nil {
		p.stats.Update(f, err, nil)
	}
	p.mu.Unlock()

	for f != nil {
		p.frames <- f
		p.mu.Lock()
		f, err = p.dec.DecodePending()
		if f != nil || err != nil {
			p.stats.Update(f, err, nil)
		}
		p.mu.Unlock()
	}
}

func (p *Programmer) fatalErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

func (p *Programmer) setFatal(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fatal == nil {
		p.fatal = err
	}
}

// roundTrip sends one command body and waits for the matching response body.
// Unanswered sends are retried with the same sequence number.
func (p *Programmer) roundTrip(ctx context.Context, body []byte) ([]byte, error) {
	p.readerOnce.Do(func() { go p.readLoop() })

	if err := p.fatalErr(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.seq++
	seq := p.seq
	wire, err := stk500.EncodeFrame(seq, body)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			p.cfg.Logger.Debug().
				Str("command", stk500.CommandName(body[0])).
				Int("attempt", attempt+1).
				Msg("resending unanswered command")
		}
		if p.cfg.Trace != nil {
			if err := p.cfg.Trace.WriteEvent(stk500.DirCommand, wire); err != nil {
				return nil, err
			}
		}
		if _, err := p.conn.Write(wire); err != nil {
			return nil, fmt.Errorf("link write failed: %w", err)
		}

		f, err := p.awaitReply(ctx, seq)
		if err == nil {
			if p.cfg.Trace != nil {
				raw, eerr := f.Encode()
				if eerr == nil {
					if terr := p.cfg.Trace.WriteEvent(stk500.DirResponse, raw); terr != nil {
						return nil, terr
					}
				}
			}
			return f.Body(), nil
		}
		if !errors.Is(err, ErrNoReply) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", stk500.CommandName(body[0]), ErrNoReply)
}

func (p *Programmer) awaitReply(ctx context.Context, seq byte) (*stk500.Frame, error) {
	timer := time.NewTimer(p.cfg.ReplyTimeout)
	defer timer.Stop()
	for {
		select {
		case f := <-p.frames:
			if f.Seq() != seq {
				// Leftover answer to an earlier resend.
				p.cfg.Logger.Debug().
					Uint8("seq", f.Seq()).
					Uint8("want", seq).
					Msg("discarding stale reply")
				continue
			}
			return f, nil
		case err := <-p.readErr:
			p.setFatal(err)
			return nil, fmt.Errorf("link read failed: %w", err)
		case <-timer.C:
			return nil, ErrNoReply
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// checked sends a command whose response carries only a status.
func (p *Programmer) checked(ctx context.Context, body []byte) error {
	resp, err := p.roundTrip(ctx, body)
	if err != nil {
		return err
	}
	_, err = stk500.ParseStatusResponse(resp, body[0])
	return err
}

// ============================================================
// Session commands
// ============================================================

// SignOn identifies the device and returns its programmer name.
func (p *Programmer) SignOn(ctx context.Context) (string, error) {
	resp, err := p.roundTrip(ctx, stk500.SignOnBody())
	if err != nil {
		return "", err
	}
	return stk500.ParseSignOnResponse(resp)
}

// GetParameter reads a device parameter.
func (p *Programmer) GetParameter(ctx context.Context, id byte) (byte, error) {
	resp, err := p.roundTrip(ctx, stk500.GetParameterBody(id))
	if err != nil {
		return 0, err
	}
	return stk500.ParseParameterResponse(resp)
}

// SetParameter writes a device parameter.
func (p *Programmer) SetParameter(ctx context.Context, id, value byte) error {
	return p.checked(ctx, stk500.SetParameterBody(id, value))
}

// EnterProgramming puts the device into programming mode.
func (p *Programmer) EnterProgramming(ctx context.Context) error {
	return p.checked(ctx, stk500.EnterProgModeBody())
}

// LeaveProgramming takes the device out of programming mode and ends the
// loader session; the device starts its application afterwards.
func (p *Programmer) LeaveProgramming(ctx context.Context) error {
	return p.checked(ctx, stk500.LeaveProgModeBody())
}

// ChipErase requests a bulk erase. Loader devices refuse it to protect the
// application region, so expect a StatusError carrying CMD_FAILED.
func (p *Programmer) ChipErase(ctx context.Context) error {
	return p.checked(ctx, stk500.ChipEraseBody())
}

// LoadAddress sets the device's memory cursor to a byte address. The address
// must be even; the wire format counts words.
func (p *Programmer) LoadAddress(ctx context.Context, byteAddr uint32) error {
	if byteAddr%2 != 0 {
		return fmt.Errorf("programmer: address 0x%X is not word-aligned", byteAddr)
	}
	word := byteAddr >> 1
	if word >= 0x10000 {
		word |= extendedAddr
	}
	return p.checked(ctx, stk500.LoadAddressBody(word))
}

// ============================================================
// Inspection commands
// ============================================================

// ReadSignature reads the three-byte device signature.
func (p *Programmer) ReadSignature(ctx context.Context) ([3]byte, error) {
	var sig [3]byte
	for i := byte(0); i < 3; i++ {
		resp, err := p.roundTrip(ctx, stk500.ReadSignatureBody(i))
		if err != nil {
			return sig, err
		}
		b, err := stk500.ParseByteResponse(resp, stk500.CmdReadSignature)
		if err != nil {
			return sig, err
		}
		sig[i] = b
	}
	return sig, nil
}

// ReadFuse reads one fuse byte. Loader devices answer a placeholder value;
// real fuse access needs a hardware programmer.
func (p *Programmer) ReadFuse(ctx context.Context, f Fuse) (byte, error) {
	resp, err := p.roundTrip(ctx, stk500.ReadFuseBody(f.readProbe()))
	if err != nil {
		return 0, err
	}
	return stk500.ParseByteResponse(resp, stk500.CmdReadFuse)
}

// ProgramFuse writes one fuse byte. Loader devices acknowledge without
// applying.
func (p *Programmer) ProgramFuse(ctx context.Context, f Fuse, value byte) error {
	return p.checked(ctx, stk500.ProgramFuseBody(f.writeProbe(value)))
}

// ReadLock reads the lock bits.
func (p *Programmer) ReadLock(ctx context.Context) (byte, error) {
	resp, err := p.roundTrip(ctx, stk500.ReadLockBody())
	if err != nil {
		return 0, err
	}
	return stk500.ParseByteResponse(resp, stk500.CmdReadLock)
}

// ProgramLock writes the lock bits. Loader devices acknowledge without
// applying.
func (p *Programmer) ProgramLock(ctx context.Context, lock byte) error {
	return p.checked(ctx, stk500.ProgramLockBody(lock))
}

// ReadOsccal reads the oscillator calibration byte.
func (p *Programmer) ReadOsccal(ctx context.Context) (byte, error) {
	resp, err := p.roundTrip(ctx, stk500.ReadOsccalBody())
	if err != nil {
		return 0, err
	}
	return stk500.ParseByteResponse(resp, stk500.CmdReadOsccal)
}

// SpiMulti shifts raw ISP bytes through the device and returns the answer
// window. Loader devices emulate signature reads and answer zeroes for
// everything else.
func (p *Programmer) SpiMulti(ctx context.Context, numRx byte, tx []byte) ([]byte, error) {
	resp, err := p.roundTrip(ctx, stk500.SpiMultiBody(numRx, tx))
	if err != nil {
		return nil, err
	}
	if _, err := stk500.ParseStatusResponse(resp, stk500.CmdSpiMulti); err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, stk500.ErrShortBody
	}
	return resp[2 : len(resp)-1], nil
}

// Identify signs on and gathers everything the device reports about itself.
func (p *Programmer) Identify(ctx context.Context) (*DeviceInfo, error) {
	name, err := p.SignOn(ctx)
	if err != nil {
		return nil, err
	}
	info := &DeviceInfo{Name: name}

	if info.HWVersion, err = p.GetParameter(ctx, stk500.ParamHWVer); err != nil {
		return nil, err
	}
	if info.SWMajor, err = p.GetParameter(ctx, stk500.ParamSWMajor); err != nil {
		return nil, err
	}
	if info.SWMinor, err = p.GetParameter(ctx, stk500.ParamSWMinor); err != nil {
		return nil, err
	}
	low, err := p.GetParameter(ctx, stk500.ParamBuildNumberLow)
	if err != nil {
		return nil, err
	}
	high, err := p.GetParameter(ctx, stk500.ParamBuildNumberHigh)
	if err != nil {
		return nil, err
	}
	info.Build = uint16(high)<<8 | uint16(low)

	if info.Signature, err = p.ReadSignature(ctx); err != nil {
		return nil, err
	}
	return info, nil
}

// ============================================================
// Memory operations
// ============================================================

// ProgramFlash writes an image to flash starting at a page-aligned byte
// address. The device cursor advances page by page; one address load covers
// the whole run.
func (p *Programmer) ProgramFlash(ctx context.Context, addr uint32, image []byte) error {
	page := p.cfg.PageSize
	if len(image) == 0 {
		return errors.New("programmer: empty image")
	}
	if addr%uint32(page) != 0 {
		return fmt.Errorf("programmer: address 0x%X is not aligned to the %d byte page size", addr, page)
	}
	if err := p.LoadAddress(ctx, addr); err != nil {
		return err
	}

	total := (len(image) + page - 1) / page
	for n := 0; n < total; n++ {
		chunk := image[n*page : min((n+1)*page, len(image))]
		if err := p.checked(ctx, stk500.ProgramFlashBody(chunk)); err != nil {
			return fmt.Errorf("flash page %d/%d: %w", n+1, total, err)
		}
		p.reportProgress(PhaseProgram, n+1, total, n*page+len(chunk))
	}
	return nil
}

// ReadFlash reads n bytes of flash starting at an even byte address. Reads
// do not move the device cursor, so every chunk reloads the address.
func (p *Programmer) ReadFlash(ctx context.Context, addr uint32, n int) ([]byte, error) {
	return p.readMemory(ctx, stk500.CmdReadFlash, addr, n, stk500.ReadFlashBody)
}

// ReadEEPROM reads n bytes of EEPROM starting at an even byte address.
func (p *Programmer) ReadEEPROM(ctx context.Context, addr uint32, n int) ([]byte, error) {
	return p.readMemory(ctx, stk500.CmdReadEEPROM, addr, n, stk500.ReadEEPROMBody)
}

func (p *Programmer) readMemory(ctx context.Context, cmd byte, addr uint32, n int, reqBody func(uint16) []byte) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("programmer: read size %d", n)
	}
	out := make([]byte, 0, n)
	chunk := p.cfg.ReadChunkSize
	total := (n + chunk - 1) / chunk
	for off, i := 0, 0; off < n; off, i = off+chunk, i+1 {
		c := min(chunk, n-off)
		if err := p.LoadAddress(ctx, addr+uint32(off)); err != nil {
			return nil, err
		}
		resp, err := p.roundTrip(ctx, reqBody(uint16(c)))
		if err != nil {
			return nil, err
		}
		data, err := stk500.ParseReadResponse(resp, cmd, c)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		p.reportProgress(PhaseRead, i+1, total, len(out))
	}
	return out, nil
}

// ProgramEEPROM writes data to EEPROM starting at an even byte address. The
// device cursor advances with each write.
func (p *Programmer) ProgramEEPROM(ctx context.Context, addr uint32, data []byte) error {
	if len(data) == 0 {
		return errors.New("programmer: empty data")
	}
	if err := p.LoadAddress(ctx, addr); err != nil {
		return err
	}
	chunk := p.cfg.PageSize
	total := (len(data) + chunk - 1) / chunk
	for n := 0; n < total; n++ {
		c := data[n*chunk : min((n+1)*chunk, len(data))]
		if err := p.checked(ctx, stk500.ProgramEEPROMBody(c)); err != nil {
			return fmt.Errorf("eeprom chunk %d/%d: %w", n+1, total, err)
		}
		p.reportProgress(PhaseProgram, n+1, total, n*chunk+len(c))
	}
	return nil
}

// VerifyFlash reads flash back and compares it to the expected image.
func (p *Programmer) VerifyFlash(ctx context.Context, addr uint32, image []byte) error {
	read, err := p.ReadFlash(ctx, addr, len(image))
	if err != nil {
		return err
	}
	for i := range image {
		if read[i] != image[i] {
			return &VerifyError{Addr: addr + uint32(i), Want: image[i], Got: read[i]}
		}
	}
	p.reportProgress(PhaseVerify, 1, 1, len(image))
	return nil
}

// ============================================================
// Orchestration
// ============================================================

// Program runs the full flashing flow: sign on, check the signature when one
// is expected, enter programming mode, write the image, verify it, and leave
// programming mode so the device starts the application.
func (p *Programmer) Program(ctx context.Context, addr uint32, image []byte) error {
	p.started = time.Now()

	name, err := p.SignOn(ctx)
	if err != nil {
		return fmt.Errorf("sign-on failed: %w", err)
	}
	p.cfg.Logger.Info().Str("device", name).Msg("connected")
	p.reportProgress(PhaseConnect, 1, 1, 0)

	if p.cfg.ExpectedSignature != nil {
		sig, err := p.ReadSignature(ctx)
		if err != nil {
			return fmt.Errorf("signature read failed: %w", err)
		}
		if sig != *p.cfg.ExpectedSignature {
			return &SignatureMismatchError{Want: *p.cfg.ExpectedSignature, Got: sig}
		}
	}

	if err := p.EnterProgramming(ctx); err != nil {
		return fmt.Errorf("enter programming mode failed: %w", err)
	}

	err = p.ProgramFlash(ctx, addr, image)
	if err == nil && p.cfg.VerifyAfterProgram {
		err = p.VerifyFlash(ctx, addr, image)
	}

	// Leave programming mode even after a failure so the device is not
	// left stuck in the loader.
	if leaveErr := p.LeaveProgramming(ctx); err == nil && leaveErr != nil {
		err = fmt.Errorf("leave programming mode failed: %w", leaveErr)
	}
	if err != nil {
		return err
	}

	p.cfg.Logger.Info().Int("bytes", len(image)).Msg("programming complete")
	p.reportProgress(PhaseDone, 1, 1, len(image))
	return nil
}
