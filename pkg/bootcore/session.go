// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bootcore

import (
	"errors"
	"time"

	"github.com/Thermoquad/cinder/pkg/stk500"
	"github.com/rs/zerolog"
)

// interByteWindow bounds the gap between bytes of a partial frame in
// tethered mode. Expiry abandons the partial frame without ending the
// session.
const interByteWindow = 500 * time.Millisecond

// ExitReason says how a session ended.
type ExitReason uint8

const (
	ExitTimeout ExitReason = iota
	ExitLeave
	ExitLinkError
)

// String returns the exit reason's name.
func (r ExitReason) String() string {
	switch r {
	case ExitTimeout:
		return "TIMEOUT"
	case ExitLeave:
		return "LEAVE"
	case ExitLinkError:
		return "LINK_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Session runs one boot of the loader: it owns the decoder, the dispatcher,
// and the decision to hand control to the application.
//
// A positive timeout bounds every byte wait; expiry ends the session without
// a response. A zero timeout is tethered mode: the session blocks
// indefinitely between frames and never ends by time, while a fixed
// inter-byte window discards partial frames that stall.
type Session struct {
	hal     HAL
	disp    *Dispatcher
	dec     *stk500.Decoder
	timeout time.Duration
	log     zerolog.Logger
}

// NewSession builds a session for one boot.
func NewSession(hal HAL, chip Chip, timeout time.Duration, logger zerolog.Logger) *Session {
	return &Session{
		hal:     hal,
		disp:    NewDispatcher(hal, hal, chip),
		dec:     stk500.NewDecoder(),
		timeout: timeout,
		log:     logger,
	}
}

// Dispatcher exposes the session's command dispatcher for status displays.
func (s *Session) Dispatcher() *Dispatcher {
	return s.disp
}

// Run drives one boot: capture the reset cause, disable the watchdog, serve
// programmer traffic until the session ends, then hand control to the
// application. Control transfers exactly once, as the final action, unless
// the link itself failed.
func (s *Session) Run() (ExitReason, error) {
	cause := s.hal.CaptureResetCause()
	s.hal.DisableWatchdog()
	s.log.Debug().Stringer("reset_cause", cause).Msg("entering loader")

	reason, err := s.serve()
	if err != nil {
		s.log.Error().Err(err).Msg("link failed, control not transferred")
		return reason, err
	}

	s.log.Debug().Stringer("exit", reason).Msg("transferring control")
	s.hal.TransferControl()
	return reason, nil
}

func (s *Session) serve() (ExitReason, error) {
	for {
		f, derr := s.dec.DecodePending()
		if derr != nil {
			s.log.Debug().Err(derr).Msg("dropped frame")
		}
		if f == nil {
			b, err := s.receive()
			switch {
			case err == nil:
			case errors.Is(err, ErrTimeout):
				if s.timeout > 0 {
					return ExitTimeout, nil
				}
				// Tethered inter-byte window expired: abandon the
				// partial frame, keep the session alive.
				s.dec.Reset()
				continue
			default:
				return ExitLinkError, err
			}

			if f, derr = s.dec.DecodeByte(b); derr != nil {
				s.log.Debug().Err(derr).Msg("dropped frame")
			}
			if f == nil {
				continue
			}
		}

		s.log.Debug().
			Uint8("seq", f.Seq()).
			Str("command", stk500.CommandName(f.Command())).
			Msg("command received")

		body, action := s.disp.Dispatch(f.Body())
		if err := s.respond(f.Seq(), body); err != nil {
			return ExitLinkError, err
		}
		if action == ActionLeave {
			return ExitLeave, nil
		}
	}
}

// receive applies the wait policy for the next byte.
func (s *Session) receive() (byte, error) {
	if s.timeout > 0 {
		return s.hal.ReceiveByteTimeout(s.timeout)
	}
	if len(s.dec.GetRawBytes()) > 0 {
		return s.hal.ReceiveByteTimeout(interByteWindow)
	}
	return s.hal.ReceiveByte()
}

func (s *Session) respond(seq byte, body []byte) error {
	wire, err := stk500.EncodeFrame(seq, body)
	if err != nil {
		return err
	}
	for _, b := range wire {
		if err := s.hal.SendByte(b); err != nil {
			return err
		}
	}
	return nil
}
