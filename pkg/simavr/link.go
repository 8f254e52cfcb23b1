// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package simavr

import (
	"errors"
	"io"
	"time"

	"github.com/Thermoquad/cinder/pkg/bootcore"
	"github.com/Thermoquad/cinder/pkg/stk500"
)

// linkBuffer sizes each direction of the link. A few frames of slack keeps
// the loader from blocking mid-response while the host is still writing.
const linkBuffer = 4 * stk500.MaxFrameSize

// ErrLinkClosed is returned by device-side link calls after Close.
var ErrLinkClosed = errors.New("simavr: link closed")

// ============================================================
// ByteChannel (device side)
// ============================================================

func (d *Device) SendByte(b byte) error {
	select {
	case d.out <- b:
		return nil
	case <-d.closed:
		return ErrLinkClosed
	}
}

func (d *Device) ReceiveByte() (byte, error) {
	select {
	case b := <-d.in:
		return b, nil
	case <-d.closed:
		return 0, ErrLinkClosed
	}
}

func (d *Device) ReceiveByteTimeout(timeout time.Duration) (byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-d.in:
		return b, nil
	case <-d.closed:
		return 0, ErrLinkClosed
	case <-timer.C:
		return 0, bootcore.ErrTimeout
	}
}

// ============================================================
// Host side
// ============================================================

// HostPort is the host end of a device's link. Reads block until at least
// one byte is available, then drain whatever else is pending. Closing the
// port closes the whole link.
type HostPort struct {
	dev *Device
}

// HostPort returns the host end of the link.
func (d *Device) HostPort() *HostPort {
	return &HostPort{dev: d}
}

func (h *HostPort) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	select {
	case b := <-h.dev.out:
		p[0] = b
	case <-h.dev.closed:
		return 0, io.EOF
	}
	n := 1
	for n < len(p) {
		select {
		case b := <-h.dev.out:
			p[n] = b
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (h *HostPort) Write(p []byte) (int, error) {
	for i, b := range p {
		select {
		case h.dev.in <- b:
		case <-h.dev.closed:
			return i, io.ErrClosedPipe
		}
	}
	return len(p), nil
}

func (h *HostPort) Close() error {
	h.dev.Close()
	return nil
}
