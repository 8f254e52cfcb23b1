// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bootcore

import "github.com/Thermoquad/cinder/pkg/stk500"

// spiMulti emulates the raw ISP pass-through over a fixed four-byte answer
// window: sub-command echo in position 1, answer byte in position 3.
// Read-signature probes answer the real signature byte; every other
// sub-command, fuse and lock probes included, answers 0x00 so hosts keep
// talking instead of failing the whole frame.
func (d *Dispatcher) spiMulti(body []byte) []byte {
	req, err := stk500.ParseSpiMultiRequest(body)
	if err != nil || len(req.Tx) == 0 {
		return stk500.StatusBody(stk500.CmdSpiMulti, stk500.StatusCmdIllegalParam)
	}

	answer := byte(0x00)
	if req.Tx[0] == stk500.IspReadSignature && len(req.Tx) >= 3 {
		answer = d.signatureByte(req.Tx[2])
	}
	return stk500.SpiMultiResponseBody([]byte{0x00, req.Tx[0], 0x00, answer})
}
