// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

// Checksum computes the frame checksum: the running exclusive-or of every
// byte handed to it. A complete frame checksums to its trailing byte when
// the preceding bytes (start marker through payload) are fed in order.
func Checksum(data []byte) byte {
	var ck byte
	for _, b := range data {
		ck ^= b
	}
	return ck
}
