// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bootcore

import "github.com/Thermoquad/cinder/pkg/stk500"

// paramTable holds the session's parameter bytes. Hosts may overwrite the
// value of any known id; unknown ids answer the missing-parameter status.
type paramTable struct {
	values map[byte]byte
}

func newParamTable(chip Chip) *paramTable {
	return &paramTable{values: map[byte]byte{
		stk500.ParamBuildNumberLow:  chip.BuildLow,
		stk500.ParamBuildNumberHigh: chip.BuildHigh,
		stk500.ParamHWVer:           chip.HWVersion,
		stk500.ParamSWMajor:         chip.SWMajor,
		stk500.ParamSWMinor:         chip.SWMinor,
	}}
}

func (p *paramTable) get(id byte) (byte, bool) {
	v, ok := p.values[id]
	return v, ok
}

func (p *paramTable) set(id, value byte) bool {
	if _, ok := p.values[id]; !ok {
		return false
	}
	p.values[id] = value
	return true
}
