// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package programmer

import "time"

// Phase identifies which part of an operation a progress report covers.
type Phase string

const (
	PhaseConnect Phase = "connect"
	PhaseProgram Phase = "program"
	PhaseVerify  Phase = "verify"
	PhaseRead    Phase = "read"
	PhaseDone    Phase = "done"
)

// Progress is a snapshot of a long-running operation.
type Progress struct {
	Phase      Phase
	Current    int // pages or chunks completed within the phase
	Total      int
	Percentage float64
	Bytes      int // payload bytes moved within the phase
	Elapsed    time.Duration
}

// ProgressCallback receives progress snapshots. Called synchronously between
// commands; keep it fast.
type ProgressCallback func(Progress)

func (p *Programmer) reportProgress(phase Phase, current, total, bytes int) {
	if p.cfg.Progress == nil {
		return
	}
	if p.started.IsZero() {
		p.started = time.Now()
	}
	pct := 0.0
	if total > 0 {
		pct = float64(current) * 100.0 / float64(total)
	}
	p.cfg.Progress(Progress{
		Phase:      phase,
		Current:    current,
		Total:      total,
		Percentage: pct,
		Bytes:      bytes,
		Elapsed:    time.Since(p.started),
	})
}
