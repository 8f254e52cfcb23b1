// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/Thermoquad/cinder/pkg/programmer"
)

// consoleProgress renders transfer progress as a single updating line.
func consoleProgress() programmer.ProgressCallback {
	return func(p programmer.Progress) {
		switch p.Phase {
		case programmer.PhaseConnect:
			// Sign-on is a single exchange, nothing worth a line.
		case programmer.PhaseDone:
			fmt.Printf("\rdone: %d bytes in %v%-20s\n", p.Bytes, p.Elapsed.Round(time.Millisecond), "")
		default:
			fmt.Printf("\r%-8s %3.0f%% (%d/%d, %d bytes)", p.Phase, p.Percentage, p.Current, p.Total, p.Bytes)
		}
	}
}
