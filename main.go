// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Cinder - Bootloader Toolkit
//
// A CLI tool for flashing, verifying, and monitoring Thermoquad controller
// boards through the Cinder boot loader.

package main

import (
	"os"

	"github.com/Thermoquad/cinder/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
