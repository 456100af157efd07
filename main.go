// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Jigstat - Relay Test Fixture Controller
//
// A CLI tool for running calibration and verification sequences on a
// relay/resistance test fixture and recording the results.

package main

import (
	"os"

	"github.com/Thermoquad/jigstat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
