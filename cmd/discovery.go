// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/jigstat/pkg/channel"
	"github.com/Thermoquad/jigstat/pkg/config"
	"github.com/Thermoquad/jigstat/pkg/simulator"
)

var discoveryTimeout int

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "List fixtures reachable on the selected transport",
	Long: `List fixtures that could be connected to, without connecting.

Modes:
  BLE (default): Scan for fixtures advertising the fixture service UUID or a
                 local name starting with --target (default "Jiga").
  Serial:        List the serial ports present on this host.
  Simulator:     Report the built-in simulated fixture.

WebSocket bridges are addressed by URL and cannot be discovered.

Exit codes:
  0 - At least one fixture found
  1 - Nothing found
  2 - Discovery error`,
	Args: cobra.NoArgs,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 5, "Scan time in seconds (BLE only)")
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	fmt.Printf("Jigstat - Fixture Discovery\n")
	fmt.Printf("Transport: %s\n\n", cfg.Transport)

	var found []string
	switch cfg.Transport {
	case config.TransportBLE:
		fmt.Printf("Scanning for %d seconds...\n", discoveryTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(discoveryTimeout)*time.Second)
		defer cancel()
		ads, err := (&channel.BLEDialer{}).Discover(ctx, cfg.Target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
			os.Exit(2)
		}
		for _, ad := range ads {
			name := ad.Name
			if name == "" {
				name = "(unnamed)"
			}
			found = append(found, fmt.Sprintf("%-20s %s  RSSI %d dBm", name, ad.Address, ad.RSSI))
		}

	case config.TransportSerial:
		ports, err := channel.ListSerialPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
			os.Exit(2)
		}
		found = ports

	case config.TransportSim:
		found = []string{simulator.DefaultName}

	default:
		return fmt.Errorf("transport %q does not support discovery", cfg.Transport)
	}

	if len(found) == 0 {
		fmt.Println("No fixtures found")
		os.Exit(1)
	}
	for i, f := range found {
		fmt.Printf("  %d. %s\n", i+1, f)
	}
	fmt.Printf("\n%d found\n", len(found))
	return nil
}
