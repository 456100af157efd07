// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/jigstat/pkg/jigproto"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the fixture is alive by waiting for heartbeats",
	Long: `Connect to the fixture and wait for its heartbeats.

The fixture has no request/response ping, so liveness is judged from the
heartbeat beacon it sends on its own. Each beat is reported with the interval
since the previous one and, when the firmware includes it, its uptime.

This is useful for verifying:
  - The transport connects (BLE scan, serial port, WebSocket auth)
  - The firmware is running and sending heartbeats
  - The configured heartbeat grace period is long enough

Exit codes:
  0 - All heartbeats received
  1 - One or more heartbeats missed
  2 - Connection error`,
	Args: cobra.NoArgs,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each heartbeat")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of heartbeats to wait for")
}

func runPing(cmd *cobra.Command, args []string) error {
	s, err := openStack(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("Jigstat - Heartbeat Ping\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Timeout: %d seconds per heartbeat\n", pingTimeout)
	fmt.Printf("Count: %d heartbeats\n\n", pingCount)

	received := pingHeartbeats(s, pingCount, time.Duration(pingTimeout)*time.Second)
	s.Close()

	missed := pingCount - received
	fmt.Printf("\n--- Heartbeat statistics ---\n")
	fmt.Printf("%d heartbeats expected, %d received, %.0f%% missed\n",
		pingCount, received, float64(missed)/float64(pingCount)*100)

	if missed > 0 {
		os.Exit(1)
	}
	return nil
}

// pingHeartbeats waits for count heartbeats and returns how many arrived in time
func pingHeartbeats(s *stack, count int, timeout time.Duration) int {
	msgs := s.manager.Messages()
	last := time.Now()
	received := 0

	for i := 1; i <= count; i++ {
		fmt.Printf("Heartbeat %d/%d: ", i, count)
		deadline := time.NewTimer(timeout)

	wait:
		for {
			select {
			case buf := <-msgs:
				events, err := jigproto.DecodeEvents(buf)
				if err != nil {
					continue
				}
				for _, e := range events {
					hb, ok := e.(jigproto.Heartbeat)
					if !ok {
						// Ignore run traffic
						continue
					}
					s.manager.Heartbeat()
					now := time.Now()
					if hb.Uptime > 0 {
						fmt.Printf("BEAT from %s, uptime=%s, interval=%v\n",
							s.manager.Session().Handle, formatUptime(hb.Uptime), now.Sub(last).Round(time.Millisecond))
					} else {
						fmt.Printf("BEAT from %s, interval=%v\n", s.manager.Session().Handle, now.Sub(last).Round(time.Millisecond))
					}
					last = now
					received++
					break wait
				}

			case <-deadline.C:
				fmt.Printf("TIMEOUT (no heartbeat in %v)\n", timeout)
				break wait
			}
		}
		deadline.Stop()
	}
	return received
}
