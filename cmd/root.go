// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/jigstat/pkg/config"
	"github.com/Thermoquad/jigstat/pkg/logging"
)

var (
	configPath string

	// Connection flags
	transportName string
	target        string
	encodingName  string
	baudRate      int
	wsUsername    string
	wsNoSSLVerify bool

	// Ambient flags
	logLevel    string
	logFormat   string
	metricsAddr string
	subject     string
)

// Resolved by the persistent pre-run hook
var (
	cfg       *config.Config
	log       *logrus.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "jigstat",
	Short: "Relay test fixture controller",
	Long: `Jigstat - A CLI tool for driving a relay/resistance test fixture.

Runs calibration and verification sequences against the fixture, records every
sealed run, and provides raw monitoring and an interactive control panel.

Connection modes:
  BLE:       --transport ble [--target Jiga]
  Serial:    --transport serial --target /dev/ttyUSB0 [--baud 115200]
  WebSocket: --transport ws --target ws://host/path [--username user]
  Simulator: --transport sim

For WebSocket authentication, the password is read from the JIGSTAT_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.

Settings are read from --config (YAML) when the file exists; flags override it.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "jigstat.yaml", "Config file (YAML)")

	// Connection flags
	rootCmd.PersistentFlags().StringVarP(&transportName, "transport", "t", "", "Transport: ble, serial, ws or sim")
	rootCmd.PersistentFlags().StringVar(&target, "target", "", "Serial port, WebSocket URL or BLE name prefix")
	rootCmd.PersistentFlags().StringVarP(&encodingName, "encoding", "e", "", "Command encoding: json, cbor or legacy")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 0, "Baud rate (serial only)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Ambient flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text or json)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&subject, "subject", "", "Device under test, stored with each run")
}

// setup loads the config, applies flag overrides and builds the logger
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.LoadOptional(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("transport") {
		loaded.Transport = transportName
	}
	if flags.Changed("target") {
		loaded.Target = target
	}
	if flags.Changed("encoding") {
		loaded.Encoding = encodingName
	}
	if flags.Changed("baud") {
		loaded.Serial.BaudRate = baudRate
	}
	if flags.Changed("username") {
		loaded.WebSocket.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		loaded.WebSocket.SkipTLSVerify = wsNoSSLVerify
	}
	if flags.Changed("log-level") {
		loaded.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		loaded.Log.Format = logFormat
	}
	if flags.Changed("metrics-addr") {
		loaded.Metrics.Addr = metricsAddr
	}
	if flags.Changed("subject") {
		loaded.Run.Subject = subject
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	log, logCloser, err = logging.New(loaded.Log)
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
