// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package jigproto models the relay test fixture protocol.
//
// The fixture firmware has shipped three wire encodings over its lifetime:
// bare ASCII tokens with "Key: value" responses (legacy), JSON objects with a
// "status" discriminator (current), and CBOR [msg_type, payload_map] arrays
// (binary). Commands are encoded in one configured encoding; responses are
// auto-detected so every firmware generation can be decoded.
package jigproto

// MaxTerminals is the largest contact count a fixture supports
const MaxTerminals = 32

// Legacy ASCII command tokens
const (
	TokenCalibrate    = "1"
	TokenVerify       = "2"
	TokenConfirm      = "OK"
	TokenTerminalsFmt = "T%d"
)

// Status discriminators shared by the legacy and JSON encodings
const (
	StatusHeartbeat   = "heartbeat"
	StatusPrompt      = "prompt"
	StatusStep        = "step"
	StatusResult      = "result"
	StatusCalibration = "calibration"
	StatusComplete    = "complete"
	StatusError       = "error"
	StatusNotice      = "notice"
)

// JSON command names
const (
	CmdNameStartCalibration  = "start_calibration"
	CmdNameStartVerification = "start_verification"
	CmdNameConfirm           = "confirm"
	CmdNameSetTerminals      = "set_terminals"
)

// CBOR message types - Commands (Host → Fixture) 0x10-0x1F
const (
	MsgStartCalibration  = 0x10
	MsgStartVerification = 0x11
	MsgConfirmStep       = 0x12
	MsgSetTerminalCount  = 0x13
)

// CBOR message types - Notifications (Fixture → Host) 0x30-0x3F
const (
	MsgPrompt           = 0x30
	MsgStepReady        = 0x31
	MsgMeasurement      = 0x32
	MsgCalibrationValue = 0x33
	MsgRunComplete      = 0x34
	MsgNotice           = 0x35
	MsgHeartbeat        = 0x3F
)

// CBOR message types - Errors 0xE0-0xEF
const (
	MsgDeviceError = 0xE0
)

// Default classification thresholds in ohms
const (
	DefaultClosedMax = 1.0
	DefaultOpenMin   = 100000.0
)
