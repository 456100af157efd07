// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jigproto

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allEncodings = []Encoding{EncodingLegacy, EncodingJSON, EncodingCBOR}

func sampleEvents() []Event {
	return []Event{
		Heartbeat{Uptime: 1500},
		Prompt{Message: "Feche o relé e confirme"},
		StepReady{Step: 3, Phase: StateAcionado},
		MeasurementResult{Index: 2, State: StateRepouso, Resistance: 0.35, Expected: ExpectClosed, Passed: true},
		MeasurementResult{Index: 0, State: StateAcionado, Resistance: 1.5e6, Expected: ExpectOpen, Passed: false},
		CalibrationValue{Contact: 1, Value: 12.5},
		RunComplete{},
		DeviceError{Message: "contact short"},
		Notice{Message: "Aguarde o aquecimento"},
	}
}

func TestEventsSurviveEveryEncoding(t *testing.T) {
	for _, enc := range allEncodings {
		for _, want := range sampleEvents() {
			t.Run(fmt.Sprintf("%s/%T", enc, want), func(t *testing.T) {
				buf, err := EncodeEvent(enc, want)
				require.NoError(t, err)

				detected, ok := DetectEncoding(buf)
				require.True(t, ok)
				assert.Equal(t, enc, detected)

				got, err := DecodeEvent(buf)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			})
		}
	}
}

func TestCommandsSurviveEveryEncoding(t *testing.T) {
	start, err := NewStartCommand(OperationVerify, 4)
	require.NoError(t, err)

	for _, enc := range allEncodings {
		for _, want := range []Command{start, NewConfirmStep(), NewSetTerminalCount(6)} {
			t.Run(enc.String()+"/"+want.Kind.String(), func(t *testing.T) {
				buf, err := EncodeCommand(enc, want)
				require.NoError(t, err)

				got, detected, err := DecodeCommand(buf)
				require.NoError(t, err)
				assert.Equal(t, enc, detected)
				assert.Equal(t, want.Kind, got.Kind)
				if enc != EncodingLegacy || want.Kind == CmdSetTerminalCount {
					assert.Equal(t, want.TerminalCount, got.TerminalCount)
				}
			})
		}
	}
}

func TestEncodeLegacyCommandTokens(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"calibrate", Command{Kind: CmdStartCalibration, TerminalCount: 2}, "1"},
		{"verify", Command{Kind: CmdStartVerification, TerminalCount: 2}, "2"},
		{"confirm", NewConfirmStep(), "OK"},
		{"terminals", NewSetTerminalCount(8), "T8"},
		{"custom", NewCustomCommand([]byte("RESET")), "RESET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeCommand(EncodingLegacy, tt.cmd)
			if err != nil {
				t.Fatalf("EncodeCommand() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("EncodeCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncodeJSONCommand(t *testing.T) {
	start, err := NewStartCommand(OperationCalibrate, 2)
	require.NoError(t, err)

	got, err := EncodeCommand(EncodingJSON, start)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":"start_calibration","terminals":2}`, string(got))

	got, err = EncodeCommand(EncodingJSON, NewConfirmStep())
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":"confirm"}`, string(got))
}

func TestEncodeCommandRejects(t *testing.T) {
	_, err := EncodeCommand(EncodingJSON, NewSetTerminalCount(0))
	assert.Error(t, err)

	_, err = EncodeCommand(EncodingCBOR, NewSetTerminalCount(MaxTerminals+1))
	assert.Error(t, err)

	_, err = EncodeCommand(EncodingLegacy, NewCustomCommand(nil))
	assert.Error(t, err)

	_, err = EncodeCommand(Encoding(9), NewConfirmStep())
	assert.Error(t, err)
}

func TestCustomCommandCopiesPayload(t *testing.T) {
	raw := []byte("PING")
	cmd := NewCustomCommand(raw)
	raw[0] = 'X'
	assert.Equal(t, []byte("PING"), cmd.Payload)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"whitespace", []byte("  \n ")},
		{"binary noise", []byte{0x00, 0xFF, 0x13}},
		{"broken json", []byte(`{"status":`)},
		{"unknown json status", []byte(`{"status":"dance"}`)},
		{"json result without passed", []byte(`{"status":"result","contact":1,"resistance":2.0}`)},
		{"json prompt without message", []byte(`{"status":"prompt"}`)},
		{"legacy text among fields", []byte("Status: heartbeat\nhello there")},
		{"json notice without message", []byte(`{"status":"notice"}`)},
		{"legacy unknown status", []byte("Status: dance")},
		{"legacy bad step", []byte("Status: step\nStep: two")},
		{"legacy result without resistance", []byte("Status: result\nContact: 1\nPassed: true")},
		{"cbor truncated", []byte{0x82, 0x18}},
		{"cbor unknown type", []byte{0x82, 0x01, 0xF6}},
		{"cbor measurement missing fields", mustCBOR(t, MsgMeasurement, map[int]interface{}{0: uint64(1)})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := DecodeEvents(tt.buf)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "error %v does not wrap ErrMalformed", err)
			assert.Nil(t, events)
		})
	}
}

func TestDecodeLegacyResistanceReport(t *testing.T) {
	buf := []byte("Resistência 1: 0,42 Ω\nResistência 2: 0.38\n")

	events, err := DecodeEvents(buf)
	require.NoError(t, err)
	assert.Equal(t, []Event{
		CalibrationValue{Contact: 1, Value: 0.42},
		CalibrationValue{Contact: 2, Value: 0.38},
		RunComplete{},
	}, events)

	_, err = DecodeEvent(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeLegacyStatusText(t *testing.T) {
	tests := []struct {
		name string
		buf  string
		want []Event
	}{
		{"calibration done", "Calibração finalizada", []Event{Notice{Message: "Calibração finalizada"}, RunComplete{}}},
		{"verification done", "Verificação finalizada\r\n", []Event{Notice{Message: "Verificação finalizada"}, RunComplete{}}},
		{"upper case", "TESTE CONCLUIDO", []Event{Notice{Message: "TESTE CONCLUIDO"}, RunComplete{}}},
		{"plain message", "Aguarde o aquecimento", []Event{Notice{Message: "Aguarde o aquecimento"}}},
		{"multi line", "Posicione o rele\ne aguarde", []Event{Notice{Message: "Posicione o rele\ne aguarde"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := DecodeEvents([]byte(tt.buf))
			require.NoError(t, err)
			assert.Equal(t, tt.want, events)
		})
	}
}

func TestDecodeLegacyAliases(t *testing.T) {
	got, err := DecodeEvent([]byte("STATUS: Result\ncontact: 3\nstate: acionado\nresistance: 2,5\nexpected: aberto\npassed: nok"))
	require.NoError(t, err)
	assert.Equal(t, MeasurementResult{
		Index:      3,
		State:      StateAcionado,
		Resistance: 2.5,
		Expected:   ExpectOpen,
		Passed:     false,
	}, got)

	got, err = DecodeEvent([]byte("Status: done\n"))
	require.NoError(t, err)
	assert.Equal(t, RunComplete{}, got)
}

func TestHeartbeatIsDistinguishedInEveryEncoding(t *testing.T) {
	bufs := [][]byte{
		[]byte(`{"status":"heartbeat"}`),
		[]byte("Status: heartbeat"),
		mustCBOR(t, MsgHeartbeat, nil),
	}
	for _, buf := range bufs {
		e, err := DecodeEvent(buf)
		require.NoError(t, err)
		assert.Equal(t, EventHeartbeat, e.Kind())
	}
}

func TestParseEncoding(t *testing.T) {
	for in, want := range map[string]Encoding{"": EncodingJSON, "JSON": EncodingJSON, "ascii": EncodingLegacy, "cbor": EncodingCBOR} {
		got, err := ParseEncoding(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseEncoding("xml")
	assert.Error(t, err)
}

func TestParseCBORMessage(t *testing.T) {
	buf := mustCBOR(t, MsgCalibrationValue, map[int]interface{}{0: uint64(2), 1: 3.25})

	msgType, m, err := ParseCBORMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(MsgCalibrationValue), msgType)

	contact, ok := GetMapUint(m, 0)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), contact)

	value, ok := GetMapFloat(m, 1)
	assert.True(t, ok)
	assert.Equal(t, 3.25, value)

	_, ok = GetMapString(m, 0)
	assert.False(t, ok)
	_, ok = GetMapBool(m, 7)
	assert.False(t, ok)
}

func mustCBOR(t *testing.T, msgType uint8, payload map[int]interface{}) []byte {
	t.Helper()
	buf, err := encodeCBORMessage(msgType, payload)
	require.NoError(t, err)
	return buf
}
