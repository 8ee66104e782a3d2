// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch is reported when a received frame fails CRC validation.
	ErrChecksumMismatch = errors.New("modbus: checksum mismatch")
	// ErrResponseTimeout is reported when a pending read exhausts its tick budget.
	ErrResponseTimeout = errors.New("modbus: response timeout")
	// ErrUnsolicitedResponse is reported for a valid frame no pending read claims.
	ErrUnsolicitedResponse = errors.New("modbus: unsolicited response")
	// ErrInvalidAddressing is a caller contract violation: a read against the
	// broadcast id, or a motion whose derived velocity exceeds the limit.
	ErrInvalidAddressing = errors.New("modbus: invalid addressing")
	// ErrVelocityLimit is returned by the motion planner.
	ErrVelocityLimit = fmt.Errorf("%w: average velocity exceeds limit", ErrInvalidAddressing)
	// ErrInvalidMotorID is returned for ids outside 0..N.
	ErrInvalidMotorID = errors.New("modbus: invalid motor id")
	// ErrOutOfRange is returned when a staged value exceeds a device limit.
	ErrOutOfRange = errors.New("modbus: value out of range")
	// ErrNotOpen is returned when the transport is closed.
	ErrNotOpen = errors.New("modbus: transport not open")
	// ErrHangup closes a port whose reads keep returning EOF without waiting.
	ErrHangup = errors.New("modbus: serial line hung up")
)

// ModbusError describes an exception response (function | 0x80).
type ModbusError struct {
	FunctionCode  uint8
	ExceptionCode uint8
	Message       string
}

func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception %02X (%s) for function %02X", e.ExceptionCode, e.Message, e.FunctionCode)
}

func newModbusError(functionCode, exceptionCode uint8) *ModbusError {
	return &ModbusError{
		FunctionCode:  functionCode &^ exceptionFlag,
		ExceptionCode: exceptionCode,
		Message:       getExceptionMessage(exceptionCode),
	}
}

// getExceptionMessage returns a human-readable message for a Modbus exception code.
func getExceptionMessage(exceptionCode uint8) string {
	switch exceptionCode {
	case 0x01:
		return "Illegal function"
	case 0x02:
		return "Illegal data address"
	case 0x03:
		return "Illegal data value"
	case 0x04:
		return "Slave device failure"
	case 0x05:
		return "Acknowledge"
	case 0x06:
		return "Slave device busy"
	case 0x08:
		return "Memory parity error"
	case 0x0A:
		return "Gateway path unavailable"
	case 0x0B:
		return "Gateway target device failed to respond"
	default:
		return "Unknown exception code"
	}
}
