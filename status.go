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

import "strings"

// Status word bits.
const (
	StatusTorqueLimited = 0x8000
	StatusMoving        = 0x2000
	StatusBusy          = 0x0100
	StatusAlarm         = 0x0080
	StatusReady         = 0x0020
)

// MotorStatus holds the flags decoded from the last status read.
type MotorStatus struct {
	TorqueLimited bool
	Moving        bool
	Busy          bool
	Alarm         bool
	Ready         bool
}

// UnknownStatus is the state of a motor that has not answered yet.
// Everything that blocks motion is assumed set.
func UnknownStatus() MotorStatus {
	return MotorStatus{TorqueLimited: true, Moving: true, Busy: true, Alarm: true}
}

// DecodeStatus splits a 32-bit status word into flags.
func DecodeStatus(word uint32) MotorStatus {
	return MotorStatus{
		TorqueLimited: word&StatusTorqueLimited != 0,
		Moving:        word&StatusMoving != 0,
		Busy:          word&StatusBusy != 0,
		Alarm:         word&StatusAlarm != 0,
		Ready:         word&StatusReady != 0,
	}
}

// IsReady reports whether the motor can accept a new move.
func (s MotorStatus) IsReady() bool {
	return !s.TorqueLimited && !s.Moving && !s.Busy && !s.Alarm && s.Ready
}

func (s MotorStatus) String() string {
	var flags []string
	if s.TorqueLimited {
		flags = append(flags, "tlc")
	}
	if s.Moving {
		flags = append(flags, "move")
	}
	if s.Busy {
		flags = append(flags, "busy")
	}
	if s.Alarm {
		flags = append(flags, "alarm")
	}
	if s.Ready {
		flags = append(flags, "ready")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}
