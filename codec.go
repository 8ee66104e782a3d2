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
	"encoding/binary"
	"fmt"
)

// Function codes spoken by the driver.
const (
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeWriteMultipleRegisters = 0x10

	exceptionFlag = 0x80
)

// BroadcastID addresses every station on the bus. Stations never reply to it.
const BroadcastID uint8 = 0

// Every logical value occupies two consecutive holding registers.
const (
	valueSize      = 4
	valueRegisters = 2
)

// Register map of the driver (AZ/AR series).
const (
	AddrDirectDrive = 0x0058
	AddrNetSelect   = 0x007A
	AddrRemoteIO    = 0x007C
	AddrStatus      = 0x007E
	AddrPosition    = 0x0120
	AddrJogSteps    = 0x02A0
	AddrJogSpeed    = 0x02A2
	AddrOrigin      = 0x038C

	AddrBatchPosition     = 0x0400
	AddrBatchVelocity     = 0x0480
	AddrBatchMode         = 0x0500
	AddrBatchAcceleration = 0x0600
	AddrBatchDeceleration = 0x0680
	AddrBatchCurrent      = 0x0700
)

// Direct drive defaults.
const (
	DefaultDirectDataNo  = 0xFF
	DefaultDirectMode    = 0x01
	DefaultDirectCurrent = 0x03E8
	DefaultDirectTrigger = 1

	directDriveRegisters = 0x10
)

// Frame is one Modbus RTU request. The CRC is not stored; it is computed
// every time the frame is serialized.
type Frame struct {
	Station  uint8
	Function uint8
	Address  uint16
	Count    uint16
	Payload  []byte // write-multiple-registers only
}

// Bytes serializes the frame and appends its CRC, low byte first.
func (f Frame) Bytes() []byte {
	size := 6 + 2
	if f.Function == FuncCodeWriteMultipleRegisters {
		size += 1 + len(f.Payload)
	}
	out := make([]byte, 6, size)
	out[0] = f.Station
	out[1] = f.Function
	binary.BigEndian.PutUint16(out[2:4], f.Address)
	binary.BigEndian.PutUint16(out[4:6], f.Count)
	if f.Function == FuncCodeWriteMultipleRegisters {
		out = append(out, byte(len(f.Payload)))
		out = append(out, f.Payload...)
	}
	return appendCRC(out)
}

func (f Frame) String() string {
	return fmt.Sprintf("station=%d func=%02X addr=%04X count=%d bytes=%d", f.Station, f.Function, f.Address, f.Count, len(f.Payload))
}

// putValue32 writes v big-endian into the 4-byte window at slot.
func putValue32(payload []byte, slot int, v uint32) {
	binary.BigEndian.PutUint32(payload[slot*valueSize:], v)
}

// putValue16 writes v into the low half of the window, zeroing the high half.
func putValue16(payload []byte, slot int, v uint16) {
	putValue32(payload, slot, uint32(v))
}

// putValue8 writes v into the last byte of the window, zeroing the rest.
func putValue8(payload []byte, slot int, v uint8) {
	putValue32(payload, slot, uint32(v))
}

// DecodeValue32 reassembles the 32-bit value carried by a 4-byte response.
func DecodeValue32(r Response) (uint32, error) {
	if len(r.Data) != valueSize {
		return 0, fmt.Errorf("modbus: expected %d data bytes, got %d", valueSize, len(r.Data))
	}
	return binary.BigEndian.Uint32(r.Data), nil
}

// Command is one outgoing request. The set of variants is closed; see Encode.
type Command interface {
	station() uint8
	isCommand()
}

// RemoteOp is a remote-IO command bit.
type RemoteOp int

const (
	OpStart RemoteOp = iota
	OpHome
	OpStop
	OpFree
	OpReset
	OpJogForward
	OpJogBackward
	OpClear
)

// Bits returns the remote-IO bitmask written for op.
func (op RemoteOp) Bits() uint32 {
	switch op {
	case OpStart:
		return 0x0008
	case OpHome:
		return 0x0010
	case OpStop:
		return 0x0020
	case OpFree:
		return 0x0040
	case OpReset:
		return 0x0080
	case OpJogForward:
		return 0x1000
	case OpJogBackward:
		return 0x2000
	default:
		return 0x0000
	}
}

func (op RemoteOp) String() string {
	switch op {
	case OpStart:
		return "start"
	case OpHome:
		return "home"
	case OpStop:
		return "stop"
	case OpFree:
		return "free"
	case OpReset:
		return "reset"
	case OpJogForward:
		return "jog-forward"
	case OpJogBackward:
		return "jog-backward"
	case OpClear:
		return "clear"
	default:
		return fmt.Sprintf("RemoteOp(%d)", int(op))
	}
}

// RemoteIOCommand writes one remote-IO bitmask.
type RemoteIOCommand struct {
	Station uint8
	Op      RemoteOp
}

// NetSelectCommand assigns a station the batch slot it reads from.
type NetSelectCommand struct {
	Station uint8
	Slot    uint8
}

// JogStepsCommand sets the travel of one jog.
type JogStepsCommand struct {
	Station uint8
	Steps   uint32
}

// JogSpeedCommand sets the jog speed.
type JogSpeedCommand struct {
	Station uint8
	Speed   uint32
}

// OriginCommand sets the origin offset.
type OriginCommand struct {
	Station uint8
	Offset  int32
}

// DirectDriveCommand is an absolute move carried in one frame.
type DirectDriveCommand struct {
	Station      uint8
	DataNo       uint8
	Mode         uint8
	Position     int32
	Velocity     int32
	Acceleration uint32
	Deceleration uint32
	Current      uint16
	Trigger      uint8
}

// NewDirectDrive returns a direct drive command with the driver defaults.
func NewDirectDrive(station uint8) DirectDriveCommand {
	return DirectDriveCommand{
		Station: station,
		DataNo:  DefaultDirectDataNo,
		Mode:    DefaultDirectMode,
		Current: DefaultDirectCurrent,
		Trigger: DefaultDirectTrigger,
	}
}

// BatchWriteCommand writes every slot of one buffered value kind.
// The payload is taken from the register buffer when the frame is encoded.
type BatchWriteCommand struct {
	Station uint8
	Kind    ValueKind
}

// ReadCommand reads one 32-bit register pair.
type ReadCommand struct {
	Station uint8
	Kind    RequestKind
}

func (c RemoteIOCommand) station() uint8    { return c.Station }
func (c NetSelectCommand) station() uint8   { return c.Station }
func (c JogStepsCommand) station() uint8    { return c.Station }
func (c JogSpeedCommand) station() uint8    { return c.Station }
func (c OriginCommand) station() uint8      { return c.Station }
func (c DirectDriveCommand) station() uint8 { return c.Station }
func (c BatchWriteCommand) station() uint8  { return c.Station }
func (c ReadCommand) station() uint8        { return c.Station }

func (RemoteIOCommand) isCommand()    {}
func (NetSelectCommand) isCommand()   {}
func (JogStepsCommand) isCommand()    {}
func (JogSpeedCommand) isCommand()    {}
func (OriginCommand) isCommand()      {}
func (DirectDriveCommand) isCommand() {}
func (BatchWriteCommand) isCommand()  {}
func (ReadCommand) isCommand()        {}

// singleValueFrame builds the 13-byte shape shared by every one-value write.
func singleValueFrame(station uint8, addr uint16) Frame {
	return Frame{
		Station:  station,
		Function: FuncCodeWriteMultipleRegisters,
		Address:  addr,
		Count:    valueRegisters,
		Payload:  make([]byte, valueSize),
	}
}

// Encode builds the frame for cmd. Batch writes read their payload from buf.
func Encode(cmd Command, buf *RegisterBuffer) (Frame, error) {
	switch c := cmd.(type) {
	case RemoteIOCommand:
		f := singleValueFrame(c.Station, AddrRemoteIO)
		putValue32(f.Payload, 0, c.Op.Bits())
		return f, nil
	case NetSelectCommand:
		f := singleValueFrame(c.Station, AddrNetSelect)
		putValue8(f.Payload, 0, c.Slot)
		return f, nil
	case JogStepsCommand:
		f := singleValueFrame(c.Station, AddrJogSteps)
		putValue32(f.Payload, 0, c.Steps)
		return f, nil
	case JogSpeedCommand:
		f := singleValueFrame(c.Station, AddrJogSpeed)
		putValue32(f.Payload, 0, c.Speed)
		return f, nil
	case OriginCommand:
		f := singleValueFrame(c.Station, AddrOrigin)
		putValue32(f.Payload, 0, uint32(c.Offset))
		return f, nil
	case DirectDriveCommand:
		f := Frame{
			Station:  c.Station,
			Function: FuncCodeWriteMultipleRegisters,
			Address:  AddrDirectDrive,
			Count:    directDriveRegisters,
			Payload:  make([]byte, directDriveRegisters*2),
		}
		putValue8(f.Payload, 0, c.DataNo)
		putValue8(f.Payload, 1, c.Mode)
		putValue32(f.Payload, 2, uint32(c.Position))
		putValue32(f.Payload, 3, uint32(c.Velocity))
		putValue32(f.Payload, 4, c.Acceleration)
		putValue32(f.Payload, 5, c.Deceleration)
		putValue16(f.Payload, 6, c.Current)
		putValue8(f.Payload, 7, c.Trigger)
		return f, nil
	case BatchWriteCommand:
		if buf == nil {
			return Frame{}, fmt.Errorf("modbus: batch %s write without register buffer", c.Kind)
		}
		return buf.frame(c.Station, c.Kind)
	case ReadCommand:
		return Frame{
			Station:  c.Station,
			Function: FuncCodeReadHoldingRegisters,
			Address:  c.Kind.Address(),
			Count:    valueRegisters,
		}, nil
	default:
		return Frame{}, fmt.Errorf("modbus: unsupported command %T", cmd)
	}
}
