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

import "fmt"

// Batch frame geometry: 0x7B registers, 0xF6 payload bytes, 255 bytes on the wire.
const (
	BatchSlots     = 60
	MaxMotors      = BatchSlots - 1 // slot 0 is reserved
	batchRegisters = 0x7B
)

// ValueKind selects one buffered per-motor parameter.
type ValueKind int

const (
	KindPosition ValueKind = iota
	KindVelocity
	KindMode
	KindAcceleration
	KindDeceleration
	KindCurrent

	numValueKinds = iota
)

// BatchAddress returns the start register of the concurrent write for k.
func (k ValueKind) BatchAddress() uint16 {
	switch k {
	case KindPosition:
		return AddrBatchPosition
	case KindVelocity:
		return AddrBatchVelocity
	case KindMode:
		return AddrBatchMode
	case KindAcceleration:
		return AddrBatchAcceleration
	case KindDeceleration:
		return AddrBatchDeceleration
	case KindCurrent:
		return AddrBatchCurrent
	default:
		return 0
	}
}

func (k ValueKind) String() string {
	switch k {
	case KindPosition:
		return "position"
	case KindVelocity:
		return "velocity"
	case KindMode:
		return "mode"
	case KindAcceleration:
		return "acceleration"
	case KindDeceleration:
		return "deceleration"
	case KindCurrent:
		return "current"
	default:
		return fmt.Sprintf("ValueKind(%d)", int(k))
	}
}

func (k ValueKind) valid() bool {
	return k >= 0 && k < numValueKinds
}

// RegisterBuffer holds the last staged value of every parameter for every
// motor slot. It is not safe for concurrent use; the Controller serializes
// access together with the scheduler tick.
type RegisterBuffer struct {
	values [numValueKinds][BatchSlots]uint32
}

// NewRegisterBuffer returns a zeroed buffer.
func NewRegisterBuffer() *RegisterBuffer {
	return &RegisterBuffer{}
}

// Set stages v for motor id. Slot 0 is reserved and rejected.
func (b *RegisterBuffer) Set(kind ValueKind, id uint8, v uint32) error {
	if !kind.valid() {
		return fmt.Errorf("modbus: unknown value kind %d", int(kind))
	}
	if id == 0 || int(id) > MaxMotors {
		return fmt.Errorf("%w: %d (want 1..%d)", ErrInvalidMotorID, id, MaxMotors)
	}
	b.values[kind][id] = v
	return nil
}

// Get returns the staged value for motor id, or 0 when out of range.
func (b *RegisterBuffer) Get(kind ValueKind, id uint8) uint32 {
	if !kind.valid() || int(id) >= BatchSlots {
		return 0
	}
	return b.values[kind][id]
}

// Position returns the staged position of motor id.
func (b *RegisterBuffer) Position(id uint8) int32 { return int32(b.Get(KindPosition, id)) }

// Velocity returns the staged velocity of motor id.
func (b *RegisterBuffer) Velocity(id uint8) int32 { return int32(b.Get(KindVelocity, id)) }

// Mode returns the staged operation mode of motor id.
func (b *RegisterBuffer) Mode(id uint8) uint8 { return uint8(b.Get(KindMode, id)) }

// Acceleration returns the staged acceleration of motor id.
func (b *RegisterBuffer) Acceleration(id uint8) uint32 { return b.Get(KindAcceleration, id) }

// Deceleration returns the staged deceleration of motor id.
func (b *RegisterBuffer) Deceleration(id uint8) uint32 { return b.Get(KindDeceleration, id) }

// Current returns the staged operating current of motor id.
func (b *RegisterBuffer) Current(id uint8) uint32 { return b.Get(KindCurrent, id) }

// frame serializes every slot of kind into one concurrent-write frame.
func (b *RegisterBuffer) frame(station uint8, kind ValueKind) (Frame, error) {
	if !kind.valid() {
		return Frame{}, fmt.Errorf("modbus: unknown value kind %d", int(kind))
	}
	payload := make([]byte, batchRegisters*2)
	for slot, v := range b.values[kind] {
		putValue32(payload, slot, v)
	}
	return Frame{
		Station:  station,
		Function: FuncCodeWriteMultipleRegisters,
		Address:  kind.BatchAddress(),
		Count:    batchRegisters,
		Payload:  payload,
	}, nil
}
