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

// RequestKind selects the register pair a read targets.
type RequestKind int

const (
	RequestStatus RequestKind = iota
	RequestPosition
)

// Address returns the start register read for k.
func (k RequestKind) Address() uint16 {
	switch k {
	case RequestStatus:
		return AddrStatus
	case RequestPosition:
		return AddrPosition
	default:
		return 0
	}
}

func (k RequestKind) String() string {
	switch k {
	case RequestStatus:
		return "status"
	case RequestPosition:
		return "position"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// RequestState is the lifecycle stage of a pending read.
type RequestState int

const (
	StateCreated RequestState = iota
	StateAwaitingResponse
)

// DefaultTimeoutTicks is the number of ticks a sent read waits for its reply.
const DefaultTimeoutTicks = 3

// PendingRequest is one outstanding register read.
type PendingRequest struct {
	MotorID      uint8
	Kind         RequestKind
	State        RequestState
	ticksWaited  uint32
	timeoutTicks uint32
}

// NewPendingRequest creates a read in the Created state.
func NewPendingRequest(id uint8, kind RequestKind) *PendingRequest {
	return &PendingRequest{
		MotorID:      id,
		Kind:         kind,
		State:        StateCreated,
		timeoutTicks: DefaultTimeoutTicks,
	}
}

// Frame returns the read request to transmit.
func (r *PendingRequest) Frame() Frame {
	f, _ := Encode(ReadCommand{Station: r.MotorID, Kind: r.Kind}, nil)
	return f
}

// Sent reports whether the request has been transmitted.
func (r *PendingRequest) Sent() bool {
	return r.State == StateAwaitingResponse
}

// MarkSent moves the request to AwaitingResponse.
func (r *PendingRequest) MarkSent() {
	r.State = StateAwaitingResponse
}

// Timeout counts one tick and reports whether the budget is exhausted.
// It must be called at most once per tick.
func (r *PendingRequest) Timeout() bool {
	r.ticksWaited++
	return r.ticksWaited >= r.timeoutTicks
}

// SetTimeout sets the tick budget.
func (r *PendingRequest) SetTimeout(ticks uint32) {
	r.timeoutTicks = ticks
}

// TicksWaited returns the number of ticks counted so far.
func (r *PendingRequest) TicksWaited() uint32 {
	return r.ticksWaited
}

func (r *PendingRequest) String() string {
	return fmt.Sprintf("%s read of motor %d", r.Kind, r.MotorID)
}

// ReadResult reports how a pending read ended.
type ReadResult struct {
	MotorID uint8
	Kind    RequestKind
	Value   uint32
	Err     error // nil, ErrResponseTimeout, or *ModbusError
}
