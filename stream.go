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
	"fmt"
	"io"
	"time"
)

// WriteID identifies a queued write so it can be cancelled before it is sent.
type WriteID uint64

type writeEntry struct {
	id  WriteID
	cmd Command
}

// Stream schedules traffic on a half-duplex line. At most one frame is
// transmitted per tick and at most one read is in flight; reads always go
// before writes. Stream is not safe for concurrent use.
type Stream struct {
	transport    Transport
	buffer       *RegisterBuffer
	parser       *Parser
	ticker       *Ticker
	writes       []writeEntry
	reads        []*PendingRequest
	nextID       WriteID
	timeoutTicks uint32
	onReadDone   func(ReadResult)
	logger       io.Writer
	counters     *Counters
}

// NewStream creates a scheduler over transport. Batch writes take their
// payload from buffer when they are transmitted.
func NewStream(transport Transport, buffer *RegisterBuffer, clock Clock) *Stream {
	if buffer == nil {
		buffer = NewRegisterBuffer()
	}
	s := &Stream{
		transport:    transport,
		buffer:       buffer,
		parser:       NewParser(),
		ticker:       NewTicker(clock, DefaultInterval),
		timeoutTicks: DefaultTimeoutTicks,
		counters:     &Counters{},
	}
	s.parser.setCounters(s.counters)
	return s
}

// SetLogger sets the logger for the scheduler and its parser.
func (s *Stream) SetLogger(logger io.Writer) {
	s.logger = logger
	s.parser.SetLogger(logger)
}

// SetInterval changes the tick period.
func (s *Stream) SetInterval(interval time.Duration) {
	s.ticker.SetInterval(interval)
}

// SetTimeoutTicks sets the tick budget of reads issued from now on.
func (s *Stream) SetTimeoutTicks(ticks uint32) {
	if ticks == 0 {
		ticks = DefaultTimeoutTicks
	}
	s.timeoutTicks = ticks
}

// OnReadDone registers fn to receive every finished read.
func (s *Stream) OnReadDone(fn func(ReadResult)) {
	s.onReadDone = fn
}

// Counters returns the bus statistics of the stream.
func (s *Stream) Counters() *Counters {
	return s.counters
}

// Buffer returns the register buffer batch writes are encoded from.
func (s *Stream) Buffer() *RegisterBuffer {
	return s.buffer
}

// Push appends a write to the queue.
func (s *Stream) Push(cmd Command) (WriteID, error) {
	return s.enqueue(cmd, false)
}

// PushFront puts a write ahead of every queued write.
func (s *Stream) PushFront(cmd Command) (WriteID, error) {
	return s.enqueue(cmd, true)
}

func (s *Stream) enqueue(cmd Command, front bool) (WriteID, error) {
	if _, ok := cmd.(ReadCommand); ok {
		return 0, fmt.Errorf("modbus: reads are issued with Request, not queued as writes")
	}
	if _, err := Encode(cmd, s.buffer); err != nil {
		return 0, err
	}
	s.nextID++
	e := writeEntry{id: s.nextID, cmd: cmd}
	if front {
		s.writes = append([]writeEntry{e}, s.writes...)
	} else {
		s.writes = append(s.writes, e)
	}
	return e.id, nil
}

// CancelWrite removes a queued write. It reports false when the write has
// already been sent or was never queued.
func (s *Stream) CancelWrite(id WriteID) bool {
	for i, e := range s.writes {
		if e.id == id {
			s.writes = append(s.writes[:i], s.writes[i+1:]...)
			return true
		}
	}
	return false
}

// Request queues a read of kind from motor id. Reads must address a single
// station; the broadcast id is rejected.
func (s *Stream) Request(id uint8, kind RequestKind) error {
	if id == BroadcastID {
		return fmt.Errorf("%w: %s read of broadcast id", ErrInvalidAddressing, kind)
	}
	if int(id) > MaxMotors {
		return fmt.Errorf("%w: %d", ErrInvalidMotorID, id)
	}
	if kind != RequestStatus && kind != RequestPosition {
		return fmt.Errorf("modbus: unknown request kind %d", int(kind))
	}
	r := NewPendingRequest(id, kind)
	r.SetTimeout(s.timeoutTicks)
	s.reads = append(s.reads, r)
	return nil
}

// PendingWrites returns the number of queued writes.
func (s *Stream) PendingWrites() int { return len(s.writes) }

// PendingReads returns the number of reads not yet resolved.
func (s *Stream) PendingReads() int { return len(s.reads) }

// Empty reports whether nothing is queued or in flight.
func (s *Stream) Empty() bool { return len(s.writes) == 0 && len(s.reads) == 0 }

// Update runs one scheduling step when the tick interval has elapsed.
func (s *Stream) Update() {
	if s.ticker.Tick() {
		s.Tick()
	}
}

// Tick runs one scheduling step immediately.
func (s *Stream) Tick() {
	if s.transport == nil || !s.transport.IsOpen() {
		return
	}
	switch {
	case len(s.reads) > 0 && !s.reads[0].Sent():
		head := s.reads[0]
		// A partial frame left from an earlier exchange would swallow the reply.
		s.parser.Clear()
		s.send(head.Frame())
		s.counters.inc(CntReadsSent)
		head.MarkSent()
	case len(s.reads) > 0:
		head := s.reads[0]
		if head.Timeout() {
			s.counters.inc(CntTimeout)
			s.logf("ERROR: modbus: %v: %s after %d ticks", ErrResponseTimeout, head, head.TicksWaited())
			s.finish(ReadResult{MotorID: head.MotorID, Kind: head.Kind, Err: ErrResponseTimeout})
		}
	case len(s.writes) > 0:
		e := s.writes[0]
		s.writes = s.writes[1:]
		f, err := Encode(e.cmd, s.buffer)
		if err != nil {
			s.counters.inc(CntWriteError)
			s.logf("ERROR: modbus: encode write %d: %v", e.id, err)
			break
		}
		s.send(f)
	}
	s.receive()
}

func (s *Stream) send(f Frame) {
	adu := f.Bytes()
	if err := s.transport.Write(adu); err != nil {
		s.counters.inc(CntWriteError)
		s.logf("ERROR: modbus: write %s: %v", f, err)
		return
	}
	s.counters.inc(CntFramesSent)
	s.logf("DEBUG: modbus rtu: sent % X", adu)
}

func (s *Stream) receive() {
	for s.transport.Available() > 0 {
		b, err := s.transport.ReadByte()
		if err != nil {
			break
		}
		s.parser.Feed(b)
	}
	for {
		r, ok := s.parser.Pop()
		if !ok {
			return
		}
		s.counters.inc(CntResponses)
		s.dispatch(r)
	}
}

// dispatch matches r against the head read. Anything the head does not
// claim is dropped.
func (s *Stream) dispatch(r Response) {
	if r.IsWriteEcho() {
		s.counters.inc(CntWriteEcho)
		s.logf("DEBUG: modbus: write echo from station %d: % X", r.Station, r.Data)
		return
	}
	var head *PendingRequest
	if len(s.reads) > 0 && s.reads[0].Sent() && s.reads[0].MotorID == r.Station {
		head = s.reads[0]
	}
	switch {
	case head != nil && r.IsException() && len(r.Data) == 1:
		s.counters.inc(CntException)
		merr := newModbusError(r.Function, r.Data[0])
		s.logf("WARNING: %v (station %d)", merr, r.Station)
		s.finish(ReadResult{MotorID: head.MotorID, Kind: head.Kind, Err: merr})
	case head != nil && r.Function == FuncCodeReadHoldingRegisters:
		v, err := DecodeValue32(r)
		if err != nil {
			s.unsolicited(r)
			return
		}
		s.finish(ReadResult{MotorID: head.MotorID, Kind: head.Kind, Value: v})
	default:
		s.unsolicited(r)
	}
}

func (s *Stream) unsolicited(r Response) {
	s.counters.inc(CntUnsolicited)
	s.logf("DEBUG: %v: station=%d func=%02X data=% X", ErrUnsolicitedResponse, r.Station, r.Function, r.Data)
}

// finish removes the head read and reports its outcome.
func (s *Stream) finish(res ReadResult) {
	s.reads[0] = nil
	s.reads = s.reads[1:]
	if s.onReadDone != nil {
		s.onReadDone(res)
	}
}

func (s *Stream) logf(format string, args ...interface{}) {
	if s.logger != nil {
		fmt.Fprintf(s.logger, format+"\n", args...)
	}
}
