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
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

// mockTransport records written frames and serves queued reply bytes.
type mockTransport struct {
	open     bool
	sent     [][]byte
	rx       []byte
	writeErr error
	// reply, when set, is called for every written frame and its result
	// is queued as if the drive answered immediately.
	reply func(frame []byte) []byte
}

func newMockTransport() *mockTransport {
	return &mockTransport{open: true}
}

func (m *mockTransport) Open(PortConfig) error { m.open = true; return nil }
func (m *mockTransport) IsOpen() bool          { return m.open }
func (m *mockTransport) Available() int        { return len(m.rx) }
func (m *mockTransport) Close() error          { m.open = false; return nil }

func (m *mockTransport) ReadByte() (byte, error) {
	if len(m.rx) == 0 {
		return 0, errors.New("empty")
	}
	b := m.rx[0]
	m.rx = m.rx[1:]
	return b, nil
}

func (m *mockTransport) Write(p []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.sent = append(m.sent, append([]byte(nil), p...))
	if m.reply != nil {
		m.rx = append(m.rx, m.reply(p)...)
	}
	return nil
}

func (m *mockTransport) inject(b []byte) {
	m.rx = append(m.rx, b...)
}

type readLog struct {
	results []ReadResult
}

func (l *readLog) record(r ReadResult) { l.results = append(l.results, r) }

func newTestStream(t *testing.T) (*Stream, *mockTransport, *readLog) {
	t.Helper()
	m := newMockTransport()
	s := NewStream(m, nil, newFakeClock())
	log := &readLog{}
	s.OnReadDone(log.record)
	return s, m, log
}

func encoded(t *testing.T, cmd Command, buf *RegisterBuffer) []byte {
	t.Helper()
	f, err := Encode(cmd, buf)
	assertNoError(t, err)
	return f.Bytes()
}

func TestStreamIdleWhenClosed(t *testing.T) {
	s, m, _ := newTestStream(t)
	m.open = false
	_, err := s.Push(RemoteIOCommand{Station: 1, Op: OpStart})
	assertNoError(t, err)
	assertNoError(t, s.Request(1, RequestStatus))
	for i := 0; i < 5; i++ {
		s.Tick()
	}
	if len(m.sent) != 0 {
		t.Errorf("closed transport received %d frames", len(m.sent))
	}
	if s.PendingWrites() != 1 || s.PendingReads() != 1 {
		t.Errorf("queues changed while closed: %d writes, %d reads", s.PendingWrites(), s.PendingReads())
	}
}

func TestStreamReadTimeoutHoldsWrites(t *testing.T) {
	s, m, log := newTestStream(t)
	_, err := s.Push(RemoteIOCommand{Station: 1, Op: OpStart})
	assertNoError(t, err)
	assertNoError(t, s.Request(1, RequestPosition))

	// read, three waiting ticks (the third expires it), then the write
	wantSent := []int{1, 1, 1, 1, 2}
	for i, want := range wantSent {
		s.Tick()
		if len(m.sent) != want {
			t.Fatalf("tick %d: %d frames sent, want %d", i+1, len(m.sent), want)
		}
	}
	assertBytesEqual(t, encoded(t, ReadCommand{Station: 1, Kind: RequestPosition}, nil), m.sent[0])
	assertBytesEqual(t, encoded(t, RemoteIOCommand{Station: 1, Op: OpStart}, nil), m.sent[1])

	if len(log.results) != 1 {
		t.Fatalf("%d read results, want 1", len(log.results))
	}
	assertErrorIs(t, log.results[0].Err, ErrResponseTimeout)
	if s.Counters().Get(CntTimeout) != 1 {
		t.Errorf("timeouts = %d", s.Counters().Get(CntTimeout))
	}
	if !s.Empty() {
		t.Error("stream should be empty")
	}
}

func TestStreamCustomTimeout(t *testing.T) {
	s, m, log := newTestStream(t)
	s.SetTimeoutTicks(1)
	assertNoError(t, s.Request(1, RequestStatus))
	s.Tick()
	s.Tick()
	if len(log.results) != 1 || len(m.sent) != 1 {
		t.Errorf("one-tick timeout: %d results, %d frames", len(log.results), len(m.sent))
	}
}

func TestStreamPositionRead(t *testing.T) {
	s, m, log := newTestStream(t)
	m.reply = func(frame []byte) []byte {
		if frame[1] == FuncCodeReadHoldingRegisters {
			return positionReply
		}
		return nil
	}
	assertNoError(t, s.Request(1, RequestPosition))
	_, err := s.Push(RemoteIOCommand{Station: 1, Op: OpStart})
	assertNoError(t, err)

	s.Tick()
	if len(log.results) != 1 {
		t.Fatalf("read not resolved in the tick it was answered")
	}
	r := log.results[0]
	if r.Err != nil || r.MotorID != 1 || r.Kind != RequestPosition || r.Value != 5000 {
		t.Errorf("unexpected result %+v", r)
	}

	s.Tick()
	if len(m.sent) != 2 {
		t.Fatalf("write not sent after the read resolved")
	}

	m.inject(positionReply)
	s.Tick()
	if len(log.results) != 1 {
		t.Errorf("repeated reply resolved another read")
	}
	if s.Counters().Get(CntUnsolicited) != 1 {
		t.Errorf("unsolicited = %d, want 1", s.Counters().Get(CntUnsolicited))
	}
}

func TestStreamDispatch(t *testing.T) {
	tests := []struct {
		name     string
		reply    []byte
		resolved bool
		counter  Counter
	}{
		{"exception resolves the head", exceptionRe, true, CntException},
		{"write echo is dropped", writeEchoRe, false, CntWriteEcho},
		{"other station is unsolicited", secondReply, false, CntUnsolicited},
		{"short read is unsolicited", emptyReply, false, CntUnsolicited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, m, log := newTestStream(t)
			assertNoError(t, s.Request(1, RequestStatus))
			s.Tick()
			m.inject(tt.reply)
			s.Tick()
			if got := len(log.results) == 1; got != tt.resolved {
				t.Fatalf("resolved = %v, want %v", got, tt.resolved)
			}
			if s.Counters().Get(tt.counter) != 1 {
				t.Errorf("%s = %d, want 1", tt.counter, s.Counters().Get(tt.counter))
			}
			if !tt.resolved && s.PendingReads() != 1 {
				t.Errorf("head read was dropped")
			}
		})
	}
}

func TestStreamStaleFragmentDoesNotBlockNextRead(t *testing.T) {
	tests := []struct {
		name     string
		fragment []byte
	}{
		{"large byte count", []byte{0x01, 0x03, 0xFA, 0x00}},
		{"maximum byte count", []byte{0x01, 0x03, 0xFF}},
		{"exception header", []byte{0x01, 0x83}},
		{"lone station byte", []byte{0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, m, log := newTestStream(t)
			assertNoError(t, s.Request(1, RequestPosition))
			s.Tick()
			m.inject(tt.fragment)
			for i := 0; i < 3; i++ {
				s.Tick()
			}
			if len(log.results) != 1 {
				t.Fatalf("%d results after the fragment, want the timeout", len(log.results))
			}
			assertErrorIs(t, log.results[0].Err, ErrResponseTimeout)

			for round := 1; round <= 3; round++ {
				assertNoError(t, s.Request(1, RequestPosition))
				s.Tick()
				m.inject(positionReply)
				s.Tick()
				if len(log.results) != round+1 {
					t.Fatalf("round %d: reply did not resolve its read", round)
				}
				if r := log.results[round]; r.Err != nil || r.Value != 5000 {
					t.Fatalf("round %d: unexpected result %+v", round, r)
				}
			}
			if s.parser.Buffered() != 0 {
				t.Errorf("parser still holds %d bytes", s.parser.Buffered())
			}
		})
	}
}

func TestStreamExceptionResult(t *testing.T) {
	s, m, log := newTestStream(t)
	assertNoError(t, s.Request(1, RequestPosition))
	s.Tick()
	m.inject(exceptionRe)
	s.Tick()
	if len(log.results) != 1 {
		t.Fatal("exception did not resolve the read")
	}
	var merr *ModbusError
	if !errors.As(log.results[0].Err, &merr) {
		t.Fatalf("Err = %v, want *ModbusError", log.results[0].Err)
	}
	if merr.FunctionCode != 0x03 || merr.ExceptionCode != 0x02 {
		t.Errorf("unexpected exception %+v", merr)
	}
}

func TestStreamCancelAndUrgentStop(t *testing.T) {
	s, m, _ := newTestStream(t)
	first, err := s.Push(RemoteIOCommand{Station: 1, Op: OpFree})
	assertNoError(t, err)
	second, err := s.Push(JogStepsCommand{Station: 1, Steps: 300})
	assertNoError(t, err)
	_, err = s.Push(RemoteIOCommand{Station: 1, Op: OpReset})
	assertNoError(t, err)
	if first == second {
		t.Fatal("write ids must be unique")
	}

	if !s.CancelWrite(second) {
		t.Fatal("CancelWrite returned false for a queued write")
	}
	if s.CancelWrite(second) {
		t.Error("second CancelWrite of the same id should fail")
	}
	_, err = s.PushFront(RemoteIOCommand{Station: BroadcastID, Op: OpStop})
	assertNoError(t, err)

	for s.PendingWrites() > 0 {
		s.Tick()
	}
	want := [][]byte{
		encoded(t, RemoteIOCommand{Station: BroadcastID, Op: OpStop}, nil),
		encoded(t, RemoteIOCommand{Station: 1, Op: OpFree}, nil),
		encoded(t, RemoteIOCommand{Station: 1, Op: OpReset}, nil),
	}
	if len(m.sent) != len(want) {
		t.Fatalf("%d frames sent, want %d", len(m.sent), len(want))
	}
	for i := range want {
		assertBytesEqual(t, want[i], m.sent[i])
	}
}

func TestStreamRejectsBadRequests(t *testing.T) {
	s, _, _ := newTestStream(t)
	assertErrorIs(t, s.Request(BroadcastID, RequestStatus), ErrInvalidAddressing)
	assertErrorIs(t, s.Request(60, RequestStatus), ErrInvalidMotorID)
	if err := s.Request(1, RequestKind(7)); err == nil {
		t.Error("unknown request kind accepted")
	}
	if _, err := s.Push(ReadCommand{Station: 1, Kind: RequestStatus}); err == nil {
		t.Error("read command accepted as a write")
	}
	if !s.Empty() {
		t.Error("rejected requests were queued")
	}
}

func TestStreamEncodesBatchAtSendTime(t *testing.T) {
	s, m, _ := newTestStream(t)
	_, err := s.Push(BatchWriteCommand{Station: BroadcastID, Kind: KindPosition})
	assertNoError(t, err)
	assertNoError(t, s.Buffer().Set(KindPosition, 2, 777))
	s.Tick()
	if len(m.sent) != 1 {
		t.Fatal("batch not sent")
	}
	assertBytesEqual(t, encoded(t, BatchWriteCommand{Station: BroadcastID, Kind: KindPosition}, s.Buffer()), m.sent[0])
	if !bytes.Contains(m.sent[0], []byte{0x00, 0x00, 0x03, 0x09}) {
		t.Errorf("staged value missing from % X", m.sent[0])
	}
}

func TestStreamWriteErrorDropsFrame(t *testing.T) {
	s, m, _ := newTestStream(t)
	var logBuf bytes.Buffer
	s.SetLogger(&logBuf)
	m.writeErr = errors.New("line down")
	_, err := s.Push(RemoteIOCommand{Station: 1, Op: OpStart})
	assertNoError(t, err)
	s.Tick()
	if s.Counters().Get(CntWriteError) != 1 || s.PendingWrites() != 0 {
		t.Errorf("write error not handled: %s", s.Counters())
	}
	if !strings.Contains(logBuf.String(), "ERROR:") {
		t.Errorf("write error not logged: %q", logBuf.String())
	}
}

func TestStreamUpdateFollowsClock(t *testing.T) {
	m := newMockTransport()
	clock := newFakeClock()
	s := NewStream(m, nil, clock)
	s.SetInterval(50 * time.Millisecond)
	for i := 0; i < 3; i++ {
		_, err := s.Push(RemoteIOCommand{Station: 1, Op: OpClear})
		assertNoError(t, err)
	}

	s.Update()
	if len(m.sent) != 0 {
		t.Fatal("Update sent before the interval elapsed")
	}
	clock.Advance(50 * time.Millisecond)
	s.Update()
	s.Update()
	if len(m.sent) != 1 {
		t.Fatalf("%d frames after one interval, want 1", len(m.sent))
	}
	clock.Advance(500 * time.Millisecond)
	s.Update()
	if len(m.sent) != 2 {
		t.Errorf("late Update sent %d frames, want one per call", len(m.sent)-1)
	}
}
