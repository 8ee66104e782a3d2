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
	"strings"
	"testing"
)

var (
	positionReply = []byte{0x01, 0x03, 0x04, 0x00, 0x00, 0x13, 0x88, 0xF7, 0x65}
	secondReply   = []byte{0x02, 0x03, 0x04, 0x00, 0x00, 0x80, 0xA0, 0xA8, 0x8B}
	exceptionRe   = []byte{0x01, 0x83, 0x02, 0xC0, 0xF1}
	writeEchoRe   = []byte{0x01, 0x10, 0x00, 0x7C, 0x00, 0x02, 0x80, 0x10}
	emptyReply    = []byte{0x01, 0x03, 0x00, 0x20, 0xF0}
)

func newTestParser() (*Parser, *Counters) {
	p := NewParser()
	c := &Counters{}
	p.setCounters(c)
	return p, c
}

func TestParserReadReply(t *testing.T) {
	p, _ := newTestParser()
	p.FeedBytes(positionReply)
	if p.Available() != 1 {
		t.Fatalf("Available() = %d, want 1", p.Available())
	}
	r, ok := p.Pop()
	if !ok {
		t.Fatal("Pop() returned nothing")
	}
	if r.Station != 1 || r.Function != 0x03 || r.ByteCount != 4 {
		t.Errorf("unexpected header %+v", r)
	}
	assertBytesEqual(t, []byte{0x00, 0x00, 0x13, 0x88}, r.Data)
	if r.CRC != 0x65F7 {
		t.Errorf("CRC = %#04x, want 0x65f7", r.CRC)
	}
	if _, ok := p.Pop(); ok {
		t.Error("second Pop() should be empty")
	}
	if p.Buffered() != 0 {
		t.Errorf("Buffered() = %d after a complete frame", p.Buffered())
	}
}

func TestParserFunctionAwareFraming(t *testing.T) {
	tests := []struct {
		name      string
		input     []byte
		function  uint8
		data      []byte
		exception bool
		echo      bool
	}{
		{"exception", exceptionRe, 0x83, []byte{0x02}, true, false},
		{"write echo", writeEchoRe, 0x10, []byte{0x00, 0x7C, 0x00, 0x02}, false, true},
		{"zero byte count", emptyReply, 0x03, nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, c := newTestParser()
			p.FeedBytes(tt.input)
			r, ok := p.Pop()
			if !ok {
				t.Fatalf("no response parsed from % X", tt.input)
			}
			if r.Function != tt.function || !bytes.Equal(r.Data, tt.data) {
				t.Errorf("got func %02X data % X", r.Function, r.Data)
			}
			if r.IsException() != tt.exception || r.IsWriteEcho() != tt.echo {
				t.Errorf("IsException=%v IsWriteEcho=%v", r.IsException(), r.IsWriteEcho())
			}
			if c.Get(CntChecksumError) != 0 {
				t.Errorf("unexpected checksum errors: %d", c.Get(CntChecksumError))
			}
		})
	}
}

func TestParserResynchronizesAfterNoise(t *testing.T) {
	noises := [][]byte{
		{0xFF},
		{0x00},
		{0x01},
		{0x55, 0xAA},
		{0x01, 0x03},
	}
	for _, noise := range noises {
		p, c := newTestParser()
		var stream []byte
		stream = append(stream, positionReply...)
		stream = append(stream, noise...)
		stream = append(stream, secondReply...)
		p.FeedBytes(stream)

		if p.Available() != 2 {
			t.Fatalf("noise % X: Available() = %d, want 2", noise, p.Available())
		}
		first, _ := p.Pop()
		second, _ := p.Pop()
		if first.Station != 1 || second.Station != 2 {
			t.Errorf("noise % X: stations %d, %d", noise, first.Station, second.Station)
		}
		assertBytesEqual(t, []byte{0x00, 0x00, 0x80, 0xA0}, second.Data)
		if c.Get(CntChecksumError) == 0 {
			t.Errorf("noise % X: checksum error not counted", noise)
		}
	}
}

func TestParserDropsBadChecksum(t *testing.T) {
	var log bytes.Buffer
	p, c := newTestParser()
	p.SetLogger(&log)

	bad := append([]byte(nil), positionReply...)
	bad[len(bad)-1] ^= 0xFF
	p.FeedBytes(bad)
	if p.Available() != 0 {
		t.Fatalf("corrupted frame was accepted")
	}
	if c.Get(CntChecksumError) == 0 {
		t.Error("checksum error not counted")
	}
	if !strings.Contains(log.String(), "ERROR:") || !strings.Contains(log.String(), "checksum") {
		t.Errorf("checksum error not logged: %q", log.String())
	}

	p.Clear()
	if p.Buffered() != 0 {
		t.Errorf("Buffered() = %d after Clear", p.Buffered())
	}
	p.FeedBytes(secondReply)
	if r, ok := p.Pop(); !ok || r.Station != 2 {
		t.Errorf("frame after Clear not parsed: %+v %v", r, ok)
	}
}

func TestParserByteAtATime(t *testing.T) {
	p, _ := newTestParser()
	input := append(append([]byte(nil), positionReply...), writeEchoRe...)
	for i, b := range input {
		p.Feed(b)
		want := 0
		if i >= len(positionReply)-1 {
			want = 1
		}
		if i == len(input)-1 {
			want = 2
		}
		if p.Available() != want {
			t.Fatalf("after byte %d: Available() = %d, want %d", i, p.Available(), want)
		}
	}
}

func TestParserPartialFrameStaysBuffered(t *testing.T) {
	p, _ := newTestParser()
	p.FeedBytes(positionReply[:5])
	if p.Available() != 0 {
		t.Fatal("partial frame produced a response")
	}
	if p.Buffered() != 5 {
		t.Errorf("Buffered() = %d, want 5", p.Buffered())
	}
	p.FeedBytes(positionReply[5:])
	if p.Available() != 1 {
		t.Errorf("completed frame not available")
	}
}
