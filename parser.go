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
)

// Response is one CRC-validated frame received from a station.
type Response struct {
	Station   uint8
	Function  uint8
	ByteCount uint8  // 0x03 only
	Data      []byte // register data, write echo (address+count) or exception code
	CRC       uint16
}

// IsException reports whether the station answered with an exception.
func (r Response) IsException() bool { return r.Function&exceptionFlag != 0 }

// IsWriteEcho reports whether r acknowledges a write-multiple-registers request.
func (r Response) IsWriteEcho() bool { return r.Function == FuncCodeWriteMultipleRegisters }

type parserState int

const (
	stateAddress parserState = iota
	stateFunction
	stateSize
	stateData
	stateCRC
)

// writeEchoSize is the body of a 0x10 reply: start address and register count.
const writeEchoSize = 4

// Parser reassembles response frames from a raw byte stream. A candidate
// frame that fails its checksum is dropped and the bytes after its first
// byte are scanned again, so a stray byte costs exactly that byte.
type Parser struct {
	state    parserState
	current  Response
	expected int
	crc      crcAccumulator
	crcCount int
	raw      []byte // bytes of the current candidate frame
	pending  []byte // bytes waiting to be scanned
	ready    []Response
	logger   io.Writer
	counters *Counters
}

// NewParser creates an idle parser.
func NewParser() *Parser {
	p := &Parser{}
	p.reset()
	return p
}

// SetLogger sets the sink for checksum diagnostics.
func (p *Parser) SetLogger(logger io.Writer) {
	p.logger = logger
}

func (p *Parser) setCounters(c *Counters) {
	p.counters = c
}

// Feed advances the state machine by one byte.
func (p *Parser) Feed(b byte) {
	p.pending = append(p.pending, b)
	for len(p.pending) > 0 {
		next := p.pending[0]
		p.pending = p.pending[1:]
		p.step(next)
	}
	p.pending = p.pending[:0]
}

func (p *Parser) step(b byte) {
	if p.state == stateAddress {
		p.reset()
	}
	p.raw = append(p.raw, b)
	switch p.state {
	case stateAddress:
		p.current.Station = b
		p.crc.push(b)
		p.state = stateFunction
	case stateFunction:
		p.current.Function = b
		p.crc.push(b)
		switch {
		case b&exceptionFlag != 0:
			p.expected = 1
			p.state = stateData
		case b == FuncCodeWriteMultipleRegisters:
			p.expected = writeEchoSize
			p.state = stateData
		default:
			p.state = stateSize
		}
	case stateSize:
		p.current.ByteCount = b
		p.expected = int(b)
		p.crc.push(b)
		if p.expected == 0 {
			p.state = stateCRC
		} else {
			p.state = stateData
		}
	case stateData:
		p.current.Data = append(p.current.Data, b)
		p.crc.push(b)
		if len(p.current.Data) >= p.expected {
			p.state = stateCRC
		}
	case stateCRC:
		if p.crcCount == 0 {
			p.current.CRC = uint16(b)
		} else {
			p.current.CRC |= uint16(b) << 8
		}
		p.crcCount++
		if p.crcCount >= 2 {
			p.complete()
		}
	default:
		p.reset()
	}
}

// FeedBytes feeds every byte of data in order.
func (p *Parser) FeedBytes(data []byte) {
	for _, b := range data {
		p.Feed(b)
	}
}

func (p *Parser) complete() {
	sum := p.crc.sum()
	if sum == p.current.CRC {
		p.ready = append(p.ready, p.current)
		p.reset()
		return
	}
	p.counters.inc(CntChecksumError)
	if p.logger != nil {
		fmt.Fprintf(p.logger, "ERROR: %v: station=%d func=%02X received=%04X calculated=%04X\n",
			ErrChecksumMismatch, p.current.Station, p.current.Function, p.current.CRC, sum)
	}
	rescan := make([]byte, 0, len(p.raw)-1+len(p.pending))
	rescan = append(rescan, p.raw[1:]...)
	rescan = append(rescan, p.pending...)
	p.pending = rescan
	p.reset()
}

// Available returns the number of completed frames awaiting retrieval.
func (p *Parser) Available() int {
	return len(p.ready)
}

// Pop removes and returns the oldest completed frame.
func (p *Parser) Pop() (Response, bool) {
	if len(p.ready) == 0 {
		return Response{}, false
	}
	r := p.ready[0]
	p.ready[0] = Response{}
	p.ready = p.ready[1:]
	return r, true
}

// Buffered returns the number of bytes held by a partially received frame.
func (p *Parser) Buffered() int {
	return len(p.raw)
}

// Clear drops any partially received frame. Completed frames are kept.
func (p *Parser) Clear() {
	p.reset()
}

func (p *Parser) reset() {
	p.current = Response{}
	p.expected = 0
	p.crc.reset()
	p.crcCount = 0
	p.raw = p.raw[:0]
	p.state = stateAddress
}
