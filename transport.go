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
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Transport is the byte channel the scheduler drives. Available and
// ReadByte never block; they only see bytes that have already arrived.
type Transport interface {
	Open(cfg PortConfig) error
	IsOpen() bool
	Available() int
	ReadByte() (byte, error)
	Write(p []byte) error
	Close() error
}

// PortConfig carries the serial line settings through to the driver.
type PortConfig struct {
	Address     string
	BaudRate    int
	DataBits    int
	Parity      string // "N", "E" or "O"
	StopBits    int
	ReadTimeout time.Duration
}

// DefaultPortConfig returns the line settings the drivers ship with.
func DefaultPortConfig(address string) PortConfig {
	return PortConfig{
		Address:     address,
		BaudRate:    230400,
		DataBits:    8,
		Parity:      "E",
		StopBits:    2,
		ReadTimeout: 10 * time.Millisecond,
	}
}

func (c PortConfig) String() string {
	return fmt.Sprintf("%s %d %d%s%d", c.Address, c.BaudRate, c.DataBits, c.Parity, c.StopBits)
}

// PortOpener opens a serial port. Read on the returned port should return
// after ReadTimeout even when no data arrived.
type PortOpener func(cfg PortConfig) (io.ReadWriteCloser, error)

const rxChunkSize = 256

// A read that returns EOF with no data faster than hangupWindow counts as a
// hangup. The port is closed after maxHangupReads of them in a row.
const (
	hangupWindow   = time.Millisecond
	hangupBackoff  = time.Millisecond
	maxHangupReads = 100
)

// SerialTransport adapts a blocking io.ReadWriteCloser to Transport.
// A reader goroutine moves received bytes into an internal buffer.
type SerialTransport struct {
	opener PortOpener
	logger io.Writer

	mu   sync.Mutex
	port io.ReadWriteCloser
	rx   []byte
	err  error
	done chan struct{}
}

// NewSerialTransport creates a closed transport that opens ports with opener.
func NewSerialTransport(opener PortOpener) *SerialTransport {
	return &SerialTransport{opener: opener}
}

// SetLogger sets the logger for the transport.
func (t *SerialTransport) SetLogger(logger io.Writer) {
	t.logger = logger
}

// Open opens the port and starts the reader. Any open port is closed first.
func (t *SerialTransport) Open(cfg PortConfig) error {
	if t.opener == nil {
		return fmt.Errorf("modbus: no serial driver")
	}
	_ = t.Close()
	port, err := t.opener(cfg)
	if err != nil {
		t.logf("ERROR: open %s: %v", cfg, err)
		return fmt.Errorf("modbus: open %s: %w", cfg.Address, err)
	}
	done := make(chan struct{})
	t.mu.Lock()
	t.port = port
	t.rx = t.rx[:0]
	t.err = nil
	t.done = done
	t.mu.Unlock()
	go t.readLoop(port, done)
	t.logf("INFO: opened %s", cfg)
	return nil
}

func (t *SerialTransport) readLoop(port io.ReadWriteCloser, done chan struct{}) {
	defer close(done)
	chunk := make([]byte, rxChunkSize)
	hangups := 0
	for {
		start := time.Now()
		n, err := port.Read(chunk)
		fastEOF := n == 0 && errors.Is(err, io.EOF) && time.Since(start) < hangupWindow
		if fastEOF {
			hangups++
		} else {
			hangups = 0
		}
		if hangups >= maxHangupReads {
			err = ErrHangup
		}
		t.mu.Lock()
		if t.port != port {
			t.mu.Unlock()
			return
		}
		if n > 0 {
			t.rx = append(t.rx, chunk[:n]...)
		}
		if err != nil && !isReadTimeout(err) {
			t.err = err
			t.port = nil
			t.mu.Unlock()
			_ = port.Close()
			t.logf("ERROR: serial read: %v", err)
			return
		}
		t.mu.Unlock()
		if fastEOF {
			time.Sleep(hangupBackoff)
		}
	}
}

// isReadTimeout reports whether err only means no byte arrived in time.
func isReadTimeout(err error) bool {
	if errors.Is(err, io.EOF) || os.IsTimeout(err) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// IsOpen reports whether the port is open.
func (t *SerialTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// Err returns the error that closed the port, if any.
func (t *SerialTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Available returns the number of received bytes not yet read.
func (t *SerialTransport) Available() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rx)
}

// ReadByte returns the oldest received byte.
func (t *SerialTransport) ReadByte() (byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.rx) == 0 {
		return 0, io.EOF
	}
	b := t.rx[0]
	t.rx = t.rx[1:]
	return b, nil
}

// Write sends p in full.
func (t *SerialTransport) Write(p []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return ErrNotOpen
	}
	written := 0
	for written < len(p) {
		n, err := port.Write(p[written:])
		if err != nil {
			return fmt.Errorf("write failed after %d bytes: %w", written, err)
		}
		written += n
	}
	return nil
}

// Close closes the port and waits for the reader to exit.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	port, done := t.port, t.done
	t.port = nil
	t.done = nil
	t.mu.Unlock()
	if port == nil {
		return nil
	}
	err := port.Close()
	if done != nil {
		<-done
	}
	return err
}

func (t *SerialTransport) logf(format string, args ...interface{}) {
	if t.logger != nil {
		fmt.Fprintf(t.logger, format+"\n", args...)
	}
}

// Serial driver names accepted by OpenerFor.
const (
	DriverGoserial = "goserial"
	DriverBugst    = "bugst"
	DriverTarm     = "tarm"
)

// OpenerFor returns the PortOpener of the named serial driver.
func OpenerFor(driver string) (PortOpener, error) {
	switch strings.ToLower(driver) {
	case "", DriverGoserial:
		return openGoserial, nil
	case DriverBugst:
		return openBugst, nil
	case DriverTarm:
		return openTarm, nil
	default:
		return nil, fmt.Errorf("modbus: unknown serial driver %q", driver)
	}
}
