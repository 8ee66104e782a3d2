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
	"strings"
	"sync"
)

// Counter identifies one bus statistic.
type Counter int

const (
	CntFramesSent Counter = iota
	CntReadsSent
	CntResponses
	CntChecksumError
	CntTimeout
	CntUnsolicited
	CntException
	CntWriteEcho
	CntWriteError

	CntNum = iota
)

func (c Counter) String() string {
	switch c {
	case CntFramesSent:
		return "frames_sent"
	case CntReadsSent:
		return "reads_sent"
	case CntResponses:
		return "responses"
	case CntChecksumError:
		return "checksum_errors"
	case CntTimeout:
		return "timeouts"
	case CntUnsolicited:
		return "unsolicited"
	case CntException:
		return "exceptions"
	case CntWriteEcho:
		return "write_echoes"
	case CntWriteError:
		return "write_errors"
	default:
		return fmt.Sprintf("Counter(%d)", int(c))
	}
}

// Counters accumulates bus statistics. A nil *Counters ignores updates.
type Counters struct {
	mu sync.Mutex
	ca [CntNum]uint64
}

func (c *Counters) inc(cnt Counter) {
	if c == nil || cnt < 0 || cnt >= CntNum {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ca[cnt]++
}

// Get returns the current value of cnt.
func (c *Counters) Get(cnt Counter) uint64 {
	if c == nil || cnt < 0 || cnt >= CntNum {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ca[cnt]
}

// GetAll returns a snapshot of every counter, indexed by Counter.
func (c *Counters) GetAll() []uint64 {
	r := make([]uint64, CntNum)
	if c == nil {
		return r
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(r, c.ca[:])
	return r
}

// Reset zeroes every counter.
func (c *Counters) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ca = [CntNum]uint64{}
}

func (c *Counters) String() string {
	all := c.GetAll()
	parts := make([]string, 0, len(all))
	for i, v := range all {
		parts = append(parts, fmt.Sprintf("%s=%d", Counter(i), v))
	}
	return strings.Join(parts, " ")
}
