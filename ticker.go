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

import "time"

// Clock is the wall-clock source the scheduler is paced by.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// DefaultInterval is the default scheduler period.
const DefaultInterval = 50 * time.Millisecond

// Ticker fires at most once per call to Tick when at least one interval
// has elapsed. After a stall the reference point advances by whole
// intervals, so missed periods are skipped rather than replayed and the
// phase does not drift.
type Ticker struct {
	clock    Clock
	interval time.Duration
	prev     time.Time
}

// NewTicker creates a ticker whose first period starts now.
func NewTicker(clock Clock, interval time.Duration) *Ticker {
	if clock == nil {
		clock = SystemClock{}
	}
	t := &Ticker{clock: clock, interval: interval}
	t.Reset()
	return t
}

// Tick reports whether a period boundary has been crossed since the last fire.
func (t *Ticker) Tick() bool {
	now := t.clock.Now()
	elapsed := now.Sub(t.prev)
	if t.interval <= 0 {
		t.prev = now
		return true
	}
	if elapsed < t.interval {
		return false
	}
	t.prev = t.prev.Add(elapsed / t.interval * t.interval)
	return true
}

// Reset starts a new period at the current time.
func (t *Ticker) Reset() {
	t.prev = t.clock.Now()
}

// Elapsed returns the time since the current period started.
func (t *Ticker) Elapsed() time.Duration {
	return t.clock.Now().Sub(t.prev)
}

// SetInterval changes the period length.
func (t *Ticker) SetInterval(interval time.Duration) {
	t.interval = interval
}

// Interval returns the period length.
func (t *Ticker) Interval() time.Duration {
	return t.interval
}
