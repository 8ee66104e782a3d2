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
	"sync"
	"sync/atomic"
	"time"
)

// Default pacing of the background poller.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultDriveStep    = time.Millisecond
)

// MotorSnapshot is the cached state of one motor.
type MotorSnapshot struct {
	ID        uint8
	Status    MotorStatus
	Position  int32 // last read position
	Commanded int32 // last commanded position
}

// OnSnapshotFunc is a callback type for pushing motor state after each poll round
type OnSnapshotFunc func([]MotorSnapshot)

// OnErrorFunc is a callback type for error reporting
type OnErrorFunc func(error)

// Poller drives a Controller from a goroutine: it calls Update every step
// and, every poll interval, queues a status and position read of every
// motor. A round is only queued once the previous one has drained.
type Poller struct {
	ctrl     *Controller
	interval time.Duration // 0 disables the periodic reads
	step     time.Duration
	kinds    []RequestKind

	onSnapshot atomic.Value // holds OnSnapshotFunc
	onError    atomic.Value // holds OnErrorFunc

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewPoller creates a poller for ctrl with the given read interval.
func NewPoller(ctrl *Controller, interval time.Duration) *Poller {
	return &Poller{
		ctrl:     ctrl,
		interval: interval,
		step:     DefaultDriveStep,
		kinds:    []RequestKind{RequestStatus, RequestPosition},
	}
}

// SetStep sets how often Update is called.
func (p *Poller) SetStep(step time.Duration) {
	if step <= 0 {
		step = DefaultDriveStep
	}
	p.step = step
}

// SetKinds selects which registers each round reads.
func (p *Poller) SetKinds(kinds ...RequestKind) {
	p.kinds = append([]RequestKind(nil), kinds...)
}

// SetOnSnapshot sets the callback for completed rounds
func (p *Poller) SetOnSnapshot(fn OnSnapshotFunc) {
	p.onSnapshot.Store(fn)
}

// SetOnError sets the callback for errors queueing a round
func (p *Poller) SetOnError(fn OnErrorFunc) {
	p.onError.Store(fn)
}

// Snapshot returns the cached state of every motor.
func (p *Poller) Snapshot() []MotorSnapshot {
	out := make([]MotorSnapshot, 0, p.ctrl.NumMotors())
	for i := 1; i <= p.ctrl.NumMotors(); i++ {
		id := uint8(i)
		out = append(out, MotorSnapshot{
			ID:        id,
			Status:    p.ctrl.Status(id),
			Position:  p.ctrl.Position(id),
			Commanded: p.ctrl.PositionBuffer(id),
		})
	}
	return out
}

// Round queues one read of every configured kind for every motor.
func (p *Poller) Round() error {
	for _, kind := range p.kinds {
		if err := p.ctrl.RequestAll(kind); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the polling goroutine.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("modbus: poller already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.run(p.stopCh)
	return nil
}

// Stop stops the polling goroutine and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) run(stopCh chan struct{}) {
	defer p.wg.Done()
	drive := time.NewTicker(p.step)
	defer drive.Stop()

	var poll <-chan time.Time
	if p.interval > 0 {
		t := time.NewTicker(p.interval)
		defer t.Stop()
		poll = t.C
	}
	inFlight := false
	for {
		select {
		case <-stopCh:
			return
		case <-drive.C:
			p.ctrl.Update()
			if inFlight && p.ctrl.PendingReads() == 0 {
				inFlight = false
				p.publish()
			}
		case <-poll:
			if inFlight || p.ctrl.PendingReads() > 0 {
				continue
			}
			if err := p.Round(); err != nil {
				p.fail(err)
				continue
			}
			inFlight = true
		}
	}
}

func (p *Poller) publish() {
	if cb, ok := p.onSnapshot.Load().(OnSnapshotFunc); ok && cb != nil {
		cb(p.Snapshot())
	}
}

func (p *Poller) fail(err error) {
	if cb, ok := p.onError.Load().(OnErrorFunc); ok && cb != nil {
		cb(err)
	}
}
