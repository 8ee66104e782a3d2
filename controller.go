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
	"math"
	"sync"
	"time"
)

// MotionLimits bounds staged values and drives the motion planner.
type MotionLimits struct {
	VelocityLimit     float64 // |average velocity| of a planned move must stay below this
	MaxVelocity       int32   // device velocity range, also the triangle peak
	AccelerationLimit uint32
	LowSpeedThreshold float64 // at or below this a planned move runs at constant speed
	CurrentLimit      uint32
}

// DefaultMotionLimits returns the AZ series limits.
func DefaultMotionLimits() MotionLimits {
	return MotionLimits{
		VelocityLimit:     20000,
		MaxVelocity:       4000000,
		AccelerationLimit: 1000000000,
		LowSpeedThreshold: 500,
		CurrentLimit:      DefaultDirectCurrent,
	}
}

// Validate checks that the limits are usable.
func (l MotionLimits) Validate() error {
	if l.VelocityLimit <= 0 {
		return fmt.Errorf("modbus: velocity limit must be positive, got %v", l.VelocityLimit)
	}
	if l.MaxVelocity <= 0 {
		return fmt.Errorf("modbus: max velocity must be positive, got %d", l.MaxVelocity)
	}
	if l.AccelerationLimit == 0 {
		return fmt.Errorf("modbus: acceleration limit must be positive")
	}
	if l.LowSpeedThreshold < 0 {
		return fmt.Errorf("modbus: low speed threshold must not be negative, got %v", l.LowSpeedThreshold)
	}
	return nil
}

// Controller drives up to MaxMotors drivers sharing one line. All methods
// are safe for concurrent use; Update must be called periodically.
type Controller struct {
	mu        sync.Mutex
	transport Transport
	stream    *Stream
	buffer    *RegisterBuffer
	motors    int
	limits    MotionLimits
	status    [BatchSlots]MotorStatus
	readPos   [BatchSlots]int32
	wrotePos  [BatchSlots]int32
	slots     [BatchSlots]uint8 // batch slot of each motor
	logger    io.Writer
}

// NewController creates a controller for motors 1..motors on transport.
func NewController(transport Transport, motors int, clock Clock) (*Controller, error) {
	if motors < 1 || motors > MaxMotors {
		return nil, fmt.Errorf("%w: %d motors (want 1..%d)", ErrInvalidMotorID, motors, MaxMotors)
	}
	c := &Controller{
		transport: transport,
		buffer:    NewRegisterBuffer(),
		motors:    motors,
		limits:    DefaultMotionLimits(),
	}
	c.stream = NewStream(transport, c.buffer, clock)
	c.stream.OnReadDone(c.applyRead)
	for i := range c.status {
		c.status[i] = UnknownStatus()
		c.slots[i] = uint8(i)
	}
	return c, nil
}

// SetLogger sets the logger for the controller and its scheduler.
func (c *Controller) SetLogger(logger io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
	c.stream.SetLogger(logger)
}

// SetInterval changes the scheduler period.
func (c *Controller) SetInterval(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream.SetInterval(interval)
}

// SetTimeoutTicks sets how many ticks a read waits for its reply.
func (c *Controller) SetTimeoutTicks(ticks uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream.SetTimeoutTicks(ticks)
}

// SetLimits replaces the motion limits.
func (c *Controller) SetLimits(l MotionLimits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = l
	return nil
}

// Limits returns the motion limits.
func (c *Controller) Limits() MotionLimits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// SetVelocityLimit sets the bound on the average velocity of planned moves.
func (c *Controller) SetVelocityLimit(v float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.limits
	l.VelocityLimit = v
	if err := l.Validate(); err != nil {
		return err
	}
	c.limits = l
	return nil
}

// NumMotors returns the number of motors on the line.
func (c *Controller) NumMotors() int { return c.motors }

// Open opens the transport.
func (c *Controller) Open(cfg PortConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.Open(cfg)
}

// Close closes the transport. Queued traffic is kept.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.Close()
}

// IsOpen reports whether the transport is open.
func (c *Controller) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.IsOpen()
}

// Update advances the scheduler when its interval has elapsed.
func (c *Controller) Update() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream.Update()
}

// Tick advances the scheduler by one step regardless of the interval.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream.Tick()
}

// applyRead runs inside Update with c.mu held.
func (c *Controller) applyRead(res ReadResult) {
	if res.Err != nil {
		return
	}
	switch res.Kind {
	case RequestStatus:
		c.status[res.MotorID] = DecodeStatus(res.Value)
	case RequestPosition:
		p := int32(res.Value)
		c.readPos[res.MotorID] = p
		c.wrotePos[res.MotorID] = p
	}
}

// checkID accepts the broadcast id and motors 1..N.
func (c *Controller) checkID(id uint8) error {
	if int(id) > c.motors {
		return fmt.Errorf("%w: %d (want 0..%d)", ErrInvalidMotorID, id, c.motors)
	}
	return nil
}

// targets expands the broadcast id into every motor.
func (c *Controller) targets(id uint8) ([]uint8, error) {
	if err := c.checkID(id); err != nil {
		return nil, err
	}
	if id != BroadcastID {
		return []uint8{id}, nil
	}
	ids := make([]uint8, 0, c.motors)
	for i := 1; i <= c.motors; i++ {
		ids = append(ids, uint8(i))
	}
	return ids, nil
}

// Request queues a read of kind from motor id.
func (c *Controller) Request(kind RequestKind, id uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != BroadcastID {
		if err := c.checkID(id); err != nil {
			return err
		}
	}
	return c.stream.Request(id, kind)
}

// RequestAll queues a read of kind from every motor.
func (c *Controller) RequestAll(kind RequestKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 1; i <= c.motors; i++ {
		if err := c.stream.Request(uint8(i), kind); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) push(cmd Command) (WriteID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkID(cmd.station()); err != nil {
		return 0, err
	}
	return c.stream.Push(cmd)
}

// Stop halts motion. It is sent ahead of every queued write.
func (c *Controller) Stop(id uint8) (WriteID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkID(id); err != nil {
		return 0, err
	}
	return c.stream.PushFront(RemoteIOCommand{Station: id, Op: OpStop})
}

// Free releases the motor excitation.
func (c *Controller) Free(id uint8) (WriteID, error) {
	return c.push(RemoteIOCommand{Station: id, Op: OpFree})
}

// Reset clears the alarm.
func (c *Controller) Reset(id uint8) (WriteID, error) {
	return c.push(RemoteIOCommand{Station: id, Op: OpReset})
}

// Start triggers the move described by the written batch values.
func (c *Controller) Start(id uint8) (WriteID, error) {
	return c.push(RemoteIOCommand{Station: id, Op: OpStart})
}

// Clear zeroes the remote-IO bits. It must follow Start before the next move.
func (c *Controller) Clear(id uint8) (WriteID, error) {
	return c.push(RemoteIOCommand{Station: id, Op: OpClear})
}

// Home starts a return-to-home operation.
func (c *Controller) Home(id uint8) (WriteID, error) {
	return c.push(RemoteIOCommand{Station: id, Op: OpHome})
}

// Forward jogs forward by the configured jog steps.
func (c *Controller) Forward(id uint8) (WriteID, error) {
	return c.push(RemoteIOCommand{Station: id, Op: OpJogForward})
}

// Backward jogs backward by the configured jog steps.
func (c *Controller) Backward(id uint8) (WriteID, error) {
	return c.push(RemoteIOCommand{Station: id, Op: OpJogBackward})
}

// SelectSlot tells motor id which window of a batch frame is its own.
// Values staged for the motor afterwards go to that slot.
func (c *Controller) SelectSlot(id, slot uint8) (WriteID, error) {
	if slot == 0 || int(slot) > MaxMotors {
		return 0, fmt.Errorf("%w: slot %d (want 1..%d)", ErrInvalidMotorID, slot, MaxMotors)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, err := c.targets(id)
	if err != nil {
		return 0, err
	}
	wid, err := c.stream.Push(NetSelectCommand{Station: id, Slot: slot})
	if err != nil {
		return 0, err
	}
	for _, i := range ids {
		c.slots[i] = slot
	}
	return wid, nil
}

// Slot returns the batch slot motor id reads from.
func (c *Controller) Slot(id uint8) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) >= BatchSlots {
		return 0
	}
	return c.slots[id]
}

// SetJogSteps sets the travel of one jog.
func (c *Controller) SetJogSteps(id uint8, steps uint32) (WriteID, error) {
	return c.push(JogStepsCommand{Station: id, Steps: steps})
}

// SetJogSpeed sets the jog speed.
func (c *Controller) SetJogSpeed(id uint8, speed uint32) (WriteID, error) {
	return c.push(JogSpeedCommand{Station: id, Speed: speed})
}

// SetOrigin sets the origin offset.
func (c *Controller) SetOrigin(id uint8, offset int32) (WriteID, error) {
	return c.push(OriginCommand{Station: id, Offset: offset})
}

// Direct queues an absolute move with the default mode, current and trigger.
func (c *Controller) Direct(id uint8, position, velocity int32, acceleration, deceleration uint32) (WriteID, error) {
	cmd := NewDirectDrive(id)
	cmd.Position = position
	cmd.Velocity = velocity
	cmd.Acceleration = acceleration
	cmd.Deceleration = deceleration
	return c.DirectDrive(cmd)
}

// DirectDrive queues a fully specified absolute move.
func (c *Controller) DirectDrive(cmd DirectDriveCommand) (WriteID, error) {
	l := c.Limits()
	if err := checkVelocity(l, cmd.Velocity); err != nil {
		return 0, err
	}
	if err := checkAcceleration(l, cmd.Acceleration); err != nil {
		return 0, err
	}
	if err := checkAcceleration(l, cmd.Deceleration); err != nil {
		return 0, err
	}
	if err := checkCurrent(l, uint32(cmd.Current)); err != nil {
		return 0, err
	}
	return c.push(cmd)
}

func checkVelocity(l MotionLimits, v int32) error {
	if v > l.MaxVelocity || v < -l.MaxVelocity {
		return fmt.Errorf("%w: velocity %d outside ±%d", ErrOutOfRange, v, l.MaxVelocity)
	}
	return nil
}

func checkAcceleration(l MotionLimits, a uint32) error {
	if a > l.AccelerationLimit {
		return fmt.Errorf("%w: acceleration %d above %d", ErrOutOfRange, a, l.AccelerationLimit)
	}
	return nil
}

func checkCurrent(l MotionLimits, v uint32) error {
	if v > l.CurrentLimit {
		return fmt.Errorf("%w: current %d above %d", ErrOutOfRange, v, l.CurrentLimit)
	}
	return nil
}

// stage writes v into the buffer for id, or for every motor when id is broadcast.
func (c *Controller) stage(kind ValueKind, id uint8, v uint32) error {
	ids, err := c.targets(id)
	if err != nil {
		return err
	}
	for _, i := range ids {
		if err := c.buffer.Set(kind, c.slots[i], v); err != nil {
			return err
		}
	}
	return nil
}

// SetPosition stages a target position.
func (c *Controller) SetPosition(id uint8, pos int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage(KindPosition, id, uint32(pos))
}

// SetVelocity stages a velocity.
func (c *Controller) SetVelocity(id uint8, vel int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkVelocity(c.limits, vel); err != nil {
		return err
	}
	return c.stage(KindVelocity, id, uint32(vel))
}

// SetMode stages an operation mode.
func (c *Controller) SetMode(id uint8, mode uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage(KindMode, id, uint32(mode))
}

// SetAcceleration stages an acceleration.
func (c *Controller) SetAcceleration(id uint8, acc uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkAcceleration(c.limits, acc); err != nil {
		return err
	}
	return c.stage(KindAcceleration, id, acc)
}

// SetDeceleration stages a deceleration.
func (c *Controller) SetDeceleration(id uint8, dec uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkAcceleration(c.limits, dec); err != nil {
		return err
	}
	return c.stage(KindDeceleration, id, dec)
}

// SetCurrent stages an operating current in 0.1% steps.
func (c *Controller) SetCurrent(id uint8, current uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkCurrent(c.limits, current); err != nil {
		return err
	}
	return c.stage(KindCurrent, id, current)
}

// Write queues the position, velocity, acceleration and deceleration batches.
func (c *Controller) Write(id uint8) error {
	for _, write := range []func(uint8) (WriteID, error){
		c.WritePosition, c.WriteVelocity, c.WriteAcceleration, c.WriteDeceleration,
	} {
		if _, err := write(id); err != nil {
			return err
		}
	}
	return nil
}

// WritePosition queues the position batch and records every staged position
// as last commanded.
func (c *Controller) WritePosition(id uint8) (WriteID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkID(id); err != nil {
		return 0, err
	}
	wid, err := c.stream.Push(BatchWriteCommand{Station: id, Kind: KindPosition})
	if err != nil {
		return 0, err
	}
	for i := 1; i <= c.motors; i++ {
		c.wrotePos[i] = c.buffer.Position(c.slots[i])
	}
	return wid, nil
}

// WriteVelocity queues the velocity batch.
func (c *Controller) WriteVelocity(id uint8) (WriteID, error) {
	return c.push(BatchWriteCommand{Station: id, Kind: KindVelocity})
}

// WriteMode queues the operation mode batch.
func (c *Controller) WriteMode(id uint8) (WriteID, error) {
	return c.push(BatchWriteCommand{Station: id, Kind: KindMode})
}

// WriteAcceleration queues the acceleration batch.
func (c *Controller) WriteAcceleration(id uint8) (WriteID, error) {
	return c.push(BatchWriteCommand{Station: id, Kind: KindAcceleration})
}

// WriteDeceleration queues the deceleration batch.
func (c *Controller) WriteDeceleration(id uint8) (WriteID, error) {
	return c.push(BatchWriteCommand{Station: id, Kind: KindDeceleration})
}

// WriteCurrent queues the operating current batch.
func (c *Controller) WriteCurrent(id uint8) (WriteID, error) {
	return c.push(BatchWriteCommand{Station: id, Kind: KindCurrent})
}

// CancelWrite removes a queued write that has not been sent yet.
func (c *Controller) CancelWrite(wid WriteID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.CancelWrite(wid)
}

// MotionPlan is the staged result of SetMotionTriangle for one motor.
type MotionPlan struct {
	Position     int32
	Velocity     int32
	Acceleration uint32
	LowSpeed     bool
}

// planTriangle derives velocity and acceleration for a move from the last
// commanded position to target in duration. The peak velocity is the device
// maximum and the acceleration is 4*avg/duration; this does not describe a
// true symmetric triangle profile and is kept for drive compatibility.
func planTriangle(l MotionLimits, from, target int32, duration time.Duration) (MotionPlan, error) {
	secs := duration.Seconds()
	if secs <= 0 {
		return MotionPlan{}, fmt.Errorf("%w: non-positive duration %v", ErrOutOfRange, duration)
	}
	avg := (float64(target) - float64(from)) / secs
	if math.Abs(avg) >= l.VelocityLimit {
		return MotionPlan{}, fmt.Errorf("%w: %.3f >= %.3f", ErrVelocityLimit, math.Abs(avg), l.VelocityLimit)
	}
	p := MotionPlan{Position: target}
	if math.Abs(avg) <= l.LowSpeedThreshold {
		p.Velocity = int32(avg)
		p.Acceleration = l.AccelerationLimit
		p.LowSpeed = true
		return p, nil
	}
	acc := math.Abs(4 * avg / secs)
	if acc > float64(l.AccelerationLimit) {
		return MotionPlan{}, fmt.Errorf("%w: acceleration %.0f above %d", ErrOutOfRange, acc, l.AccelerationLimit)
	}
	p.Velocity = l.MaxVelocity
	p.Acceleration = uint32(acc)
	return p, nil
}

// SetMotionTriangle stages a move of motor id (or every motor) to target
// taking duration. Nothing is transmitted; follow with Write, Start and Clear.
// With the broadcast id either every motor is staged or none is.
func (c *Controller) SetMotionTriangle(id uint8, target int32, duration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, err := c.targets(id)
	if err != nil {
		return err
	}
	plans := make([]MotionPlan, len(ids))
	for n, i := range ids {
		p, err := planTriangle(c.limits, c.wrotePos[i], target, duration)
		if err != nil {
			return fmt.Errorf("motor %d: %w", i, err)
		}
		plans[n] = p
	}
	for n, i := range ids {
		p := plans[n]
		if p.LowSpeed {
			c.logf("WARNING: modbus: motor %d low speed, constant speed operation at %d", i, p.Velocity)
		}
		slot := c.slots[i]
		_ = c.buffer.Set(KindAcceleration, slot, p.Acceleration)
		_ = c.buffer.Set(KindDeceleration, slot, p.Acceleration)
		_ = c.buffer.Set(KindVelocity, slot, uint32(p.Velocity))
		_ = c.buffer.Set(KindPosition, slot, uint32(p.Position))
	}
	return nil
}

// Empty reports whether no write or read is queued or in flight.
func (c *Controller) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.Empty()
}

// PendingWork reports whether any write or read is still outstanding.
func (c *Controller) PendingWork() bool { return !c.Empty() }

// PendingWrites returns the number of queued writes.
func (c *Controller) PendingWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.PendingWrites()
}

// PendingReads returns the number of unresolved reads.
func (c *Controller) PendingReads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.PendingReads()
}

// Status returns the cached status of motor id.
func (c *Controller) Status(id uint8) MotorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) >= BatchSlots {
		return UnknownStatus()
	}
	return c.status[id]
}

// Ready reports whether motor id can accept a move. With the broadcast id
// every motor must be ready.
func (c *Controller) Ready(id uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, err := c.targets(id)
	if err != nil {
		return false
	}
	for _, i := range ids {
		if !c.status[i].IsReady() {
			return false
		}
	}
	return true
}

// IsTrqLimit reports the cached torque-limit flag.
func (c *Controller) IsTrqLimit(id uint8) bool { return c.Status(id).TorqueLimited }

// IsMoving reports the cached moving flag.
func (c *Controller) IsMoving(id uint8) bool { return c.Status(id).Moving }

// IsBusy reports the cached busy flag.
func (c *Controller) IsBusy(id uint8) bool { return c.Status(id).Busy }

// HasAlarm reports the cached alarm flag.
func (c *Controller) HasAlarm(id uint8) bool { return c.Status(id).Alarm }

// Position returns the last position read from motor id.
func (c *Controller) Position(id uint8) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) >= BatchSlots {
		return 0
	}
	return c.readPos[id]
}

// PositionBuffer returns the last position commanded to motor id.
func (c *Controller) PositionBuffer(id uint8) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) >= BatchSlots {
		return 0
	}
	return c.wrotePos[id]
}

// Staged returns the buffered value of kind for motor id.
func (c *Controller) Staged(kind ValueKind, id uint8) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) >= BatchSlots {
		return 0
	}
	return c.buffer.Get(kind, c.slots[id])
}

// Stats returns the bus statistics.
func (c *Controller) Stats() *Counters {
	return c.stream.Counters()
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.logger != nil {
		fmt.Fprintf(c.logger, format+"\n", args...)
	}
}
