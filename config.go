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
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of a motor line.
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Motion    MotionConfig    `yaml:"motion"`
	Log       LogConfig       `yaml:"log"`
}

// SerialConfig selects the serial driver and line settings.
type SerialConfig struct {
	Driver      string        `yaml:"driver"`
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	DataBits    int           `yaml:"data_bits"`
	Parity      string        `yaml:"parity"`
	StopBits    int           `yaml:"stop_bits"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// SchedulerConfig paces the bus.
type SchedulerConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ReadTimeoutTicks uint32        `yaml:"read_timeout_ticks"`
	PollInterval     time.Duration `yaml:"poll_interval"` // 0 disables periodic status reads
}

// MotionConfig describes the motors and their limits.
type MotionConfig struct {
	Motors            int     `yaml:"motors"`
	VelocityLimit     float64 `yaml:"velocity_limit"`
	MaxVelocity       int32   `yaml:"max_velocity"`
	AccelerationLimit uint32  `yaml:"acceleration_limit"`
	LowSpeedThreshold float64 `yaml:"low_speed_threshold"`
	CurrentLimit      uint32  `yaml:"current_limit"`
	Profiles          string  `yaml:"profiles"` // optional CSV file, see ProfileParser
}

// LogConfig controls the log sink.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the settings of a single AZ driver on /dev/ttyUSB0.
func DefaultConfig() Config {
	port := DefaultPortConfig("/dev/ttyUSB0")
	limits := DefaultMotionLimits()
	return Config{
		Serial: SerialConfig{
			Driver:      DriverGoserial,
			Port:        port.Address,
			Baud:        port.BaudRate,
			DataBits:    port.DataBits,
			Parity:      port.Parity,
			StopBits:    port.StopBits,
			ReadTimeout: port.ReadTimeout,
		},
		Scheduler: SchedulerConfig{
			Interval:         DefaultInterval,
			ReadTimeoutTicks: DefaultTimeoutTicks,
			PollInterval:     DefaultPollInterval,
		},
		Motion: MotionConfig{
			Motors:            1,
			VelocityLimit:     limits.VelocityLimit,
			MaxVelocity:       limits.MaxVelocity,
			AccelerationLimit: limits.AccelerationLimit,
			LowSpeedThreshold: limits.LowSpeedThreshold,
			CurrentLimit:      limits.CurrentLimit,
		},
		Log: LogConfig{Level: "INFO"},
	}
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return ParseConfig(data)
}

// Validate checks the configuration without modifying it.
func (c *Config) Validate() error {
	if _, err := OpenerFor(c.Serial.Driver); err != nil {
		return fmt.Errorf("config: serial: %w", err)
	}
	if c.Serial.Port == "" {
		return fmt.Errorf("config: serial.port is required")
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("config: serial.baud must be positive, got %d", c.Serial.Baud)
	}
	if c.Serial.DataBits < 5 || c.Serial.DataBits > 8 {
		return fmt.Errorf("config: serial.data_bits must be 5..8, got %d", c.Serial.DataBits)
	}
	switch c.Serial.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("config: serial.parity must be N, E or O, got %q", c.Serial.Parity)
	}
	if c.Serial.StopBits != 1 && c.Serial.StopBits != 2 {
		return fmt.Errorf("config: serial.stop_bits must be 1 or 2, got %d", c.Serial.StopBits)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("config: scheduler.interval must be positive, got %v", c.Scheduler.Interval)
	}
	if c.Scheduler.ReadTimeoutTicks == 0 {
		return fmt.Errorf("config: scheduler.read_timeout_ticks must be positive")
	}
	if c.Scheduler.PollInterval < 0 {
		return fmt.Errorf("config: scheduler.poll_interval must not be negative, got %v", c.Scheduler.PollInterval)
	}
	if c.Motion.Motors < 1 || c.Motion.Motors > MaxMotors {
		return fmt.Errorf("config: motion.motors must be 1..%d, got %d", MaxMotors, c.Motion.Motors)
	}
	if err := c.Limits().Validate(); err != nil {
		return fmt.Errorf("config: motion: %w", err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log: %w", err)
	}
	return nil
}

// PortConfig returns the serial line settings.
func (c *Config) PortConfig() PortConfig {
	return PortConfig{
		Address:     c.Serial.Port,
		BaudRate:    c.Serial.Baud,
		DataBits:    c.Serial.DataBits,
		Parity:      c.Serial.Parity,
		StopBits:    c.Serial.StopBits,
		ReadTimeout: c.Serial.ReadTimeout,
	}
}

// Limits returns the motion limits.
func (c *Config) Limits() MotionLimits {
	return MotionLimits{
		VelocityLimit:     c.Motion.VelocityLimit,
		MaxVelocity:       c.Motion.MaxVelocity,
		AccelerationLimit: c.Motion.AccelerationLimit,
		LowSpeedThreshold: c.Motion.LowSpeedThreshold,
		CurrentLimit:      c.Motion.CurrentLimit,
	}
}

// Transport returns a closed serial transport using the configured driver.
func (c *Config) Transport() (*SerialTransport, error) {
	opener, err := OpenerFor(c.Serial.Driver)
	if err != nil {
		return nil, err
	}
	return NewSerialTransport(opener), nil
}

// NewController builds a controller on transport with the configured
// motor count, pacing and limits.
func (c *Config) NewController(transport Transport, clock Clock) (*Controller, error) {
	ctrl, err := NewController(transport, c.Motion.Motors, clock)
	if err != nil {
		return nil, err
	}
	if err := ctrl.SetLimits(c.Limits()); err != nil {
		return nil, err
	}
	ctrl.SetInterval(c.Scheduler.Interval)
	ctrl.SetTimeoutTicks(c.Scheduler.ReadTimeoutTicks)
	return ctrl, nil
}

// NewPoller returns a background poller for ctrl using the configured
// poll interval.
func (c *Config) NewPoller(ctrl *Controller) *Poller {
	return NewPoller(ctrl, c.Scheduler.PollInterval)
}
