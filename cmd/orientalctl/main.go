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

// orientalctl is a bench tool that sets up a line of AZ/AR drivers and
// drives them from the keyboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	modbus "github.com/hootrhino/gomodbus-oriental"
)

// logrusWriter feeds prefixed lines from the modbus package into logrus.
type logrusWriter struct {
	log *logrus.Logger
}

func (w logrusWriter) Write(p []byte) (int, error) {
	level, msg := modbus.SplitLevel(string(p))
	switch level {
	case modbus.LevelDebug:
		w.log.Debug(msg)
	case modbus.LevelWarning:
		w.log.Warn(msg)
	case modbus.LevelError:
		w.log.Error(msg)
	default:
		w.log.Info(msg)
	}
	return len(p), nil
}

func newLogger(cfg modbus.LogConfig) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	level, err := modbus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	switch level {
	case modbus.LevelDebug:
		log.SetLevel(logrus.DebugLevel)
	case modbus.LevelWarning:
		log.SetLevel(logrus.WarnLevel)
	case modbus.LevelError:
		log.SetLevel(logrus.ErrorLevel)
	case modbus.LevelNone:
		log.SetLevel(logrus.PanicLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	// The terminal belongs to the UI, so logs only go to a file.
	if cfg.File == "" {
		log.SetOutput(io.Discard)
		return log, nil, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	log.SetOutput(f)
	return log, f, nil
}

// waitIdle drives the controller until every queued frame is done.
func waitIdle(ctx context.Context, ctrl *modbus.Controller) error {
	for ctrl.PendingWork() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d writes and %d reads still pending: %w",
				ctrl.PendingWrites(), ctrl.PendingReads(), ctx.Err())
		case <-time.After(time.Millisecond):
		}
		ctrl.Update()
	}
	return nil
}

// setup reads the current positions, assigns batch slots, stages and
// writes the startup values and finally reads every status word.
func setup(ctx context.Context, cfg *modbus.Config, ctrl *modbus.Controller, log *logrus.Logger) error {
	log.Info("read current motor positions")
	if err := ctrl.RequestAll(modbus.RequestPosition); err != nil {
		return err
	}
	if err := waitIdle(ctx, ctrl); err != nil {
		return err
	}

	var profiles []modbus.MotorProfile
	if cfg.Motion.Profiles != "" {
		parser := modbus.NewProfileParser()
		parser.SetLimits(cfg.Limits())
		p, err := parser.LoadProfiles(cfg.Motion.Profiles)
		if err != nil {
			return fmt.Errorf("profiles: %w", err)
		}
		profiles = p
	}
	profiles = modbus.CompleteProfiles(profiles, cfg.Motion.Motors)
	log.WithField("motors", len(profiles)).Info("write initial settings")
	if err := ctrl.ApplyProfiles(profiles); err != nil {
		return err
	}

	log.Info("request motor status")
	if err := ctrl.RequestAll(modbus.RequestStatus); err != nil {
		return err
	}
	if err := waitIdle(ctx, ctrl); err != nil {
		return err
	}
	if !ctrl.Ready(modbus.BroadcastID) {
		log.Error("motor is NOT ready")
	}
	return nil
}

func main() {
	os.Exit(run())
}

// run returns the exit code so deferred cleanup runs before the process exits.
func run() int {
	cfgPath := flag.String("config", "", "YAML configuration file")
	port := flag.String("port", "", "serial port (overrides the configuration)")
	motors := flag.Int("motors", 0, "number of motors (overrides the configuration)")
	skipSetup := flag.Bool("skip-setup", false, "do not run the startup sequence")
	flag.Parse()

	cfg := modbus.DefaultConfig()
	if *cfgPath != "" {
		loaded, err := modbus.LoadConfig(*cfgPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		cfg = *loaded
	}
	if *port != "" {
		cfg.Serial.Port = *port
	}
	if *motors > 0 {
		cfg.Motion.Motors = *motors
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, closer, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if closer != nil {
		defer closer.Close()
	}
	sink := logrusWriter{log: log}

	transport, err := cfg.Transport()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	transport.SetLogger(sink)
	ctrl, err := cfg.NewController(transport, modbus.SystemClock{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	ctrl.SetLogger(sink)

	log.WithField("port", cfg.Serial.Port).Info("begin modbus communication")
	if err := ctrl.Open(cfg.PortConfig()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer ctrl.Close()

	if !*skipSetup {
		timeout := 2*time.Second + time.Duration(cfg.Motion.Motors*10)*cfg.Scheduler.Interval*time.Duration(cfg.Scheduler.ReadTimeoutTicks+1)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := setup(ctx, &cfg, ctrl, log)
		cancel()
		if err != nil {
			log.WithError(err).Error("setup failed")
			fmt.Fprintln(os.Stderr, "setup:", err)
		}
	}

	poller := cfg.NewPoller(ctrl)
	poller.SetOnError(func(err error) { log.WithError(err).Warn("status poll") })
	if err := poller.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer poller.Stop()

	p := tea.NewProgram(newApp(ctrl, log), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.WithError(err).Error("terminal UI")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
