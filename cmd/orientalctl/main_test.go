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


package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestRunReturnsExitCode(t *testing.T) {
	args := os.Args
	t.Cleanup(func() { os.Args = args })
	os.Args = []string{"orientalctl", "-config", filepath.Join(t.TempDir(), "missing.yaml")}

	if code := run(); code != 1 {
		t.Errorf("run() = %d, want 1", code)
	}
}

func TestLogrusWriterLevels(t *testing.T) {
	var out bytes.Buffer
	log := logrus.New()
	log.SetOutput(&out)
	log.SetLevel(logrus.DebugLevel)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	w := logrusWriter{log: log}

	tests := []struct {
		line  string
		level string
	}{
		{"DEBUG: modbus rtu: sent 01 03\n", "level=debug"},
		{"WARNING: exception 02\n", "level=warning"},
		{"ERROR: modbus: response timeout\n", "level=error"},
		{"INFO: opened /dev/ttyUSB0\n", "level=info"},
	}
	for _, tt := range tests {
		out.Reset()
		n, err := w.Write([]byte(tt.line))
		if err != nil || n != len(tt.line) {
			t.Fatalf("Write(%q) = %d, %v", tt.line, n, err)
		}
		if !strings.Contains(out.String(), tt.level) {
			t.Errorf("Write(%q) logged %q, want %s", tt.line, out.String(), tt.level)
		}
	}
}
