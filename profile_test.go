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
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestProfileParser_ParseCSV(t *testing.T) {
	parser := NewProfileParser()

	csvData := `id,slot,mode,velocity,acceleration,deceleration,current,jog_steps
# bench line
1,1,1,8000,10000,12000,800,500
2,5,2,-3000,0x1000,,,
3` // motor 3 takes every default

	profiles, err := parser.ParseCSVFromString(csvData)
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(profiles) != 3 {
		t.Fatalf("Expected 3 profiles, got %d", len(profiles))
	}

	want := []MotorProfile{
		{ID: 1, Slot: 1, Mode: 1, Velocity: 8000, Acceleration: 10000, Deceleration: 12000, Current: 800, JogSteps: 500},
		{ID: 2, Slot: 5, Mode: 2, Velocity: -3000, Acceleration: 0x1000, Deceleration: DefaultProfileAcceleration, Current: DefaultDirectCurrent, JogSteps: DefaultProfileJogSteps},
		DefaultProfile(3),
	}
	for i := range want {
		if profiles[i] != want[i] {
			t.Errorf("Profile %d: got %+v, want %+v", i, profiles[i], want[i])
		}
	}
}

func TestProfileParser_Errors(t *testing.T) {
	parser := NewProfileParser()
	tests := []struct {
		name string
		csv  string
		want string
	}{
		{"empty", "", "empty CSV"},
		{"no id column", "slot,mode\n1,1", "missing required field"},
		{"empty id", "id,slot\n,1", "'id' is required"},
		{"broadcast id", "id\n0", "invalid motor id"},
		{"id past line", "id\n60", "invalid motor id"},
		{"bad slot", "id,slot\n1,0", "slot 0"},
		{"bad number", "id,velocity\n1,fast", "invalid 'velocity'"},
		{"velocity range", "id,velocity\n1,5000000", "out of range"},
		{"current range", "id,current\n1,1001", "out of range"},
		{"duplicate", "id\n1\n1", "already defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.ParseCSVFromString(tt.csv)
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestProfileParser_ConfiguredLimits(t *testing.T) {
	csvData := "id,velocity,current\n1,5000000,1500"

	if _, err := NewProfileParser().ParseCSVFromString(csvData); err == nil {
		t.Fatal("Expected the default limits to reject the row")
	}

	cfg := DefaultConfig()
	cfg.Motion.MaxVelocity = 6000000
	cfg.Motion.CurrentLimit = 2000
	assertNoError(t, cfg.Validate())
	parser := NewProfileParser()
	parser.SetLimits(cfg.Limits())
	profiles, err := parser.ParseCSVFromString(csvData)
	assertNoError(t, err)
	if len(profiles) != 1 || profiles[0].Velocity != 5000000 || profiles[0].Current != 1500 {
		t.Errorf("Unexpected profiles %+v", profiles)
	}
}

func TestProfileParser_ToCSV(t *testing.T) {
	parser := NewProfileParser()
	profiles := []MotorProfile{DefaultProfile(1), {ID: 2, Slot: 7, Mode: 2, Velocity: -10, Current: 5}}

	data, err := parser.ToCSVString(profiles)
	assertNoError(t, err)
	if !strings.HasPrefix(data, "id,slot,mode,velocity,acceleration,deceleration,current,jog_steps\n") {
		t.Errorf("Unexpected header in %q", data)
	}
	again, err := parser.ParseCSVFromString(data)
	assertNoError(t, err)
	if len(again) != 2 || again[1] != profiles[1] {
		t.Errorf("Parsed back %+v", again)
	}
}

func TestProfileParser_LoadProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motors.csv")
	assertNoError(t, os.WriteFile(path, []byte("id,slot\n2,4\n"), 0o644))
	profiles, err := NewProfileParser().LoadProfiles(path)
	assertNoError(t, err)
	if len(profiles) != 1 || profiles[0].Slot != 4 {
		t.Errorf("Loaded %+v", profiles)
	}
	if _, err := NewProfileParser().LoadProfiles(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("Expected error for a missing file")
	}
}

func TestCompleteProfiles(t *testing.T) {
	custom := MotorProfile{ID: 2, Slot: 9, Mode: 1}
	got := CompleteProfiles([]MotorProfile{custom, {ID: 40}}, 3)
	if len(got) != 3 {
		t.Fatalf("Expected 3 profiles, got %d", len(got))
	}
	if got[0] != DefaultProfile(1) || got[1] != custom || got[2] != DefaultProfile(3) {
		t.Errorf("Unexpected profiles %+v", got)
	}
}

func TestApplyProfiles(t *testing.T) {
	c, m, d := newTestController(t, 2)
	d.set(1, AddrPosition, 1500)
	d.set(2, AddrPosition, uint32(0xFFFFFF9C))
	assertNoError(t, c.RequestAll(RequestPosition))
	drain(t, c)
	m.sent = nil

	profiles := CompleteProfiles([]MotorProfile{{ID: 1, Slot: 3, Mode: 1, Velocity: 1000, Acceleration: 200, Deceleration: 300, Current: 900, JogSteps: 50}}, 2)
	assertNoError(t, c.ApplyProfiles(profiles))

	// two slot selections, two jog steps, mode, current and the four batches of Write
	if c.PendingWrites() != 10 {
		t.Fatalf("PendingWrites() = %d, want 10", c.PendingWrites())
	}
	if c.Slot(1) != 3 || c.Slot(2) != 2 {
		t.Errorf("slots %d %d", c.Slot(1), c.Slot(2))
	}
	checks := []struct {
		kind ValueKind
		id   uint8
		want uint32
	}{
		{KindPosition, 1, 1500},
		{KindPosition, 2, uint32(0xFFFFFF9C)},
		{KindVelocity, 1, 1000},
		{KindVelocity, 2, DefaultProfileVelocity},
		{KindAcceleration, 1, 200},
		{KindDeceleration, 1, 300},
		{KindCurrent, 1, 900},
		{KindMode, 2, DefaultProfileMode},
	}
	for _, ch := range checks {
		if got := c.Staged(ch.kind, ch.id); got != ch.want {
			t.Errorf("Staged(%s, %d) = %d, want %d", ch.kind, ch.id, got, ch.want)
		}
	}

	drain(t, c)
	assertBytesEqual(t, encoded(t, NetSelectCommand{Station: 1, Slot: 3}, nil), m.sent[0])
	assertBytesEqual(t, encoded(t, JogStepsCommand{Station: 1, Steps: 50}, nil), m.sent[1])
	if c.PositionBuffer(1) != 1500 || c.PositionBuffer(2) != -100 {
		t.Errorf("PositionBuffer %d %d", c.PositionBuffer(1), c.PositionBuffer(2))
	}

	err := c.ApplyProfiles([]MotorProfile{DefaultProfile(3)})
	assertErrorIs(t, err, ErrInvalidMotorID)
}
