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
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Setup defaults applied to fields a profile row leaves empty.
const (
	DefaultProfileMode         = 1
	DefaultProfileVelocity     = 5000
	DefaultProfileAcceleration = 5000
	DefaultProfileJogSteps     = 300
)

// MotorProfile is the startup configuration of one motor.
type MotorProfile struct {
	ID           uint8
	Slot         uint8
	Mode         uint8
	Velocity     int32
	Acceleration uint32
	Deceleration uint32
	Current      uint32
	JogSteps     uint32
}

// DefaultProfile returns the profile used for a motor with no CSV row.
func DefaultProfile(id uint8) MotorProfile {
	return MotorProfile{
		ID:           id,
		Slot:         id,
		Mode:         DefaultProfileMode,
		Velocity:     DefaultProfileVelocity,
		Acceleration: DefaultProfileAcceleration,
		Deceleration: DefaultProfileAcceleration,
		Current:      DefaultDirectCurrent,
		JogSteps:     DefaultProfileJogSteps,
	}
}

// ProfileParser converts between CSV and MotorProfile.
type ProfileParser struct {
	headers []string
	limits  MotionLimits
}

// NewProfileParser creates a parser for the id,slot,mode,... layout.
func NewProfileParser() *ProfileParser {
	return &ProfileParser{
		headers: []string{
			"id",
			"slot",
			"mode",
			"velocity",
			"acceleration",
			"deceleration",
			"current",
			"jog_steps",
		},
		limits: DefaultMotionLimits(),
	}
}

// ParseCSV parses a header row followed by one row per motor. Only id is
// required; missing columns and empty cells take the DefaultProfile value.
func (p *ProfileParser) ParseCSV(reader io.Reader) ([]MotorProfile, error) {
	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.Comment = '#'
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty CSV file")
	}

	headerMap := make(map[string]int)
	for i, h := range records[0] {
		headerMap[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := headerMap["id"]; !ok {
		return nil, fmt.Errorf("missing required field in CSV header: id")
	}

	seen := make(map[uint8]int)
	var profiles []MotorProfile
	for i, record := range records[1:] {
		row := i + 2
		profile, err := p.parseRecord(record, headerMap)
		if err != nil {
			return nil, fmt.Errorf("error parsing row %d: %w", row, err)
		}
		if err := p.ValidateProfile(profile); err != nil {
			return nil, fmt.Errorf("validation error for row %d (motor %d): %w", row, profile.ID, err)
		}
		if prev, dup := seen[profile.ID]; dup {
			return nil, fmt.Errorf("row %d: motor %d already defined at row %d", row, profile.ID, prev)
		}
		seen[profile.ID] = row
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

func (p *ProfileParser) parseRecord(record []string, headerMap map[string]int) (MotorProfile, error) {
	getField := func(name string) string {
		if idx, ok := headerMap[name]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}
	// Base 0 accepts both decimal and 0x-prefixed hex.
	parseUint := func(name string, bitSize int, def uint64) (uint64, error) {
		s := getField(name)
		if s == "" {
			return def, nil
		}
		v, err := strconv.ParseUint(s, 0, bitSize)
		if err != nil {
			return 0, fmt.Errorf("invalid '%s': %w", name, err)
		}
		return v, nil
	}

	if getField("id") == "" {
		return MotorProfile{}, fmt.Errorf("'id' is required")
	}
	id, err := parseUint("id", 8, 0)
	if err != nil {
		return MotorProfile{}, err
	}
	profile := DefaultProfile(uint8(id))

	slot, err := parseUint("slot", 8, uint64(profile.Slot))
	if err != nil {
		return profile, err
	}
	profile.Slot = uint8(slot)

	mode, err := parseUint("mode", 8, uint64(profile.Mode))
	if err != nil {
		return profile, err
	}
	profile.Mode = uint8(mode)

	if s := getField("velocity"); s != "" {
		v, err := strconv.ParseInt(s, 0, 32)
		if err != nil {
			return profile, fmt.Errorf("invalid 'velocity': %w", err)
		}
		profile.Velocity = int32(v)
	}

	for _, f := range []struct {
		name string
		dst  *uint32
	}{
		{"acceleration", &profile.Acceleration},
		{"deceleration", &profile.Deceleration},
		{"current", &profile.Current},
		{"jog_steps", &profile.JogSteps},
	} {
		v, err := parseUint(f.name, 32, uint64(*f.dst))
		if err != nil {
			return profile, err
		}
		*f.dst = uint32(v)
	}
	return profile, nil
}

// SetLimits sets the limits rows are validated against.
func (p *ProfileParser) SetLimits(l MotionLimits) {
	p.limits = l
}

// ValidateProfile checks a profile against the parser's limits.
func (p *ProfileParser) ValidateProfile(profile MotorProfile) error {
	if profile.ID == 0 || int(profile.ID) > MaxMotors {
		return fmt.Errorf("%w: id %d (want 1..%d)", ErrInvalidMotorID, profile.ID, MaxMotors)
	}
	if profile.Slot == 0 || int(profile.Slot) > MaxMotors {
		return fmt.Errorf("%w: slot %d (want 1..%d)", ErrInvalidMotorID, profile.Slot, MaxMotors)
	}
	l := p.limits
	if err := checkVelocity(l, profile.Velocity); err != nil {
		return err
	}
	if err := checkAcceleration(l, profile.Acceleration); err != nil {
		return err
	}
	if err := checkAcceleration(l, profile.Deceleration); err != nil {
		return err
	}
	return checkCurrent(l, profile.Current)
}

// ParseCSVFromString parses profiles from a string.
func (p *ProfileParser) ParseCSVFromString(data string) ([]MotorProfile, error) {
	return p.ParseCSV(strings.NewReader(data))
}

// LoadProfiles parses a profile CSV file.
func (p *ProfileParser) LoadProfiles(path string) ([]MotorProfile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return p.ParseCSV(f)
}

// ToCSV writes profiles with a header row.
func (p *ProfileParser) ToCSV(profiles []MotorProfile, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	if err := csvWriter.Write(p.headers); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, profile := range profiles {
		record := []string{
			strconv.FormatUint(uint64(profile.ID), 10),
			strconv.FormatUint(uint64(profile.Slot), 10),
			strconv.FormatUint(uint64(profile.Mode), 10),
			strconv.FormatInt(int64(profile.Velocity), 10),
			strconv.FormatUint(uint64(profile.Acceleration), 10),
			strconv.FormatUint(uint64(profile.Deceleration), 10),
			strconv.FormatUint(uint64(profile.Current), 10),
			strconv.FormatUint(uint64(profile.JogSteps), 10),
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record for motor %d: %w", profile.ID, err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

// ToCSVString converts profiles to a CSV string.
func (p *ProfileParser) ToCSVString(profiles []MotorProfile) (string, error) {
	var builder strings.Builder
	if err := p.ToCSV(profiles, &builder); err != nil {
		return "", err
	}
	return builder.String(), nil
}

// CompleteProfiles returns one profile per motor 1..motors, taking rows
// from profiles where present and DefaultProfile otherwise.
func CompleteProfiles(profiles []MotorProfile, motors int) []MotorProfile {
	byID := make(map[uint8]MotorProfile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	out := make([]MotorProfile, 0, motors)
	for i := 1; i <= motors; i++ {
		if p, ok := byID[uint8(i)]; ok {
			out = append(out, p)
		} else {
			out = append(out, DefaultProfile(uint8(i)))
		}
	}
	return out
}

// ApplyProfiles performs the setup phase for every profile: assign batch
// slots, stage the values with the last read position as target, queue
// the jog steps and write every batch. Positions should be read first so
// the position batch does not move the motors.
func (c *Controller) ApplyProfiles(profiles []MotorProfile) error {
	for _, p := range profiles {
		if int(p.ID) > c.motors || p.ID == 0 {
			return fmt.Errorf("%w: profile for motor %d on a line of %d", ErrInvalidMotorID, p.ID, c.motors)
		}
	}
	for _, p := range profiles {
		if _, err := c.SelectSlot(p.ID, p.Slot); err != nil {
			return err
		}
		if err := c.SetPosition(p.ID, c.Position(p.ID)); err != nil {
			return err
		}
		if err := c.SetMode(p.ID, p.Mode); err != nil {
			return err
		}
		if err := c.SetVelocity(p.ID, p.Velocity); err != nil {
			return err
		}
		if err := c.SetAcceleration(p.ID, p.Acceleration); err != nil {
			return err
		}
		if err := c.SetDeceleration(p.ID, p.Deceleration); err != nil {
			return err
		}
		if err := c.SetCurrent(p.ID, p.Current); err != nil {
			return err
		}
		if _, err := c.SetJogSteps(p.ID, p.JogSteps); err != nil {
			return err
		}
	}
	if _, err := c.WriteMode(BroadcastID); err != nil {
		return err
	}
	if _, err := c.WriteCurrent(BroadcastID); err != nil {
		return err
	}
	return c.Write(BroadcastID)
}
