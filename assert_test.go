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
	"bytes"
	"errors"
	"testing"
)

// assertBytesEqual checks if two byte slices are equal.
func assertBytesEqual(t *testing.T, expected, actual []byte) {
	t.Helper()
	if !bytes.Equal(expected, actual) {
		t.Errorf("Expected % X, but got % X", expected, actual)
	}
}

// assertErrorIs checks that err wraps target.
func assertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("Expected error %v, but got %v", target, err)
	}
}

// assertNoError fails the test immediately on err.
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

// withCRC returns frame followed by its checksum.
func withCRC(frame ...byte) []byte {
	return appendCRC(append([]byte(nil), frame...))
}
