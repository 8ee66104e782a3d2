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

const (
	crcInit       = 0xFFFF
	crcPolynomial = 0xA001 // CRC-16/MODBUS (reversed 0x8005)
)

// CRC16 calculates the Modbus CRC16 checksum.
// The result is transmitted low byte first.
func CRC16(data []byte) uint16 {
	crc := uint16(crcInit)
	for _, b := range data {
		crc = crcUpdate(crc, b)
	}
	return crc
}

func crcUpdate(crc uint16, b byte) uint16 {
	crc ^= uint16(b)
	for i := 0; i < 8; i++ {
		if (crc & 0x0001) != 0 {
			crc >>= 1
			crc ^= crcPolynomial
		} else {
			crc >>= 1
		}
	}
	return crc
}

// appendCRC appends the checksum of frame to frame, low byte first.
func appendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// crcAccumulator folds bytes into a running checksum one at a time.
type crcAccumulator struct {
	crc uint16
}

func (a *crcAccumulator) push(b byte) {
	a.crc = crcUpdate(a.crc, b)
}

func (a *crcAccumulator) reset() {
	a.crc = crcInit
}

func (a *crcAccumulator) sum() uint16 {
	return a.crc
}
