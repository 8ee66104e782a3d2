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
	"io"

	"github.com/tarm/serial"
)

func openTarm(cfg PortConfig) (io.ReadWriteCloser, error) {
	c := &serial.Config{
		Name:        cfg.Address,
		Baud:        cfg.BaudRate,
		ReadTimeout: cfg.ReadTimeout,
		Size:        byte(cfg.DataBits),
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	switch cfg.Parity {
	case "E":
		c.Parity = serial.ParityEven
	case "O":
		c.Parity = serial.ParityOdd
	}
	if cfg.StopBits == 2 {
		c.StopBits = serial.Stop2
	}
	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, err
	}
	return port, nil
}
