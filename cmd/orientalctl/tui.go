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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	modbus "github.com/hootrhino/gomodbus-oriental"
)

// Bench motion parameters.
const (
	demoVelocity     = 5000
	demoAcceleration = 5000
	demoDuration     = 5 * time.Second
	jogStepsLarge    = 1000
	jogStepsSmall    = 200
	refreshEvery     = 20 * time.Millisecond
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

const help = `space stop   f free   r reset   d/D direct fwd/bwd   j/J jog fwd/bwd
up/down jog steps   e/E move via buffers fwd/bwd   c clear   s status   p position
g set target   tab all/selected   q quit`

type refreshMsg time.Time

type appModel struct {
	ctrl   *modbus.Controller
	log    *logrus.Logger
	table  table.Model
	input  textinput.Model
	target int32
	all    bool // send to the broadcast id instead of the selected motor

	entering bool
	status   string
	err      error
}

func newApp(ctrl *modbus.Controller, log *logrus.Logger) appModel {
	ti := textinput.New()
	ti.CharLimit = 12
	ti.Prompt = "target position> "

	columns := []table.Column{
		{Title: "ID", Width: 4},
		{Title: "Ready", Width: 6},
		{Title: "TLC", Width: 5},
		{Title: "Move", Width: 5},
		{Title: "Busy", Width: 5},
		{Title: "Alarm", Width: 6},
		{Title: "Position", Width: 11},
		{Title: "Commanded", Width: 11},
	}
	t := table.New(table.WithColumns(columns), table.WithHeight(min(ctrl.NumMotors(), 16)+1), table.WithFocused(true))
	s := table.DefaultStyles()
	s.Header = s.Header.BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).Bold(true)
	s.Selected = s.Selected.Foreground(lipgloss.Color("229")).Bold(true)
	t.SetStyles(s)

	m := appModel{ctrl: ctrl, log: log, table: t, input: ti, target: 5000, all: true}
	m.refresh()
	return m
}

func refreshTick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m appModel) Init() tea.Cmd {
	return refreshTick()
}

func (m appModel) id() uint8 {
	if m.all {
		return modbus.BroadcastID
	}
	return uint8(m.table.Cursor() + 1)
}

func mark(b bool) string {
	if b {
		return "x"
	}
	return "."
}

func (m *appModel) refresh() {
	rows := make([]table.Row, 0, m.ctrl.NumMotors())
	for i := 1; i <= m.ctrl.NumMotors(); i++ {
		id := uint8(i)
		st := m.ctrl.Status(id)
		rows = append(rows, table.Row{
			strconv.Itoa(i),
			mark(st.IsReady()),
			mark(st.TorqueLimited),
			mark(st.Moving),
			mark(st.Busy),
			mark(st.Alarm),
			strconv.FormatInt(int64(m.ctrl.Position(id)), 10),
			strconv.FormatInt(int64(m.ctrl.PositionBuffer(id)), 10),
		})
	}
	m.table.SetRows(rows)
}

// moveViaBuffers stages a triangle move, writes it and pulses the start bit.
func (m appModel) moveViaBuffers(id uint8, target int32) error {
	if err := m.ctrl.SetMotionTriangle(id, target, demoDuration); err != nil {
		return err
	}
	if err := m.ctrl.Write(id); err != nil {
		return err
	}
	if _, err := m.ctrl.Start(id); err != nil {
		return err
	}
	_, err := m.ctrl.Clear(id)
	return err
}

func (m appModel) key(k string) (string, error) {
	id := m.id()
	var err error
	switch k {
	case " ":
		_, err = m.ctrl.Stop(id)
		return "stop", err
	case "f":
		_, err = m.ctrl.Free(id)
		return "free", err
	case "r":
		_, err = m.ctrl.Reset(id)
		return "reset", err
	case "d":
		_, err = m.ctrl.Direct(id, m.target, demoVelocity, demoAcceleration, demoAcceleration)
		return fmt.Sprintf("direct to %d", m.target), err
	case "D":
		_, err = m.ctrl.Direct(id, 0, demoVelocity, demoAcceleration, demoAcceleration)
		return "direct to 0", err
	case "j":
		_, err = m.ctrl.Forward(id)
		return "jog forward", err
	case "J":
		_, err = m.ctrl.Backward(id)
		return "jog backward", err
	case "up":
		_, err = m.ctrl.SetJogSteps(id, jogStepsLarge)
		return fmt.Sprintf("jog steps %d", jogStepsLarge), err
	case "down":
		_, err = m.ctrl.SetJogSteps(id, jogStepsSmall)
		return fmt.Sprintf("jog steps %d", jogStepsSmall), err
	case "e":
		return fmt.Sprintf("move to %d in %v", m.target, demoDuration), m.moveViaBuffers(id, m.target)
	case "E":
		return fmt.Sprintf("move to 0 in %v", demoDuration), m.moveViaBuffers(id, 0)
	case "c":
		_, err = m.ctrl.Clear(id)
		return "clear", err
	case "s":
		if id == modbus.BroadcastID {
			return "read status", m.ctrl.RequestAll(modbus.RequestStatus)
		}
		return "read status", m.ctrl.Request(modbus.RequestStatus, id)
	case "p":
		if id == modbus.BroadcastID {
			return "read position", m.ctrl.RequestAll(modbus.RequestPosition)
		}
		return "read position", m.ctrl.Request(modbus.RequestPosition, id)
	}
	return "", nil
}

func (m appModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case refreshMsg:
		m.refresh()
		return m, refreshTick()

	case tea.KeyMsg:
		if m.entering {
			switch msg.Type {
			case tea.KeyEnter:
				m.entering = false
				v, err := strconv.ParseInt(strings.TrimSpace(m.input.Value()), 0, 32)
				if err != nil {
					m.err = err
					return m, nil
				}
				m.target = int32(v)
				m.err = nil
				m.status = fmt.Sprintf("target %d", m.target)
				return m, nil
			case tea.KeyEsc:
				m.entering = false
				return m, nil
			}
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "g":
			m.entering = true
			m.input.SetValue(strconv.Itoa(int(m.target)))
			m.input.Focus()
			return m, textinput.Blink
		case "tab":
			m.all = !m.all
			return m, nil
		case "up", "down":
			if !m.all {
				// arrows move the selection when a single motor is addressed
				break
			}
			fallthrough
		default:
			what, err := m.key(msg.String())
			if what == "" {
				break
			}
			m.err = err
			if err != nil {
				m.log.WithError(err).Warn(what)
			} else {
				m.status = fmt.Sprintf("%s -> %s", what, m.targetName())
				m.log.Info(m.status)
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m appModel) targetName() string {
	if m.all {
		return "all motors"
	}
	return fmt.Sprintf("motor %d", m.id())
}

func (m appModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("orientalctl") + dimStyle.Render(fmt.Sprintf("  target %d  sending to %s", m.target, m.targetName())) + "\n")
	b.WriteString(m.table.View() + "\n")
	ready := errStyle.Render("NOT READY")
	if m.ctrl.Ready(modbus.BroadcastID) {
		ready = okStyle.Render("READY")
	}
	open := errStyle.Render("closed")
	if m.ctrl.IsOpen() {
		open = okStyle.Render("open")
	}
	fmt.Fprintf(&b, "line %s  all %s  writes %d  reads %d\n", open, ready, m.ctrl.PendingWrites(), m.ctrl.PendingReads())
	b.WriteString(dimStyle.Render(m.ctrl.Stats().String()) + "\n")
	if m.entering {
		b.WriteString(m.input.View() + "\n")
	}
	if m.err != nil {
		b.WriteString(errStyle.Render("error: "+m.err.Error()) + "\n")
	} else if m.status != "" {
		b.WriteString(okStyle.Render(m.status) + "\n")
	}
	b.WriteString(dimStyle.Render(help))
	return b.String()
}
