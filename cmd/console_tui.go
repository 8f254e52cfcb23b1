// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/cinder/pkg/stk500"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	signOnRetrySeconds = 2 // Re-send sign-on every N seconds until the loader answers
	keepAliveSeconds   = 3 // Sign on every N idle seconds so the boot window stays open
)

// Focus states
const (
	focusOpList = iota
	focusOperand
	focusSendButton
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// consoleOp is one loader operation the console can send
type consoleOp struct {
	name        string
	desc        string
	operandHint string // empty when the operation takes no operand
	build       func(operand string) ([]byte, error)
}

// Implement list.Item interface
func (o consoleOp) Title() string       { return o.name }
func (o consoleOp) Description() string { return o.desc }
func (o consoleOp) FilterValue() string { return o.name }

// consoleModel is the Bubble Tea model for the loader console
type consoleModel struct {
	// Connection manager (for sending commands and reconnection)
	connMgr  *connectionManager
	connInfo string

	// Operations
	ops       []consoleOp
	opList    list.Model
	lastOpIdx int

	// Session state
	signedOn   bool
	loaderName string

	// Monitoring (reused from tui.go patterns)
	stats         *stk500.Statistics
	eventLog      []eventLogEntry
	maxLogEntries int
	lastResponse  *stk500.Frame

	// Operand entry
	operandInput textinput.Model
	focusedField int

	// Frame sequencing
	seq         byte
	lastUserSeq byte
	lastSentAt  time.Time

	// UI state
	width          int
	height         int
	synchronized   bool
	quitting       bool
	connectionLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type consoleTickMsg time.Time

// Responses are free-form data, so unlike the monitor there is no
// validation pass on received frames.
type consoleDataMsg struct {
	frame     *stk500.Frame
	decodeErr error
}

type consoleSyncMsg struct {
	invalidBytes int
}

type consoleBatchMsg struct {
	messages []consoleDataMsg
	syncMsg  *consoleSyncMsg
}

type connectionLostMsg struct{}

type reconnectedMsg struct {
	connInfo string
}

//////////////////////////////////////////////////////////////
// Operations
//////////////////////////////////////////////////////////////

func consoleOps() []consoleOp {
	return []consoleOp{
		{
			name: "Sign On",
			desc: "Identify the loader",
			build: func(string) ([]byte, error) {
				return stk500.SignOnBody(), nil
			},
		},
		{
			name: "Enter Programming",
			desc: "Open programming mode",
			build: func(string) ([]byte, error) {
				return stk500.EnterProgModeBody(), nil
			},
		},
		{
			name: "Leave Programming",
			desc: "Close the session, boot the app",
			build: func(string) ([]byte, error) {
				return stk500.LeaveProgModeBody(), nil
			},
		},
		{
			name:        "Load Address",
			desc:        "Set the memory cursor",
			operandHint: "word address, hex",
			build: func(operand string) ([]byte, error) {
				addr, err := parseWordAddr(operand)
				if err != nil {
					return nil, err
				}
				return stk500.LoadAddressBody(addr), nil
			},
		},
		{
			name:        "Read Flash",
			desc:        "Read bytes at the cursor",
			operandHint: "byte count, decimal",
			build: func(operand string) ([]byte, error) {
				n, err := parseReadCount(operand)
				if err != nil {
					return nil, err
				}
				return stk500.ReadFlashBody(n), nil
			},
		},
		{
			name:        "Read EEPROM",
			desc:        "Read bytes at the cursor",
			operandHint: "byte count, decimal",
			build: func(operand string) ([]byte, error) {
				n, err := parseReadCount(operand)
				if err != nil {
					return nil, err
				}
				return stk500.ReadEEPROMBody(n), nil
			},
		},
		{
			name:        "Read Signature",
			desc:        "One signature byte",
			operandHint: "index 0-2",
			build: func(operand string) ([]byte, error) {
				v, err := strconv.ParseUint(operand, 10, 8)
				if err != nil || v > 2 {
					return nil, fmt.Errorf("index must be 0-2")
				}
				return stk500.ReadSignatureBody(byte(v)), nil
			},
		},
		{
			name:        "Read Fuse",
			desc:        "Placeholder on this loader",
			operandHint: "low, high, or ext",
			build: func(operand string) ([]byte, error) {
				// Raw ISP probe sequences, same as the programmer uses
				switch strings.ToLower(operand) {
				case "low":
					return stk500.ReadFuseBody([4]byte{0x50, 0x00, 0x00, 0x00}), nil
				case "high":
					return stk500.ReadFuseBody([4]byte{0x58, 0x08, 0x00, 0x00}), nil
				case "ext", "extended":
					return stk500.ReadFuseBody([4]byte{0x50, 0x08, 0x00, 0x00}), nil
				}
				return nil, fmt.Errorf("fuse must be low, high, or ext")
			},
		},
		{
			name: "Read Lock",
			desc: "Placeholder on this loader",
			build: func(string) ([]byte, error) {
				return stk500.ReadLockBody(), nil
			},
		},
		{
			name: "Read OscCal",
			desc: "Oscillator calibration byte",
			build: func(string) ([]byte, error) {
				return stk500.ReadOsccalBody(), nil
			},
		},
		{
			name:        "Get Parameter",
			desc:        "Read a device parameter",
			operandHint: "id, hex (91=SW_MAJOR)",
			build: func(operand string) ([]byte, error) {
				v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(operand), "0x"), 16, 8)
				if err != nil {
					return nil, fmt.Errorf("invalid parameter id %q", operand)
				}
				return stk500.GetParameterBody(byte(v)), nil
			},
		},
		{
			name: "Chip Erase",
			desc: "Always refused by this loader",
			build: func(string) ([]byte, error) {
				return stk500.ChipEraseBody(), nil
			},
		},
	}
}

func parseWordAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid word address %q", s)
	}
	return uint32(v), nil
}

func parseReadCount(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil || v == 0 || v > uint64(stk500.MaxBodySize-3) {
		return 0, fmt.Errorf("count must be 1-%d", stk500.MaxBodySize-3)
	}
	return uint16(v), nil
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialConsoleModel(connMgr *connectionManager, connInfo string) consoleModel {
	// Initialize text input for operands
	ti := textinput.New()
	ti.CharLimit = 16
	ti.Width = 24

	// Initialize operation list
	ops := consoleOps()
	items := make([]list.Item, len(ops))
	for i, op := range ops {
		items[i] = op
	}
	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	opList := list.New(items, delegate, 30, 10)
	opList.Title = "Operations"
	opList.SetShowStatusBar(false)
	opList.SetShowHelp(false)
	opList.SetFilteringEnabled(false)

	return consoleModel{
		connMgr:       connMgr,
		connInfo:      connInfo,
		ops:           ops,
		opList:        opList,
		stats:         stk500.NewStatistics(),
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		operandInput:  ti,
		focusedField:  focusOpList,
		seq:           1,
		lastUserSeq:   1, // the initial sign-on goes out as seq 1
		lastSentAt:    time.Now(),
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return consoleTickCmd()
}

func consoleTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return consoleTickMsg(t)
	})
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		return m.handleMouseMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case consoleTickMsg:
		m.stats.CalculateRates()
		if !m.connectionLost {
			if !m.signedOn {
				// No answer yet; ask again
				if time.Since(m.lastSentAt) >= time.Duration(signOnRetrySeconds)*time.Second {
					m.sendSignOnQuiet()
				}
			} else if time.Since(m.lastSentAt) >= time.Duration(keepAliveSeconds)*time.Second {
				// Idle keep-alive so the loader does not boot the app under us
				m.sendSignOnQuiet()
			}
		}
		return m, consoleTickCmd()

	case consoleSyncMsg:
		m.synchronized = true
		if msg.invalidBytes > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d invalid bytes", msg.invalidBytes), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}

	case consoleBatchMsg:
		if msg.syncMsg != nil {
			m.synchronized = true
			if msg.syncMsg.invalidBytes > 0 {
				m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d invalid bytes", msg.syncMsg.invalidBytes), false)
			} else {
				m.addLogEntry("Synchronized", false)
			}
		}
		for _, data := range msg.messages {
			m.processConsoleData(data)
		}

	case connectionLostMsg:
		m.connectionLost = true
		m.addLogEntry("Connection lost - reconnecting...", true)

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		// Fresh link, fresh session
		m.resetSession()
		m.addLogEntry("Reconnected - signing on", false)
	}

	// Update child components
	var cmd tea.Cmd
	if m.focusedField == focusOperand {
		m.operandInput, cmd = m.operandInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	if m.focusedField == focusOpList {
		m.opList, cmd = m.opList.Update(msg)
		cmds = append(cmds, cmd)
	}

	m.syncOperandToSelection()

	return m, tea.Batch(cmds...)
}

func (m *consoleModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab":
		return m.cycleFocus(1), nil

	case "shift+tab":
		return m.cycleFocus(-1), nil

	case "enter":
		if m.signedOn {
			return m.handleEnter()
		}

	case "up", "k":
		if m.focusedField == focusOpList {
			m.opList, _ = m.opList.Update(msg)
			m.syncOperandToSelection()
		}

	case "down", "j":
		if m.focusedField == focusOpList {
			m.opList, _ = m.opList.Update(msg)
			m.syncOperandToSelection()
		}
	}

	// Pass through to focused component
	if m.focusedField == focusOperand {
		var cmd tea.Cmd
		m.operandInput, cmd = m.operandInput.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *consoleModel) handleMouseMsg(msg tea.MouseMsg) (tea.Model, tea.Cmd) {
	if msg.Action != tea.MouseActionRelease || msg.Button != tea.MouseButtonLeft {
		return m, nil
	}

	// Pass mouse events to the list
	m.opList, _ = m.opList.Update(msg)
	m.syncOperandToSelection()

	return m, nil
}

func (m *consoleModel) cycleFocus(delta int) *consoleModel {
	if !m.signedOn {
		return m
	}

	maxFocus := focusSendButton
	if m.getSelectedOp() == nil {
		m.focusedField = focusOpList
		return m
	}

	// Cycle through focus states
	m.focusedField = (m.focusedField + delta + maxFocus + 1) % (maxFocus + 1)

	// Skip the operand field when the operation takes none
	if m.focusedField == focusOperand {
		if op := m.getSelectedOp(); op == nil || op.operandHint == "" {
			m.focusedField = (m.focusedField + delta + maxFocus + 1) % (maxFocus + 1)
		}
	}

	// Update focus state
	if m.focusedField == focusOperand {
		m.operandInput.Focus()
	} else {
		m.operandInput.Blur()
	}

	return m
}

func (m *consoleModel) handleEnter() (tea.Model, tea.Cmd) {
	// Don't allow sends while connection is lost
	if m.connectionLost {
		m.addLogEntry("Cannot send: connection lost", true)
		return m, nil
	}

	op := m.getSelectedOp()
	if op == nil {
		return m, nil
	}

	// Enter fires from the operand field or the Send button
	if m.focusedField == focusOperand || m.focusedField == focusSendButton {
		m.sendOp(*op)
	}

	return m, nil
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	buttonStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("0")).
		Background(lipgloss.Color("12")).
		Padding(0, 2)

	focusedButtonStyle := buttonStyle.
		Background(lipgloss.Color("10"))

	// Header
	helpText := "q=quit"
	if m.signedOn {
		helpText = "q=quit Tab=switch Enter=send"
	}
	s.WriteString(titleStyle.Render("CINDER LOADER CONSOLE"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | %s", connStatus, helpText)))
	s.WriteString("\n")

	// Loader identity (below header)
	if m.signedOn {
		s.WriteString(fmt.Sprintf(" %s %s",
			statsLabelStyle.Render("Loader:"),
			statsValueStyle.Render(m.loaderName)))
	}
	s.WriteString("\n\n")

	if !m.signedOn {
		// Waiting for the loader to answer
		s.WriteString(m.renderConnectView(statsLabelStyle, warningStyle, headerStyle, boxStyle))
	} else {
		// Normal console view
		s.WriteString(m.renderConsoleView(statsLabelStyle, statsValueStyle, errorStyle, warningStyle, headerStyle, boxStyle, focusedBoxStyle, buttonStyle, focusedButtonStyle))
	}

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m consoleModel) renderConnectView(statsLabelStyle, warningStyle, headerStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder

	s.WriteString(warningStyle.Render("Signing on..."))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render("The loader answers within its boot window; reset the board if nothing happens."))
	s.WriteString("\n\n")

	// Event log while waiting
	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))

	return s.String()
}

func (m consoleModel) renderConsoleView(statsLabelStyle, statsValueStyle, errorStyle, warningStyle, headerStyle, boxStyle, focusedBoxStyle, buttonStyle, focusedButtonStyle lipgloss.Style) string {
	var s strings.Builder

	// Layout: left panel (operations) | right panel (operand + send)
	leftWidth := 30
	rightWidth := m.width - leftWidth - 6

	// Operation list panel
	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusOpList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	opPanel := listStyle.Render(m.opList.View())

	// Send panel
	sendContent := m.renderSendPanel(statsLabelStyle, statsValueStyle, headerStyle, buttonStyle, focusedButtonStyle)
	sendStyle := boxStyle.Width(rightWidth)
	if m.focusedField != focusOpList {
		sendStyle = focusedBoxStyle.Width(rightWidth)
	}
	sendPanel := sendStyle.Render(sendContent)

	// Join panels horizontally
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, opPanel, " ", sendPanel))
	s.WriteString("\n\n")

	// Statistics bar
	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle))
	s.WriteString("\n\n")

	// Last response
	s.WriteString(m.renderResponse(statsLabelStyle, headerStyle, boxStyle))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))

	return s.String()
}

func (m consoleModel) renderSendPanel(statsLabelStyle, statsValueStyle, headerStyle, buttonStyle, focusedButtonStyle lipgloss.Style) string {
	var s strings.Builder

	op := m.getSelectedOp()
	if op == nil {
		s.WriteString(headerStyle.Render("No operation selected"))
		return s.String()
	}

	// Selected operation info
	s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Selected:"), statsValueStyle.Render(op.name)))
	s.WriteString(fmt.Sprintf("%s\n\n", headerStyle.Render(op.desc)))

	// Operand entry when the operation takes one
	if op.operandHint != "" {
		s.WriteString(statsLabelStyle.Render(fmt.Sprintf("Operand (%s): ", op.operandHint)))
		if m.focusedField == focusOperand {
			s.WriteString(m.operandInput.View())
		} else {
			// Show as plain text when not focused
			val := m.operandInput.Value()
			if val == "" {
				val = "-"
			}
			s.WriteString(fmt.Sprintf("[%s]", val))
		}
		s.WriteString("\n\n")
	}

	// Send button
	btnText := "[ Send ]"
	if m.focusedField == focusSendButton {
		s.WriteString(focusedButtonStyle.Render(btnText))
	} else {
		s.WriteString(buttonStyle.Render(btnText))
	}

	return s.String()
}

func (m consoleModel) renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle lipgloss.Style) string {
	m.stats.CalculateRates()
	var validPercent, errorPercent float64
	if m.stats.TotalFrames > 0 {
		validPercent = float64(m.stats.ValidFrames) * 100.0 / float64(m.stats.TotalFrames)
		totalErrors := m.stats.ChecksumErrors + m.stats.FramingErrors + m.stats.MalformedFrames + m.stats.AnomalousFrames
		errorPercent = float64(totalErrors) * 100.0 / float64(m.stats.TotalFrames)
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		statsLabelStyle.Render("Errors:"), func() string {
			if errorPercent > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
			}
			return statsValueStyle.Render("0.0%")
		}(),
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frm/s", m.stats.FrameRate)),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m consoleModel) renderResponse(statsLabelStyle, headerStyle, boxStyle lipgloss.Style) string {
	var content strings.Builder
	content.WriteString(statsLabelStyle.Render("RESPONSE"))
	content.WriteString("\n")

	if m.lastResponse == nil {
		content.WriteString(headerStyle.Render("No response yet"))
	} else {
		content.WriteString(strings.TrimRight(stk500.FormatFrame(m.lastResponse, stk500.DirResponse), "\n"))
	}

	return boxStyle.Width(m.width - 4).Render(content.String())
}

func (m consoleModel) renderEventLog(statsLabelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyleLocal := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	// Calculate available height for log
	logHeight := 8
	if len(m.eventLog) < logHeight {
		logHeight = len(m.eventLog)
	}

	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyleLocal
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Data Processing
//////////////////////////////////////////////////////////////

func (m *consoleModel) processConsoleData(msg consoleDataMsg) {
	if msg.decodeErr != nil {
		if m.synchronized {
			m.stats.Update(nil, msg.decodeErr, nil)
			m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", msg.decodeErr), true)
		}
		return
	}

	if msg.frame == nil {
		return
	}

	m.stats.Update(msg.frame, nil, nil)

	frame := msg.frame

	// Sign-on answers establish (or refresh) the loader identity
	if frame.Command() == stk500.CmdSignOn {
		if name, err := stk500.ParseSignOnResponse(frame.Body()); err == nil {
			if !m.signedOn {
				m.signedOn = true
				m.addLogEntry(fmt.Sprintf("Loader answered: %s", name), false)
			}
			m.loaderName = name
		}
	}

	// Keep-alive chatter stays out of the response panel
	if frame.Seq() == m.lastUserSeq {
		m.lastResponse = frame
	}

	// Surface refusals in the log
	if status, ok := frame.Status(); ok && status != stk500.StatusOK {
		m.addLogEntry(fmt.Sprintf("%s answered %s",
			stk500.CommandName(frame.Command()), stk500.StatusName(status)), true)
	}
}

//////////////////////////////////////////////////////////////
// Sending
//////////////////////////////////////////////////////////////

func (m *consoleModel) sendOp(op consoleOp) {
	operand := strings.TrimSpace(m.operandInput.Value())
	if op.operandHint != "" && operand == "" {
		m.addLogEntry(fmt.Sprintf("%s needs an operand (%s)", op.name, op.operandHint), true)
		return
	}

	body, err := op.build(operand)
	if err != nil {
		m.addLogEntry(fmt.Sprintf("%s: %v", op.name, err), true)
		return
	}

	wireBytes, err := stk500.EncodeFrame(m.nextSeq(), body)
	if err != nil {
		m.addLogEntry(fmt.Sprintf("%s: %v", op.name, err), true)
		return
	}

	conn := m.connMgr.current()
	if conn == nil {
		m.addLogEntry("Cannot send: connection lost", true)
		return
	}
	if _, err := conn.Write(wireBytes); err != nil {
		m.addLogEntry(fmt.Sprintf("Failed to send %s: %v", op.name, err), true)
		return
	}

	m.lastUserSeq = m.seq
	m.lastSentAt = time.Now()
	m.addLogEntry(fmt.Sprintf("Sent %s seq=%02X", op.name, m.seq), false)
}

// sendSignOnQuiet signs on without logging. Used both to retry the opening
// sign-on and as the idle keep-alive.
func (m *consoleModel) sendSignOnQuiet() {
	conn := m.connMgr.current()
	if conn == nil {
		return // Silently fail - connection loss is handled elsewhere
	}
	wireBytes, err := stk500.EncodeFrame(m.nextSeq(), stk500.SignOnBody())
	if err != nil {
		return
	}
	if _, err := conn.Write(wireBytes); err != nil {
		return // Silently fail - next tick will retry
	}
	m.lastSentAt = time.Now()
}

func (m *consoleModel) nextSeq() byte {
	m.seq++
	if m.seq == 0 {
		m.seq = 1
	}
	return m.seq
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *consoleModel) addLogEntry(message string, isError bool) {
	entry := eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m *consoleModel) getSelectedOp() *consoleOp {
	if len(m.ops) == 0 {
		return nil
	}

	idx := m.opList.Index()
	if idx < 0 || idx >= len(m.ops) {
		return nil
	}

	return &m.ops[idx]
}

// syncOperandToSelection clears the operand field when the selection moves
func (m *consoleModel) syncOperandToSelection() {
	idx := m.opList.Index()
	if idx == m.lastOpIdx {
		return
	}
	m.lastOpIdx = idx
	m.operandInput.SetValue("")
	if op := m.getSelectedOp(); op != nil {
		m.operandInput.Placeholder = op.operandHint
	}
}

func (m *consoleModel) resetSession() {
	m.signedOn = false
	m.loaderName = ""
	m.lastResponse = nil
	m.synchronized = false
	m.seq = 1
	m.lastUserSeq = 1 // reconnect re-sends the opening sign-on as seq 1
	m.lastSentAt = time.Now()
	m.focusedField = focusOpList
	m.operandInput.Blur()
}

func (m *consoleModel) updateListSize() {
	// Adjust list size based on terminal size
	listHeight := m.height / 3
	if listHeight < 5 {
		listHeight = 5
	}
	m.opList.SetSize(28, listHeight)
}
