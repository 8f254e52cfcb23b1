// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/cinder/pkg/stk500"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for informational entries
}

// Host programming activity, accumulated across frames
type activityData struct {
	timestamp   time.Time
	commandName string
	command     byte
	seq         byte
	length      int
	wordAddr    uint32
	extended    bool
	hasAddr     bool
	flashPages  uint64
	flashBytes  uint64
	eepromBytes uint64
	readBytes   uint64
	eraseCount  uint64
}

// TUI model
type model struct {
	connInfo      string
	showAll       bool
	stats         *stk500.Statistics
	eventLog      []eventLogEntry
	maxLogEntries int
	synchronized  bool
	invalidBytes  int
	disconnected  bool
	width         int
	height        int
	quitting      bool
	lastActivity  *activityData
}

// Messages
type tickMsg time.Time
type frameMsg struct {
	frame            *stk500.Frame
	decodeErr        error
	validationErrors []stk500.ValidationError
}
type syncMsg struct {
	invalidBytes int
}
type linkClosedMsg struct {
	err error
}

// formatUptime formats a duration in milliseconds to a human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24
	months := days / 30
	years := months / 12

	seconds %= 60
	minutes %= 60
	hours %= 24
	days %= 30
	months %= 12

	parts := []string{}
	if years > 0 {
		if years == 1 {
			parts = append(parts, "1 year")
		} else {
			parts = append(parts, fmt.Sprintf("%d years", years))
		}
	}
	if months > 0 {
		if months == 1 {
			parts = append(parts, "1 month")
		} else {
			parts = append(parts, fmt.Sprintf("%d months", months))
		}
	}
	if days > 0 {
		if days == 1 {
			parts = append(parts, "1 day")
		} else {
			parts = append(parts, fmt.Sprintf("%d days", days))
		}
	}
	if hours > 0 {
		if hours == 1 {
			parts = append(parts, "1 hour")
		} else {
			parts = append(parts, fmt.Sprintf("%d hours", hours))
		}
	}
	if minutes > 0 {
		if minutes == 1 {
			parts = append(parts, "1 minute")
		} else {
			parts = append(parts, fmt.Sprintf("%d minutes", minutes))
		}
	}
	if seconds > 0 || len(parts) == 0 {
		if seconds == 1 {
			parts = append(parts, "1 second")
		} else {
			parts = append(parts, fmt.Sprintf("%d seconds", seconds))
		}
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialModel(connInfo string, showAll bool) model {
	return model{
		connInfo:      connInfo,
		showAll:       showAll,
		stats:         stk500.NewStatistics(),
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		synchronized:  false,
		invalidBytes:  0,
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		// Update statistics rates
		m.stats.CalculateRates()
		return m, tickCmd()

	case syncMsg:
		m.synchronized = true
		m.invalidBytes = msg.invalidBytes
		if msg.invalidBytes > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d invalid bytes", msg.invalidBytes), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}

	case linkClosedMsg:
		m.disconnected = true
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Link closed: %v", msg.err), true)
		} else {
			m.addLogEntry("Link closed", true)
		}

	case frameMsg:
		if msg.decodeErr != nil {
			if m.synchronized {
				m.stats.Update(nil, msg.decodeErr, nil)
				m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", msg.decodeErr), true)
			}
		} else if msg.frame != nil {
			m.stats.Update(msg.frame, nil, msg.validationErrors)

			// Track what the host is doing
			m.parseActivity(msg.frame)

			if len(msg.validationErrors) > 0 {
				// Validation errors
				name := stk500.CommandName(msg.frame.Command())
				for _, err := range msg.validationErrors {
					m.addLogEntry(fmt.Sprintf("%s: %s", name, err.Message), true)
				}
			} else if m.showAll {
				// Valid frame (only if --show-all)
				name := stk500.CommandName(msg.frame.Command())
				m.addLogEntry(fmt.Sprintf("%s seq=%02X len=%d", name, msg.frame.Seq(), msg.frame.Length()), false)
			}
		}
	}

	return m, nil
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

// parseActivity accumulates programming activity from host frames
func (m *model) parseActivity(frame *stk500.Frame) {
	if m.lastActivity == nil {
		m.lastActivity = &activityData{}
	}
	a := m.lastActivity

	a.timestamp = time.Now()
	a.command = frame.Command()
	a.commandName = stk500.CommandName(frame.Command())
	a.seq = frame.Seq()
	a.length = int(frame.Length())

	payload := frame.Payload()
	switch frame.Command() {
	case stk500.CmdLoadAddress:
		if len(payload) < 4 {
			return
		}
		addr := uint32(payload[0])<<24 | uint32(payload[1])<<16 |
			uint32(payload[2])<<8 | uint32(payload[3])
		a.wordAddr = addr &^ 0x80000000
		a.extended = addr&0x80000000 != 0
		a.hasAddr = true

	case stk500.CmdProgramFlash:
		req, err := stk500.ParseProgramRequest(frame.Body())
		if err != nil {
			return
		}
		a.flashPages++
		a.flashBytes += uint64(req.Size)

	case stk500.CmdProgramEEPROM:
		req, err := stk500.ParseProgramRequest(frame.Body())
		if err != nil {
			return
		}
		a.eepromBytes += uint64(req.Size)

	case stk500.CmdReadFlash, stk500.CmdReadEEPROM:
		req, err := stk500.ParseReadRequest(frame.Body())
		if err != nil {
			return
		}
		a.readBytes += uint64(req.Size)

	case stk500.CmdChipErase:
		a.eraseCount++
	}
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

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

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("CINDER - FRAME MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | Press 'q' to quit",
		m.connInfo, func() string {
			if m.showAll {
				return "All frames"
			}
			return "Errors only"
		}())))
	s.WriteString("\n\n")

	// Link status
	if m.disconnected {
		s.WriteString(errorStyle.Render("✗ Link closed"))
		s.WriteString("\n\n")
	} else if !m.synchronized {
		s.WriteString(warningStyle.Render("⏳ Waiting for first frame..."))
		s.WriteString("\n\n")
	} else {
		s.WriteString(statsValueStyle.Render("✓ Synchronized"))
		if m.invalidBytes > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (skipped %d invalid bytes)", m.invalidBytes)))
		}
		s.WriteString("\n\n")
	}

	// Statistics
	m.stats.CalculateRates()
	var validPercent, errorPercent float64
	totalErrors := m.stats.ChecksumErrors + m.stats.FramingErrors + m.stats.MalformedFrames + m.stats.AnomalousFrames
	if m.stats.TotalFrames > 0 {
		validPercent = float64(m.stats.ValidFrames) * 100.0 / float64(m.stats.TotalFrames)
		errorPercent = float64(totalErrors) * 100.0 / float64(m.stats.TotalFrames)
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", m.stats.ValidFrames, validPercent)),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", totalErrors, errorPercent)),
	))

	if m.stats.ChecksumErrors > 0 || m.stats.FramingErrors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Checksum Errors:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.ChecksumErrors)),
			statsLabelStyle.Render("Framing Errors:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.FramingErrors)),
		))
	}

	if m.stats.MalformedFrames > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s",
			statsLabelStyle.Render("Malformed:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.MalformedFrames)),
		))
		if m.stats.ShortBodies > 0 || m.stats.LengthErrors > 0 {
			statsContent.WriteString(fmt.Sprintf(" (%s: %d, %s: %d)",
				headerStyle.Render("short bodies"), m.stats.ShortBodies,
				headerStyle.Render("length mismatches"), m.stats.LengthErrors,
			))
		}
		statsContent.WriteString("\n")
	}

	if m.stats.AnomalousFrames > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s",
			statsLabelStyle.Render("Anomalous:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.AnomalousFrames)),
		))
		if m.stats.UnknownCommands > 0 || m.stats.InvalidValues > 0 {
			statsContent.WriteString(fmt.Sprintf(" (%s: %d, %s: %d)",
				headerStyle.Render("unknown commands"), m.stats.UnknownCommands,
				headerStyle.Render("invalid values"), m.stats.InvalidValues,
			))
		}
		statsContent.WriteString("\n")
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frm/s", m.stats.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if m.stats.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
		}(),
		statsLabelStyle.Render("Monitoring:"), statsValueStyle.Render(formatUptime(uint64(time.Since(m.stats.StartTime).Milliseconds()))),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Activity section (only shown once a frame has arrived)
	if m.lastActivity != nil {
		s.WriteString(statsLabelStyle.Render("Host Activity:"))
		s.WriteString("\n")

		activityContent := strings.Builder{}

		// Last frame
		activityContent.WriteString(fmt.Sprintf("%s %s\n",
			statsLabelStyle.Render("Last Frame:"),
			statsValueStyle.Render(fmt.Sprintf("%s (0x%02X) seq=%02X len=%d",
				m.lastActivity.commandName, m.lastActivity.command,
				m.lastActivity.seq, m.lastActivity.length)),
		))

		// Address cursor if the host has loaded one
		if m.lastActivity.hasAddr {
			addrStr := fmt.Sprintf("word 0x%08X (byte 0x%08X)",
				m.lastActivity.wordAddr, m.lastActivity.wordAddr<<1)
			if m.lastActivity.extended {
				addrStr += " [ext]"
			}
			activityContent.WriteString(fmt.Sprintf("%s %s\n",
				statsLabelStyle.Render("Address:"), statsValueStyle.Render(addrStr),
			))
		}

		// Memory traffic
		if m.lastActivity.flashPages > 0 {
			activityContent.WriteString(fmt.Sprintf("%s %s\n",
				statsLabelStyle.Render("Flash:"),
				statsValueStyle.Render(fmt.Sprintf("%d pages, %d bytes sent",
					m.lastActivity.flashPages, m.lastActivity.flashBytes)),
			))
		}
		if m.lastActivity.eepromBytes > 0 {
			activityContent.WriteString(fmt.Sprintf("%s %s\n",
				statsLabelStyle.Render("EEPROM:"),
				statsValueStyle.Render(fmt.Sprintf("%d bytes sent", m.lastActivity.eepromBytes)),
			))
		}
		if m.lastActivity.readBytes > 0 {
			activityContent.WriteString(fmt.Sprintf("%s %s\n",
				statsLabelStyle.Render("Reads:"),
				statsValueStyle.Render(fmt.Sprintf("%d bytes requested", m.lastActivity.readBytes)),
			))
		}
		if m.lastActivity.eraseCount > 0 {
			activityContent.WriteString(fmt.Sprintf("%s %s\n",
				statsLabelStyle.Render("Chip Erases:"),
				warningStyle.Render(fmt.Sprintf("%d (loader refuses these)", m.lastActivity.eraseCount)),
			))
		}

		s.WriteString(boxStyle.Render(strings.TrimRight(activityContent.String(), "\n")))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	// Calculate how many log entries we can show
	logHeight := m.height - 15 // Reserve space for header and stats
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
