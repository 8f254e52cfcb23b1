// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks frame statistics and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames     uint64
	ValidFrames     uint64
	ChecksumErrors  uint64
	FramingErrors   uint64
	MalformedFrames uint64
	ShortBodies     uint64
	LengthErrors    uint64
	AnomalousFrames uint64
	UnknownCommands uint64
	InvalidValues   uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update updates statistics based on a frame and its errors
func (s *Statistics) Update(frame *Frame, decodeErr error, validationErrors []ValidationError) {
	s.TotalFrames++

	// Handle decode errors
	if decodeErr != nil {
		var ck *ChecksumMismatchError
		if errors.As(decodeErr, &ck) {
			s.ChecksumErrors++
		} else {
			// Other decode errors (length field, framing)
			s.FramingErrors++
		}
		return // Don't process frame further if decode failed
	}

	// Handle validation errors
	if len(validationErrors) > 0 {
		for _, err := range validationErrors {
			switch err.Type {
			case AnomalyShortBody:
				s.ShortBodies++
				s.MalformedFrames++
			case AnomalyLengthMismatch:
				s.LengthErrors++
				s.MalformedFrames++
			case AnomalyUnknownCommand:
				s.UnknownCommands++
				s.AnomalousFrames++
			case AnomalyInvalidValue:
				s.InvalidValues++
				s.AnomalousFrames++
			}
		}
	} else {
		// No errors - frame is valid
		s.ValidFrames++
	}

	// Update timestamp for rate calculation
	s.LastUpdateTime = time.Now()
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		errorCount := s.ChecksumErrors + s.FramingErrors + s.MalformedFrames + s.AnomalousFrames
		s.ErrorRate = float64(errorCount) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	// Calculate percentages
	var validPercent, checksumPercent, framingPercent, malformedPercent, anomalousPercent float64
	if s.TotalFrames > 0 {
		validPercent = float64(s.ValidFrames) * 100.0 / float64(s.TotalFrames)
		checksumPercent = float64(s.ChecksumErrors) * 100.0 / float64(s.TotalFrames)
		framingPercent = float64(s.FramingErrors) * 100.0 / float64(s.TotalFrames)
		malformedPercent = float64(s.MalformedFrames) * 100.0 / float64(s.TotalFrames)
		anomalousPercent = float64(s.AnomalousFrames) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, validPercent)

	if s.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d (%.1f%%)\n", s.ChecksumErrors, checksumPercent)
	}
	if s.FramingErrors > 0 {
		result += fmt.Sprintf("Framing Errors:  %8d (%.1f%%)\n", s.FramingErrors, framingPercent)
	}
	if s.MalformedFrames > 0 {
		result += fmt.Sprintf("Malformed Frames:%8d (%.1f%%)\n", s.MalformedFrames, malformedPercent)
		if s.ShortBodies > 0 {
			result += fmt.Sprintf("  Short Bodies:     %5d\n", s.ShortBodies)
		}
		if s.LengthErrors > 0 {
			result += fmt.Sprintf("  Length Mismatch:  %5d\n", s.LengthErrors)
		}
	}
	if s.AnomalousFrames > 0 {
		result += fmt.Sprintf("Anomalous Frames:%8d (%.1f%%)\n", s.AnomalousFrames, anomalousPercent)
		if s.UnknownCommands > 0 {
			result += fmt.Sprintf("  Unknown Commands: %5d\n", s.UnknownCommands)
		}
		if s.InvalidValues > 0 {
			result += fmt.Sprintf("  Invalid Values:   %5d\n", s.InvalidValues)
		}
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	now := time.Now()
	s.StartTime = now
	s.LastUpdateTime = now
	s.TotalFrames = 0
	s.ValidFrames = 0
	s.ChecksumErrors = 0
	s.FramingErrors = 0
	s.MalformedFrames = 0
	s.ShortBodies = 0
	s.LengthErrors = 0
	s.AnomalousFrames = 0
	s.UnknownCommands = 0
	s.InvalidValues = 0
	s.FrameRate = 0
	s.ErrorRate = 0
}
