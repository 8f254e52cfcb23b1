// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package programmer

import (
	"time"

	"github.com/Thermoquad/cinder/pkg/stk500"
	"github.com/rs/zerolog"
)

// Config holds programmer configuration.
type Config struct {
	// ReplyTimeout bounds the wait for each command's response. An expired
	// wait triggers a resend, up to Retries.
	ReplyTimeout time.Duration

	// Retries is the number of resends after an unanswered command.
	Retries int

	// PageSize is the target's flash page size in bytes. Flash images are
	// written one page per command.
	PageSize int

	// ReadChunkSize bounds the data block requested per read command. Must
	// be even; reads address memory by word.
	ReadChunkSize int

	// VerifyAfterProgram reads flash back after programming and compares.
	VerifyAfterProgram bool

	// ExpectedSignature, when set, is checked against the device before
	// programming starts.
	ExpectedSignature *[3]byte

	// Progress, when set, is called as long operations advance.
	Progress ProgressCallback

	// Trace, when set, captures every frame in both directions.
	Trace *stk500.TraceWriter

	// Logger receives debug detail on retries, stale replies, and phases.
	Logger zerolog.Logger
}

// maxReadChunk is the largest data block a read response can carry: the
// response body holds the token, a status, the data, and a closing status.
const maxReadChunk = stk500.MaxBodySize - 3

func defaultConfig() Config {
	return Config{
		ReplyTimeout:       2 * time.Second,
		Retries:            3,
		PageSize:           256,
		ReadChunkSize:      256,
		VerifyAfterProgram: true,
		Logger:             zerolog.Nop(),
	}
}

// Option configures a Programmer.
type Option func(*Config)

// WithReplyTimeout sets the per-command response timeout.
func WithReplyTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ReplyTimeout = d
		}
	}
}

// WithRetries sets the number of resends after an unanswered command.
func WithRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.Retries = n
		}
	}
}

// WithPageSize sets the target's flash page size.
func WithPageSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.PageSize = n
		}
	}
}

// WithReadChunkSize sets the data block size requested per read command.
// Odd sizes are rounded down; the protocol addresses memory by word.
func WithReadChunkSize(n int) Option {
	return func(c *Config) {
		n &^= 1
		if n <= 0 {
			return
		}
		if n > maxReadChunk {
			n = maxReadChunk
		}
		c.ReadChunkSize = n
	}
}

// WithVerifyAfterProgram controls the read-back pass after programming.
func WithVerifyAfterProgram(enabled bool) Option {
	return func(c *Config) {
		c.VerifyAfterProgram = enabled
	}
}

// WithExpectedSignature makes Program check the device signature first.
func WithExpectedSignature(sig [3]byte) Option {
	return func(c *Config) {
		c.ExpectedSignature = &sig
	}
}

// WithProgress sets the progress callback.
func WithProgress(cb ProgressCallback) Option {
	return func(c *Config) {
		c.Progress = cb
	}
}

// WithTrace captures every frame sent and received to a trace writer.
func WithTrace(w *stk500.TraceWriter) Option {
	return func(c *Config) {
		c.Trace = w
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
