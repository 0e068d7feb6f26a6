// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package monitor forwards warnings and errors to Sentry when a DSN is
// configured. It is off by default and always off under `go test`.
package monitor

import (
	"context"
	"flag"
	"fmt"
	"sync/atomic"
	"time"

	sentry "github.com/getsentry/sentry-go"
)

const (
	LevelPanic = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

const flushTimeout = 2 * time.Second

var isOn int32

// InitErrorMonitor initializes Sentry. An empty dsn leaves the monitor off.
func InitErrorMonitor(dsn, version string) error {
	if dsn == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
		TracesSampleRate: 1,
		Release:          version,
	})
	if err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	atomic.StoreInt32(&isOn, 1)
	CaptureMessage("Session:Started")
	return nil
}

// Close flushes buffered events and turns the monitor off.
func Close() {
	if !IsOn() {
		return
	}
	CaptureMessage("Session:Ended")
	sentry.Flush(flushTimeout)
	atomic.StoreInt32(&isOn, 0)
}

// CaptureMessage sends a message to Sentry.
func CaptureMessage(message string) {
	if !IsOn() || isTest() {
		return
	}
	sentry.CaptureMessage(message)
}

// CaptureException sends an error to Sentry. Only warnings and worse are
// forwarded.
func CaptureException(level int, format string, v ...interface{}) {
	if !IsOn() || isTest() {
		return
	}
	if level > LevelWarn {
		return
	}
	sentry.CaptureException(fmt.Errorf(format, v...))
}

// IsOn returns true if the monitor is enabled.
func IsOn() bool {
	return atomic.LoadInt32(&isOn) == 1
}

// isTest returns true if execution is part of test
func isTest() bool {
	return flag.Lookup("test.v") != nil
}

// StartSpan wraps sentry's span so the rest of the codebase does not import
// sentry directly.
func StartSpan(ctx context.Context, op, name string) *sentry.Span {
	if !IsOn() || isTest() {
		return &sentry.Span{}
	}
	return sentry.StartSpan(ctx, op, sentry.TransactionName(name))
}

func Finish(span *sentry.Span) {
	if !IsOn() || isTest() {
		return
	}
	span.Finish()
}
