// Copyright (c) 2023 The Decred developers
// Copyright (c) 2024 The txwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package log provides the per-subsystem loggers used by every txwatch
// package.  Unlike a daemon, txwatch is embedded inside a host application,
// so the backend defaults to stderr rather than exiting the process on
// setup failure, and each subsystem logger can be swapped out independently
// so the host can splice txwatch's logs into its own logging pipeline.
package log

import (
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter outputs to both standard error and the write-end pipe of an
// initialized log rotator, when one has been configured.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stderr.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	backendLog = slog.NewBackend(logWriter{})
	logRotator *rotator.Rotator

	// TXDB logs the transaction cache: inserts, lifecycle transitions,
	// and fork suspicion.
	TXDB = backendLog.Logger("TXDB")

	// Indexer logs codec-level request/response traffic against the
	// remote indexer.
	Indexer = backendLog.Logger("INDX")

	// Sync logs the tx and address updaters that drive the cache to
	// convergence.
	Sync = backendLog.Logger("SYNC")

	// Ctrl logs the controller's event loop and connection lifecycle.
	Ctrl = backendLog.Logger("CTRL")
)

// Disabled is a logger that discards all output, useful as a default value
// or for tests that don't want log noise.
var Disabled = slog.Disabled

// subsystems maps subsystem tags to their logger, for SetLogLevel(s).
var subsystems = map[string]slog.Logger{
	"TXDB": TXDB,
	"INDX": Indexer,
	"SYNC": Sync,
	"CTRL": Ctrl,
}

// UseLogger replaces the logger for one subsystem tag (one of "TXDB",
// "INDX", "SYNC", "CTRL") with logger, allowing a host application to
// redirect txwatch's logging into its own backend.
func UseLogger(subsystem string, logger slog.Logger) {
	switch subsystem {
	case "TXDB":
		TXDB = logger
	case "INDX":
		Indexer = logger
	case "SYNC":
		Sync = logger
	case "CTRL":
		Ctrl = logger
	}
	subsystems[subsystem] = logger
}

// SetLogLevels sets the logging level for every subsystem logger.  Invalid
// level strings default to slog.LevelInfo.
func SetLogLevels(levelStr string) {
	level, ok := slog.LevelFromString(levelStr)
	if !ok {
		level = slog.LevelInfo
	}
	for _, l := range subsystems {
		l.SetLevel(level)
	}
}

// InitLogRotator initializes the logging rotator to write logs to logFile,
// rolling to a new file once logSize KiB have been written.  Unlike a
// daemon's log setup, failures are returned to the caller rather than
// terminating the process — this library does not own the host's stdout.
func InitLogRotator(logFile string, logSize int64) error {
	logDir, _ := filepath.Split(logFile)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0700); err != nil {
			return err
		}
	}
	r, err := rotator.New(logFile, logSize, false, 0)
	if err != nil {
		return err
	}
	logRotator = r
	return nil
}

// CloseLogRotator closes the log rotator, syncing all file writes, if the
// rotator was initialized.
func CloseLogRotator() error {
	if logRotator == nil {
		return nil
	}
	return logRotator.Close()
}
