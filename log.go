// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitcoinunlimited/qaharness/electrum"
	"github.com/bitcoinunlimited/qaharness/internal/wait"
	"github.com/bitcoinunlimited/qaharness/p2p"
	"github.com/bitcoinunlimited/qaharness/portbook"
	"github.com/bitcoinunlimited/qaharness/rpc/noderpc"
	"github.com/bitcoinunlimited/qaharness/rpctest"
	"github.com/bitcoinunlimited/qaharness/scenario"
	"github.com/bitcoinunlimited/qaharness/zmqsub"
	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsytem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.  The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences will
	// occur.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log     = backendLog.Logger("QAHN")
	portLog = backendLog.Logger("PORT")
	nrpcLog = backendLog.Logger("NRPC")
	peerLog = backendLog.Logger("PEER")
	elecLog = backendLog.Logger("ELEC")
	zmqsLog = backendLog.Logger("ZMQS")
	hrnsLog = backendLog.Logger("HRNS")
	scenLog = backendLog.Logger("SCEN")
	waitLog = backendLog.Logger("WAIT")
)

// Initialize package-global logger variables.
func init() {
	portbook.UseLogger(portLog)
	noderpc.UseLogger(nrpcLog)
	p2p.UseLogger(peerLog)
	electrum.UseLogger(elecLog)
	zmqsub.UseLogger(zmqsLog)
	rpctest.UseLogger(hrnsLog)
	scenario.UseLogger(scenLog)
	wait.UseLogger(waitLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"QAHN": log,
	"PORT": portLog,
	"NRPC": nrpcLog,
	"PEER": peerLog,
	"ELEC": elecLog,
	"ZMQS": zmqsLog,
	"HRNS": hrnsLog,
	"SCEN": scenLog,
	"WAIT": waitLog,
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %v", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %v", err)
	}

	logRotator = r
	return nil
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	// Configure all sub-systems with the new logging level.
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// pickNoun returns the singular or plural form of a noun depending
// on the count n.
func pickNoun(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
