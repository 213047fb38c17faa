package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/rcpan/core/account"
	"github.com/rcpan/core/disputeagent"
	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/gossip"
	"github.com/rcpan/core/jadapter"
	"github.com/rcpan/core/orderbook"
	"github.com/rcpan/core/runtime"
)

// logWriter duplicates log output to stdout and the rotating log file.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	logRotator *rotator.Rotator

	backendLog = btclog.NewBackend(logWriter{})

	rcpdLog = backendLog.Logger("RCPD")
	rtLog   = backendLog.Logger("RNTM")
	entLog  = backendLog.Logger("ENTY")
	acctLog = backendLog.Logger("ACCT")
	jadpLog = backendLog.Logger("JADP")
	gsspLog = backendLog.Logger("GSSP")
	obokLog = backendLog.Logger("OBOK")
	dsptLog = backendLog.Logger("DSPT")

	subsystemLoggers = map[string]btclog.Logger{
		"RCPD": rcpdLog,
		"RNTM": rtLog,
		"ENTY": entLog,
		"ACCT": acctLog,
		"JADP": jadpLog,
		"GSSP": gsspLog,
		"OBOK": obokLog,
		"DSPT": dsptLog,
	}
)

func init() {
	runtime.UseLogger(rtLog)
	entity.UseLogger(entLog)
	account.UseLogger(acctLog)
	jadapter.UseLogger(jadpLog)
	gossip.UseLogger(gsspLog)
	orderbook.UseLogger(obokLog)
	disputeagent.UseLogger(dsptLog)
}

// initLogRotator starts the rotating log file under logFile, keeping three
// 10 MiB rolls.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %v", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %v", err)
	}
	logRotator = r
	return nil
}

// setLogLevels applies one debug level to every subsystem.
func setLogLevels(levelStr string) error {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		return fmt.Errorf("unknown log level %q", levelStr)
	}
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
	return nil
}
