//go:build !stdlog && !nolog
// +build !stdlog,!nolog

package build

// LoggingType is a log type that writes to the backend installed by the
// command.
const LoggingType = LogTypeDefault
