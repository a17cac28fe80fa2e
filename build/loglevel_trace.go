//go:build trace
// +build trace

package build

// LogLevel specifies the trace log level.
var LogLevel = "trace"
