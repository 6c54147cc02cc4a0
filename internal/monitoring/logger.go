// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf;
// cmd/deckbot replaces it with a zap-backed logger.
var Logf func(format string, v ...any) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		Logf = func(string, ...any) {}
		return
	}
	Logf = f
}

// Component returns a logger that prefixes lines with name. Logf is resolved
// on every call so SetLogger takes effect for loggers created earlier.
func Component(name string) func(format string, v ...any) {
	prefix := name + ": "
	return func(format string, v ...any) {
		Logf(prefix+format, v...)
	}
}
