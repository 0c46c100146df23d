// Package monitoring holds the process-wide diagnostic log hooks used by the
// map engine and its collaborators.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// warnf receives developer-facing warnings: dropped map updates, rejected
// patches and similar recoverable conditions. It shares Logf unless replaced.
var warnf func(format string, v ...interface{})

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetWarnLogger routes warnings to f. Passing nil sends warnings back
// through Logf.
func SetWarnLogger(f func(format string, v ...interface{})) {
	warnf = f
}

// Warnf logs a recoverable problem with a WARN prefix.
func Warnf(format string, v ...interface{}) {
	if warnf != nil {
		warnf(format, v...)
		return
	}
	Logf("WARN "+format, v...)
}

// Tagged returns a logger that prefixes every line with "[tag] ".
func Tagged(tag string) func(format string, v ...interface{}) {
	prefix := "[" + tag + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
