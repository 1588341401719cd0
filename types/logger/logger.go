// Package logger defines a type for writing log messages.
package logger

import (
	"log"
	"strings"
)

// Logf is the basic Go logging function type.
type Logf func(format string, args ...interface{})

// Std is a Logf that writes to the standard library's log package.
func Std() Logf {
	return func(format string, args ...interface{}) {
		log.Printf(format, args...)
	}
}

// WithPrefix wraps logf and prepends prefix to each message.
func WithPrefix(logf Logf, prefix string) Logf {
	if prefix == "" {
		return logf
	}
	return func(format string, args ...interface{}) {
		logf(prefix+format, args...)
	}
}

// Discard is a Logf that throws away the logs given to it.
func Discard(string, ...interface{}) {}

// Filtered returns a Logf that only calls logf for messages
// that don't match any of the given substrings.
func Filtered(logf Logf, drop ...string) Logf {
	if len(drop) == 0 {
		return logf
	}
	return func(format string, args ...interface{}) {
		for _, s := range drop {
			if strings.Contains(format, s) {
				return
			}
		}
		logf(format, args...)
	}
}
