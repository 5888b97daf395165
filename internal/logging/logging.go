// Package logging hands out per-subsystem structured loggers, attaching
// fields instead of formatting strings by hand.
package logging

import "github.com/sirupsen/logrus"

var base = logrus.StandardLogger()

// For returns a logger entry tagged with the given subsystem name.
func For(subsystem string) *logrus.Entry {
	return base.WithField("subsystem", subsystem)
}

// SetLevel adjusts the package-wide log level. The CLI front-end has no
// flag that calls it.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}
