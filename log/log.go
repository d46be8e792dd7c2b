// Package log is a thin logrus wrapper shared by every pintfs subsystem.
// Each package gets its own *logrus.Entry tagged with a "component"
// field, following the same per-package leveled-logging shape the
// teacher's dependency stack uses elsewhere in the retrieval pack.
package log

import "github.com/sirupsen/logrus"

// For returns a component-scoped logger. Call once per package and keep
// the result in a package-level variable.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// Fatal reports an on-disk invariant violation: bad magic, double free,
// corrupted meta-sector. These never propagate as an error value —
// something has gone wrong that the data model does not admit, so
// pintfs aborts rather than guess at recovery.
func Fatal(entry *logrus.Entry, format string, args ...interface{}) {
	entry.Errorf(format, args...)
	entry.Panicf(format, args...)
}
