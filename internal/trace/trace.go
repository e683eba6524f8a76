// Package trace provides the structured, leveled logging the negotiator,
// drivers and transports use for diagnostics. It wraps logrus, kept
// separate from the caller-supplied progress sink (a plain io.Writer) so
// transfer progress text and internal diagnostics never interleave.
package trace

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu     sync.RWMutex
	logger = logrus.New()
)

// SetLevel adjusts global verbosity; verbosity 0 maps to Warn, 1 to Info,
// 2+ to Debug.
func SetLevel(verbosity int) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case verbosity <= 0:
		logger.SetLevel(logrus.WarnLevel)
	case verbosity == 1:
		logger.SetLevel(logrus.InfoLevel)
	default:
		logger.SetLevel(logrus.DebugLevel)
	}
}

// For returns a logger scoped to component, e.g. trace.For("fetch").
func For(component string) *logrus.Entry {
	mu.RLock()
	defer mu.RUnlock()
	return logger.WithField("component", component)
}
