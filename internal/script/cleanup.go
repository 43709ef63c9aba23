package script

import (
	"sync"

	"go.uber.org/zap"

	"github.com/flatnas/scripthost/internal/infrastructure/logging"
	"github.com/flatnas/scripthost/internal/infrastructure/monitoring"
)

// CleanupRegistry collects zero-argument callbacks contributed during a
// generation's lifetime. Entries are drained in reverse registration
// order at teardown; the registry object itself is shared across
// generations but always empty between them.
type CleanupRegistry struct {
	mu      sync.Mutex
	entries []func()
}

// Register appends a callback.
func (c *CleanupRegistry) Register(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.entries = append(c.entries, fn)
	c.mu.Unlock()
}

// Len returns the number of registered entries.
func (c *CleanupRegistry) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Drain runs all entries last-registered-first and clears the registry.
// Each callback's failure is isolated so one broken cleanup cannot
// block the rest.
func (c *CleanupRegistry) Drain(logger *logging.Logger, metrics *monitoring.Metrics) {
	c.mu.Lock()
	entries := c.entries
	c.entries = nil
	c.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		runIsolated(entries[i], logger, metrics)
	}
}

func runIsolated(fn func(), logger *logging.Logger, metrics *monitoring.Metrics) {
	errored := false
	defer func() {
		if r := recover(); r != nil {
			errored = true
			if logger != nil {
				logger.Warn("cleanup callback panicked", zap.Any("panic", r))
			}
		}
		metrics.ObserveCleanup(errored)
	}()
	fn()
}
