package api

import (
	"fmt"
	"sync"
)

// RunContext is the per-run map from context key to recorded result. It is
// append-only: a key can be written once, except that a suspended entry may
// be overwritten when the run resumes. The only mutation path is Record.
type RunContext struct {
	mu      sync.RWMutex
	results map[string]StepResult
	order   []string
}

// NewRunContext returns an empty context.
func NewRunContext() *RunContext {
	return &RunContext{results: make(map[string]StepResult)}
}

// RestoreRunContext rebuilds a context from a persisted snapshot.
func RestoreRunContext(steps map[string]StepResult, order []string) *RunContext {
	c := NewRunContext()
	for _, k := range order {
		if r, ok := steps[k]; ok {
			c.results[k] = r
			c.order = append(c.order, k)
		}
	}
	// Tolerate snapshots written without an order.
	for k, r := range steps {
		if _, ok := c.results[k]; !ok {
			c.results[k] = r
			c.order = append(c.order, k)
		}
	}
	return c
}

// Record writes the result for key.
func (c *RunContext) Record(key string, r StepResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.results[key]; ok {
		if prev.Status != StepSuspended {
			return fmt.Errorf("%w: %s", ErrResultAlreadyRecorded, key)
		}
		c.results[key] = r
		return nil
	}
	c.results[key] = r
	c.order = append(c.order, key)
	return nil
}

// Get returns the result recorded under key.
func (c *RunContext) Get(key string) (StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[key]
	return r, ok
}

// Len returns the number of recorded entries.
func (c *RunContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.results)
}

// Keys returns the recorded keys in first-write order.
func (c *RunContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Snapshot returns a copy of all recorded entries.
func (c *RunContext) Snapshot() map[string]StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]StepResult, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}
