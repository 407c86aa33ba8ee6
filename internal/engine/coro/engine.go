// Package coro is a coroutine engine: every top-level call runs on its own
// goroutine, which parks on a channel when the call suspends. Script functions
// are plain Go bodies that report their progress through a *Thread.
package coro

import (
	"sync/atomic"

	"github.com/funvibe/conductor/internal/engine"
)

// Engine creates coro contexts.
type Engine struct {
	live atomic.Int64
}

// New creates a coro engine.
func New() *Engine {
	return &Engine{}
}

func (e *Engine) Name() string { return "coro" }

// NewContext returns a fresh, idle context.
func (e *Engine) NewContext() engine.Context {
	e.live.Add(1)
	return newContext(e)
}

// Live reports how many contexts have been created and not released.
func (e *Engine) Live() int {
	return int(e.live.Load())
}
