// Package core holds the runtime context handed to every component at
// construction time.
package core

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/HerbHall/warden/pkg/plugin"
	"go.uber.org/zap"
)

// Clock returns the current time. Components never call time.Now directly.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// Env is built once at startup and passed to constructors. It is never
// mutated after construction.
type Env struct {
	Logger *zap.Logger
	Clock  Clock
	Rand   io.Reader
	Bus    plugin.EventBus
}

// NewEnv fills unset fields with production defaults.
func NewEnv(logger *zap.Logger, bus plugin.EventBus) Env {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Env{
		Logger: logger,
		Clock:  SystemClock,
		Rand:   rand.Reader,
		Bus:    bus,
	}
}

// Named returns a copy of the Env whose logger is scoped to component.
func (e Env) Named(component string) Env {
	e.Logger = e.Logger.Named(component)
	return e
}

// Now reads the Env clock, falling back to the system clock.
func (e Env) Now() time.Time {
	if e.Clock == nil {
		return SystemClock()
	}
	return e.Clock()
}

// Random returns the Env randomness source, falling back to crypto/rand.
func (e Env) Random() io.Reader {
	if e.Rand == nil {
		return rand.Reader
	}
	return e.Rand
}
