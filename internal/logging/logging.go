// Package logging provides utilities for structured logging across the system.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component owns its own scoped logger
//   - Logger scoping happens once at construction time
//   - slog.With() is used to attach default attributes
//   - If no logger is provided, a discard logger is used
//
// Global configuration (output format, level, destination) belongs only in main().
// Components must never call slog.SetDefault or access global loggers.
//
// Logging is intentionally sparse:
//   - No logging inside tight loops (directory scans, token sweeps, SSE emission)
//   - Lifecycle boundaries are the intended log points
package logging

import (
	"context"
	"log/slog"
	"sync"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
// Use this as a default when no logger is provided.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise returns a discard logger.
// This is the standard pattern for optional logger parameters:
//
//	func NewComponent(logger *slog.Logger) *Component {
//	    logger = logging.Default(logger)
//	    return &Component{logger: logger.With("component", "name")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler filters log records by per-component minimum levels.
// Components identify themselves with a "component" attribute, attached either
// via logger.With at construction time or on individual records. Records from
// components without an explicit level fall back to the default level.
//
// Levels can be changed at runtime; reads take a shared lock only.
type ComponentFilterHandler struct {
	inner slog.Handler
	attrs []slog.Attr // attributes accumulated via WithAttrs

	mu           *sync.RWMutex
	levels       map[string]slog.Level
	defaultLevel *slog.Level
}

// NewComponentFilterHandler wraps inner with per-component level filtering.
func NewComponentFilterHandler(inner slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	var mu sync.RWMutex
	return &ComponentFilterHandler{
		inner:        inner,
		mu:           &mu,
		levels:       make(map[string]slog.Level),
		defaultLevel: &defaultLevel,
	}
}

// SetLevel sets the minimum level for a component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.levels[component] = level
}

// ClearLevel removes a component override, restoring the default level.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.levels, component)
}

// Level returns the effective minimum level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if level, ok := h.levels[component]; ok {
		return level
	}
	return *h.defaultLevel
}

// DefaultLevel returns the fallback level for components without overrides.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return *h.defaultLevel
}

// SetDefaultLevel changes the fallback level for components without overrides.
func (h *ComponentFilterHandler) SetDefaultLevel(level slog.Level) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.defaultLevel = level
}

// Enabled reports whether any component could log at this level.
// Per-component filtering happens in Handle, where the component is known.
func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if level >= *h.defaultLevel {
		return true
	}
	for _, l := range h.levels {
		if level >= l {
			return true
		}
	}
	return false
}

// Handle forwards the record if it meets its component's minimum level.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component(r)

	h.mu.RLock()
	level, ok := h.levels[component]
	if !ok {
		level = *h.defaultLevel
	}
	h.mu.RUnlock()

	if r.Level < level || h.inner == nil {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

// component finds the "component" attribute, preferring record attributes
// over handler attributes.
func (h *ComponentFilterHandler) component(r slog.Record) string {
	component := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	if component != "" {
		return component
	}
	for _, a := range h.attrs {
		if a.Key == "component" {
			return a.Value.String()
		}
	}
	return ""
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	copy(merged[len(h.attrs):], attrs)
	var inner slog.Handler
	if h.inner != nil {
		inner = h.inner.WithAttrs(attrs)
	}
	return &ComponentFilterHandler{
		inner:        inner,
		attrs:        merged,
		mu:           h.mu,
		levels:       h.levels,
		defaultLevel: h.defaultLevel,
	}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	var inner slog.Handler
	if h.inner != nil {
		inner = h.inner.WithGroup(name)
	}
	return &ComponentFilterHandler{
		inner:        inner,
		attrs:        h.attrs,
		mu:           h.mu,
		levels:       h.levels,
		defaultLevel: h.defaultLevel,
	}
}
