package model

import (
	"log/slog"
	"time"

	"github.com/dhcgn/mail-and-packages/stats"
)

// Env is the per-run context handed to every pipeline stage.
type Env struct {
	Store  Store
	Logger *slog.Logger
	// Today is the day searches are anchored to.
	Today time.Time
	Stats *stats.Collector
}

// Log returns the run logger, or a discarding one when none is set.
func (e Env) Log() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// Record forwards evt to the stats collector when one is attached.
func (e Env) Record(evt stats.Event) {
	if e.Stats != nil {
		e.Stats.Record(evt)
	}
}
