// Package prompts holds the prompt templates used by the pipeline stages as
// an immutable snapshot that can be swapped at runtime.
package prompts

import (
	"context"
	"sync/atomic"

	"store-insights/internal/common/logger"
	"store-insights/internal/common/metrics"
)

type Store struct {
	source   Source
	logger   logger.Logger
	defaults *Snapshot
	current  atomic.Pointer[Snapshot]
}

// NewStore starts on the built-in templates. Call Reload to pull from source.
func NewStore(source Source, log logger.Logger) *Store {
	s := &Store{
		source:   source,
		logger:   log,
		defaults: Defaults(),
	}
	s.current.Store(s.defaults)
	return s
}

// Snapshot returns the current templates. Callers should take one snapshot
// per request and use it throughout.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Reload loads the source and swaps the snapshot. On any error the previous
// snapshot stays in place.
func (s *Store) Reload(ctx context.Context) error {
	if s.source == nil {
		s.current.Store(s.defaults)
		metrics.PromptReloads.WithLabelValues("builtin").Inc()
		return nil
	}

	doc, err := s.source.Load(ctx)
	if err != nil {
		metrics.PromptReloads.WithLabelValues("error").Inc()
		s.logger.Warn("Prompt reload failed, keeping current templates", map[string]interface{}{
			"source": s.source.Name(),
			"error":  err.Error(),
		})
		return err
	}

	snap, err := newSnapshot(doc, s.source.Name(), s.defaults)
	if err != nil {
		metrics.PromptReloads.WithLabelValues("invalid").Inc()
		s.logger.Warn("Prompt templates rejected, keeping current templates", map[string]interface{}{
			"source": s.source.Name(),
			"error":  err.Error(),
		})
		return err
	}

	s.current.Store(snap)
	metrics.PromptReloads.WithLabelValues("ok").Inc()
	s.logger.Info("Prompt templates loaded", map[string]interface{}{
		"source":    snap.Source,
		"version":   snap.Version,
		"templates": snap.Len(),
	})
	return nil
}
