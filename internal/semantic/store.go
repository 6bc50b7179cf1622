package semantic

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/seanankenbruck/semantic-analytics/internal/observability"
)

// Source loads a complete semantic model.
type Source interface {
	Load(ctx context.Context) (*Model, error)
	Name() string
}

// TableChecker reports whether a table exists in the query engine catalog.
type TableChecker interface {
	TableExists(ctx context.Context, table string) (bool, error)
}

// Store holds the current model. Readers always see a complete model; a
// reload swaps the pointer in one step.
type Store struct {
	current atomic.Pointer[Model]
	source  Source
	checker TableChecker
	logger  *observability.Logger

	reloadMu sync.Mutex
}

// NewStore creates a store backed by source. checker may be nil, in which
// case every declared event table is kept.
func NewStore(source Source, checker TableChecker, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Store{source: source, checker: checker, logger: logger}
}

// NewStaticStore wraps an already built model.
func NewStaticStore(model *Model) *Store {
	s := &Store{logger: observability.NewNopLogger()}
	s.current.Store(model)
	return s
}

// Current returns the active model, or nil before the first load.
func (s *Store) Current() *Model {
	return s.current.Load()
}

// Reload reads the source and swaps the model in. On failure the previous
// model stays active.
func (s *Store) Reload(ctx context.Context) (*Model, error) {
	if s.source == nil {
		return nil, fmt.Errorf("semantic store has no source")
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	model, err := s.source.Load(ctx)
	if err != nil {
		s.logger.Error(ctx, "Failed to load semantic model", err, map[string]interface{}{
			"source": s.source.Name(),
		})
		return nil, fmt.Errorf("load semantic model from %s: %w", s.source.Name(), err)
	}

	model, err = s.pruneEventTables(ctx, model)
	if err != nil {
		return nil, err
	}

	s.current.Store(model)
	s.logger.Info(ctx, "Semantic model loaded", map[string]interface{}{
		"source":       s.source.Name(),
		"version":      model.Version,
		"metrics":      len(model.Metrics),
		"dimensions":   len(model.Dimensions),
		"event_tables": len(model.EventTables),
	})
	return model, nil
}

// pruneEventTables drops event tables the catalog does not know about. A
// catalog error keeps the table, since the diagnostics step tolerates
// missing evidence.
func (s *Store) pruneEventTables(ctx context.Context, model *Model) (*Model, error) {
	if s.checker == nil || len(model.EventTables) == 0 {
		return model, nil
	}

	var kept []EventTable
	for _, ev := range model.EventTables {
		exists, err := s.checker.TableExists(ctx, ev.Table)
		if err != nil {
			s.logger.Warn(ctx, "Could not check event table", map[string]interface{}{
				"table": ev.Table,
				"error": err.Error(),
			})
			kept = append(kept, ev)
			continue
		}
		if !exists {
			s.logger.Info(ctx, "Event table not in catalog, skipping", map[string]interface{}{
				"table": ev.Table,
			})
			continue
		}
		kept = append(kept, ev)
	}

	if len(kept) == len(model.EventTables) {
		return model, nil
	}
	return model.WithEventTables(kept)
}
