package odatamap

import (
	"log/slog"

	"github.com/nlstn/go-odatamap/internal/metadata"
	"github.com/nlstn/go-odatamap/internal/source"
	"gorm.io/gorm"
)

// Queryable is an immutable query over the elements of a source type.
type Queryable = source.Queryable

// FromGorm returns a queryable over the table of T. Translated predicates are lowered
// to SQL for the dialect of db; CheckDialect reports whether that dialect is supported.
// Table and column names are resolved through registry, nil selecting the
// process-wide registry.
func FromGorm[T any](db *gorm.DB, registry *Registry, logger *slog.Logger) Queryable {
	if registry == nil {
		registry = metadata.Default()
	}
	return source.FromGorm[T](db, source.WithRegistry(registry), source.WithLogger(logger))
}

// FromSlice returns a queryable that evaluates queries over items in memory.
func FromSlice[T any](items []T) Queryable {
	return source.FromSlice(items)
}
