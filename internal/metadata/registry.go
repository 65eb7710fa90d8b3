package metadata

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/nlstn/go-odatamap/internal/expr"
	"gorm.io/gorm/schema"
)

// Registry caches entity metadata per type. Each type is analyzed once; the stored
// metadata is never modified afterwards, so lookups are safe for concurrent use.
type Registry struct {
	namer schema.Namer
	cache sync.Map

	mu        sync.RWMutex
	entities  map[reflect.Type]*EntityMetadata
	overrides map[reflect.Type]map[string]PropertyKind
}

// NewRegistry returns a registry that names tables and columns with namer.
// A nil namer selects GORM's default naming strategy.
func NewRegistry(namer schema.Namer) *Registry {
	if namer == nil {
		namer = schema.NamingStrategy{}
	}
	return &Registry{
		namer:     namer,
		entities:  make(map[reflect.Type]*EntityMetadata),
		overrides: make(map[reflect.Type]map[string]PropertyKind),
	}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry using GORM's default naming strategy.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(nil)
	})
	return defaultRegistry
}

// Namer returns the naming strategy of the registry.
func (r *Registry) Namer() schema.Namer {
	return r.namer
}

// Register overrides the classification of a member of entityType. Overrides must be
// registered before the type is first analyzed.
func (r *Registry) Register(entityType reflect.Type, member string, kind PropertyKind) error {
	entityType = expr.Deref(entityType)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, analyzed := r.entities[entityType]; analyzed {
		return fmt.Errorf("entity %s was already analyzed; register overrides before first use", entityType.Name())
	}
	m := r.overrides[entityType]
	if m == nil {
		m = make(map[string]PropertyKind)
		r.overrides[entityType] = m
	}
	m[member] = kind
	return nil
}

// Entity returns the metadata of entityType, analyzing it on first use.
func (r *Registry) Entity(entityType reflect.Type) (*EntityMetadata, error) {
	entityType = expr.Deref(entityType)
	r.mu.RLock()
	md, ok := r.entities[entityType]
	r.mu.RUnlock()
	if ok {
		return md, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if md, ok := r.entities[entityType]; ok {
		return md, nil
	}
	md, err := AnalyzeEntity(reflect.New(entityType).Interface(), &r.cache, r.namer, r.overrides[entityType])
	if err != nil {
		return nil, err
	}
	r.entities[entityType] = md
	return md, nil
}

// Classify returns the kind of member on entityType.
func (r *Registry) Classify(entityType reflect.Type, member string) (PropertyKind, error) {
	md, err := r.Entity(entityType)
	if err != nil {
		return KindLiteral, err
	}
	prop := md.FindProperty(member)
	if prop == nil {
		return KindLiteral, fmt.Errorf("property '%s' does not exist on %s", member, md.EntityName)
	}
	return prop.Kind, nil
}
