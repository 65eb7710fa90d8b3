// Package mapping holds the correspondences between source entities and the
// destination view types exposed to OData clients.
//
// A Configuration stores one TypeMap per (source, destination) pair. Destination
// members are matched to source members by explicit ForMember paths, by identical
// name, or by flattening (BuilderName -> Builder.Name). The configuration resolves
// destination member paths into source expression chains and synthesizes the
// projection expressions that build destination values.
//
//	cfg := mapping.NewConfiguration(nil)
//	mapping.CreateMap[Building, BuildingView](cfg).
//		ForMember("Name", "LongName").
//		Ignore("Internal")
package mapping

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/nlstn/go-odatamap/internal/expr"
	"github.com/nlstn/go-odatamap/internal/metadata"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
)

// Configuration is the mapping configuration provider. Type maps are added during
// setup; afterwards the configuration is read-only and safe for concurrent use.
type Configuration struct {
	mu       sync.RWMutex
	typeMaps map[typeMapKey]*TypeMap
	registry *metadata.Registry
	logger   *slog.Logger
}

// typeMapKey uniquely identifies a source-destination type pair.
type typeMapKey struct {
	src  reflect.Type
	dest reflect.Type
}

// TypeMap describes how a destination type is built from a source type.
type TypeMap struct {
	Source      reflect.Type
	Destination reflect.Type

	members map[string]*MemberMap
	err     error
}

// MemberMap is the configured correspondence of one destination member.
type MemberMap struct {
	Destination string
	// SourcePath is the chain of source members, e.g. ["Builder", "Name"].
	SourcePath []string
	// Parameter names the projection parameter the member is read from.
	Parameter string
	Ignored   bool
	// Flattened is set when the path was found by splitting the destination name.
	Flattened bool
}

// NewConfiguration returns an empty configuration. Member kinds are looked up in
// registry; nil selects metadata.Default().
func NewConfiguration(registry *metadata.Registry) *Configuration {
	if registry == nil {
		registry = metadata.Default()
	}
	return &Configuration{
		typeMaps: make(map[typeMapKey]*TypeMap),
		registry: registry,
		logger:   slog.Default(),
	}
}

// SetLogger sets the logger used for configuration diagnostics.
func (c *Configuration) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	c.logger = logger
}

// Registry returns the metadata registry used to classify source members.
func (c *Configuration) Registry() *metadata.Registry {
	return c.registry
}

// CreateMap adds the type map from TSrc to TDest to the configuration.
func CreateMap[TSrc, TDest any](c *Configuration) *TypeMap {
	var src TSrc
	var dest TDest
	return c.AddMap(reflect.TypeOf(src), reflect.TypeOf(dest))
}

// AddMap adds the type map from src to dest, replacing an existing one. Pointer
// types are reduced to their struct types.
func (c *Configuration) AddMap(src, dest reflect.Type) *TypeMap {
	src, dest = expr.Deref(src), expr.Deref(dest)
	tm := &TypeMap{
		Source:      src,
		Destination: dest,
		members:     make(map[string]*MemberMap),
	}
	if src.Kind() != reflect.Struct || dest.Kind() != reflect.Struct {
		tm.err = fmt.Errorf("type map %s -> %s: both types must be structs", src, dest)
	}

	c.mu.Lock()
	c.typeMaps[typeMapKey{src: src, dest: dest}] = tm
	c.mu.Unlock()
	return tm
}

// FindTypeMap returns the type map from src to dest. Identical types map onto
// themselves without configuration.
func (c *Configuration) FindTypeMap(src, dest reflect.Type) (*TypeMap, bool) {
	src, dest = expr.Deref(src), expr.Deref(dest)
	c.mu.RLock()
	tm, ok := c.typeMaps[typeMapKey{src: src, dest: dest}]
	c.mu.RUnlock()
	if ok {
		return tm, true
	}
	if src == dest && src.Kind() == reflect.Struct {
		return &TypeMap{Source: src, Destination: dest}, true
	}
	return nil, false
}

func (c *Configuration) typeMap(src, dest reflect.Type) (*TypeMap, error) {
	tm, ok := c.FindTypeMap(src, dest)
	if !ok {
		return nil, &queryerrors.UnmappedMemberError{
			Type:   expr.Deref(dest),
			Reason: fmt.Sprintf("no type map from %s", expr.Deref(src)),
		}
	}
	if tm.err != nil {
		return nil, tm.err
	}
	return tm, nil
}

// Validate checks every type map: explicit paths must exist and every destination
// member must resolve or be ignored.
func (c *Configuration) Validate() error {
	c.mu.RLock()
	maps := make([]*TypeMap, 0, len(c.typeMaps))
	for _, tm := range c.typeMaps {
		maps = append(maps, tm)
	}
	c.mu.RUnlock()
	sort.Slice(maps, func(i, j int) bool {
		return maps[i].Destination.String() < maps[j].Destination.String()
	})

	for _, tm := range maps {
		if tm.err != nil {
			return tm.err
		}
		for i := 0; i < tm.Destination.NumField(); i++ {
			f := tm.Destination.Field(i)
			if !f.IsExported() {
				continue
			}
			mm, err := tm.Member(f.Name)
			if err != nil {
				return err
			}
			if mm.Ignored || mm.Parameter != "" {
				continue
			}
			if err := c.checkMember(tm, mm, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Configuration) checkMember(tm *TypeMap, mm *MemberMap, f reflect.StructField) error {
	srcType, err := pathType(tm.Source, mm.SourcePath)
	if err != nil {
		return err
	}
	if expr.IsCollection(f.Type) || expr.IsStructured(f.Type) {
		return c.checkNested(srcType, f.Type, f.Name)
	}
	if !expr.Convertible(srcType, f.Type) {
		return &queryerrors.TypeMismatchError{Member: f.Name, From: srcType, To: f.Type}
	}
	return nil
}

// checkNested verifies that a structured or collection source value can build the
// destination member type through a type map.
func (c *Configuration) checkNested(srcType, destType reflect.Type, member string) error {
	if expr.IsCollection(destType) != expr.IsCollection(srcType) {
		return &queryerrors.TypeMismatchError{Member: member, From: srcType, To: destType}
	}
	if expr.IsCollection(destType) {
		srcType, destType = expr.ElementType(srcType), expr.ElementType(destType)
	}
	if !expr.IsStructured(srcType) {
		return &queryerrors.TypeMismatchError{Member: member, From: srcType, To: destType}
	}
	if _, ok := c.FindTypeMap(srcType, destType); !ok {
		return &queryerrors.TypeMismatchError{Member: member, From: srcType, To: destType}
	}
	return nil
}

// Err returns the first configuration error recorded on the type map.
func (tm *TypeMap) Err() error {
	return tm.err
}

func (tm *TypeMap) destField(name string) (reflect.StructField, bool) {
	f, ok := tm.Destination.FieldByName(name)
	if !ok || !f.IsExported() {
		return reflect.StructField{}, false
	}
	return f, true
}

func (tm *TypeMap) setMember(mm *MemberMap) *TypeMap {
	if tm.err != nil {
		return tm
	}
	if _, ok := tm.destField(mm.Destination); !ok {
		tm.err = &queryerrors.UnmappedMemberError{Type: tm.Destination, Member: mm.Destination, Reason: "no such destination member"}
		return tm
	}
	if tm.members == nil {
		tm.members = make(map[string]*MemberMap)
	}
	tm.members[mm.Destination] = mm
	return tm
}

// ForMember maps the destination member dest to the dotted source member path,
// for example "Builder.City.Name".
func (tm *TypeMap) ForMember(dest, sourcePath string) *TypeMap {
	path := strings.Split(sourcePath, ".")
	if _, err := pathType(tm.Source, path); err != nil {
		if tm.err == nil {
			tm.err = fmt.Errorf("type map %s -> %s member %s: %w", tm.Source.Name(), tm.Destination.Name(), dest, err)
		}
		return tm
	}
	return tm.setMember(&MemberMap{Destination: dest, SourcePath: path})
}

// MapFromParameter binds the destination member dest to the projection parameter name.
// The member is left at its zero value when the parameter is not supplied.
func (tm *TypeMap) MapFromParameter(dest, name string) *TypeMap {
	return tm.setMember(&MemberMap{Destination: dest, Parameter: name})
}

// Ignore excludes destination members from mapping.
func (tm *TypeMap) Ignore(dest ...string) *TypeMap {
	for _, name := range dest {
		tm.setMember(&MemberMap{Destination: name, Ignored: true})
	}
	return tm
}

// Member returns the correspondence of the destination member dest: the configured
// one, or else the member found by name convention.
func (tm *TypeMap) Member(dest string) (*MemberMap, error) {
	if mm, ok := tm.members[dest]; ok {
		return mm, nil
	}
	if _, ok := tm.destField(dest); !ok {
		return nil, &queryerrors.UnmappedMemberError{Type: tm.Destination, Member: dest}
	}
	if path := matchSource(tm.Source, dest); path != nil {
		return &MemberMap{Destination: dest, SourcePath: path, Flattened: len(path) > 1}, nil
	}
	return nil, &queryerrors.UnmappedMemberError{
		Type:   tm.Destination,
		Member: dest,
		Reason: fmt.Sprintf("no matching member on %s", tm.Source.Name()),
	}
}

// matchSource finds a source member path for a destination member name, first by
// identical name and then by splitting the name at case boundaries.
func matchSource(src reflect.Type, name string) []string {
	src = expr.Deref(src)
	if f, ok := src.FieldByName(name); ok && f.IsExported() {
		return []string{name}
	}
	parts := splitPascalCase(name)
	if len(parts) < 2 {
		return nil
	}
	return flatten(src, parts)
}

// flatten matches parts against nested members, preferring the longest member name
// at each level.
func flatten(t reflect.Type, parts []string) []string {
	t = expr.Deref(t)
	if t.Kind() != reflect.Struct {
		return nil
	}
	for i := len(parts); i >= 1; i-- {
		candidate := strings.Join(parts[:i], "")
		f, ok := t.FieldByName(candidate)
		if !ok || !f.IsExported() {
			continue
		}
		if i == len(parts) {
			return []string{candidate}
		}
		if !expr.IsStructured(f.Type) || expr.IsCollection(f.Type) {
			continue
		}
		if rest := flatten(f.Type, parts[i:]); rest != nil {
			return append([]string{candidate}, rest...)
		}
	}
	return nil
}

// splitPascalCase splits "BuilderCityID" into ["Builder", "City", "ID"].
func splitPascalCase(s string) []string {
	runes := []rune(s)
	var parts []string
	start := 0
	for i := 1; i < len(runes); i++ {
		upper := unicode.IsUpper(runes[i])
		prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
		nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
		if upper && (prevLower || (unicode.IsUpper(runes[i-1]) && nextLower)) {
			parts = append(parts, string(runes[start:i]))
			start = i
		}
	}
	return append(parts, string(runes[start:]))
}

// pathType returns the type reached by following path from t.
func pathType(t reflect.Type, path []string) (reflect.Type, error) {
	cur := t
	for _, name := range path {
		st := expr.Deref(cur)
		if st.Kind() != reflect.Struct {
			return nil, &queryerrors.UnmappedMemberError{Type: cur, Member: name, Reason: "not a struct"}
		}
		f, ok := st.FieldByName(name)
		if !ok || !f.IsExported() {
			return nil, &queryerrors.UnmappedMemberError{Type: st, Member: name, Reason: "no such source member"}
		}
		cur = f.Type
	}
	return cur, nil
}
