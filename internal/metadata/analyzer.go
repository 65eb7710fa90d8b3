package metadata

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/nlstn/go-odatamap/internal/expr"
	"gorm.io/gorm/schema"
)

// PropertyKind classifies an entity member for expansion and SQL lowering.
type PropertyKind int

const (
	// KindLiteral is a scalar member stored in a column of the entity table.
	KindLiteral PropertyKind = iota
	// KindComplex is a struct member without identity of its own (embedded value).
	KindComplex
	// KindNavigation is a member that refers to another entity.
	KindNavigation
)

func (k PropertyKind) String() string {
	switch k {
	case KindComplex:
		return "complex"
	case KindNavigation:
		return "navigation"
	}
	return "literal"
}

// EntityMetadata holds metadata about a source entity type
type EntityMetadata struct {
	EntityType    reflect.Type
	EntityName    string
	TableName     string // Database table name (respects custom TableName() methods)
	Properties    []PropertyMetadata
	KeyProperties []PropertyMetadata
	// Schema is the GORM schema of the entity. It is nil when GORM cannot parse the
	// type, in which case relationships fall back to tag analysis.
	Schema *schema.Schema
	// Hooks defines which read hooks are available on this entity
	Hooks struct {
		HasODataBeforeReadCollection bool
		HasODataAfterReadCollection  bool
	}
}

// PropertyMetadata holds metadata about an entity member
type PropertyMetadata struct {
	Name                      string
	Type                      reflect.Type
	FieldName                 string
	ColumnName                string // Database column name (respects GORM column: tags)
	IsKey                     bool
	GormTag                   string
	ODataTag                  string
	Kind                      PropertyKind
	IsNavigationProp          bool
	NavigationTarget          string       // Entity type name for navigation properties
	NavigationTargetType      reflect.Type // Dereferenced element type of the navigation target
	NavigationTargetTableName string       // Database table name for navigation target
	NavigationIsArray         bool         // True for collection navigation properties
	IsComplexType             bool         // True if this property is a complex type (embedded struct)
	EmbeddedPrefix            string
	ComplexTypeFields         map[string]*PropertyMetadata
	// Relationship is the GORM relationship behind a navigation property, when known.
	Relationship *schema.Relationship
}

// AnalyzeEntity extracts metadata from a Go struct. The GORM schema is parsed with the
// given cache and naming strategy; parse failures are tolerated.
func AnalyzeEntity(entity interface{}, cache *sync.Map, namer schema.Namer, overrides map[string]PropertyKind) (*EntityMetadata, error) {
	entityType := reflect.TypeOf(entity)

	// Handle pointer types
	if entityType.Kind() == reflect.Ptr {
		entityType = entityType.Elem()
	}

	if entityType.Kind() != reflect.Struct {
		return nil, fmt.Errorf("entity must be a struct, got %s", entityType.Kind())
	}

	metadata := &EntityMetadata{
		EntityType: entityType,
		EntityName: entityType.Name(),
	}

	if sch, err := schema.Parse(reflect.New(entityType).Interface(), cache, namer); err == nil {
		metadata.Schema = sch
		metadata.TableName = sch.Table
	} else {
		metadata.TableName = getTableNameFromReflectType(entityType, namer)
	}

	analyzeFields(entityType, metadata, namer, overrides)

	// Detect available read hooks
	detectHooks(metadata)

	return metadata, nil
}

func analyzeFields(structType reflect.Type, metadata *EntityMetadata, namer schema.Namer, overrides map[string]PropertyKind) {
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)

		// Skip unexported fields
		if !field.IsExported() {
			continue
		}

		// Promote the members of anonymous structs such as gorm.Model
		if field.Anonymous && expr.IsStructured(field.Type) && !strings.Contains(field.Tag.Get("gorm"), "embedded") {
			analyzeFields(expr.Deref(field.Type), metadata, namer, overrides)
			continue
		}

		property := analyzeField(field, metadata, namer, overrides)
		if property.IsKey {
			metadata.KeyProperties = append(metadata.KeyProperties, property)
		}
		metadata.Properties = append(metadata.Properties, property)
	}
}

func analyzeField(field reflect.StructField, metadata *EntityMetadata, namer schema.Namer, overrides map[string]PropertyKind) PropertyMetadata {
	property := PropertyMetadata{
		Name:      field.Name,
		Type:      field.Type,
		FieldName: field.Name,
		GormTag:   field.Tag.Get("gorm"),
		ODataTag:  field.Tag.Get("odata"),
	}

	if metadata.Schema != nil {
		if rel, ok := metadata.Schema.Relationships.Relations[field.Name]; ok {
			property.Relationship = rel
			property.IsNavigationProp = true
		}
		if f := metadata.Schema.LookUpField(field.Name); f != nil {
			property.ColumnName = f.DBName
			property.IsKey = f.PrimaryKey
		}
	}

	// Check if this is a navigation property
	if !property.IsNavigationProp {
		analyzeNavigationProperty(&property, field, namer)
	} else {
		markNavigation(&property, namer)
	}

	if kind, ok := overrides[field.Name]; ok {
		applyKind(&property, kind, namer)
	} else if kind, ok := KindFromTag(property.ODataTag); ok {
		applyKind(&property, kind, namer)
	}

	if property.IsComplexType {
		analyzeComplexTypeFields(&property, field.Type, metadata.Schema, namer)
	}

	if property.ColumnName == "" && property.Kind == KindLiteral {
		property.ColumnName = getColumnNameFromProperty(&property, namer)
	}
	if !property.IsKey && metadata.Schema == nil {
		property.IsKey = field.Name == "ID" || strings.Contains(property.GormTag, "primaryKey")
	}

	return property
}

// analyzeNavigationProperty determines if a field is a navigation property or complex type
// when GORM did not report a relationship for it.
func analyzeNavigationProperty(property *PropertyMetadata, field reflect.StructField, namer schema.Namer) {
	fieldType := field.Type
	if expr.IsCollection(fieldType) {
		// A slice of entities is a collection navigation even when GORM could not
		// resolve its foreign key.
		markNavigation(property, namer)
		return
	}
	if !expr.IsStructured(fieldType) {
		return
	}

	gormTag := property.GormTag
	odataTag := property.ODataTag

	// Check if it's a navigation property (has foreign key, references, or many2many in either tag)
	hasNavInGorm := strings.Contains(gormTag, "foreignKey") || strings.Contains(gormTag, "references") || strings.Contains(gormTag, "many2many")
	hasNavInOData := strings.Contains(odataTag, "foreignKey:") || strings.Contains(odataTag, "references:")

	if hasNavInGorm || hasNavInOData {
		markNavigation(property, namer)
		return
	}

	// Anything else is a complex type (embedded struct without foreign keys)
	property.IsComplexType = true
	property.Kind = KindComplex
	property.EmbeddedPrefix = extractEmbeddedPrefix(gormTag)
}

func markNavigation(property *PropertyMetadata, namer schema.Namer) {
	target := expr.Deref(property.Type)
	if elem := expr.ElementType(property.Type); elem != nil {
		target = expr.Deref(elem)
		property.NavigationIsArray = true
	}
	property.Kind = KindNavigation
	property.IsNavigationProp = true
	property.IsComplexType = false
	property.NavigationTarget = target.Name()
	property.NavigationTargetType = target
	property.NavigationTargetTableName = getTableNameFromReflectType(target, namer)
	if property.Relationship != nil && property.Relationship.FieldSchema != nil {
		property.NavigationTargetTableName = property.Relationship.FieldSchema.Table
	}
}

func applyKind(property *PropertyMetadata, kind PropertyKind, namer schema.Namer) {
	switch kind {
	case KindNavigation:
		markNavigation(property, namer)
	case KindComplex:
		property.Kind = KindComplex
		property.IsComplexType = true
		property.IsNavigationProp = false
		property.Relationship = nil
		property.NavigationIsArray = false
	default:
		property.Kind = KindLiteral
		property.IsComplexType = false
		property.IsNavigationProp = false
		property.Relationship = nil
		property.NavigationIsArray = false
	}
}

// KindFromTag reads an explicit classification from an odata struct tag value such as
// "navigation", "complex" or "literal".
func KindFromTag(tag string) (PropertyKind, bool) {
	for _, part := range strings.Split(tag, ",") {
		switch strings.TrimSpace(part) {
		case "navigation":
			return KindNavigation, true
		case "complex":
			return KindComplex, true
		case "literal":
			return KindLiteral, true
		}
	}
	return KindLiteral, false
}

// analyzeComplexTypeFields inspects the fields of an embedded complex type and captures their metadata.
func analyzeComplexTypeFields(property *PropertyMetadata, fieldType reflect.Type, sch *schema.Schema, namer schema.Namer) {
	structType := expr.Deref(fieldType)
	if structType.Kind() != reflect.Struct {
		return
	}

	property.ComplexTypeFields = make(map[string]*PropertyMetadata)
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		if !field.IsExported() {
			continue
		}

		nested := &PropertyMetadata{
			Name:      field.Name,
			Type:      field.Type,
			FieldName: field.Name,
			GormTag:   field.Tag.Get("gorm"),
			ODataTag:  field.Tag.Get("odata"),
		}
		if expr.IsStructured(field.Type) && !expr.IsCollection(field.Type) {
			nested.Kind = KindComplex
			nested.IsComplexType = true
			nested.EmbeddedPrefix = property.EmbeddedPrefix + extractEmbeddedPrefix(nested.GormTag)
			analyzeComplexTypeFields(nested, field.Type, nil, namer)
		} else {
			nested.ColumnName = complexColumnName(sch, property, nested, namer)
		}
		property.ComplexTypeFields[nested.Name] = nested
	}
}

// complexColumnName finds the column GORM generated for an embedded member.
func complexColumnName(sch *schema.Schema, parent, nested *PropertyMetadata, namer schema.Namer) string {
	if sch != nil {
		for _, f := range sch.Fields {
			if len(f.BindNames) >= 2 && f.BindNames[len(f.BindNames)-2] == parent.Name && f.Name == nested.Name {
				return f.DBName
			}
		}
	}
	return parent.EmbeddedPrefix + getColumnNameFromProperty(nested, namer)
}

// extractEmbeddedPrefix extracts the embeddedPrefix value from a GORM tag
func extractEmbeddedPrefix(gormTag string) string {
	for _, part := range strings.Split(gormTag, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "embeddedPrefix:") {
			return strings.TrimPrefix(part, "embeddedPrefix:")
		}
	}
	return ""
}

// detectHooks checks which read hooks the entity implements
func detectHooks(metadata *EntityMetadata) {
	entityType := metadata.EntityType

	// Check for both value and pointer receivers
	valueType := entityType
	ptrType := reflect.PointerTo(entityType)

	if hasMethod(valueType, "ODataBeforeReadCollection") || hasMethod(ptrType, "ODataBeforeReadCollection") {
		metadata.Hooks.HasODataBeforeReadCollection = true
	}

	if hasMethod(valueType, "ODataAfterReadCollection") || hasMethod(ptrType, "ODataAfterReadCollection") {
		metadata.Hooks.HasODataAfterReadCollection = true
	}
}

// hasMethod checks if a type has a method with the given name
func hasMethod(t reflect.Type, methodName string) bool {
	_, found := t.MethodByName(methodName)
	return found
}

// FindProperty returns the property metadata matching the provided name.
// Returns nil if no property matches.
func (metadata *EntityMetadata) FindProperty(name string) *PropertyMetadata {
	if metadata == nil {
		return nil
	}

	for i := range metadata.Properties {
		prop := &metadata.Properties[i]
		if prop.Name == name {
			return prop
		}
	}

	return nil
}

// FindNavigationProperty returns the metadata for the requested navigation property.
// Returns nil if the property does not exist or is not a navigation property.
func (metadata *EntityMetadata) FindNavigationProperty(name string) *PropertyMetadata {
	prop := metadata.FindProperty(name)
	if prop != nil && prop.IsNavigationProp {
		return prop
	}
	return nil
}

// FindStructuralProperty returns metadata for structural properties (non-navigation, non-complex types).
func (metadata *EntityMetadata) FindStructuralProperty(name string) *PropertyMetadata {
	prop := metadata.FindProperty(name)
	if prop != nil && prop.Kind == KindLiteral {
		return prop
	}
	return nil
}

// ResolveColumn resolves a literal member path below the entity, walking complex
// members, and returns the column that stores it.
func (metadata *EntityMetadata) ResolveColumn(path []string) (string, error) {
	if len(path) == 0 {
		return "", fmt.Errorf("property path cannot be empty")
	}
	prop := metadata.FindProperty(path[0])
	for i := 1; prop != nil && i < len(path); i++ {
		if !prop.IsComplexType {
			return "", fmt.Errorf("property '%s' is not a complex type in path '%s'", path[i-1], strings.Join(path, "/"))
		}
		prop = prop.ComplexTypeFields[path[i]]
	}
	if prop == nil {
		return "", fmt.Errorf("property path '%s' does not exist on %s", strings.Join(path, "/"), metadata.EntityName)
	}
	if prop.Kind != KindLiteral || prop.ColumnName == "" {
		return "", fmt.Errorf("property path '%s' on %s is not stored in a column", strings.Join(path, "/"), metadata.EntityName)
	}
	return prop.ColumnName, nil
}

// getTableNameFromReflectType computes the table name the way GORM does.
func getTableNameFromReflectType(entityType reflect.Type, namer schema.Namer) string {
	entityType = expr.Deref(entityType)

	// Create a zero value instance and check if it implements TableName()
	instance := reflect.New(entityType).Interface()
	if tabler, ok := instance.(schema.Tabler); ok {
		return tabler.TableName()
	}

	// Fallback to the naming strategy (snake_case pluralization by default)
	return namer.TableName(entityType.Name())
}

// getColumnNameFromProperty computes the database column name for a property.
// This respects GORM column: tags, then falls back to the naming strategy.
func getColumnNameFromProperty(prop *PropertyMetadata, namer schema.Namer) string {
	for _, part := range strings.Split(prop.GormTag, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "column:") {
			return strings.TrimPrefix(part, "column:")
		}
	}
	if namer != nil {
		return namer.ColumnName("", prop.FieldName)
	}
	return toSnakeCase(prop.FieldName)
}

// toSnakeCase converts a string from CamelCase to snake_case
func toSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			// "ProductID" becomes "product_id", not "product_i_d"
			prevRune := rune(s[i-1])
			if prevRune >= 'a' && prevRune <= 'z' {
				result.WriteRune('_')
			} else if i < len(s)-1 {
				// "XMLParser" becomes "xml_parser"
				nextRune := rune(s[i+1])
				if nextRune >= 'a' && nextRune <= 'z' {
					result.WriteRune('_')
				}
			}
		}
		result.WriteRune(r)
	}
	return strings.ToLower(result.String())
}
