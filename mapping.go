package odatamap

import (
	"fmt"
	"reflect"

	"github.com/nlstn/go-odatamap/internal/mapping"
	"github.com/nlstn/go-odatamap/internal/metadata"
)

// Provider supplies member correspondences, member classification and projections.
// *Configuration is the provider shipped with this package.
type Provider = mapping.Provider

// Configuration holds the type maps between source and destination types.
type Configuration = mapping.Configuration

// TypeMap configures the member correspondences of one source and destination pair.
type TypeMap = mapping.TypeMap

// Registry caches the analyzed metadata of source types.
type Registry = metadata.Registry

// MemberKind classifies a source member as literal, complex or navigation.
type MemberKind = metadata.PropertyKind

const (
	KindLiteral    = metadata.KindLiteral
	KindComplex    = metadata.KindComplex
	KindNavigation = metadata.KindNavigation
)

// NewConfiguration returns an empty mapping configuration. Source members are
// classified through registry; nil selects the process-wide registry.
func NewConfiguration(registry *Registry) *Configuration {
	return mapping.NewConfiguration(registry)
}

// CreateMap adds the type map from TSrc to TDest. Destination members map to the
// source member of the same name unless configured otherwise; a destination name
// such as BuilderName also matches the chain Builder.Name.
func CreateMap[TSrc, TDest any](c *Configuration) *TypeMap {
	return mapping.CreateMap[TSrc, TDest](c)
}

// RegisterMember overrides the classification of a member of the source type T in the
// process-wide registry. It must be called before T is first queried.
func RegisterMember[T any](member string, kind MemberKind) error {
	return metadata.Default().Register(reflect.TypeOf((*T)(nil)).Elem(), member, kind)
}

// LoadMappingFile adds the type maps of the YAML mapping file at path to c. types
// lists a sample value of every type the file names.
//
//	maps:
//	  - source: Building
//	    destination: BuildingView
//	    members:
//	      Name: LongName
func LoadMappingFile(c *Configuration, path string, types ...interface{}) error {
	mf, err := mapping.LoadFile(path)
	if err != nil {
		return err
	}
	if err := c.Apply(mf, types...); err != nil {
		return fmt.Errorf("mapping file %s: %w", path, err)
	}
	return nil
}
