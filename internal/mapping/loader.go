package mapping

import (
	"fmt"
	"os"
	"reflect"
	"sort"

	"gopkg.in/yaml.v3"
)

// MappingFile is the YAML representation of a set of type maps:
//
//	version: "1"
//	maps:
//	  - source: Building
//	    destination: BuildingView
//	    members:
//	      Name: LongName
//	      CityName: Builder.City.Name
//	    parameters:
//	      Viewer: viewer
//	    ignore: [Internal]
type MappingFile struct {
	Version string        `yaml:"version"`
	Maps    []TypeMapping `yaml:"maps"`
}

// TypeMapping configures one type map. Types are referenced by their Go type name.
type TypeMapping struct {
	Source      string            `yaml:"source"`
	Destination string            `yaml:"destination"`
	Members     map[string]string `yaml:"members,omitempty"`
	Parameters  map[string]string `yaml:"parameters,omitempty"`
	Ignore      StringOrArray     `yaml:"ignore,omitempty"`
}

// StringOrArray accepts either a single string or a list of strings.
type StringOrArray []string

// UnmarshalYAML implements custom YAML unmarshaling for StringOrArray.
func (s *StringOrArray) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var str string
		if err := node.Decode(&str); err != nil {
			return err
		}
		if str != "" {
			*s = StringOrArray{str}
		} else {
			*s = StringOrArray{}
		}
		return nil
	case yaml.SequenceNode:
		var arr []string
		if err := node.Decode(&arr); err != nil {
			return err
		}
		*s = arr
		return nil
	default:
		return fmt.Errorf("expected string or array, got %v", node.Kind)
	}
}

// LoadFile loads and parses a YAML mapping file from the given path.
func LoadFile(path string) (*MappingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML data into a MappingFile.
func Parse(data []byte) (*MappingFile, error) {
	var mf MappingFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse mapping YAML: %w", err)
	}
	if mf.Version == "" {
		mf.Version = "1"
	}
	for i, m := range mf.Maps {
		if m.Source == "" || m.Destination == "" {
			return nil, fmt.Errorf("mapping %d: source and destination are required", i)
		}
	}
	return &mf, nil
}

// Apply adds the type maps of mf to the configuration. types lists sample values
// (or reflect.Types) of every type the file references by name.
func (c *Configuration) Apply(mf *MappingFile, types ...interface{}) error {
	byName := make(map[string]reflect.Type, len(types))
	for _, v := range types {
		t, ok := v.(reflect.Type)
		if !ok {
			t = reflect.TypeOf(v)
		}
		for t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		byName[t.Name()] = t
		byName[t.String()] = t
	}

	for _, m := range mf.Maps {
		src, ok := byName[m.Source]
		if !ok {
			return fmt.Errorf("mapping %s -> %s: unknown source type %s", m.Source, m.Destination, m.Source)
		}
		dest, ok := byName[m.Destination]
		if !ok {
			return fmt.Errorf("mapping %s -> %s: unknown destination type %s", m.Source, m.Destination, m.Destination)
		}

		tm := c.AddMap(src, dest)
		for _, name := range sortedKeys(m.Members) {
			tm.ForMember(name, m.Members[name])
		}
		for _, name := range sortedKeys(m.Parameters) {
			tm.MapFromParameter(name, m.Parameters[name])
		}
		tm.Ignore(m.Ignore...)
		if err := tm.Err(); err != nil {
			return err
		}
		c.logger.Debug("Loaded type map", "source", src.String(), "destination", dest.String(), "members", len(m.Members))
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
