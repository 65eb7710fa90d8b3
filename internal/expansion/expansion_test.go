package expansion

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlstn/go-odatamap/internal/mapping"
	"github.com/nlstn/go-odatamap/internal/metadata"
	"github.com/nlstn/go-odatamap/internal/query"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
)

type City struct {
	ID   uint
	Name string
}

type BuilderEntity struct {
	ID     uint
	Name   string
	CityID *uint
	City   *City
}

type Address struct {
	Street string
	Town   string
}

type Fitting struct {
	ID     uint
	RoomID uint
	Kind   string
}

type Room struct {
	ID         uint
	BuildingID uint
	Label      string
	Fittings   []Fitting
}

type Tenant struct {
	ID         uint
	BuildingID uint
	Name       string
}

type Building struct {
	ID        uint
	LongName  string
	BuilderID *uint
	Builder   *BuilderEntity
	Address   Address `gorm:"embedded;embeddedPrefix:addr_"`
	Rooms     []Room
	Tenants   []Tenant
}

type CityView struct {
	Name string
}

type BuilderView struct {
	Name string
	City *CityView
}

type AddressView struct {
	Street string
}

type FittingView struct {
	Kind string
}

type RoomView struct {
	Label    string
	Fittings []FittingView
}

type TenantView struct {
	Name string
}

type BuildingView struct {
	ID      uint
	Name    string
	Builder *BuilderView
	Address AddressView
	Rooms   []RoomView
	Tenants []TenantView
}

var (
	buildingType     = reflect.TypeOf(Building{})
	buildingViewType = reflect.TypeOf(BuildingView{})
)

func newSchema(t *testing.T) *mapping.Configuration {
	t.Helper()
	cfg := mapping.NewConfiguration(metadata.NewRegistry(nil))
	mapping.CreateMap[Building, BuildingView](cfg).ForMember("Name", "LongName")
	mapping.CreateMap[BuilderEntity, BuilderView](cfg)
	mapping.CreateMap[City, CityView](cfg)
	mapping.CreateMap[Address, AddressView](cfg)
	mapping.CreateMap[Room, RoomView](cfg)
	mapping.CreateMap[Fitting, FittingView](cfg)
	mapping.CreateMap[Tenant, TenantView](cfg)
	require.NoError(t, cfg.Validate())
	return cfg
}

func tags(paths []Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.Tag()
	}
	return out
}

func intPtr(v int) *int { return &v }

func labelFilter(label string) *query.FilterExpression {
	return &query.FilterExpression{Property: "Label", Operator: query.OpEqual, Value: label}
}

func TestBuildExplicitPaths(t *testing.T) {
	b := NewBuilder(newSchema(t), Config{})
	expand := []query.ExpandOption{
		{NavigationProperty: "Builder", Expand: []query.ExpandOption{{NavigationProperty: "City"}}},
		{NavigationProperty: "Rooms", Filter: labelFilter("A")},
	}

	paths, err := b.Build(expand, nil, buildingType, buildingViewType)
	require.NoError(t, err)
	assert.Equal(t, []string{"Builder/City", "Rooms"}, tags(paths))

	city := paths[0]
	require.Len(t, city, 2)
	assert.Equal(t, reflect.TypeOf(BuildingView{}), city[0].ParentType)
	assert.Equal(t, reflect.TypeOf(BuilderEntity{}), city[0].SourceType)
	assert.Equal(t, reflect.TypeOf(City{}), city.Terminal().SourceType)
	assert.Equal(t, []string{"Name"}, city[0].Select, "navigation members are not selected by default")
	assert.False(t, city.Terminal().HasOptions())

	rooms := paths[1].Terminal()
	assert.True(t, rooms.Collection())
	assert.Equal(t, reflect.TypeOf(RoomView{}), rooms.ElementType())
	assert.Equal(t, reflect.TypeOf(Room{}), rooms.SourceType)
	assert.True(t, rooms.HasFilter())
	assert.False(t, rooms.HasQuery())
	assert.Equal(t, []string{"Label"}, rooms.Select)
}

func TestBuildOrdersOptionPathsLast(t *testing.T) {
	b := NewBuilder(newSchema(t), Config{})
	expand := []query.ExpandOption{
		{NavigationProperty: "Rooms", OrderBy: []query.OrderByItem{{Property: "Label", Descending: true}}},
		{NavigationProperty: "Builder"},
		{NavigationProperty: "Tenants", Select: []string{"Name"}},
	}

	paths, err := b.Build(expand, nil, buildingType, buildingViewType)
	require.NoError(t, err)
	assert.Equal(t, []string{"Builder", "Tenants", "Rooms"}, tags(paths))
	assert.True(t, paths[2].Terminal().HasQuery())
}

func TestBuildStrictRejectsSecondOptionPath(t *testing.T) {
	expand := []query.ExpandOption{
		{NavigationProperty: "Rooms", Filter: labelFilter("A")},
		{NavigationProperty: "Tenants", Top: intPtr(1)},
	}

	_, err := NewBuilder(newSchema(t), Config{Strict: true}).Build(expand, nil, buildingType, buildingViewType)
	require.Error(t, err)
	assert.True(t, errors.Is(err, queryerrors.ErrExpansionPathConflict))
	var conflict *queryerrors.ExpansionPathConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "Tenants", conflict.Path)

	paths, err := NewBuilder(newSchema(t), Config{}).Build(expand, nil, buildingType, buildingViewType)
	require.NoError(t, err, "tagged expansion accepts any number of option paths")
	assert.Equal(t, []string{"Rooms", "Tenants"}, tags(paths))
}

func TestBuildOptionsWithNestedExpand(t *testing.T) {
	b := NewBuilder(newSchema(t), Config{})
	expand := []query.ExpandOption{{
		NavigationProperty: "Rooms",
		Top:                intPtr(1),
		Expand:             []query.ExpandOption{{NavigationProperty: "Fittings"}},
	}}

	paths, err := b.Build(expand, nil, buildingType, buildingViewType)
	require.NoError(t, err)
	assert.Equal(t, []string{"Rooms/Fittings", "Rooms"}, tags(paths))
	assert.Same(t, paths[0][0], paths[1][0], "both paths share the Rooms descriptor")
	assert.Equal(t, 1, *paths[1].Terminal().Top)
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name   string
		expand []query.ExpandOption
		cfg    Config
		target error
	}{
		{
			name:   "options on a single-valued member",
			expand: []query.ExpandOption{{NavigationProperty: "Builder", Filter: &query.FilterExpression{Property: "Name", Operator: query.OpEqual, Value: "Ann"}}},
			target: queryerrors.ErrInvalidExpansion,
		},
		{
			name:   "literal member",
			expand: []query.ExpandOption{{NavigationProperty: "Name"}},
			target: queryerrors.ErrInvalidExpansion,
		},
		{
			name:   "unknown member",
			expand: []query.ExpandOption{{NavigationProperty: "Owner"}},
			target: queryerrors.ErrUnmappedMember,
		},
		{
			name:   "nested unknown member",
			expand: []query.ExpandOption{{NavigationProperty: "Builder", Expand: []query.ExpandOption{{NavigationProperty: "Town"}}}},
			target: queryerrors.ErrUnmappedMember,
		},
		{
			name:   "too deep",
			expand: []query.ExpandOption{{NavigationProperty: "Builder", Expand: []query.ExpandOption{{NavigationProperty: "City"}}}},
			cfg:    Config{MaxDepth: 1},
			target: queryerrors.ErrMaxExpansionDepth,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(newSchema(t), tt.cfg).Build(tt.expand, nil, buildingType, buildingViewType)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
		})
	}
}

func TestBuildDefaultExpansion(t *testing.T) {
	b := NewBuilder(newSchema(t), Config{})

	paths, err := b.Build(nil, nil, buildingType, buildingViewType)
	require.NoError(t, err)
	assert.Equal(t, []string{"Address"}, tags(paths), "only complex members expand by default")
	assert.Equal(t, []string{"Street"}, paths[0].Terminal().Select)
	assert.Equal(t, reflect.TypeOf(Address{}), paths[0].Terminal().SourceType)

	again, err := b.Build(nil, nil, buildingType, buildingViewType)
	require.NoError(t, err)
	assert.Equal(t, tags(paths), tags(again))

	paths, err = b.Build(nil, []string{"Name"}, buildingType, buildingViewType)
	require.NoError(t, err)
	assert.Empty(t, paths, "unselected complex members are not expanded")
}

func TestRequest(t *testing.T) {
	b := NewBuilder(newSchema(t), Config{})
	expand := []query.ExpandOption{
		{NavigationProperty: "Builder", Expand: []query.ExpandOption{{NavigationProperty: "City"}}},
		{NavigationProperty: "Rooms", Select: []string{"Label"}, Top: intPtr(2), Expand: []query.ExpandOption{{NavigationProperty: "Fittings"}}},
	}
	paths, err := b.Build(expand, nil, buildingType, buildingViewType)
	require.NoError(t, err)

	req := Request(paths, []string{"Name"})
	assert.Equal(t, []string{"Name"}, req.Select)
	require.Len(t, req.Expand, 2)

	builder := req.Expand[0]
	assert.Equal(t, "Builder", builder.Member)
	assert.Equal(t, []string{"Name"}, builder.Request.Select)
	require.Len(t, builder.Request.Expand, 1)
	assert.Equal(t, "City", builder.Request.Expand[0].Member)

	rooms := req.Expand[1]
	assert.Equal(t, "Rooms", rooms.Member)
	assert.Equal(t, []string{"Label"}, rooms.Request.Select)
	require.Len(t, rooms.Request.Expand, 1, "Rooms and Rooms/Fittings merge into one request")
	assert.Equal(t, "Fittings", rooms.Request.Expand[0].Member)
	assert.Equal(t, []string{"Kind"}, rooms.Request.Expand[0].Request.Select)
}

func TestBuildCollectionWithoutOptions(t *testing.T) {
	b := NewBuilder(newSchema(t), Config{Strict: true})
	expand := []query.ExpandOption{
		{NavigationProperty: "Tenants"},
		{NavigationProperty: "Rooms", Expand: []query.ExpandOption{{NavigationProperty: "Fittings"}}},
	}

	paths, err := b.Build(expand, nil, buildingType, buildingViewType)
	require.NoError(t, err)
	assert.Equal(t, []string{"Tenants", "Rooms/Fittings"}, tags(paths))

	tenants := paths[0].Terminal()
	assert.True(t, tenants.Collection())
	assert.Equal(t, reflect.TypeOf([]TenantView{}), tenants.MemberType)
	assert.Equal(t, reflect.TypeOf(Tenant{}), tenants.SourceType)
	assert.False(t, tenants.HasOptions())

	fittings := paths[1].Terminal()
	assert.True(t, fittings.Collection())
	assert.Equal(t, reflect.TypeOf(Fitting{}), fittings.SourceType)
}
