package projection

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlstn/go-odatamap/internal/expansion"
	"github.com/nlstn/go-odatamap/internal/expr"
	"github.com/nlstn/go-odatamap/internal/mapping"
	"github.com/nlstn/go-odatamap/internal/metadata"
	"github.com/nlstn/go-odatamap/internal/query"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
	"github.com/nlstn/go-odatamap/internal/translate"
)

type Project struct {
	ID        uint
	BuilderID uint
	Title     string
	Budget    int
}

type Builder struct {
	ID       uint
	Name     string
	Projects []Project
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
	Floor      int
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
	Builder   *Builder
	Rooms     []Room
	Tenants   []Tenant
}

type ProjectView struct {
	Title  string
	Budget int
}

type BuilderView struct {
	Name     string
	Projects []ProjectView
}

type FittingView struct {
	Kind string
}

type RoomView struct {
	Label    string
	Floor    int
	Fittings []FittingView
}

type TenantView struct {
	Name string
}

type BuildingView struct {
	ID      uint
	Name    string
	Builder *BuilderView
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
	mapping.CreateMap[Builder, BuilderView](cfg)
	mapping.CreateMap[Project, ProjectView](cfg)
	mapping.CreateMap[Room, RoomView](cfg)
	mapping.CreateMap[Fitting, FittingView](cfg)
	mapping.CreateMap[Tenant, TenantView](cfg)
	require.NoError(t, cfg.Validate())
	return cfg
}

func seed() Building {
	builderID := uint(1)
	return Building{
		ID:        1,
		LongName:  "Tower",
		BuilderID: &builderID,
		Builder: &Builder{ID: 1, Name: "Ann", Projects: []Project{
			{ID: 1, BuilderID: 1, Title: "Dam", Budget: 50},
			{ID: 2, BuilderID: 1, Title: "Bridge", Budget: 500},
		}},
		Rooms: []Room{
			{ID: 1, BuildingID: 1, Label: "A", Floor: 1, Fittings: []Fitting{{ID: 1, RoomID: 1, Kind: "sink"}, {ID: 2, RoomID: 1, Kind: "bath"}}},
			{ID: 2, BuildingID: 1, Label: "B", Floor: 2, Fittings: []Fitting{{ID: 3, RoomID: 2, Kind: "sink"}}},
			{ID: 3, BuildingID: 1, Label: "C", Floor: 3},
		},
		Tenants: []Tenant{{ID: 1, BuildingID: 1, Name: "Zed"}, {ID: 2, BuildingID: 1, Name: "Amy"}, {ID: 3, BuildingID: 1, Name: "Kim"}},
	}
}

// prepare builds the paths and the projection for expand.
func prepare(t *testing.T, expand []query.ExpandOption) (*expr.Lambda, []expansion.Path) {
	t.Helper()
	cfg := newSchema(t)
	paths, err := expansion.NewBuilder(cfg, expansion.Config{}).Build(expand, nil, buildingType, buildingViewType)
	require.NoError(t, err)
	lambda, err := cfg.Projection(buildingType, buildingViewType, expansion.Request(paths, nil), nil)
	require.NoError(t, err)
	return lambda, paths
}

func project(t *testing.T, lambda *expr.Lambda, src Building) BuildingView {
	t.Helper()
	fn, err := expr.Compile(lambda)
	require.NoError(t, err, "compile %s", expr.String(lambda))
	out, err := fn(reflect.ValueOf(src))
	require.NoError(t, err)
	view, ok := out.Interface().(BuildingView)
	require.True(t, ok, "unexpected result type %s", out.Type())
	return view
}

func labels(rooms []RoomView) []string {
	out := make([]string, len(rooms))
	for i, r := range rooms {
		out[i] = r.Label
	}
	return out
}

func intPtr(v int) *int { return &v }

func eq(property string, value interface{}) *query.FilterExpression {
	return &query.FilterExpression{Property: property, Operator: query.OpEqual, Value: value}
}

func TestFilterUpdater(t *testing.T) {
	lambda, paths := prepare(t, []query.ExpandOption{{NavigationProperty: "Rooms", Filter: eq("Label", "B")}})

	updated, err := NewFilterUpdater(translate.NullPropagationDefault).Update(lambda, paths)
	require.NoError(t, err)
	assert.NotSame(t, lambda, updated)

	view := project(t, updated, seed())
	assert.Equal(t, []RoomView{{Label: "B", Floor: 2}}, view.Rooms)
	assert.Equal(t, "Tower", view.Name)

	original := project(t, lambda, seed())
	assert.Len(t, original.Rooms, 3, "the input projection is not modified")
}

func TestOrderByUpdater(t *testing.T) {
	lambda, paths := prepare(t, []query.ExpandOption{{
		NavigationProperty: "Rooms",
		OrderBy:            []query.OrderByItem{{Property: "Floor", Descending: true}},
		Top:                intPtr(2),
	}})

	updated, err := NewOrderByUpdater(translate.NullPropagationEnabled).Update(lambda, paths)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B"}, labels(project(t, updated, seed()).Rooms))
}

func TestSequentialFilterThenPaging(t *testing.T) {
	lambda, paths := prepare(t, []query.ExpandOption{{
		NavigationProperty: "Rooms",
		Filter:             &query.FilterExpression{Property: "Floor", Operator: query.OpLessThan, Value: 3},
		OrderBy:            []query.OrderByItem{{Property: "Label", Descending: true}},
		Skip:               intPtr(1),
	}})
	mode := translate.NullPropagationDefault

	filtered, err := NewFilterUpdater(mode).Update(lambda, paths)
	require.NoError(t, err)
	updated, err := NewOrderByUpdater(mode).Update(filtered, paths)
	require.NoError(t, err)

	// Floor lt 3 keeps A and B; descending by label and skipping one leaves A
	assert.Equal(t, []string{"A"}, labels(project(t, updated, seed()).Rooms))
}

func TestSequentialThroughSingleMember(t *testing.T) {
	lambda, paths := prepare(t, []query.ExpandOption{{
		NavigationProperty: "Builder",
		Expand: []query.ExpandOption{{
			NavigationProperty: "Projects",
			Filter:             &query.FilterExpression{Property: "Budget", Operator: query.OpGreaterThan, Value: 100},
		}},
	}})
	require.Len(t, paths, 1)
	assert.Equal(t, "Builder/Projects", paths[0].Tag())

	updated, err := NewFilterUpdater(translate.NullPropagationDefault).Update(lambda, paths)
	require.NoError(t, err)

	view := project(t, updated, seed())
	require.NotNil(t, view.Builder)
	assert.Equal(t, []ProjectView{{Title: "Bridge", Budget: 500}}, view.Builder.Projects)

	src := seed()
	src.Builder = nil
	assert.Nil(t, project(t, updated, src).Builder)
}

func TestSequentialThroughCollection(t *testing.T) {
	lambda, paths := prepare(t, []query.ExpandOption{{
		NavigationProperty: "Rooms",
		Expand:             []query.ExpandOption{{NavigationProperty: "Fittings", Filter: eq("Kind", "sink")}},
	}})

	updated, err := NewFilterUpdater(translate.NullPropagationDefault).Update(lambda, paths)
	require.NoError(t, err)

	view := project(t, updated, seed())
	require.Len(t, view.Rooms, 3)
	assert.Equal(t, []FittingView{{Kind: "sink"}}, view.Rooms[0].Fittings)
	assert.Equal(t, []FittingView{{Kind: "sink"}}, view.Rooms[1].Fittings)
	assert.Empty(t, view.Rooms[2].Fittings)
}

func TestSequentialPathBoundary(t *testing.T) {
	lambda, paths := prepare(t, []query.ExpandOption{
		{NavigationProperty: "Rooms", Filter: eq("Label", "A")},
		{NavigationProperty: "Tenants"},
	})
	require.Equal(t, "Rooms", paths[len(paths)-1].Tag(), "option paths are ordered last")

	updater := NewFilterUpdater(translate.NullPropagationDefault)
	_, err := updater.Update(lambda, paths)
	require.NoError(t, err)

	swapped := []expansion.Path{paths[1], paths[0]}
	_, err = updater.Update(lambda, swapped)
	require.Error(t, err)
	assert.True(t, errors.Is(err, queryerrors.ErrExpansionPathConflict))
	var conflict *queryerrors.ExpansionPathConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "Rooms", conflict.Path)

	_, err = updater.Update(lambda, paths[:1])
	require.Error(t, err, "the last path must carry a filter")
	assert.True(t, errors.Is(err, queryerrors.ErrExpansionPathConflict))

	_, err = NewOrderByUpdater(translate.NullPropagationDefault).Update(lambda, paths)
	require.Error(t, err, "the last path carries no query clause")
	assert.True(t, errors.Is(err, queryerrors.ErrExpansionPathConflict))
}

func TestSequentialRequiresTaggedProjection(t *testing.T) {
	cfg := newSchema(t)
	paths, err := expansion.NewBuilder(cfg, expansion.Config{}).Build(
		[]query.ExpandOption{{NavigationProperty: "Rooms", Filter: eq("Label", "A")}}, nil, buildingType, buildingViewType)
	require.NoError(t, err)
	bare, err := cfg.Projection(buildingType, buildingViewType, nil, nil)
	require.NoError(t, err)

	_, err = NewFilterUpdater(translate.NullPropagationDefault).Update(bare, paths)
	assert.True(t, errors.Is(err, queryerrors.ErrExpansionPathConflict))

	_, err = UpdateTagged(bare, paths, translate.NullPropagationDefault)
	assert.True(t, errors.Is(err, queryerrors.ErrExpansionPathConflict))
}

func TestUpdateTagged(t *testing.T) {
	lambda, paths := prepare(t, []query.ExpandOption{
		{NavigationProperty: "Rooms", Filter: eq("Label", "A"), Expand: []query.ExpandOption{
			{NavigationProperty: "Fittings", OrderBy: []query.OrderByItem{{Property: "Kind"}}},
		}},
		{NavigationProperty: "Tenants", OrderBy: []query.OrderByItem{{Property: "Name", Descending: true}}, Top: intPtr(2)},
		{NavigationProperty: "Builder", Expand: []query.ExpandOption{
			{NavigationProperty: "Projects", Skip: intPtr(1)},
		}},
	})

	updated, err := UpdateTagged(lambda, paths, translate.NullPropagationDefault)
	require.NoError(t, err)

	view := project(t, updated, seed())
	require.Len(t, view.Rooms, 1)
	assert.Equal(t, "A", view.Rooms[0].Label)
	assert.Equal(t, []FittingView{{Kind: "bath"}, {Kind: "sink"}}, view.Rooms[0].Fittings)
	assert.Equal(t, []TenantView{{Name: "Zed"}, {Name: "Kim"}}, view.Tenants)
	require.NotNil(t, view.Builder)
	assert.Equal(t, []ProjectView{{Title: "Bridge", Budget: 500}}, view.Builder.Projects)
}

func TestUpdateTaggedWithoutOptions(t *testing.T) {
	lambda, paths := prepare(t, []query.ExpandOption{{NavigationProperty: "Rooms"}})

	updated, err := UpdateTagged(lambda, paths, translate.NullPropagationDefault)
	require.NoError(t, err)
	assert.Same(t, lambda, updated)
}

func TestNestedFilterErrors(t *testing.T) {
	lambda, paths := prepare(t, []query.ExpandOption{{NavigationProperty: "Rooms", Filter: eq("Missing", "A")}})

	_, err := UpdateTagged(lambda, paths, translate.NullPropagationDefault)
	assert.True(t, errors.Is(err, queryerrors.ErrUnmappedMember), "got %v", err)

	lambda, paths = prepare(t, []query.ExpandOption{{NavigationProperty: "Rooms", Top: intPtr(-1)}})
	_, err = NewOrderByUpdater(translate.NullPropagationDefault).Update(lambda, paths)
	assert.True(t, errors.Is(err, queryerrors.ErrInvalidQueryOption), "got %v", err)
}
