package mapping

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlstn/go-odatamap/internal/expr"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
)

func seedBuilding() Building {
	cityID := uint(7)
	builderID := uint(3)
	return Building{
		ID:        1,
		LongName:  "Tower",
		BuilderID: &builderID,
		Builder: &Builder{
			ID:     builderID,
			Name:   "Ann",
			CityID: &cityID,
			City:   &City{ID: cityID, Name: "Leeds"},
		},
		Address: Address{Street: "Main", Town: "Leeds"},
		Rooms:   []Room{{ID: 1, BuildingID: 1, Label: "A"}, {ID: 2, BuildingID: 1, Label: "B"}},
	}
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

func TestProjectionDefaultMembers(t *testing.T) {
	cfg := newTestConfiguration(t)

	lambda, err := cfg.Projection(buildingType, buildingViewType, nil, map[string]interface{}{"viewer": "ann"})
	require.NoError(t, err)

	view := project(t, lambda, seedBuilding())
	assert.Equal(t, uint(1), view.ID)
	assert.Equal(t, "Tower", view.Name)
	assert.Equal(t, "Ann", view.BuilderName)
	assert.Equal(t, "Main", view.Address.Street)
	assert.Equal(t, "ann", view.Viewer)
	assert.Nil(t, view.Builder, "navigation members are not populated without expansion")
	assert.Nil(t, view.Rooms)
	assert.Empty(t, view.Internal)
}

func TestProjectionNullFlattening(t *testing.T) {
	cfg := newTestConfiguration(t)

	lambda, err := cfg.Projection(buildingType, buildingViewType, nil, nil)
	require.NoError(t, err)

	src := seedBuilding()
	src.Builder = nil
	view := project(t, lambda, src)
	assert.Empty(t, view.BuilderName)
	assert.Empty(t, view.Viewer, "a missing parameter leaves the member at its zero value")
}

func TestProjectionExpansions(t *testing.T) {
	cfg := newTestConfiguration(t)
	req := &Request{
		Expand: []*ExpandRequest{
			{Member: "Builder", Request: &Request{Expand: []*ExpandRequest{{Member: "City"}}}},
			{Member: "Rooms", Request: &Request{Select: []string{"Label"}}},
		},
	}

	lambda, err := cfg.Projection(buildingType, buildingViewType, req, nil)
	require.NoError(t, err)

	rooms := expr.FindTagged(lambda, "Rooms")
	require.NotNil(t, rooms, "expected a tagged Select for Rooms in %s", expr.String(lambda))
	assert.Equal(t, reflect.TypeOf([]RoomView{}), rooms.Type())

	view := project(t, lambda, seedBuilding())
	require.NotNil(t, view.Builder)
	assert.Equal(t, "Ann", view.Builder.Name)
	require.NotNil(t, view.Builder.City)
	assert.Equal(t, "Leeds", view.Builder.City.Name)
	assert.Equal(t, []RoomView{{Label: "A"}, {Label: "B"}}, view.Rooms)

	src := seedBuilding()
	src.Builder = nil
	view = project(t, lambda, src)
	assert.Nil(t, view.Builder, "a null navigation projects to null")
}

func TestProjectionSelectLimitsMembers(t *testing.T) {
	cfg := newTestConfiguration(t)
	req := &Request{
		Select: []string{"Name"},
		Expand: []*ExpandRequest{{Member: "Builder", Request: &Request{Select: []string{"Name"}}}},
	}

	lambda, err := cfg.Projection(buildingType, buildingViewType, req, nil)
	require.NoError(t, err)

	init, ok := lambda.Body.(*expr.MemberInit)
	require.True(t, ok)
	assert.Len(t, init.Bindings, 2)
	assert.Equal(t, -1, init.Lookup("BuilderName"))

	view := project(t, lambda, seedBuilding())
	assert.Equal(t, "Tower", view.Name)
	assert.Zero(t, view.ID)
	assert.Empty(t, view.Address.Street)
	require.NotNil(t, view.Builder)
	assert.Equal(t, "Ann", view.Builder.Name)
	assert.Nil(t, view.Builder.City)
}

func TestProjectionNestedCollectionTags(t *testing.T) {
	type roomHolder struct {
		Rooms []Room
	}
	type roomHolderView struct {
		Rooms []RoomView
	}
	type outer struct {
		Building Building
		Holders  []roomHolder
	}
	type outerView struct {
		Building BuildingView
		Holders  []roomHolderView
	}
	cfg := newTestConfiguration(t)
	CreateMap[outer, outerView](cfg)
	CreateMap[roomHolder, roomHolderView](cfg)

	req := &Request{Expand: []*ExpandRequest{
		{Member: "Holders", Request: &Request{Expand: []*ExpandRequest{{Member: "Rooms"}}}},
		{Member: "Building", Request: &Request{Expand: []*ExpandRequest{{Member: "Rooms"}}}},
	}}
	lambda, err := cfg.Projection(reflect.TypeOf(outer{}), reflect.TypeOf(outerView{}), req, nil)
	require.NoError(t, err)

	assert.NotNil(t, expr.FindTagged(lambda, "Holders"))
	assert.NotNil(t, expr.FindTagged(lambda, "Holders/Rooms"))
	assert.NotNil(t, expr.FindTagged(lambda, "Building/Rooms"))
	assert.Nil(t, expr.FindTagged(lambda, "Rooms"))
}

func TestProjectionRejectsUnknownMembers(t *testing.T) {
	cfg := newTestConfiguration(t)

	_, err := cfg.Projection(buildingType, buildingViewType, &Request{Select: []string{"Nope"}}, nil)
	assert.True(t, errors.Is(err, queryerrors.ErrUnmappedMember))

	_, err = cfg.Projection(buildingType, buildingViewType, &Request{Expand: []*ExpandRequest{{Member: "Nope"}}}, nil)
	assert.True(t, errors.Is(err, queryerrors.ErrUnmappedMember))
}

func TestLoadMappingFile(t *testing.T) {
	data := `
maps:
  - source: Building
    destination: BuildingView
    members:
      Name: LongName
    parameters:
      Viewer: viewer
    ignore: Internal
  - source: Builder
    destination: BuilderView
  - source: City
    destination: CityView
  - source: Address
    destination: AddressView
  - source: Room
    destination: RoomView
`
	mf, err := Parse([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "1", mf.Version)
	require.Len(t, mf.Maps, 5)
	assert.Equal(t, StringOrArray{"Internal"}, mf.Maps[0].Ignore)

	cfg := NewConfiguration(nil)
	err = cfg.Apply(mf, Building{}, BuildingView{}, Builder{}, BuilderView{}, City{}, CityView{},
		Address{}, AddressView{}, reflect.TypeOf(Room{}), reflect.TypeOf(RoomView{}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	path, err := cfg.SourcePath(buildingType, buildingViewType, []string{"Name"})
	require.NoError(t, err)
	assert.Equal(t, []string{"LongName"}, path)
}

func TestLoadMappingFileErrors(t *testing.T) {
	_, err := Parse([]byte("maps:\n  - source: Building\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("maps: ["))
	assert.Error(t, err)

	mf, err := Parse([]byte("maps:\n  - source: Building\n    destination: Unknown\n"))
	require.NoError(t, err)
	assert.Error(t, NewConfiguration(nil).Apply(mf, Building{}))

	mf, err = Parse([]byte("maps:\n  - source: Building\n    destination: BuildingView\n    members:\n      Name: Missing\n"))
	require.NoError(t, err)
	assert.Error(t, NewConfiguration(nil).Apply(mf, Building{}, BuildingView{}))
}
