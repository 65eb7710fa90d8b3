package query

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nlstn/go-odatamap/internal/expr"
	"github.com/nlstn/go-odatamap/internal/metadata"
	"github.com/nlstn/go-odatamap/internal/queryerrors"
)

type lowerCity struct {
	ID   uint
	Name string
}

type lowerBuilder struct {
	ID     uint
	Name   string
	CityID *uint
	City   *lowerCity
}

type lowerRoom struct {
	ID              uint
	LowerBuildingID uint
	Label           string
}

type lowerBuilding struct {
	ID        uint
	LongName  string
	BuilderID *uint
	Builder   *lowerBuilder
	Rooms     []lowerRoom
}

func setupLowerTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE lower_cities (id INTEGER PRIMARY KEY, name TEXT);
		CREATE TABLE lower_builders (id INTEGER PRIMARY KEY, name TEXT, city_id INTEGER);
		CREATE TABLE lower_buildings (id INTEGER PRIMARY KEY, long_name TEXT, builder_id INTEGER);
		CREATE TABLE lower_rooms (id INTEGER PRIMARY KEY, lower_building_id INTEGER, label TEXT);

		INSERT INTO lower_cities (id, name) VALUES (1, 'Leeds'), (2, 'York');
		INSERT INTO lower_builders (id, name, city_id) VALUES (1, 'Ann', 1), (2, 'Bob', 2), (3, 'Cy', NULL);
		INSERT INTO lower_buildings (id, long_name, builder_id) VALUES
			(1, 'Tower', 1), (2, 'Hall', 2), (3, 'Barn', NULL), (4, 'Mill', 3), (5, 'Leeds Depot', 1);
		INSERT INTO lower_rooms (id, lower_building_id, label) VALUES (1, 1, 'A'), (2, 1, 'B'), (3, 2, 'A'), (4, 4, 'C');
	`)
	if err != nil {
		t.Fatalf("Failed to create test data: %v", err)
	}
	return db
}

func path(t *testing.T, x expr.Node, names ...string) expr.Node {
	t.Helper()
	for _, name := range names {
		m, err := expr.Field(x, name)
		if err != nil {
			t.Fatalf("Field(%s): %v", name, err)
		}
		x = m
	}
	return x
}

func compare(t *testing.T, op expr.BinaryOp, l, r expr.Node) expr.Node {
	t.Helper()
	b, err := expr.Compare(op, l, r)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	return b
}

func selectIDs(t *testing.T, db *sql.DB, lw *Lowerer, pred *expr.Lambda) []int {
	t.Helper()
	where, err := lw.Predicate(pred)
	if err != nil {
		t.Fatalf("Predicate(%s): %v", expr.String(pred), err)
	}
	query := `SELECT "id" FROM "lower_buildings" WHERE ` + where.Condition + ` ORDER BY "id"`
	rows, err := db.QueryContext(context.Background(), query, where.Args...)
	if err != nil {
		t.Fatalf("QueryContext failed: %v\n%s", err, query)
	}
	defer func() { _ = rows.Close() }()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	return ids
}

func TestLowerPredicates(t *testing.T) {
	db := setupLowerTestDB(t)
	lw := NewLowerer(DialectSQLite, metadata.NewRegistry(nil), nil)

	x := expr.NewParameter("x", reflect.TypeOf(lowerBuilding{}))
	r := expr.NewParameter("r", reflect.TypeOf(lowerRoom{}))
	rooms := path(t, x, "Rooms")
	label := path(t, r, "Label")

	tests := []struct {
		name string
		body expr.Node
		want []int
	}{
		{
			name: "navigation chain",
			body: compare(t, expr.OpEqual, path(t, x, "Builder", "City", "Name"), expr.NewConstant("Leeds")),
			want: []int{1, 5},
		},
		{
			name: "null guarded chain",
			body: expr.PropagateNulls(compare(t, expr.OpEqual, path(t, x, "Builder", "City", "Name"), expr.NewConstant("York"))),
			want: []int{2},
		},
		{
			name: "any",
			body: expr.NewCall(expr.MethodAny, rooms, expr.NewLambda(compare(t, expr.OpEqual, label, expr.NewConstant("A")), r)),
			want: []int{1, 2},
		},
		{
			name: "all is vacuously true",
			body: expr.NewCall(expr.MethodAll, rooms, expr.NewLambda(compare(t, expr.OpEqual, label, expr.NewConstant("A")), r)),
			want: []int{2, 3, 5},
		},
		{
			name: "count",
			body: compare(t, expr.OpGreaterEqual, expr.NewCall(expr.MethodCount, rooms), expr.NewConstant(int64(2))),
			want: []int{1},
		},
		{
			name: "navigation is null",
			body: compare(t, expr.OpEqual, path(t, x, "Builder"), expr.Null(reflect.TypeOf(&lowerBuilder{}))),
			want: []int{3},
		},
		{
			name: "column is null",
			body: compare(t, expr.OpEqual, path(t, x, "BuilderID"), expr.Null(reflect.TypeOf((*uint)(nil)))),
			want: []int{3},
		},
		{
			name: "contains",
			body: expr.NewCall(expr.MethodContains, path(t, x, "LongName"), expr.NewConstant("ee")),
			want: []int{5},
		},
		{
			name: "tolower",
			body: compare(t, expr.OpEqual, expr.NewCall(expr.MethodToLower, path(t, x, "LongName")), expr.NewConstant("hall")),
			want: []int{2},
		},
		{
			name: "indexof",
			body: compare(t, expr.OpEqual, expr.NewCall(expr.MethodIndexOf, path(t, x, "LongName"), expr.NewConstant("ow")), expr.NewConstant(1)),
			want: []int{1},
		},
		{
			name: "in",
			body: expr.NewCall(expr.MethodIn, path(t, x, "Builder", "Name"), expr.NewConstant([]string{"Bob", "Cy"})),
			want: []int{2, 4},
		},
		{
			name: "not",
			body: expr.Not(expr.NewCall(expr.MethodStartsWith, path(t, x, "LongName"), expr.NewConstant("L"))),
			want: []int{1, 2, 3, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectIDs(t, db, lw, expr.NewLambda(tt.body, x))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLowerPredicateSQL(t *testing.T) {
	lw := NewLowerer(DialectSQLite, metadata.NewRegistry(nil), nil)
	x := expr.NewParameter("x", reflect.TypeOf(lowerBuilding{}))
	pred := expr.NewLambda(compare(t, expr.OpEqual, path(t, x, "Builder", "Name"), expr.NewConstant("Ann")), x)

	where, err := lw.Predicate(pred)
	if err != nil {
		t.Fatalf("Predicate: %v", err)
	}
	want := `((SELECT "t1"."name" FROM "lower_builders" "t1" WHERE "t1"."id" = "lower_buildings"."builder_id") = ?)`
	if where.Condition != want {
		t.Errorf("Condition = %q, want %q", where.Condition, want)
	}
	if len(where.Args) != 1 || where.Args[0] != "Ann" {
		t.Errorf("Args = %v", where.Args)
	}
}

func TestLowerLikeEscapesWildcards(t *testing.T) {
	lw := NewLowerer(DialectSQLite, metadata.NewRegistry(nil), nil)
	x := expr.NewParameter("x", reflect.TypeOf(lowerBuilding{}))
	pred := expr.NewLambda(expr.NewCall(expr.MethodStartsWith, path(t, x, "LongName"), expr.NewConstant("50%")), x)

	where, err := lw.Predicate(pred)
	if err != nil {
		t.Fatalf("Predicate: %v", err)
	}
	if len(where.Args) != 1 || where.Args[0] != `50\%%` {
		t.Errorf("Args = %v", where.Args)
	}
}

func TestLowerOrderKey(t *testing.T) {
	db := setupLowerTestDB(t)
	lw := NewLowerer(DialectSQLite, metadata.NewRegistry(nil), nil)
	x := expr.NewParameter("x", reflect.TypeOf(lowerBuilding{}))

	key, err := lw.OrderKey(expr.NewLambda(path(t, x, "Builder", "Name"), x))
	if err != nil {
		t.Fatalf("OrderKey: %v", err)
	}
	rows, err := db.Query(`SELECT "id" FROM "lower_buildings" ORDER BY ` + key.Condition + `, "id"`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		ids = append(ids, id)
	}
	if want := []int{3, 1, 5, 2, 4}; !reflect.DeepEqual(ids, want) {
		t.Errorf("got %v, want %v", ids, want)
	}
}

func TestLowerRejectsEntityValues(t *testing.T) {
	lw := NewLowerer(DialectSQLite, metadata.NewRegistry(nil), nil)
	x := expr.NewParameter("x", reflect.TypeOf(lowerBuilding{}))

	_, err := lw.OrderKey(expr.NewLambda(path(t, x, "Builder"), x))
	if !errors.Is(err, queryerrors.ErrNotTranslatable) {
		t.Fatalf("expected ErrNotTranslatable, got %v", err)
	}

	_, err = lw.Predicate(expr.NewLambda(expr.NewCall(expr.MethodAny, path(t, x, "LongName")), x))
	if err == nil {
		t.Fatal("expected an error for any() over a string member")
	}
}

// lowerFixture mirrors the rows of setupLowerTestDB.
func lowerFixture() []lowerBuilding {
	leeds, york := &lowerCity{ID: 1, Name: "Leeds"}, &lowerCity{ID: 2, Name: "York"}
	one, two, three := uint(1), uint(2), uint(3)
	ann := &lowerBuilder{ID: 1, Name: "Ann", CityID: &one, City: leeds}
	bob := &lowerBuilder{ID: 2, Name: "Bob", CityID: &two, City: york}
	cy := &lowerBuilder{ID: 3, Name: "Cy"}
	return []lowerBuilding{
		{ID: 1, LongName: "Tower", BuilderID: &one, Builder: ann, Rooms: []lowerRoom{{ID: 1, LowerBuildingID: 1, Label: "A"}, {ID: 2, LowerBuildingID: 1, Label: "B"}}},
		{ID: 2, LongName: "Hall", BuilderID: &two, Builder: bob, Rooms: []lowerRoom{{ID: 3, LowerBuildingID: 2, Label: "A"}}},
		{ID: 3, LongName: "Barn"},
		{ID: 4, LongName: "Mill", BuilderID: &three, Builder: cy, Rooms: []lowerRoom{{ID: 4, LowerBuildingID: 4, Label: "C"}}},
		{ID: 5, LongName: "Leeds Depot", BuilderID: &one, Builder: ann},
	}
}

func TestLowerMatchesInMemoryOverNulls(t *testing.T) {
	db := setupLowerTestDB(t)
	lw := NewLowerer(DialectSQLite, metadata.NewRegistry(nil), nil)
	x := expr.NewParameter("x", reflect.TypeOf(lowerBuilding{}))
	r := expr.NewParameter("r", reflect.TypeOf(lowerRoom{}))
	builderName := expr.PropagateNulls(path(t, x, "Builder", "Name"))
	cityName := expr.PropagateNulls(path(t, x, "Builder", "City", "Name"))
	cityID := expr.PropagateNulls(path(t, x, "Builder", "CityID"))

	tests := []struct {
		name string
		body expr.Node
		want []int
	}{
		{
			name: "ne keeps null navigations",
			body: compare(t, expr.OpNotEqual, builderName, expr.NewConstant("Ann")),
			want: []int{2, 3, 4},
		},
		{
			name: "not eq keeps null navigations",
			body: expr.Not(compare(t, expr.OpEqual, builderName, expr.NewConstant("Bob"))),
			want: []int{1, 3, 4, 5},
		},
		{
			name: "ne through two navigations",
			body: compare(t, expr.OpNotEqual, cityName, expr.NewConstant("Leeds")),
			want: []int{2, 3, 4},
		},
		{
			name: "constant on the left",
			body: compare(t, expr.OpNotEqual, expr.NewConstant("York"), cityName),
			want: []int{1, 3, 4, 5},
		},
		{
			name: "member eq member treats null as equal",
			body: compare(t, expr.OpEqual, cityID, path(t, x, "BuilderID")),
			want: []int{1, 2, 3, 5},
		},
		{
			name: "member ne member",
			body: compare(t, expr.OpNotEqual, cityID, path(t, x, "BuilderID")),
			want: []int{4},
		},
		{
			name: "not over a string function",
			body: expr.Not(expr.NewCall(expr.MethodContains, builderName, expr.NewConstant("n"))),
			want: []int{2, 3, 4},
		},
		{
			name: "ordered comparison drops nulls",
			body: compare(t, expr.OpGreater, cityName, expr.NewConstant("M")),
			want: []int{2},
		},
		{
			name: "not over an ordered comparison keeps nulls",
			body: expr.Not(compare(t, expr.OpGreater, cityName, expr.NewConstant("M"))),
			want: []int{1, 3, 4, 5},
		},
		{
			name: "all with ne",
			body: expr.NewCall(expr.MethodAll, path(t, x, "Rooms"), expr.NewLambda(compare(t, expr.OpNotEqual, path(t, r, "Label"), expr.NewConstant("B")), r)),
			want: []int{2, 3, 4, 5},
		},
	}

	rows := lowerFixture()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred := expr.NewLambda(tt.body, x)

			fn, err := expr.Compile(pred)
			if err != nil {
				t.Fatalf("Compile(%s): %v", expr.String(pred), err)
			}
			var inMemory []int
			for _, row := range rows {
				v, err := fn(reflect.ValueOf(row))
				if err != nil {
					t.Fatalf("evaluate row %d: %v", row.ID, err)
				}
				if v.IsValid() && v.Kind() == reflect.Bool && v.Bool() {
					inMemory = append(inMemory, int(row.ID))
				}
			}
			if !reflect.DeepEqual(inMemory, tt.want) {
				t.Errorf("in memory: got %v, want %v", inMemory, tt.want)
			}

			if got := selectIDs(t, db, lw, pred); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("sql: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLowerNullSafeComparisonSQL(t *testing.T) {
	lw := NewLowerer(DialectSQLite, metadata.NewRegistry(nil), nil)
	x := expr.NewParameter("x", reflect.TypeOf(lowerBuilding{}))

	tests := []struct {
		name string
		body expr.Node
		want string
		args int
	}{
		{
			name: "non-null column ne constant",
			body: compare(t, expr.OpNotEqual, path(t, x, "LongName"), expr.NewConstant("Tower")),
			want: `("lower_buildings"."long_name" <> ?)`,
			args: 1,
		},
		{
			name: "nullable column ne constant",
			body: compare(t, expr.OpNotEqual, path(t, x, "BuilderID"), expr.NewConstant(uint(1))),
			want: `("lower_buildings"."builder_id" <> ? OR "lower_buildings"."builder_id" IS NULL)`,
			args: 1,
		},
		{
			name: "not",
			body: expr.Not(compare(t, expr.OpEqual, path(t, x, "LongName"), expr.NewConstant("Tower"))),
			want: `NOT COALESCE(("lower_buildings"."long_name" = ?), 1 = 0)`,
			args: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, err := lw.Predicate(expr.NewLambda(tt.body, x))
			if err != nil {
				t.Fatalf("Predicate: %v", err)
			}
			if where.Condition != tt.want {
				t.Errorf("Condition = %q, want %q", where.Condition, tt.want)
			}
			if len(where.Args) != tt.args {
				t.Errorf("Args = %v, want %d", where.Args, tt.args)
			}
		})
	}
}
