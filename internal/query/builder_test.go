package query

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for testing
)

func setupQueryBuilderTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE categories (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		);
		CREATE TABLE products (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			price REAL,
			category_id INTEGER
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}

	_, err = db.Exec(`
		INSERT INTO categories (id, name) VALUES (1, 'Tools'), (2, 'Toys'), (3, 'Empty');
		INSERT INTO products (id, name, price, category_id) VALUES
		(1, 'Hammer', 10.5, 1),
		(2, 'Saw', 20.0, 1),
		(3, 'Ball', 15.5, 2),
		(4, 'Kite', 30.0, 2)
	`)
	if err != nil {
		t.Fatalf("Failed to insert test data: %v", err)
	}
	return db
}

func TestQueryBuilder_BasicSelect(t *testing.T) {
	qb := newQueryBuilder(DialectSQLite).WithTable("products", "")

	sql, args := qb.ToSQL()
	expectedSQL := `SELECT * FROM "products"`
	if sql != expectedSQL {
		t.Errorf("Expected SQL %q, got %q", expectedSQL, sql)
	}
	if len(args) != 0 {
		t.Errorf("Expected no args, got %v", args)
	}
}

func TestQueryBuilder_SelectWithAlias(t *testing.T) {
	qb := newQueryBuilder(DialectSQLite).
		WithTable("products", "t1").
		Select(qualify(DialectSQLite, "t1", "name")).
		Where(qualify(DialectSQLite, "t1", "category_id")+" = ?", 1)

	sql, args := qb.ToSQL()
	expectedSQL := `SELECT "t1"."name" FROM "products" "t1" WHERE "t1"."category_id" = ?`
	if sql != expectedSQL {
		t.Errorf("Expected SQL %q, got %q", expectedSQL, sql)
	}
	if len(args) != 1 || args[0] != 1 {
		t.Errorf("Expected args [1], got %v", args)
	}
}

func TestQueryBuilder_SelectArgsPrecedeWhereArgs(t *testing.T) {
	qb := newQueryBuilder(DialectSQLite).
		WithTable("products", "p").
		Where(`"p"."price" > ?`, 12).
		Select(`"p"."name" || ?`, "!")

	_, args := qb.ToSQL()
	if len(args) != 2 || args[0] != "!" || args[1] != 12 {
		t.Errorf("Expected select args before where args, got %v", args)
	}
}

func TestQueryBuilder_MySQLQuoting(t *testing.T) {
	qb := newQueryBuilder(DialectMySQL).WithTable("products", "t1").Select(qualify(DialectMySQL, "t1", "name"))

	sql, _ := qb.ToSQL()
	expectedSQL := "SELECT `t1`.`name` FROM `products` `t1`"
	if sql != expectedSQL {
		t.Errorf("Expected SQL %q, got %q", expectedSQL, sql)
	}
}

func TestQueryBuilder_ToCountSQL(t *testing.T) {
	qb := newQueryBuilder(DialectSQLite).WithTable("products", "").Where("price > ?", 15.0)

	sql, args := qb.ToCountSQL()
	expectedSQL := `SELECT COUNT(*) FROM "products" WHERE price > ?`
	if sql != expectedSQL {
		t.Errorf("Expected SQL %q, got %q", expectedSQL, sql)
	}
	if len(args) != 1 {
		t.Errorf("Expected 1 arg, got %d", len(args))
	}
}

func TestQueryBuilder_ToExistsSQL(t *testing.T) {
	qb := newQueryBuilder(DialectSQLite).WithTable("products", "t1").
		Where(`"t1"."category_id" = "categories"."id"`)

	sql, args := qb.ToExistsSQL()
	expectedSQL := `EXISTS (SELECT 1 FROM "products" "t1" WHERE "t1"."category_id" = "categories"."id")`
	if sql != expectedSQL {
		t.Errorf("Expected SQL %q, got %q", expectedSQL, sql)
	}
	if len(args) != 0 {
		t.Errorf("Expected no args, got %v", args)
	}
}

func TestQueryBuilder_CorrelatedSubqueriesExecute(t *testing.T) {
	db := setupQueryBuilderTestDB(t)

	exists, existsArgs := newQueryBuilder(DialectSQLite).
		WithTable("products", "t1").
		Where(`"t1"."category_id" = "categories"."id"`).
		Where(`"t1"."price" > ?`, 25.0).
		ToExistsSQL()

	count, countArgs := newQueryBuilder(DialectSQLite).
		WithTable("products", "t2").
		Where(`"t2"."category_id" = "categories"."id"`).
		ToCountSQL()

	query := `SELECT "categories"."name", (` + count + `) FROM "categories" WHERE ` + exists
	args := append(countArgs, existsArgs...)

	rows, err := db.QueryContext(context.Background(), query, args...)
	if err != nil {
		t.Fatalf("QueryContext failed: %v\n%s", err, query)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		if n != 2 {
			t.Errorf("Expected 2 products in %s, got %d", name, n)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(names) != 1 || names[0] != "Toys" {
		t.Errorf("Expected [Toys], got %v", names)
	}
}

func TestQueryBuilder_Clone(t *testing.T) {
	qb1 := newQueryBuilder(DialectSQLite).WithTable("products", "").Where("price > ?", 10.0)
	qb2 := qb1.Clone().Where("category_id = ?", 1)

	sql1, args1 := qb1.ToSQL()
	sql2, args2 := qb2.ToSQL()

	if sql1 == sql2 {
		t.Error("Clone should create an independent copy")
	}
	if len(args1) != 1 {
		t.Errorf("Original should have 1 arg, got %d", len(args1))
	}
	if len(args2) != 2 {
		t.Errorf("Clone should have 2 args, got %d", len(args2))
	}
}

func TestDialectFunctions(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"sqlite concat", concatSQL(DialectSQLite, "a", "b"), "(a || b)"},
		{"mysql concat", concatSQL(DialectMySQL, "a", "b"), "CONCAT(a, b)"},
		{"sqlite indexof", indexOfSQL(DialectSQLite, "s", "n"), "(INSTR(s, n) - 1)"},
		{"postgres indexof", indexOfSQL(DialectPostgres, "s", "n"), "(STRPOS(s, n) - 1)"},
		{"mysql indexof", indexOfSQL(DialectMySQL, "s", "n"), "(LOCATE(n, s) - 1)"},
		{"mysql length", lengthSQL(DialectMySQL, "s"), "CHAR_LENGTH(s)"},
		{"sqlite substring", substringSQL(DialectSQLite, "s", "?", ""), "SUBSTR(s, ? + 1)"},
		{"postgres substring", substringSQL(DialectPostgres, "s", "?", "?"), "SUBSTRING(s, ? + 1, ?)"},
		{"escape like", escapeLike(`50%_off\`), `50\%\_off\\`},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}
