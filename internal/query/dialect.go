package query

import "strings"

// Dialect names as reported by gorm.Dialector.Name().
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

func isPostgres(dialect string) bool {
	return dialect == DialectPostgres || dialect == "postgresql"
}

// quoteIdent quotes a table, alias or column name for the dialect
func quoteIdent(dialect, name string) string {
	if dialect == DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// qualify returns alias.column with both parts quoted
func qualify(dialect, alias, column string) string {
	return quoteIdent(dialect, alias) + "." + quoteIdent(dialect, column)
}

// concatSQL joins two string expressions
func concatSQL(dialect, left, right string) string {
	if dialect == DialectMySQL {
		return "CONCAT(" + left + ", " + right + ")"
	}
	return "(" + left + " || " + right + ")"
}

// indexOfSQL returns the zero-based position of needle in haystack, or -1
func indexOfSQL(dialect, haystack, needle string) string {
	switch {
	case isPostgres(dialect):
		return "(STRPOS(" + haystack + ", " + needle + ") - 1)"
	case dialect == DialectMySQL:
		return "(LOCATE(" + needle + ", " + haystack + ") - 1)"
	}
	return "(INSTR(" + haystack + ", " + needle + ") - 1)"
}

// lengthSQL returns the character length of a string expression
func lengthSQL(dialect, s string) string {
	if dialect == DialectMySQL {
		return "CHAR_LENGTH(" + s + ")"
	}
	return "LENGTH(" + s + ")"
}

// substringSQL returns the substring starting at the zero-based start
func substringSQL(dialect, s, start, length string) string {
	fn := "SUBSTR"
	if isPostgres(dialect) || dialect == DialectMySQL {
		fn = "SUBSTRING"
	}
	if length == "" {
		return fn + "(" + s + ", " + start + " + 1)"
	}
	return fn + "(" + s + ", " + start + " + 1, " + length + ")"
}

// escapeLike escapes LIKE wildcards in a literal pattern
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
