package query

import (
	"log/slog"
	"strings"
)

// queryBuilder accumulates the clauses of a correlated sub-SELECT. Lowered predicates
// nest these inside the WHERE and ORDER BY clauses GORM builds for the root table.
type queryBuilder struct {
	dialect string
	table   string
	alias   string
	selects []whereClause
	wheres  []whereClause
	logger  *slog.Logger
}

// whereClause represents a SQL fragment with parameterized arguments
type whereClause struct {
	sql  string
	args []interface{}
}

// newQueryBuilder creates a new query builder for the given dialect
func newQueryBuilder(dialect string) *queryBuilder {
	return &queryBuilder{
		dialect: dialect,
		logger:  slog.Default(),
	}
}

// WithTable sets the target table and its alias
func (qb *queryBuilder) WithTable(table, alias string) *queryBuilder {
	qb.table = table
	qb.alias = alias
	return qb
}

// Where adds a WHERE condition to the query
func (qb *queryBuilder) Where(sql string, args ...interface{}) *queryBuilder {
	qb.wheres = append(qb.wheres, whereClause{sql: sql, args: args})
	return qb
}

// Select adds a SELECT expression to the query. Arguments of the expression are
// bound before those of the WHERE clause.
func (qb *queryBuilder) Select(sql string, args ...interface{}) *queryBuilder {
	qb.selects = append(qb.selects, whereClause{sql: sql, args: args})
	return qb
}

// WithLogger sets the logger for the query builder
func (qb *queryBuilder) WithLogger(logger *slog.Logger) *queryBuilder {
	if logger != nil {
		qb.logger = logger
	}
	return qb
}

// Clone creates a shallow copy of the query builder
func (qb *queryBuilder) Clone() *queryBuilder {
	return &queryBuilder{
		dialect: qb.dialect,
		table:   qb.table,
		alias:   qb.alias,
		selects: append([]whereClause{}, qb.selects...),
		wheres:  append([]whereClause{}, qb.wheres...),
		logger:  qb.logger,
	}
}

func (qb *queryBuilder) writeFrom(sql *strings.Builder) {
	if qb.table == "" {
		return
	}
	sql.WriteString(" FROM ")
	sql.WriteString(quoteIdent(qb.dialect, qb.table))
	if qb.alias != "" {
		sql.WriteString(" ")
		sql.WriteString(quoteIdent(qb.dialect, qb.alias))
	}
}

func (qb *queryBuilder) writeWhere(sql *strings.Builder, args []interface{}) []interface{} {
	if len(qb.wheres) == 0 {
		return args
	}
	sql.WriteString(" WHERE ")
	whereClauses := make([]string, 0, len(qb.wheres))
	for _, w := range qb.wheres {
		whereClauses = append(whereClauses, w.sql)
		args = append(args, w.args...)
	}
	sql.WriteString(strings.Join(whereClauses, " AND "))
	return args
}

// ToSQL builds the SELECT statement with parameterized arguments
func (qb *queryBuilder) ToSQL() (string, []interface{}) {
	var sql strings.Builder
	var args []interface{}

	sql.WriteString("SELECT ")
	if len(qb.selects) > 0 {
		cols := make([]string, 0, len(qb.selects))
		for _, s := range qb.selects {
			cols = append(cols, s.sql)
			args = append(args, s.args...)
		}
		sql.WriteString(strings.Join(cols, ", "))
	} else {
		sql.WriteString("*")
	}

	qb.writeFrom(&sql)
	args = qb.writeWhere(&sql, args)

	query := sql.String()
	qb.logger.Debug("Built subquery", "sql", query, "args", len(args))
	return query, args
}

// ToCountSQL builds a COUNT(*) query based on the current query builder state
func (qb *queryBuilder) ToCountSQL() (string, []interface{}) {
	var sql strings.Builder
	sql.WriteString("SELECT COUNT(*)")
	qb.writeFrom(&sql)
	args := qb.writeWhere(&sql, nil)
	return sql.String(), args
}

// ToExistsSQL builds an EXISTS test over the current query builder state
func (qb *queryBuilder) ToExistsSQL() (string, []interface{}) {
	var sql strings.Builder
	sql.WriteString("EXISTS (SELECT 1")
	qb.writeFrom(&sql)
	args := qb.writeWhere(&sql, nil)
	sql.WriteString(")")
	return sql.String(), args
}
