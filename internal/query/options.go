package query

import (
	"strings"

	"github.com/nlstn/go-odatamap/internal/queryerrors"
)

// QueryOptions represents parsed OData query options
type QueryOptions struct {
	Filter  *FilterExpression `json:"filter,omitempty"`
	Select  []string          `json:"select,omitempty"`
	Expand  []ExpandOption    `json:"expand,omitempty"`
	OrderBy []OrderByItem     `json:"orderby,omitempty"`
	Top     *int              `json:"top,omitempty"`
	Skip    *int              `json:"skip,omitempty"`
	Count   bool              `json:"count,omitempty"`
}

// ExpandOption represents a single $expand clause
type ExpandOption struct {
	NavigationProperty string            `json:"property"`
	Select             []string          `json:"select,omitempty"`  // Nested $select
	Filter             *FilterExpression `json:"filter,omitempty"`  // Nested $filter
	OrderBy            []OrderByItem     `json:"orderby,omitempty"` // Nested $orderby
	Top                *int              `json:"top,omitempty"`     // Nested $top
	Skip               *int              `json:"skip,omitempty"`    // Nested $skip
	Expand             []ExpandOption    `json:"expand,omitempty"`  // Nested $expand
}

// HasQuery reports whether the option carries $orderby, $top or $skip.
func (e *ExpandOption) HasQuery() bool {
	return len(e.OrderBy) > 0 || e.Top != nil || e.Skip != nil
}

// HasOptions reports whether the option carries any terminal filter or query clause.
func (e *ExpandOption) HasOptions() bool {
	return e.Filter != nil || e.HasQuery()
}

// OrderByItem represents a single orderby clause
type OrderByItem struct {
	Property   string `json:"property"`
	Descending bool   `json:"desc,omitempty"`
}

// FilterExpression represents a parsed filter expression.
//
// A leaf compares Property (optionally transformed by Function and Arithmetic) with
// Value, or with the member named by ValueProperty. Logical nodes combine Left and
// Right. Lambda nodes (any/all) apply Predicate to every element of the collection
// Property, binding each element to Variable.
type FilterExpression struct {
	Property string            `json:"property,omitempty"`
	Operator FilterOperator    `json:"op,omitempty"`
	Value    interface{}       `json:"value,omitempty"`
	Left     *FilterExpression `json:"left,omitempty"`
	Right    *FilterExpression `json:"right,omitempty"`
	Logical  LogicalOperator   `json:"logical,omitempty"`
	IsNot    bool              `json:"not,omitempty"` // Indicates if this is a NOT expression

	// ValueProperty names a member to compare against instead of Value
	ValueProperty string `json:"valueProperty,omitempty"`
	// Function transforms Property before the comparison, e.g. tolower(Name) eq 'x'
	Function     FilterOperator `json:"function,omitempty"`
	FunctionArgs []interface{}  `json:"functionArgs,omitempty"`
	// Arithmetic combines Property with ArithmeticOperand before the comparison
	Arithmetic        ArithmeticOperator `json:"arithmetic,omitempty"`
	ArithmeticOperand interface{}        `json:"arithmeticOperand,omitempty"`

	// Variable and Predicate describe the lambda of any/all
	Variable  string            `json:"variable,omitempty"`
	Predicate *FilterExpression `json:"predicate,omitempty"`
}

// FilterOperator represents filter comparison operators and functions
type FilterOperator string

const (
	OpEqual              FilterOperator = "eq"
	OpNotEqual           FilterOperator = "ne"
	OpGreaterThan        FilterOperator = "gt"
	OpGreaterThanOrEqual FilterOperator = "ge"
	OpLessThan           FilterOperator = "lt"
	OpLessThanOrEqual    FilterOperator = "le"
	OpIn                 FilterOperator = "in"
	OpContains           FilterOperator = "contains"
	OpStartsWith         FilterOperator = "startswith"
	OpEndsWith           FilterOperator = "endswith"
	OpToLower            FilterOperator = "tolower"
	OpToUpper            FilterOperator = "toupper"
	OpTrim               FilterOperator = "trim"
	OpLength             FilterOperator = "length"
	OpIndexOf            FilterOperator = "indexof"
	OpSubstring          FilterOperator = "substring"
	OpConcat             FilterOperator = "concat"
	OpAny                FilterOperator = "any"
	OpAll                FilterOperator = "all"
)

// LogicalOperator represents logical operators for combining filters
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
)

// ArithmeticOperator represents the OData arithmetic operators
type ArithmeticOperator string

const (
	ArithmeticAdd ArithmeticOperator = "add"
	ArithmeticSub ArithmeticOperator = "sub"
	ArithmeticMul ArithmeticOperator = "mul"
	ArithmeticDiv ArithmeticOperator = "div"
	ArithmeticMod ArithmeticOperator = "mod"
)

// CountSegment is the path segment that counts a collection, as in Products/$count.
const CountSegment = "$count"

// SplitPath splits an OData member path such as "Builder/City/Name" into segments.
func SplitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Validate checks the clause values that do not depend on types.
func (o *QueryOptions) Validate() error {
	if o == nil {
		return nil
	}
	if err := validatePaging(o.Top, o.Skip, ""); err != nil {
		return err
	}
	if err := validateOrderBy(o.OrderBy, ""); err != nil {
		return err
	}
	return validateExpand(o.Expand, "")
}

func validateExpand(options []ExpandOption, prefix string) error {
	for i := range options {
		opt := &options[i]
		if strings.TrimSpace(opt.NavigationProperty) == "" {
			return queryerrors.InvalidQueryOption("$expand contains an empty navigation property")
		}
		path := prefix + opt.NavigationProperty
		if err := validatePaging(opt.Top, opt.Skip, path); err != nil {
			return err
		}
		if err := validateOrderBy(opt.OrderBy, path); err != nil {
			return err
		}
		if err := validateExpand(opt.Expand, path+"/"); err != nil {
			return err
		}
	}
	return nil
}

func validatePaging(top, skip *int, path string) error {
	where := ""
	if path != "" {
		where = " in $expand " + path
	}
	if top != nil && *top < 0 {
		return queryerrors.InvalidQueryOption("$top must be a non-negative integer%s", where)
	}
	if skip != nil && *skip < 0 {
		return queryerrors.InvalidQueryOption("$skip must be a non-negative integer%s", where)
	}
	return nil
}

func validateOrderBy(items []OrderByItem, path string) error {
	for _, item := range items {
		if strings.TrimSpace(item.Property) == "" {
			if path == "" {
				return queryerrors.InvalidQueryOption("$orderby contains an empty property")
			}
			return queryerrors.InvalidQueryOption("$orderby in $expand %s contains an empty property", path)
		}
	}
	return nil
}
