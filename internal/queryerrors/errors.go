// Package queryerrors defines the errors returned while translating, expanding and
// projecting a query. Every typed error matches its sentinel through errors.Is so callers
// can branch on the category without caring about the detail.
package queryerrors

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrUnmappedMember is returned when a destination member has no source correspondence.
	ErrUnmappedMember = errors.New("unmapped member")
	// ErrExpansionPathConflict is returned when filter or query options appear on a path
	// that the sequential visitors cannot reach.
	ErrExpansionPathConflict = errors.New("expansion path conflict")
	// ErrTypeMismatch is returned when a source value cannot be converted to the destination type.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrInvalidExpansion is returned for expand options that are not valid on the member.
	ErrInvalidExpansion = errors.New("invalid expansion")
	// ErrMaxExpansionDepth is returned when an expansion path is deeper than allowed.
	ErrMaxExpansionDepth = errors.New("expansion depth exceeds maximum")
	// ErrNotTranslatable is returned when an expression has no data source representation.
	ErrNotTranslatable = errors.New("expression not translatable")
	// ErrNullReference is returned when a member is read through a null value.
	ErrNullReference = errors.New("null reference")
	// ErrInvalidQueryOption is returned for malformed clause values such as a negative $top.
	ErrInvalidQueryOption = errors.New("invalid query option")
)

// UnmappedMemberError names the destination member that could not be resolved.
type UnmappedMemberError struct {
	Type   reflect.Type
	Member string
	Reason string
}

func (e *UnmappedMemberError) Error() string {
	msg := fmt.Sprintf("unmapped member %q on %s", e.Member, typeName(e.Type))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnmappedMemberError) Is(target error) bool {
	return target == ErrUnmappedMember
}

// TypeMismatchError reports a conversion that cannot be expressed.
type TypeMismatchError struct {
	Member string
	From   reflect.Type
	To     reflect.Type
}

func (e *TypeMismatchError) Error() string {
	if e.Member == "" {
		return fmt.Sprintf("type mismatch: cannot convert %s to %s", typeName(e.From), typeName(e.To))
	}
	return fmt.Sprintf("type mismatch on %q: cannot convert %s to %s", e.Member, typeName(e.From), typeName(e.To))
}

func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}

// ExpansionPathConflictError reports the path that violated the expansion rules.
type ExpansionPathConflictError struct {
	Path   string
	Reason string
}

func (e *ExpansionPathConflictError) Error() string {
	if e.Path == "" {
		return "expansion path conflict: " + e.Reason
	}
	return fmt.Sprintf("expansion path conflict at %q: %s", e.Path, e.Reason)
}

func (e *ExpansionPathConflictError) Is(target error) bool {
	return target == ErrExpansionPathConflict
}

// NotTranslatable wraps ErrNotTranslatable with the offending construct.
func NotTranslatable(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotTranslatable, fmt.Sprintf(format, args...))
}

// InvalidQueryOption wraps ErrInvalidQueryOption with a description.
func InvalidQueryOption(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidQueryOption, fmt.Sprintf(format, args...))
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
