package engine

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes engine errors.
//
// Configuration codes are returned at construction/registration time and are
// fatal to startup. Usage codes are surfaced synchronously to the caller and
// leave the graph unchanged. Validation outcomes are never errors; they are
// messages merged into cells.
type ErrorCode string

const (
	// ErrCodeUnknownProperty indicates a property name that was never declared.
	ErrCodeUnknownProperty ErrorCode = "UNKNOWN_PROPERTY"

	// ErrCodeTypeMismatch indicates a value whose runtime kind disagrees with
	// the declared property kind.
	ErrCodeTypeMismatch ErrorCode = "TYPE_MISMATCH"

	// ErrCodeReadOnly indicates a write to a read-only cell outside the load path.
	ErrCodeReadOnly ErrorCode = "READ_ONLY"

	// ErrCodeRuleNotApplicable indicates a rule registered with an empty
	// trigger-property set. Detected at registration, never at run time.
	ErrCodeRuleNotApplicable ErrorCode = "RULE_NOT_APPLICABLE"

	// ErrCodeDuplicateRuleID indicates two registrations that canonicalize to
	// the same descriptor and would therefore share a stable id.
	ErrCodeDuplicateRuleID ErrorCode = "DUPLICATE_RULE_ID"

	// ErrCodeForeignAggregate indicates an item already owned by a different
	// live collection.
	ErrCodeForeignAggregate ErrorCode = "FOREIGN_AGGREGATE"

	// ErrCodeItemBusy indicates an adoption attempt while the item has
	// in-flight asynchronous rule executions.
	ErrCodeItemBusy ErrorCode = "ITEM_BUSY"

	// ErrCodeItemNotFound indicates a removal of an item the collection does
	// not contain.
	ErrCodeItemNotFound ErrorCode = "ITEM_NOT_FOUND"

	// ErrCodeNotSavable indicates Save was called on a node that is a child,
	// busy, invalid, or unchanged. The Reason field names which.
	ErrCodeNotSavable ErrorCode = "NOT_SAVABLE"

	// ErrCodePersistenceFailed wraps a portal error. The node's save state is
	// not advanced; the node remains mutable and re-saveable.
	ErrCodePersistenceFailed ErrorCode = "PERSISTENCE_FAILED"

	// ErrCodeRuleSetMismatch indicates a decoded snapshot whose rule set
	// fingerprint differs from the locally declared rule set.
	ErrCodeRuleSetMismatch ErrorCode = "RULE_SET_MISMATCH"
)

// EngineError is the typed failure surface for configuration and usage errors.
type EngineError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Property names the affected property, when one exists.
	Property string

	// Rule names the affected rule registration, when one exists.
	Rule string

	// Reason carries the NOT_SAVABLE reason ("child", "busy", "invalid",
	// "unchanged", "no portal").
	Reason string

	// Err is the wrapped collaborator error for PERSISTENCE_FAILED.
	Err error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("%s: %s (reason=%s)", e.Code, e.Message, e.Reason)
	case e.Property != "" && e.Rule != "":
		return fmt.Sprintf("%s: %s (property=%s, rule=%s)", e.Code, e.Message, e.Property, e.Rule)
	case e.Property != "":
		return fmt.Sprintf("%s: %s (property=%s)", e.Code, e.Message, e.Property)
	case e.Rule != "":
		return fmt.Sprintf("%s: %s (rule=%s)", e.Code, e.Message, e.Rule)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the wrapped collaborator error, if any.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the engine error code from err, unwrapping as needed.
// Returns "" when err is not an EngineError.
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsNotSavable reports whether err is a NOT_SAVABLE usage error.
// Uses errors.As to handle wrapped errors.
func IsNotSavable(err error) bool {
	return CodeOf(err) == ErrCodeNotSavable
}

// IsPersistenceFailed reports whether err wraps a portal failure.
func IsPersistenceFailed(err error) bool {
	return CodeOf(err) == ErrCodePersistenceFailed
}

func errUnknownProperty(name string) error {
	return &EngineError{Code: ErrCodeUnknownProperty, Message: "property is not declared", Property: name}
}

func errTypeMismatch(name string, want Kind, got Value) error {
	return &EngineError{
		Code:     ErrCodeTypeMismatch,
		Message:  fmt.Sprintf("declared %s, got %T", want, got),
		Property: name,
	}
}

func errReadOnly(name string) error {
	return &EngineError{Code: ErrCodeReadOnly, Message: "property is read-only", Property: name}
}

func errNotSavable(reason string) error {
	return &EngineError{Code: ErrCodeNotSavable, Message: "node cannot be saved", Reason: reason}
}

func errPersistence(op string, err error) error {
	return &EngineError{
		Code:    ErrCodePersistenceFailed,
		Message: fmt.Sprintf("portal %s failed", op),
		Err:     err,
	}
}
