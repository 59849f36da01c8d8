package normalize

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for normalization. Every typed error below matches one of them via errors.Is.
var (
	// ErrInvalidBinaryFraming indicates a malformed binary RPC frame.
	ErrInvalidBinaryFraming = errors.New("invalid binary framing")

	// ErrCircularFragmentDependency indicates that a fragment spreads itself, directly or not.
	ErrCircularFragmentDependency = errors.New("circular fragment dependency")

	// ErrFragmentNotFound indicates a spread of an undefined fragment.
	ErrFragmentNotFound = errors.New("fragment not found")

	// ErrDuplicateFragmentRegistration indicates two fragment definitions with one name.
	ErrDuplicateFragmentRegistration = errors.New("duplicate fragment registration")

	// ErrUnsupportedQueryConstruct indicates a query the normalizer refuses to flatten.
	ErrUnsupportedQueryConstruct = errors.New("unsupported query construct")

	// ErrQuerySyntax indicates query text that does not parse.
	ErrQuerySyntax = errors.New("query syntax error")

	// ErrInvalidJSONRPC indicates a JSON payload that is not a valid RPC request.
	ErrInvalidJSONRPC = errors.New("invalid JSON-RPC request")
)

// FramingError reports where a binary frame broke.
type FramingError struct {
	Offset int
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", ErrInvalidBinaryFraming, e.Offset, e.Reason)
}

// Is matches ErrInvalidBinaryFraming.
func (e *FramingError) Is(target error) bool {
	return target == ErrInvalidBinaryFraming
}

// CycleError names the spread path that closed a cycle, ending with the repeated fragment.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCircularFragmentDependency, strings.Join(e.Cycle, " -> "))
}

// Is matches ErrCircularFragmentDependency.
func (e *CycleError) Is(target error) bool {
	return target == ErrCircularFragmentDependency
}

// FragmentNotFoundError names the missing fragment.
type FragmentNotFoundError struct {
	Name string
}

func (e *FragmentNotFoundError) Error() string {
	return fmt.Sprintf("%s: %q", ErrFragmentNotFound, e.Name)
}

// Is matches ErrFragmentNotFound.
func (e *FragmentNotFoundError) Is(target error) bool {
	return target == ErrFragmentNotFound
}

// DuplicateFragmentError names the fragment defined twice.
type DuplicateFragmentError struct {
	Name string
}

func (e *DuplicateFragmentError) Error() string {
	return fmt.Sprintf("%s: %q", ErrDuplicateFragmentRegistration, e.Name)
}

// Is matches ErrDuplicateFragmentRegistration.
func (e *DuplicateFragmentError) Is(target error) bool {
	return target == ErrDuplicateFragmentRegistration
}

// UnsupportedError describes the rejected construct.
type UnsupportedError struct {
	Construct string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnsupportedQueryConstruct, e.Construct)
}

// Is matches ErrUnsupportedQueryConstruct.
func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupportedQueryConstruct
}

func framingError(offset int, format string, args ...any) *FramingError {
	return &FramingError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

func unsupported(format string, args ...any) *UnsupportedError {
	return &UnsupportedError{Construct: fmt.Sprintf(format, args...)}
}

func invalidJSONRPC(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidJSONRPC, reason)
}
