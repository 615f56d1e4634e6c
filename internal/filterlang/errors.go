package filterlang

import (
	"errors"
	"fmt"
)

// Lexer errors.
var (
	ErrInvalidToken = errors.New("invalid token")
)

// Parser errors.
var (
	ErrUnexpectedToken    = errors.New("unexpected token")
	ErrEmptyIdentifierSet = errors.New("empty identifier set")
)

// ParseError provides detailed error information including position.
type ParseError struct {
	Pos     int    // byte offset in input
	Message string // human-readable error message
	Err     error  // underlying sentinel error (for errors.Is)
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s", e.Pos, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// newParseError creates a ParseError with the given position and sentinel error.
func newParseError(pos int, err error, msgFmt string, args ...any) *ParseError {
	return &ParseError{
		Pos:     pos,
		Message: fmt.Sprintf(msgFmt, args...),
		Err:     err,
	}
}
