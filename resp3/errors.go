package resp3

import "github.com/pkg/errors"

// Parser-level failures. All of them are terminal for the connection the
// byte stream belongs to: the wire is no longer trustworthy once one of
// these fires.
var (
	ErrInvalidDataType      = errors.New("resp3: invalid data type byte")
	ErrNotANumber           = errors.New("resp3: length or integer field is not a number")
	ErrEmptyField           = errors.New("resp3: field must not be empty")
	ErrUnexpectedBoolValue  = errors.New("resp3: boolean value is not 't' or 'f'")
	ErrExceedsMaxNestedDepth = errors.New("resp3: nesting exceeds maximum depth")
)

// MaxDepth bounds aggregate nesting, per spec.md ParserState.MAX_DEPTH.
const MaxDepth = 5
