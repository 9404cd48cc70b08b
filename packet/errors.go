package packet

import (
	"errors"
	"fmt"
)

// Sentinel errors for packet decoding. Both are non-fatal to a connection:
// the offending datagram is dropped and counted.
var (
	ErrMalformedHeader       = errors.New("srt: malformed header")
	ErrUnknownControlSubtype = errors.New("srt: unknown control subtype")
)

// ParseError indicates a failure to decode a packet field. It wraps one of
// the sentinel errors and records which field was being parsed.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("srt: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func malformed(field string) error {
	return &ParseError{Field: field, Err: ErrMalformedHeader}
}
