package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrFileNotFound      = errors.New("config file not found")
	ErrUnsupportedFormat = errors.New("unsupported config format")
	ErrTypeMismatch      = errors.New("type mismatch")

	// ErrInvalid matches every *ValidationError.
	ErrInvalid = errors.New("invalid configuration")
)

// ParseError reports a file or environment variable that could not be
// decoded. Path is the file name, or "$NAME" for a variable.
type ParseError struct {
	Path    string
	Line    int
	Column  int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	switch {
	case strings.HasPrefix(e.Path, "$"):
		return fmt.Sprintf("environment %s: %s", e.Path[1:], e.Message)
	case e.Line > 0 && e.Column > 0:
		return fmt.Sprintf("parse error in %s at line %d, column %d: %s", e.Path, e.Line, e.Column, e.Message)
	case e.Line > 0:
		return fmt.Sprintf("parse error in %s at line %d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError describes one setting that failed Validate. Path is the
// dotted key, as in the YAML file. Secret values are never stored here.
type ValidationError struct {
	Path    string
	Message string
	Value   any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s (got %v)", e.Path, e.Message, e.Value)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}
