package sheet

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat is returned for files that are neither xlsx nor csv.
	ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")
	// ErrEmptyWorkbook is returned when the active sheet has no header row.
	ErrEmptyWorkbook = errors.New("spreadsheet has no rows")
)

// LoadError reports a spreadsheet that could not be read.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %q: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// SaveError reports a spreadsheet that could not be serialized.
type SaveError struct {
	Name string
	Err  error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %q: %v", e.Name, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}
