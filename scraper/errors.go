package scraper

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValueNotFound is returned by the selector locator when no node in
	// the tree reproduces the target value exactly.
	ErrValueNotFound = errors.New("value not found in page")

	// ErrMissingSelectorValue is matched by MissingSelectorValueError.
	ErrMissingSelectorValue = errors.New("no required field could be extracted")

	// ErrConfiguration is matched by ConfigurationError.
	ErrConfiguration = errors.New("configuration could not be calculated")

	// ErrNoExampleData is returned when recomputation has no usable example.
	ErrNoExampleData = errors.New("no example data available")
)

// MissingSelectorValueError reports that extraction resolved none of the
// required fields of a type.
type MissingSelectorValueError struct {
	Type   string
	Fields []string
}

func (e *MissingSelectorValueError) Error() string {
	return fmt.Sprintf("no value found for required field(s) %q of type %q",
		strings.Join(e.Fields, ","), e.Type)
}

// Is makes errors.Is(err, ErrMissingSelectorValue) work.
func (e *MissingSelectorValueError) Is(target error) bool {
	return target == ErrMissingSelectorValue
}

// ConfigurationError names the expected fields that resolved in none of the
// examples during recomputation.
type ConfigurationError struct {
	Type   string
	Fields []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("field(s) %q not found for type %q",
		strings.Join(e.Fields, ","), e.Type)
}

// Is makes errors.Is(err, ErrConfiguration) work.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// NoExampleData wraps ErrNoExampleData with the type that has no examples.
func NoExampleData(typ string) error {
	return fmt.Errorf("a dataset example is needed to recalculate selectors for type %s: %w",
		typ, ErrNoExampleData)
}
