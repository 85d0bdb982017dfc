// Package errs declares the error kinds surfaced by the dataset, encoder,
// model and solver packages. Callers match them with errors.Is.
package errs

import "errors"

var (
	// ErrLoad reports a missing, unreadable or malformed input file.
	ErrLoad = errors.New("load error")
	// ErrEncoding reports text that cannot be tokenized.
	ErrEncoding = errors.New("encoding error")
	// ErrShape reports a dimension mismatch between encoder output and head input.
	ErrShape = errors.New("shape error")
	// ErrConfig reports an invalid hyperparameter or setting.
	ErrConfig = errors.New("config error")
	// ErrIndex reports an out-of-range dataset access.
	ErrIndex = errors.New("index out of range")
)

// IsLoad reports whether err wraps ErrLoad.
func IsLoad(err error) bool {
	return errors.Is(err, ErrLoad)
}

// IsEncoding reports whether err wraps ErrEncoding.
func IsEncoding(err error) bool {
	return errors.Is(err, ErrEncoding)
}

// IsShape reports whether err wraps ErrShape.
func IsShape(err error) bool {
	return errors.Is(err, ErrShape)
}

// IsConfig reports whether err wraps ErrConfig.
func IsConfig(err error) bool {
	return errors.Is(err, ErrConfig)
}

// IsIndex reports whether err wraps ErrIndex.
func IsIndex(err error) bool {
	return errors.Is(err, ErrIndex)
}
