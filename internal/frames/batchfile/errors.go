package batchfile

import (
	"errors"
	"fmt"
)

// Sentinel errors wrapped by FormatError.
var (
	// ErrBadMagic indicates the file does not start with the batch file magic.
	ErrBadMagic = errors.New("batchfile: bad magic")

	// ErrIncompatibleVersion indicates the file was written in a format
	// version this build cannot read.
	ErrIncompatibleVersion = errors.New("batchfile: incompatible format version")

	// ErrCorrupt indicates inconsistent lengths or a checksum mismatch.
	ErrCorrupt = errors.New("batchfile: corrupt file")

	// ErrClosed indicates use of a closed File.
	ErrClosed = errors.New("batchfile: file already closed")
)

// FormatError describes a malformed batch file.
//
// Example:
//
//	plugin.fdb: offset 24: format version "v2.0.0" not readable by v1.0.0
//
// Thread Safety: Immutable after creation, safe for concurrent use.
type FormatError struct {
	Path    string // File path, empty when decoding a buffer.
	Offset  int    // Byte offset of the offending field.
	Message string // What is wrong.
	Err     error  // Sentinel describing the class of problem.
}

// Error implements the error interface.
//
// Format: path: offset N: message
func (e *FormatError) Error() string {
	path := e.Path
	if path == "" {
		path = "<buffer>"
	}
	return fmt.Sprintf("%s: offset %d: %s", path, e.Offset, e.Message)
}

// Unwrap returns the sentinel error so errors.Is works.
func (e *FormatError) Unwrap() error {
	return e.Err
}

func formatErrorf(err error, off int, format string, args ...any) *FormatError {
	return &FormatError{
		Offset:  off,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}
