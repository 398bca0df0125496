package batchfile

import (
	"errors"
	"fmt"
	"os"

	"github.com/kolkov/framedescr/internal/frames/descr"
)

// File is an opened batch file.
//
// The batch borrows the file's memory. Close releases it, so a File must
// not be closed while its batch is registered; deregister first.
//
// Thread Safety: Batch and Header are safe for concurrent use; Close must
// not race with anything else.
type File struct {
	path   string
	data   []byte
	hdr    Header
	batch  *descr.Batch
	mapped bool
	closed bool
}

// Open maps the batch file at path read-only and validates it.
//
// Returns a *FormatError wrapping ErrBadMagic, ErrIncompatibleVersion,
// ErrCorrupt or descr.ErrMalformed if the file is not a readable batch file.
func Open(path string) (*File, error) {
	data, mapped, err := load(path)
	if err != nil {
		return nil, err
	}

	hdr, b, err := decode(data)
	if err != nil {
		if mapped {
			_ = unmap(data)
		}
		var fe *FormatError
		if errors.As(err, &fe) {
			fe.Path = path
		}
		return nil, err
	}

	return &File{
		path:   path,
		data:   data,
		hdr:    hdr,
		batch:  b,
		mapped: mapped,
	}, nil
}

// Decode validates a file image held in memory and returns its batch. The
// batch borrows data, which must be word aligned (see descr.AlignedBytes).
func Decode(data []byte) (*descr.Batch, error) {
	_, b, err := decode(data)
	return b, err
}

// Path returns the path the file was opened from.
func (f *File) Path() string {
	return f.path
}

// Header returns the decoded file header.
func (f *File) Header() Header {
	return f.hdr
}

// Batch returns the file's descriptor batch.
func (f *File) Batch() *descr.Batch {
	return f.batch
}

// Mapped reports whether the batch memory is a file mapping rather than a
// heap copy.
func (f *File) Mapped() bool {
	return f.mapped
}

// Close releases the batch memory.
func (f *File) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true

	data := f.data
	f.data = nil
	f.batch = nil
	if f.mapped {
		if err := unmap(data); err != nil {
			return fmt.Errorf("batchfile: unmap %s: %w", f.path, err)
		}
	}
	return nil
}

// readFile is the load path for systems without mmap and for empty files.
func readFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("batchfile: %w", err)
	}
	return descr.CopyAligned(raw), nil
}
