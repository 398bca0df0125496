package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kolkov/framedescr/internal/frames/batchfile"
	"github.com/kolkov/framedescr/internal/frames/descr"
)

// openFiles opens every path, closing the ones already open on failure.
func openFiles(paths []string) ([]*batchfile.File, error) {
	files := make([]*batchfile.File, 0, len(paths))
	for _, p := range paths {
		f, err := batchfile.Open(p)
		if err != nil {
			return nil, errors.Join(err, closeFiles(files))
		}
		files = append(files, f)
	}
	return files, nil
}

func closeFiles(files []*batchfile.File) error {
	var errs []error
	for _, f := range files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func batchesOf(files []*batchfile.File) []*descr.Batch {
	batches := make([]*descr.Batch, len(files))
	for i, f := range files {
		batches[i] = f.Batch()
	}
	return batches
}

// formatDescr renders d on one line.
func formatDescr(pc uintptr, d *descr.Descr) string {
	if d == nil {
		return fmt.Sprintf("%#x: not found", pc)
	}
	if d.ReturnsToC() {
		return fmt.Sprintf("%#x: return to C", pc)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%#x: frame %d bytes, live %v", pc, d.Size(), d.LiveOffsets())
	if d.HasAllocs() {
		fmt.Fprintf(&sb, ", allocs %v (%d words)", d.AllocLengths(), d.AllocatedWords())
	}
	if d.HasDebugInfo() {
		fmt.Fprintf(&sb, ", debug %#x", d.DebugInfo())
	}
	return sb.String()
}
