//go:build unix

package batchfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// load maps path read-only. Mappings are page aligned, and the payload
// offset is a multiple of 16, so the payload is word aligned.
func load(path string) (data []byte, mapped bool, err error) {
	file, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, false, fmt.Errorf("batchfile: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, false, fmt.Errorf("batchfile: stat %s: %w", path, err)
	}

	size := info.Size()
	if size == 0 {
		// mmap rejects empty mappings; let the header check report it.
		data, err := readFile(path)
		return data, false, err
	}

	data, err = unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, false, fmt.Errorf("batchfile: mmap %s: %w", path, err)
	}
	return data, true, nil
}

func unmap(data []byte) error {
	return unix.Munmap(data)
}
