package batchfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/natefinch/atomic"
	"golang.org/x/mod/semver"

	"github.com/kolkov/framedescr/internal/frames/descr"
)

// FormatVersion is the newest format version this build reads and the
// version it writes.
const FormatVersion = "v1.0.0"

// Magic identifies a batch file.
const Magic = "FDB1"

const (
	offHeaderLen  = 4
	offPayloadLen = 8
	offChecksum   = 16
	offVersionLen = 24
	offVersion    = 25

	headerAlign = 16
	maxVersion  = 255
)

// Header is the decoded file header.
type Header struct {
	Version    string // Format version the file was written with.
	HeaderLen  int    // Payload offset.
	PayloadLen int    // Payload length in bytes.
	Checksum   uint64 // xxhash64 of the payload.
}

// Encode returns the file image for payload written with format version.
//
// payload must be a valid batch (descr.NewBatch accepts it); version must be
// a valid semantic version string.
func Encode(version string, payload []byte) ([]byte, error) {
	if !semver.IsValid(version) {
		return nil, fmt.Errorf("batchfile: invalid format version %q", version)
	}
	if len(version) > maxVersion {
		return nil, fmt.Errorf("batchfile: format version %q too long", version)
	}
	if _, err := descr.NewBatch(descr.CopyAligned(payload)); err != nil {
		return nil, fmt.Errorf("batchfile: payload: %w", err)
	}

	hdrLen := alignUp(offVersion+len(version), headerAlign)
	buf := make([]byte, hdrLen+len(payload))

	copy(buf, Magic)
	binary.LittleEndian.PutUint32(buf[offHeaderLen:], uint32(hdrLen))
	binary.LittleEndian.PutUint64(buf[offPayloadLen:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(buf[offChecksum:], xxhash.Sum64(payload))
	buf[offVersionLen] = byte(len(version))
	copy(buf[offVersion:], version)
	copy(buf[hdrLen:], payload)

	return buf, nil
}

// Write stores payload as a batch file at path in the current format.
//
// The file is replaced atomically: readers either see the old file or the
// complete new one.
func Write(path string, payload []byte) error {
	return WriteVersion(path, FormatVersion, payload)
}

// WriteVersion is Write with an explicit format version.
func WriteVersion(path, version string, payload []byte) error {
	buf, err := Encode(version, payload)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("batchfile: write %s: %w", path, err)
	}
	return nil
}

// WriteTo writes the file image for payload to w in the current format.
func WriteTo(w io.Writer, payload []byte) (int64, error) {
	buf, err := Encode(FormatVersion, payload)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// ParseHeader validates the header of a file image and returns it.
//
// The payload is bounds-checked and its checksum verified, but it is not
// parsed as a batch.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < offVersion {
		return Header{}, formatErrorf(ErrCorrupt, 0, "file of %d bytes is shorter than the header", len(data))
	}
	if string(data[:len(Magic)]) != Magic {
		return Header{}, formatErrorf(ErrBadMagic, 0, "magic %q, want %q", data[:len(Magic)], Magic)
	}

	h := Header{
		HeaderLen: int(binary.LittleEndian.Uint32(data[offHeaderLen:])),
		Checksum:  binary.LittleEndian.Uint64(data[offChecksum:]),
	}

	payloadLen := binary.LittleEndian.Uint64(data[offPayloadLen:])

	vlen := int(data[offVersionLen])
	if offVersion+vlen > len(data) {
		return Header{}, formatErrorf(ErrCorrupt, offVersionLen, "format version of %d bytes overruns the file", vlen)
	}
	h.Version = string(data[offVersion : offVersion+vlen])
	if err := checkVersion(h.Version); err != nil {
		return Header{}, err
	}

	if h.HeaderLen < offVersion+vlen || h.HeaderLen%headerAlign != 0 || h.HeaderLen > len(data) {
		return Header{}, formatErrorf(ErrCorrupt, offHeaderLen, "header length %d invalid for a %d byte file", h.HeaderLen, len(data))
	}
	if payloadLen != uint64(len(data)-h.HeaderLen) {
		return Header{}, formatErrorf(ErrCorrupt, offPayloadLen, "payload length %d, file holds %d", payloadLen, len(data)-h.HeaderLen)
	}
	h.PayloadLen = int(payloadLen)

	if sum := xxhash.Sum64(data[h.HeaderLen:]); sum != h.Checksum {
		return Header{}, formatErrorf(ErrCorrupt, offChecksum, "checksum %#016x, payload hashes to %#016x", h.Checksum, sum)
	}

	return h, nil
}

// Compatible reports whether files written with format version v are
// readable by this build.
func Compatible(v string) bool {
	return checkVersion(v) == nil
}

func checkVersion(v string) error {
	switch {
	case !semver.IsValid(v):
		return formatErrorf(ErrIncompatibleVersion, offVersion, "format version %q is not a semantic version", v)
	case semver.Major(v) != semver.Major(FormatVersion):
		return formatErrorf(ErrIncompatibleVersion, offVersion, "format version %q not readable by %s", v, FormatVersion)
	case semver.Compare(v, FormatVersion) > 0:
		return formatErrorf(ErrIncompatibleVersion, offVersion, "format version %q is newer than %s", v, FormatVersion)
	}
	return nil
}

// decode validates data and returns its batch. The batch borrows data.
func decode(data []byte) (Header, *descr.Batch, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return Header{}, nil, err
	}

	b, err := descr.NewBatch(data[h.HeaderLen:])
	if err != nil {
		return Header{}, nil, &FormatError{
			Offset:  h.HeaderLen,
			Message: err.Error(),
			Err:     err,
		}
	}
	return h, b, nil
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}
