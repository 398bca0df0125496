// Package batchfile stores descriptor batches on disk and maps them back
// into memory for registration.
//
// A batch file is the stand-in for the descriptor section of a loadable
// object: it is opened (mapped read-only), its batch registered, later
// deregistered, and finally closed (unmapped). The last step is exactly the
// "release the batch memory" that deregistration makes safe.
//
// # File Layout
//
// All header fields are little endian; the payload is a batch in native
// byte order, exactly as the registry reads it.
//
//	offset  size  field
//	0       4     magic "FDB1"
//	4       4     header length (payload offset), multiple of 16
//	8       8     payload length
//	16      8     xxhash64 of the payload
//	24      1     format version length n
//	25      n     format version (semver, e.g. "v1.0.0")
//	...           zero padding up to the header length
//	hdr     len   payload
//
// A file is readable when its format version has the same major version as
// FormatVersion and is not newer.
package batchfile
