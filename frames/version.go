package frames

import "github.com/kolkov/framedescr/internal/frames/batchfile"

// Version is the release of this module, without the leading "v".
const Version = "0.1.0"

// Info is what the "framedescr version" command prints, and what a host
// can log at startup to record which registry it linked.
type Info struct {
	Version string // Same as the Version constant.

	// Index names the slot layout and probe strategy Find uses.
	Index string

	// BatchFormat is the newest on-disk batch format Open accepts, as a
	// semver string such as "v1.0.0". Older files of the same major version
	// are read too.
	BatchFormat string
}

// GetInfo reports the module release together with the index layout and
// the batch file format it was built with.
func GetInfo() Info {
	return Info{
		Version:     Version,
		Index:       "open addressing, linear probing, tombstoned removal",
		BatchFormat: batchfile.FormatVersion,
	}
}
