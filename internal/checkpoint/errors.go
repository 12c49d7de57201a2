package checkpoint

import "errors"

// Error taxonomy for Checkpoint & Recovery (spec §4.6, §7).
var (
	ErrChecksumMismatch = errors.New("checkpoint: checksum mismatch")
	ErrVersionUnsupported = errors.New("checkpoint: unsupported format version")
	ErrNoCheckpoint     = errors.New("checkpoint: no checkpoint found")
	ErrCorrupt          = errors.New("checkpoint: corrupt checkpoint document")
)
