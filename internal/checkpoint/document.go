package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/mediaforge/orchestrator-core/internal/model"
)

// FormatVersion is the current on-disk checkpoint document version (spec
// §6.4). There is no prior format to migrate from in this implementation;
// a future incompatible change bumps this and Load rejects older readers
// via ErrVersionUnsupported rather than guessing at migration.
const FormatVersion = 1

// ProjectSnapshot is the project-level state captured in a checkpoint.
type ProjectSnapshot struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Status    model.ProjectStatus `json:"status"`
	ByteUsage int64               `json:"byte_usage"`
}

// StageSnapshot is one stage's persisted state at checkpoint time.
type StageSnapshot struct {
	Name       string            `json:"name"`
	Status     model.StageStatus `json:"status"`
	RetryCount int               `json:"retry_count"`
	Error      string            `json:"error,omitempty"`
}

// ArtifactSnapshot is one artifact row at checkpoint time, enough to
// cross-check against the filesystem during Verify/Reconcile.
type ArtifactSnapshot struct {
	ID            uint64              `json:"id"`
	StepName      string              `json:"step_name"`
	FileType      model.ArtifactType  `json:"file_type"`
	FilePath      string              `json:"file_path"`
	FileSizeBytes int64               `json:"file_size_bytes"`
}

// Document is the full on-disk checkpoint format (spec §6.4). Checksum
// covers the JSON encoding of every other field and is verified on Load.
type Document struct {
	FormatVersion int                `json:"format_version"`
	Sequence      int                `json:"sequence"`
	Timestamp     time.Time          `json:"timestamp"`
	Project       ProjectSnapshot    `json:"project"`
	Stages        []StageSnapshot    `json:"stages"`
	Artifacts     []ArtifactSnapshot `json:"artifacts"`
	Checksum      string             `json:"checksum"`
}

func (d *Document) computeChecksum() (string, error) {
	clone := *d
	clone.Checksum = ""
	b, err := json.Marshal(clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Validate recomputes the checksum and compares it, and rejects any
// document whose format version this build doesn't understand (spec §8).
func (d *Document) Validate() error {
	if d.FormatVersion != FormatVersion {
		return ErrVersionUnsupported
	}
	want, err := d.computeChecksum()
	if err != nil {
		return err
	}
	if want != d.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}
