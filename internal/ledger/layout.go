package ledger

import (
	"path/filepath"
	"strings"

	"github.com/mediaforge/orchestrator-core/internal/model"
)

// On-disk layout of a single project subtree (spec §6.3):
//
//	<projectsRoot>/<projectID>/
//	    files/
//	        audio/
//	        video/
//	        images/
//	        scripts/
//	        metadata/
//	    logs/
//	    cache/
//	    checkpoints/
const (
	dirFiles       = "files"
	dirLogs        = "logs"
	dirCache       = "cache"
	dirCheckpoints = "checkpoints"
)

var typeSubdir = map[model.ArtifactType]string{
	model.ArtifactAudio:    "audio",
	model.ArtifactVideo:    "video",
	model.ArtifactImage:    "images",
	model.ArtifactScript:   "scripts",
	model.ArtifactSubtitle: "scripts",
	model.ArtifactMetadata: "metadata",
}

// ProjectRoot returns the project's subtree root under the ledger's root.
func (l *Ledger) ProjectRoot(projectID string) string {
	return filepath.Join(l.root, projectID)
}

func (l *Ledger) filesDir(projectID string, fileType model.ArtifactType) string {
	sub, ok := typeSubdir[fileType]
	if !ok {
		sub = "metadata"
	}
	return filepath.Join(l.ProjectRoot(projectID), dirFiles, sub)
}

func (l *Ledger) logsDir(projectID string) string { return filepath.Join(l.ProjectRoot(projectID), dirLogs) }
func (l *Ledger) cacheDir(projectID string) string { return filepath.Join(l.ProjectRoot(projectID), dirCache) }
func (l *Ledger) checkpointsDir(projectID string) string {
	return filepath.Join(l.ProjectRoot(projectID), dirCheckpoints)
}

// CheckpointsDir exposes the per-project checkpoints directory to the
// checkpoint package (spec §6.3).
func (l *Ledger) CheckpointsDir(projectID string) string { return l.checkpointsDir(projectID) }

// resolvePath joins root and rel, then verifies the result is still
// lexically inside root. rel must never be allowed to walk out via ".." or
// an absolute path (spec §4.2, §7: ErrPathTraversal).
func resolvePath(root, rel string) (string, error) {
	cleanRel := filepath.Clean(string(filepath.Separator) + rel)
	joined := filepath.Join(root, cleanRel)
	rootWithSep := strings.TrimSuffix(root, string(filepath.Separator)) + string(filepath.Separator)
	if joined != strings.TrimSuffix(rootWithSep, string(filepath.Separator)) && !strings.HasPrefix(joined, rootWithSep) {
		return "", ErrPathTraversal
	}
	return joined, nil
}
