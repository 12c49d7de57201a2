// Package ledger implements the Artifact Ledger & File Layout (C2): the
// on-disk project tree, atomic file writes, path-traversal protection, and
// reconciliation between the filesystem and the Project Store's artifact
// rows (spec §4.2, §6.3).
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mediaforge/orchestrator-core/internal/config"
	"github.com/mediaforge/orchestrator-core/internal/model"
	"github.com/mediaforge/orchestrator-core/internal/platform/logger"
	"github.com/mediaforge/orchestrator-core/internal/store"
)

// Ledger owns the on-disk project tree and keeps it consistent with the
// Project Store's artifact rows.
type Ledger struct {
	root  string
	store store.Store
	log   *logger.Logger

	mu    sync.Mutex // guards locks
	locks map[string]*sync.Mutex
}

// New constructs a Ledger rooted at root (spec §6.5 projects_root). store
// may be nil during directory-only provisioning use (see CreateProjectDir);
// callers that need WriteFile/Reconcile must supply a real store.
func New(root string, st store.Store, log *logger.Logger) *Ledger {
	return &Ledger{
		root:  root,
		store: st,
		log:   log.With("component", "ArtifactLedger"),
		locks: make(map[string]*sync.Mutex),
	}
}

// AttachStore supplies the Store reference after construction, which
// breaks the construction-order cycle between Store (needs a
// DirProvisioner, implemented by Ledger) and Ledger (needs a Store for
// WriteFile/Reconcile): build the Ledger first with a nil store, hand it
// to store.New as the DirProvisioner, then AttachStore once the Store
// exists.
func (l *Ledger) AttachStore(st store.Store) { l.store = st }

func (l *Ledger) projectLock(projectID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[projectID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[projectID] = m
	}
	return m
}

// CreateProjectDir provisions the full directory skeleton for a new
// project. It implements store.DirProvisioner (spec §4.1, §4.2).
func (l *Ledger) CreateProjectDir(projectID string) error {
	for _, sub := range []string{"audio", "video", "images", "scripts", "metadata"} {
		if err := os.MkdirAll(filepath.Join(l.ProjectRoot(projectID), dirFiles, sub), 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	for _, dir := range []string{l.logsDir(projectID), l.cacheDir(projectID), l.checkpointsDir(projectID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return nil
}

// RemoveProjectDir deletes a project's entire subtree. It implements
// store.DirProvisioner.
func (l *Ledger) RemoveProjectDir(projectID string) error {
	if err := os.RemoveAll(l.ProjectRoot(projectID)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// WriteFile writes data atomically (temp file + rename) into the category
// directory for fileType, then registers it in the ledger. If registration
// fails the file is unlinked so the filesystem and the store never diverge
// (spec §4.2: "rename is observed to have committed before the ledger
// entry is registered; if registration fails, the file is removed").
func (l *Ledger) WriteFile(ctx context.Context, projectID, stepName string, fileType model.ArtifactType, category model.ArtifactCategory, fileName string, data []byte, metadata map[string]any, isTemporary bool, quota int64) (*model.ArtifactRef, error) {
	lock := l.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	// fileName must be a bare name: artifacts live exactly one level under
	// their category directory, so anything that Base() doesn't leave
	// unchanged (a "..", a path separator, an absolute path) is rejected
	// outright rather than silently clamped (spec §4.2, §7: ErrPathTraversal).
	if fileName == "" || fileName == "." || fileName == ".." || filepath.Base(fileName) != fileName {
		return nil, ErrPathTraversal
	}

	dir := l.filesDir(projectID, fileType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	finalPath := filepath.Join(dir, fileName)

	tmpName := fmt.Sprintf(".%s.tmp-%s", fileName, shortHash(data))
	tmpPath := filepath.Join(dir, tmpName)
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("%w: write temp file: %v", ErrIO, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: rename: %v", ErrIO, err)
	}

	relPath, err := filepath.Rel(l.root, finalPath)
	if err != nil {
		_ = os.Remove(finalPath)
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	ref, err := l.store.RegisterArtifact(ctx, projectID, stepName, fileType, category, relPath, fileName, int64(len(data)), metadata, isTemporary, quota)
	if err != nil {
		_ = os.Remove(finalPath)
		return nil, err
	}
	return ref, nil
}

// ReadFile reads back the bytes for a registered artifact, re-validating
// that its stored path still resolves inside the ledger root.
func (l *Ledger) ReadFile(ref *model.ArtifactRef) ([]byte, error) {
	abs, err := resolvePath(l.root, ref.FilePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return data, nil
}

// CleanupTemporary deletes every artifact row (and backing file) for a
// project marked IsTemporary, typically after the project reaches a
// terminal status (spec §4.2).
func (l *Ledger) CleanupTemporary(ctx context.Context, projectID string) error {
	lock := l.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	refs, err := l.store.QueryArtifacts(ctx, projectID, store.ArtifactFilter{})
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if !ref.IsTemporary {
			continue
		}
		abs := filepath.Join(l.root, ref.FilePath)
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			l.log.Warn("failed to remove temporary artifact", "project_id", projectID, "path", ref.FilePath, "error", err)
		}
		if err := l.store.DeleteArtifact(ctx, ref.ID); err != nil {
			return err
		}
	}
	return nil
}

// ReconcileReport summarizes one Reconcile pass (spec §4.2).
type ReconcileReport struct {
	Orphaned      []string // files on disk with no ledger row
	Missing       []string // ledger rows whose file is absent
	SizeMismatch  []string // ledger rows whose recorded size disagrees with disk
	Repaired      int
	Mode          config.ReconcileMode
}

// Reconcile compares the on-disk tree against the ledger rows for a
// project. In ReconcileAutoRepair mode, orphaned files are registered into
// the ledger, missing rows (file deleted out from under the ledger) are
// deleted, and size-mismatched rows are corrected to the on-disk size
// (spec §4.2: "either register it (auto-repair mode) or report").
func (l *Ledger) Reconcile(ctx context.Context, projectID string, mode config.ReconcileMode) (*ReconcileReport, error) {
	lock := l.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	report := &ReconcileReport{Mode: mode}

	refs, err := l.store.QueryArtifacts(ctx, projectID, store.ArtifactFilter{})
	if err != nil {
		return nil, err
	}
	known := make(map[string]*model.ArtifactRef, len(refs))
	for _, ref := range refs {
		known[filepath.Clean(ref.FilePath)] = ref
	}

	filesRoot := filepath.Join(l.ProjectRoot(projectID), dirFiles)
	seen := make(map[string]bool)
	walkErr := filepath.WalkDir(filesRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(l.root, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.Clean(rel)
		seen[rel] = true
		ref, ok := known[rel]
		if !ok {
			report.Orphaned = append(report.Orphaned, rel)
			if mode == config.ReconcileAutoRepair {
				info, ierr := d.Info()
				if ierr != nil {
					return nil
				}
				fileType, fileName := artifactTypeFromPath(rel)
				if _, regErr := l.store.RegisterArtifact(ctx, projectID, "reconciled", fileType, model.CategoryOutput, rel, fileName, info.Size(), nil, false, 0); regErr == nil {
					report.Repaired++
				} else {
					l.log.Warn("failed to register orphaned artifact", "project_id", projectID, "path", rel, "error", regErr)
				}
			}
			return nil
		}
		info, ierr := d.Info()
		if ierr == nil && info.Size() != ref.FileSizeBytes {
			report.SizeMismatch = append(report.SizeMismatch, rel)
			if mode == config.ReconcileAutoRepair {
				delta := info.Size() - ref.FileSizeBytes
				if uerr := l.store.DB().WithContext(ctx).Model(&model.ArtifactRef{}).Where("id = ?", ref.ID).Update("file_size_bytes", info.Size()).Error; uerr != nil {
					l.log.Warn("failed to correct artifact size", "project_id", projectID, "artifact_id", ref.ID, "path", rel, "error", uerr)
				} else if uerr := l.store.SetProjectByteUsage(ctx, projectID, projectUsageDelta(ctx, l.store, projectID, delta)); uerr == nil {
					report.Repaired++
				}
			}
		}
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return nil, fmt.Errorf("%w: %v", ErrReconcile, walkErr)
	}

	for rel, ref := range known {
		if seen[rel] {
			continue
		}
		report.Missing = append(report.Missing, rel)
		if mode == config.ReconcileAutoRepair {
			if delErr := l.store.DeleteArtifact(ctx, ref.ID); delErr == nil {
				report.Repaired++
			} else {
				l.log.Warn("failed to delete missing artifact row", "project_id", projectID, "artifact_id", ref.ID, "path", rel, "error", delErr)
			}
		}
	}

	return report, nil
}

// artifactTypeFromPath infers an ArtifactType from an orphaned file's
// position in the project tree (files/<subdir>/<name>), falling back to
// ArtifactMetadata for anything outside the known category subdirectories.
func artifactTypeFromPath(rel string) (model.ArtifactType, string) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	name := parts[len(parts)-1]
	if len(parts) < 2 {
		return model.ArtifactMetadata, name
	}
	sub := parts[len(parts)-2]
	for t, s := range typeSubdir {
		if s == sub {
			return t, name
		}
	}
	return model.ArtifactMetadata, name
}

func projectUsageDelta(ctx context.Context, st store.Store, projectID string, delta int64) int64 {
	cur, err := st.ProjectByteUsage(ctx, projectID)
	if err != nil {
		return 0
	}
	next := cur + delta
	if next < 0 {
		next = 0
	}
	return next
}

func shortHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])[:12]
}
