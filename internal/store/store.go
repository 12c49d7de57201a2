// Package store implements the Project Store (C1): transactional
// persistence of projects, stage records, the artifact ledger, statistics,
// API usage, and system configuration, backed by a single embedded
// relational store (spec §4.1, §6.2).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mediaforge/orchestrator-core/internal/model"
	"github.com/mediaforge/orchestrator-core/internal/platform/logger"
)

// DirProvisioner creates and removes the on-disk subtree for a project. The
// artifact ledger (C2) implements this; the store depends only on the
// interface so the two packages don't form an import cycle even though
// CreateProject must provision both the database row and the directory
// tree as one logical operation (spec §4.1, §6.3).
type DirProvisioner interface {
	CreateProjectDir(projectID string) error
	RemoveProjectDir(projectID string) error
}

// ArtifactFilter selects a subset of ArtifactRef rows for QueryArtifacts.
// Zero-valued fields are unconstrained.
type ArtifactFilter struct {
	StepName string
	FileType model.ArtifactType
	Category model.ArtifactCategory
}

// ProjectFilter selects a subset of Project rows for ListProjects.
type ProjectFilter struct {
	Status model.ProjectStatus // "" = any
}

type HealthStatus struct {
	Healthy bool
	Reason  string
}

// Store is the public contract of the Project Store (spec §4.1).
type Store interface {
	CreateProject(ctx context.Context, id, name, theme string, config map[string]any, targetLengthMin int) (*model.Project, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context, filter ProjectFilter, limit, offset int) ([]*model.Project, error)
	UpdateProjectStatus(ctx context.Context, id string, newStatus model.ProjectStatus) error
	DeleteProject(ctx context.Context, id string) error

	CreateStageRecords(ctx context.Context, projectID string, defs []StageDef) ([]*model.StageRecord, error)
	GetStageRecord(ctx context.Context, projectID, stepName string) (*model.StageRecord, error)
	ListStageRecords(ctx context.Context, projectID string) ([]*model.StageRecord, error)
	UpdateStageStatus(ctx context.Context, projectID, stepName string, newStatus model.StageStatus, opts StageTransitionOpts) error

	RegisterArtifact(ctx context.Context, projectID, stepName string, fileType model.ArtifactType, category model.ArtifactCategory, relPath, fileName string, size int64, metadata map[string]any, isTemporary bool, quota int64) (*model.ArtifactRef, error)
	QueryArtifacts(ctx context.Context, projectID string, filter ArtifactFilter) ([]*model.ArtifactRef, error)
	DeleteArtifact(ctx context.Context, artifactID uint64) error
	ProjectByteUsage(ctx context.Context, projectID string) (int64, error)
	SetProjectByteUsage(ctx context.Context, projectID string, bytes int64) error

	RecordApiUsage(ctx context.Context, rec *model.ApiUsageRecord) error
	RecordApiUsageBatch(ctx context.Context, recs []*model.ApiUsageRecord) error
	RecordStat(ctx context.Context, rec *model.StatCounter) error
	RecordStatBatch(ctx context.Context, recs []*model.StatCounter) error

	Migrate(ctx context.Context) error
	Backup(ctx context.Context, path string) error
	HealthCheck(ctx context.Context) HealthStatus

	DB() *gorm.DB
}

// StageDef is the subset of a workflow StageDef the store needs in order to
// materialize a StageRecord row (spec §4.3's StageDef carries more fields
// than persistence needs).
type StageDef struct {
	Name            string
	Order           int
	InputParamsJSON map[string]any
}

// StageTransitionOpts carries the optional fields UpdateStageStatus may
// persist alongside a status change (spec §4.1).
type StageTransitionOpts struct {
	Error      string
	RetryCount *int
	Output     map[string]any
	Elapsed    *float64
}

type gormStore struct {
	db          *gorm.DB
	log         *logger.Logger
	provisioner DirProvisioner
}

// New constructs a Store over an already-open *gorm.DB. The caller is
// responsible for opening the sqlite connection (spec §6.5 store_path).
func New(db *gorm.DB, log *logger.Logger, provisioner DirProvisioner) Store {
	return &gormStore{db: db, log: log.With("component", "ProjectStore"), provisioner: provisioner}
}

func (s *gormStore) DB() *gorm.DB { return s.db }

// ---- projects --------------------------------------------------------

func (s *gormStore) CreateProject(ctx context.Context, id, name, theme string, config map[string]any, targetLengthMin int) (*model.Project, error) {
	if id == "" || name == "" {
		return nil, fmt.Errorf("%w: id and name are required", ErrInvalid)
	}
	if targetLengthMin < 1 {
		return nil, fmt.Errorf("%w: target length must be >= 1", ErrInvalid)
	}

	existing, err := s.GetProject(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		// CreateProject is idempotent on identical input (spec §8).
		return existing, nil
	}

	cfgJSON, err := marshalJSON(config)
	if err != nil {
		return nil, fmt.Errorf("%w: config: %v", ErrInvalid, err)
	}

	now := time.Now().UTC()
	row := &model.Project{
		ID:              id,
		Name:            name,
		Theme:           theme,
		TargetLengthMin: targetLengthMin,
		Status:          model.ProjectInitialized,
		ConfigJSON:      cfgJSON,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrExists
			}
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.provisioner != nil {
		if err := s.provisioner.CreateProjectDir(id); err != nil {
			// Compensate: the directory is the part of this logical
			// operation that cannot participate in the SQL transaction, so
			// on failure we roll the row back ourselves.
			_ = s.db.WithContext(ctx).Delete(&model.Project{}, "id = ?", id).Error
			return nil, fmt.Errorf("%w: create project directory: %v", ErrStore, err)
		}
	}

	return row, nil
}

func (s *gormStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var row model.Project
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return &row, nil
}

func (s *gormStore) ListProjects(ctx context.Context, filter ProjectFilter, limit, offset int) ([]*model.Project, error) {
	q := s.db.WithContext(ctx).Model(&model.Project{}).Order("created_at DESC")
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var rows []*model.Project
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return rows, nil
}

var projectTransitions = map[model.ProjectStatus]map[model.ProjectStatus]bool{
	model.ProjectInitialized: {model.ProjectProcessing: true, model.ProjectCancelled: true},
	model.ProjectProcessing:  {model.ProjectCompleted: true, model.ProjectFailed: true, model.ProjectCancelled: true},
	model.ProjectFailed:      {model.ProjectProcessing: true}, // resume/retry
	model.ProjectCancelled:   {model.ProjectProcessing: true}, // resume
	model.ProjectCompleted:   {},
}

func (s *gormStore) UpdateProjectStatus(ctx context.Context, id string, newStatus model.ProjectStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.Project
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		if row.Status == newStatus {
			return nil
		}
		allowed := projectTransitions[row.Status]
		if allowed == nil || !allowed[newStatus] {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, row.Status, newStatus)
		}
		return tx.Model(&model.Project{}).Where("id = ?", id).
			Updates(map[string]interface{}{"status": newStatus, "updated_at": time.Now().UTC()}).Error
	})
}

func (s *gormStore) DeleteProject(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&model.StageRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&model.ArtifactRef{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&model.StatCounter{}).Error; err != nil {
			return err
		}
		// ApiUsageRecord is retained with attribution severed (spec §3).
		if err := tx.Model(&model.ApiUsageRecord{}).Where("project_id = ?", id).
			Update("project_id", nil).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.Project{}).Error
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if s.provisioner != nil {
		_ = s.provisioner.RemoveProjectDir(id)
	}
	return nil
}

// ---- stage records ----------------------------------------------------

func (s *gormStore) CreateStageRecords(ctx context.Context, projectID string, defs []StageDef) ([]*model.StageRecord, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	var out []*model.StageRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range defs {
			var existing model.StageRecord
			err := tx.Where("project_id = ? AND step_name = ?", projectID, d.Name).First(&existing).Error
			if err == nil {
				// CreateStageRecords is idempotent on repeat (spec §4.1).
				out = append(out, &existing)
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %v", ErrStore, err)
			}
			inputJSON, jerr := marshalJSON(d.InputParamsJSON)
			if jerr != nil {
				return fmt.Errorf("%w: input params: %v", ErrInvalid, jerr)
			}
			row := &model.StageRecord{
				ProjectID:       projectID,
				StepName:        d.Name,
				StepOrder:       d.Order,
				Status:          model.StagePending,
				InputParamsJSON: inputJSON,
			}
			if err := tx.Create(row).Error; err != nil {
				return fmt.Errorf("%w: %v", ErrStore, err)
			}
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *gormStore) GetStageRecord(ctx context.Context, projectID, stepName string) (*model.StageRecord, error) {
	var row model.StageRecord
	err := s.db.WithContext(ctx).Where("project_id = ? AND step_name = ?", projectID, stepName).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return &row, nil
}

func (s *gormStore) ListStageRecords(ctx context.Context, projectID string) ([]*model.StageRecord, error) {
	var rows []*model.StageRecord
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("step_order ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return rows, nil
}

// stageTransitions encodes the state machine of spec §4.5.
var stageTransitions = map[model.StageStatus]map[model.StageStatus]bool{
	model.StagePending: {
		model.StageRunning:   true,
		model.StageSkipped:   true,
		model.StageCancelled: true,
	},
	model.StageRunning: {
		model.StageCompleted: true,
		model.StageFailed:    true,
		model.StageCancelled: true,
	},
	model.StageFailed: {
		model.StageRunning: true, // retry
	},
	model.StageCompleted: {},
	model.StageSkipped:   {},
	model.StageCancelled: {},
}

func (s *gormStore) UpdateStageStatus(ctx context.Context, projectID, stepName string, newStatus model.StageStatus, opts StageTransitionOpts) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.StageRecord
		if err := tx.Where("project_id = ? AND step_name = ?", projectID, stepName).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		if row.Status != newStatus {
			allowed := stageTransitions[row.Status]
			if allowed == nil || !allowed[newStatus] {
				return fmt.Errorf("%w: stage %s: %s -> %s", ErrBadTransition, stepName, row.Status, newStatus)
			}
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{"status": newStatus}
		switch newStatus {
		case model.StageRunning:
			updates["started_at"] = now
			updates["error_message"] = ""
		case model.StageCompleted, model.StageFailed, model.StageCancelled, model.StageSkipped:
			updates["completed_at"] = now
		}
		if opts.Error != "" {
			updates["error_message"] = opts.Error
		}
		if opts.RetryCount != nil {
			updates["retry_count"] = *opts.RetryCount
		}
		if opts.Output != nil {
			outJSON, err := marshalJSON(opts.Output)
			if err != nil {
				return fmt.Errorf("%w: output: %v", ErrInvalid, err)
			}
			updates["output_summary_json"] = outJSON
		}
		if opts.Elapsed != nil {
			updates["processing_time_seconds"] = *opts.Elapsed
		}
		return tx.Model(&model.StageRecord{}).
			Where("project_id = ? AND step_name = ?", projectID, stepName).
			Updates(updates).Error
	})
}

// ---- artifacts ---------------------------------------------------------

func (s *gormStore) RegisterArtifact(ctx context.Context, projectID, stepName string, fileType model.ArtifactType, category model.ArtifactCategory, relPath, fileName string, size int64, metadata map[string]any, isTemporary bool, quota int64) (*model.ArtifactRef, error) {
	metaJSON, err := marshalJSON(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrInvalid, err)
	}

	var row *model.ArtifactRef
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var proj model.Project
		if err := tx.Clauses().Where("id = ?", projectID).First(&proj).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		if quota > 0 && proj.ByteUsage+size > quota {
			return ErrQuota
		}

		row = &model.ArtifactRef{
			ProjectID:     projectID,
			StepName:      stepName,
			FileType:      fileType,
			FileCategory:  category,
			FilePath:      relPath,
			FileName:      fileName,
			FileSizeBytes: size,
			CreatedAt:     time.Now().UTC(),
			MetadataJSON:  metaJSON,
			IsTemporary:   isTemporary,
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		return tx.Model(&model.Project{}).Where("id = ?", projectID).
			Update("byte_usage", gorm.Expr("byte_usage + ?", size)).Error
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *gormStore) QueryArtifacts(ctx context.Context, projectID string, filter ArtifactFilter) ([]*model.ArtifactRef, error) {
	q := s.db.WithContext(ctx).Where("project_id = ?", projectID)
	if filter.StepName != "" {
		q = q.Where("step_name = ?", filter.StepName)
	}
	if filter.FileType != "" {
		q = q.Where("file_type = ?", filter.FileType)
	}
	if filter.Category != "" {
		q = q.Where("file_category = ?", filter.Category)
	}
	var rows []*model.ArtifactRef
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return rows, nil
}

func (s *gormStore) DeleteArtifact(ctx context.Context, artifactID uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.ArtifactRef
		if err := tx.Where("id = ?", artifactID).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		if err := tx.Delete(&model.ArtifactRef{}, artifactID).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		return tx.Model(&model.Project{}).Where("id = ?", row.ProjectID).
			Update("byte_usage", gorm.Expr("MAX(byte_usage - ?, 0)", row.FileSizeBytes)).Error
	})
}

func (s *gormStore) ProjectByteUsage(ctx context.Context, projectID string) (int64, error) {
	proj, err := s.GetProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	return proj.ByteUsage, nil
}

func (s *gormStore) SetProjectByteUsage(ctx context.Context, projectID string, bytes int64) error {
	if bytes < 0 {
		bytes = 0
	}
	err := s.db.WithContext(ctx).Model(&model.Project{}).Where("id = ?", projectID).
		Update("byte_usage", bytes).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// ---- stats & usage ------------------------------------------------------

func (s *gormStore) RecordApiUsage(ctx context.Context, rec *model.ApiUsageRecord) error {
	return s.RecordApiUsageBatch(ctx, []*model.ApiUsageRecord{rec})
}

func (s *gormStore) RecordApiUsageBatch(ctx context.Context, recs []*model.ApiUsageRecord) error {
	if len(recs) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&recs).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

func (s *gormStore) RecordStat(ctx context.Context, rec *model.StatCounter) error {
	return s.RecordStatBatch(ctx, []*model.StatCounter{rec})
}

func (s *gormStore) RecordStatBatch(ctx context.Context, recs []*model.StatCounter) error {
	if len(recs) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&recs).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// ---- lifecycle ----------------------------------------------------------

const schemaVersion = 1

func (s *gormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(model.AllTables()...); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrStore, err)
	}
	var applied model.SchemaMigration
	err := s.db.WithContext(ctx).Order("version DESC").First(&applied).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if applied.Version > schemaVersion {
		return fmt.Errorf("%w: store schema version %d is newer than supported version %d", ErrIntegrity, applied.Version, schemaVersion)
	}
	if applied.Version == schemaVersion {
		return nil
	}
	return s.db.WithContext(ctx).Create(&model.SchemaMigration{Version: schemaVersion, AppliedAt: time.Now().UTC()}).Error
}

func (s *gormStore) Backup(ctx context.Context, path string) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	// sqlite's VACUUM INTO performs an atomic, consistent online snapshot
	// without holding a write lock for the duration of the copy.
	if _, err := sqlDB.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("%w: backup: %v", ErrStore, err)
	}
	return nil
}

func (s *gormStore) HealthCheck(ctx context.Context) HealthStatus {
	sqlDB, err := s.db.DB()
	if err != nil {
		return HealthStatus{Healthy: false, Reason: err.Error()}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return HealthStatus{Healthy: false, Reason: fmt.Sprintf("ping failed: %v", err)}
	}
	var applied model.SchemaMigration
	err = s.db.WithContext(ctx).Order("version DESC").First(&applied).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || applied.Version < schemaVersion {
		return HealthStatus{Healthy: false, Reason: "pending schema migrations"}
	}
	if err != nil {
		return HealthStatus{Healthy: false, Reason: err.Error()}
	}
	return HealthStatus{Healthy: true}
}

func marshalJSON(v map[string]any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func isUniqueViolation(err error) bool {
	// sqlite driver surfaces unique constraint violations as a plain error
	// whose text includes "UNIQUE constraint failed"; there is no typed
	// sentinel to match against across gorm's sqlite dialect.
	return err != nil && containsFold(err.Error(), "unique constraint")
}

func containsFold(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	hl, nl := len(haystack), len(needle)
	for i := 0; i+nl <= hl; i++ {
		if equalFold(haystack[i:i+nl], needle) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
