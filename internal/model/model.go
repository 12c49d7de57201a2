// Package model defines the persisted row types backing the Project Store
// (spec §3, §6.2). Each type maps 1:1 onto a table named in spec §6.2.
package model

import (
	"time"

	"gorm.io/datatypes"
)

type ProjectStatus string

const (
	ProjectInitialized ProjectStatus = "initialized"
	ProjectProcessing  ProjectStatus = "processing"
	ProjectCompleted   ProjectStatus = "completed"
	ProjectFailed      ProjectStatus = "failed"
	ProjectCancelled   ProjectStatus = "cancelled"
)

// Project is the aggregate root of a workflow run (spec §3).
type Project struct {
	ID                string         `gorm:"column:id;primaryKey" json:"id"`
	Name              string         `gorm:"column:name;not null" json:"name"`
	Theme             string         `gorm:"column:theme" json:"theme,omitempty"`
	TargetLengthMin   int            `gorm:"column:target_length_minutes" json:"target_length_minutes"`
	Status            ProjectStatus  `gorm:"column:status;not null;index" json:"status"`
	ConfigJSON        datatypes.JSON `gorm:"column:config_json" json:"config_json,omitempty"`
	EstimatedDuration int            `gorm:"column:estimated_duration" json:"estimated_duration"`
	ActualDuration    int            `gorm:"column:actual_duration" json:"actual_duration"`
	ExternalID        string         `gorm:"column:external_id" json:"external_id,omitempty"`
	ExternalURL       string         `gorm:"column:external_url" json:"external_url,omitempty"`
	ByteUsage         int64          `gorm:"column:byte_usage;not null;default:0" json:"byte_usage"`
	CreatedAt         time.Time      `gorm:"column:created_at;not null;index" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Project) TableName() string { return "projects" }

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StageCancelled StageStatus = "cancelled"
)

// StageRecord is one row per (Project, stage name) (spec §3, table
// `workflow_steps` in §6.2).
type StageRecord struct {
	ID                     uint64         `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProjectID              string         `gorm:"column:project_id;not null;index:idx_stage_project_status" json:"project_id"`
	StepName               string         `gorm:"column:step_name;not null;index" json:"step_name"`
	StepOrder              int            `gorm:"column:step_order;not null" json:"step_order"`
	Status                 StageStatus    `gorm:"column:status;not null;index:idx_stage_project_status" json:"status"`
	StartedAt              *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt            *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	InputParamsJSON        datatypes.JSON `gorm:"column:input_params_json" json:"input_params_json,omitempty"`
	OutputSummaryJSON      datatypes.JSON `gorm:"column:output_summary_json" json:"output_summary_json,omitempty"`
	ErrorMessage           string         `gorm:"column:error_message" json:"error_message,omitempty"`
	RetryCount             int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	ProcessingTimeSeconds  float64        `gorm:"column:processing_time_seconds" json:"processing_time_seconds"`
}

func (StageRecord) TableName() string { return "workflow_steps" }

type ArtifactType string

const (
	ArtifactAudio    ArtifactType = "audio"
	ArtifactVideo    ArtifactType = "video"
	ArtifactImage    ArtifactType = "image"
	ArtifactScript   ArtifactType = "script"
	ArtifactSubtitle ArtifactType = "subtitle"
	ArtifactMetadata ArtifactType = "metadata"
)

type ArtifactCategory string

const (
	CategoryInput        ArtifactCategory = "input"
	CategoryOutput       ArtifactCategory = "output"
	CategoryIntermediate ArtifactCategory = "intermediate"
	CategoryFinal        ArtifactCategory = "final"
)

// ArtifactRef is one ledger entry (spec §3, table `project_files` in §6.2).
type ArtifactRef struct {
	ID           uint64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProjectID    string           `gorm:"column:project_id;not null;index:idx_artifact_project_type" json:"project_id"`
	StepName     string           `gorm:"column:step_name;index" json:"step_name,omitempty"`
	FileType     ArtifactType     `gorm:"column:file_type;not null;index:idx_artifact_project_type" json:"file_type"`
	FileCategory ArtifactCategory `gorm:"column:file_category;not null;index:idx_artifact_step_category" json:"file_category"`
	FilePath     string           `gorm:"column:file_path;not null" json:"file_path"`
	FileName     string           `gorm:"column:file_name;not null" json:"file_name"`
	FileSizeBytes int64           `gorm:"column:file_size_bytes;not null" json:"file_size_bytes"`
	CreatedAt    time.Time        `gorm:"column:created_at;not null;index:idx_project_created_at" json:"created_at"`
	MetadataJSON datatypes.JSON   `gorm:"column:metadata_json" json:"metadata_json,omitempty"`
	IsTemporary  bool             `gorm:"column:is_temporary;not null;default:false" json:"is_temporary"`
}

func (ArtifactRef) TableName() string { return "project_files" }

// StatCounter is a numeric metric keyed by (project, stage, name) (spec §3).
type StatCounter struct {
	ID         uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProjectID  string    `gorm:"column:project_id;not null;index" json:"project_id"`
	StatName   string    `gorm:"column:stat_name;not null" json:"stat_name"`
	StatValue  float64   `gorm:"column:stat_value;not null" json:"stat_value"`
	StatUnit   string    `gorm:"column:stat_unit" json:"stat_unit,omitempty"`
	StepName   string    `gorm:"column:step_name" json:"step_name,omitempty"`
	RecordedAt time.Time `gorm:"column:recorded_at;not null" json:"recorded_at"`
}

func (StatCounter) TableName() string { return "project_statistics" }

// ApiUsageRecord is one outbound call record (spec §3). ProjectID is
// nullable so deletion of a project can sever attribution while keeping the
// usage row for billing (ON DELETE SET NULL semantics, spec §6.2).
type ApiUsageRecord struct {
	ID                uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProjectID         *string   `gorm:"column:project_id;index" json:"project_id,omitempty"`
	ApiProvider       string    `gorm:"column:api_provider;not null;index:idx_usage_provider_date" json:"api_provider"`
	ApiEndpoint       string    `gorm:"column:api_endpoint;not null" json:"api_endpoint"`
	RequestTimestamp  time.Time `gorm:"column:request_timestamp;not null;index:idx_usage_provider_date" json:"request_timestamp"`
	TokensInput       int       `gorm:"column:tokens_input" json:"tokens_input,omitempty"`
	TokensOutput      int       `gorm:"column:tokens_output" json:"tokens_output,omitempty"`
	EstimatedCostUSD  float64   `gorm:"column:estimated_cost_usd" json:"estimated_cost_usd,omitempty"`
	ResponseTimeMS    int       `gorm:"column:response_time_ms" json:"response_time_ms,omitempty"`
	StatusCode        int       `gorm:"column:status_code" json:"status_code,omitempty"`
	StepName          string    `gorm:"column:step_name" json:"step_name,omitempty"`
}

func (ApiUsageRecord) TableName() string { return "api_usage" }

type ConfigValueType string

const (
	ConfigString  ConfigValueType = "string"
	ConfigInteger ConfigValueType = "integer"
	ConfigBoolean ConfigValueType = "boolean"
	ConfigJSONVal ConfigValueType = "json"
)

// SystemConfig is a process-wide key/value setting (spec §3).
type SystemConfig struct {
	ID          uint64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ConfigKey   string          `gorm:"column:config_key;uniqueIndex" json:"config_key"`
	ConfigValue string          `gorm:"column:config_value" json:"config_value"`
	ConfigType  ConfigValueType `gorm:"column:config_type;not null" json:"config_type"`
	Description string          `gorm:"column:description" json:"description,omitempty"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;not null" json:"updated_at"`
	UpdatedBy   string          `gorm:"column:updated_by" json:"updated_by,omitempty"`
}

func (SystemConfig) TableName() string { return "system_config" }

// SchemaMigration tracks applied migrations (spec §6.2).
type SchemaMigration struct {
	Version   int       `gorm:"column:version;primaryKey"`
	AppliedAt time.Time `gorm:"column:applied_at;not null"`
}

func (SchemaMigration) TableName() string { return "schema_migrations" }

// AllTables lists every model AutoMigrate must provision, with projects
// ahead of the tables that reference it.
func AllTables() []interface{} {
	return []interface{}{
		&SchemaMigration{},
		&Project{},
		&StageRecord{},
		&ArtifactRef{},
		&StatCounter{},
		&ApiUsageRecord{},
		&SystemConfig{},
	}
}

