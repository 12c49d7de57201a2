// Package config defines the process-wide configuration surface recognized
// by the orchestration core (spec §6.5). It travels as an explicit struct;
// there is no hidden global.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mediaforge/orchestrator-core/internal/platform/envutil"
)

type ReconcileMode string

const (
	ReconcileReportOnly ReconcileMode = "ReportOnly"
	ReconcileAutoRepair ReconcileMode = "AutoRepair"
)

type Config struct {
	MaxConcurrentStages     int
	DefaultStageTimeout     time.Duration
	RetryBaseDelay          time.Duration
	RetryExponentialBackoff bool
	ResourcePool            map[string]int
	CheckpointInterval      time.Duration
	CheckpointRetentionCount int
	ProjectByteQuota        int64 // 0 means unlimited
	ReconcileMode           ReconcileMode
	ProjectsRoot            string
	StorePath               string
}

// Default returns the documented defaults for every field (spec §6.5).
func Default() Config {
	return Config{
		MaxConcurrentStages:      4,
		DefaultStageTimeout:      300 * time.Second,
		RetryBaseDelay:           5 * time.Second,
		RetryExponentialBackoff:  true,
		ResourcePool:             map[string]int{},
		CheckpointInterval:       60 * time.Second,
		CheckpointRetentionCount: 10,
		ProjectByteQuota:         0,
		ReconcileMode:            ReconcileReportOnly,
		ProjectsRoot:             "./projects",
		StorePath:                "./projects/orchestrator.db",
	}
}

// FromEnv overlays environment variables onto the documented defaults.
// RESOURCE_POOL is parsed here (name:count,name:count) rather than via a
// third-party format parser, since it is the core's own tiny grammar, not a
// general-purpose config language. See DESIGN.md for the full rationale.
func FromEnv() (Config, error) {
	c := Default()
	c.MaxConcurrentStages = envutil.Int("MAX_CONCURRENT_STAGES", c.MaxConcurrentStages)
	c.DefaultStageTimeout = envutil.Duration("DEFAULT_STAGE_TIMEOUT", c.DefaultStageTimeout)
	c.RetryBaseDelay = envutil.Duration("RETRY_BASE_DELAY", c.RetryBaseDelay)
	c.RetryExponentialBackoff = envutil.Bool("RETRY_EXPONENTIAL_BACKOFF", c.RetryExponentialBackoff)
	c.CheckpointInterval = envutil.Duration("CHECKPOINT_INTERVAL", c.CheckpointInterval)
	c.CheckpointRetentionCount = envutil.Int("CHECKPOINT_RETENTION_COUNT", c.CheckpointRetentionCount)
	c.ProjectByteQuota = envutil.Int64("PROJECT_BYTE_QUOTA", c.ProjectByteQuota)
	c.ProjectsRoot = envutil.String("PROJECTS_ROOT", c.ProjectsRoot)
	c.StorePath = envutil.String("STORE_PATH", c.StorePath)

	if mode := envutil.String("RECONCILE_MODE", string(c.ReconcileMode)); mode != "" {
		switch ReconcileMode(mode) {
		case ReconcileReportOnly, ReconcileAutoRepair:
			c.ReconcileMode = ReconcileMode(mode)
		default:
			return Config{}, fmt.Errorf("config: invalid RECONCILE_MODE %q", mode)
		}
	}

	if raw := envutil.String("RESOURCE_POOL", ""); raw != "" {
		pool, err := parseResourcePool(raw)
		if err != nil {
			return Config{}, err
		}
		c.ResourcePool = pool
	}

	return c, nil
}

func parseResourcePool(raw string) (map[string]int, error) {
	out := map[string]int{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("config: malformed RESOURCE_POOL entry %q", pair)
		}
		name := strings.TrimSpace(kv[0])
		count, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || name == "" {
			return nil, fmt.Errorf("config: malformed RESOURCE_POOL entry %q", pair)
		}
		out[name] = count
	}
	return out, nil
}
