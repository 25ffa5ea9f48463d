package app

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings represents configuration loaded from config.yaml, overridable by
// ORCHESTRON_* environment variables and, for DBPath, --db-path. Field names
// match snake_case YAML keys and the defaults in spec section 6.
type Settings struct {
	DBPath string `yaml:"db_path"`

	MaxConcurrentTasksPerWorkspace int `yaml:"max_concurrent_tasks_per_workspace"`
	DegradedConcurrency            int `yaml:"degraded_concurrency"`
	GlobalConcurrency              int `yaml:"global_concurrency"`

	TaskTimeoutMS int `yaml:"task_timeout_ms"`
	ToolTimeoutMS int `yaml:"tool_timeout_ms"`

	MaxAutoRecoveryAttempts  int `yaml:"max_auto_recovery_attempts"`
	RecoveryDelayBaseSeconds int `yaml:"recovery_delay_base_seconds"`
	RecoveryDelayCapSeconds  int `yaml:"recovery_delay_cap_seconds"`

	DeliverableReadinessThreshold  int `yaml:"deliverable_readiness_threshold"`
	MinCompletedTasksForDeliverable int `yaml:"min_completed_tasks_for_deliverable"`

	MemoryMaxInsightsPerWorkspace int `yaml:"memory_max_insights_per_workspace"`

	ContentTransformationTimeoutMS int `yaml:"content_transformation_timeout_ms"`

	QueueBackpressureCeiling int     `yaml:"queue_backpressure_ceiling"`
	AgentMatchThreshold      float64 `yaml:"agent_match_threshold"`

	TaskQueuePollInterval    time.Duration `yaml:"-"`
	GoalValidationInterval   time.Duration `yaml:"-"`
	RecoverySweepInterval    time.Duration `yaml:"-"`
	ShutdownGrace            time.Duration `yaml:"-"`
	StoreUnavailableGrace    time.Duration `yaml:"-"`
}

// Defaults returns the spec section 6 default configuration.
func Defaults() Settings {
	return Settings{
		MaxConcurrentTasksPerWorkspace:  4,
		DegradedConcurrency:             2,
		GlobalConcurrency:               32,
		TaskTimeoutMS:                   180000,
		ToolTimeoutMS:                   30000,
		MaxAutoRecoveryAttempts:         5,
		RecoveryDelayBaseSeconds:        30,
		RecoveryDelayCapSeconds:         600,
		DeliverableReadinessThreshold:   100,
		MinCompletedTasksForDeliverable: 2,
		MemoryMaxInsightsPerWorkspace:   100,
		ContentTransformationTimeoutMS:  30000,
		QueueBackpressureCeiling:        200,
		AgentMatchThreshold:             0.3,
		TaskQueuePollInterval:           2 * time.Second,
		GoalValidationInterval:          20 * time.Minute,
		RecoverySweepInterval:           60 * time.Second,
		ShutdownGrace:                   30 * time.Second,
		StoreUnavailableGrace:           60 * time.Second,
	}
}

// TaskTimeout and ToolTimeout convert the millisecond config fields into
// time.Duration for direct use by context.WithTimeout.
func (s Settings) TaskTimeout() time.Duration { return time.Duration(s.TaskTimeoutMS) * time.Millisecond }
func (s Settings) ToolTimeout() time.Duration { return time.Duration(s.ToolTimeoutMS) * time.Millisecond }
func (s Settings) ContentTransformationTimeout() time.Duration {
	return time.Duration(s.ContentTransformationTimeoutMS) * time.Millisecond
}

// settingsOnce, settings, settingsErr implement the sync.Once lazy-load singleton for config.
// dbPathOverrideMu and dbPathOverride implement a mutex-protected process-wide override for CLI --db-path.
//
//nolint:gochecknoglobals // sync.Once singleton + RWMutex override are intentional process-wide state
var (
	settingsOnce sync.Once
	settings     Settings
	settingsErr  error

	dbPathOverrideMu sync.RWMutex
	dbPathOverride   string
)

// SetDBPathOverride sets a process-wide database path override.
// Intended for CLI flag support (e.g. --db-path).
func SetDBPathOverride(path string) {
	dbPathOverrideMu.Lock()
	dbPathOverride = path
	dbPathOverrideMu.Unlock()
}

func getDBPathOverride() string {
	dbPathOverrideMu.RLock()
	v := dbPathOverride
	dbPathOverrideMu.RUnlock()
	return v
}

// LoadSettings loads configuration once using the documented lookup order,
// starting from spec defaults, layering config.yaml, then ORCHESTRON_*
// environment variables (highest precedence short of --db-path).
//
// Lookup order for config.yaml (first found wins):
// 1) ~/.config/orchestron/config.yaml
// 2) /etc/orchestron/config.yaml
// 3) ./config.yaml (lowest priority; allows repo-local overrides if desired)
func LoadSettings() (Settings, error) {
	settingsOnce.Do(func() {
		settings = Defaults()

		dir, err := ConfigDir()
		if err != nil {
			settingsErr = err
			return
		}
		applied := false
		for _, p := range []string{
			filepath.Join(dir, "config.yaml"),
			filepath.Join(string(os.PathSeparator), "etc", "orchestron", "config.yaml"),
			"config.yaml",
		} {
			if overlay, err := loadSettingsFile(p); err == nil {
				mergeSettings(&settings, overlay)
				applied = true
				break
			} else if !errors.Is(err, os.ErrNotExist) {
				settingsErr = err
				return
			}
		}
		_ = applied

		applyEnvOverrides(&settings)
	})

	return settings, settingsErr
}

func loadSettingsFile(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}

	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// mergeSettings overlays non-zero fields from overlay onto base, preserving
// defaults for anything the config file didn't set.
func mergeSettings(base *Settings, overlay Settings) {
	if overlay.DBPath != "" {
		base.DBPath = overlay.DBPath
	}
	if overlay.MaxConcurrentTasksPerWorkspace > 0 {
		base.MaxConcurrentTasksPerWorkspace = overlay.MaxConcurrentTasksPerWorkspace
	}
	if overlay.DegradedConcurrency > 0 {
		base.DegradedConcurrency = overlay.DegradedConcurrency
	}
	if overlay.GlobalConcurrency > 0 {
		base.GlobalConcurrency = overlay.GlobalConcurrency
	}
	if overlay.TaskTimeoutMS > 0 {
		base.TaskTimeoutMS = overlay.TaskTimeoutMS
	}
	if overlay.ToolTimeoutMS > 0 {
		base.ToolTimeoutMS = overlay.ToolTimeoutMS
	}
	if overlay.MaxAutoRecoveryAttempts > 0 {
		base.MaxAutoRecoveryAttempts = overlay.MaxAutoRecoveryAttempts
	}
	if overlay.RecoveryDelayBaseSeconds > 0 {
		base.RecoveryDelayBaseSeconds = overlay.RecoveryDelayBaseSeconds
	}
	if overlay.RecoveryDelayCapSeconds > 0 {
		base.RecoveryDelayCapSeconds = overlay.RecoveryDelayCapSeconds
	}
	if overlay.DeliverableReadinessThreshold > 0 {
		base.DeliverableReadinessThreshold = overlay.DeliverableReadinessThreshold
	}
	if overlay.MinCompletedTasksForDeliverable > 0 {
		base.MinCompletedTasksForDeliverable = overlay.MinCompletedTasksForDeliverable
	}
	if overlay.MemoryMaxInsightsPerWorkspace > 0 {
		base.MemoryMaxInsightsPerWorkspace = overlay.MemoryMaxInsightsPerWorkspace
	}
	if overlay.ContentTransformationTimeoutMS > 0 {
		base.ContentTransformationTimeoutMS = overlay.ContentTransformationTimeoutMS
	}
	if overlay.QueueBackpressureCeiling > 0 {
		base.QueueBackpressureCeiling = overlay.QueueBackpressureCeiling
	}
	if overlay.AgentMatchThreshold > 0 {
		base.AgentMatchThreshold = overlay.AgentMatchThreshold
	}
}

// applyEnvOverrides applies each ORCHESTRON_* variable to its field of the
// settings struct being built, one intVar call per variable, so LoadSettings
// has one small, linear block rather than a long if-chain.
func applyEnvOverrides(s *Settings) {
	intVar("ORCHESTRON_MAX_CONCURRENT_TASKS_PER_WORKSPACE", &s.MaxConcurrentTasksPerWorkspace)
	intVar("ORCHESTRON_DEGRADED_CONCURRENCY", &s.DegradedConcurrency)
	intVar("ORCHESTRON_GLOBAL_CONCURRENCY", &s.GlobalConcurrency)
	intVar("ORCHESTRON_TASK_TIMEOUT_MS", &s.TaskTimeoutMS)
	intVar("ORCHESTRON_TOOL_TIMEOUT_MS", &s.ToolTimeoutMS)
	intVar("ORCHESTRON_MAX_AUTO_RECOVERY_ATTEMPTS", &s.MaxAutoRecoveryAttempts)
	intVar("ORCHESTRON_RECOVERY_DELAY_BASE_SECONDS", &s.RecoveryDelayBaseSeconds)
	intVar("ORCHESTRON_RECOVERY_DELAY_CAP_SECONDS", &s.RecoveryDelayCapSeconds)
	intVar("ORCHESTRON_DELIVERABLE_READINESS_THRESHOLD", &s.DeliverableReadinessThreshold)
	intVar("ORCHESTRON_MIN_COMPLETED_TASKS_FOR_DELIVERABLE", &s.MinCompletedTasksForDeliverable)
	intVar("ORCHESTRON_MEMORY_MAX_INSIGHTS_PER_WORKSPACE", &s.MemoryMaxInsightsPerWorkspace)
	intVar("ORCHESTRON_CONTENT_TRANSFORMATION_TIMEOUT_MS", &s.ContentTransformationTimeoutMS)
	intVar("ORCHESTRON_QUEUE_BACKPRESSURE_CEILING", &s.QueueBackpressureCeiling)
	floatVar("ORCHESTRON_AGENT_MATCH_THRESHOLD", &s.AgentMatchThreshold)
	if v := os.Getenv("ORCHESTRON_DB_PATH"); v != "" {
		s.DBPath = v
	}
}

func intVar(env string, dst *int) {
	if v := os.Getenv(env); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			*dst = parsed
		}
	}
}

func floatVar(env string, dst *float64) {
	if v := os.Getenv(env); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			*dst = parsed
		}
	}
}
