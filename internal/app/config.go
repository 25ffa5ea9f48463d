package app

import (
	"os"
	"path/filepath"
)

// ConfigDir returns ~/.config/orchestron/ on all platforms.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "orchestron"), nil
}

// EnsureConfigDir creates the config directory and default config.yaml if missing.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return os.WriteFile(configFile, []byte(defaultConfig), 0600)
	}
	return nil
}

const defaultConfig = `# orchestron configuration
# Run: orchestron --help

# Optional: override the SQLite database location.
# Can also be set via ORCHESTRON_DB_PATH or --db-path.
# db_path: ~/.config/orchestron/orchestron.db

# Every knob below matches spec section 6's configuration table; uncomment
# to override a default.
# max_concurrent_tasks_per_workspace: 4
# degraded_concurrency: 2
# global_concurrency: 32
# task_timeout_ms: 180000
# tool_timeout_ms: 30000
# max_auto_recovery_attempts: 5
# recovery_delay_base_seconds: 30
# recovery_delay_cap_seconds: 600
# deliverable_readiness_threshold: 100
# min_completed_tasks_for_deliverable: 2
# memory_max_insights_per_workspace: 100
# content_transformation_timeout_ms: 30000
# queue_backpressure_ceiling: 200
# agent_match_threshold: 0.3
`
