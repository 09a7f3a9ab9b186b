package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, applies defaults, resolves
// the external rule table if configured, and validates the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if cfg.Rules.File != "" {
		rulesPath := cfg.Rules.File
		if !filepath.IsAbs(rulesPath) {
			rulesPath = filepath.Join(filepath.Dir(absPath), rulesPath)
		}
		workers, err := loadRuleFile(rulesPath)
		if err != nil {
			return nil, fmt.Errorf("load rules file: %w", err)
		}
		cfg.Rules.Workers = workers
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $REFORGE_CONFIG, ~/.config/reforge/config.yaml, /etc/reforge/config.yaml, ./reforge.yaml
func Discover() (string, error) {
	if path := os.Getenv("REFORGE_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "reforge", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/reforge/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	legacyConfig := "./reforge.yaml"
	if _, err := os.Stat(legacyConfig); err == nil {
		return legacyConfig, nil
	}

	return "", fmt.Errorf("no config found (checked: $REFORGE_CONFIG, ~/.config/reforge, /etc/reforge, ./reforge.yaml)")
}

// loadRuleFile reads an external rule table, verifying it against the
// .checksums manifest in its directory when one exists.
func loadRuleFile(path string) ([]WorkerRule, error) {
	dir := filepath.Dir(path)
	if manifest, err := LoadChecksums(dir); err == nil {
		basename := filepath.Base(path)
		expected, ok := manifest.Hashes[basename]
		if !ok {
			return nil, fmt.Errorf("rules file %s has no hash in checksums at %s\n"+
				"Run: reforge rules lock --dir %s", basename, dir, dir)
		}
		if err := VerifyFileHash(path, expected); err != nil {
			return nil, fmt.Errorf("rules verification failed: %w\n"+
				"This indicates tampering or unauthorized modification.\n"+
				"If you edited this file intentionally, run: reforge rules lock --dir %s", err, dir)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var doc struct {
		Workers []WorkerRule `yaml:"workers"`
	}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(doc.Workers) == 0 {
		return nil, fmt.Errorf("rules file %s declares no workers", path)
	}
	return doc.Workers, nil
}

// applyDefaults merges default values into cfg where not explicitly set.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaults.Storage.Path
	}
	if cfg.Storage.BackupDir == "" {
		cfg.Storage.BackupDir = defaults.Storage.BackupDir
	}

	if cfg.Budget.HourlyCeiling == 0 {
		cfg.Budget.HourlyCeiling = defaults.Budget.HourlyCeiling
	}
	if cfg.Budget.DailyCeiling == 0 {
		cfg.Budget.DailyCeiling = defaults.Budget.DailyCeiling
	}
	if cfg.Budget.DeferralAging == 0 {
		cfg.Budget.DeferralAging = defaults.Budget.DeferralAging
	}

	if cfg.Locks.AcquireTimeout == 0 {
		cfg.Locks.AcquireTimeout = defaults.Locks.AcquireTimeout
	}
	if cfg.Locks.TTL == 0 {
		cfg.Locks.TTL = defaults.Locks.TTL
	}
	if cfg.Locks.SweepInterval == 0 {
		cfg.Locks.SweepInterval = defaults.Locks.SweepInterval
	}

	if cfg.Engine.PoolSize == 0 {
		cfg.Engine.PoolSize = defaults.Engine.PoolSize
	}
	if cfg.Engine.StepTimeout == 0 {
		cfg.Engine.StepTimeout = defaults.Engine.StepTimeout
	}
	if cfg.Engine.OnLockTimeout == "" {
		cfg.Engine.OnLockTimeout = defaults.Engine.OnLockTimeout
	}
	if cfg.Engine.PersistRetries == 0 {
		cfg.Engine.PersistRetries = defaults.Engine.PersistRetries
	}
	if cfg.Engine.PersistBackoff == 0 {
		cfg.Engine.PersistBackoff = defaults.Engine.PersistBackoff
	}
	if cfg.Engine.LockRetryLimit == 0 {
		cfg.Engine.LockRetryLimit = defaults.Engine.LockRetryLimit
	}
	if cfg.Engine.LockRetryDelay == 0 {
		cfg.Engine.LockRetryDelay = defaults.Engine.LockRetryDelay
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}

	if len(cfg.Rules.Workers) == 0 && cfg.Rules.File == "" {
		cfg.Rules.Workers = defaults.Rules.Workers
	}
	if cfg.Rules.CostCoefficients.PerKilobyte == 0 {
		cfg.Rules.CostCoefficients.PerKilobyte = defaults.Rules.CostCoefficients.PerKilobyte
	}
	if cfg.Rules.CostCoefficients.PerStructuralUnit == 0 {
		cfg.Rules.CostCoefficients.PerStructuralUnit = defaults.Rules.CostCoefficients.PerStructuralUnit
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

var validClasses = map[string]bool{"security": true, "correctness": true, "style": true}
var validRisks = map[string]bool{"critical": true, "high": true, "medium": true, "low": true}
var validSignals = map[string]bool{
	"size": true, "nesting_depth": true, "duplicate_density": true, "unsafe_density": true, "always": true,
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if cfg.Storage.BackupDir == "" {
		return fmt.Errorf("storage.backup_dir is required")
	}

	if cfg.Budget.HourlyCeiling <= 0 {
		return fmt.Errorf("budget.hourly_ceiling must be positive")
	}
	if cfg.Budget.DailyCeiling < cfg.Budget.HourlyCeiling {
		return fmt.Errorf("budget.daily_ceiling must be >= budget.hourly_ceiling")
	}

	if cfg.Locks.AcquireTimeout <= 0 {
		return fmt.Errorf("locks.acquire_timeout must be positive")
	}
	if cfg.Locks.TTL <= 0 {
		return fmt.Errorf("locks.ttl must be positive")
	}

	if cfg.Engine.PoolSize <= 0 {
		return fmt.Errorf("engine.pool_size must be positive")
	}
	if cfg.Engine.OnLockTimeout != LockPolicyRetry && cfg.Engine.OnLockTimeout != LockPolicySkip {
		return fmt.Errorf("engine.on_lock_timeout must be %q or %q (got %q)",
			LockPolicyRetry, LockPolicySkip, cfg.Engine.OnLockTimeout)
	}

	if len(cfg.Rules.Workers) == 0 {
		return fmt.Errorf("rules.workers must declare at least one worker")
	}
	seen := map[string]bool{}
	for i, rule := range cfg.Rules.Workers {
		if rule.Type == "" {
			return fmt.Errorf("rules.workers[%d].type is required", i)
		}
		if seen[rule.Type] {
			return fmt.Errorf("rules.workers[%d]: duplicate worker type %q", i, rule.Type)
		}
		seen[rule.Type] = true
		if !validClasses[rule.Class] {
			return fmt.Errorf("rules.workers[%d] (%s): class must be security, correctness or style (got %q)",
				i, rule.Type, rule.Class)
		}
		if !validRisks[rule.Risk] {
			return fmt.Errorf("rules.workers[%d] (%s): risk must be critical, high, medium or low (got %q)",
				i, rule.Type, rule.Risk)
		}
		if !validSignals[rule.Signal] {
			return fmt.Errorf("rules.workers[%d] (%s): unknown signal %q", i, rule.Type, rule.Signal)
		}
		if rule.BaseCost < 0 {
			return fmt.Errorf("rules.workers[%d] (%s): base_cost must be non-negative", i, rule.Type)
		}
		if envVarPattern.MatchString(rule.Type) {
			matches := envVarPattern.FindStringSubmatch(rule.Type)
			return fmt.Errorf("rules.workers[%d]: environment variable ${%s} is not set", i, matches[1])
		}
	}

	return nil
}
