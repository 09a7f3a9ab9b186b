package config

import "time"

// Config represents the complete reforge configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Storage StorageConfig `yaml:"storage"`
	Budget  BudgetConfig  `yaml:"budget"`
	Locks   LockConfig    `yaml:"locks"`
	Engine  EngineConfig  `yaml:"engine"`
	API     APIConfig     `yaml:"api,omitempty"`
	Rules   RulesConfig   `yaml:"rules"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StorageConfig defines persistent state locations.
type StorageConfig struct {
	Path      string `yaml:"path"`
	BackupDir string `yaml:"backup_dir"`
}

// BudgetConfig defines consumption ceilings for the metered resource.
type BudgetConfig struct {
	HourlyCeiling int64 `yaml:"hourly_ceiling"`
	DailyCeiling  int64 `yaml:"daily_ceiling"`
	// DeferralAging promotes a starved tier after this many requeue passes.
	DeferralAging int `yaml:"deferral_aging,omitempty"`
}

// LockConfig defines per-resource lock behaviour.
type LockConfig struct {
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	TTL            time.Duration `yaml:"ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// LockTimeoutPolicy selects how the engine reacts to a lock acquisition timeout.
type LockTimeoutPolicy string

const (
	LockPolicyRetry LockTimeoutPolicy = "retry"
	LockPolicySkip  LockTimeoutPolicy = "skip"
)

// EngineConfig defines execution pool behaviour.
type EngineConfig struct {
	PoolSize        int               `yaml:"pool_size"`
	StepTimeout     time.Duration     `yaml:"step_timeout"`
	OnLockTimeout   LockTimeoutPolicy `yaml:"on_lock_timeout"`
	PersistRetries  int               `yaml:"persist_retries"`
	PersistBackoff  time.Duration     `yaml:"persist_backoff"`
	LockRetryLimit  int               `yaml:"lock_retry_limit"`
	LockRetryDelay  time.Duration     `yaml:"lock_retry_delay"`
}

// APIConfig defines the status HTTP server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// RulesConfig maps scan signals to worker types and carries cost coefficients.
// When File is set, the referenced rules.yaml replaces the inline defaults and
// is integrity-checked against a .checksums manifest in its directory.
type RulesConfig struct {
	File             string           `yaml:"file,omitempty"`
	Workers          []WorkerRule     `yaml:"workers,omitempty"`
	CostCoefficients CostCoefficients `yaml:"cost_coefficients"`
}

// WorkerRule declares when a worker type should be planned for a file.
type WorkerRule struct {
	Type     string  `yaml:"type"`
	Class    string  `yaml:"class"` // security | correctness | style
	Risk     string  `yaml:"risk"`  // critical | high | medium | low
	BaseCost int64   `yaml:"base_cost"`
	Signal   string  `yaml:"signal"` // size | nesting_depth | duplicate_density | unsafe_density | always
	Min      float64 `yaml:"min,omitempty"`
}

// CostCoefficients scale the size-dependent part of a step's cost estimate.
type CostCoefficients struct {
	PerKilobyte       float64 `yaml:"per_kilobyte"`
	PerStructuralUnit float64 `yaml:"per_structural_unit"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "reforge",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Storage: StorageConfig{
			Path:      "./data/reforge.db",
			BackupDir: "./data/backups",
		},
		Budget: BudgetConfig{
			HourlyCeiling: 1000,
			DailyCeiling:  8000,
			DeferralAging: 3,
		},
		Locks: LockConfig{
			AcquireTimeout: 30 * time.Second,
			TTL:            10 * time.Minute,
			SweepInterval:  time.Minute,
		},
		Engine: EngineConfig{
			PoolSize:       4,
			StepTimeout:    2 * time.Minute,
			OnLockTimeout:  LockPolicyRetry,
			PersistRetries: 3,
			PersistBackoff: 500 * time.Millisecond,
			LockRetryLimit: 2,
			LockRetryDelay: time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Rules: RulesConfig{
			Workers: DefaultWorkerRules(),
			CostCoefficients: CostCoefficients{
				PerKilobyte:       2,
				PerStructuralUnit: 0.5,
			},
		},
	}
}

// DefaultWorkerRules is the built-in rule table. Deployments are expected to
// override it via rules.yaml; these values only keep a bare install useful.
func DefaultWorkerRules() []WorkerRule {
	return []WorkerRule{
		{Type: "security-audit", Class: "security", Risk: "critical", BaseCost: 40, Signal: "unsafe_density", Min: 0.0001},
		{Type: "complexity-reduce", Class: "correctness", Risk: "high", BaseCost: 30, Signal: "nesting_depth", Min: 6},
		{Type: "dedupe", Class: "style", Risk: "medium", BaseCost: 20, Signal: "duplicate_density", Min: 0.15},
		{Type: "format", Class: "style", Risk: "low", BaseCost: 5, Signal: "always"},
	}
}
