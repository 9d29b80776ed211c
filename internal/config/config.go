package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Source       SourceConfig       `yaml:"source"`
	State        StateConfig        `yaml:"state"`
	Verdict      VerdictConfig      `yaml:"verdict"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Document     DocumentConfig     `yaml:"document"`
	Report       ReportConfig       `yaml:"report"`
	Archive      ArchiveConfig      `yaml:"archive"`
	API          APIConfig          `yaml:"api"`
}

type SourceConfig struct {
	URL          string        `yaml:"url"`
	MaxConns     int           `yaml:"max_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// Server-side concatenation ceiling for section payloads, in bytes.
	// Section results landing exactly at the ceiling are treated as
	// truncated and fail the aggregation.
	ResultCeiling int `yaml:"result_ceiling"`

	// Sector discriminator for the audited care line. Exact match;
	// encounters outside it never enter the pipeline.
	UrgentCareSector string `yaml:"urgent_care_sector"`

	// Discovery window when no explicit encounter is given.
	WindowHours int `yaml:"window_hours"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type VerdictConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	FallbackModel string        `yaml:"fallback_model"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffCap    time.Duration `yaml:"backoff_cap"`
	Temperature   float32       `yaml:"temperature"`
}

type OrchestratorConfig struct {
	Workers            int           `yaml:"workers"`
	MaxTotalAttempts   int           `yaml:"max_total_attempts"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	RunTimeout         time.Duration `yaml:"run_timeout"`
}

type DocumentConfig struct {
	// Upper bound on formatted document size, in bytes. Oversized
	// documents fail loudly; content is never cut.
	MaxBytes int `yaml:"max_bytes"`
}

type ReportConfig struct {
	OutputDir string       `yaml:"output_dir"`
	Email     *EmailConfig `yaml:"email,omitempty"`
}

type EmailConfig struct {
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type APIConfig struct {
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Load reads a YAML config file, expanding ${VAR} environment references
// before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables only.
func LoadFromEnv() *Config {
	cfg := &Config{}

	if url := os.Getenv("SOURCE_DATABASE_URL"); url != "" {
		cfg.Source.URL = url
	}
	if path := os.Getenv("STATE_DB_PATH"); path != "" {
		cfg.State.Path = path
	}
	if base := os.Getenv("VERDICT_BASE_URL"); base != "" {
		cfg.Verdict.BaseURL = base
	}
	if key := os.Getenv("VERDICT_API_KEY"); key != "" {
		cfg.Verdict.APIKey = key
	}
	if model := os.Getenv("VERDICT_MODEL"); model != "" {
		cfg.Verdict.Model = model
	}
	if model := os.Getenv("VERDICT_FALLBACK_MODEL"); model != "" {
		cfg.Verdict.FallbackModel = model
	}
	if secret := os.Getenv("API_JWT_SECRET"); secret != "" {
		cfg.API.JWTSecret = secret
	}
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		cfg.Archive.Enabled = true
		cfg.Archive.Endpoint = endpoint
		cfg.Archive.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
		cfg.Archive.SecretKey = os.Getenv("MINIO_SECRET_KEY")
		cfg.Archive.Bucket = os.Getenv("MINIO_BUCKET_NAME")
	}
	if hours := os.Getenv("DISCOVERY_WINDOW_HOURS"); hours != "" {
		if n, err := strconv.Atoi(hours); err == nil {
			cfg.Source.WindowHours = n
		}
	}

	setDefaults(cfg)
	return cfg
}

func (c *Config) validate() error {
	if c.Source.URL == "" {
		return fmt.Errorf("source.url is required")
	}
	if c.Verdict.BaseURL == "" {
		return fmt.Errorf("verdict.base_url is required")
	}
	if c.Verdict.Model == "" {
		return fmt.Errorf("verdict.model is required")
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Source.MaxConns == 0 {
		cfg.Source.MaxConns = 8
	}
	if cfg.Source.QueryTimeout == 0 {
		cfg.Source.QueryTimeout = 30 * time.Second
	}
	if cfg.Source.ResultCeiling == 0 {
		cfg.Source.ResultCeiling = 10 * 1024 * 1024 // 10MB, matches server-side override
	}
	if cfg.Source.UrgentCareSector == "" {
		cfg.Source.UrgentCareSector = "URG"
	}
	if cfg.Source.WindowHours == 0 {
		cfg.Source.WindowHours = 24
	}
	if cfg.State.Path == "" {
		cfg.State.Path = "data"
	}
	if cfg.Verdict.Timeout == 0 {
		cfg.Verdict.Timeout = 120 * time.Second
	}
	if cfg.Verdict.MaxAttempts == 0 {
		cfg.Verdict.MaxAttempts = 3
	}
	if cfg.Verdict.BackoffBase == 0 {
		cfg.Verdict.BackoffBase = time.Second
	}
	if cfg.Verdict.BackoffCap == 0 {
		cfg.Verdict.BackoffCap = 30 * time.Second
	}
	if cfg.Verdict.Temperature == 0 {
		cfg.Verdict.Temperature = 0.3
	}
	if cfg.Orchestrator.Workers == 0 {
		cfg.Orchestrator.Workers = 4
	}
	if cfg.Orchestrator.MaxTotalAttempts == 0 {
		cfg.Orchestrator.MaxTotalAttempts = 3
	}
	if cfg.Orchestrator.StalenessThreshold == 0 {
		cfg.Orchestrator.StalenessThreshold = 45 * time.Minute
	}
	if cfg.Document.MaxBytes == 0 {
		cfg.Document.MaxBytes = 2 * 1024 * 1024 // 2MB
	}
	if cfg.Report.OutputDir == "" {
		cfg.Report.OutputDir = "output"
	}
	if cfg.Report.Email != nil && cfg.Report.Email.SMTPPort == 0 {
		cfg.Report.Email.SMTPPort = 587
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 3007
	}
}
