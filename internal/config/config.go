package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig  BasicConfig               `json:"basic_config"`
	Conversation ConversationConfig        `json:"conversation"`
	Inference    InferenceConfig           `json:"inference"`
	Providers    map[string]ProviderConfig `json:"providers"`
	Databases    map[string]DatabaseConfig `json:"databases"`
	Redis        RedisConfig               `json:"redis"`
	Twilio       TwilioConfig              `json:"twilio"`
	Artifacts    ArtifactConfig            `json:"artifacts"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	Environment       string `json:"environment"`
	PublicURL         string `json:"public_url"`
	DatabaseType      string `json:"database_type"`
	AsyncTurns        bool   `json:"async_turns"`
	MinWorkers        int    `json:"min_workers"`
	MaxWorkers        int    `json:"max_workers"`
	QueueSize         int    `json:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout"` // minutes
	SweepInterval     int    `json:"sweep_interval"`      // minutes, 0 disables
	DashboardTokenTTL int    `json:"dashboard_token_ttl"` // hours
}

// ConversationConfig tunes the extraction workflow and the query gateway.
type ConversationConfig struct {
	PendingTTLHours  int `json:"pending_ttl_hours"`
	HistoryWindow    int `json:"history_window"`
	MaxRows          int `json:"max_rows"`
	ReplyCharLimit   int `json:"reply_char_limit"`
	DedupeTTLMinutes int `json:"dedupe_ttl_minutes"`
}

// InferenceConfig picks the provider used for page images and the one used for text prompts.
type InferenceConfig struct {
	VisionProvider string `json:"vision_provider"`
	TextProvider   string `json:"text_provider"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type TwilioConfig struct {
	AccountSID        string `json:"account_sid"`
	AuthToken         string `json:"auth_token"`
	FromNumber        string `json:"from_number"`
	BaseURL           string `json:"base_url"`
	ValidateSignature bool   `json:"validate_signature"`
}

// ArtifactConfig selects where ledger photos are archived: "local", "gcs" or "" (disabled).
type ArtifactConfig struct {
	Backend         string `json:"backend"`
	LocalDir        string `json:"local_dir"`
	Bucket          string `json:"bucket"`
	CredentialsFile string `json:"credentials_file"`
	PublicBaseURL   string `json:"public_base_url"`
}

const defaultConfigPath = "config.json"

// Load reads configuration from the provided path (defaults to config.json) and applies
// environment overrides. A missing default file is not an error; secrets usually come from env.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) && db.DSN != ":memory:" {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}
	return &cfg, nil
}

// Validate reports configuration that cannot work at runtime.
func (c *Config) Validate() error {
	if _, ok := c.Databases[c.BasicConfig.DatabaseType]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.DatabaseType)
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		return fmt.Errorf("max_workers (%d) must be >= min_workers (%d)", c.BasicConfig.MaxWorkers, c.BasicConfig.MinWorkers)
	}
	switch c.Artifacts.Backend {
	case "", "local":
	case "gcs":
		if c.Artifacts.Bucket == "" {
			return errors.New("artifacts.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unsupported artifact backend: %s", c.Artifacts.Backend)
	}
	return nil
}

func (c *Config) applyEnv() {
	b := &c.BasicConfig
	b.ServerAddress = getEnv("LEDGERCHAT_ADDR", b.ServerAddress)
	b.Environment = getEnv("LEDGERCHAT_ENV", b.Environment)
	b.PublicURL = getEnv("APP_URL", b.PublicURL)
	b.DatabaseType = getEnv("LEDGERCHAT_DB", b.DatabaseType)
	b.AsyncTurns = getEnvAsBool("LEDGERCHAT_ASYNC_TURNS", b.AsyncTurns)

	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, key := range map[string]string{
		"gemini": "GEMINI_API_KEY",
		"openai": "OPENAI_API_KEY",
		"claude": "ANTHROPIC_API_KEY",
	} {
		p := c.Providers[name]
		p.APIKey = getEnv(key, p.APIKey)
		if p.APIKey != "" || p.Model != "" {
			c.Providers[name] = p
		}
	}

	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		dbType := b.DatabaseType
		if dbType == "" {
			dbType = "sqlite3"
		}
		db := c.Databases[dbType]
		db.DSN = dsn
		c.Databases[dbType] = db
	}

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvAsInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Twilio.AccountSID = getEnv("TWILIO_ACCOUNT_SID", c.Twilio.AccountSID)
	c.Twilio.AuthToken = getEnv("TWILIO_AUTH_TOKEN", c.Twilio.AuthToken)
	c.Twilio.FromNumber = getEnv("TWILIO_WHATSAPP_NUMBER", c.Twilio.FromNumber)
	c.Twilio.ValidateSignature = getEnvAsBool("TWILIO_VALIDATE_SIGNATURE", c.Twilio.ValidateSignature)

	c.Artifacts.Backend = getEnv("ARTIFACT_BACKEND", c.Artifacts.Backend)
	c.Artifacts.Bucket = getEnv("ARTIFACT_BUCKET", c.Artifacts.Bucket)
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":3001"
	}
	if b.Environment == "" {
		b.Environment = "development"
	}
	if b.DatabaseType == "" {
		b.DatabaseType = "sqlite3"
	}
	if b.DatabaseType == "sqlite" {
		b.DatabaseType = "sqlite3"
	}
	if b.DatabaseType == "sqlite3" {
		if _, ok := c.Databases["sqlite3"]; !ok {
			c.Databases["sqlite3"] = DatabaseConfig{DSN: "ledgerchat.db"}
		}
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers <= 0 {
		b.MaxWorkers = 16
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 256
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.DashboardTokenTTL <= 0 {
		b.DashboardTokenTTL = 24 * 7
	}

	cv := &c.Conversation
	if cv.PendingTTLHours <= 0 {
		cv.PendingTTLHours = 24
	}
	if cv.HistoryWindow <= 0 {
		cv.HistoryWindow = 5
	}
	if cv.MaxRows <= 0 {
		cv.MaxRows = 20
	}
	if cv.ReplyCharLimit <= 0 {
		cv.ReplyCharLimit = 1500
	}
	if cv.DedupeTTLMinutes <= 0 {
		cv.DedupeTTLMinutes = 60
	}

	if c.Inference.VisionProvider == "" {
		c.Inference.VisionProvider = "gemini"
	}
	if c.Inference.TextProvider == "" {
		c.Inference.TextProvider = "gemini"
	}
	if p, ok := c.Providers["gemini"]; ok && p.Model == "" {
		p.Model = "gemini-2.0-flash"
		c.Providers["gemini"] = p
	}

	if c.Twilio.BaseURL == "" {
		c.Twilio.BaseURL = "https://api.twilio.com"
	}
	if c.Artifacts.Backend == "local" && c.Artifacts.LocalDir == "" {
		c.Artifacts.LocalDir = "./data/pages"
	}
}

// PendingTTL is how long a digitized page waits for a yes/no before it expires.
func (c ConversationConfig) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLHours) * time.Hour
}

func (c ConversationConfig) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLMinutes) * time.Minute
}

// RedisEnabled reports whether a redis host was configured.
func (c RedisConfig) RedisEnabled() bool {
	return c.Host != ""
}

// RedisAddr returns the host:port pair, defaulting the port.
func (c RedisConfig) RedisAddr() string {
	port := c.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
