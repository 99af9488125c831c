package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Actor     ActorConfig     `yaml:"actor"`
	Ballot    BallotConfig    `yaml:"ballot"`
	Backends  BackendsConfig  `yaml:"backends"`
	Autoscale AutoscaleConfig `yaml:"autoscale"`
	Admin     AdminConfig     `yaml:"admin"`
	Retention RetentionConfig `yaml:"retention"`
	CORS      CORSConfig      `yaml:"cors"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	GinMode string `yaml:"gin_mode"`
}

// LogConfig logrus level and formatter
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig backing store selection
type StoreConfig struct {
	Driver   string         `yaml:"driver"` // memory | bolt | redis | postgres
	Bolt     BoltConfig     `yaml:"bolt"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// BoltConfig embedded bbolt file
type BoltConfig struct {
	Path    string `yaml:"path"`
	Timeout int    `yaml:"timeout"` // file lock timeout, seconds
}

// RedisConfig redis backing store
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
	TTL    int    `yaml:"ttl"` // seconds a terminal record is kept, 0 keeps it until pruned
}

// PostgresConfig postgres backing store (via gorm)
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
	// DriverName database/sql driver gorm opens the DSN with; "postgres" selects lib/pq,
	// empty keeps gorm's default pgx
	DriverName   string `yaml:"driver_name"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// NATSConfig NATS status event publishing
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// ActorConfig actor scheduling, retry and timeout policy
type ActorConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
	PollInterval   int `yaml:"poll_interval"` // seconds
	MaxWait        int `yaml:"max_wait"`      // seconds
	MaxRetries     int `yaml:"max_retries"`
	RetryDelay     int `yaml:"retry_delay"` // seconds
}

// PollIntervalDuration poll interval as a duration
func (a ActorConfig) PollIntervalDuration() time.Duration {
	return time.Duration(a.PollInterval) * time.Second
}

// MaxWaitDuration overall wait budget as a duration
func (a ActorConfig) MaxWaitDuration() time.Duration {
	return time.Duration(a.MaxWait) * time.Second
}

// RetryDelayDuration delay between transient retries as a duration
func (a ActorConfig) RetryDelayDuration() time.Duration {
	return time.Duration(a.RetryDelay) * time.Second
}

// BallotConfig auto-select draw policy, keyed by proof kind
type BallotConfig struct {
	Entries map[string]BallotEntry `yaml:"entries"`
	// CacheSize number of draws remembered per seed
	CacheSize int `yaml:"cache_size"`
}

// BallotEntry draw probability and optional daily cap for one proof kind
type BallotEntry struct {
	Probability float64 `yaml:"probability"`
	PerDay      uint64  `yaml:"per_day"` // 0 means unlimited
}

// BackendsConfig proving backend endpoints
type BackendsConfig struct {
	Native NativeConfig  `yaml:"native"`
	SGX    SGXConfig     `yaml:"sgx"`
	SP1    NetworkConfig `yaml:"sp1"`
	Risc0  NetworkConfig `yaml:"risc0"`
}

// NativeConfig native re-execution backend
type NativeConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SGXConfig enclave signing service
type SGXConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BaseURL         string `yaml:"base_url"`
	Timeout         int    `yaml:"timeout"`
	InstanceID      uint64 `yaml:"instance_id"`
	InstanceAddress string `yaml:"instance_address"`
}

// NetworkConfig remote zkVM proving network
type NetworkConfig struct {
	Enabled           bool    `yaml:"enabled"`
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	Timeout           int     `yaml:"timeout"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	ProgramVKeyHash   string  `yaml:"program_vkey_hash"`
}

// AutoscaleConfig advisory worker scaling
type AutoscaleConfig struct {
	Enabled          bool   `yaml:"enabled"`
	URL              string `yaml:"url"`
	APIKey           string `yaml:"api_key"`
	MinWorkers       int    `yaml:"min_workers"`
	MaxWorkers       int    `yaml:"max_workers"`
	TasksPerWorker   int    `yaml:"tasks_per_worker"`
	Interval         int    `yaml:"interval"`          // seconds
	LatencyThreshold int    `yaml:"latency_threshold"` // seconds, 0 disables the latency bump
}

// AdminConfig admin API access control
type AdminConfig struct {
	JWTSecret    string   `yaml:"jwt_secret"`
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"` // bcrypt
	TOTPSecret   string   `yaml:"totp_secret"`
	TokenTTL     int      `yaml:"token_ttl"` // seconds
	AllowedIPs   []string `yaml:"allowed_ips"`
}

// RetentionConfig background prune of old terminal records
type RetentionConfig struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"` // seconds
	MaxAge   int  `yaml:"max_age"`  // seconds
}

// CORSConfig cross-origin policy for the HTTP API
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"` // seconds
}

// Default configuration used when a field is left unset
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, GinMode: "release"},
		Log:    LogConfig{Level: "info"},
		Store: StoreConfig{
			Driver: "bolt",
			Bolt:   BoltConfig{Path: "data/tasks.db", Timeout: 1},
			Redis:  RedisConfig{Prefix: "prover"},
		},
		NATS: NATSConfig{SubjectPrefix: "prover", Timeout: 5, ReconnectWait: 2, MaxReconnects: -1},
		Actor: ActorConfig{
			MaxConcurrency: 4,
			PollInterval:   15,
			MaxWait:        3600,
			MaxRetries:     5,
			RetryDelay:     10,
		},
		Ballot:    BallotConfig{Entries: map[string]BallotEntry{}, CacheSize: 8192},
		Backends:  BackendsConfig{Native: NativeConfig{Enabled: true}},
		Autoscale: AutoscaleConfig{MinWorkers: 1, MaxWorkers: 8, TasksPerWorker: 4, Interval: 60},
		Admin:     AdminConfig{Username: "admin", TokenTTL: 3600},
		Retention: RetentionConfig{Interval: 3600, MaxAge: 7 * 24 * 3600},
	}
}

// LoadConfig Load configuration file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			log.Printf("🔧 Using local configuration file: config.local.yaml")
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	overrideFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	fmt.Printf("✅ [%s] Loading configuration from config file: %s\n", time.Now().Format("2006-01-02 15:04:05"), configPath)
	fmt.Printf("📋 [Config] Store driver=%s, max_concurrency=%d, poll_interval=%ds, max_wait=%ds\n",
		config.Store.Driver, config.Actor.MaxConcurrency, config.Actor.PollInterval, config.Actor.MaxWait)
	return config, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "bolt", "redis", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "bolt" && c.Store.Bolt.Path == "" {
		return fmt.Errorf("store.bolt.path is required")
	}
	if c.Store.Driver == "redis" && c.Store.Redis.URL == "" {
		return fmt.Errorf("store.redis.url is required")
	}
	if c.Store.Driver == "postgres" && c.Store.Postgres.DSN == "" {
		return fmt.Errorf("store.postgres.dsn is required")
	}

	if c.Actor.MaxConcurrency <= 0 {
		return fmt.Errorf("actor.max_concurrency must be positive, got %d", c.Actor.MaxConcurrency)
	}
	if c.Actor.PollInterval <= 0 || c.Actor.MaxWait <= 0 {
		return fmt.Errorf("actor.poll_interval and actor.max_wait must be positive")
	}
	if c.Actor.MaxRetries < 0 || c.Actor.RetryDelay < 0 {
		return fmt.Errorf("actor.max_retries and actor.retry_delay must not be negative")
	}

	sum := 0.0
	for kind, entry := range c.Ballot.Entries {
		if entry.Probability < 0 || entry.Probability > 1 {
			return fmt.Errorf("ballot probability for %s must be within [0, 1], got %v", kind, entry.Probability)
		}
		sum += entry.Probability
	}
	if sum > 1.0 {
		return fmt.Errorf("ballot probabilities sum to %v, above 1.0", sum)
	}

	if c.Autoscale.Enabled {
		if c.Autoscale.URL == "" {
			return fmt.Errorf("autoscale.url is required when autoscale is enabled")
		}
		if c.Autoscale.MinWorkers < 0 || c.Autoscale.MaxWorkers < c.Autoscale.MinWorkers {
			return fmt.Errorf("autoscale worker bounds are invalid: min=%d max=%d", c.Autoscale.MinWorkers, c.Autoscale.MaxWorkers)
		}
	}
	return nil
}

// Addr listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func overrideFromEnv(config *Config) {
	// server configuration
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if mode := os.Getenv("GIN_MODE"); mode != "" {
		config.Server.GinMode = mode
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}

	// store configuration
	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		config.Store.Driver = strings.ToLower(driver)
	}
	if path := os.Getenv("BOLT_PATH"); path != "" {
		config.Store.Bolt.Path = path
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.Store.Redis.URL = redisURL
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Store.Postgres.DSN = dsn
	}

	// NATS configuration
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
		config.NATS.Enabled = true
	}
	if natsTimeout := os.Getenv("NATS_TIMEOUT"); natsTimeout != "" {
		if t, err := strconv.Atoi(natsTimeout); err == nil {
			config.NATS.Timeout = t
		}
	}

	// actor configuration
	if n := os.Getenv("MAX_CONCURRENCY"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			config.Actor.MaxConcurrency = v
		}
	}

	// backend endpoints and credentials
	if url := os.Getenv("SGX_BASE_URL"); url != "" {
		config.Backends.SGX.BaseURL = url
	}
	if url := os.Getenv("SP1_BASE_URL"); url != "" {
		config.Backends.SP1.BaseURL = url
	}
	if key := os.Getenv("SP1_API_KEY"); key != "" {
		config.Backends.SP1.APIKey = key
	}
	if url := os.Getenv("RISC0_BASE_URL"); url != "" {
		config.Backends.Risc0.BaseURL = url
	}
	if key := os.Getenv("RISC0_API_KEY"); key != "" {
		config.Backends.Risc0.APIKey = key
	}
	if key := os.Getenv("AUTOSCALE_API_KEY"); key != "" {
		config.Autoscale.APIKey = key
	}

	// admin credentials
	if secret := os.Getenv("ADMIN_JWT_SECRET"); secret != "" {
		config.Admin.JWTSecret = secret
	}
	if hash := os.Getenv("ADMIN_PASSWORD_HASH"); hash != "" {
		config.Admin.PasswordHash = hash
	}
	if secret := os.Getenv("ADMIN_TOTP_SECRET"); secret != "" {
		config.Admin.TOTPSecret = secret
	}
	if ips := os.Getenv("ADMIN_ALLOWED_IPS"); ips != "" {
		config.Admin.AllowedIPs = strings.Split(ips, ",")
	}

	// CORS configuration
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		config.CORS.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				config.CORS.AllowedOrigins = append(config.CORS.AllowedOrigins, trimmed)
			}
		}
	}
}
