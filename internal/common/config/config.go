package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig               `mapstructure:"app"`
	Server        ServerConfig            `mapstructure:"server"`
	Camunda       CamundaConfig           `mapstructure:"camunda"`
	Database      DatabaseConfig          `mapstructure:"database"`
	Store         StoreConfig             `mapstructure:"store"`
	Cache         CacheConfig             `mapstructure:"cache"`
	Lifecycle     LifecycleConfig         `mapstructure:"lifecycle"`
	Sweep         SweepConfig             `mapstructure:"sweep"`
	Workers       map[string]WorkerConfig `mapstructure:"workers"`
	Integrations  IntegrationConfig       `mapstructure:"integrations"`
	Notifications NotificationConfig      `mapstructure:"notifications"`
	Search        SearchConfig            `mapstructure:"search"`
	Logging       LoggingConfig           `mapstructure:"logging"`
	Observability ObservabilityConfig     `mapstructure:"observability"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int     `mapstructure:"port"`
	ReadTimeout     int     `mapstructure:"read_timeout"`     // milliseconds
	WriteTimeout    int     `mapstructure:"write_timeout"`    // milliseconds
	ShutdownTimeout int     `mapstructure:"shutdown_timeout"` // milliseconds
	RateLimit       float64 `mapstructure:"rate_limit"`       // requests per second per client
	RateBurst       int     `mapstructure:"rate_burst"`
}

type CamundaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
	// TLS is off for in-cluster gateways. Setting OAuth credentials implies it.
	TLS          bool   `mapstructure:"tls"`
	CACertPath   string `mapstructure:"ca_cert_path"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	AuthURL      string `mapstructure:"auth_url"`
	Audience     string `mapstructure:"audience"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	Database         string `mapstructure:"database"`
	User             string `mapstructure:"user"`
	Password         string `mapstructure:"password"`
	MaxConnections   int    `mapstructure:"max_connections"`
	MaxIdle          int    `mapstructure:"max_idle"`
	SSLMode          string `mapstructure:"sslmode"`
	ApplicationName  string `mapstructure:"application_name"`
	StatementTimeout int    `mapstructure:"statement_timeout"` // milliseconds, 0 = server default
	ConnMaxLifetime  int    `mapstructure:"conn_max_lifetime"` // seconds
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
	if p.ApplicationName != "" {
		dsn += " application_name=" + p.ApplicationName
	}
	if p.StatementTimeout > 0 {
		dsn += fmt.Sprintf(" options='-c statement_timeout=%d'", p.StatementTimeout)
	}
	return dsn
}

type ElasticsearchConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Addresses  []string `mapstructure:"addresses"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	MaxRetries int      `mapstructure:"max_retries"`
}

type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Address      string `mapstructure:"address"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	// Timeout bounds dial, read and write; the cache is skipped rather than
	// waited on.
	Timeout int `mapstructure:"timeout"` // milliseconds
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	Driver         string `mapstructure:"driver"` // postgres | memory
	RetentionHours int    `mapstructure:"retention_hours"`
	AutoMigrate    bool   `mapstructure:"auto_migrate"`
}

type CacheConfig struct {
	Prefix        string `mapstructure:"prefix"`
	StateTTL      int    `mapstructure:"state_ttl"`      // seconds
	ValidationTTL int    `mapstructure:"validation_ttl"` // seconds
}

// LifecycleConfig holds orchestrator tuning: session TTLs per channel,
// reference code validity and the conflict retry bound.
type LifecycleConfig struct {
	DefaultTTLHours    int            `mapstructure:"default_ttl_hours"`
	ChannelTTLHours    map[string]int `mapstructure:"channel_ttl_hours"`
	ReferenceTTLDays   int            `mapstructure:"reference_ttl_days"`
	MaxConflictRetries int            `mapstructure:"max_conflict_retries"`
}

// SessionTTL returns the session lifetime for a channel.
func (l LifecycleConfig) SessionTTL(channel string) time.Duration {
	if h, ok := l.ChannelTTLHours[channel]; ok && h > 0 {
		return time.Duration(h) * time.Hour
	}
	return time.Duration(l.DefaultTTLHours) * time.Hour
}

type SweepConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"` // cron spec
}

// WorkerConfig holds the core settings applicable to every worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`     // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"` // For error handling
}

// IntegrationConfig holds settings for AWS messaging.
type IntegrationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
		SES    struct {
			Enabled   bool   `mapstructure:"enabled"`
			FromEmail string `mapstructure:"from_email"`
		} `mapstructure:"ses"`
		SNS struct {
			Enabled            bool   `mapstructure:"enabled"`
			DefaultSMSSenderID string `mapstructure:"default_sms_sender_id"`
		} `mapstructure:"sns"`
	} `mapstructure:"aws"`
}

// NotificationConfig holds settings for the status notification hook.
type NotificationConfig struct {
	Email struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"email"`
	SMS struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"sms"`
	WebSocket struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"websocket"`
	HistoryLimit int `mapstructure:"history_limit"`
}

type SearchConfig struct {
	TransitionIndex string `mapstructure:"transition_index"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type ObservabilityConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}
