package config

import (
	"fmt"
	"time"
)

// EnvPrefix is the prefix of environment overrides for App.
const EnvPrefix = "THREADPOOL"

// App is the configuration of the webserver binary.
type App struct {
	Pool    PoolConfig    `yaml:"pool" json:"pool"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Admin   AdminConfig   `yaml:"admin" json:"admin"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Events  EventsConfig  `yaml:"events" json:"events"`
	Audit   AuditConfig   `yaml:"audit" json:"audit"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Name    string `yaml:"name" json:"name"`
	Workers int    `yaml:"workers" json:"workers"`
}

// ServerConfig configures the TCP listener that serves static pages.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
	// MaxConnections stops accepting after this many connections; 0 means no limit.
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
	// MaxActive bounds connections queued on or being served by the pool.
	// Connections beyond it are closed and counted as rejected; 0 means no bound.
	MaxActive    int           `yaml:"max_active" json:"max_active"`
	DocRoot      string        `yaml:"doc_root" json:"doc_root"`
	SleepDelay   time.Duration `yaml:"sleep_delay" json:"sleep_delay"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	// APIKeyHash is the bcrypt hash of the admin API key. Empty leaves the
	// admin endpoints open.
	APIKeyHash string `yaml:"api_key_hash" json:"api_key_hash"`
	// RateLimit is requests per second per client IP; 0 disables it.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	// JWTSecret enables HS256 bearer tokens as an alternative to the API
	// key. Prefer THREADPOOL_ADMIN_JWT_SECRET over the file.
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	// EventStream serves pool events over a websocket at /events.
	EventStream bool `yaml:"event_stream" json:"event_stream"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	Exporter    string  `yaml:"exporter" json:"exporter"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
}

type EventsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url"`
	Subject string `yaml:"subject" json:"subject"`
}

type AuditConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Driver  string `yaml:"driver" json:"driver"`
	DSN     string `yaml:"dsn" json:"dsn"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Default returns the configuration used when no file is given.
func Default() App {
	return App{
		Pool: PoolConfig{
			Name:    "webserver",
			Workers: 4,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:7878",
			MaxConnections: 5,
			MaxActive:      64,
			DocRoot:        "public",
			SleepDelay:     5 * time.Second,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
		},
		Admin: AdminConfig{
			Enabled:     true,
			Addr:        "127.0.0.1:9090",
			EventStream: true,
		},
		Tracing: TracingConfig{
			ServiceName: "threadpool",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
		Events: EventsConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: "threadpool",
		},
		Audit: AuditConfig{
			Driver: "sqlite",
			DSN:    "file:audit.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks ranges and the settings each enabled section needs.
func (a *App) Validate() error {
	return Validate(a,
		RequiredFields("Pool.Name", "Server.Addr", "Server.DocRoot"),
		RangeValidator("Pool.Workers", 1, 4096),
		RangeValidator("Server.MaxConnections", 0, 1<<31-1),
		RangeValidator("Server.MaxActive", 0, 1<<31-1),
		RangeValidator("Server.SleepDelay", 0, float64(time.Minute)),
		OneOfValidator("Log.Level", "debug", "info", "warn", "error"),
		When(func(interface{}) bool { return a.Admin.Enabled },
			RequiredFields("Admin.Addr"),
			RangeValidator("Admin.RateLimit", 0, 1e6)),
		When(func(interface{}) bool { return a.Admin.Enabled && a.Admin.JWTSecret != "" },
			MinLengthValidator("Admin.JWTSecret", 16)),
		When(func(interface{}) bool { return a.Tracing.Enabled },
			RequiredFields("Tracing.ServiceName"),
			OneOfValidator("Tracing.Exporter", "stdout", "zipkin", "jaeger", "none"),
			RangeValidator("Tracing.SampleRatio", 0, 1)),
		When(func(interface{}) bool {
			return a.Tracing.Enabled && (a.Tracing.Exporter == "zipkin" || a.Tracing.Exporter == "jaeger")
		}, RequiredFields("Tracing.Endpoint")),
		When(func(interface{}) bool { return a.Events.Enabled },
			RequiredFields("Events.URL", "Events.Subject")),
		When(func(interface{}) bool { return a.Audit.Enabled },
			RequiredFields("Audit.DSN"),
			OneOfValidator("Audit.Driver", "pgx", "postgres", "sqlite3", "sqlite")),
	)
}

// LoadApp starts from Default, overlays the file at path (if any), applies
// THREADPOOL_* environment overrides and validates the result.
func LoadApp(path string) (App, error) {
	cfg := Default()

	var err error
	if path != "" {
		err = LoadWithEnv(path, EnvPrefix, &cfg)
	} else {
		err = ApplyEnvOverrides(EnvPrefix, &cfg)
	}
	if err != nil {
		return App{}, err
	}

	if err := cfg.Validate(); err != nil {
		return App{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}
