package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Connection ConnectionConfig `mapstructure:"connection"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Selection  SelectionConfig  `mapstructure:"selection"`
	Canvas     CanvasConfig     `mapstructure:"canvas"`
	Session    SessionConfig    `mapstructure:"session"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name      string `mapstructure:"name"`
	Version   string `mapstructure:"version"`
	Env       string `mapstructure:"env"`
	LogLevel  string `mapstructure:"log_level"`
	MachineID int64  `mapstructure:"machine_id"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPConfig `mapstructure:"http"`
	GRPC GRPCConfig `mapstructure:"grpc"`
}

// HTTPConfig HTTP服务配置
type HTTPConfig struct {
	Addr           string        `mapstructure:"addr"`
	Timeout        time.Duration `mapstructure:"timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// GRPCConfig gRPC服务配置
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// AuthConfig 令牌校验配置
type AuthConfig struct {
	Secret           string        `mapstructure:"secret"`
	Algorithms       []string      `mapstructure:"algorithms"`
	Issuer           string        `mapstructure:"issuer"`
	Audience         string        `mapstructure:"audience"`
	MaxTokenAge      time.Duration `mapstructure:"max_token_age"`
	ClockSkew        time.Duration `mapstructure:"clock_skew"`
	SessionFreshness time.Duration `mapstructure:"session_freshness"`
}

// ConnectionConfig 连接与资源配置
type ConnectionConfig struct {
	MaxGlobal         int           `mapstructure:"max_global"`
	MaxPerUser        int           `mapstructure:"max_per_user"`
	MaxPerIP          int           `mapstructure:"max_per_ip"`
	MaxAge            time.Duration `mapstructure:"max_age"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	MaxErrors         int64         `mapstructure:"max_errors"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	FrameRate         float64       `mapstructure:"frame_rate"`
	FrameBurst        int           `mapstructure:"frame_burst"`
}

// RuleConfig 单个操作的限流规则
type RuleConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
	Block  time.Duration `mapstructure:"block"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Rules         map[string]RuleConfig `mapstructure:"rules"`
	Default       RuleConfig            `mapstructure:"default"`
	Handshake     RuleConfig            `mapstructure:"handshake"`
	SweepInterval time.Duration         `mapstructure:"sweep_interval"`
	WarnDebounce  time.Duration         `mapstructure:"warn_debounce"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	SessionMax    int           `mapstructure:"session_max"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	VersionMax    int           `mapstructure:"version_max"`
	VersionTTL    time.Duration `mapstructure:"version_ttl"`
	ColorMax      int           `mapstructure:"color_max"`
	ColorTTL      time.Duration `mapstructure:"color_ttl"`
	CursorTTL     time.Duration `mapstructure:"cursor_ttl"`
	CleanupPeriod time.Duration `mapstructure:"cleanup_period"`
}

// PresenceConfig 在线状态配置
type PresenceConfig struct {
	IdleAfter    time.Duration `mapstructure:"idle_after"`
	AwayAfter    time.Duration `mapstructure:"away_after"`
	OfflineAfter time.Duration `mapstructure:"offline_after"`
}

// SelectionConfig 选择配置
type SelectionConfig struct {
	ClaimTTL          time.Duration `mapstructure:"claim_ttl"`
	MaxSelectingUsers int           `mapstructure:"max_selecting_users"`
	MaxElements       int           `mapstructure:"max_elements"`
}

// CanvasConfig 画布配置
type CanvasConfig struct {
	OperationTopic string `mapstructure:"operation_topic"`
}

// SessionConfig 会话编排配置
type SessionConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	MirrorTTL         time.Duration `mapstructure:"mirror_ttl"`
	SyncRequestTTL    time.Duration `mapstructure:"sync_request_ttl"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	MongoDB    MongoDBConfig    `mapstructure:"mongodb"`
	PostgreSQL PostgreSQLConfig `mapstructure:"postgresql"`
}

// MongoDBConfig MongoDB配置
type MongoDBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URI     string `mapstructure:"uri"`
	DBName  string `mapstructure:"db_name"`
}

// PostgreSQLConfig PostgreSQL配置
type PostgreSQLConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
}

// TelemetryConfig 链路追踪配置
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// 兼容部署脚本里的裸环境变量名
var legacyEnv = map[string]string{
	"server.http.addr":         "HTTP_ADDR",
	"server.grpc.addr":         "GRPC_ADDR",
	"auth.secret":              "JWT_SECRET",
	"redis.addr":               "REDIS_ADDR",
	"redis.password":           "REDIS_PASSWORD",
	"redis.db":                 "REDIS_DB",
	"kafka.brokers":            "KAFKA_BROKERS",
	"database.mongodb.uri":     "MONGODB_URI",
	"database.mongodb.db_name": "MONGODB_DB",
	"database.postgresql.dsn":  "POSTGRESQL_DSN",
	"app.version":              "APP_VERSION",
}

// LoadConfig 加载配置：默认值 < config.yaml < config.<env>.yaml < COLLAB_ 前缀环境变量
func LoadConfig(serviceName string) (*Config, error) {
	v := viper.New()
	setDefaults(v, serviceName)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if env := v.GetString("app.env"); env != "" {
		v.SetConfigName("config." + env)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("merge config.%s: %w", env, err)
			}
		}
	}

	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "COLLAB_"+strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)), env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 仅含默认值的配置，测试使用
func Default(serviceName string) *Config {
	v := viper.New()
	setDefaults(v, serviceName)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper, serviceName string) {
	v.SetDefault("app.name", serviceName)
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.machine_id", 1)

	v.SetDefault("server.http.addr", ":21010")
	v.SetDefault("server.http.timeout", "30s")
	v.SetDefault("server.http.allowed_origins", []string{})
	v.SetDefault("server.grpc.enabled", true)
	v.SetDefault("server.grpc.addr", ":22010")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.algorithms", []string{"HS256"})
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.max_token_age", "24h")
	v.SetDefault("auth.clock_skew", "30s")
	v.SetDefault("auth.session_freshness", "1h")

	v.SetDefault("connection.max_global", 10000)
	v.SetDefault("connection.max_per_user", 5)
	v.SetDefault("connection.max_per_ip", 50)
	v.SetDefault("connection.max_age", "12h")
	v.SetDefault("connection.idle_timeout", "30m")
	v.SetDefault("connection.max_errors", 50)
	v.SetDefault("connection.cleanup_interval", "1m")
	v.SetDefault("connection.heartbeat_interval", "25s")
	v.SetDefault("connection.heartbeat_timeout", "60s")
	v.SetDefault("connection.shutdown_grace", "10s")
	// 同步快照上限 4MiB，另留信封余量
	v.SetDefault("connection.max_message_bytes", 5*1024*1024)
	v.SetDefault("connection.write_timeout", "10s")
	v.SetDefault("connection.frame_rate", 200)
	v.SetDefault("connection.frame_burst", 400)

	v.SetDefault("rate_limit.rules", map[string]interface{}{
		"join":             map[string]interface{}{"limit": 10, "window": "1m", "block": "5m"},
		"canvas_change":    map[string]interface{}{"limit": 100, "window": "10s", "block": "30s"},
		"cursor_move":      map[string]interface{}{"limit": 60, "window": "1s", "block": "2s"},
		"presence":         map[string]interface{}{"limit": 30, "window": "10s", "block": "30s"},
		"selection":        map[string]interface{}{"limit": 30, "window": "10s", "block": "30s"},
		"resolve_conflict": map[string]interface{}{"limit": 20, "window": "10s", "block": "30s"},
		"request_sync":     map[string]interface{}{"limit": 5, "window": "1m", "block": "2m"},
		"heartbeat":        map[string]interface{}{"limit": 12, "window": "1m", "block": "1m"},
	})
	v.SetDefault("rate_limit.default", map[string]interface{}{"limit": 50, "window": "10s", "block": "30s"})
	v.SetDefault("rate_limit.handshake", map[string]interface{}{"limit": 10, "window": "1m", "block": "15m"})
	v.SetDefault("rate_limit.sweep_interval", "1m")
	v.SetDefault("rate_limit.warn_debounce", "5s")

	v.SetDefault("cache.session_max", 20000)
	v.SetDefault("cache.session_ttl", "2h")
	v.SetDefault("cache.version_max", 5000)
	v.SetDefault("cache.version_ttl", "24h")
	v.SetDefault("cache.color_max", 10000)
	v.SetDefault("cache.color_ttl", "24h")
	v.SetDefault("cache.cursor_ttl", "10m")
	v.SetDefault("cache.cleanup_period", "5m")

	v.SetDefault("presence.idle_after", "5m")
	v.SetDefault("presence.away_after", "15m")
	v.SetDefault("presence.offline_after", "30m")

	v.SetDefault("selection.claim_ttl", "2m")
	v.SetDefault("selection.max_selecting_users", 50)
	v.SetDefault("selection.max_elements", 500)

	v.SetDefault("canvas.operation_topic", "whiteboard.canvas.operations")

	v.SetDefault("session.inactivity_timeout", "45m")
	v.SetDefault("session.sweep_interval", "1m")
	v.SetDefault("session.mirror_ttl", "2h")
	v.SetDefault("session.sync_request_ttl", "30s")

	v.SetDefault("database.mongodb.enabled", false)
	v.SetDefault("database.mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("database.mongodb.db_name", "whiteboard_collab")
	v.SetDefault("database.postgresql.enabled", false)
	v.SetDefault("database.postgresql.dsn", "host=localhost user=postgres password=postgres dbname=whiteboard port=5432 sslmode=disable")
	v.SetDefault("database.postgresql.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "stdout")
	v.SetDefault("telemetry.sample_rate", 1.0)
}

// Validate 校验配置之间的约束
func (c *Config) Validate() error {
	var problems []string
	if c.Auth.Secret == "" {
		problems = append(problems, "auth.secret is required")
	}
	if c.Connection.MaxGlobal <= 0 || c.Connection.MaxPerUser <= 0 || c.Connection.MaxPerIP <= 0 {
		problems = append(problems, "connection caps must be positive")
	}
	if c.Connection.HeartbeatInterval >= c.Connection.HeartbeatTimeout {
		problems = append(problems, "connection.heartbeat_interval must be below heartbeat_timeout")
	}
	if c.Cache.SessionMax < c.Connection.MaxGlobal {
		problems = append(problems, "cache.session_max must be at least connection.max_global")
	}
	if c.Cache.VersionMax <= 0 || c.Cache.ColorMax <= 0 {
		problems = append(problems, "cache sizes must be positive")
	}
	if !(c.Presence.IdleAfter < c.Presence.AwayAfter && c.Presence.AwayAfter < c.Presence.OfflineAfter) {
		problems = append(problems, "presence thresholds must satisfy idle < away < offline")
	}
	if c.Connection.MaxMessageBytes <= 0 {
		problems = append(problems, "connection.max_message_bytes must be positive")
	}
	if c.Session.SyncRequestTTL <= 0 {
		problems = append(problems, "session.sync_request_ttl must be positive")
	}
	// 会话缓存过期不走清理流水线，必须晚于巡检清理
	if c.Cache.SessionTTL > 0 &&
		(c.Session.InactivityTimeout <= 0 || c.Cache.SessionTTL <= c.Session.InactivityTimeout+c.Session.SweepInterval) {
		problems = append(problems, "cache.session_ttl must exceed session.inactivity_timeout plus sweep_interval")
	}
	if c.Selection.ClaimTTL <= 0 {
		problems = append(problems, "selection.claim_ttl must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
