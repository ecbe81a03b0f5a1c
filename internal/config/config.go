package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aman-churiwal/gateway-core/internal/routetable"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Redis    RedisConfig    `json:"redis"`
	Postgres PostgresConfig `json:"postgres"`
	Auth     AuthConfig     `json:"auth"`
	Defaults DefaultsConfig `json:"defaults"`
	Routes   []RouteConfig  `json:"routes"`
}

type ServerConfig struct {
	Port        string `json:"port"`
	Environment string `json:"environment"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

func (r RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type AuthConfig struct {
	JWTSecret        string `json:"jwt_secret"`
	TokenExpiryHours int    `json:"token_expiry_hours"`
}

// Gateway-wide fallbacks applied when a route carries no policy of its own
type DefaultsConfig struct {
	FailureThreshold int   `json:"circuit_failure_threshold"`
	ResetTimeoutSec  int   `json:"circuit_reset_timeout_seconds"`
	CallTimeoutSec   int   `json:"circuit_call_timeout_seconds"`
	RequestLogBuffer int   `json:"request_log_buffer"`
	TimeoutMs        int64 `json:"timeout_ms"`
}

type RouteConfig struct {
	Path      string   `json:"path"`
	Methods   []string `json:"methods"`
	Service   string   `json:"service"`
	Target    string   `json:"target"`
	Priority  int      `json:"priority"`
	TimeoutMs int64    `json:"timeout_ms"`

	Auth           *routetable.AuthPolicy    `json:"auth,omitempty"`
	RateLimit      *RateLimitConfig          `json:"rate_limit,omitempty"`
	CircuitBreaker *CircuitBreakerConfig     `json:"circuit_breaker,omitempty"`
	Versioning     *routetable.VersionPolicy `json:"versioning,omitempty"`
}

type RateLimitConfig struct {
	Algorithm string `json:"algorithm,omitempty"`
	Max       int    `json:"max"`
	WindowMs  int64  `json:"window_ms"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int   `json:"failure_threshold"`
	ResetTimeoutMs   int64 `json:"reset_timeout_ms"`
	CallTimeoutMs    int64 `json:"call_timeout_ms"`
}

// Converts a config entry into a registrable route
func (rc RouteConfig) ToRoute() *routetable.Route {
	route := &routetable.Route{
		Path:      rc.Path,
		Methods:   rc.Methods,
		Service:   rc.Service,
		TargetURL: rc.Target,
		Priority:  rc.Priority,
		Timeout:   time.Duration(rc.TimeoutMs) * time.Millisecond,
		Auth:      rc.Auth,
	}

	if rc.RateLimit != nil {
		route.RateLimit = &routetable.RateLimitPolicy{
			Algorithm: rc.RateLimit.Algorithm,
			Max:       rc.RateLimit.Max,
			Window:    time.Duration(rc.RateLimit.WindowMs) * time.Millisecond,
		}
	}

	if rc.CircuitBreaker != nil {
		route.CircuitBreaker = &routetable.CircuitBreakerPolicy{
			FailureThreshold: rc.CircuitBreaker.FailureThreshold,
			ResetTimeout:     time.Duration(rc.CircuitBreaker.ResetTimeoutMs) * time.Millisecond,
			CallTimeout:      time.Duration(rc.CircuitBreaker.CallTimeoutMs) * time.Millisecond,
		}
	}

	route.Versioning = rc.Versioning

	return route
}

func Load(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	config.applyEnv()
	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Server.Environment = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		c.Redis.Port = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == "" {
		c.Redis.Port = "6379"
	}
	if c.Auth.TokenExpiryHours <= 0 {
		c.Auth.TokenExpiryHours = 24
	}
	if c.Defaults.FailureThreshold <= 0 {
		c.Defaults.FailureThreshold = 5
	}
	if c.Defaults.ResetTimeoutSec <= 0 {
		c.Defaults.ResetTimeoutSec = 300
	}
	if c.Defaults.CallTimeoutSec <= 0 {
		c.Defaults.CallTimeoutSec = 30
	}
	if c.Defaults.RequestLogBuffer <= 0 {
		c.Defaults.RequestLogBuffer = 1000
	}
}
