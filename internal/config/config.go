package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "config/config.yml"
	envPrefix   = "CREWSYNC_"
)

type AppConfig struct {
	Port    int    `yaml:"port"`
	GinMode string `yaml:"gin_mode"`
}

type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	Debug           bool   `yaml:"debug"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type AuthConfig struct {
	JWTSecret       string `yaml:"jwt_secret"`
	Issuer          string `yaml:"issuer"`
	AccessTTL       string `yaml:"access_ttl"`
	StartupAttempts int    `yaml:"startup_attempts"`
	StartupSpacing  string `yaml:"startup_spacing"`
	HardFallback    string `yaml:"hard_fallback"`
}

type ProfileConfig struct {
	FetchTimeout string `yaml:"fetch_timeout"`
	RetryBase    string `yaml:"retry_base"`
	RetryMax     string `yaml:"retry_max"`
}

type CachePolicyConfig struct {
	StaleTime string `yaml:"stale_time"`
	GCTime    string `yaml:"gc_time"`
	Retry     *int   `yaml:"retry"`
}

type CacheConfig struct {
	JanitorInterval   string                       `yaml:"janitor_interval"`
	PersistMaxAge     string                       `yaml:"persist_max_age"`
	PersistBuster     string                       `yaml:"persist_buster"`
	PersistPrefixes   []string                     `yaml:"persist_prefixes"`
	RevalidateWait    string                       `yaml:"revalidate_wait"`
	RevalidateMaxWait string                       `yaml:"revalidate_max_wait"`
	Policies          map[string]CachePolicyConfig `yaml:"policies"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ConfigFile struct {
	App      AppConfig      `yaml:"app"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Profile  ProfileConfig  `yaml:"profile"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// CachePolicy is a per-prefix override; nil fields keep the built-in value
type CachePolicy struct {
	StaleTime *time.Duration
	GCTime    *time.Duration
	Retry     *int
}

type Config struct {
	Port    string
	GinMode string

	DSN               string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBDebug           bool

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	JWTSecret       string
	JWTIssuer       string
	AccessTTL       time.Duration
	StartupAttempts int
	StartupSpacing  time.Duration
	HardFallback    time.Duration

	ProfileFetchTimeout time.Duration
	ProfileRetryBase    time.Duration
	ProfileRetryMax     time.Duration

	CacheJanitorInterval time.Duration
	PersistMaxAge        time.Duration
	PersistBuster        string
	PersistPrefixes      []string
	RevalidateWait       time.Duration
	RevalidateMaxWait    time.Duration
	CachePolicies        map[string]CachePolicy

	LogLevel string
	LogJSON  bool
}

func env(k, def string) string {
	if v := os.Getenv(envPrefix + k); v != "" {
		return v
	}
	return def
}

// Load reads .env (when present), the YAML file at path and CREWSYNC_*
// environment overrides, in that order of precedence from lowest to highest.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if path == "" {
		path = env("CONFIG", DefaultPath)
	}

	configFile, err := loadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	applyEnv(configFile)

	cfg, err := build(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigFile(path string) (*ConfigFile, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file at %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(bytes, &config); err != nil {
		return nil, fmt.Errorf("could not parse config yaml: %w", err)
	}

	return &config, nil
}

func applyEnv(f *ConfigFile) {
	if v := env("PORT", ""); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			f.App.Port = port
		}
	}
	f.App.GinMode = env("GIN_MODE", f.App.GinMode)
	f.Database.DSN = env("DATABASE_DSN", f.Database.DSN)
	f.Redis.Addr = env("REDIS_ADDR", f.Redis.Addr)
	f.Redis.Password = env("REDIS_PASSWORD", f.Redis.Password)
	f.Auth.JWTSecret = env("JWT_SECRET", f.Auth.JWTSecret)
	f.Logging.Level = env("LOG_LEVEL", f.Logging.Level)
}

func build(f *ConfigFile) (*Config, error) {
	var errs []error
	dur := func(name, value string, def time.Duration) time.Duration {
		if value == "" {
			return def
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
			return def
		}
		return d
	}

	port := f.App.Port
	if port == 0 {
		port = 8080
	}

	cfg := &Config{
		Port:    strconv.Itoa(port),
		GinMode: orDefault(f.App.GinMode, "release"),

		DSN:               f.Database.DSN,
		DBMaxOpenConns:    f.Database.MaxOpenConns,
		DBMaxIdleConns:    f.Database.MaxIdleConns,
		DBConnMaxLifetime: dur("database.conn_max_lifetime", f.Database.ConnMaxLifetime, 30*time.Minute),
		DBDebug:           f.Database.Debug,

		RedisAddr:      f.Redis.Addr,
		RedisPassword:  f.Redis.Password,
		RedisDB:        f.Redis.DB,
		RedisKeyPrefix: orDefault(f.Redis.KeyPrefix, "crewsync:"),

		JWTSecret:       f.Auth.JWTSecret,
		JWTIssuer:       orDefault(f.Auth.Issuer, "crewsync"),
		AccessTTL:       dur("auth.access_ttl", f.Auth.AccessTTL, time.Hour),
		StartupAttempts: f.Auth.StartupAttempts,
		StartupSpacing:  dur("auth.startup_spacing", f.Auth.StartupSpacing, 1200*time.Millisecond),
		HardFallback:    dur("auth.hard_fallback", f.Auth.HardFallback, 3*time.Second),

		ProfileFetchTimeout: dur("profile.fetch_timeout", f.Profile.FetchTimeout, 8*time.Second),
		ProfileRetryBase:    dur("profile.retry_base", f.Profile.RetryBase, 3*time.Second),
		ProfileRetryMax:     dur("profile.retry_max", f.Profile.RetryMax, 12*time.Second),

		CacheJanitorInterval: dur("cache.janitor_interval", f.Cache.JanitorInterval, time.Minute),
		PersistMaxAge:        dur("cache.persist_max_age", f.Cache.PersistMaxAge, 7*24*time.Hour),
		PersistBuster:        f.Cache.PersistBuster,
		PersistPrefixes:      f.Cache.PersistPrefixes,
		RevalidateWait:       dur("cache.revalidate_wait", f.Cache.RevalidateWait, 250*time.Millisecond),
		RevalidateMaxWait:    dur("cache.revalidate_max_wait", f.Cache.RevalidateMaxWait, 2*time.Second),
		CachePolicies:        make(map[string]CachePolicy, len(f.Cache.Policies)),

		LogLevel: orDefault(f.Logging.Level, "info"),
		LogJSON:  f.Logging.JSON,
	}
	if cfg.StartupAttempts == 0 {
		cfg.StartupAttempts = 3
	}

	for prefix, p := range f.Cache.Policies {
		var policy CachePolicy
		if p.StaleTime != "" {
			d := dur("cache.policies."+prefix+".stale_time", p.StaleTime, 0)
			policy.StaleTime = &d
		}
		if p.GCTime != "" {
			d := dur("cache.policies."+prefix+".gc_time", p.GCTime, 0)
			policy.GCTime = &d
		}
		policy.Retry = p.Retry
		cfg.CachePolicies[prefix] = policy
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem found in cfg
func (c *Config) Validate() error {
	var errs []error
	if c.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.RedisAddr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 characters"))
	}
	if c.StartupAttempts < 1 {
		errs = append(errs, errors.New("auth.startup_attempts must be positive"))
	}
	if c.ProfileRetryMax < c.ProfileRetryBase {
		errs = append(errs, fmt.Errorf("profile.retry_max (%s) is below profile.retry_base (%s)", c.ProfileRetryMax, c.ProfileRetryBase))
	}
	if c.RevalidateMaxWait < c.RevalidateWait {
		errs = append(errs, errors.New("cache.revalidate_max_wait must not be below cache.revalidate_wait"))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"auth.access_ttl", c.AccessTTL},
		{"auth.hard_fallback", c.HardFallback},
		{"profile.fetch_timeout", c.ProfileFetchTimeout},
		{"cache.persist_max_age", c.PersistMaxAge},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	for prefix, p := range c.CachePolicies {
		if p.Retry != nil && *p.Retry < 0 {
			errs = append(errs, fmt.Errorf("cache.policies.%s.retry must not be negative", prefix))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
