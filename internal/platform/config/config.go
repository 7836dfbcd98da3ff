// Package config loads the verifier configuration from a YAML file and
// HCERT_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	dErrors "hcert/pkg/domain-errors"
	hstrings "hcert/pkg/platform/strings"
)

// EnvPrefix prefixes every environment override. HCERT_SERVER_ADDR sets
// server.addr; a double underscore keeps a literal underscore, so
// HCERT_CACHE_REFRESH__INTERVAL sets cache.refresh_interval.
const EnvPrefix = "HCERT_"

// Config is the full service configuration.
type Config struct {
	Server        Server        `koanf:"server"`
	Log           Log           `koanf:"log"`
	Cache         Cache         `koanf:"cache"`
	Fetch         Fetch         `koanf:"fetch"`
	Durable       Durable       `koanf:"durable"`
	TrustLists    []TrustList   `koanf:"trust_lists"`
	Rules         Rules         `koanf:"rules"`
	Revocation    Revocation    `koanf:"revocation"`
	Validation    Validation    `koanf:"validation"`
	RefreshWorker RefreshWorker `koanf:"refresh_worker"`

	// CacheOverrides holds per-source cache settings, keyed by source name.
	// Unset fields inherit from Cache.
	CacheOverrides map[string]Cache `koanf:"-"`
}

type Server struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	Environment     string        `koanf:"environment"`
	Tracing         bool          `koanf:"tracing"`
}

type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Cache mirrors cache.Config.
type Cache struct {
	RefreshInterval            time.Duration `koanf:"refresh_interval"`
	MinRefreshInterval         time.Duration `koanf:"min_refresh_interval"`
	UseStaleWhileRefreshing    bool          `koanf:"use_stale_while_refreshing"`
	ReloadFromStoreWhenExpired bool          `koanf:"reload_from_store_when_expired"`
	MaxDurableAge              time.Duration `koanf:"max_durable_age"`
	RefreshTimeout             time.Duration `koanf:"refresh_timeout"`
}

// Fetch mirrors fetch.Config.
type Fetch struct {
	Timeout          time.Duration `koanf:"timeout"`
	MaxRetries       uint64        `koanf:"max_retries"`
	InitialBackoff   time.Duration `koanf:"initial_backoff"`
	MaxBackoff       time.Duration `koanf:"max_backoff"`
	MaxBodyBytes     int64         `koanf:"max_body_bytes"`
	UserAgent        string        `koanf:"user_agent"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
}

// Durable backends.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Durable struct {
	Backend   string   `koanf:"backend"`
	Dir       string   `koanf:"dir"`
	KeyPrefix string   `koanf:"key_prefix"`
	Redis     Redis    `koanf:"redis"`
	Postgres  Postgres `koanf:"postgres"`
}

type Redis struct {
	URL          string        `koanf:"url"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type Postgres struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// Trust list kinds.
const (
	TrustListGateway = "gateway"
	TrustListCOSE    = "cose"
	TrustListJWT     = "jwt"
)

type TrustList struct {
	Name string `koanf:"name"`
	Kind string `koanf:"kind"`
	URL  string `koanf:"url"`
	// RootKeyPEM is the PEM encoded key the list envelope is signed with,
	// or a path to a file holding it.
	RootKeyPEM string   `koanf:"root_key_pem"`
	RootKeyID  string   `koanf:"root_key_id"`
	Countries  []string `koanf:"countries"`
}

type Rules struct {
	URL          string `koanf:"url"`
	ValueSetsURL string `koanf:"value_sets_url"`
	// Countries lists the acceptance countries validators are registered for.
	Countries []string `koanf:"countries"`
	// PartialVaccination lists countries that report PartiallyValid.
	PartialVaccination []string `koanf:"partial_vaccination"`
	Language           string   `koanf:"language"`
}

type Revocation struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	DBPath  string `koanf:"db_path"`
}

type Validation struct {
	DefaultCountry  string   `koanf:"default_country"`
	RequirePrefix   bool     `koanf:"require_prefix"`
	Prefixes        []string `koanf:"prefixes"`
	MaxInflatedSize int64    `koanf:"max_inflated_size"`
}

type RefreshWorker struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// Default returns the configuration used for unset keys.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			Environment:     "development",
		},
		Log: Log{Level: "info", Format: "json"},
		Cache: Cache{
			RefreshInterval:    time.Hour,
			MinRefreshInterval: time.Minute,
			MaxDurableAge:      72 * time.Hour,
			RefreshTimeout:     2 * time.Minute,
		},
		Fetch: Fetch{
			Timeout:          30 * time.Second,
			MaxRetries:       3,
			InitialBackoff:   500 * time.Millisecond,
			MaxBackoff:       10 * time.Second,
			MaxBodyBytes:     32 << 20,
			UserAgent:        "hcert-verifier",
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Durable: Durable{
			Backend:   BackendFile,
			Dir:       "./data",
			KeyPrefix: "hcert:",
			Redis: Redis{
				PoolSize:     10,
				MinIdleConns: 2,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
			Postgres: Postgres{
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Rules:         Rules{Language: "en"},
		Revocation:    Revocation{DBPath: "./data/revocation.db"},
		Validation:    Validation{MaxInflatedSize: 1 << 20},
		RefreshWorker: RefreshWorker{Enabled: true, Interval: 5 * time.Minute},
	}
}

// Load reads path (optional, skipped when empty) and the environment over
// the defaults and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeMisconfigured, fmt.Sprintf("failed to load config file %s: %v", path, err))
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := unmarshal(k, "", &cfg); err != nil {
		return nil, err
	}

	cfg.CacheOverrides = make(map[string]Cache)
	for _, name := range k.MapKeys("cache.sources") {
		override := cfg.Cache
		if err := unmarshal(k, "cache.sources."+name, &override); err != nil {
			return nil, err
		}
		cfg.CacheOverrides[name] = override
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Validation.DefaultCountry = strings.ToUpper(strings.TrimSpace(c.Validation.DefaultCountry))
	c.Validation.Prefixes = hstrings.DedupeAndTrim(c.Validation.Prefixes)
	c.Rules.Countries = hstrings.CountryCodes(c.Rules.Countries)
	c.Rules.PartialVaccination = hstrings.CountryCodes(c.Rules.PartialVaccination)
	for i := range c.TrustLists {
		c.TrustLists[i].Countries = hstrings.CountryCodes(c.TrustLists[i].Countries)
	}
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

func unmarshal(k *koanf.Koanf, path string, out any) error {
	err := k.UnmarshalWithConf(path, out, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           out,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeMisconfigured, "failed to unmarshal config: "+err.Error())
	}
	return nil
}

// CacheFor returns the cache settings of source name.
func (c *Config) CacheFor(name string) Cache {
	if o, ok := c.CacheOverrides[name]; ok {
		return o
	}
	return c.Cache
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q (must be debug, info, warn or error)", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q (must be json or text)", c.Log.Format))
	}
	if c.Cache.RefreshInterval <= 0 {
		errs = append(errs, errors.New("cache.refresh_interval must be positive"))
	}
	if c.Cache.MinRefreshInterval < 0 || c.Cache.MaxDurableAge < 0 {
		errs = append(errs, errors.New("cache intervals must not be negative"))
	}

	switch c.Durable.Backend {
	case BackendFile:
		if c.Durable.Dir == "" {
			errs = append(errs, errors.New("durable.dir is required for the file backend"))
		}
	case BackendMemory:
	case BackendRedis:
		if c.Durable.Redis.URL == "" {
			errs = append(errs, errors.New("durable.redis.url is required for the redis backend"))
		}
	case BackendPostgres:
		if c.Durable.Postgres.URL == "" {
			errs = append(errs, errors.New("durable.postgres.url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown durable backend %q", c.Durable.Backend))
	}

	names := make(map[string]bool)
	for i, tl := range c.TrustLists {
		if tl.Name == "" || tl.URL == "" {
			errs = append(errs, fmt.Errorf("trust_lists[%d]: name and url are required", i))
		}
		if names[tl.Name] {
			errs = append(errs, fmt.Errorf("trust_lists[%d]: duplicate name %q", i, tl.Name))
		}
		names[tl.Name] = true
		switch tl.Kind {
		case TrustListGateway:
		case TrustListCOSE, TrustListJWT:
			if tl.RootKeyPEM == "" {
				errs = append(errs, fmt.Errorf("trust_lists[%d]: root_key_pem is required for kind %s", i, tl.Kind))
			}
		default:
			errs = append(errs, fmt.Errorf("trust_lists[%d]: unknown kind %q", i, tl.Kind))
		}
	}

	if c.Revocation.Enabled && (c.Revocation.URL == "" || c.Revocation.DBPath == "") {
		errs = append(errs, errors.New("revocation.url and revocation.db_path are required when revocation is enabled"))
	}
	if len(c.Rules.Countries) > 0 && c.Rules.URL == "" {
		errs = append(errs, errors.New("rules.url is required when rules.countries is set"))
	}
	if c.RefreshWorker.Enabled && c.RefreshWorker.Interval <= 0 {
		errs = append(errs, errors.New("refresh_worker.interval must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return dErrors.Wrap(err, dErrors.CodeMisconfigured, "invalid configuration: "+err.Error())
	}
	return nil
}

// ReadKey returns the PEM text of a root key setting, reading it from disk
// when the setting is a path.
func ReadKey(setting string) ([]byte, error) {
	if strings.Contains(setting, "-----BEGIN") {
		return []byte(setting), nil
	}
	data, err := os.ReadFile(setting)
	if err != nil {
		return nil, fmt.Errorf("read root key: %w", err)
	}
	return data, nil
}
