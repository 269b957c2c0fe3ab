package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// Listen is the host:port the message API binds to.
	Listen string `koanf:"listen" validate:"required,host_port"`

	PolicyBackend string `koanf:"policy_backend" validate:"required,oneof=bolt redis memory"`
	PolicyDB      string `koanf:"policy_db" validate:"required_if=PolicyBackend bolt"`

	RedisAddr     string `koanf:"redis_addr" validate:"required_if=PolicyBackend redis,host_port"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db" validate:"gte=0,lte=15"`
	RedisPrefix   string `koanf:"redis_prefix" validate:"required"`

	RulesBackend string `koanf:"rules_backend" validate:"required,oneof=bolt memory"`
	RulesDB      string `koanf:"rules_db" validate:"required_if=RulesBackend bolt"`

	// SeedFile, when set, replaces the built-in default global policy on
	// first run.
	SeedFile string `koanf:"seed_file" validate:"omitempty,file"`

	// StatusCacheSize bounds the per-site policy cache; 0 disables it.
	StatusCacheSize int `koanf:"status_cache_size" validate:"gte=0"`
	// StatusFPRate is the Bloom filter false positive target.
	StatusFPRate float64 `koanf:"status_fp_rate" validate:"gt=0,lt=1"`
}

// DEFAULT_APP_CONFIG defines the default application configuration.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:             "prod",
	LogLevel:        "info",
	Listen:          "127.0.0.1:8787",
	PolicyBackend:   "bolt",
	PolicyDB:        "/var/lib/hostgate/policy.db",
	RedisAddr:       "127.0.0.1:6379",
	RedisDB:         0,
	RedisPrefix:     "hostgate",
	RulesBackend:    "bolt",
	RulesDB:         "/var/lib/hostgate/rules.db",
	StatusCacheSize: 1000,
	StatusFPRate:    0.01,
}

// validHostPort accepts "host:port" and ":port" with a port in 1-65535.
func validHostPort(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || port == "" {
		return false
	}
	if strings.ContainsAny(host, " \t/") {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0
}

// dotenvLoader reads a .env file from the working directory into the
// process environment. A missing file is not an error.
var dotenvLoader = func() error {
	err := godotenv.Load()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// envLoader loads environment variables with the prefix "GATE_".
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "GATE_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "GATE_"))
			return key, strings.TrimSpace(value)
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("host_port", validHostPort)
}

// Load builds the configuration from defaults, an optional .env file and
// GATE_* environment variables, then validates it.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}
	if err := dotenvLoader(); err != nil {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}
