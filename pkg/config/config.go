package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends accepted by Store.Type.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMySQL  = "mysql"
	StoreConsul = "consul"
)

type TLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	ClientCA string `yaml:"client_ca"`
}

type Signing struct {
	Algorithm string `yaml:"algorithm"`
	Secret    string `yaml:"secret"`
}

type Store struct {
	Type       string        `yaml:"type"`
	SQLitePath string        `yaml:"sqlite_path"`
	MySQLDSN   string        `yaml:"mysql_dsn"`
	ConsulAddr string        `yaml:"consul_addr"`
	Timeout    time.Duration `yaml:"timeout"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the controller configuration. Sources apply in order:
// defaults, .env, YAML file, MAAS_* environment; cmd/controller flags
// override the result.
type Config struct {
	Addr           string  `yaml:"addr"`
	TLS            TLS     `yaml:"tls"`
	BootstrapToken string  `yaml:"bootstrap_token"`
	JWTSecret      string  `yaml:"jwt_secret"`
	Signing        Signing `yaml:"signing"`
	Store          Store   `yaml:"store"`
	Log            Log     `yaml:"log"`
	SBOMSeedFile   string  `yaml:"sbom_seed_file"`
}

func Default() Config {
	return Config{
		Addr:    ":8080",
		Signing: Signing{Algorithm: "hmac"},
		Store: Store{
			Type:       StoreMemory,
			SQLitePath: "mesh-maas.db",
			ConsulAddr: "127.0.0.1:8500",
			Timeout:    3 * time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// Load builds a Config from defaults, .env, the optional YAML file at path
// and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return cfg, fmt.Errorf("load .env: %w", err)
		}
	}
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"MAAS_ADDR":            &c.Addr,
		"MAAS_TLS_CERT":        &c.TLS.CertFile,
		"MAAS_TLS_KEY":         &c.TLS.KeyFile,
		"MAAS_CLIENT_CA":       &c.TLS.ClientCA,
		"MAAS_BOOTSTRAP_TOKEN": &c.BootstrapToken,
		"MAAS_JWT_SECRET":      &c.JWTSecret,
		"MAAS_SIGNING_ALG":     &c.Signing.Algorithm,
		"MAAS_SIGNING_SECRET":  &c.Signing.Secret,
		"MAAS_STORE":           &c.Store.Type,
		"MAAS_SQLITE_PATH":     &c.Store.SQLitePath,
		"MAAS_MYSQL_DSN":       &c.Store.MySQLDSN,
		"MAAS_CONSUL_ADDR":     &c.Store.ConsulAddr,
		"MAAS_LOG_LEVEL":       &c.Log.Level,
		"MAAS_SBOM_SEED":       &c.SBOMSeedFile,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("MAAS_STORE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MAAS_STORE_TIMEOUT: %w", err)
		}
		c.Store.Timeout = d
	}
	if v, ok := lookup("MAAS_LOG_DEV"); ok && v != "" {
		c.Log.Development = v == "1" || strings.EqualFold(v, "true")
	}
	return nil
}

// Validate checks the combination of settings a controller can start with.
func (c Config) Validate() error {
	switch c.Store.Type {
	case StoreMemory, StoreSQLite, StoreMySQL, StoreConsul:
	default:
		return fmt.Errorf("unsupported store type: %s", c.Store.Type)
	}
	if c.Store.Type == StoreSQLite && c.Store.SQLitePath == "" {
		return errors.New("sqlite store requires a path")
	}
	if c.Signing.Secret == "" {
		return errors.New("signing secret is required (MAAS_SIGNING_SECRET)")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls cert and key must be set together")
	}
	if c.Store.Timeout <= 0 {
		return errors.New("store timeout must be positive")
	}
	return nil
}
