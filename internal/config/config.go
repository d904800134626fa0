// Package config provides functionality for managing configuration options
// of the client and the server. Values are read, in increasing order of
// precedence, from defaults, a config file, FLASHKEEPER_* environment
// variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. FLASHKEEPER_ADDRESS.
const EnvPrefix = "FLASHKEEPER"

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn or error.
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	// File, when set, receives log output instead of stderr.
	File string `mapstructure:"file"`
}

// ServerConfig holds the configuration of the backend.
type ServerConfig struct {
	// Address defines the server's listening address (ip:port).
	Address string `mapstructure:"address" validate:"required"`
	// DatabaseDSN holds the Postgres connection string.
	DatabaseDSN string `mapstructure:"database_dsn" validate:"required"`
	// JWTSecret signs access tokens.
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=16"`
	// AccessTTL is the lifetime of an access token.
	AccessTTL time.Duration `mapstructure:"access_ttl" validate:"gt=0"`
	// RefreshTTL is the lifetime of a refresh token.
	RefreshTTL time.Duration `mapstructure:"refresh_ttl" validate:"gt=0"`
	// CleanupInterval is how often expired refresh tokens are purged.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string    `mapstructure:"tls_cert"`
	TLSKey  string    `mapstructure:"tls_key"`
	Log     LogConfig `mapstructure:"log"`
}

// ClientConfig holds the configuration of the command-line client.
type ClientConfig struct {
	// ServerURL is the base URL of the backend.
	ServerURL string `mapstructure:"server_url" validate:"required,url"`
	// CAFile optionally pins the CA that signed the server certificate.
	CAFile string `mapstructure:"ca_file"`
	// DataDir holds the local database.
	DataDir string `mapstructure:"data_dir" validate:"required"`
	// Timeout bounds every HTTP request.
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Log     LogConfig     `mapstructure:"log"`
}

// DatabasePath returns the path of the client database file.
func (c *ClientConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "flashkeeper.db")
}

// ServerFlags registers the server flags on fs.
func ServerFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to config file")
	fs.StringP("address", "a", "localhost:8080", "run on ip:port server")
	fs.StringP("database-dsn", "d", "", "db address")
	fs.String("jwt-secret", "", "secret used to sign access tokens")
	fs.String("tls-cert", "", "path to TLS certificate")
	fs.String("tls-key", "", "path to TLS key")
	fs.String("log-level", "info", "log level")
}

// ClientFlags registers the client flags on fs.
func ClientFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to config file")
	fs.StringP("url", "u", "http://localhost:8080", "server base URL")
	fs.String("ca", "", "path to CA cert")
	fs.String("data-dir", defaultDataDir(), "directory of the local database")
	fs.String("log-level", "info", "log level")
}

// LoadServer builds the server configuration. flags may be nil.
func LoadServer(flags *pflag.FlagSet) (*ServerConfig, error) {
	v := newViper()
	v.SetDefault("address", "localhost:8080")
	v.SetDefault("database_dsn", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("access_ttl", 15*time.Minute)
	v.SetDefault("refresh_ttl", 30*24*time.Hour)
	v.SetDefault("cleanup_interval", time.Hour)
	v.SetDefault("tls_cert", "")
	v.SetDefault("tls_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	bindings := map[string]string{
		"address":      "address",
		"database_dsn": "database-dsn",
		"jwt_secret":   "jwt-secret",
		"tls_cert":     "tls-cert",
		"tls_key":      "tls-key",
		"log.level":    "log-level",
	}
	var cfg ServerConfig
	if err := load(v, flags, bindings, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClient builds the client configuration. flags may be nil.
func LoadClient(flags *pflag.FlagSet) (*ClientConfig, error) {
	v := newViper()
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("ca_file", "")
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", filepath.Join(defaultDataDir(), "client.log"))

	bindings := map[string]string{
		"server_url": "url",
		"ca_file":    "ca",
		"data_dir":   "data-dir",
		"log.level":  "log-level",
	}
	var cfg ClientConfig
	if err := load(v, flags, bindings, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func load(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string, out any) error {
	configPath := os.Getenv(EnvPrefix + "_CONFIG")
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Changed {
			configPath = f.Value.String()
		}
		for key, name := range bindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validator.New().Struct(out); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "flashkeeper")
	}
	return ".flashkeeper"
}
