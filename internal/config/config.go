package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/qcloud-go/capi/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. CAPI_API_REGION.
const EnvPrefix = "CAPI"

type Config struct {
	Credential CredentialConfig `mapstructure:"credential"`
	API        APIConfig        `mapstructure:"api"`
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Secrets    []SecretEntry    `mapstructure:"secrets"`
	Logging    logging.Config   `mapstructure:"logging"`
}

// SecretEntry is one key pair accepted by the verifying gateway. A list is
// used rather than a map because viper lower-cases map keys.
type SecretEntry struct {
	SecretID  string `mapstructure:"secret_id"`
	SecretKey string `mapstructure:"secret_key"`
}

// SecretMap returns the configured secrets keyed by SecretId.
func (c *Config) SecretMap() map[string]string {
	m := make(map[string]string, len(c.Secrets))
	for _, s := range c.Secrets {
		m[s.SecretID] = s.SecretKey
	}
	return m
}

type CredentialConfig struct {
	SecretID  string `mapstructure:"secret_id"`
	SecretKey string `mapstructure:"secret_key"`
}

type APIConfig struct {
	Region          string        `mapstructure:"region"`
	ServiceType     string        `mapstructure:"service_type"`
	BaseHost        string        `mapstructure:"base_host"`
	Path            string        `mapstructure:"path"`
	Method          string        `mapstructure:"method"`
	Protocol        string        `mapstructure:"protocol"`
	SignatureMethod string        `mapstructure:"signature_method"`
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	MaxSkew      time.Duration `mapstructure:"max_skew"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from path, or from capi.yaml in the working
// directory or ./config when path is empty. A missing default file is not an
// error; a missing explicit file is. Environment variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Provider SDK variable names are honoured too; the CAPI_ name wins.
	bindings := map[string][]string{
		"credential.secret_id":  {"CAPI_CREDENTIAL_SECRET_ID", "TENCENTCLOUD_SECRETID"},
		"credential.secret_key": {"CAPI_CREDENTIAL_SECRET_KEY", "TENCENTCLOUD_SECRETKEY"},
		"api.region":            {"CAPI_API_REGION", "TENCENTCLOUD_REGION"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("config: binding %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("capi")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("credential.secret_id", "")
	v.SetDefault("credential.secret_key", "")
	v.SetDefault("api.region", "")
	v.SetDefault("api.service_type", "")
	v.SetDefault("api.base_host", "api.qcloud.com")
	v.SetDefault("api.path", "/v2/index.php")
	v.SetDefault("api.method", "POST")
	v.SetDefault("api.protocol", "https")
	v.SetDefault("api.signature_method", "HmacSHA1")
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_skew", "5m")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "capi")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file_path", "")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
}
