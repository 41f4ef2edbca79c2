package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP server and scheduler configuration. It can be
// loaded from a TOML file or, when no file is given, from BASKET_-prefixed
// environment variables.
type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`

	// CORS configs
	AllowedOrigins []string `toml:"allowed_origins"`

	// rate limiting configs
	RatePerMinute         int `toml:"rate_per_minute"`
	MaxConcurrentRequests int `toml:"max_concurrent_requests"`

	// Mode selects the exchange backend: "sim" runs against the in-memory
	// exchange, "quote" quotes against remote router endpoints.
	Mode      string   `toml:"mode"`
	QuoteURLs []string `toml:"quote_urls"`

	// scheduler configs
	SchedulerInterval string `toml:"scheduler_interval"`
	ExecutorRecipient string `toml:"executor_recipient"`
	ProfitFloor       string `toml:"profit_floor"`

	// Development mode uses human readable console logs
	DevelopmentMode bool `toml:"development_mode"`
}

// LoadServerConfig loads the server config from the given path, or from the
// environment when no path is given.
func LoadServerConfig(configPath *string) (*ServerConfig, error) {
	v := viper.New()

	if configPath == nil {
		// if no file expect envs
		config, err := loadEnv(v)
		if err != nil {
			return nil, fmt.Errorf("failed to load env config: %w", err)
		}
		return config, nil
	}
	config, err := loadFile(v, *configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load file config: %w", err)
	}
	return config, nil
}

func loadEnv(v *viper.Viper) (*ServerConfig, error) {
	// godotenv might fail if the .env file is missing but env can be applied
	// through docker, systemd or other means, so skip the error
	_ = godotenv.Load()
	v.SetEnvPrefix("BASKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	var config ServerConfig
	if err := v.Unmarshal(&config, withTomlTags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal env config: %w", err)
	}
	if err := verifyConfig(&config); err != nil {
		return nil, fmt.Errorf("failed to verify config: %w", err)
	}
	return &config, nil
}

// bindEnvKeys binds each config key to its env var so Unmarshal sees env values
// when no config file is loaded (env-only mode).
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"port", "host", "allowed_origins",
		"rate_per_minute", "max_concurrent_requests",
		"mode", "quote_urls",
		"scheduler_interval", "executor_recipient", "profit_floor",
		"development_mode",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

func loadFile(v *viper.Viper, configPath string) (*ServerConfig, error) {
	if !strings.HasSuffix(configPath, ".toml") {
		return nil, fmt.Errorf("config file must be a toml file")
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config ServerConfig
	if err := v.Unmarshal(&config, withTomlTags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := verifyConfig(&config); err != nil {
		return nil, fmt.Errorf("failed to verify config: %w", err)
	}

	return &config, nil
}

// withTomlTags makes Unmarshal honor the struct's toml tags so file and env
// keys share one spelling.
func withTomlTags(dc *mapstructure.DecoderConfig) {
	dc.TagName = "toml"
}

func verifyConfig(config *ServerConfig) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if config.Host == "" {
		return fmt.Errorf("host is required")
	}

	if len(config.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed_origins is required")
	}

	switch config.Mode {
	case "sim":
	case "quote":
		if len(config.QuoteURLs) == 0 {
			return fmt.Errorf("quote_urls is required in quote mode")
		}
		for _, url := range config.QuoteURLs {
			if url == "" {
				return fmt.Errorf("quote_urls must not be empty")
			}
		}
	default:
		return fmt.Errorf("mode must be sim or quote")
	}

	return nil
}
