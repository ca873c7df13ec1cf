package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "FLARECAST"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "flarecast.db"
	defaultLogLevel        = "info"
	defaultTokenTTLMinutes = 60
	defaultCallbackBaseURL = "http://127.0.0.1:8080"
	defaultSchedulerPollMS = 1000
	defaultNATSSubject     = "flarecast.notifications"
)

// AppConfig captures runtime configuration for the flare API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	TokenTTL        time.Duration
	CallbackBaseURL string
	CallbackSecret  string
	SchedulerPoll   time.Duration
	NATSServers     []string
	NATSSubject     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("scheduler.callback_base_url", defaultCallbackBaseURL)
	configViper.SetDefault("scheduler.poll_interval_ms", defaultSchedulerPollMS)
	configViper.SetDefault("nats.servers", "")
	configViper.SetDefault("nats.subject", defaultNATSSubject)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenTTL:        time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		CallbackBaseURL: configViper.GetString("scheduler.callback_base_url"),
		CallbackSecret:  configViper.GetString("scheduler.callback_secret"),
		SchedulerPoll:   time.Duration(configViper.GetInt("scheduler.poll_interval_ms")) * time.Millisecond,
		NATSSubject:     configViper.GetString("nats.subject"),
	}

	if servers := strings.TrimSpace(configViper.GetString("nats.servers")); servers != "" {
		cfg.NATSServers = strings.Split(servers, ",")
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CallbackBaseURL) == "" {
		return fmt.Errorf("scheduler.callback_base_url is required")
	}
	if strings.TrimSpace(c.CallbackSecret) == "" {
		return fmt.Errorf("scheduler.callback_secret is required")
	}
	if c.SchedulerPoll <= 0 {
		return fmt.Errorf("scheduler.poll_interval_ms must be positive")
	}
	return nil
}
