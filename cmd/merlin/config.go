package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the application's configuration structure.
type Config struct {
	TaskServer string `json:"task-server" mapstructure:"task-server"`
	BrokerURL  string `json:"broker-url" mapstructure:"broker-url"`
	LogLevel   string `json:"log-level" mapstructure:"log-level"`
}

var requiredFields = []string{
	"broker-url",
}

// field: default value
var optionalFields = map[string]interface{}{
	"task-server": "rabbitmq",
	"log-level":   "INFO",
}

// InitConfig reads configuration from a JSON file and environment variables.
// Environment variables take precedence over the config file.
func InitConfig(configFilePath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configFilePath)
	v.SetConfigType("json")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	for _, field := range requiredFields {
		v.BindEnv(field)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}

	for _, field := range requiredFields {
		if !v.IsSet(field) {
			return nil, fmt.Errorf("missing required config field: %s", field)
		}
	}

	// Set defaults for optional fields if not set
	for optField, defaultValue := range optionalFields {
		if !v.IsSet(optField) {
			v.Set(optField, defaultValue)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}

	return &config, nil
}
