// Package config loads the tenant configuration fields from SPEC_FULL.md
// §6, trimmed and renamed from the teacher's viper-based env loader.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the tenant-level configuration surface §6 maps onto.
type Config struct {
	ControllerName string   `mapstructure:"CONTROLLER_NAME"`
	BaseURL        string   `mapstructure:"BASE_URL"`
	FHIRVersion    string   `mapstructure:"FHIR_VERSION"`
	SupportedFormats []string `mapstructure:"SUPPORTED_FORMATS"`

	MaxSubscriptionExpirationMinutes int `mapstructure:"MAX_SUBSCRIPTION_EXPIRATION_MINUTES"`
	MaxResourceCount                 int `mapstructure:"MAX_RESOURCE_COUNT"`

	AllowCreateAsUpdate  bool `mapstructure:"ALLOW_CREATE_AS_UPDATE"`
	AllowExistingID      bool `mapstructure:"ALLOW_EXISTING_ID"`
	SupportNotChanged    bool `mapstructure:"SUPPORT_NOT_CHANGED"`
	ProtectLoadedContent bool `mapstructure:"PROTECT_LOADED_CONTENT"`

	SmartRequired bool `mapstructure:"SMART_REQUIRED"`
	SmartAllowed  bool `mapstructure:"SMART_ALLOWED"`

	LoadDirectory string `mapstructure:"LOAD_DIRECTORY"`

	Port string `mapstructure:"PORT"`
}

// Load reads the tenant config from environment variables (and an optional
// .env file), applying the same defaults the reference server ships with.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("CONTROLLER_NAME", "fhir-candle-sub000")
	v.SetDefault("BASE_URL", "http://localhost:8080/fhir")
	v.SetDefault("FHIR_VERSION", "4.0.1")
	v.SetDefault("SUPPORTED_FORMATS", "application/fhir+json")
	v.SetDefault("MAX_SUBSCRIPTION_EXPIRATION_MINUTES", 1440)
	v.SetDefault("MAX_RESOURCE_COUNT", 0)
	v.SetDefault("ALLOW_CREATE_AS_UPDATE", true)
	v.SetDefault("ALLOW_EXISTING_ID", true)
	v.SetDefault("SUPPORT_NOT_CHANGED", true)
	v.SetDefault("PROTECT_LOADED_CONTENT", false)
	v.SetDefault("SMART_REQUIRED", false)
	v.SetDefault("SMART_ALLOWED", true)
	v.SetDefault("LOAD_DIRECTORY", "")
	v.SetDefault("PORT", "8080")

	for _, key := range []string{
		"CONTROLLER_NAME", "BASE_URL", "FHIR_VERSION", "SUPPORTED_FORMATS",
		"MAX_SUBSCRIPTION_EXPIRATION_MINUTES", "MAX_RESOURCE_COUNT",
		"ALLOW_CREATE_AS_UPDATE", "ALLOW_EXISTING_ID", "SUPPORT_NOT_CHANGED",
		"PROTECT_LOADED_CONTENT", "SMART_REQUIRED", "SMART_ALLOWED", "LOAD_DIRECTORY", "PORT",
	} {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.SupportedFormats == nil {
		if raw := v.GetString("SUPPORTED_FORMATS"); raw != "" {
			cfg.SupportedFormats = strings.Split(raw, ",")
		}
	}

	return cfg, nil
}
