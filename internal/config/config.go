package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// FHIR protocol variants accepted by FHIR_VERSION.
const (
	FHIRVersionR4B = "r4b"
	FHIRVersionR5  = "r5"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	// AppBaseURL is the externally reachable base URL of this server; the
	// remote FHIR server delivers notifications to <AppBaseURL>/<webhook path>.
	AppBaseURL string `mapstructure:"APP_BASE_URL"`

	FHIRBaseURL     string `mapstructure:"FHIR_BASE_URL"`
	FHIRAccessToken string `mapstructure:"FHIR_ACCESS_TOKEN"`
	FHIRVersion     string `mapstructure:"FHIR_VERSION"`

	WebhookPathPrefix    string `mapstructure:"WEBHOOK_PATH_PREFIX"`
	WebhookToken         string `mapstructure:"WEBHOOK_TOKEN"`
	ManageSubscriptions  bool   `mapstructure:"MANAGE_SUBSCRIPTIONS"`
	HandleDeliveryErrors bool   `mapstructure:"HANDLE_DELIVERY_ERRORS"`
	GenerateTokens       bool   `mapstructure:"GENERATE_TOKENS"`

	DefaultPayloadContent  string `mapstructure:"DEFAULT_PAYLOAD_CONTENT"`
	DefaultHeartbeatPeriod int    `mapstructure:"DEFAULT_HEARTBEAT_PERIOD"`
	DefaultTimeout         int    `mapstructure:"DEFAULT_TIMEOUT"`

	// SubscriptionsFile points to the YAML file declaring the topic
	// subscriptions this server registers.
	SubscriptionsFile string `mapstructure:"SUBSCRIPTIONS_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("FHIR_VERSION", FHIRVersionR4B)
	v.SetDefault("WEBHOOK_PATH_PREFIX", "webhook")
	v.SetDefault("MANAGE_SUBSCRIPTIONS", true)
	v.SetDefault("SUBSCRIPTIONS_FILE", "subscriptions.yaml")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("APP_BASE_URL")
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("FHIR_ACCESS_TOKEN")
	v.BindEnv("FHIR_VERSION")
	v.BindEnv("WEBHOOK_PATH_PREFIX")
	v.BindEnv("WEBHOOK_TOKEN")
	v.BindEnv("MANAGE_SUBSCRIPTIONS")
	v.BindEnv("HANDLE_DELIVERY_ERRORS")
	v.BindEnv("GENERATE_TOKENS")
	v.BindEnv("DEFAULT_PAYLOAD_CONTENT")
	v.BindEnv("DEFAULT_HEARTBEAT_PERIOD")
	v.BindEnv("DEFAULT_TIMEOUT")
	v.BindEnv("SUBSCRIPTIONS_FILE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Managing
// subscriptions (or handling delivery errors) requires both the FHIR server
// URL and the externally reachable application base URL.
func (c *Config) Validate() error {
	if c.FHIRVersion != FHIRVersionR4B && c.FHIRVersion != FHIRVersionR5 {
		return fmt.Errorf("FHIR_VERSION must be %q or %q, got %q", FHIRVersionR4B, FHIRVersionR5, c.FHIRVersion)
	}
	if c.ManageSubscriptions || c.HandleDeliveryErrors {
		if c.FHIRBaseURL == "" {
			return fmt.Errorf("FHIR_BASE_URL is required when MANAGE_SUBSCRIPTIONS or HANDLE_DELIVERY_ERRORS is set")
		}
		if c.AppBaseURL == "" {
			return fmt.Errorf("APP_BASE_URL is required when MANAGE_SUBSCRIPTIONS or HANDLE_DELIVERY_ERRORS is set")
		}
	}
	switch c.DefaultPayloadContent {
	case "", "id-only", "full-resource":
	default:
		return fmt.Errorf("DEFAULT_PAYLOAD_CONTENT must be \"id-only\" or \"full-resource\", got %q", c.DefaultPayloadContent)
	}
	return nil
}
