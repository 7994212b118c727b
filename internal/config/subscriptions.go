package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// SubscriptionSpec declares one topic subscription in the subscriptions
// file. Timing fields are seconds; zero means "use the configured default".
type SubscriptionSpec struct {
	Topic           string       `mapstructure:"topic"`
	WebhookID       string       `mapstructure:"webhook_id"`
	PayloadContent  string       `mapstructure:"payload_content"`
	HeartbeatPeriod int          `mapstructure:"heartbeat_period"`
	Timeout         int          `mapstructure:"timeout"`
	FilterBy        []FilterSpec `mapstructure:"filter_by"`
}

// FilterSpec declares one filter within a subscription.
type FilterSpec struct {
	ResourceType    string `mapstructure:"resource_type"`
	FilterParameter string `mapstructure:"filter_parameter"`
	Value           string `mapstructure:"value"`
	Comparator      string `mapstructure:"comparator"`
	Modifier        string `mapstructure:"modifier"`
}

// LoadSubscriptions reads the subscription declarations from the given YAML
// file. The file holds a top-level "subscriptions" list.
func LoadSubscriptions(path string) ([]SubscriptionSpec, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read subscriptions file %s: %w", path, err)
	}

	var out struct {
		Subscriptions []SubscriptionSpec `mapstructure:"subscriptions"`
	}
	if err := v.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("unmarshal subscriptions file %s: %w", path, err)
	}

	for i, spec := range out.Subscriptions {
		if spec.Topic == "" {
			return nil, fmt.Errorf("subscriptions file %s: entry %d is missing a topic", path, i)
		}
	}
	return out.Subscriptions, nil
}
