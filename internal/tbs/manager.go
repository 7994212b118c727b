package tbs

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/beda-software/fhir-tbs/internal/platform/fhirclient"
	"github.com/beda-software/fhir-tbs/pkg/fhirmodels"
)

// SetupConfig carries the process-level webhook configuration.
type SetupConfig struct {
	// AppBaseURL is the externally reachable base URL of this application.
	// Required when subscriptions are managed.
	AppBaseURL string
	// WebhookPathPrefix prefixes every webhook route path.
	WebhookPathPrefix string
	// WebhookToken is the fixed shared secret for webhook authentication.
	// Empty means unauthenticated unless GenerateTokens is set.
	WebhookToken string
	// ManageSubscriptions enables reconciliation of remote subscriptions.
	ManageSubscriptions bool
	// HandleDeliveryErrors requests detection of missed or erroring
	// deliveries. Accepted but not implemented yet; see Setup.
	HandleDeliveryErrors bool
	// GenerateTokens makes the manager mint a fresh UUID token per created
	// subscription when no fixed WebhookToken is configured.
	GenerateTokens bool
	// Client is the FHIR server accessor. Required when ManageSubscriptions
	// or HandleDeliveryErrors is set.
	Client fhirclient.Client
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaults sets process-wide fallbacks for definition overrides.
func WithDefaults(defaults SubscriptionDefaults) ManagerOption {
	return func(m *Manager) { m.defaults = defaults }
}

// WithLogger attaches a logger. The default logger discards everything.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// Manager reconciles declared subscription definitions against the remote
// FHIR server and owns their webhook routes for the application lifetime.
// Call Setup once during startup and Teardown during shutdown.
type Manager struct {
	protocol      ProtocolClient
	subscriptions []SubscriptionDefinition
	defaults      SubscriptionDefaults
	logger        zerolog.Logger

	client  fhirclient.Client
	created []string // IDs of remote subscriptions this process created
}

// NewManager creates a manager for the given protocol variant and
// declarations.
func NewManager(protocol ProtocolClient, subscriptions []SubscriptionDefinition, opts ...ManagerOption) *Manager {
	m := &Manager{
		protocol:      protocol,
		subscriptions: subscriptions,
		logger:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Setup reconciles every declared definition in declaration order and
// registers its webhook route. Each definition's remote subscription is
// confirmed created before its route is registered, so no request can
// arrive for a path whose subscription does not exist yet.
func (m *Manager) Setup(ctx context.Context, e *echo.Echo, cfg SetupConfig) error {
	if cfg.ManageSubscriptions || cfg.HandleDeliveryErrors {
		if cfg.Client == nil {
			return NewConfigError("a FHIR client is required to manage subscriptions or handle delivery errors")
		}
		if cfg.AppBaseURL == "" {
			return NewConfigError("an application base URL is required to manage subscriptions or handle delivery errors")
		}
	}
	if cfg.HandleDeliveryErrors {
		// TODO: reconcile missed events via $events once delivery-error
		// handling is implemented; the flag is accepted but inert for now.
		m.logger.Warn().Msg("delivery error handling is not implemented yet; flag has no effect")
	}
	m.client = cfg.Client

	for _, definition := range m.subscriptions {
		if err := m.setupSubscription(ctx, e, cfg, definition); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) setupSubscription(ctx context.Context, e *echo.Echo, cfg SetupConfig, definition SubscriptionDefinition) error {
	prepared, err := m.prepare(definition)
	if err != nil {
		return err
	}

	webhookID := definition.WebhookID
	if webhookID == "" {
		if !cfg.ManageSubscriptions {
			return NewConfigError("webhook id must be set for unmanaged subscription on topic %q", definition.Topic)
		}
		webhookID = webhookIDFromTopic(definition.Topic)
	}

	webhookPath := strings.Trim(cfg.WebhookPathPrefix, "/") + "/" + webhookID
	webhookURL := strings.TrimRight(cfg.AppBaseURL, "/") + "/" + webhookPath

	token := cfg.WebhookToken
	if cfg.ManageSubscriptions {
		token, err = m.reconcile(ctx, webhookID, webhookURL, token, cfg.GenerateTokens, prepared)
		if err != nil {
			return err
		}
	}

	e.POST("/"+webhookPath, WebhookHandler(m.protocol, definition.Handler, token, m.logger))
	m.logger.Info().
		Str("topic", definition.Topic).
		Str("path", "/"+webhookPath).
		Bool("managed", cfg.ManageSubscriptions).
		Msg("webhook route registered")
	return nil
}

// reconcile brings the remote subscription for webhookURL into the desired
// state and returns the token the webhook route must authenticate against.
// An existing active subscription is reused together with its embedded
// token; any other existing subscription is deleted and replaced.
func (m *Manager) reconcile(ctx context.Context, webhookID, webhookURL, token string, generateTokens bool, prepared PreparedDefinition) (string, error) {
	existing, err := m.protocol.FetchSubscription(ctx, m.client, webhookURL)
	if err != nil {
		return "", err
	}

	if existing != nil {
		info, err := m.protocol.ExtractSubscriptionInfo(existing)
		if err != nil {
			return "", err
		}
		if info.Status == fhirmodels.SubscriptionStatusActive {
			m.logger.Info().
				Str("webhook_id", webhookID).
				Str("subscription_id", existing.ID).
				Msg("reusing active subscription")
			return info.Token, nil
		}

		m.logger.Info().
			Str("webhook_id", webhookID).
			Str("subscription_id", existing.ID).
			Str("status", info.Status).
			Msg("deleting non-active subscription")
		if err := m.client.Delete(ctx, fhirmodels.ResourceTypeSubscription, existing.ID); err != nil {
			return "", err
		}
	}

	if token == "" && generateTokens {
		token = uuid.NewString()
	}

	resource, err := m.protocol.BuildSubscription(webhookID, webhookURL, token, prepared)
	if err != nil {
		return "", err
	}
	createdRaw, err := m.client.Create(ctx, fhirmodels.ResourceTypeSubscription, resource)
	if err != nil {
		return "", err
	}

	createdID := resourceID(createdRaw)
	if createdID == "" {
		m.logger.Warn().
			Str("webhook_id", webhookID).
			Msg("created subscription has no id; it will not be deleted on teardown")
	} else {
		m.created = append(m.created, createdID)
	}
	m.logger.Info().
		Str("webhook_id", webhookID).
		Str("subscription_id", createdID).
		Msg("subscription created")
	return token, nil
}

// Teardown deletes the remote subscriptions this manager created, in
// creation order. Deletion is best-effort: a failure is logged and the
// remaining deletions still run.
func (m *Manager) Teardown(ctx context.Context) error {
	if len(m.created) == 0 {
		return nil
	}
	if m.client == nil {
		return NewConfigError("teardown requires the FHIR client used during setup")
	}

	var lastErr error
	for _, id := range m.created {
		if err := m.client.Delete(ctx, fhirmodels.ResourceTypeSubscription, id); err != nil {
			m.logger.Error().Err(err).Str("subscription_id", id).Msg("failed to delete subscription")
			lastErr = err
			continue
		}
		m.logger.Info().Str("subscription_id", id).Msg("subscription deleted")
	}
	m.created = nil
	return lastErr
}

// prepare resolves effective settings for one definition, with precedence
// definition > defaults object > built-in constant, and validates the
// filter list.
func (m *Manager) prepare(definition SubscriptionDefinition) (PreparedDefinition, error) {
	prepared := PreparedDefinition{
		Topic:           definition.Topic,
		FilterBy:        definition.FilterBy,
		PayloadContent:  firstNonEmpty(definition.PayloadContent, m.defaults.PayloadContent, DefaultPayloadContent),
		HeartbeatPeriod: firstPositive(definition.HeartbeatPeriod, m.defaults.HeartbeatPeriod, DefaultHeartbeatPeriod),
		Timeout:         firstPositive(definition.Timeout, m.defaults.Timeout, DefaultTimeout),
	}

	if definition.Topic == "" {
		return PreparedDefinition{}, NewConfigError("subscription topic is required")
	}
	if definition.Handler == nil {
		return PreparedDefinition{}, NewConfigError("subscription handler is required for topic %q", definition.Topic)
	}
	if len(definition.FilterBy) > 0 {
		if _, err := BuildFilterCriteria(definition.FilterBy); err != nil {
			return PreparedDefinition{}, err
		}
	}
	return prepared, nil
}

// webhookIDFromTopic derives a stable webhook identifier from the last path
// segment of the topic URL.
func webhookIDFromTopic(topic string) string {
	trimmed := strings.TrimRight(topic, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return trimmed
}

func resourceID(raw json.RawMessage) string {
	var meta struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	return meta.ID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
