// Package tbs implements topic-based subscriptions against a FHIR server:
// it reconciles declared subscription definitions with the remote server,
// registers webhook routes that receive notification bundles, and dispatches
// decoded events to application handlers. Protocol-specific wire handling
// lives in the r4b and r5 subpackages behind the ProtocolClient interface.
package tbs

import (
	"context"
	"time"
)

// Built-in defaults applied when neither a definition nor the defaults
// object sets a value.
const (
	DefaultPayloadContent  = "id-only"
	DefaultTimeout         = 60
	DefaultHeartbeatPeriod = 20
)

// WebhookTokenHeader is the HTTP header carrying the webhook shared secret,
// both on subscription channels and on inbound notification requests.
const WebhookTokenHeader = "X-Api-Key"

// FilterBy narrows a subscription topic to matching resources. All filters
// within one definition must target the same resource type.
type FilterBy struct {
	ResourceType    string
	FilterParameter string
	Value           string
	Comparator      string
	Modifier        string
}

// Handler processes one decoded subscription event. The context is the
// inbound request context; any application state must be closed over by the
// caller. A returned error surfaces as a server error on the webhook response.
type Handler func(ctx context.Context, event SubscriptionEvent) error

// SubscriptionDefinition declares one topic-based subscription. Definitions
// are immutable after Setup.
type SubscriptionDefinition struct {
	// Topic is the canonical URL of the SubscriptionTopic to subscribe to.
	Topic string
	// FilterBy narrows the topic; all entries must share one resource type.
	FilterBy []FilterBy
	// Handler receives decoded events for this subscription.
	Handler Handler
	// WebhookID names the webhook path segment. When empty, subscription
	// management must be enabled and a stable identifier is derived from the
	// topic URL.
	WebhookID string

	// Optional overrides; zero values fall back to the defaults object and
	// then to the built-in constants.
	PayloadContent  string
	HeartbeatPeriod int
	Timeout         int
}

// SubscriptionDefaults holds process-wide fallbacks for definition overrides.
type SubscriptionDefaults struct {
	PayloadContent  string
	HeartbeatPeriod int
	Timeout         int
}

// PreparedDefinition is a definition with all defaults resolved, as consumed
// by the protocol-specific subscription builders.
type PreparedDefinition struct {
	Topic           string
	FilterBy        []FilterBy
	PayloadContent  string
	HeartbeatPeriod int
	Timeout         int
}

// SubscriptionInfo is a read projection of a remote subscription used to
// decide the reconciliation action.
type SubscriptionInfo struct {
	Status string
	// Token is the embedded webhook credential, empty when absent.
	Token string
}

// RemoteSubscription is a subscription resource as stored on the FHIR
// server. The payload keeps the protocol-specific wire shape; only the
// variant client that fetched it knows how to interpret it.
type RemoteSubscription struct {
	ID      string
	Payload []byte
}

// SubscriptionEvent is one normalized notification event extracted from a
// notification bundle. Events are transient; they are constructed per
// request and never persisted.
type SubscriptionEvent struct {
	// Reference is the relative reference (Type/id) to the changed resource.
	Reference string
	// IncludedResources are the inlined resources relevant to this event, in
	// additional-context-then-focus order, references already normalized.
	IncludedResources []map[string]interface{}
	// EventNumber is the server-assigned sequence number.
	EventNumber int64
	// Timestamp is the event time, nil when the server omitted it.
	Timestamp *time.Time
}
