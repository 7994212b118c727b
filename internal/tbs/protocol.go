package tbs

import (
	"context"

	"github.com/beda-software/fhir-tbs/internal/platform/fhirclient"
)

// ProtocolClient captures the FHIR-version-specific subscription handling.
// One implementation exists per supported variant (R4B backport, R5 native);
// the manager and webhook handler depend only on this interface.
type ProtocolClient interface {
	// BuildSubscription constructs the wire-format subscription resource in
	// requested status for the given webhook. Pure; no I/O. The token is
	// omitted from the resource when empty.
	BuildSubscription(webhookID, webhookURL, token string, def PreparedDefinition) (interface{}, error)

	// FetchSubscription searches the server for a subscription whose channel
	// endpoint equals webhookURL. Returns nil when none exists.
	FetchSubscription(ctx context.Context, client fhirclient.Client, webhookURL string) (*RemoteSubscription, error)

	// FetchSubscriptionEvents queries the subscription's $events history for
	// the given sequence-number range (nil bounds are open) and decodes the
	// returned bundle with the live-delivery logic.
	FetchSubscriptionEvents(ctx context.Context, client fhirclient.Client, sub *RemoteSubscription, since, until *int64) ([]SubscriptionEvent, error)

	// ExtractSubscriptionInfo reads status and embedded token from a fetched
	// subscription using the variant's transport convention.
	ExtractSubscriptionInfo(sub *RemoteSubscription) (SubscriptionInfo, error)

	// ExtractEventsFromBundle parses a raw notification body into zero or
	// more normalized events. Contract violations are protocol errors.
	ExtractEventsFromBundle(body []byte) ([]SubscriptionEvent, error)
}
