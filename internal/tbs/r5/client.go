// Package r5 implements the FHIR R5 native variant of topic-based
// subscriptions: topic, content mode, heartbeat and timeout are first-class
// Subscription fields and the webhook token travels as a named channel
// parameter.
package r5

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/beda-software/fhir-tbs/internal/platform/fhirclient"
	"github.com/beda-software/fhir-tbs/internal/tbs"
	"github.com/beda-software/fhir-tbs/pkg/fhirmodels"
)

// ChannelTypeSystem is the coding system for subscription channel types.
const ChannelTypeSystem = "http://terminology.hl7.org/CodeSystem/subscription-channel-type"

// Subscription is the R5 Subscription wire shape, limited to the fields
// this module uses.
type Subscription struct {
	ResourceType    string      `json:"resourceType"`
	ID              string      `json:"id,omitempty"`
	Status          string      `json:"status"`
	Reason          string      `json:"reason,omitempty"`
	Topic           string      `json:"topic"`
	ChannelType     Coding      `json:"channelType"`
	Content         string      `json:"content,omitempty"`
	MaxCount        int         `json:"maxCount,omitempty"`
	HeartbeatPeriod int         `json:"heartbeatPeriod,omitempty"`
	Timeout         int         `json:"timeout,omitempty"`
	Endpoint        string      `json:"endpoint,omitempty"`
	Parameter       []Parameter `json:"parameter,omitempty"`
}

// Coding is a FHIR coding.
type Coding struct {
	System string `json:"system,omitempty"`
	Code   string `json:"code"`
}

// Parameter is a channel parameter; for rest-hook channels each entry
// becomes an HTTP header on outgoing notifications.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Client implements tbs.ProtocolClient for R5.
type Client struct{}

var _ tbs.ProtocolClient = Client{}

// BuildSubscription constructs an R5 Subscription in requested status.
// maxCount is pinned to 1 so the server never batches concurrent deliveries
// into one notification.
//
// TODO: embed def.FilterBy as Subscription.filterBy entries once targeted
// servers accept them; filters are currently validated but not transmitted
// on R5.
func (Client) BuildSubscription(webhookID, webhookURL, token string, def tbs.PreparedDefinition) (interface{}, error) {
	if len(def.FilterBy) > 0 {
		if _, err := tbs.BuildFilterCriteria(def.FilterBy); err != nil {
			return nil, err
		}
	}

	var parameters []Parameter
	if token != "" {
		parameters = []Parameter{{Name: tbs.WebhookTokenHeader, Value: token}}
	}

	return Subscription{
		ResourceType: fhirmodels.ResourceTypeSubscription,
		Status:       fhirmodels.SubscriptionStatusRequested,
		Reason:       "Autogenerated subscription for " + webhookID,
		Topic:        def.Topic,
		ChannelType: Coding{
			System: ChannelTypeSystem,
			Code:   fhirmodels.ChannelTypeRestHook,
		},
		Content:         def.PayloadContent,
		MaxCount:        1,
		HeartbeatPeriod: def.HeartbeatPeriod,
		Timeout:         def.Timeout,
		Endpoint:        webhookURL,
		Parameter:       parameters,
	}, nil
}

// FetchSubscription searches for a subscription by its endpoint URL.
func (Client) FetchSubscription(ctx context.Context, client fhirclient.Client, webhookURL string) (*tbs.RemoteSubscription, error) {
	raw, err := client.SearchBundle(ctx, fhirmodels.ResourceTypeSubscription, url.Values{"url": {webhookURL}})
	if err != nil {
		return nil, err
	}
	return tbs.SubscriptionFromSearchBundle(raw)
}

// FetchSubscriptionEvents queries the subscription's $events operation and
// decodes the returned bundle with the live-delivery logic.
func (c Client) FetchSubscriptionEvents(ctx context.Context, client fhirclient.Client, sub *tbs.RemoteSubscription, since, until *int64) ([]tbs.SubscriptionEvent, error) {
	params := url.Values{}
	if since != nil {
		params.Set("eventsSinceNumber", strconv.FormatInt(*since, 10))
	}
	if until != nil {
		params.Set("eventsUntilNumber", strconv.FormatInt(*until, 10))
	}
	raw, err := client.Operation(ctx, fhirmodels.ResourceTypeSubscription+"/"+sub.ID+"/$events", params)
	if err != nil {
		return nil, err
	}
	return c.ExtractEventsFromBundle(raw)
}

// ExtractSubscriptionInfo reads status and the token carried by the
// X-Api-Key channel parameter.
func (Client) ExtractSubscriptionInfo(sub *tbs.RemoteSubscription) (tbs.SubscriptionInfo, error) {
	var subscription Subscription
	if err := json.Unmarshal(sub.Payload, &subscription); err != nil {
		return tbs.SubscriptionInfo{}, fmt.Errorf("decode R5 subscription: %w", err)
	}

	info := tbs.SubscriptionInfo{Status: subscription.Status}
	for _, parameter := range subscription.Parameter {
		if parameter.Name == tbs.WebhookTokenHeader {
			info.Token = parameter.Value
		}
	}
	return info, nil
}

// ExtractEventsFromBundle parses a raw notification body into normalized
// events.
func (Client) ExtractEventsFromBundle(body []byte) ([]tbs.SubscriptionEvent, error) {
	return tbs.DecodeNotificationBundle(body)
}
