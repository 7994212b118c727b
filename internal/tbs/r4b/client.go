// Package r4b implements the FHIR R4B variant of topic-based subscriptions,
// emulated via the Subscriptions R5 Backport implementation guide: topic and
// filter criteria travel as backport extensions and the webhook token as a
// channel header.
package r4b

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/beda-software/fhir-tbs/internal/platform/fhirclient"
	"github.com/beda-software/fhir-tbs/internal/tbs"
	"github.com/beda-software/fhir-tbs/pkg/fhirmodels"
)

// Backport IG canonical URLs.
const (
	BackportProfile = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-subscription"

	extPayloadContent  = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-payload-content"
	extMaxCount        = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-max-count"
	extHeartbeatPeriod = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-heartbeat-period"
	extTimeout         = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-timeout"
	extFilterCriteria  = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-filter-criteria"
)

// Subscription is the R4B Subscription wire shape, limited to the fields
// the backport profile uses.
type Subscription struct {
	ResourceType string              `json:"resourceType"`
	ID           string              `json:"id,omitempty"`
	Meta         *Meta               `json:"meta,omitempty"`
	Status       string              `json:"status"`
	Reason       string              `json:"reason,omitempty"`
	Criteria     string              `json:"criteria,omitempty"`
	CriteriaExt  *PrimitiveExtension `json:"_criteria,omitempty"`
	Channel      Channel             `json:"channel"`
}

// Meta carries the resource profile claims.
type Meta struct {
	Profile []string `json:"profile,omitempty"`
}

// Channel is the R4B Subscription delivery channel.
type Channel struct {
	Type       string              `json:"type"`
	Endpoint   string              `json:"endpoint,omitempty"`
	Payload    string              `json:"payload,omitempty"`
	PayloadExt *PrimitiveExtension `json:"_payload,omitempty"`
	Header     []string            `json:"header,omitempty"`
	Extension  []Extension         `json:"extension,omitempty"`
}

// PrimitiveExtension carries extensions attached to a primitive field.
type PrimitiveExtension struct {
	Extension []Extension `json:"extension,omitempty"`
}

// Extension is an R4B extension, limited to the value types the backport
// profile uses.
type Extension struct {
	URL              string `json:"url"`
	ValueCode        string `json:"valueCode,omitempty"`
	ValueString      string `json:"valueString,omitempty"`
	ValuePositiveInt int    `json:"valuePositiveInt,omitempty"`
}

// Client implements tbs.ProtocolClient for R4B.
type Client struct{}

var _ tbs.ProtocolClient = Client{}

// BuildSubscription constructs a backport-profile Subscription in requested
// status. maxCount is pinned to 1 so the server never batches concurrent
// deliveries into one notification.
func (Client) BuildSubscription(webhookID, webhookURL, token string, def tbs.PreparedDefinition) (interface{}, error) {
	criteria, err := tbs.BuildFilterCriteria(def.FilterBy)
	if err != nil {
		return nil, err
	}

	var header []string
	if token != "" {
		header = []string{tbs.WebhookTokenHeader + ": " + token}
	}

	return Subscription{
		ResourceType: fhirmodels.ResourceTypeSubscription,
		Meta:         &Meta{Profile: []string{BackportProfile}},
		Status:       fhirmodels.SubscriptionStatusRequested,
		Reason:       "Autogenerated subscription for " + webhookID,
		Criteria:     def.Topic,
		CriteriaExt: &PrimitiveExtension{
			Extension: []Extension{
				{URL: extFilterCriteria, ValueString: criteria},
			},
		},
		Channel: Channel{
			Type:     fhirmodels.ChannelTypeRestHook,
			Endpoint: webhookURL,
			Payload:  fhirmodels.ContentTypeFHIRJSON,
			PayloadExt: &PrimitiveExtension{
				Extension: []Extension{
					{URL: extPayloadContent, ValueCode: def.PayloadContent},
				},
			},
			Header: header,
			Extension: []Extension{
				{URL: extMaxCount, ValuePositiveInt: 1},
				{URL: extHeartbeatPeriod, ValuePositiveInt: def.HeartbeatPeriod},
				{URL: extTimeout, ValuePositiveInt: def.Timeout},
			},
		},
	}, nil
}

// FetchSubscription searches for a subscription by its channel endpoint.
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
	raw, err := client.Operation(ctx, fhirmodels.ResourceTypeSubscription+"/"+sub.ID+"/$events", eventRangeParams(since, until))
	if err != nil {
		return nil, err
	}
	return c.ExtractEventsFromBundle(raw)
}

// ExtractSubscriptionInfo reads status and the token embedded in the
// channel's X-Api-Key header entry.
func (Client) ExtractSubscriptionInfo(sub *tbs.RemoteSubscription) (tbs.SubscriptionInfo, error) {
	var subscription Subscription
	if err := json.Unmarshal(sub.Payload, &subscription); err != nil {
		return tbs.SubscriptionInfo{}, fmt.Errorf("decode R4B subscription: %w", err)
	}

	info := tbs.SubscriptionInfo{Status: subscription.Status}
	for _, header := range subscription.Channel.Header {
		if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(tbs.WebhookTokenHeader)) {
			continue
		}
		if _, value, found := strings.Cut(header, ":"); found {
			info.Token = strings.TrimSpace(value)
		}
	}
	return info, nil
}

// ExtractEventsFromBundle parses a raw notification body into normalized
// events.
func (Client) ExtractEventsFromBundle(body []byte) ([]tbs.SubscriptionEvent, error) {
	return tbs.DecodeNotificationBundle(body)
}

func eventRangeParams(since, until *int64) url.Values {
	params := url.Values{}
	if since != nil {
		params.Set("eventsSinceNumber", strconv.FormatInt(*since, 10))
	}
	if until != nil {
		params.Set("eventsUntilNumber", strconv.FormatInt(*until, 10))
	}
	return params
}
