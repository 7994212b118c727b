package fhirmodels

// Common FHIR value set constants used across the subscription machinery.

// Subscription status codes per FHIR R4B/R5.
const (
	SubscriptionStatusRequested      = "requested"
	SubscriptionStatusActive         = "active"
	SubscriptionStatusError          = "error"
	SubscriptionStatusOff            = "off"
	SubscriptionStatusEnteredInError = "entered-in-error"
)

// Subscription channel type codes.
const (
	ChannelTypeRestHook  = "rest-hook"
	ChannelTypeWebsocket = "websocket"
	ChannelTypeEmail     = "email"
	ChannelTypeMessage   = "message"
)

// Notification payload content modes per the Subscriptions R5 Backport IG.
const (
	PayloadContentEmpty        = "empty"
	PayloadContentIDOnly       = "id-only"
	PayloadContentFullResource = "full-resource"
)

// Notification types carried on a SubscriptionStatus resource.
const (
	NotificationTypeHandshake         = "handshake"
	NotificationTypeHeartbeat         = "heartbeat"
	NotificationTypeEventNotification = "event-notification"
	NotificationTypeQueryStatus       = "query-status"
	NotificationTypeQueryEvent        = "query-event"
)

// Bundle type codes.
const (
	BundleTypeSearchset                = "searchset"
	BundleTypeHistory                  = "history"
	BundleTypeSubscriptionNotification = "subscription-notification"
)

// Resource type names referenced by the subscription machinery.
const (
	ResourceTypeBundle             = "Bundle"
	ResourceTypeSubscription       = "Subscription"
	ResourceTypeSubscriptionStatus = "SubscriptionStatus"
	ResourceTypeSubscriptionTopic  = "SubscriptionTopic"
)

// MIME type used for all FHIR payloads exchanged by this module.
const ContentTypeFHIRJSON = "application/fhir+json"
