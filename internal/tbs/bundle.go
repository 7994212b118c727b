package tbs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/beda-software/fhir-tbs/pkg/fhirmodels"
)

// DecodeNotificationBundle parses a raw notification bundle into normalized
// events. The R4B backport and R5 native notification bundles share this
// shape: the first entry is a SubscriptionStatus resource carrying the
// notification events, subsequent entries are the referenced resources the
// server chose to inline.
//
// Every reference in the bundle is normalized to its relative form before
// extraction. Each event's IncludedResources holds the inlined resources for
// its additional-context references followed by its focus reference,
// de-duplicated, in that order. Events without a focus reference are
// skipped.
func DecodeNotificationBundle(body []byte) ([]SubscriptionEvent, error) {
	var bundle map[string]interface{}
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, NewProtocolError("notification body is not valid JSON: %v", err)
	}

	NormalizeReferences(bundle)

	entries, _ := bundle["entry"].([]interface{})
	if len(entries) == 0 {
		return nil, NewProtocolError("notification bundle has no entries")
	}

	status := entryResource(entries[0])
	if status == nil {
		return nil, NewProtocolError("notification bundle is missing its status entry")
	}
	if rt, _ := status["resourceType"].(string); rt != fhirmodels.ResourceTypeSubscriptionStatus {
		return nil, NewProtocolError("first bundle entry must be a %s, got %q", fhirmodels.ResourceTypeSubscriptionStatus, rt)
	}

	// Inlined resources keyed by relative reference; the last entry with a
	// given key wins.
	included := make(map[string]map[string]interface{})
	for _, entry := range entries[1:] {
		resource := entryResource(entry)
		if resource == nil {
			continue
		}
		rt, _ := resource["resourceType"].(string)
		id, _ := resource["id"].(string)
		if rt == "" || id == "" {
			continue
		}
		included[rt+"/"+id] = resource
	}

	notificationEvents, _ := status["notificationEvent"].([]interface{})
	events := make([]SubscriptionEvent, 0, len(notificationEvents))

	for _, raw := range notificationEvents {
		event, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		focus := referenceOf(event["focus"])
		if focus == "" {
			continue
		}

		refs := make([]string, 0, 4)
		if contexts, ok := event["additionalContext"].([]interface{}); ok {
			for _, ctx := range contexts {
				if ref := referenceOf(ctx); ref != "" {
					refs = append(refs, ref)
				}
			}
		}
		refs = append(refs, focus)

		var resources []map[string]interface{}
		seen := make(map[string]bool, len(refs))
		for _, ref := range refs {
			if seen[ref] {
				continue
			}
			seen[ref] = true
			if resource, ok := included[ref]; ok {
				resources = append(resources, resource)
			}
		}

		number, err := eventNumber(event["eventNumber"])
		if err != nil {
			return nil, err
		}

		events = append(events, SubscriptionEvent{
			Reference:         focus,
			IncludedResources: resources,
			EventNumber:       number,
			Timestamp:         eventTimestamp(event["timestamp"]),
		})
	}

	return events, nil
}

// SubscriptionFromSearchBundle extracts the first subscription resource from
// a searchset bundle. Returns nil when the bundle has no matches.
func SubscriptionFromSearchBundle(raw json.RawMessage) (*RemoteSubscription, error) {
	var bundle struct {
		Entry []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("decode search bundle: %w", err)
	}

	for _, entry := range bundle.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var meta struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(entry.Resource, &meta); err != nil {
			return nil, fmt.Errorf("decode search bundle entry: %w", err)
		}
		return &RemoteSubscription{ID: meta.ID, Payload: entry.Resource}, nil
	}
	return nil, nil
}

func entryResource(entry interface{}) map[string]interface{} {
	m, ok := entry.(map[string]interface{})
	if !ok {
		return nil
	}
	resource, _ := m["resource"].(map[string]interface{})
	return resource
}

func referenceOf(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	ref, _ := m["reference"].(string)
	return ref
}

// eventNumber tolerates both wire encodings of the FHIR integer64 sequence
// number: a JSON string (R5, and most R4B servers) and a plain number.
func eventNumber(v interface{}) (int64, error) {
	switch n := v.(type) {
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, NewProtocolError("invalid event number %q", n)
		}
		return parsed, nil
	case float64:
		return int64(n), nil
	case nil:
		return 0, nil
	default:
		return 0, NewProtocolError("invalid event number of type %T", v)
	}
}

func eventTimestamp(v interface{}) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &ts
}
