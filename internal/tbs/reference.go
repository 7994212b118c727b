package tbs

import "strings"

// RelativeReference normalizes a resource reference to its canonical
// relative form (Type/id), stripping any URL prefix and trailing
// /_history/<version> segment. Opaque references without a slash (such as
// urn:uuid values) are returned unchanged. The transform is idempotent.
func RelativeReference(reference string) string {
	if !strings.Contains(reference, "/") {
		return reference
	}

	parts := strings.Split(reference, "/")
	if len(parts) >= 4 && parts[len(parts)-2] == "_history" {
		return strings.Join(parts[len(parts)-4:len(parts)-2], "/")
	}
	return strings.Join(parts[len(parts)-2:], "/")
}

// NormalizeReferences walks an arbitrary decoded JSON document and rewrites
// every "reference" string field in place via RelativeReference, so handlers
// never see absolute or history-qualified references.
func NormalizeReferences(doc interface{}) {
	switch v := doc.(type) {
	case map[string]interface{}:
		for key, value := range v {
			if key == "reference" {
				if ref, ok := value.(string); ok {
					v[key] = RelativeReference(ref)
					continue
				}
			}
			NormalizeReferences(value)
		}
	case []interface{}:
		for _, item := range v {
			NormalizeReferences(item)
		}
	}
}
