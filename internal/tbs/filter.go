package tbs

import (
	"net/url"
	"strings"
)

// BuildFilterCriteria encodes an ordered filter list into the search-style
// criteria string embedded in a subscription resource, of the form
// <ResourceType>?<param>[:<modifier>]=[<comparator>]<value>&...
//
// Parameters keep their construction order; a repeated parameter name keeps
// its original position but takes the last value. All filters must target a
// single resource type and at least one filter is required; violations are
// configuration errors.
func BuildFilterCriteria(filters []FilterBy) (string, error) {
	if len(filters) == 0 {
		return "", NewConfigError("at least one filter is required")
	}

	resourceType := ""
	order := make([]string, 0, len(filters))
	values := make(map[string]string, len(filters))

	for _, f := range filters {
		if resourceType == "" {
			resourceType = f.ResourceType
		} else if f.ResourceType != resourceType {
			return "", NewConfigError("filters must target a single resource type, got %q and %q", resourceType, f.ResourceType)
		}

		name := f.FilterParameter
		if f.Modifier != "" {
			name = f.FilterParameter + ":" + f.Modifier
		}
		value := f.Value
		if f.Comparator != "" {
			value = f.Comparator + f.Value
		}

		if _, seen := values[name]; !seen {
			order = append(order, name)
		}
		values[name] = value
	}

	if resourceType == "" {
		return "", NewConfigError("filters must name a resource type")
	}

	var query strings.Builder
	for i, name := range order {
		if i > 0 {
			query.WriteByte('&')
		}
		query.WriteString(name)
		query.WriteByte('=')
		query.WriteString(url.QueryEscape(values[name]))
	}

	return resourceType + "?" + query.String(), nil
}
