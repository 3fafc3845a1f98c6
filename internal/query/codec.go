package query

import (
	"net/url"
	"strings"
)

// Decode reads the recognized facets from a parsed query string. When a key
// is repeated the last value wins; empty values leave the facet unset.
// Unknown keys are ignored.
func Decode(values url.Values) Criteria {
	var c Criteria
	for i, name := range facetNames {
		vs := values[name]
		if len(vs) == 0 {
			continue
		}
		c.values[i] = vs[len(vs)-1]
	}
	return c
}

// DecodeString parses a raw query string, with or without the leading '?'.
// Malformed pairs are skipped.
func DecodeString(raw string) Criteria {
	raw = strings.TrimPrefix(raw, "?")
	// ParseQuery keeps every pair it could parse even when it returns an error.
	values, _ := url.ParseQuery(raw)
	return Decode(values)
}

// Encode renders c as a query string without the leading '?'. Pairs appear in
// facet order and unset facets are omitted, so equal criteria always encode
// to identical strings.
func Encode(c Criteria) string {
	var b strings.Builder
	for i, v := range c.values {
		if v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(facetNames[i]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v))
	}
	return b.String()
}
