package policy

import (
	"net/url"
	"strings"
)

// ExtractParameters pulls the function's parameters out of the query in call order.
// If any required field is absent or empty the result is empty.
func ExtractParameters(f Function, query url.Values) []string {
	names := f.ParamNames()
	if len(names) == 0 {
		return nil
	}

	params := make([]string, 0, len(names))
	for _, name := range names {
		v := strings.TrimSpace(query.Get(name))
		if v == "" {
			return nil
		}
		params = append(params, v)
	}
	return params
}

var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// BuildKey derives the cache key "chain:contract:function[:p1:p2...]".
// Parameter order is significant. Separators inside components are escaped so
// distinct inputs never produce the same key.
func BuildKey(chainID, contract string, f Function, params []string) string {
	var sb strings.Builder
	sb.WriteString(keyEscaper.Replace(chainID))
	sb.WriteByte(':')
	sb.WriteString(keyEscaper.Replace(NormalizeAddress(contract)))
	sb.WriteByte(':')
	sb.WriteString(f.String())
	for _, p := range params {
		sb.WriteByte(':')
		sb.WriteString(keyEscaper.Replace(p))
	}
	return sb.String()
}

// NormalizeAddress lower-cases an address for storage and comparisons.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
