package ingest

import (
	"net/url"
	"sort"
	"strings"
)

// Fixed deny-list of tracking and cache-busting query parameters. Parameters
// with an utm_ prefix are stripped as a family.
var trackingQueryKeys = map[string]struct{}{
	"fbclid":   {},
	"gclid":    {},
	"igshid":   {},
	"mc_cid":   {},
	"mc_eid":   {},
	"ref":      {},
	"ref_src":  {},
	"cmpid":    {},
	"ncid":     {},
	"cb":       {},
	"_cb":      {},
	"cachebust": {},
}

// NormalizeURL canonicalizes a raw URL: lowercased scheme/host, default ports
// dropped, fragment removed, tracking parameters stripped, and remaining query
// parameters sorted by key then value. The result is a fixpoint:
// NormalizeURL(NormalizeURL(u)) == NormalizeURL(u). Invalid or schemeless
// input yields an empty canonical URL.
func NormalizeURL(raw string) (canonical string, host string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ""
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", ""
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", ""
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Hostname())
	if port := parsed.Port(); port != "" {
		defaultPort := (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443")
		if !defaultPort {
			parsed.Host = parsed.Host + ":" + port
		}
	}

	parsed.Fragment = ""
	// Work on the decoded path and let String() apply the standard escaping,
	// so percent-encoded input settles on one stable form.
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = "/"
	}
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if strings.HasSuffix(path, "/") && path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	parsed.Path = path
	parsed.RawPath = ""

	q := parsed.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") {
			q.Del(key)
			continue
		}
		if _, ok := trackingQueryKeys[lower]; ok {
			q.Del(key)
		}
	}
	if len(q) > 0 {
		keys := make([]string, 0, len(q))
		for key := range q {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		reordered := url.Values{}
		for _, key := range keys {
			values := q[key]
			sort.Strings(values)
			for _, value := range values {
				reordered.Add(key, value)
			}
		}
		parsed.RawQuery = reordered.Encode()
	} else {
		parsed.RawQuery = ""
	}

	return parsed.String(), parsed.Hostname()
}
