package ingest

import "testing"

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		raw      string
		expected string
		host     string
	}{
		{
			name:     "strips utm family and sorts params",
			raw:      "https://Example.com/article?utm_source=tw&b=2&a=1&utm_campaign=x",
			expected: "https://example.com/article?a=1&b=2",
			host:     "example.com",
		},
		{
			name:     "strips fbclid and fragment",
			raw:      "https://news.site/post?fbclid=abc123#comments",
			expected: "https://news.site/post",
			host:     "news.site",
		},
		{
			name:     "drops default https port",
			raw:      "https://example.com:443/a",
			expected: "https://example.com/a",
			host:     "example.com",
		},
		{
			name:     "keeps non-default port",
			raw:      "http://example.com:8080/a",
			expected: "http://example.com:8080/a",
			host:     "example.com",
		},
		{
			name:     "trailing slash removed",
			raw:      "https://example.com/section/",
			expected: "https://example.com/section",
			host:     "example.com",
		},
		{
			name:     "bare host gets root path",
			raw:      "https://example.com",
			expected: "https://example.com/",
			host:     "example.com",
		},
		{
			name:     "percent-encoded path survives unchanged",
			raw:      "https://example.com/a%20b/c",
			expected: "https://example.com/a%20b/c",
			host:     "example.com",
		},
		{
			name:     "repeated slashes collapse fully",
			raw:      "https://example.com/a///b",
			expected: "https://example.com/a/b",
			host:     "example.com",
		},
		{
			name:     "schemeless input rejected",
			raw:      "example.com/a",
			expected: "",
			host:     "",
		},
		{
			name:     "empty input rejected",
			raw:      "   ",
			expected: "",
			host:     "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			canonical, host := NormalizeURL(tc.raw)
			if canonical != tc.expected {
				t.Fatalf("canonical = %q, want %q", canonical, tc.expected)
			}
			if host != tc.host {
				t.Fatalf("host = %q, want %q", host, tc.host)
			}
		})
	}
}

func TestNormalizeURLIsFixpoint(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"https://Example.com/Article?utm_medium=feed&z=9&a=1",
		"http://example.com:80/path/?gclid=x",
		"https://example.com/a?ref=homepage&q=go",
		"https://example.com/a%20b/c",
		"https://example.com/café/menu",
		"https://example.com/a///b//",
	}
	for _, raw := range inputs {
		once, _ := NormalizeURL(raw)
		twice, _ := NormalizeURL(once)
		if once != twice {
			t.Fatalf("normalize not idempotent: %q -> %q -> %q", raw, once, twice)
		}
	}
}
