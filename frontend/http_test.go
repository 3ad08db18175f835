package frontend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd"
)

func TestAuthorityForOmitsDefaultPort(t *testing.T) {
	require.Equal(t, "example.test", authorityFor("example.test", 80, "http"))
	require.Equal(t, "example.test", authorityFor("example.test", 443, "https"))
	require.Equal(t, "example.test:8080", authorityFor("example.test", 8080, "http"))
}

func TestRewriteSetCookieDropsDomainAddsSecure(t *testing.T) {
	out := rewriteSetCookie("sid=abc; Domain=upstream.internal; Path=/", true)
	require.NotContains(t, out, "Domain=")
	require.Contains(t, out, "Secure")
}

func TestRewriteSetCookieKeepsExistingSecure(t *testing.T) {
	out := rewriteSetCookie("sid=abc; Secure", true)
	require.Equal(t, 1, countOccurrences(out, "Secure"))
}

func countOccurrences(s, sub string) int {
	n := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
		}
	}
	return n
}

func TestRewriteBodyReplacesAllForms(t *testing.T) {
	decision := relayd.RoutingDecision{UpstreamHost: "backend.internal", UpstreamPort: 8080}
	body := []byte(`<a href="http://backend.internal:8080/x">http</a> <a href="//backend.internal:8080/y">rel</a>`)
	out := rewriteBody(body, decision, "http", "https", "proxy.example.com")
	require.NotContains(t, string(out), "backend.internal:8080")
	require.Contains(t, string(out), "proxy.example.com")
}

func TestHeaderInIsCaseInsensitive(t *testing.T) {
	require.True(t, headerIn("content-length", requestHeadersToDrop))
	require.True(t, headerIn("CONNECTION", requestHeadersToDrop))
	require.False(t, headerIn("X-Custom", requestHeadersToDrop))
}

func TestRewritableBodyMatchesContentTypePrefix(t *testing.T) {
	require.True(t, rewritableBody("text/html; charset=utf-8"))
	require.True(t, rewritableBody("application/javascript"))
	require.False(t, rewritableBody("image/png"))
}
