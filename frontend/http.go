package frontend

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	"github.com/relaymesh/relayd"
)

func init() {
	relayd.RegisterFrontendKind(relayd.ModeHTTP, newHTTPFrontend)
}

// requestHeadersToDrop are the hop-by-hop and proxy-identifying headers
// stripped from the outbound request (spec.md §4.6 "Request forwarding"),
// grounded on caddyhttp/proxy/reverseproxy.go's hopHeaders list, extended
// with the extra entries the spec calls out by name, plus Cookie, which
// forward rebuilds from the parsed cookie jar (reassembleCookies).
var requestHeadersToDrop = []string{
	"Host", "Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding",
	"Upgrade", "Content-Length", "Te", "Trailer", "Proxy-Authorization",
	"Proxy-Authenticate", "Accept-Encoding", "Cookie",
}

// responseHeadersToDrop are stripped from the upstream response before it
// is written back to the client (spec.md §4.6 "Response rewriting").
var responseHeadersToDrop = []string{
	"Connection", "Keep-Alive", "Transfer-Encoding", "Content-Encoding", "Content-Length",
}

// rewritableContentTypes are the body content types eligible for the
// upstream-URL textual rewrite pass (spec.md §4.6).
var rewritableContentTypes = []string{"text/html", "application/javascript", "text/javascript"}

// httpFrontend is a byte-faithful HTTP/1.1 reverse proxy with Host-based
// routing (spec.md §4.6, C6). Grounded on caddyhttp/proxy/reverseproxy.go
// and proxy.go's Director/header-copy pattern (DESIGN.md), rebuilt as a
// plain http.Handler since the spec's forwarding rules are considerably
// narrower than a general-purpose ReverseProxy.
type httpFrontend struct {
	name   string
	spec   relayd.FrontendSpec
	fctx   relayd.FrontendContext
	ln     net.Listener
	srv    *http.Server
	active activeCounter
	stats  frontendStats
}

func newHTTPFrontend(spec relayd.FrontendSpec, fctx relayd.FrontendContext) (relayd.Frontend, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", spec.BindHost, spec.BindPort))
	if err != nil {
		return nil, &relayd.Error{Kind: relayd.BindFailed, Frontend: spec.Name, Err: err}
	}
	if spec.TerminateTLS {
		cert, err := fctx.Certs.ServerTLSMaterial(spec.BindHost, tlsSANs(spec.BindHost))
		if err != nil {
			ln.Close()
			return nil, &relayd.Error{Kind: relayd.TLSHandshakeFailed, Frontend: spec.Name, Err: err}
		}
		ln = tls.NewListener(ln, &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		})
	}

	f := &httpFrontend{name: spec.Name, spec: spec, fctx: fctx, ln: ln}
	f.stats.init(spec.Name, relayd.ModeHTTP)
	f.srv = &http.Server{Handler: f}
	return f, nil
}

func (f *httpFrontend) Name() string { return f.name }

func (f *httpFrontend) ActiveCount() int64 { return atomic.LoadInt64(&f.active.n) }

func (f *httpFrontend) Stats() relayd.FrontendStats { return f.stats.snapshot(f.ActiveCount()) }

func (f *httpFrontend) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		f.srv.Close()
	}()
	if err := f.srv.Serve(f.ln); err != nil && err != http.ErrServerClosed {
		f.fctx.Log.Debug("http serve stopped", zap.Error(err))
	}
}

// ServeHTTP implements the full admit -> route -> forward -> rewrite
// pipeline for a single request (spec.md §4.6).
func (f *httpFrontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	clientScheme := "http"
	if r.TLS != nil {
		clientScheme = "https"
	}
	clientHost := hostOnly(r.Host)

	rec := relayd.RequestRecord{
		ID: relayd.NewRecordID(), Start: start, Peer: r.RemoteAddr,
		Method: r.Method, Domain: clientHost,
	}
	defer func() {
		rec.Duration = time.Since(start)
		f.stats.recordRequest(rec)
	}()

	if !f.fctx.IPFilter.Allow(f.name, clientAddr(r.RemoteAddr)) {
		rec.Outcome, rec.StatusCode = "ip_denied", http.StatusForbidden
		w.WriteHeader(http.StatusForbidden)
		return
	}

	ticket, err := f.fctx.Gate.Admit(f.name, true)
	if err != nil {
		rec.Outcome = admissionOutcome(err)
		rec.StatusCode = admissionStatus(err)
		w.WriteHeader(rec.StatusCode)
		return
	}
	atomic.AddInt64(&f.active.n, 1)
	defer func() {
		atomic.AddInt64(&f.active.n, -1)
		f.fctx.Gate.Release(f.name, ticket)
	}()

	decision, ok, err := f.fctx.ResolveRoute(clientHost)
	if err != nil || !ok {
		rec.Outcome, rec.StatusCode = "no_backend", http.StatusBadGateway
		http.Error(w, "No backend configured", http.StatusBadGateway)
		return
	}

	bytesIn, bytesOut, status, outcome := f.forward(w, r, decision, clientScheme, clientHost)
	rec.BytesIn, rec.BytesOut, rec.StatusCode, rec.Outcome = bytesIn, bytesOut, status, outcome
}

func admissionStatus(err error) int {
	if e, ok := err.(*relayd.Error); ok {
		switch e.Kind {
		case relayd.OverCapacity:
			return http.StatusServiceUnavailable
		case relayd.RateLimited:
			return http.StatusTooManyRequests
		}
	}
	return http.StatusServiceUnavailable
}

// forward builds the outbound request, performs the upstream round trip,
// and rewrites the response per spec.md §4.6. It returns byte counts,
// status code, and an outcome tag for the request ring.
func (f *httpFrontend) forward(w http.ResponseWriter, r *http.Request, decision relayd.RoutingDecision, clientScheme, clientHost string) (int64, int64, int, string) {
	scheme := "http"
	if decision.UpstreamTLS {
		scheme = "https"
	}
	upstreamAuthority := authorityFor(decision.UpstreamHost, decision.UpstreamPort, scheme)

	outURL := &url.URL{Scheme: scheme, Host: upstreamAuthority, Path: r.URL.Path, RawQuery: r.URL.RawQuery}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed reading request body", http.StatusBadGateway)
		return 0, 0, http.StatusBadGateway, "error"
	}

	outreq, err := http.NewRequest(r.Method, outURL.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		http.Error(w, "failed constructing upstream request", http.StatusBadGateway)
		return int64(len(bodyBytes)), 0, http.StatusBadGateway, "error"
	}
	copyRequestHeaders(outreq.Header, r.Header)
	outreq.Host = upstreamAuthority
	outreq.Header.Set("Connection", "close")
	outreq.Header.Set("Accept-Encoding", "identity")
	if cookie := reassembleCookies(r); cookie != "" {
		outreq.Header.Set("Cookie", cookie)
	}

	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout: tlsHandshakeTimeout,
	}
	client := &http.Client{
		Timeout:       upstreamDialTimeout,
		Transport:     transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse },
	}

	resp, err := client.Do(outreq)
	if err != nil {
		f.fctx.Log.Error("upstream request failed", err, zap.String("frontend", f.name))
		f.stats.setLastError(err.Error())
		http.Error(w, fmt.Sprintf("upstream unreachable: %v", err), http.StatusBadGateway)
		return int64(len(bodyBytes)), 0, http.StatusBadGateway, "upstream_unreachable"
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "failed reading upstream response", http.StatusBadGateway)
		return int64(len(bodyBytes)), 0, http.StatusBadGateway, "upstream_protocol_error"
	}

	rewriteResponseHeaders(resp.Header, decision, upstreamAuthority, clientScheme, clientHost, r.TLS != nil)
	if rewritableBody(resp.Header.Get("Content-Type")) {
		respBody = rewriteBody(respBody, decision, scheme, clientScheme, clientHost)
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(respBody)))
	w.WriteHeader(resp.StatusCode)
	n, _ := w.Write(respBody)

	return int64(len(bodyBytes)), int64(n), resp.StatusCode, "closed"
}

// copyRequestHeaders copies src into dst, dropping the hop-by-hop and
// proxy-identifying headers spec.md §4.6 names.
func copyRequestHeaders(dst, src http.Header) {
	for k, vv := range src {
		if headerIn(k, requestHeadersToDrop) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// rewriteResponseHeaders strips hop-by-hop response headers, rewrites
// Location for same-authority redirects, and adjusts Set-Cookie per
// spec.md §4.6.
func rewriteResponseHeaders(h http.Header, decision relayd.RoutingDecision, upstreamAuthority, clientScheme, clientHost string, clientTLS bool) {
	for _, k := range responseHeadersToDrop {
		h.Del(k)
	}
	if loc := h.Get("Location"); loc != "" {
		if u, err := url.Parse(loc); err == nil && u.IsAbs() && strings.EqualFold(u.Host, upstreamAuthority) {
			u.Scheme = clientScheme
			u.Host = clientHost
			h.Set("Location", u.String())
		}
	}
	if cookies, ok := h["Set-Cookie"]; ok {
		rewritten := make([]string, len(cookies))
		for i, c := range cookies {
			rewritten[i] = rewriteSetCookie(c, clientTLS)
		}
		h["Set-Cookie"] = rewritten
	}
}

func rewriteSetCookie(cookie string, clientTLS bool) string {
	parts := strings.Split(cookie, ";")
	out := parts[:0]
	hasSecure := false
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if strings.HasPrefix(strings.ToLower(trimmed), "domain=") {
			continue
		}
		if strings.EqualFold(trimmed, "Secure") {
			hasSecure = true
		}
		out = append(out, p)
	}
	if clientTLS && !hasSecure {
		out = append(out, " Secure")
	}
	return strings.Join(out, ";")
}

// reassembleCookies rebuilds a single Cookie header from the request's
// parsed cookie jar (spec.md §4.6 "Reassemble cookies"). Each value is
// validated with httpguts.ValidHeaderFieldValue before being reassembled,
// so a malformed cookie can't smuggle control characters into the
// upstream Cookie header.
func reassembleCookies(r *http.Request) string {
	cookies := r.Cookies()
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if !httpguts.ValidHeaderFieldValue(c.Value) {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// rewriteBody textually replaces every spelling of the upstream authority
// with the client-facing one, across the four forms spec.md §4.6 lists.
// Decode failures fall through untouched: body is only ever treated as
// UTF-8 text for the replacement pass, never re-encoded.
func rewriteBody(body []byte, decision relayd.RoutingDecision, upstreamScheme, clientScheme, clientHost string) []byte {
	upstreamAuthority := authorityFor(decision.UpstreamHost, decision.UpstreamPort, upstreamScheme)
	replacements := [][2]string{
		{upstreamScheme + "://" + upstreamAuthority, clientScheme + "://" + clientHost},
		{"http://" + upstreamAuthority, clientScheme + "://" + clientHost},
		{"https://" + upstreamAuthority, clientScheme + "://" + clientHost},
		{"//" + upstreamAuthority, "//" + clientHost},
	}
	out := body
	for _, rp := range replacements {
		out = bytes.ReplaceAll(out, []byte(rp[0]), []byte(rp[1]))
	}
	return out
}

func rewritableBody(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, rt := range rewritableContentTypes {
		if strings.HasPrefix(ct, rt) {
			return true
		}
	}
	return false
}

// authorityFor formats host[:port], omitting the port when it is the
// scheme's default (spec.md §4.6 "Set Host to ... when upstream port is
// default for its scheme").
func authorityFor(host string, port int, scheme string) string {
	defaultPort := 80
	if scheme == "https" {
		defaultPort = 443
	}
	if port == defaultPort {
		return host
	}
	return host + ":" + strconv.Itoa(port)
}

func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

func clientAddr(remoteAddr string) net.Addr {
	host, port, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return &net.TCPAddr{IP: net.ParseIP(remoteAddr)}
	}
	p, _ := strconv.Atoi(port)
	return &net.TCPAddr{IP: net.ParseIP(host), Port: p}
}

func headerIn(key string, list []string) bool {
	for _, k := range list {
		if strings.EqualFold(key, k) {
			return true
		}
	}
	return false
}
