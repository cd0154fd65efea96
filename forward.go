package gatex

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"github.com/maxbolgarin/lang"
	"golang.org/x/net/http2"
)

// Supported upstream protocol versions. Upstreams behind keep-alive or
// chunked transfer break on HTTP/1.0 semantics, so 1.1 is the default.
const (
	HTTPVersion11 = "1.1"
	HTTPVersion2  = "2"
)

// Upstream error kinds used in logs and metrics.
const (
	errKindConnect  = "connect_failed"
	errKindTimeout  = "timeout"
	errKindCanceled = "canceled"
	errKindUpstream = "upstream"
)

const (
	defaultConnectTimeout        = 10 * time.Second
	defaultResponseHeaderTimeout = 30 * time.Second
	defaultIdleConnTimeout       = 90 * time.Second
	defaultMaxIdleConns          = 100
	defaultMaxIdleConnsPerHost   = 32
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const forwardMetaKey = contextKey("forward_meta")

// forwardMeta carries the routing decision from the handler into the
// shared reverse proxy callbacks.
type forwardMeta struct {
	target    Target
	startTime time.Time
	host      string
	scheme    string
	clientIP  string
}

// Forwarder streams requests to upstreams over a shared pooled
// transport. It owns one cached [httputil.ReverseProxy] per upstream
// and protocol version, all of them safe for concurrent use.
type Forwarder struct {
	h1      *http.Transport
	h2      *http.Transport
	h2c     *http2.Transport
	proxies sync.Map // "version|scheme://host" -> *httputil.ReverseProxy
	logger  Logger
}

// NewForwarder creates a forwarder with transports tuned from cfg,
// falling back to conservative defaults for unset values.
func NewForwarder(cfg ProxyConfig, logger Logger) *Forwarder {
	dialer := &net.Dialer{
		Timeout:   lang.Check(cfg.ConnectTimeout, defaultConnectTimeout),
		KeepAlive: 30 * time.Second,
	}

	base := http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          lang.Check(cfg.MaxIdleConns, defaultMaxIdleConns),
		MaxIdleConnsPerHost:   lang.Check(cfg.MaxIdleConnsPerHost, defaultMaxIdleConnsPerHost),
		IdleConnTimeout:       lang.Check(cfg.IdleConnTimeout, defaultIdleConnTimeout),
		ResponseHeaderTimeout: lang.Check(cfg.ResponseHeaderTimeout, defaultResponseHeaderTimeout),
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true, // proxy as-is, never decompress
	}

	h1 := base.Clone()
	h1.ForceAttemptHTTP2 = false
	// An empty TLSNextProto map disables the HTTP/2 upgrade entirely,
	// keeping upstream traffic on 1.1 keep-alive semantics.
	h1.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}

	h2 := base.Clone()
	h2.ForceAttemptHTTP2 = true

	// ForceAttemptHTTP2 only negotiates h2 through TLS ALPN, so cleartext
	// upstreams need h2c: an HTTP/2 transport that allows plain "http"
	// URLs and dials raw TCP where a TLS dial is expected.
	h2c := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		IdleConnTimeout: lang.Check(cfg.IdleConnTimeout, defaultIdleConnTimeout),
	}

	return &Forwarder{
		h1:     h1,
		h2:     h2,
		h2c:    h2c,
		logger: logger,
	}
}

// Forward streams the request to the routed upstream and the response
// back to the client. The inbound request context cancels the upstream
// call, so a client disconnect never leaves orphaned upstream work.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target Target) {
	meta := forwardMeta{
		target:    target,
		startTime: time.Now(),
		host:      r.Host,
		scheme:    schemeOf(r),
		clientIP:  clientIP(r),
	}
	r = r.WithContext(context.WithValue(r.Context(), forwardMetaKey, meta))

	if target.Rule.Timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), target.Rule.Timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	f.proxyFor(target).ServeHTTP(w, r)
}

// proxyFor returns the cached reverse proxy for the target's upstream
// and protocol version, creating it on first use.
func (f *Forwarder) proxyFor(target Target) *httputil.ReverseProxy {
	key := target.Rule.HTTPVersion + "|" + target.Upstream.Scheme + "://" + target.Upstream.Host
	if cached, ok := f.proxies.Load(key); ok {
		return cached.(*httputil.ReverseProxy)
	}

	var transport http.RoundTripper = f.h1
	if target.Rule.HTTPVersion == HTTPVersion2 {
		if target.Upstream.Scheme == "https" {
			transport = f.h2
		} else {
			transport = f.h2c
		}
	}
	proxy := f.newReverseProxy(transport)

	actual, _ := f.proxies.LoadOrStore(key, proxy)
	return actual.(*httputil.ReverseProxy)
}

func (f *Forwarder) newReverseProxy(transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			meta, ok := req.Context().Value(forwardMetaKey).(forwardMeta)
			if !ok {
				return
			}
			upstream := meta.target.Upstream

			req.URL.Scheme = upstream.Scheme
			req.URL.Host = upstream.Host
			req.Host = upstream.Host

			if upstream.Path != "" {
				req.URL.Path = singleJoiningSlash(upstream.Path, meta.target.Path)
			} else {
				req.URL.Path = meta.target.Path
			}
			req.URL.RawPath = ""

			// X-Forwarded-For is appended by httputil.ReverseProxy itself.
			req.Header.Set("X-Real-IP", meta.clientIP)
			req.Header.Set("X-Forwarded-Proto", meta.scheme)
			req.Header.Set("X-Forwarded-Host", meta.host)

			forwarded := fmt.Sprintf("for=%s;host=%s;proto=%s", meta.clientIP, meta.host, meta.scheme)
			if prior, ok := req.Header["Forwarded"]; ok {
				req.Header.Set("Forwarded", strings.Join(prior, ", ")+", "+forwarded)
			} else {
				req.Header.Set("Forwarded", forwarded)
			}
		},
		Transport:     transport,
		FlushInterval: -1, // flush immediately for streaming responses
		ModifyResponse: func(resp *http.Response) error {
			if meta, ok := resp.Request.Context().Value(forwardMetaKey).(forwardMeta); ok {
				observeForward(meta.target.Rule, resp.StatusCode, time.Since(meta.startTime))
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			meta, ok := req.Context().Value(forwardMetaKey).(forwardMeta)
			if !ok {
				http.Error(w, "Bad Gateway", http.StatusBadGateway)
				return
			}

			status, kind := classifyUpstreamError(err)
			observeUpstreamError(meta.target.Rule, kind)

			if kind == errKindCanceled {
				// The client went away, there is nobody to answer.
				f.logger.Debug("client canceled forwarded request",
					"upstream", meta.target.Upstream.Host,
					"path", req.URL.Path,
				)
				return
			}

			f.logger.Error("upstream request failed",
				"upstream", meta.target.Upstream.Host,
				"prefix", meta.target.Rule.Prefix,
				"path", req.URL.Path,
				"kind", kind,
				"error", err,
			)
			observeForward(meta.target.Rule, status, time.Since(meta.startTime))
			http.Error(w, http.StatusText(status), status)
		},
	}
}

// classifyUpstreamError maps transport failures to the client-facing
// status: dial failures to 502, timeouts to 504. A canceled inbound
// request produces no response at all.
func classifyUpstreamError(err error) (status int, kind string) {
	switch {
	case errors.Is(err, context.Canceled):
		return 0, errKindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errKindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, errKindTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return http.StatusBadGateway, errKindConnect
	}

	return http.StatusBadGateway, errKindUpstream
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}

// clientIP extracts the real client IP from the request.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// requestHost strips the port from a Host header value, so routing
// matches "host-a" for both "host-a" and "host-a:8080".
func requestHost(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
