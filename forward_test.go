package gatex

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func testTarget(t *testing.T, upstreamURL, path string, timeout time.Duration) Target {
	t.Helper()

	u, err := url.Parse(upstreamURL)
	if err != nil {
		t.Fatalf("Failed to parse upstream URL: %v", err)
	}
	return Target{
		Upstream: u,
		Path:     path,
		Rule: &Rule{
			Host:        "host-a",
			Prefix:      "/app1/",
			Upstream:    u.Host,
			HTTPVersion: HTTPVersion11,
			Timeout:     timeout,
			upstream:    u,
		},
	}
}

func TestForward(t *testing.T) {
	var gotPath, gotQuery, gotHost, gotProto string
	gotHeaders := make(http.Header)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHost = r.Host
		gotProto = r.Proto
		for k, v := range r.Header {
			gotHeaders[k] = v
		}
		w.Header().Set("X-Backend", "app1")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("hello from backend"))
	}))
	defer backend.Close()

	f := NewForwarder(ProxyConfig{}, &testLogger{})

	req := httptest.NewRequest("GET", "http://host-a/app1/orders?page=2", nil)
	rr := httptest.NewRecorder()
	f.Forward(rr, req, testTarget(t, backend.URL, "/orders", 0))

	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Backend") != "app1" {
		t.Errorf("Expected backend response header to pass through, got %q", rr.Header().Get("X-Backend"))
	}
	if rr.Body.String() != "hello from backend" {
		t.Errorf("Unexpected body: %q", rr.Body.String())
	}

	if gotPath != "/orders" {
		t.Errorf("Expected rewritten path /orders, got %q", gotPath)
	}
	if gotQuery != "page=2" {
		t.Errorf("Expected query to pass through, got %q", gotQuery)
	}
	backendHost := strings.TrimPrefix(backend.URL, "http://")
	if gotHost != backendHost {
		t.Errorf("Expected Host %q, got %q", backendHost, gotHost)
	}
	if gotProto != "HTTP/1.1" {
		t.Errorf("Expected upstream to observe HTTP/1.1, got %q", gotProto)
	}

	// httptest.NewRequest uses 192.0.2.1:1234 as the remote address.
	if got := gotHeaders.Get("X-Real-IP"); got != "192.0.2.1" {
		t.Errorf("Expected X-Real-IP 192.0.2.1, got %q", got)
	}
	if got := gotHeaders.Get("X-Forwarded-For"); got != "192.0.2.1" {
		t.Errorf("Expected X-Forwarded-For 192.0.2.1, got %q", got)
	}
	if got := gotHeaders.Get("X-Forwarded-Host"); got != "host-a" {
		t.Errorf("Expected X-Forwarded-Host host-a, got %q", got)
	}
	if got := gotHeaders.Get("X-Forwarded-Proto"); got != "http" {
		t.Errorf("Expected X-Forwarded-Proto http, got %q", got)
	}
	if got := gotHeaders.Get("Forwarded"); !strings.Contains(got, "for=192.0.2.1") {
		t.Errorf("Expected Forwarded header with client address, got %q", got)
	}
}

func TestForwardHTTP2CleartextUpstream(t *testing.T) {
	var gotProto, gotPath string
	backend := httptest.NewServer(h2c.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProto = r.Proto
		gotPath = r.URL.Path
		w.Write([]byte("h2c response"))
	}), &http2.Server{}))
	defer backend.Close()

	f := NewForwarder(ProxyConfig{}, &testLogger{})

	target := testTarget(t, backend.URL, "/orders", 0)
	target.Rule.HTTPVersion = HTTPVersion2

	req := httptest.NewRequest("GET", "http://host-a/app1/orders", nil)
	rr := httptest.NewRecorder()
	f.Forward(rr, req, target)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "h2c response" {
		t.Errorf("Unexpected body: %q", rr.Body.String())
	}
	// A cleartext upstream cannot negotiate h2 through ALPN, so the
	// version knob must produce a real h2c connection, not a silent
	// HTTP/1.1 fallback.
	if gotProto != "HTTP/2.0" {
		t.Errorf("Expected upstream to observe HTTP/2.0, got %q", gotProto)
	}
	if gotPath != "/orders" {
		t.Errorf("Expected rewritten path /orders, got %q", gotPath)
	}
}

func TestForwardJoinsUpstreamPath(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer backend.Close()

	f := NewForwarder(ProxyConfig{}, &testLogger{})

	req := httptest.NewRequest("GET", "http://host-a/app1/orders", nil)
	rr := httptest.NewRecorder()
	f.Forward(rr, req, testTarget(t, backend.URL+"/base/", "/orders", 0))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if gotPath != "/base/orders" {
		t.Errorf("Expected joined path /base/orders, got %q", gotPath)
	}
}

func TestForwardConnectFailed(t *testing.T) {
	// Grab a port that is guaranteed to have nothing listening on it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	logger := &testLogger{}
	f := NewForwarder(ProxyConfig{ConnectTimeout: time.Second}, logger)

	req := httptest.NewRequest("GET", "http://host-a/app1/orders", nil)
	rr := httptest.NewRecorder()

	start := time.Now()
	f.Forward(rr, req, testTarget(t, "http://"+addr, "/orders", 0))
	elapsed := time.Since(start)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Expected status 502, got %d", rr.Code)
	}
	// A refused connection must fail immediately, never hang.
	if elapsed > 3*time.Second {
		t.Errorf("Expected fast connect failure, took %v", elapsed)
	}
	if !logger.contains("upstream request failed") {
		t.Error("Expected an error log entry for the failed upstream")
	}
}

func TestForwardRuleTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()

	f := NewForwarder(ProxyConfig{}, &testLogger{})

	req := httptest.NewRequest("GET", "http://host-a/app1/slow", nil)
	rr := httptest.NewRecorder()
	f.Forward(rr, req, testTarget(t, backend.URL, "/slow", 100*time.Millisecond))

	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("Expected status 504, got %d", rr.Code)
	}
}

type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string   { return "i/o timeout" }
func (fakeTimeoutError) Timeout() bool   { return true }
func (fakeTimeoutError) Temporary() bool { return true }

func TestClassifyUpstreamError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{
			name:       "Canceled",
			err:        context.Canceled,
			wantStatus: 0,
			wantKind:   errKindCanceled,
		},
		{
			name:       "DeadlineExceeded",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantKind:   errKindTimeout,
		},
		{
			name:       "NetTimeout",
			err:        fakeTimeoutError{},
			wantStatus: http.StatusGatewayTimeout,
			wantKind:   errKindTimeout,
		},
		{
			name:       "DialRefused",
			err:        &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
			wantStatus: http.StatusBadGateway,
			wantKind:   errKindConnect,
		},
		{
			name:       "OtherUpstreamError",
			err:        io.ErrUnexpectedEOF,
			wantStatus: http.StatusBadGateway,
			wantKind:   errKindUpstream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, kind := classifyUpstreamError(tt.err)
			if status != tt.wantStatus || kind != tt.wantKind {
				t.Errorf("classifyUpstreamError(%v) = (%d, %q), want (%d, %q)",
					tt.err, status, kind, tt.wantStatus, tt.wantKind)
			}
		})
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"/base/", "/orders", "/base/orders"},
		{"/base", "/orders", "/base/orders"},
		{"/base/", "orders", "/base/orders"},
		{"/base", "orders", "/base/orders"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		realIP     string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{name: "XRealIP", realIP: "10.1.1.1", remoteAddr: "192.0.2.1:1234", want: "10.1.1.1"},
		{name: "XForwardedForFirst", forwarded: "10.2.2.2, 10.3.3.3", remoteAddr: "192.0.2.1:1234", want: "10.2.2.2"},
		{name: "RemoteAddr", remoteAddr: "192.0.2.7:5555", want: "192.0.2.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "http://host-a/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("Expected client IP %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRequestHost(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{host: "host-a", want: "host-a"},
		{host: "host-a:8080", want: "host-a"},
		{host: "127.0.0.1:8080", want: "127.0.0.1"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "http://example/", nil)
		r.Host = tt.host
		if got := requestHost(r); got != tt.want {
			t.Errorf("requestHost(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}
