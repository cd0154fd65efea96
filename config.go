package gatex

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the routing document loaded from a YAML file and
// overlaid with environment variables. It describes where to listen,
// the upstream routing rules and the transport tuning knobs.
//
// Example YAML configuration:
//
//	# gatex.yaml
//	listen: ":8080"
//
//	admin:
//	  address: ":9090"
//	  auth_token: "secret-admin-token"
//
//	proxy:
//	  connect_timeout: "10s"
//	  response_header_timeout: "30s"
//
//	servers:
//	  - host: host-a.example.com
//	    locations:
//	      - prefix: /app1/
//	        upstream: app1:80
//	      - prefix: /app2/
//	        upstream: app2:80
//	  - locations: # no host, acts as the default catch-all
//	      - prefix: /api/
//	        upstream: api:8080
//	        http_version: "2"
//	        timeout: "60s"
//
// Example environment variables:
//
//	export GATEX_LISTEN=":8080"
//	export GATEX_ADMIN_ADDRESS=":9090"
//	export GATEX_PROXY_CONNECT_TIMEOUT="5s"
type Config struct {
	// Listen is the address of the data plane HTTP listener.
	Listen string `yaml:"listen" json:"listen" env:"GATEX_LISTEN"`

	// Admin contains the operational endpoints configuration.
	Admin AdminConfig `yaml:"admin" json:"admin"`

	// Proxy contains transport tuning for upstream connections.
	Proxy ProxyConfig `yaml:"proxy" json:"proxy"`

	// ServerNamesHashBucketSize is an operational tuning knob for large
	// host sets. It is recorded but not required for correctness; its
	// absence produces at most a warning, never an error.
	ServerNamesHashBucketSize int `yaml:"server_names_hash_bucket_size" json:"server_names_hash_bucket_size" env:"GATEX_SERVER_NAMES_HASH_BUCKET_SIZE"`

	// Servers defines the virtual host blocks with their location rules.
	Servers []ServerBlock `yaml:"servers" json:"servers"`
}

// AdminConfig represents the admin listener configuration.
type AdminConfig struct {
	// Address is the admin HTTP listener address. Empty disables the admin server.
	Address string `yaml:"address" json:"address" env:"GATEX_ADMIN_ADDRESS"`

	// AuthToken, if set, is required as a Bearer token on all admin endpoints.
	AuthToken string `yaml:"auth_token" json:"auth_token" env:"GATEX_ADMIN_AUTH_TOKEN"`
}

// ProxyConfig represents transport tuning for upstream connections.
type ProxyConfig struct {
	// ConnectTimeout bounds dialing an upstream (default: 10s).
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" env:"GATEX_PROXY_CONNECT_TIMEOUT"`
	// ResponseHeaderTimeout bounds waiting for upstream response headers (default: 30s).
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout" json:"response_header_timeout" env:"GATEX_PROXY_RESPONSE_HEADER_TIMEOUT"`
	// IdleConnTimeout for pooled upstream connections (default: 90s).
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout" json:"idle_conn_timeout" env:"GATEX_PROXY_IDLE_CONN_TIMEOUT"`
	// MaxIdleConns for the shared upstream connection pool (default: 100).
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns" env:"GATEX_PROXY_MAX_IDLE_CONNS"`
	// MaxIdleConnsPerHost for the shared upstream connection pool (default: 32).
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host" json:"max_idle_conns_per_host" env:"GATEX_PROXY_MAX_IDLE_CONNS_PER_HOST"`
}

// ServerBlock groups location rules under an optional exact hostname.
// A block without a host matches any request host (the catch-all).
type ServerBlock struct {
	Host      string     `yaml:"host" json:"host"`
	Locations []Location `yaml:"locations" json:"locations"`
}

// Location maps a path prefix to an upstream.
type Location struct {
	// Prefix is the path prefix to match, must start with '/'.
	Prefix string `yaml:"prefix" json:"prefix"`

	// Upstream is a "host:port" pair or an http(s) URL reachable from
	// the proxy's network. Name resolution is left to the transport.
	Upstream string `yaml:"upstream" json:"upstream"`

	// HTTPVersion is the protocol version used when talking to the
	// upstream: "1.1" (default) or "2". Version "2" uses TLS ALPN for
	// https upstreams and h2c for cleartext http upstreams.
	HTTPVersion string `yaml:"http_version" json:"http_version"`

	// Timeout bounds the whole forwarded request. Zero means no
	// per-rule deadline beyond the transport timeouts.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// ValidationError aggregates every problem found in a document so
// operators can fix all of them in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s", strings.Join(e.Problems, "; "))
}

// LoadConfig loads configuration from a YAML file and then overlays environment variables.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", filename, err)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", filename, err)
	}

	if err := loadEnvToStruct(config); err != nil {
		return nil, fmt.Errorf("overlay environment variables: %w", err)
	}

	return config, nil
}

// ParseConfig parses a YAML routing document. It does not validate it,
// see [Config.Validate].
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the whole document and returns a [*ValidationError]
// listing every failure found, not just the first one. It is pure: no
// state is touched, so a running table is never disturbed by a bad
// document.
func (c *Config) Validate() error {
	var problems []string

	if c.Listen != "" && !ListenAddressRegexp.MatchString(c.Listen) {
		problems = append(problems, fmt.Sprintf("invalid listen address %q", c.Listen))
	}
	if c.Admin.Address != "" && !ListenAddressRegexp.MatchString(c.Admin.Address) {
		problems = append(problems, fmt.Sprintf("invalid admin address %q", c.Admin.Address))
	}

	if len(c.Servers) == 0 {
		problems = append(problems, "at least one server block is required")
	}

	seen := make(map[string]struct{})
	for si, srv := range c.Servers {
		if len(srv.Locations) == 0 {
			problems = append(problems, fmt.Sprintf("server %d (host=%q): at least one location is required", si, srv.Host))
		}
		for li, loc := range srv.Locations {
			where := fmt.Sprintf("server %d (host=%q) location %d", si, srv.Host, li)

			if loc.Prefix == "" {
				problems = append(problems, where+": prefix is required")
			} else if !strings.HasPrefix(loc.Prefix, "/") {
				problems = append(problems, fmt.Sprintf("%s: prefix %q must start with '/'", where, loc.Prefix))
			} else {
				key := srv.Host + "\x00" + loc.Prefix
				if _, ok := seen[key]; ok {
					problems = append(problems, fmt.Sprintf("%s: duplicate rule for host=%q prefix=%q", where, srv.Host, loc.Prefix))
				}
				seen[key] = struct{}{}
			}

			if loc.Upstream == "" {
				problems = append(problems, where+": upstream is required")
			} else if _, err := parseUpstream(loc.Upstream); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", where, err))
			}

			switch loc.HTTPVersion {
			case "", HTTPVersion11, HTTPVersion2:
			default:
				problems = append(problems, fmt.Sprintf("%s: unsupported http_version %q (want %q or %q)", where, loc.HTTPVersion, HTTPVersion11, HTTPVersion2))
			}

			if loc.Timeout < 0 {
				problems = append(problems, fmt.Sprintf("%s: negative timeout %s", where, loc.Timeout))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Warnings reports non-fatal operational concerns of the document.
// A document with warnings is still valid and loadable.
func (c *Config) Warnings() []string {
	var warnings []string

	hosts := make(map[string]struct{})
	for _, srv := range c.Servers {
		if srv.Host != "" {
			hosts[srv.Host] = struct{}{}
		}
	}
	// Mirrors the hash bucket tuning of classic proxies: only worth
	// flagging once the host set grows beyond the default bucket.
	if len(hosts) > 32 && c.ServerNamesHashBucketSize == 0 {
		warnings = append(warnings, fmt.Sprintf("%d distinct hosts configured without server_names_hash_bucket_size, host lookup may degrade", len(hosts)))
	}

	return warnings
}

// parseUpstream accepts "host:port" or an absolute http(s) URL and
// returns a normalized URL with a scheme.
func parseUpstream(s string) (*url.URL, error) {
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream URL %q: %w", s, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("invalid upstream URL %q: unsupported scheme %q", s, u.Scheme)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("invalid upstream URL %q: missing host", s)
		}
		return u, nil
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: want host:port or http(s) URL", s)
	}
	if host == "" {
		return nil, fmt.Errorf("invalid upstream %q: empty host", s)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return nil, fmt.Errorf("invalid upstream %q: bad port %q", s, port)
	}
	return &url.URL{Scheme: "http", Host: s}, nil
}

// loadEnvToStruct loads environment variables into a struct using reflection
func loadEnvToStruct(v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("v must be a non-nil pointer to a struct")
	}

	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return errors.New("v must be a pointer to a struct")
	}

	return loadEnvToValue(rv, reflect.TypeOf(v).Elem())
}

// loadEnvToValue recursively loads environment variables into struct fields
func loadEnvToValue(rv reflect.Value, rt reflect.Type) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rt.Field(i)

		if !field.CanSet() {
			continue
		}

		// Handle nested structs
		if field.Kind() == reflect.Struct {
			if err := loadEnvToValue(field, fieldType.Type); err != nil {
				return err
			}
			continue
		}

		// Get environment variable name from tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		// Set the field value based on its type
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldValue sets a reflect.Value based on the environment variable string value
func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parse bool: %w", err)
		}
		field.SetBool(boolVal)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			// Handle time.Duration specially
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("parse duration: %w", err)
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("parse int: %w", err)
			}
			field.SetInt(intVal)
		}

	case reflect.Slice:
		// Handle string slices (comma-separated values)
		if field.Type().Elem().Kind() == reflect.String {
			var values []string
			if value != "" {
				values = strings.Split(value, ",")
				// Trim whitespace from each value
				for i, v := range values {
					values[i] = strings.TrimSpace(v)
				}
			}
			field.Set(reflect.ValueOf(values))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}
