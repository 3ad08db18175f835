// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package relayd is a configurable, multi-protocol reverse proxy runtime.
// It owns the frontend pool, admission control, the on-demand certificate
// authority, and the reconciliation loop that drives the runtime to match
// a declarative desired state.
package relayd

import "fmt"

// Mode identifies which kind of listener a FrontendSpec describes.
type Mode string

const (
	ModeTCP  Mode = "tcp"
	ModeUDP  Mode = "udp"
	ModeHTTP Mode = "http"
)

// DomainRoute is one entry of a FrontendSpec's ordered domain_routes list:
// an exact Host header match mapped to a backend reference.
type DomainRoute struct {
	HostPattern string `yaml:"host_pattern" json:"host_pattern"`
	BackendRef  string `yaml:"backend_ref" json:"backend_ref"`
}

// FrontendSpec is the desired state of one listener. It is a tagged,
// validated record: the YAML store (store.FileStore) decodes it with
// unknown fields rejected, and Validate checks the decoded field values.
type FrontendSpec struct {
	Name    string `yaml:"name" json:"name"`
	Mode    Mode   `yaml:"mode" json:"mode"`
	Enabled bool   `yaml:"enabled" json:"enabled"`

	BindHost string `yaml:"bind_host" json:"bind_host"`
	BindPort int    `yaml:"bind_port" json:"bind_port"`

	TerminateTLS bool `yaml:"terminate_tls" json:"terminate_tls"`

	DefaultBackend string        `yaml:"default_backend,omitempty" json:"default_backend,omitempty"`
	DomainRoutes   []DomainRoute `yaml:"domain_routes,omitempty" json:"domain_routes,omitempty"`

	MaxInFlight      int `yaml:"max_in_flight" json:"max_in_flight"`
	AcceptRatePerSec int `yaml:"accept_rate_per_sec" json:"accept_rate_per_sec"`
	IdleTimeoutMs    int `yaml:"idle_timeout_ms" json:"idle_timeout_ms"`

	Blacklist []string `yaml:"blacklist,omitempty" json:"blacklist,omitempty"`
	Whitelist []string `yaml:"whitelist,omitempty" json:"whitelist,omitempty"`
}

// BackendSpec is a reference to an upstream address.
type BackendSpec struct {
	Name        string `yaml:"name" json:"name"`
	Host        string `yaml:"host" json:"host"`
	Port        int    `yaml:"port" json:"port"`
	UpstreamTLS bool   `yaml:"upstream_tls" json:"upstream_tls"`
}

// RoutingDecision is the resolved upstream for a single HTTP request or
// TCP connection.
type RoutingDecision struct {
	UpstreamHost string
	UpstreamPort int
	UpstreamTLS  bool
}

// Addr formats the routing decision's upstream as host:port.
func (rd RoutingDecision) Addr() string {
	return fmt.Sprintf("%s:%d", rd.UpstreamHost, rd.UpstreamPort)
}

// Validate checks the invariants spec.md §3 places on a FrontendSpec. It
// does not resolve backend references; the Manager resolves
// DefaultBackend/DomainRoutes separately at Start through a BackendLookup.
func (fs FrontendSpec) Validate() error {
	if fs.Name == "" {
		return &Error{Kind: ConfigInvalid, Frontend: fs.Name, Err: fmt.Errorf("name is required")}
	}
	switch fs.Mode {
	case ModeTCP, ModeUDP, ModeHTTP:
	default:
		return &Error{Kind: ConfigInvalid, Frontend: fs.Name, Err: fmt.Errorf("unknown mode %q", fs.Mode)}
	}
	if fs.BindHost == "" {
		return &Error{Kind: ConfigInvalid, Frontend: fs.Name, Err: fmt.Errorf("bind_host is required")}
	}
	if fs.BindPort <= 0 || fs.BindPort > 65535 {
		return &Error{Kind: ConfigInvalid, Frontend: fs.Name, Err: fmt.Errorf("bind_port %d out of range", fs.BindPort)}
	}
	if fs.MaxInFlight < 1 {
		return &Error{Kind: ConfigInvalid, Frontend: fs.Name, Err: fmt.Errorf("max_in_flight must be >= 1")}
	}
	if fs.AcceptRatePerSec < 1 {
		return &Error{Kind: ConfigInvalid, Frontend: fs.Name, Err: fmt.Errorf("accept_rate_per_sec must be >= 1")}
	}
	if fs.Mode == ModeTCP && fs.DefaultBackend == "" {
		return &Error{Kind: ConfigInvalid, Frontend: fs.Name, Err: fmt.Errorf("default_backend is mandatory for tcp mode")}
	}
	return nil
}

// Equal reports whether two specs are semantically identical, used by the
// Reconciler's spec_changed comparison. Field order here mirrors the
// struct so a reviewer can check it exhaustively covers FrontendSpec.
func (fs FrontendSpec) Equal(other FrontendSpec) bool {
	if fs.Name != other.Name || fs.Mode != other.Mode || fs.Enabled != other.Enabled {
		return false
	}
	if fs.BindHost != other.BindHost || fs.BindPort != other.BindPort {
		return false
	}
	if fs.TerminateTLS != other.TerminateTLS {
		return false
	}
	if fs.DefaultBackend != other.DefaultBackend {
		return false
	}
	if len(fs.DomainRoutes) != len(other.DomainRoutes) {
		return false
	}
	for i := range fs.DomainRoutes {
		if fs.DomainRoutes[i] != other.DomainRoutes[i] {
			return false
		}
	}
	if fs.MaxInFlight != other.MaxInFlight || fs.AcceptRatePerSec != other.AcceptRatePerSec || fs.IdleTimeoutMs != other.IdleTimeoutMs {
		return false
	}
	if !stringSliceEqual(fs.Blacklist, other.Blacklist) || !stringSliceEqual(fs.Whitelist, other.Whitelist) {
		return false
	}
	return true
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}
