// Copyright 2026 The localhostess Authors
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

package proxyconn

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/sleexyz/localhostess/internal/discover"
	"github.com/sleexyz/localhostess/internal/httpparse"
)

// Classification is the result of applying spec §4.3's classification
// rules to one completed header block. Only the fields relevant to
// Shape are meaningful; see spec §9's note on tagged-variant dispatch.
type Classification struct {
	Shape Shape

	// Reverse-proxy fields (ShapeDashboard, ShapeHTTPProxy, ShapeWSUpgrade).
	Subdomain string

	// Forward-proxy fields (ShapeForwardHTTP, ShapeForwardWS).
	ProxyTarget     string // host[:port] from the absolute-URI authority
	RelativePath    string // path?query of the absolute URI
	RedirectToHTTPS bool   // true => emit 302 to https://ProxyTarget+RelativePath and close

	// CONNECT fields (ShapeConnectPlain, ShapeConnectMITM).
	ConnectHost string

	// TargetPort is the resolved backend port for any shape that
	// proxies to a backend (everything except Dashboard, UnknownService
	// and the two Closed shapes).
	TargetPort uint16

	// RewriteHost is "localhost:<TargetPort>" for shapes whose first
	// forwarded chunk needs its Host/Origin rewritten (forward-proxy
	// and CONNECT_PLAIN paths per spec §4.4/§4.5); empty otherwise.
	RewriteHost string
}

// Classify applies spec §4.3's ordered classification rules to req,
// given the listener's own port, the current service mapping, and
// whether TLS-MITM is available.
func Classify(req httpparse.Request, listenPort int, mapping discover.Mapping, mitmAvailable bool) Classification {
	if req.Method == "CONNECT" {
		return classifyConnect(req, mapping, mitmAvailable)
	}

	if isAbsoluteURI(req.Target) {
		return classifyForward(req, listenPort, mapping, mitmAvailable)
	}

	return classifyReverse(req, listenPort, mapping)
}

func isAbsoluteURI(target string) bool {
	return strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}

// classifyConnect implements spec §4.3 rule 1.
func classifyConnect(req httpparse.Request, mapping discover.Mapping, mitmAvailable bool) Classification {
	host, portStr, err := net.SplitHostPort(req.Target)
	if err != nil {
		// Malformed CONNECT target (no port); nothing sensible to
		// route to.
		return Classification{Shape: ShapeClosedUnknown}
	}
	connectPort, err := strconv.Atoi(portStr)
	if err != nil {
		return Classification{Shape: ShapeClosedUnknown}
	}

	entry, ok := mapping[host]
	if !ok {
		return Classification{Shape: ShapeClosedUnknown}
	}

	if connectPort == 443 && mitmAvailable {
		return Classification{
			Shape:       ShapeConnectMITM,
			ConnectHost: host,
			TargetPort:  entry.Port,
		}
	}
	return Classification{
		Shape:       ShapeConnectPlain,
		ConnectHost: host,
		TargetPort:  entry.Port,
		RewriteHost: "localhost:" + strconv.Itoa(int(entry.Port)),
	}
}

// classifyForward implements spec §4.3 rule 2.
func classifyForward(req httpparse.Request, listenPort int, mapping discover.Mapping, mitmAvailable bool) Classification {
	u, err := url.Parse(req.Target)
	if err != nil {
		return Classification{Shape: ShapeClosedUnknown}
	}

	proxyTarget := u.Host
	hostOnly := stripPort(proxyTarget)

	if hostOnly == "localhost" {
		return Classification{Shape: ShapeDashboard}
	}

	entry, ok := mapping[hostOnly]
	if !ok {
		// "If unresolved → close without response (so PAC fallback can
		// operate)."
		return Classification{Shape: ShapeClosedUnknown}
	}
	if int(entry.Port) == listenPort {
		return Classification{Shape: ShapeDashboard}
	}

	relativePath := u.RequestURI()
	if relativePath == "" {
		relativePath = "/"
	}
	rewriteHost := "localhost:" + strconv.Itoa(int(entry.Port))

	if httpparse.IsUpgrade(req.Headers) {
		return Classification{
			Shape:        ShapeForwardWS,
			ProxyTarget:  proxyTarget,
			RelativePath: relativePath,
			TargetPort:   entry.Port,
			RewriteHost:  rewriteHost,
		}
	}
	return Classification{
		Shape:           ShapeForwardHTTP,
		ProxyTarget:     proxyTarget,
		RelativePath:    relativePath,
		TargetPort:      entry.Port,
		RewriteHost:     rewriteHost,
		RedirectToHTTPS: mitmAvailable,
	}
}

// classifyReverse implements spec §4.3 rules 3-5.
func classifyReverse(req httpparse.Request, listenPort int, mapping discover.Mapping) Classification {
	host := req.Headers.Get("host")
	hostNoPort := stripPort(host)

	if !hostAllowed(hostNoPort) {
		return Classification{Shape: ShapeClosedDisallowed}
	}

	if isLocalhostLiteral(hostNoPort) {
		return Classification{Shape: ShapeDashboard}
	}

	subdomain := strings.TrimSuffix(hostNoPort, ".localhost")

	entry, ok := mapping[subdomain]
	if ok && int(entry.Port) == listenPort {
		return Classification{Shape: ShapeDashboard}
	}
	if !ok {
		return Classification{Shape: ShapeUnknownService, Subdomain: subdomain}
	}

	if httpparse.IsUpgrade(req.Headers) {
		return Classification{Shape: ShapeWSUpgrade, Subdomain: subdomain, TargetPort: entry.Port}
	}
	return Classification{Shape: ShapeHTTPProxy, Subdomain: subdomain, TargetPort: entry.Port}
}

// stripPort removes a trailing ":port" from a host[:port] string,
// tolerating bracketed IPv6 literals ("[::1]:9090", "[::1]").
func stripPort(hostport string) string {
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	// No port present (or an unparseable bracket form); strip brackets
	// from a bare IPv6 literal if present.
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}

// isLocalhostLiteral reports whether hostNoPort is one of the literal
// forms that mean "the listener itself, with no subdomain" (spec §4.3
// rule 4).
func isLocalhostLiteral(hostNoPort string) bool {
	switch hostNoPort {
	case "localhost", "127.0.0.1", "::1", "":
		return true
	default:
		return false
	}
}

// hostAllowed implements spec §4.3 rule 3's allowlist for the Host
// header of non-proxy requests.
func hostAllowed(hostNoPort string) bool {
	if isLocalhostLiteral(hostNoPort) {
		return true
	}
	if strings.HasSuffix(hostNoPort, ".localhost") {
		return true
	}
	// "any bare label with no '.'"
	return !strings.Contains(hostNoPort, ".")
}
