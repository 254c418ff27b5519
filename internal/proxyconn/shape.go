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

// Shape is the tagged variant produced by classification (spec §4.3,
// §9 "Dynamic request shape dispatch"): exactly one Shape is chosen per
// connection, and each carries only the fields relevant to it.
type Shape int

const (
	ShapeDashboard Shape = iota
	ShapeHTTPProxy
	ShapeWSUpgrade
	ShapeForwardHTTP
	ShapeForwardWS
	ShapeConnectPlain
	ShapeConnectMITM
	// ShapeClosedUnknown is the silent-close outcome for an unresolved
	// forward-proxy or CONNECT target (spec §6: "Connection closed, no
	// bytes").
	ShapeClosedUnknown
	ShapeClosedDisallowed
	// ShapeUnknownService is the 404 outcome for an unresolved
	// reverse-proxy subdomain (spec §6: "404 Not Found plain text").
	ShapeUnknownService
)

func (s Shape) String() string {
	switch s {
	case ShapeDashboard:
		return "dashboard"
	case ShapeHTTPProxy:
		return "http_proxy"
	case ShapeWSUpgrade:
		return "ws_upgrade"
	case ShapeForwardHTTP:
		return "forward_http"
	case ShapeForwardWS:
		return "forward_ws"
	case ShapeConnectPlain:
		return "connect_plain"
	case ShapeConnectMITM:
		return "connect_mitm"
	case ShapeClosedUnknown:
		return "closed_unknown"
	case ShapeClosedDisallowed:
		return "closed_disallowed"
	case ShapeUnknownService:
		return "unknown_service"
	default:
		return "unknown"
	}
}
