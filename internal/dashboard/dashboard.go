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

// Package dashboard renders the two self-contained responses spec
// §4.7 describes: the HTML service listing served at the listener's
// own identity, and the browser PAC file at /proxy.pac.
package dashboard

import (
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sleexyz/localhostess/internal/discover"
)

// ContentTypeHTML and ContentTypePAC are the exact content-types spec
// §4.7 names.
const (
	ContentTypeHTML = "text/html; charset=utf-8"
	ContentTypePAC  = "application/x-ns-proxy-autoconfig"
)

// pageTemplate renders the dashboard body. Doc title is "localhome"
// per spec §4.7's literal text; the module and CLI are named
// localhostess.
var pageTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head><title>localhome</title></head>
<body>
<h1>localhome</h1>
{{if .Services}}
<p>Last scanned {{.ScannedAgo}}.</p>
<ul>
{{range .Services}}<li><a href="http://{{.Name}}/">{{.Name}}</a> &rarr; :{{.Port}}</li>
{{end}}</ul>
{{else}}
<p>No services found yet. Start one with a NAME, for example:</p>
<pre>NAME=myapp node server.js</pre>
{{end}}
</body>
</html>
`))

type serviceRow struct {
	Name string
	Port uint16
}

type pageData struct {
	Services   []serviceRow
	ScannedAgo string
}

// RenderHTML builds the dashboard page body for the given mapping
// snapshot and the instant it was scanned.
func RenderHTML(mapping discover.Mapping, lastScan time.Time) string {
	rows := make([]serviceRow, 0, len(mapping))
	for name, entry := range mapping {
		rows = append(rows, serviceRow{Name: name, Port: entry.Port})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })

	data := pageData{Services: rows}
	if !lastScan.IsZero() {
		data.ScannedAgo = humanize.Time(lastScan)
	}

	var b strings.Builder
	// The template is a fixed literal compiled at init; Execute only
	// fails on a write error from the Builder, which never happens.
	_ = pageTemplate.Execute(&b, data)
	return b.String()
}

// RenderPAC builds the PAC body spec §4.7 specifies verbatim, pointing
// bare-label forward-proxy requests at the listener's own
// "<name>.localhost:<listen_port>" identity.
func RenderPAC(listenPort int) string {
	return fmt.Sprintf(
		`function FindProxyForURL(url, host) { if (host.indexOf(".") === -1 && host !== "localhost") return "PROXY " + host + ".localhost:%d; DIRECT"; return "DIRECT"; }`,
		listenPort,
	)
}
