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

package discover

import "regexp"

// keyStart matches the boundary the external tool's one-line environment
// dump uses between variables: a space, then an identifier, then "=".
// Splitting on this pattern (spec §4.1 "Environment parsing") tolerates
// values containing spaces, at the documented cost of values that
// themselves contain a " KEY=" substring being mis-split.
var keyStart = regexp.MustCompile(`(?:^| )([A-Za-z_][A-Za-z0-9_]*)=`)

// parseEnvLine splits one space-separated "KEY=value KEY2=value2 ..."
// line into a map, tolerating values containing spaces per spec §4.1.
func parseEnvLine(line string) map[string]string {
	locs := keyStart.FindAllStringSubmatchIndex(line, -1)
	if locs == nil {
		return nil
	}
	env := make(map[string]string, len(locs))
	for i, loc := range locs {
		keyStartIdx, keyEndIdx := loc[2], loc[3]
		valueStart := loc[1] // just past "="
		valueEnd := len(line)
		if i+1 < len(locs) {
			// The next match's leading space belongs to this value's
			// trailing boundary, not the value itself.
			valueEnd = locs[i+1][0]
		}
		key := line[keyStartIdx:keyEndIdx]
		value := line[valueStart:valueEnd]
		env[key] = value
	}
	return env
}

// lookupName extracts the NAME= value from one process's one-line
// environment dump, or "" if absent (spec §4.1 step 2: "A process
// without NAME is ignored").
func lookupName(envLine string) (string, bool) {
	env := parseEnvLine(envLine)
	if env == nil {
		return "", false
	}
	name, ok := env["NAME"]
	return name, ok && name != ""
}
