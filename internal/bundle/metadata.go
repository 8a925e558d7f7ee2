// Copyright 2025 Tom Barlow
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

package bundle

import "encoding/json"

// Metadata is the per-bundle record persisted as metadata.json.
// Caller-supplied metadata keys are carried alongside the well-known
// fields and round-trip through JSON unchanged.
type Metadata struct {
	Files      []string
	UserID     string
	Entrypoint string
	ConfigFile string
	Extra      map[string]string
}

// reserved keys that never belong to Extra.
var reservedMetaKeys = map[string]bool{
	"files":       true,
	"user_id":     true,
	"entrypoint":  true,
	"config_file": true,
}

// MarshalJSON flattens Extra into the top-level object, matching the
// on-disk layout {"files":[...], "user_id":..., <caller keys>...}.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		if !reservedMetaKeys[k] {
			out[k] = v
		}
	}
	out["files"] = m.Files
	out["user_id"] = m.UserID
	out["entrypoint"] = m.Entrypoint
	out["config_file"] = m.ConfigFile
	return json.Marshal(out)
}

// UnmarshalJSON splits the flat object back into well-known fields
// and opaque Extra keys.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["files"]; ok {
		if err := json.Unmarshal(v, &m.Files); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*string{
		"user_id":     &m.UserID,
		"entrypoint":  &m.Entrypoint,
		"config_file": &m.ConfigFile,
	} {
		if v, ok := raw[key]; ok {
			if err := json.Unmarshal(v, dst); err != nil {
				return err
			}
		}
	}

	m.Extra = make(map[string]string)
	for k, v := range raw {
		if reservedMetaKeys[k] {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			// Non-string caller metadata is preserved verbatim.
			s = string(v)
		}
		m.Extra[k] = s
	}
	return nil
}

// HasFile reports whether name is listed in the bundle.
func (m *Metadata) HasFile(name string) bool {
	for _, f := range m.Files {
		if f == name {
			return true
		}
	}
	return false
}
