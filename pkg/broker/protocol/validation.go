// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/mod/semver"
)

// ValidateToolArguments checks arguments against the tool's JSON Schema
// before anything is sent over the wire. A tool with no schema accepts
// anything.
func ValidateToolArguments(tool Tool, arguments map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(tool.InputSchema)
	argsLoader := gojsonschema.NewGoLoader(arguments)

	result, err := gojsonschema.Validate(schemaLoader, argsLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, verr := range result.Errors() {
			errs[i] = verr.String()
		}
		return fmt.Errorf("invalid arguments for %s: %v", tool.Name, errs)
	}

	return nil
}

// Negotiate picks the protocol version a session runs at. Both sides must be
// valid semver of the same major; the session runs at the lower version.
func Negotiate(client, server string) (string, error) {
	if !semver.IsValid(client) {
		return "", fmt.Errorf("invalid client protocol version %q", client)
	}
	if !semver.IsValid(server) {
		return "", fmt.Errorf("invalid server protocol version %q", server)
	}
	if semver.Major(client) != semver.Major(server) {
		return "", fmt.Errorf("protocol major mismatch: client %s, server %s",
			semver.Major(client), semver.Major(server))
	}
	if semver.Compare(client, server) <= 0 {
		return client, nil
	}
	return server, nil
}

// MissingCapabilities returns the required names the server did not
// advertise, in the order required.
func MissingCapabilities(required, advertised []string) []string {
	have := make(map[string]struct{}, len(advertised))
	for _, c := range advertised {
		have[c] = struct{}{}
	}
	var missing []string
	for _, c := range required {
		if _, ok := have[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}
