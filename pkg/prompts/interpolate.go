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

package prompts

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var placeholderRE = regexp.MustCompile(`\{\{\.(\w+)\}\}`)

// Interpolate fills {{.name}} placeholders from vars. Values are sanitized
// before substitution so session-supplied text (topics, goals) cannot open a
// new prompt section or smuggle control characters into a template. Unknown
// placeholders are left in place, which makes missing variables visible in
// the rendered output instead of silently disappearing.
func Interpolate(template string, vars map[string]any) string {
	if len(vars) == 0 {
		return template
	}
	return placeholderRE.ReplaceAllStringFunc(template, func(match string) string {
		name := match[3 : len(match)-2]
		value, ok := vars[name]
		if !ok {
			return match
		}
		return sanitizeValue(value)
	})
}

func sanitizeValue(value any) string {
	switch v := value.(type) {
	case string:
		return sanitizeString(v)
	case []string:
		parts := make([]string, len(v))
		for i, s := range v {
			parts[i] = sanitizeString(s)
		}
		return strings.Join(parts, ", ")
	case bool:
		return strconv.FormatBool(v)
	case int, int8, int16, int32, int64, uint, uint64, float32, float64:
		return fmt.Sprintf("%v", v)
	default:
		return sanitizeString(fmt.Sprintf("%v", v))
	}
}

// roleMarkers are sequences that would let an interpolated value masquerade
// as a new prompt section.
var roleMarkers = []string{"```", "---", "System:", "Assistant:", "Human:", "User:"}

func sanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ToValidUTF8(s, "")

	// Values stay on one line; only templates get to shape the layout.
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(' ')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	s = html.EscapeString(b.String())

	for _, marker := range roleMarkers {
		s = strings.ReplaceAll(s, marker, " ")
	}

	return strings.Join(strings.Fields(s), " ")
}
