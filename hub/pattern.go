// Copyright 2022 The fanout Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"fmt"
	"regexp"
	"strings"
)

// patternSegment one compiled segment of a channel name pattern. Either a
// literal which must match exactly, or a named parameter capturing the
// channel name segment at its position.
type patternSegment struct {
	literal string
	param   string
}

var literalSegmentRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)
var paramNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*$`)

// ChannelPattern a channel name pattern of literal segments and named
// parameter segments (e.g. "role.{roleID}.notifications"), compiled once
// at registration time.
type ChannelPattern struct {
	raw      string
	segments []patternSegment
}

// CompileChannelPattern compile a channel name pattern
func CompileChannelPattern(pattern string) (ChannelPattern, error) {
	parts := strings.Split(pattern, ".")
	if len(parts) < 2 {
		return ChannelPattern{}, fmt.Errorf(
			"channel pattern '%s' must have at least two segments", pattern,
		)
	}
	segments := make([]patternSegment, 0, len(parts))
	seenParams := map[string]bool{}
	for _, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name := part[1 : len(part)-1]
			if !paramNameRegex.MatchString(name) {
				return ChannelPattern{}, fmt.Errorf(
					"channel pattern '%s' has invalid parameter name '%s'", pattern, name,
				)
			}
			if seenParams[name] {
				return ChannelPattern{}, fmt.Errorf(
					"channel pattern '%s' repeats parameter '%s'", pattern, name,
				)
			}
			seenParams[name] = true
			segments = append(segments, patternSegment{param: name})
			continue
		}
		if !literalSegmentRegex.MatchString(part) {
			return ChannelPattern{}, fmt.Errorf(
				"channel pattern '%s' has invalid segment '%s'", pattern, part,
			)
		}
		segments = append(segments, patternSegment{literal: part})
	}
	return ChannelPattern{raw: pattern, segments: segments}, nil
}

// Match check a channel name against the pattern. On a match, the returned
// map carries the captured parameter segments keyed by parameter name.
func (p ChannelPattern) Match(channel string) (map[string]string, bool) {
	parts := strings.Split(channel, ".")
	if len(parts) != len(p.segments) {
		return nil, false
	}
	params := map[string]string{}
	for idx, segment := range p.segments {
		if segment.param != "" {
			params[segment.param] = parts[idx]
			continue
		}
		if segment.literal != parts[idx] {
			return nil, false
		}
	}
	return params, true
}

// String implements the fmt.Stringer interface
func (p ChannelPattern) String() string {
	return p.raw
}
