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
	"time"
)

// EventPredicate emission gate evaluated once at publish time. Returning
// false suppresses delivery entirely with no error; used to keep stale
// records off the wire.
type EventPredicate func() bool

// Event one named event targeting a channel. An event has no identity beyond
// a single delivery attempt and is never persisted.
type Event struct {
	// Name is the event name
	Name string `json:"event" validate:"required"`
	// Channel is the target channel name
	Channel string `json:"channel" validate:"required"`
	// Payload is the structured event payload
	Payload interface{} `json:"data"`
	// Emit is the optional emission predicate
	Emit EventPredicate `json:"-"`
}

// WithinWindow define an emission predicate which holds while the record
// creation time is within the trailing window at evaluation time
func WithinWindow(createdAt time.Time, window time.Duration) EventPredicate {
	return func() bool {
		return time.Since(createdAt) <= window
	}
}

// ===============================================================================

// channelNameRegex channel names follow <namespace>.<key>.<purpose>
var channelNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+$`)

// ValidateChannelName verifies a channel name is of form <namespace>.<key>.<purpose>
func ValidateChannelName(channel string) error {
	if !channelNameRegex.MatchString(channel) {
		return fmt.Errorf("channel name '%s' is not of form <namespace>.<key>.<purpose>", channel)
	}
	return nil
}
