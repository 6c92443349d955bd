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
	"errors"
	"fmt"
)

// AuthorizationDeniedError a subscription request was rejected. Carries the
// channel and the reason so the session can surface the rejection to the
// client. A private channel with no matching registered pattern also produces
// this error.
type AuthorizationDeniedError struct {
	// Channel is the channel the subscription targeted
	Channel string
	// Reason is a human readable rejection reason
	Reason string
}

// Error implements the error interface
func (e AuthorizationDeniedError) Error() string {
	return fmt.Sprintf("subscription to channel '%s' denied: %s", e.Channel, e.Reason)
}

// IsAuthorizationDenied check whether an error is an authorization rejection
func IsAuthorizationDenied(err error) bool {
	var denied AuthorizationDeniedError
	return errors.As(err, &denied)
}

// ErrSessionClosed returned when pushing an event toward a session which
// already transitioned to closed. Treated as a silent no-op during fan-out.
var ErrSessionClosed = errors.New("session already closed")
