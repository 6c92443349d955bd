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
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
)

// IdentityClaim opaque authenticated principal attached to one connection
// session. Supplied once at session start, immutable for the session's
// lifetime. Authentication itself happens outside this core.
type IdentityClaim struct {
	// ID is the principal ID
	ID string `json:"id" validate:"required"`
	// Role is the principal's role flag
	Role int `json:"role"`
	// Attributes are additional free form principal attributes
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ChannelAuthCheck decides whether an identity claim may join a private
// channel. Receives the parameters extracted from the channel name by the
// matched pattern (e.g. the "1" of "role.1.notifications").
type ChannelAuthCheck func(
	ctxt context.Context, claim IdentityClaim, params map[string]string,
) bool

// RoleMatchCheck define a check admitting a claim when its role flag matches
// the named pattern parameter
func RoleMatchCheck(paramName string) ChannelAuthCheck {
	return func(_ context.Context, claim IdentityClaim, params map[string]string) bool {
		raw, ok := params[paramName]
		if !ok {
			return false
		}
		roleID, err := strconv.Atoi(raw)
		if err != nil {
			return false
		}
		return claim.Role == roleID
	}
}

// ===============================================================================

// AuthorizationGate decides admit / deny for subscription requests. Channel
// patterns are registered once at process start; registration is not safe
// concurrently with Authorize.
type AuthorizationGate interface {
	RegisterPublicChannels(patterns ...string) error
	RegisterPrivateChannels(check ChannelAuthCheck, patterns ...string) error
	Authorize(claim IdentityClaim, channel string, ctxt context.Context) error
}

// privateChannelEntry one registered private channel pattern with its check
type privateChannelEntry struct {
	pattern ChannelPattern
	check   ChannelAuthCheck
}

// authorizationGateImpl implements AuthorizationGate
type authorizationGateImpl struct {
	common.Component
	lock           *sync.Mutex
	publicEntries  []ChannelPattern
	privateEntries []privateChannelEntry
	checkTimeout   time.Duration
}

// DefineAuthorizationGate create new authorization gate
func DefineAuthorizationGate(checkTimeout time.Duration) (AuthorizationGate, error) {
	logTags := log.Fields{
		"module": "hub", "component": "authorization-gate",
	}
	return &authorizationGateImpl{
		Component:      common.Component{LogTags: logTags},
		lock:           &sync.Mutex{},
		publicEntries:  []ChannelPattern{},
		privateEntries: []privateChannelEntry{},
		checkTimeout:   checkTimeout,
	}, nil
}

// RegisterPublicChannels register channel patterns admitted without claim inspection
func (g *authorizationGateImpl) RegisterPublicChannels(patterns ...string) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	for _, pattern := range patterns {
		compiled, err := CompileChannelPattern(pattern)
		if err != nil {
			log.WithError(err).WithFields(g.LogTags).Errorf(
				"Unable to compile public channel pattern '%s'", pattern,
			)
			return err
		}
		g.publicEntries = append(g.publicEntries, compiled)
		log.WithFields(g.LogTags).Infof("Registered public channel pattern '%s'", pattern)
	}
	return nil
}

// RegisterPrivateChannels register private channel patterns guarded by a check
func (g *authorizationGateImpl) RegisterPrivateChannels(
	check ChannelAuthCheck, patterns ...string,
) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	for _, pattern := range patterns {
		compiled, err := CompileChannelPattern(pattern)
		if err != nil {
			log.WithError(err).WithFields(g.LogTags).Errorf(
				"Unable to compile private channel pattern '%s'", pattern,
			)
			return err
		}
		g.privateEntries = append(
			g.privateEntries, privateChannelEntry{pattern: compiled, check: check},
		)
		log.WithFields(g.LogTags).Infof("Registered private channel pattern '%s'", pattern)
	}
	return nil
}

// Authorize evaluate one subscription request. Returns nil on admission, and
// AuthorizationDeniedError on rejection. Public channels admit without
// running any check. A private channel check must complete within the
// configured window or the request counts as rejected. An unknown channel
// pattern is a rejection as well.
func (g *authorizationGateImpl) Authorize(
	claim IdentityClaim, channel string, ctxt context.Context,
) error {
	if err := ValidateChannelName(channel); err != nil {
		return AuthorizationDeniedError{Channel: channel, Reason: err.Error()}
	}

	for _, entry := range g.publicEntries {
		if _, ok := entry.Match(channel); ok {
			log.WithFields(g.LogTags).Debugf(
				"Claim %s admitted to public channel '%s'", claim.ID, channel,
			)
			return nil
		}
	}

	for _, entry := range g.privateEntries {
		params, ok := entry.pattern.Match(channel)
		if !ok {
			continue
		}
		return g.runCheck(claim, channel, entry, params, ctxt)
	}

	log.WithFields(g.LogTags).Infof(
		"Claim %s requested channel '%s' matching no registered pattern", claim.ID, channel,
	)
	return AuthorizationDeniedError{
		Channel: channel, Reason: "no matching channel pattern registered",
	}
}

// runCheck run one private channel check within the configured window
func (g *authorizationGateImpl) runCheck(
	claim IdentityClaim,
	channel string,
	entry privateChannelEntry,
	params map[string]string,
	ctxt context.Context,
) error {
	useContext, cancel := context.WithTimeout(ctxt, g.checkTimeout)
	defer cancel()

	verdict := make(chan bool, 1)
	go func() {
		verdict <- entry.check(useContext, claim, params)
	}()

	select {
	case admitted := <-verdict:
		if admitted {
			log.WithFields(g.LogTags).Debugf(
				"Claim %s admitted to private channel '%s'", claim.ID, channel,
			)
			return nil
		}
		log.WithFields(g.LogTags).Infof(
			"Claim %s denied on private channel '%s'", claim.ID, channel,
		)
		return AuthorizationDeniedError{Channel: channel, Reason: "authorization check failed"}
	case <-useContext.Done():
		log.WithFields(g.LogTags).Errorf(
			"Authorization check for claim %s on channel '%s' did not complete in time",
			claim.ID,
			channel,
		)
		return AuthorizationDeniedError{
			Channel: channel, Reason: "authorization check timed out",
		}
	}
}
