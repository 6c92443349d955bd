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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelPatternCompile(t *testing.T) {
	assert := assert.New(t)

	// Case 0: literal only pattern
	{
		pattern, err := CompileChannelPattern("system.0.announcements")
		assert.Nil(err)
		assert.Equal("system.0.announcements", pattern.String())
	}

	// Case 1: pattern with one parameter
	{
		pattern, err := CompileChannelPattern("role.{roleID}.notifications")
		assert.Nil(err)
		assert.Equal("role.{roleID}.notifications", pattern.String())
	}

	// Case 2: too few segments
	{
		_, err := CompileChannelPattern("notifications")
		assert.NotNil(err)
	}

	// Case 3: empty segment
	{
		_, err := CompileChannelPattern("role..notifications")
		assert.NotNil(err)
	}

	// Case 4: invalid parameter name
	{
		_, err := CompileChannelPattern("role.{role-id}.notifications")
		assert.NotNil(err)
	}

	// Case 5: repeated parameter name
	{
		_, err := CompileChannelPattern("role.{id}.{id}")
		assert.NotNil(err)
	}
}

func TestChannelPatternMatch(t *testing.T) {
	assert := assert.New(t)

	pattern, err := CompileChannelPattern("role.{roleID}.notifications")
	assert.Nil(err)

	// Case 0: matching channel captures the parameter
	{
		params, matched := pattern.Match("role.1.notifications")
		assert.True(matched)
		assert.Equal("1", params["roleID"])
	}

	// Case 1: literal mismatch
	{
		_, matched := pattern.Match("role.1.alerts")
		assert.False(matched)
	}

	// Case 2: segment count mismatch
	{
		_, matched := pattern.Match("role.1.notifications.extra")
		assert.False(matched)
	}

	// Case 3: literal only pattern matches exactly
	{
		literal, err := CompileChannelPattern("system.0.announcements")
		assert.Nil(err)
		params, matched := literal.Match("system.0.announcements")
		assert.True(matched)
		assert.Empty(params)
		_, matched = literal.Match("system.1.announcements")
		assert.False(matched)
	}
}

func TestChannelNameValidation(t *testing.T) {
	assert := assert.New(t)

	// Case 0: well formed names
	assert.Nil(ValidateChannelName("role.1.notifications"))
	assert.Nil(ValidateChannelName("team_a.42.status-updates"))

	// Case 1: wrong segment count
	assert.NotNil(ValidateChannelName("role.notifications"))
	assert.NotNil(ValidateChannelName("a.b.c.d"))

	// Case 2: invalid characters
	assert.NotNil(ValidateChannelName("role.1!.notifications"))
	assert.NotNil(ValidateChannelName(""))
}
