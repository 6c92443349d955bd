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

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
)

// Publisher entry point for application code to emit events. Keeps publish
// call sites decoupled from dispatcher internals; it constructs the Event
// value and forwards, nothing more.
type Publisher interface {
	Emit(
		eventName string,
		payload interface{},
		channel string,
		emit EventPredicate,
		ctxt context.Context,
	) (int, error)
}

// publisherImpl implements Publisher
type publisherImpl struct {
	common.Component
	dispatcher EventDispatcher
}

// DefinePublisher create new publisher forwarding into an event dispatcher
func DefinePublisher(dispatcher EventDispatcher) (Publisher, error) {
	logTags := log.Fields{
		"module": "hub", "component": "publisher",
	}
	return &publisherImpl{
		Component: common.Component{LogTags: logTags}, dispatcher: dispatcher,
	}, nil
}

// Emit construct an event and hand it to the dispatcher
func (p *publisherImpl) Emit(
	eventName string,
	payload interface{},
	channel string,
	emit EventPredicate,
	ctxt context.Context,
) (int, error) {
	event := Event{Name: eventName, Channel: channel, Payload: payload, Emit: emit}
	return p.dispatcher.Publish(event, ctxt)
}
