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
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// EventDispatcher fans a published event out to the members of its target
// channel. Delivery is at-most-once and best-effort: membership is a
// snapshot taken at publish time, a member which closed since is a silent
// no-op, and nothing is acknowledged, retried, or persisted.
type EventDispatcher interface {
	Publish(event Event, ctxt context.Context) (int, error)
}

// eventDispatcherImpl implements EventDispatcher
type eventDispatcherImpl struct {
	common.Component
	registry         ChannelRegistry
	tp               common.TaskProcessor
	validate         *validator.Validate
	operationContext context.Context
}

// DefineEventDispatcher create new event dispatcher running on a task processor.
// A single dispatcher instance serializes all publishes, which gives FIFO
// fan-out per channel toward any still connected session.
func DefineEventDispatcher(
	registry ChannelRegistry, tp common.TaskProcessor, rootCtxt context.Context,
) (EventDispatcher, error) {
	logTags := log.Fields{
		"module": "hub", "component": "event-dispatcher",
	}
	instance := eventDispatcherImpl{
		Component:        common.Component{LogTags: logTags},
		registry:         registry,
		tp:               tp,
		validate:         validator.New(),
		operationContext: rootCtxt,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(dispatchEventReq{}), instance.processDispatchRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------

type dispatchEventReq struct {
	event    Event
	resultCB func(int, error)
}

// Publish fan one event out to its target channel. Returns the number of
// delivery attempts made. The emission predicate, if present, is evaluated
// exactly once here; a false result suppresses the fan-out entirely with a
// zero count and a nil error.
func (d *eventDispatcherImpl) Publish(event Event, ctxt context.Context) (int, error) {
	if err := d.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Refusing to publish invalid event")
		return 0, err
	}
	if err := ValidateChannelName(event.Channel); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Refusing to publish to invalid channel")
		return 0, err
	}

	if event.Emit != nil && !event.Emit() {
		log.WithFields(d.LogTags).Infof(
			"Publish of '%s' on channel '%s' suppressed by emission predicate",
			event.Name,
			event.Channel,
		)
		return 0, nil
	}

	complete := make(chan bool, 1)
	var deliveries int
	var processError error
	handler := func(count int, err error) {
		deliveries = count
		processError = err
		complete <- true
	}

	request := dispatchEventReq{event: event, resultCB: handler}

	if err := d.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to submit dispatch request")
		return 0, err
	}

	<-complete

	return deliveries, processError
}

func (d *eventDispatcherImpl) processDispatchRequest(param interface{}) error {
	request, ok := param.(dispatchEventReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for event dispatch", reflect.TypeOf(param),
		)
	}
	count, err := d.ProcessDispatchRequest(request.event)
	request.resultCB(count, err)
	return err
}

// ProcessDispatchRequest serialize the event once and push it to every
// member of the target channel snapshot
func (d *eventDispatcherImpl) ProcessDispatchRequest(event Event) (int, error) {
	targets, err := d.registry.LiveMembers(event.Channel, d.operationContext)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to resolve members of channel '%s'", event.Channel,
		)
		return 0, err
	}

	frame, err := json.Marshal(&EventFrame{
		Type: FrameTypeEvent, Event: event.Name, Channel: event.Channel, Data: event.Payload,
	})
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to serialize event '%s'", event.Name,
		)
		return 0, err
	}

	deliveries := 0
	for _, target := range targets {
		if err := target.SendBytes(frame); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				// The session closed after the snapshot. Its disconnect path
				// prunes the registry, so skip without failing the publish.
				log.WithFields(d.LogTags).Debugf(
					"Session %s closed mid publish. Skipping", target.SessionID(),
				)
				continue
			}
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Delivery of '%s' to session %s failed", event.Name, target.SessionID(),
			)
			continue
		}
		deliveries++
	}

	log.WithFields(d.LogTags).Debugf(
		"Delivered '%s' on channel '%s' to %d sessions", event.Name, event.Channel, deliveries,
	)
	return deliveries, nil
}
