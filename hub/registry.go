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
	"fmt"
	"reflect"
	"sort"

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
)

// EventTarget one live delivery endpoint for serialized events
type EventTarget interface {
	SessionID() string
	SendBytes(frame []byte) error
	Close() error
}

// ChannelRegistry tracks which live sessions are subscribed to which
// channels. All mutations are serialized through a single task processor
// event loop, so channel eviction cannot race a concurrent subscribe.
// Channels are implicit: created on first subscription, evicted lazily on
// the next read once membership reaches zero.
type ChannelRegistry interface {
	RegisterSession(target EventTarget, ctxt context.Context) error
	Subscribe(channel, sessionID string, ctxt context.Context) error
	Unsubscribe(channel, sessionID string, ctxt context.Context) error
	MembersOf(channel string, ctxt context.Context) ([]string, error)
	LiveMembers(channel string, ctxt context.Context) ([]EventTarget, error)
	RemoveSession(sessionID string, ctxt context.Context) error
	CloseAllSessions(ctxt context.Context) error
}

// channelRegistryImpl implements ChannelRegistry
type channelRegistryImpl struct {
	common.Component
	tp common.TaskProcessor
	// sessions is the set of registered live sessions
	sessions map[string]EventTarget
	// channels maps channel name to the set of subscribed session IDs
	channels map[string]map[string]bool
}

// DefineChannelRegistry create new channel registry running on a task processor
func DefineChannelRegistry(tp common.TaskProcessor) (ChannelRegistry, error) {
	logTags := log.Fields{
		"module": "hub", "component": "channel-registry",
	}
	instance := channelRegistryImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		sessions:  make(map[string]EventTarget),
		channels:  make(map[string]map[string]bool),
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryRegisterSessionReq{}), instance.processRegisterSessionRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registrySubscribeReq{}), instance.processSubscribeRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryUnsubscribeReq{}), instance.processUnsubscribeRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryMembersReq{}), instance.processMembersRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryRemoveSessionReq{}), instance.processRemoveSessionRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryDrainSessionsReq{}), instance.processDrainSessionsRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// evictIfEmpty lazy eviction of a channel entry with no members left
func (r *channelRegistryImpl) evictIfEmpty(channel string) {
	if members, ok := r.channels[channel]; ok && len(members) == 0 {
		delete(r.channels, channel)
		log.WithFields(r.LogTags).Infof("Evicted empty channel '%s'", channel)
	}
}

// ----------------------------------------------------------------------------------------

type registryRegisterSessionReq struct {
	target   EventTarget
	resultCB func(error)
}

// RegisterSession record a new live session. A session must be registered
// before any of its subscriptions are accepted.
func (r *channelRegistryImpl) RegisterSession(target EventTarget, ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryRegisterSessionReq{target: target, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit register-session request")
		return err
	}

	<-complete

	return processError
}

func (r *channelRegistryImpl) processRegisterSessionRequest(param interface{}) error {
	request, ok := param.(registryRegisterSessionReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for register session", reflect.TypeOf(param),
		)
	}
	err := r.ProcessRegisterSessionRequest(request.target)
	request.resultCB(err)
	return err
}

// ProcessRegisterSessionRequest record a new live session
func (r *channelRegistryImpl) ProcessRegisterSessionRequest(target EventTarget) error {
	sessionID := target.SessionID()
	if _, ok := r.sessions[sessionID]; ok {
		return fmt.Errorf("session %s is already registered", sessionID)
	}
	r.sessions[sessionID] = target
	log.WithFields(r.LogTags).Infof("Registered session %s", sessionID)
	return nil
}

// ----------------------------------------------------------------------------------------

type registrySubscribeReq struct {
	channel   string
	sessionID string
	resultCB  func(error)
}

// Subscribe record a session's membership on a channel. Subscribing an
// already subscribed session is a no-op. The channel entry is created on
// first subscription.
func (r *channelRegistryImpl) Subscribe(channel, sessionID string, ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registrySubscribeReq{channel: channel, sessionID: sessionID, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit subscribe request")
		return err
	}

	<-complete

	return processError
}

func (r *channelRegistryImpl) processSubscribeRequest(param interface{}) error {
	request, ok := param.(registrySubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for subscribe", reflect.TypeOf(param),
		)
	}
	err := r.ProcessSubscribeRequest(request.channel, request.sessionID)
	request.resultCB(err)
	return err
}

// ProcessSubscribeRequest record a session's membership on a channel
func (r *channelRegistryImpl) ProcessSubscribeRequest(channel, sessionID string) error {
	if _, ok := r.sessions[sessionID]; !ok {
		return fmt.Errorf("session %s is not registered", sessionID)
	}
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]bool)
		r.channels[channel] = members
		log.WithFields(r.LogTags).Infof("Created channel '%s'", channel)
	}
	if members[sessionID] {
		log.WithFields(r.LogTags).Debugf(
			"Session %s already subscribed to channel '%s'", sessionID, channel,
		)
		return nil
	}
	members[sessionID] = true
	log.WithFields(r.LogTags).Infof(
		"Session %s subscribed to channel '%s'", sessionID, channel,
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryUnsubscribeReq struct {
	channel   string
	sessionID string
	resultCB  func(error)
}

// Unsubscribe remove a session's membership from a channel. Unsubscribing an
// absent session is a no-op.
func (r *channelRegistryImpl) Unsubscribe(channel, sessionID string, ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryUnsubscribeReq{channel: channel, sessionID: sessionID, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit unsubscribe request")
		return err
	}

	<-complete

	return processError
}

func (r *channelRegistryImpl) processUnsubscribeRequest(param interface{}) error {
	request, ok := param.(registryUnsubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for unsubscribe", reflect.TypeOf(param),
		)
	}
	err := r.ProcessUnsubscribeRequest(request.channel, request.sessionID)
	request.resultCB(err)
	return err
}

// ProcessUnsubscribeRequest remove a session's membership from a channel
func (r *channelRegistryImpl) ProcessUnsubscribeRequest(channel, sessionID string) error {
	members, ok := r.channels[channel]
	if !ok {
		return nil
	}
	if members[sessionID] {
		delete(members, sessionID)
		log.WithFields(r.LogTags).Infof(
			"Session %s unsubscribed from channel '%s'", sessionID, channel,
		)
	}
	return nil
}

// ----------------------------------------------------------------------------------------

type registryMembersReq struct {
	channel  string
	resultCB func([]EventTarget, error)
}

// MembersOf fetch the set of session IDs currently subscribed to a channel
func (r *channelRegistryImpl) MembersOf(channel string, ctxt context.Context) ([]string, error) {
	targets, err := r.LiveMembers(channel, ctxt)
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, len(targets))
	for _, target := range targets {
		members = append(members, target.SessionID())
	}
	sort.Strings(members)
	return members, nil
}

// LiveMembers fetch the delivery endpoints of the sessions currently
// subscribed to a channel. The result is a snapshot; sessions joining after
// the snapshot is taken are not part of it.
func (r *channelRegistryImpl) LiveMembers(
	channel string, ctxt context.Context,
) ([]EventTarget, error) {
	complete := make(chan bool, 1)
	var targets []EventTarget
	var processError error
	handler := func(result []EventTarget, err error) {
		targets = result
		processError = err
		complete <- true
	}

	request := registryMembersReq{channel: channel, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit members request")
		return nil, err
	}

	<-complete

	return targets, processError
}

func (r *channelRegistryImpl) processMembersRequest(param interface{}) error {
	request, ok := param.(registryMembersReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for members fetch", reflect.TypeOf(param),
		)
	}
	targets, err := r.ProcessMembersRequest(request.channel)
	request.resultCB(targets, err)
	return err
}

// ProcessMembersRequest snapshot the delivery endpoints subscribed to a channel
func (r *channelRegistryImpl) ProcessMembersRequest(channel string) ([]EventTarget, error) {
	// Reads perform the lazy eviction pass
	r.evictIfEmpty(channel)
	members, ok := r.channels[channel]
	if !ok {
		return []EventTarget{}, nil
	}
	targets := make([]EventTarget, 0, len(members))
	for sessionID := range members {
		target, ok := r.sessions[sessionID]
		if !ok {
			// Membership must never outlive the session
			return nil, fmt.Errorf(
				"channel '%s' references unknown session %s", channel, sessionID,
			)
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// ----------------------------------------------------------------------------------------

type registryRemoveSessionReq struct {
	sessionID string
	resultCB  func(error)
}

// RemoveSession purge a session from every channel and drop its registration.
// Safe to call repeatedly; removing an unknown session is a no-op.
func (r *channelRegistryImpl) RemoveSession(sessionID string, ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryRemoveSessionReq{sessionID: sessionID, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit remove-session request")
		return err
	}

	<-complete

	return processError
}

func (r *channelRegistryImpl) processRemoveSessionRequest(param interface{}) error {
	request, ok := param.(registryRemoveSessionReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for remove session", reflect.TypeOf(param),
		)
	}
	err := r.ProcessRemoveSessionRequest(request.sessionID)
	request.resultCB(err)
	return err
}

// ProcessRemoveSessionRequest purge a session from every channel
func (r *channelRegistryImpl) ProcessRemoveSessionRequest(sessionID string) error {
	if _, ok := r.sessions[sessionID]; !ok {
		log.WithFields(r.LogTags).Debugf("Session %s is not registered. Nothing to remove", sessionID)
		return nil
	}
	for channel, members := range r.channels {
		if members[sessionID] {
			delete(members, sessionID)
			log.WithFields(r.LogTags).Debugf(
				"Pruned session %s from channel '%s'", sessionID, channel,
			)
		}
	}
	delete(r.sessions, sessionID)
	log.WithFields(r.LogTags).Infof("Removed session %s", sessionID)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryDrainSessionsReq struct {
	resultCB func([]EventTarget, error)
}

// CloseAllSessions drop every registration and close all live sessions. Used
// on process shutdown. The close calls happen outside the registry event
// loop, so each session's own disconnect path can re-enter RemoveSession
// without deadlocking.
func (r *channelRegistryImpl) CloseAllSessions(ctxt context.Context) error {
	complete := make(chan bool, 1)
	var targets []EventTarget
	var processError error
	handler := func(result []EventTarget, err error) {
		targets = result
		processError = err
		complete <- true
	}

	request := registryDrainSessionsReq{resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit drain-sessions request")
		return err
	}

	<-complete

	if processError != nil {
		return processError
	}
	for _, target := range targets {
		if err := target.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed closing session %s during drain", target.SessionID(),
			)
		}
	}
	return nil
}

func (r *channelRegistryImpl) processDrainSessionsRequest(param interface{}) error {
	request, ok := param.(registryDrainSessionsReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for drain sessions", reflect.TypeOf(param),
		)
	}
	targets, err := r.ProcessDrainSessionsRequest()
	request.resultCB(targets, err)
	return err
}

// ProcessDrainSessionsRequest clear all registrations, returning the drained sessions
func (r *channelRegistryImpl) ProcessDrainSessionsRequest() ([]EventTarget, error) {
	targets := make([]EventTarget, 0, len(r.sessions))
	for _, target := range r.sessions {
		targets = append(targets, target)
	}
	r.sessions = make(map[string]EventTarget)
	r.channels = make(map[string]map[string]bool)
	log.WithFields(r.LogTags).Infof("Drained %d sessions from registry", len(targets))
	return targets, nil
}
