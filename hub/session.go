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
	"sort"
	"sync"
	"time"

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ClientLink transport surface of one live client connection. Satisfied by
// *websocket.Conn.
type ClientLink interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ConnectionSession one live bidirectional client connection. Owns its
// subscription set; the set only ever contains channels for which
// authorization succeeded. Transitions to closed exactly once regardless of
// how many disconnect signals race, and closing always prunes the session
// from the channel registry.
type ConnectionSession interface {
	EventTarget
	Claim() IdentityClaim
	Subscriptions() []string
	LastActivity() time.Time
	Start() error
}

// connectionSessionImpl implements ConnectionSession
type connectionSessionImpl struct {
	common.Component
	sessionID        string
	link             ClientLink
	claim            IdentityClaim
	registry         ChannelRegistry
	gate             AuthorizationGate
	sendQueue        chan []byte
	lock             *sync.Mutex
	started          bool
	closed           bool
	subscribed       map[string]bool
	lastActive       time.Time
	maxRequestLen    int64
	writeTimeout     time.Duration
	probeInterval    time.Duration
	inactiveTimeout  time.Duration
	keepalive        common.IntervalTimer
	validate         *validator.Validate
	operationContext context.Context
	contextCancel    context.CancelFunc
	wg               *sync.WaitGroup
}

// DefineConnectionSession create a new connection session around a client link
func DefineConnectionSession(
	link ClientLink,
	claim IdentityClaim,
	registry ChannelRegistry,
	gate AuthorizationGate,
	config common.SessionConfig,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (ConnectionSession, error) {
	validate := validator.New()
	if err := validate.Struct(&claim); err != nil {
		return nil, err
	}
	sessionID := uuid.New().String()
	logTags := log.Fields{
		"module":    "hub",
		"component": "connection-session",
		"session":   sessionID,
		"client":    claim.ID,
	}
	keepalive, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("session-keepalive/%s", sessionID), rootCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define keepalive timer")
		return nil, err
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	return &connectionSessionImpl{
		Component:        common.Component{LogTags: logTags},
		sessionID:        sessionID,
		link:             link,
		claim:            claim,
		registry:         registry,
		gate:             gate,
		sendQueue:        make(chan []byte, config.SendQueueLen),
		lock:             &sync.Mutex{},
		started:          false,
		closed:           false,
		subscribed:       make(map[string]bool),
		lastActive:       time.Now(),
		maxRequestLen:    config.MaxRequestLen,
		writeTimeout:     time.Second * time.Duration(config.WriteTimeout),
		probeInterval:    time.Second * time.Duration(config.Keepalive.ProbeInterval),
		inactiveTimeout:  time.Second * time.Duration(config.Keepalive.InactiveTimeout),
		keepalive:        keepalive,
		validate:         validate,
		operationContext: ctxt,
		contextCancel:    cancel,
		wg:               wg,
	}, nil
}

// SessionID the unique session ID
func (s *connectionSessionImpl) SessionID() string {
	return s.sessionID
}

// Claim the identity claim attached at session start
func (s *connectionSessionImpl) Claim() IdentityClaim {
	return s.claim
}

// Subscriptions the channels this session is currently subscribed to
func (s *connectionSessionImpl) Subscriptions() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	channels := make([]string, 0, len(s.subscribed))
	for channel := range s.subscribed {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// LastActivity timestamp of the last client activity seen on this session
func (s *connectionSessionImpl) LastActivity() time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastActive
}

// touch record client activity and push out the liveness deadline
func (s *connectionSessionImpl) touch() {
	s.lock.Lock()
	s.lastActive = time.Now()
	s.lock.Unlock()
	_ = s.link.SetReadDeadline(time.Now().Add(s.inactiveTimeout))
}

// Start launch the session read / write loops and the keepalive probes
func (s *connectionSessionImpl) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return fmt.Errorf("session %s already started", s.sessionID)
	}
	s.started = true

	s.link.SetReadLimit(s.maxRequestLen)
	if err := s.link.SetReadDeadline(time.Now().Add(s.inactiveTimeout)); err != nil {
		return err
	}
	s.link.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	if err := s.keepalive.Start(s.probeInterval, s.probeLiveness, false); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to start keepalive probes")
		return err
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()

	log.WithFields(s.LogTags).Info("Session started")
	return nil
}

// probeLiveness emit one keepalive probe. A failed probe means the link is
// gone, so the session closes.
func (s *connectionSessionImpl) probeLiveness() error {
	deadline := time.Now().Add(s.writeTimeout)
	if err := s.link.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
		log.WithError(err).WithFields(s.LogTags).Info("Keepalive probe failed. Closing session")
		return s.Close()
	}
	return nil
}

// ----------------------------------------------------------------------------------------

// readLoop process client request frames until the link fails or the session closes
func (s *connectionSessionImpl) readLoop() {
	defer s.wg.Done()
	defer log.WithFields(s.LogTags).Info("Read loop exiting")
	defer func() {
		_ = s.Close()
	}()
	for {
		msgType, payload, err := s.link.ReadMessage()
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Transport read ended")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.touch()
		var request ClientRequest
		if err := json.Unmarshal(payload, &request); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warn("Discarding malformed request frame")
			continue
		}
		if err := s.validate.Struct(&request); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warn("Discarding invalid request frame")
			continue
		}
		switch request.Type {
		case FrameTypeSubscribe:
			s.handleSubscribe(request.Channel)
		case FrameTypeUnsubscribe:
			s.handleUnsubscribe(request.Channel)
		case FrameTypePing:
			s.queueReply(ServerReply{Type: FrameTypePong})
		}
	}
}

// handleSubscribe process one subscription request. Each attempt is
// independent; a rejection is reported to the client, never retried here.
func (s *connectionSessionImpl) handleSubscribe(channel string) {
	s.lock.Lock()
	alreadySubscribed := s.subscribed[channel]
	s.lock.Unlock()
	if alreadySubscribed {
		s.queueReply(ServerReply{Type: FrameTypeSubscribeOK, Channel: channel})
		return
	}

	if err := s.gate.Authorize(s.claim, channel, s.operationContext); err != nil {
		reason := "not authorized"
		var denied AuthorizationDeniedError
		if errors.As(err, &denied) {
			reason = denied.Reason
		}
		log.WithError(err).WithFields(s.LogTags).Infof(
			"Subscription to channel '%s' rejected", channel,
		)
		s.queueReply(ServerReply{
			Type: FrameTypeSubscribeDenied, Channel: channel, Reason: reason,
		})
		return
	}

	if err := s.registry.Subscribe(channel, s.sessionID, s.operationContext); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to record subscription to channel '%s'", channel,
		)
		s.queueReply(ServerReply{
			Type: FrameTypeSubscribeDenied, Channel: channel, Reason: "subscription not recorded",
		})
		return
	}

	s.lock.Lock()
	s.subscribed[channel] = true
	s.lock.Unlock()
	log.WithFields(s.LogTags).Infof("Subscribed to channel '%s'", channel)
	s.queueReply(ServerReply{Type: FrameTypeSubscribeOK, Channel: channel})
}

// handleUnsubscribe process one unsubscribe request
func (s *connectionSessionImpl) handleUnsubscribe(channel string) {
	if err := s.registry.Unsubscribe(channel, s.sessionID, s.operationContext); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to drop subscription to channel '%s'", channel,
		)
		return
	}
	s.lock.Lock()
	delete(s.subscribed, channel)
	s.lock.Unlock()
	log.WithFields(s.LogTags).Infof("Unsubscribed from channel '%s'", channel)
	s.queueReply(ServerReply{Type: FrameTypeUnsubscribeOK, Channel: channel})
}

// queueReply serialize a control reply and queue it toward the client
func (s *connectionSessionImpl) queueReply(reply ServerReply) {
	frame, err := json.Marshal(&reply)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to serialize %s reply", reply.Type,
		)
		return
	}
	select {
	case s.sendQueue <- frame:
	case <-s.operationContext.Done():
	}
}

// ----------------------------------------------------------------------------------------

// writeLoop forward queued frames onto the transport until the session closes
func (s *connectionSessionImpl) writeLoop() {
	defer s.wg.Done()
	defer log.WithFields(s.LogTags).Info("Write loop exiting")
	defer func() {
		_ = s.Close()
	}()
	for {
		select {
		case <-s.operationContext.Done():
			deadline := time.Now().Add(s.writeTimeout)
			_ = s.link.SetWriteDeadline(deadline)
			_ = s.link.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return
		case frame := <-s.sendQueue:
			_ = s.link.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.link.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.WithError(err).WithFields(s.LogTags).Info("Transport write failed")
				return
			}
		}
	}
}

// SendBytes queue one serialized event toward the client. Returns
// ErrSessionClosed once the session transitioned to closed. A full send
// queue drops the frame rather than block the dispatcher.
func (s *connectionSessionImpl) SendBytes(frame []byte) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return ErrSessionClosed
	}
	s.lock.Unlock()
	select {
	case s.sendQueue <- frame:
		return nil
	default:
		log.WithFields(s.LogTags).Warn("Send queue full. Dropping event")
		return nil
	}
}

// ----------------------------------------------------------------------------------------

// Close tear the session down. Idempotent; only the first call performs the
// teardown, and it always prunes the session from the registry.
func (s *connectionSessionImpl) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	s.lock.Unlock()

	log.WithFields(s.LogTags).Info("Closing session")
	s.contextCancel()
	_ = s.keepalive.Stop()
	_ = s.link.Close()

	useContext, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := s.registry.RemoveSession(s.sessionID, useContext); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to prune session from registry")
		return err
	}
	return nil
}
