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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/fanout/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// mockClientLink test double for one client transport link
type mockClientLink struct {
	incoming  chan []byte
	outgoing  chan []byte
	closed    chan bool
	closeOnce sync.Once
}

func newMockClientLink() *mockClientLink {
	return &mockClientLink{
		incoming: make(chan []byte, 16),
		outgoing: make(chan []byte, 16),
		closed:   make(chan bool),
	}
}

func (m *mockClientLink) ReadMessage() (int, []byte, error) {
	select {
	case payload := <-m.incoming:
		return websocket.TextMessage, payload, nil
	case <-m.closed:
		return 0, nil, fmt.Errorf("link closed")
	}
}

func (m *mockClientLink) WriteMessage(messageType int, data []byte) error {
	select {
	case <-m.closed:
		return fmt.Errorf("link closed")
	default:
	}
	if messageType == websocket.TextMessage {
		m.outgoing <- data
	}
	return nil
}

func (m *mockClientLink) WriteControl(int, []byte, time.Time) error {
	select {
	case <-m.closed:
		return fmt.Errorf("link closed")
	default:
		return nil
	}
}

func (m *mockClientLink) SetReadLimit(int64) {}

func (m *mockClientLink) SetReadDeadline(time.Time) error { return nil }

func (m *mockClientLink) SetWriteDeadline(time.Time) error { return nil }

func (m *mockClientLink) SetPongHandler(func(string) error) {}

func (m *mockClientLink) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// sendRequest helper pushing one client request frame into the link
func (m *mockClientLink) sendRequest(assert *assert.Assertions, request ClientRequest) {
	frame, err := json.Marshal(&request)
	assert.Nil(err)
	m.incoming <- frame
}

// nextReply helper reading the next server frame off the link
func (m *mockClientLink) nextReply(assert *assert.Assertions) []byte {
	select {
	case frame := <-m.outgoing:
		return frame
	case <-time.After(time.Second * 5):
		assert.FailNow("timed out waiting for server frame")
		return nil
	}
}

func defineTestSessionStack(
	assert *assert.Assertions, ctxt context.Context, wg *sync.WaitGroup,
) (ChannelRegistry, AuthorizationGate) {
	tp, err := common.GetNewTaskProcessorInstance("unit-test", 4, ctxt)
	assert.Nil(err)
	registry, err := DefineChannelRegistry(tp)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(wg))

	gate, err := DefineAuthorizationGate(time.Second)
	assert.Nil(err)
	assert.Nil(gate.RegisterPrivateChannels(RoleMatchCheck("roleID"), "role.{roleID}.notifications"))
	return registry, gate
}

func testSessionConfig() common.SessionConfig {
	return common.SessionConfig{
		SendQueueLen:  16,
		MaxRequestLen: 4096,
		WriteTimeout:  5,
		Keepalive:     common.KeepaliveConfig{ProbeInterval: 60, InactiveTimeout: 120},
	}
}

func TestConnectionSessionSubscriptionFlow(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry, gate := defineTestSessionStack(assert, ctxt, &wg)

	link := newMockClientLink()
	claim := IdentityClaim{ID: uuid.New().String(), Role: 1}
	uut, err := DefineConnectionSession(link, claim, registry, gate, testSessionConfig(), ctxt, &wg)
	assert.Nil(err)
	assert.Equal(claim, uut.Claim())
	assert.Nil(registry.RegisterSession(uut, ctxt))
	assert.Nil(uut.Start())

	// Case 0: starting twice fails
	assert.NotNil(uut.Start())

	// Case 1: subscribe to an authorized channel
	{
		link.sendRequest(assert, ClientRequest{Type: FrameTypeSubscribe, Channel: "role.1.notifications"})
		var reply ServerReply
		assert.Nil(json.Unmarshal(link.nextReply(assert), &reply))
		assert.Equal(FrameTypeSubscribeOK, reply.Type)
		assert.Equal("role.1.notifications", reply.Channel)
		assert.Equal([]string{"role.1.notifications"}, uut.Subscriptions())
		members, err := registry.MembersOf("role.1.notifications", ctxt)
		assert.Nil(err)
		assert.Equal([]string{uut.SessionID()}, members)
	}

	// Case 2: repeating the subscribe acknowledges again
	{
		link.sendRequest(assert, ClientRequest{Type: FrameTypeSubscribe, Channel: "role.1.notifications"})
		var reply ServerReply
		assert.Nil(json.Unmarshal(link.nextReply(assert), &reply))
		assert.Equal(FrameTypeSubscribeOK, reply.Type)
		assert.Equal([]string{"role.1.notifications"}, uut.Subscriptions())
	}

	// Case 3: subscribe to a channel outside the claim's role is rejected
	{
		link.sendRequest(assert, ClientRequest{Type: FrameTypeSubscribe, Channel: "role.2.notifications"})
		var reply ServerReply
		assert.Nil(json.Unmarshal(link.nextReply(assert), &reply))
		assert.Equal(FrameTypeSubscribeDenied, reply.Type)
		assert.Equal("role.2.notifications", reply.Channel)
		assert.NotEmpty(reply.Reason)
		assert.Equal([]string{"role.1.notifications"}, uut.Subscriptions())
		members, err := registry.MembersOf("role.2.notifications", ctxt)
		assert.Nil(err)
		assert.Empty(members)
	}

	// Case 4: protocol level ping
	{
		link.sendRequest(assert, ClientRequest{Type: FrameTypePing})
		var reply ServerReply
		assert.Nil(json.Unmarshal(link.nextReply(assert), &reply))
		assert.Equal(FrameTypePong, reply.Type)
	}

	// Case 5: malformed frames are discarded without reply
	{
		link.incoming <- []byte("not json")
		link.sendRequest(assert, ClientRequest{Type: "announce", Channel: "role.1.notifications"})
		link.sendRequest(assert, ClientRequest{Type: FrameTypePing})
		var reply ServerReply
		assert.Nil(json.Unmarshal(link.nextReply(assert), &reply))
		assert.Equal(FrameTypePong, reply.Type)
	}

	// Case 6: queued event frames reach the client
	{
		frame, err := json.Marshal(&EventFrame{
			Type: FrameTypeEvent, Event: "TestEvent", Channel: "role.1.notifications",
		})
		assert.Nil(err)
		assert.Nil(uut.SendBytes(frame))
		var received EventFrame
		assert.Nil(json.Unmarshal(link.nextReply(assert), &received))
		assert.Equal("TestEvent", received.Event)
	}

	// Case 7: unsubscribe drops the membership
	{
		link.sendRequest(assert, ClientRequest{Type: FrameTypeUnsubscribe, Channel: "role.1.notifications"})
		var reply ServerReply
		assert.Nil(json.Unmarshal(link.nextReply(assert), &reply))
		assert.Equal(FrameTypeUnsubscribeOK, reply.Type)
		assert.Empty(uut.Subscriptions())
		members, err := registry.MembersOf("role.1.notifications", ctxt)
		assert.Nil(err)
		assert.Empty(members)
	}

	assert.Nil(uut.Close())
}

func TestConnectionSessionClose(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry, gate := defineTestSessionStack(assert, ctxt, &wg)

	link := newMockClientLink()
	claim := IdentityClaim{ID: uuid.New().String(), Role: 1}
	uut, err := DefineConnectionSession(link, claim, registry, gate, testSessionConfig(), ctxt, &wg)
	assert.Nil(err)
	assert.Nil(registry.RegisterSession(uut, ctxt))
	assert.Nil(uut.Start())

	link.sendRequest(assert, ClientRequest{Type: FrameTypeSubscribe, Channel: "role.1.notifications"})
	{
		var reply ServerReply
		assert.Nil(json.Unmarshal(link.nextReply(assert), &reply))
		assert.Equal(FrameTypeSubscribeOK, reply.Type)
	}

	// Case 0: close prunes the session from the registry
	assert.Nil(uut.Close())
	{
		members, err := registry.MembersOf("role.1.notifications", ctxt)
		assert.Nil(err)
		assert.Empty(members)
	}

	// Case 1: close is idempotent
	assert.Nil(uut.Close())
	assert.Nil(uut.Close())

	// Case 2: delivery after close reports the session closed
	{
		err := uut.SendBytes([]byte("{}"))
		assert.NotNil(err)
		assert.Equal(ErrSessionClosed, err)
	}
}

func TestConnectionSessionTransportFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry, gate := defineTestSessionStack(assert, ctxt, &wg)

	link := newMockClientLink()
	claim := IdentityClaim{ID: uuid.New().String(), Role: 1}
	uut, err := DefineConnectionSession(link, claim, registry, gate, testSessionConfig(), ctxt, &wg)
	assert.Nil(err)
	assert.Nil(registry.RegisterSession(uut, ctxt))
	assert.Nil(uut.Start())

	link.sendRequest(assert, ClientRequest{Type: FrameTypeSubscribe, Channel: "role.1.notifications"})
	{
		var reply ServerReply
		assert.Nil(json.Unmarshal(link.nextReply(assert), &reply))
		assert.Equal(FrameTypeSubscribeOK, reply.Type)
	}

	// Case 0: losing the transport closes the session and prunes the registry
	assert.Nil(link.Close())
	assert.Eventually(func() bool {
		members, err := registry.MembersOf("role.1.notifications", ctxt)
		return err == nil && len(members) == 0
	}, time.Second*5, time.Millisecond*10)
	assert.Equal(ErrSessionClosed, uut.SendBytes([]byte("{}")))
}

func TestConnectionSessionRequiresValidClaim(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry, gate := defineTestSessionStack(assert, ctxt, &wg)

	// Case 0: claim without a principal ID is rejected
	link := newMockClientLink()
	_, err := DefineConnectionSession(
		link, IdentityClaim{Role: 1}, registry, gate, testSessionConfig(), ctxt, &wg,
	)
	assert.NotNil(err)
}
