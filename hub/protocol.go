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

// Client facing wire protocol. All frames are websocket text frames carrying
// a JSON body with a "type" marker.
//
// client to server:
//
//	{"type": "subscribe", "channel": "role.1.notifications"}
//	{"type": "unsubscribe", "channel": "role.1.notifications"}
//	{"type": "ping"}
//
// server to client:
//
//	{"type": "subscribe_ok", "channel": ...}
//	{"type": "subscribe_denied", "channel": ..., "reason": ...}
//	{"type": "unsubscribe_ok", "channel": ...}
//	{"type": "pong"}
//	{"type": "event", "event": ..., "channel": ..., "data": ...}
const (
	FrameTypeSubscribe       = "subscribe"
	FrameTypeUnsubscribe     = "unsubscribe"
	FrameTypePing            = "ping"
	FrameTypePong            = "pong"
	FrameTypeSubscribeOK     = "subscribe_ok"
	FrameTypeSubscribeDenied = "subscribe_denied"
	FrameTypeUnsubscribeOK   = "unsubscribe_ok"
	FrameTypeEvent           = "event"
)

// ClientRequest one decoded client request frame
type ClientRequest struct {
	// Type is the request frame type
	Type string `json:"type" validate:"required,oneof=subscribe unsubscribe ping"`
	// Channel is the channel a subscribe / unsubscribe request targets
	Channel string `json:"channel,omitempty" validate:"required_unless=Type ping"`
}

// ServerReply one control reply frame toward the client
type ServerReply struct {
	// Type is the reply frame type
	Type string `json:"type"`
	// Channel is the channel the original request targeted
	Channel string `json:"channel,omitempty"`
	// Reason is the rejection reason on a subscribe_denied reply
	Reason string `json:"reason,omitempty"`
}

// EventFrame one serialized event toward the client
type EventFrame struct {
	// Type is always "event"
	Type string `json:"type"`
	// Event is the event name
	Event string `json:"event"`
	// Channel is the channel the event was published on
	Channel string `json:"channel"`
	// Data is the event payload
	Data interface{} `json:"data"`
}
