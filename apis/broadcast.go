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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/fanout/common"
	"github.com/alwitt/fanout/hub"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIRestBroadcastHandler REST handler for the event fan-out service. Serves
// the client websocket endpoint and the upstream event publish endpoint.
type APIRestBroadcastHandler struct {
	goutils.RestAPIHandler
	registry        hub.ChannelRegistry
	gate            hub.AuthorizationGate
	publisher       hub.Publisher
	resolveIdentity IdentityResolver
	sessionConfig   common.SessionConfig
	upgrader        websocket.Upgrader
	validate        *validator.Validate
	baseContext     context.Context
	wg              *sync.WaitGroup
}

// GetAPIRestBroadcastHandler define APIRestBroadcastHandler
func GetAPIRestBroadcastHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	sessionConfig common.SessionConfig,
	resolver IdentityResolver,
	registry hub.ChannelRegistry,
	gate hub.AuthorizationGate,
	publisher hub.Publisher,
	wg *sync.WaitGroup,
) (APIRestBroadcastHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "broadcast",
	}
	return APIRestBroadcastHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		registry:        registry,
		gate:            gate,
		publisher:       publisher,
		resolveIdentity: resolver,
		sessionConfig:   sessionConfig,
		upgrader: websocket.Upgrader{
			// Cross origin policy is enforced by the upstream application layer
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validate:    validator.New(),
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// =======================================================================
// Client websocket endpoint

// -----------------------------------------------------------------------

// ClientSocket godoc
// @Summary Open a client connection session
// @Description Upgrade to a websocket connection session. The identity claim is read
// off the request headers before the upgrade and is immutable for the session's
// lifetime. All further interaction follows the subscription wire protocol.
// @tags Broadcast
// @Param Fanout-Request-ID header string false "User provided request ID to match against logs"
// @Param Fanout-Client-ID header string true "Caller ID establishing the identity claim"
// @Param Fanout-Client-Role header integer false "Caller role flag"
// @Success 101 {string} string "protocol switch"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/client/socket [get]
func (h APIRestBroadcastHandler) ClientSocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	claim, err := h.resolveIdentity(r)
	if err != nil {
		msg := "Unable to establish identity claim"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		_ = h.WriteRESTResponse(
			w,
			http.StatusUnauthorized,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error()),
			nil,
		)
		return
	}

	// The upgrade hijacks the connection. No REST response is possible past
	// this point; the upgrader already replied on failure.
	link, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	session, err := hub.DefineConnectionSession(
		link, claim, h.registry, h.gate, h.sessionConfig, h.baseContext, h.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define connection session")
		_ = link.Close()
		return
	}

	if err := h.registry.RegisterSession(session, r.Context()); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to register session %s", session.SessionID(),
		)
		_ = link.Close()
		return
	}

	if err := session.Start(); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to start session %s", session.SessionID(),
		)
		_ = session.Close()
	}
}

// ClientSocketHandler Wrapper around ClientSocket
func (h APIRestBroadcastHandler) ClientSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ClientSocket(w, r)
	}
}

// =======================================================================
// Event publish

// -----------------------------------------------------------------------

// APIReqPublishEvent publish request body
type APIReqPublishEvent struct {
	// Event is the event name
	Event string `json:"event" validate:"required"`
	// Payload is the structured event payload
	Payload json.RawMessage `json:"payload,omitempty" swaggertype:"object"`
	// CreatedAt is the source record creation timestamp anchoring the
	// emission window check
	CreatedAt *time.Time `json:"created_at,omitempty"`
	// MaxAgeSec is the trailing emission window in seconds. Set together
	// with created_at; a record older than the window at publish time
	// suppresses delivery.
	MaxAgeSec *int `json:"max_age_sec,omitempty" validate:"omitempty,gt=0"`
}

// APIRestRespDeliveryReport response of an event publish request
type APIRestRespDeliveryReport struct {
	goutils.RestAPIBaseResponse
	// DeliveryCount is the number of delivery attempts made. Zero with a
	// success marker means the emission predicate suppressed the publish
	// or the channel had no subscribers.
	DeliveryCount int `json:"delivery_count"`
}

// PublishEvent godoc
// @Summary Publish an event to a channel
// @Description Fan an event out to the channel's currently subscribed sessions. An
// optional created_at / max_age_sec pair attaches an emission window which is
// evaluated once at publish time.
// @tags Broadcast
// @Accept json
// @Produce json
// @Param Fanout-Request-ID header string false "User provided request ID to match against logs"
// @Param channelName path string true "Target channel name"
// @Param event body APIReqPublishEvent true "Event to publish"
// @Success 200 {object} APIRestRespDeliveryReport "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Fanout-Request-ID "Request ID to match against logs"
// @Router /v1/channel/{channelName}/event [post]
func (h APIRestBroadcastHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	channelName, ok := vars["channelName"]
	if !ok {
		msg := "No channel name provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := hub.ValidateChannelName(channelName); err != nil {
		msg := "Invalid channel name"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	var request APIReqPublishEvent
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse publish request body"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Invalid publish request body"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	// The emission window needs both its parameters
	var emit hub.EventPredicate
	if (request.CreatedAt != nil) != (request.MaxAgeSec != nil) {
		msg := "created_at and max_age_sec must be set together"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if request.CreatedAt != nil {
		emit = hub.WithinWindow(
			*request.CreatedAt, time.Second*time.Duration(*request.MaxAgeSec),
		)
	}

	var payload interface{}
	if len(request.Payload) > 0 {
		payload = request.Payload
	}

	deliveries, err := h.publisher.Emit(request.Event, payload, channelName, emit, r.Context())
	if err != nil {
		msg := fmt.Sprintf("Unable to publish event to %s", channelName)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespDeliveryReport{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		DeliveryCount: deliveries,
	}
}

// PublishEventHandler Wrapper around PublishEvent
func (h APIRestBroadcastHandler) PublishEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishEvent(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For broadcast REST API liveness check
// @Description Will return success to indicate broadcast REST API module is live
// @tags Broadcast
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestBroadcastHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestBroadcastHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For broadcast REST API readiness check
// @Description Will return success if broadcast REST API module is ready for use
// @tags Broadcast
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestBroadcastHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	// Verify the registry event loop is still answering
	useContext, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if _, err := h.registry.MembersOf("system.0.readiness", useContext); err == nil {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		log.WithError(err).WithFields(localLogTags).Error("Registry readiness probe failed")
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestBroadcastHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// -----------------------------------------------------------------------

// Write logging support
func (h APIRestBroadcastHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}
