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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/fanout/apis"
	"github.com/alwitt/fanout/common"
	"github.com/alwitt/fanout/hub"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunBrokerServer run the event fan-out broker server
func RunBrokerServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Build the fan-out core

	// The task processors outlive the runtime context. They must still be
	// answering while the shutdown sequence closes out the client sessions,
	// so they are stopped explicitly at the very end.
	registryTP, err := common.GetNewTaskProcessorInstance(
		"channel-registry", config.Fanout.RegistryTaskBuffer, context.Background(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define registry task processor")
		return err
	}

	dispatchTP, err := common.GetNewTaskProcessorInstance(
		"event-dispatch", config.Fanout.DispatchTaskBuffer, context.Background(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatch task processor")
		return err
	}

	registry, err := hub.DefineChannelRegistry(registryTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define channel registry")
		return err
	}

	gate, err := hub.DefineAuthorizationGate(
		time.Second * time.Duration(config.Fanout.Authorize.RequestTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define authorization gate")
		return err
	}
	if len(config.Fanout.Authorize.PublicPatterns) > 0 {
		if err := gate.RegisterPublicChannels(config.Fanout.Authorize.PublicPatterns...); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to register public channels")
			return err
		}
	}
	if len(config.Fanout.Authorize.RolePatterns) > 0 {
		if err := gate.RegisterPrivateChannels(
			hub.RoleMatchCheck("roleID"), config.Fanout.Authorize.RolePatterns...,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to register private channels")
			return err
		}
	}

	dispatcher, err := hub.DefineEventDispatcher(registry, dispatchTP, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event dispatcher")
		return err
	}

	publisher, err := hub.DefinePublisher(dispatcher)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define publisher")
		return err
	}

	if err := registryTP.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start registry event loop")
		return err
	}
	if err := dispatchTP.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start dispatch event loop")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	resolver := apis.DefineHeaderIdentityResolver(config.Fanout.Identity)

	httpHandler, err := apis.GetAPIRestBroadcastHandler(
		localCtxt,
		&config.Broker.HTTPSetting,
		config.Fanout.Session,
		resolver,
		registry,
		gate,
		publisher,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Broker.Endpoints.PathPrefix, nil)

	// Client connection sessions
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/client/socket", map[string]http.HandlerFunc{
			"get": httpHandler.ClientSocketHandler(),
		},
	)

	// Event publish
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/channel/{channelName}/event", map[string]http.HandlerFunc{
			"post": httpHandler.PublishEventHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverCfg := config.Broker.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Close out the client sessions before stopping the trackers
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := registry.CloseAllSessions(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during session close out")
		}
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	if err := dispatchTP.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to stop dispatch event loop")
	}
	if err := registryTP.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to stop registry event loop")
	}

	return nil
}
