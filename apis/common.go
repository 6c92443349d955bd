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
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/fanout/common"
	"github.com/alwitt/fanout/hub"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// IdentityResolver extracts the authenticated identity claim off a new
// connection request. Authentication itself happens upstream of this
// service; the resolver only reads what that layer established.
type IdentityResolver func(r *http.Request) (hub.IdentityClaim, error)

// DefineHeaderIdentityResolver define a resolver reading the claim fields
// off the configured request headers
func DefineHeaderIdentityResolver(config common.IdentityConfig) IdentityResolver {
	return func(r *http.Request) (hub.IdentityClaim, error) {
		clientID := r.Header.Get(config.ClientIDHeader)
		if clientID == "" {
			return hub.IdentityClaim{}, fmt.Errorf(
				"request carries no '%s' header", config.ClientIDHeader,
			)
		}
		claim := hub.IdentityClaim{ID: clientID}
		if rawRole := r.Header.Get(config.RoleHeader); rawRole != "" {
			role, err := strconv.Atoi(rawRole)
			if err != nil {
				return hub.IdentityClaim{}, fmt.Errorf(
					"request header '%s' is not a role flag: %s", config.RoleHeader, rawRole,
				)
			}
			claim.Role = role
		}
		return claim, nil
	}
}
