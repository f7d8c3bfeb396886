// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net/http"

	"github.com/invopop/jsonschema"
)

// handleSchema serves JSON schemas of the request payloads so hosts can
// validate before calling.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	reflector := &jsonschema.Reflector{DoNotReference: false}

	schemas := map[string]*jsonschema.Schema{
		"declare_intent":    reflector.Reflect(&DeclareIntentRequest{}),
		"execute_intent":    reflector.Reflect(&ExecuteIntentRequest{}),
		"cancel_intent":     reflector.Reflect(&CancelIntentRequest{}),
		"negotiate_promise": reflector.Reflect(&NegotiatePromiseRequest{}),
	}
	writeJSON(w, http.StatusOK, schemas)
}
