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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/covenant/pkg/bounds"
	"github.com/kadirpekel/covenant/pkg/config"
	"github.com/kadirpekel/covenant/pkg/intent"
	"github.com/kadirpekel/covenant/pkg/proof"
	"github.com/kadirpekel/covenant/pkg/runtime"
	"github.com/kadirpekel/covenant/pkg/verifier"
)

func testServer(t *testing.T) (*httptest.Server, *runtime.Runtime) {
	t.Helper()
	rt, err := runtime.New(context.Background(), &config.Config{
		Store: config.StoreConfig{Backend: "memory"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	srv := httptest.NewServer(New(rt).routes())
	t.Cleanup(srv.Close)
	return srv, rt
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServer_DeclareExecuteVerify(t *testing.T) {
	srv, rt := testServer(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	resp := postJSON(t, srv.URL+"/v1/intents", DeclareIntentRequest{
		Goal: "write output",
		Steps: []*intent.Step{{
			Name:   "write",
			Action: intent.Action{Type: intent.ActionCommand, Command: "echo done > " + target},
			Verification: &verifier.Requirement{
				Type:      verifier.TypeFileSystem,
				Mandatory: true,
				Expected:  map[string]any{"exists": []string{target}},
			},
		}},
		Bounds: &bounds.Bounds{AllowedCommands: []string{"echo"}, AllowedPaths: []string{dir}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]string](t, resp)
	intentID := created["intent_id"]
	require.NotEmpty(t, intentID)

	// Status starts pending.
	resp, err := http.Get(srv.URL + "/v1/intents/" + intentID)
	require.NoError(t, err)
	status := decode[map[string]string](t, resp)
	assert.Equal(t, "pending", status["status"])

	// Execute.
	resp = postJSON(t, srv.URL+"/v1/intents/"+intentID+"/execute", ExecuteIntentRequest{AgentID: "operator"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[intent.Result](t, resp)
	require.True(t, result.Success)
	require.Len(t, result.ProofIDs, 1)

	// Verify the proof over the wire.
	resp, err = http.Get(srv.URL + "/v1/proofs/" + string(result.ProofIDs[0]) + "/verify")
	require.NoError(t, err)
	validity := decode[proof.Validity](t, resp)
	assert.True(t, validity.Valid, validity.Reason)

	// And through the journal directly.
	p, err := rt.Journal.Get(context.Background(), result.ProofIDs[0])
	require.NoError(t, err)
	assert.True(t, proof.Verify(p, rt.Provider).Valid)
}

func TestServer_NotFoundAndBadRequest(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/v1/intents/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/intents", DeclareIntentRequest{Goal: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_QueryTrust(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/v1/trust/unknown-agent")
	require.NoError(t, err)
	rep := decode[map[string]any](t, resp)
	assert.Equal(t, 0.5, rep["trust_score"])
}

func TestServer_NegotiatePromise(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/v1/promises/negotiate", NegotiatePromiseRequest{
		Agent: "worker",
		From:  "requester",
		Scope: "analysis",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	negotiated := decode[NegotiatePromiseResponse](t, resp)
	assert.Equal(t, "willing", string(negotiated.Willingness.Decision))
	assert.NotEmpty(t, negotiated.PromiseID)
}

func TestServer_Schema(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/v1/schema")
	require.NoError(t, err)
	schemas := decode[map[string]any](t, resp)
	assert.Contains(t, schemas, "declare_intent")
	assert.Contains(t, schemas, "negotiate_promise")
}
