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

package verifier

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/crypto/blake2b"

	"github.com/kadirpekel/covenant/pkg/httpclient"
)

// NetworkExpectation is the decoded expectation of a network verifier.
type NetworkExpectation struct {
	// URL to probe. When empty, the verifier asserts against the trace's
	// recorded HTTP observation instead of issuing a request.
	URL string `mapstructure:"url"`

	// Method defaults to GET.
	Method string `mapstructure:"method"`

	// Status the response must carry.
	Status int `mapstructure:"status"`

	// Headers that must be present with the given values.
	Headers map[string]string `mapstructure:"headers"`

	// BodyContains must appear in the response body.
	BodyContains string `mapstructure:"body_contains"`

	// BodyMatches is a regular expression the body must match.
	BodyMatches string `mapstructure:"body_matches"`

	// MaxLatencyMS caps the observed latency.
	MaxLatencyMS int64 `mapstructure:"max_latency_ms"`
}

// NetworkVerifier asserts HTTP observations: either by probing the target
// itself or by checking the trace the action recorded.
type NetworkVerifier struct {
	client *httpclient.Client
}

// NewNetworkVerifier creates a network verifier. A nil client gets the
// default retrying client.
func NewNetworkVerifier(client *httpclient.Client) *NetworkVerifier {
	if client == nil {
		client = httpclient.New()
	}
	return &NetworkVerifier{client: client}
}

// Kind identifies the verifier.
func (v *NetworkVerifier) Kind() Type { return TypeNetwork }

// Verify probes the endpoint (or reads the trace) and checks the response.
func (v *NetworkVerifier) Verify(ctx context.Context, input Input) (Outcome, error) {
	var expected NetworkExpectation
	if err := mapstructure.Decode(input.Expected, &expected); err != nil {
		return Outcome{}, fmt.Errorf("invalid network expectation: %w", err)
	}

	var (
		status  int
		headers map[string]string
		body    []byte
		latency int64
	)

	if expected.URL != "" {
		method := expected.Method
		if method == "" {
			method = http.MethodGet
		}
		req, err := http.NewRequest(method, expected.URL, nil)
		if err != nil {
			return Outcome{}, fmt.Errorf("invalid probe url: %w", err)
		}
		resp, err := v.client.Do(ctx, req)
		if resp == nil {
			// No response at all is a transient verifier failure.
			return Outcome{}, fmt.Errorf("probe failed: %w", err)
		}
		status = resp.Status
		headers = flattenHeaders(resp.Headers)
		body = resp.Body
		latency = resp.Latency.Milliseconds()
	} else {
		if input.Trace == nil || input.Trace.HTTPStatus == 0 {
			return Outcome{}, fmt.Errorf("network verifier requires a url or an http trace")
		}
		status = input.Trace.HTTPStatus
		headers = input.Trace.HTTPHeaders
		body = input.Trace.HTTPBody
		latency = input.Trace.HTTPLatency.Milliseconds()
	}

	bodySum := blake2b.Sum256(body)
	evidence := map[string]any{
		"request":       canonicalRequest(expected),
		"status":        status,
		"response_hash": hex.EncodeToString(bodySum[:]),
		"latency_ms":    latency,
	}

	fail := func(reason string) (Outcome, error) {
		return finish(Outcome{Passed: false, Reason: reason, Evidence: evidence}), nil
	}

	if expected.Status != 0 && status != expected.Status {
		return fail(fmt.Sprintf("status %d, expected %d", status, expected.Status))
	}
	for _, name := range sortedKeys(expected.Headers) {
		if got := headers[http.CanonicalHeaderKey(name)]; got != expected.Headers[name] {
			return fail(fmt.Sprintf("header %s = %q, expected %q", name, got, expected.Headers[name]))
		}
	}
	if expected.BodyContains != "" && !strings.Contains(string(body), expected.BodyContains) {
		return fail(fmt.Sprintf("body does not contain %q", expected.BodyContains))
	}
	if expected.BodyMatches != "" {
		re, err := regexp.Compile(expected.BodyMatches)
		if err != nil {
			return Outcome{}, fmt.Errorf("invalid body_matches pattern: %w", err)
		}
		if !re.Match(body) {
			return fail(fmt.Sprintf("body does not match %q", expected.BodyMatches))
		}
	}
	if expected.MaxLatencyMS > 0 && latency > expected.MaxLatencyMS {
		return fail(fmt.Sprintf("latency %dms exceeds ceiling %dms", latency, expected.MaxLatencyMS))
	}

	return finish(Outcome{Passed: true, Evidence: evidence}), nil
}

// canonicalRequest renders the probe deterministically for evidence.
func canonicalRequest(e NetworkExpectation) string {
	method := e.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + e.URL
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[http.CanonicalHeaderKey(name)] = values[0]
		}
	}
	return out
}
