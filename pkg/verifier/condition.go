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
	"fmt"
	"net/http"
	"os"

	"github.com/kadirpekel/covenant/pkg/httpclient"
)

// ConditionKind names a condition predicate.
type ConditionKind string

const (
	// ConditionVarEquals asserts a context variable's value.
	ConditionVarEquals ConditionKind = "var_equals"

	// ConditionFileExists asserts a path exists.
	ConditionFileExists ConditionKind = "file_exists"

	// ConditionFileAbsent asserts a path does not exist.
	ConditionFileAbsent ConditionKind = "file_absent"

	// ConditionHTTPStatus asserts the status of a GET probe.
	ConditionHTTPStatus ConditionKind = "http_status"
)

// Condition is a declarative predicate over context variables and
// observable state, evaluated before (pre) and after (post) a step.
type Condition struct {
	Kind   ConditionKind `json:"kind" yaml:"kind"`
	Name   string        `json:"name,omitempty" yaml:"name"`
	Value  string        `json:"value,omitempty" yaml:"value"`
	Path   string        `json:"path,omitempty" yaml:"path"`
	URL    string        `json:"url,omitempty" yaml:"url"`
	Status int           `json:"status,omitempty" yaml:"status"`
}

// String renders the condition for audit records.
func (c Condition) String() string {
	switch c.Kind {
	case ConditionVarEquals:
		return fmt.Sprintf("%s == %q", c.Name, c.Value)
	case ConditionFileExists:
		return fmt.Sprintf("file_exists(%s)", c.Path)
	case ConditionFileAbsent:
		return fmt.Sprintf("file_absent(%s)", c.Path)
	case ConditionHTTPStatus:
		return fmt.Sprintf("http_status(%s) == %d", c.URL, c.Status)
	}
	return string(c.Kind)
}

// Validate checks the condition declares the fields its kind needs.
func (c Condition) Validate() error {
	switch c.Kind {
	case ConditionVarEquals:
		if c.Name == "" {
			return fmt.Errorf("var_equals condition requires a name")
		}
	case ConditionFileExists, ConditionFileAbsent:
		if c.Path == "" {
			return fmt.Errorf("%s condition requires a path", c.Kind)
		}
	case ConditionHTTPStatus:
		if c.URL == "" {
			return fmt.Errorf("http_status condition requires a url")
		}
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// ConditionEvaluator evaluates conditions against live state.
type ConditionEvaluator struct {
	client *httpclient.Client
}

// NewConditionEvaluator creates an evaluator. A nil client gets the default
// retrying client.
func NewConditionEvaluator(client *httpclient.Client) *ConditionEvaluator {
	if client == nil {
		client = httpclient.New()
	}
	return &ConditionEvaluator{client: client}
}

// Evaluate returns whether the condition holds. The error reports evaluator
// failures (unreachable probe), not unsatisfied predicates.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, c Condition, variables map[string]string) (bool, error) {
	switch c.Kind {
	case ConditionVarEquals:
		got, ok := variables[c.Name]
		return ok && got == c.Value, nil
	case ConditionFileExists:
		_, err := os.Stat(c.Path)
		return err == nil, nil
	case ConditionFileAbsent:
		_, err := os.Stat(c.Path)
		return os.IsNotExist(err), nil
	case ConditionHTTPStatus:
		req, err := http.NewRequest(http.MethodGet, c.URL, nil)
		if err != nil {
			return false, fmt.Errorf("invalid condition url: %w", err)
		}
		resp, err := e.client.Do(ctx, req)
		if resp == nil {
			return false, fmt.Errorf("condition probe failed: %w", err)
		}
		return resp.Status == c.Status, nil
	}
	return false, fmt.Errorf("unknown condition kind %q", c.Kind)
}
