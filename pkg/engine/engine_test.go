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

package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/kadirpekel/covenant/pkg/agentctx"
	"github.com/kadirpekel/covenant/pkg/bounds"
	"github.com/kadirpekel/covenant/pkg/checkpoint"
	"github.com/kadirpekel/covenant/pkg/crypto"
	"github.com/kadirpekel/covenant/pkg/events"
	"github.com/kadirpekel/covenant/pkg/executor"
	"github.com/kadirpekel/covenant/pkg/fault"
	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/intent"
	"github.com/kadirpekel/covenant/pkg/proof"
	"github.com/kadirpekel/covenant/pkg/recovery"
	"github.com/kadirpekel/covenant/pkg/sandbox"
	"github.com/kadirpekel/covenant/pkg/store"
	"github.com/kadirpekel/covenant/pkg/trust"
	"github.com/kadirpekel/covenant/pkg/verifier"
)

type harness struct {
	engine   *Engine
	bus      *events.Bus
	journal  *proof.Journal
	trust    *trust.Model
	provider *crypto.Ed25519Provider
}

func newHarness(t *testing.T, registry *verifier.Registry) *harness {
	t.Helper()

	s := store.NewMemoryStore()
	provider, err := crypto.NewEd25519Provider()
	require.NoError(t, err)

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	journal := proof.NewJournal(s)
	model := trust.NewModel(s)
	checkpoints := checkpoint.NewManager(nil, checkpoint.NewStorage(s))

	exec := executor.New(executor.Options{
		Sandbox:     sandbox.NewLocal(provider),
		Checkpoints: checkpoints,
		Verifiers:   verifier.NewRunner(registry),
		Proofs:      proof.NewGenerator(provider),
		Journal:     journal,
		Bus:         bus,
		Trust:       model,
	})

	eng := New(Options{
		Store:       s,
		Bus:         bus,
		Executor:    exec,
		Checkpoints: checkpoints,
		Trust:       model,
	})

	return &harness{engine: eng, bus: bus, journal: journal, trust: model, provider: provider}
}

func workspaceBounds(dir string) *bounds.Bounds {
	return &bounds.Bounds{
		AllowedCommands: []string{"echo", "ls"},
		AllowedPaths:    []string{dir},
	}
}

func rootContext(b *bounds.Bounds, agent string) *agentctx.Context {
	return agentctx.NewRoot(b, agentctx.Metadata{Creator: "test", AgentID: ident.AgentID(agent)})
}

func collectTopics(sub *events.Subscription) []events.Topic {
	var topics []events.Topic
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return topics
			}
			topics = append(topics, ev.Topic)
		case <-time.After(100 * time.Millisecond):
			return topics
		}
	}
}

func blakeHex(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestExecute_CreateFileWithMandatoryVerification(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := t.TempDir()
	target := filepath.Join(dir, "a.txt")

	in := intent.New("create the greeting", []*intent.Step{{
		ID:   "s1",
		Name: "create file",
		Action: intent.Action{
			Type:    intent.ActionCommand,
			Command: `echo "hello" > ` + target,
		},
		Verification: &verifier.Requirement{
			Type:      verifier.TypeFileSystem,
			Mandatory: true,
			Expected: map[string]any{
				"exists":       []string{target},
				"content_hash": map[string]string{target: blakeHex([]byte("hello\n"))},
			},
		},
	}})
	in.Bounds = workspaceBounds(dir)

	id, err := h.engine.Submit(ctx, in)
	require.NoError(t, err)

	sub := h.bus.Subscribe(events.SubscribeOptions{
		CorrelationID: string(id),
		Topics: []events.Topic{
			events.TopicIntentStarted,
			events.TopicStepStarted,
			events.TopicVerificationPassed,
			events.TopicStepCompleted,
			events.TopicIntentCompleted,
		},
	})

	result, err := h.engine.Execute(ctx, id, rootContext(in.Bounds, "agent-a"))
	require.NoError(t, err)

	require.True(t, result.Success, "step result: %+v", result.StepResults["s1"])
	assert.Equal(t, intent.StatusCompleted, result.Status)
	require.Len(t, result.ProofIDs, 1)

	// Exactly one proof, verifiable under the signer key, bound to the
	// post-state the executor captured.
	p, err := h.journal.Get(ctx, result.ProofIDs[0])
	require.NoError(t, err)
	assert.True(t, proof.Verify(p, h.provider).Valid)
	assert.NotEmpty(t, p.PostStateHash)

	assert.Equal(t, []events.Topic{
		events.TopicIntentStarted,
		events.TopicStepStarted,
		events.TopicVerificationPassed,
		events.TopicStepCompleted,
		events.TopicIntentCompleted,
	}, collectTopics(sub))

	// Verified success raises the actor's trust.
	rep, err := h.trust.Get(ctx, ident.AgentID("agent-a"))
	require.NoError(t, err)
	assert.Greater(t, rep.Score, trust.InitialScore)
}

func TestExecute_BoundsViolation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := t.TempDir()

	in := intent.New("destroy everything", []*intent.Step{{
		ID:     "s1",
		Name:   "wipe",
		Action: intent.Action{Type: intent.ActionCommand, Command: "rm -rf /"},
	}})
	in.Bounds = workspaceBounds(dir)

	id, err := h.engine.Submit(ctx, in)
	require.NoError(t, err)

	sub := h.bus.Subscribe(events.SubscribeOptions{
		CorrelationID: string(id),
		Topics:        []events.Topic{events.TopicBoundsViolation},
	})

	result, err := h.engine.Execute(ctx, id, rootContext(in.Bounds, "agent-b"))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, intent.StatusFailed, result.Status)
	assert.Empty(t, result.ProofIDs)

	sr := result.StepResults["s1"]
	require.NotNil(t, sr)
	assert.Equal(t, fault.KindBoundsViolation, sr.ErrorKind)
	assert.Contains(t, sr.Detail, "rm")

	topics := collectTopics(sub)
	assert.Contains(t, topics, events.TopicBoundsViolation)

	// Trust halved.
	rep, err := h.trust.Get(ctx, ident.AgentID("agent-b"))
	require.NoError(t, err)
	assert.InDelta(t, trust.InitialScore*0.5, rep.Score, 1e-9)
}

func TestExecute_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, nil)
	ctx := context.Background()
	dir := t.TempDir()

	in := intent.New("wait for the service", []*intent.Step{{
		ID:     "s1",
		Name:   "ping",
		Action: intent.Action{Type: intent.ActionCommand, Command: "echo ping"},
		Verification: &verifier.Requirement{
			Type:      verifier.TypeNetwork,
			Mandatory: true,
			Expected:  map[string]any{"url": srv.URL + "/ping", "status": 200},
		},
		Recovery: recovery.Policy{Strategy: recovery.StrategyRetry, MaxAttempts: 3, BackoffMS: 1},
	}})
	in.Bounds = workspaceBounds(dir)

	id, err := h.engine.Submit(ctx, in)
	require.NoError(t, err)

	sub := h.bus.Subscribe(events.SubscribeOptions{
		CorrelationID: string(id),
		Topics:        []events.Topic{events.TopicVerificationFailed, events.TopicVerificationPassed},
	})

	result, err := h.engine.Execute(ctx, id, rootContext(in.Bounds, "agent-c"))
	require.NoError(t, err)

	require.True(t, result.Success)
	sr := result.StepResults["s1"]
	assert.Equal(t, 3, sr.Attempts)
	require.Len(t, result.ProofIDs, 1)

	assert.Equal(t, []events.Topic{
		events.TopicVerificationFailed,
		events.TopicVerificationFailed,
		events.TopicVerificationPassed,
	}, collectTopics(sub))
}

func TestExecute_RollbackAfterPartialWork(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := t.TempDir()

	created := filepath.Join(dir, "x.txt")
	modified := filepath.Join(dir, "y.txt")
	require.NoError(t, os.WriteFile(modified, []byte("original"), 0644))

	s1 := &intent.Step{
		ID:     "s1",
		Name:   "create x",
		Action: intent.Action{Type: intent.ActionCommand, Command: "echo new > " + created},
	}
	s2 := &intent.Step{
		ID:        "s2",
		Name:      "modify y",
		Action:    intent.Action{Type: intent.ActionCommand, Command: "echo clobbered > " + modified},
		DependsOn: []ident.StepID{"s1"},
	}
	s3 := &intent.Step{
		ID:        "s3",
		Name:      "escape",
		Action:    intent.Action{Type: intent.ActionCommand, Command: "echo pwned > /etc/passwd"},
		DependsOn: []ident.StepID{"s2"},
		Recovery:  recovery.Policy{Strategy: recovery.StrategyRollback},
	}

	in := intent.New("partial work", []*intent.Step{s1, s2, s3})
	in.Bounds = workspaceBounds(dir)

	id, err := h.engine.Submit(ctx, in)
	require.NoError(t, err)

	result, err := h.engine.Execute(ctx, id, rootContext(in.Bounds, "agent-d"))
	require.NoError(t, err)

	assert.Equal(t, intent.StatusRolledBack, result.Status)
	assert.Equal(t, fault.KindBoundsViolation, result.StepResults["s3"].ErrorKind)

	// The partial work is undone: x removed, y restored.
	_, statErr := os.Stat(created)
	assert.True(t, os.IsNotExist(statErr))
	data, err := os.ReadFile(modified)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data)
}

func TestExecute_StopOnFailureFalseRunsIndependentSteps(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := t.TempDir()

	fails := &intent.Step{
		ID:     "fails",
		Name:   "fails",
		Action: intent.Action{Type: intent.ActionCommand, Command: "ls " + filepath.Join(dir, "missing")},
	}
	dependent := &intent.Step{
		ID:        "dependent",
		Name:      "dependent",
		Action:    intent.Action{Type: intent.ActionCommand, Command: "echo dependent"},
		DependsOn: []ident.StepID{"fails"},
	}
	independent := &intent.Step{
		ID:     "independent",
		Name:   "independent",
		Action: intent.Action{Type: intent.ActionCommand, Command: "echo independent"},
	}

	// With stop_on_failure=false the engine keeps running groups whose
	// dependencies succeeded; steps downstream of the failure are skipped.
	stop := false
	in := intent.New("keep going", []*intent.Step{fails, dependent, independent})
	in.Bounds = workspaceBounds(dir)
	in.Config = intent.Config{StopOnFailure: &stop}

	id, err := h.engine.Submit(ctx, in)
	require.NoError(t, err)

	result, err := h.engine.Execute(ctx, id, rootContext(in.Bounds, "agent-e"))
	require.NoError(t, err)

	assert.Equal(t, intent.StatusFailed, result.Status)
	assert.Equal(t, intent.StepFailed, result.StepResults["fails"].Status)
	assert.Equal(t, intent.StepSkipped, result.StepResults["dependent"].Status)
	assert.Equal(t, intent.StepCompleted, result.StepResults["independent"].Status)
}

func TestExecute_ParallelGroupRuns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := t.TempDir()

	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	in := intent.New("parallel writes", []*intent.Step{
		{
			ID:         "a",
			Name:       "a",
			Action:     intent.Action{Type: intent.ActionCommand, Command: "echo a > " + a},
			WritePaths: []string{a},
		},
		{
			ID:         "b",
			Name:       "b",
			Action:     intent.Action{Type: intent.ActionCommand, Command: "echo b > " + b},
			WritePaths: []string{b},
		},
	})
	in.Bounds = workspaceBounds(dir)
	in.Config = intent.Config{Parallelization: intent.Parallel}

	id, err := h.engine.Submit(ctx, in)
	require.NoError(t, err)

	result, err := h.engine.Execute(ctx, id, rootContext(in.Bounds, "agent-f"))
	require.NoError(t, err)

	require.True(t, result.Success)
	for _, path := range []string{a, b} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}
}

func TestExecute_Cancellation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := t.TempDir()

	in := intent.New("to be cancelled", []*intent.Step{{
		ID:     "s1",
		Name:   "s1",
		Action: intent.Action{Type: intent.ActionCommand, Command: "echo one"},
	}})
	in.Bounds = workspaceBounds(dir)

	id, err := h.engine.Submit(ctx, in)
	require.NoError(t, err)
	require.NoError(t, h.engine.Cancel(ctx, id, "operator request"))

	result, err := h.engine.Execute(ctx, id, rootContext(in.Bounds, "agent-g"))
	require.NoError(t, err)

	assert.Equal(t, intent.StatusCancelled, result.Status)
	assert.False(t, result.Success)

	status, err := h.engine.Status(id)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusCancelled, status)
}

func TestExecute_TrustDowngradeUpgradesStrategy(t *testing.T) {
	// A composite declared Single is upgraded to All once the acting
	// agent's trust drops to 0.5 or below; the failing second child then
	// decides the result.
	registry := verifier.NewRegistry()
	require.NoError(t, registry.Register("passing", passingVerifier{}))
	require.NoError(t, registry.Register("failing", failingVerifier{}))

	h := newHarness(t, registry)
	ctx := context.Background()
	dir := t.TempDir()
	agent := ident.AgentID("agent-downgraded")

	// Drive the agent's trust to 0.25.
	_, err := h.trust.Record(ctx, agent, trust.OutcomeBoundsViolation)
	require.NoError(t, err)

	in := intent.New("strategy upgrade", []*intent.Step{{
		ID:     "s1",
		Name:   "verified work",
		Action: intent.Action{Type: intent.ActionCommand, Command: "echo work"},
		Verification: &verifier.Requirement{
			Type:     verifier.TypeComposite,
			Strategy: verifier.StrategySingle,
			Children: []verifier.Requirement{
				{Type: verifier.Type("passing")},
				{Type: verifier.Type("failing")},
			},
		},
	}})
	in.Bounds = workspaceBounds(dir)

	id, err := h.engine.Submit(ctx, in)
	require.NoError(t, err)

	result, err := h.engine.Execute(ctx, id, rootContext(in.Bounds, string(agent)))
	require.NoError(t, err)

	// Under the declared Single strategy the first (passing) child would
	// decide; the runtime upgrade to All lets the failing child reject.
	assert.False(t, result.Success)
	assert.Equal(t, fault.KindVerificationFailed, result.StepResults["s1"].ErrorKind)
}

// passingVerifier and failingVerifier are trivial composite children.
type passingVerifier struct{}

func (passingVerifier) Kind() verifier.Type { return verifier.Type("passing") }
func (passingVerifier) Verify(context.Context, verifier.Input) (verifier.Outcome, error) {
	return verifier.Outcome{Passed: true, Evidence: map[string]any{"pass": true}}, nil
}

type failingVerifier struct{}

func (failingVerifier) Kind() verifier.Type { return verifier.Type("failing") }
func (failingVerifier) Verify(context.Context, verifier.Input) (verifier.Outcome, error) {
	return verifier.Outcome{Passed: false, Reason: "rejected", Evidence: map[string]any{"pass": false}}, nil
}

func TestSubmit_RejectsInvalidStructure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a := &intent.Step{ID: "a", Name: "a", Action: intent.Action{Type: intent.ActionCommand, Command: "echo a"}, DependsOn: []ident.StepID{"b"}}
	b := &intent.Step{ID: "b", Name: "b", Action: intent.Action{Type: intent.ActionCommand, Command: "echo b"}, DependsOn: []ident.StepID{"a"}}

	_, err := h.engine.Submit(ctx, intent.New("cyclic", []*intent.Step{a, b}))
	require.Error(t, err)
	assert.Equal(t, fault.KindStructureInvalid, fault.KindOf(err))
}

func TestPlan_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := t.TempDir()

	in := intent.New("plan twice", []*intent.Step{{
		ID:     "s1",
		Name:   "s1",
		Action: intent.Action{Type: intent.ActionCommand, Command: "echo hi"},
	}})
	in.Bounds = workspaceBounds(dir)

	id, err := h.engine.Submit(ctx, in)
	require.NoError(t, err)

	first, err := h.engine.Plan(id)
	require.NoError(t, err)
	second, err := h.engine.Plan(id)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestAudit_MonotonicPerIntent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := t.TempDir()

	in := intent.New("audited", []*intent.Step{{
		ID:     "s1",
		Name:   "s1",
		Action: intent.Action{Type: intent.ActionCommand, Command: "echo hi"},
	}})
	in.Bounds = workspaceBounds(dir)

	id, err := h.engine.Submit(ctx, in)
	require.NoError(t, err)
	_, err = h.engine.Execute(ctx, id, rootContext(in.Bounds, "agent-audit"))
	require.NoError(t, err)

	entries, err := h.engine.store.List(ctx, store.PrefixAudit+string(id)+"/")
	require.NoError(t, err)
	require.Greater(t, len(entries), 1)

	// Keys sort by the zero-padded sequence; sequences must be dense and
	// strictly increasing from 1.
	for i, e := range entries {
		var rec auditRecord
		require.NoError(t, json.Unmarshal(e.Value, &rec))
		assert.Equal(t, uint64(i+1), rec.Seq)
		assert.Equal(t, id, rec.IntentID)
	}
}
