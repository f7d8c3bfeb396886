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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/covenant/pkg/config"
	"github.com/kadirpekel/covenant/pkg/events"
	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/intent"
	"github.com/kadirpekel/covenant/pkg/proof"
	"github.com/kadirpekel/covenant/pkg/runtime"
	"github.com/kadirpekel/covenant/pkg/server"
)

// buildRuntime assembles a runtime from the CLI's config file.
func buildRuntime(ctx context.Context, cli *CLI) (*runtime.Runtime, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	return runtime.New(ctx, cfg)
}

// ServeCmd starts the HTTP server.
type ServeCmd struct{}

// Run executes the command.
func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()

	return server.New(rt).Start(ctx)
}

// RunCmd submits and executes one intent described in a YAML file.
type RunCmd struct {
	File    string `arg:"" help:"Intent definition (YAML)." type:"path"`
	AgentID string `help:"Acting agent identity."`
	Output  string `help:"Result format: text or json." default:"text" enum:"text,json"`
}

// Run executes the command.
func (c *RunCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()

	raw, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read intent file: %w", err)
	}
	var in intent.Intent
	if err := yaml.Unmarshal(config.ExpandEnv(raw), &in); err != nil {
		return fmt.Errorf("failed to parse intent file: %w", err)
	}
	for _, s := range in.Steps {
		if s.ID == "" {
			s.ID = ident.NewStepID()
		}
	}

	result, err := rt.Run(ctx, &in, ident.AgentID(c.AgentID))
	if err != nil {
		return err
	}

	if c.Output == "json" {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	fmt.Printf("intent %s: %s\n", result.IntentID, result.Status)
	for stepID, sr := range result.StepResults {
		line := fmt.Sprintf("  step %s: %s (attempts=%d)", stepID, sr.Status, sr.Attempts)
		if sr.ProofID != "" {
			line += fmt.Sprintf(" proof=%s", sr.ProofID)
		}
		if sr.ErrorKind != "" {
			line += fmt.Sprintf(" error=%s", sr.ErrorKind)
		}
		fmt.Println(line)
	}
	if !result.Success {
		os.Exit(1)
	}
	return nil
}

// ProofCmd inspects proofs.
type ProofCmd struct {
	Verify ProofVerifyCmd `cmd:"" help:"Re-verify a stored proof."`
	Show   ProofShowCmd   `cmd:"" help:"Print a stored proof."`
}

// ProofVerifyCmd re-verifies a stored proof.
type ProofVerifyCmd struct {
	ID string `arg:"" help:"Proof id."`
}

// Run executes the command.
func (c *ProofVerifyCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(ctx) }()

	p, err := rt.Journal.Get(ctx, ident.ProofID(c.ID))
	if err != nil {
		return err
	}
	validity := proof.Verify(p, rt.Provider)
	if !validity.Valid {
		return fmt.Errorf("proof %s is invalid: %s", c.ID, validity.Reason)
	}
	fmt.Printf("proof %s is valid (signer %s)\n", c.ID, p.SignerID)
	return nil
}

// ProofShowCmd prints a stored proof.
type ProofShowCmd struct {
	ID string `arg:"" help:"Proof id."`
}

// Run executes the command.
func (c *ProofShowCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(ctx) }()

	p, err := rt.Journal.Get(ctx, ident.ProofID(c.ID))
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(p)
}

// TrustCmd queries agent trust.
type TrustCmd struct {
	Show TrustShowCmd `cmd:"" help:"Show an agent's reputation."`
}

// TrustShowCmd shows an agent's reputation.
type TrustShowCmd struct {
	Agent string `arg:"" help:"Agent id."`
}

// Run executes the command.
func (c *TrustShowCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(ctx) }()

	rep, err := rt.Trust.Get(ctx, ident.AgentID(c.Agent))
	if err != nil {
		return err
	}
	fmt.Printf("agent %s\n", rep.AgentID)
	fmt.Printf("  trust score:   %.3f\n", rep.Score)
	fmt.Printf("  promises made: %d\n", rep.PromisesMade)
	fmt.Printf("  promises kept: %d\n", rep.PromisesKept)
	fmt.Printf("  violations:    %d\n", rep.Violations)
	if !rep.LastInteraction.IsZero() {
		fmt.Printf("  last seen:     %s\n", rep.LastInteraction.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// EventsCmd tails engine events.
type EventsCmd struct {
	Topics      []string `help:"Topics to follow (default: all)."`
	Correlation string   `help:"Filter to one intent or promise id."`
}

// Run executes the command.
func (c *EventsCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()

	topics := make([]events.Topic, 0, len(c.Topics))
	for _, t := range c.Topics {
		topics = append(topics, events.Topic(t))
	}
	sub := rt.Bus.Subscribe(events.SubscribeOptions{
		Topics:        topics,
		CorrelationID: c.Correlation,
		Replay:        true,
	})
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			data, _ := json.Marshal(ev.Payload)
			fmt.Printf("%s %-28s %s %s\n",
				ev.Timestamp.Format("15:04:05.000"), ev.Topic, ev.CorrelationID, data)
		}
	}
}
