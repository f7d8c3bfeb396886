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

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// Relay republishes bus events onto NATS subjects so that peers can observe
// signed facts (proofs, promise outcomes) from this node.
//
// The relay is emit-only. The core remains single-node authoritative;
// nothing received over NATS feeds back into the bus.
type Relay struct {
	conn    *nats.Conn
	sub     *Subscription
	prefix  string
	cancel  context.CancelFunc
	ownConn bool
}

// RelayConfig configures the federation relay.
type RelayConfig struct {
	// URL of the NATS server, e.g. nats://localhost:4222.
	URL string `yaml:"url"`

	// SubjectPrefix prepends every published subject. Defaults to
	// "covenant.events".
	SubjectPrefix string `yaml:"subject_prefix"`

	// Topics restricts relayed topics. Empty relays everything.
	Topics []string `yaml:"topics"`
}

// SetDefaults fills zero values.
func (c *RelayConfig) SetDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "covenant.events"
	}
}

// NewRelay connects to NATS and starts forwarding matching bus events.
func NewRelay(bus *Bus, cfg *RelayConfig) (*Relay, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	cfg.SetDefaults()

	conn, err := nats.Connect(cfg.URL, nats.Name("covenant-relay"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	topics := make([]Topic, 0, len(cfg.Topics))
	for _, t := range cfg.Topics {
		topics = append(topics, Topic(t))
	}

	sub := bus.Subscribe(SubscribeOptions{
		Topics: topics,
		Policy: DropSlowConsumer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		conn:    conn,
		sub:     sub,
		prefix:  cfg.SubjectPrefix,
		cancel:  cancel,
		ownConn: true,
	}
	go r.run(ctx)
	return r, nil
}

func (r *Relay) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("relay: failed to encode event", "event", ev.ID, "error", err)
				continue
			}
			subject := r.prefix + "." + strings.ReplaceAll(string(ev.Topic), "/", ".")
			if err := r.conn.Publish(subject, data); err != nil {
				slog.Warn("relay: publish failed", "subject", subject, "error", err)
			}
		}
	}
}

// Close stops the relay and drains the connection.
func (r *Relay) Close() {
	r.cancel()
	r.sub.Cancel()
	if r.ownConn {
		if err := r.conn.Drain(); err != nil {
			r.conn.Close()
		}
	}
}
