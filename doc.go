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

// Package covenant coordinates autonomous agents so that every action they
// claim to perform is bounded, observed and independently verified.
//
// The engine turns declared goals into verified executions:
//
//	Intent → Promise → Verified Execution → Proof
//
// An Intent is a goal with ordered steps, execution bounds and
// verification requirements. Steps run through the verified executor:
// admission against the context's bounds, checkpointing, the action
// itself, snapshot capture, independent verification and a signed proof
// appended to an immutable journal. Delegation spawns sub-executions in
// strictly narrowed contexts under voluntary promises; outcomes feed a
// per-agent trust model that tightens verification on agents that
// misbehave.
//
// # Quick start
//
// Install the CLI:
//
//	go install github.com/kadirpekel/covenant/cmd/covenant@latest
//
// Describe an intent:
//
//	goal: "write the greeting"
//	bounds:
//	  allowed_commands: ["echo"]
//	  allowed_paths: ["/workspace"]
//	steps:
//	  - name: "create file"
//	    action:
//	      type: command
//	      command: 'echo "hello" > /workspace/a.txt'
//	    verification:
//	      type: filesystem
//	      mandatory: true
//	      expected:
//	        exists: ["/workspace/a.txt"]
//
// Run it:
//
//	covenant run intent.yaml
//
// Every completed step with mandatory verification carries a proof id;
// `covenant proof verify <id>` re-checks the hash chain and signature.
package covenant
