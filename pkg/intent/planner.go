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

package intent

import (
	"sort"

	"github.com/kadirpekel/covenant/pkg/fault"
	"github.com/kadirpekel/covenant/pkg/ident"
)

// Plan is the executable form of an intent: a DAG over step ids reduced to
// parallel groups. Steps within a group have no edges between them; groups
// execute in order.
type Plan struct {
	IntentID ident.IntentID

	// Groups are layers of the topological sort, in execution order.
	Groups [][]ident.StepID

	// Edges is the dependency relation: Edges[b] contains a when a must
	// run before b.
	Edges map[ident.StepID][]ident.StepID
}

// BuildPlan derives the DAG from explicit depends_on edges plus data-flow
// (a step consuming a variable depends on the step producing it), proves it
// acyclic, and layers it into parallel groups. Planning is deterministic:
// planning the same intent twice yields the same plan.
func BuildPlan(in *Intent) (*Plan, error) {
	producers := make(map[string]ident.StepID)
	for _, s := range in.Steps {
		for _, v := range s.Produces {
			if prior, ok := producers[v]; ok && prior != s.ID {
				return nil, fault.New(fault.KindStructureInvalid,
					"variable %q produced by both %s and %s", v, prior, s.ID)
			}
			producers[v] = s.ID
		}
	}

	edges := make(map[ident.StepID][]ident.StepID, len(in.Steps))
	indegree := make(map[ident.StepID]int, len(in.Steps))
	for _, s := range in.Steps {
		indegree[s.ID] = 0
	}

	addEdge := func(from, to ident.StepID) {
		for _, existing := range edges[to] {
			if existing == from {
				return
			}
		}
		edges[to] = append(edges[to], from)
		indegree[to]++
	}

	for _, s := range in.Steps {
		for _, dep := range s.DependsOn {
			addEdge(dep, s.ID)
		}
		for _, v := range s.Consumes {
			if producer, ok := producers[v]; ok && producer != s.ID {
				addEdge(producer, s.ID)
			}
		}
	}

	// Kahn's algorithm, layer by layer. Deterministic order within a layer
	// follows declaration order.
	order := make(map[ident.StepID]int, len(in.Steps))
	for i, s := range in.Steps {
		order[s.ID] = i
	}

	remaining := make(map[ident.StepID]int, len(indegree))
	for id, deg := range indegree {
		remaining[id] = deg
	}

	var groups [][]ident.StepID
	done := make(map[ident.StepID]bool, len(in.Steps))
	for len(done) < len(in.Steps) {
		var layer []ident.StepID
		for _, s := range in.Steps {
			if !done[s.ID] && remaining[s.ID] == 0 {
				layer = append(layer, s.ID)
			}
		}
		if len(layer) == 0 {
			return nil, fault.New(fault.KindStructureInvalid,
				"intent %s has cyclic step dependencies", in.ID)
		}
		sort.Slice(layer, func(i, j int) bool { return order[layer[i]] < order[layer[j]] })

		for _, id := range layer {
			done[id] = true
		}
		// Release successors only after the whole layer is taken so the
		// layering is a proper level order.
		for _, s := range in.Steps {
			if done[s.ID] {
				continue
			}
			deg := 0
			for _, dep := range edges[s.ID] {
				if !done[dep] {
					deg++
				}
			}
			remaining[s.ID] = deg
		}
		groups = append(groups, layer)
	}

	plan := &Plan{IntentID: in.ID, Groups: groups, Edges: edges}
	if err := checkWriteOverlaps(in, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// checkWriteOverlaps rejects plans where two steps in the same parallel
// group declare overlapping write paths.
func checkWriteOverlaps(in *Intent, plan *Plan) error {
	byID := make(map[ident.StepID]*Step, len(in.Steps))
	for _, s := range in.Steps {
		byID[s.ID] = s
	}
	for _, group := range plan.Groups {
		if len(group) < 2 {
			continue
		}
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := byID[group[i]], byID[group[j]]
				if path := overlap(a.WritePaths, b.WritePaths); path != "" {
					return fault.New(fault.KindStructureInvalid,
						"steps %s and %s declare overlapping write path %s in the same parallel group",
						a.ID, b.ID, path)
				}
			}
		}
	}
	return nil
}

func overlap(a, b []string) string {
	for _, pa := range a {
		for _, pb := range b {
			if pa == pb || isPrefixPath(pa, pb) || isPrefixPath(pb, pa) {
				return pa
			}
		}
	}
	return ""
}

func isPrefixPath(prefix, path string) bool {
	if len(path) <= len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}
