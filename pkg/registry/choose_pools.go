/*
Copyright 2024 OpenEBS Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"sort"

	"github.com/openebs/moac/api/mayastor"
	"github.com/openebs/moac/pkg/node"
)

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// ChoosePools ranks pools able to host a new replica of requiredBytes.
//
// Filter: accessible pools with enough free space; when mustNodes is
// non-empty only pools on those nodes qualify. Order: ONLINE before
// DEGRADED, then fewer existing replicas, then more free space, then
// shouldNodes membership as the final tiebreaker. The result carries at
// most one pool per node. The sort is stable, so equal candidates keep
// their node-name order and repeated calls yield the same sequence.
func (r *Registry) ChoosePools(requiredBytes uint64, mustNodes, shouldNodes []string) []*node.Pool {
	type candidate struct {
		pool     *node.Pool
		state    mayastor.PoolState
		replicas int
		free     uint64
		should   bool
	}

	var candidates []candidate
	for _, p := range r.Pools() {
		if !p.Accessible() {
			continue
		}
		if p.FreeBytes() < requiredBytes {
			continue
		}
		nodeName := p.Node().Name()
		if len(mustNodes) > 0 && !contains(mustNodes, nodeName) {
			continue
		}
		candidates = append(candidates, candidate{
			pool:     p,
			state:    p.State(),
			replicas: len(p.Replicas()),
			free:     p.FreeBytes(),
			should:   contains(shouldNodes, nodeName),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.state != b.state {
			return a.state == mayastor.PoolOnline
		}
		if a.replicas != b.replicas {
			return a.replicas < b.replicas
		}
		if a.free != b.free {
			return a.free > b.free
		}
		if a.should != b.should {
			return a.should
		}
		return false
	})

	var out []*node.Pool
	usedNodes := map[string]bool{}
	for _, c := range candidates {
		name := c.pool.Node().Name()
		if usedNodes[name] {
			continue
		}
		usedNodes[name] = true
		out = append(out, c.pool)
	}
	return out
}
