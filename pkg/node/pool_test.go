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

package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openebs/moac/api/mayastor"
	"github.com/openebs/moac/pkg/logger"
)

func testNode(t *testing.T, events *[]Event) *Node {
	log, err := logger.NewLogger(logger.ErrorLevel)
	require.NoError(t, err)
	sink := func(ev Event) { *events = append(*events, ev) }
	return New("node-1", "passthrough:///node-1", sink, log, Options{})
}

func mergePool(n *Node, p *Pool, props mayastor.Pool, replicas []mayastor.Replica) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return p.merge(props, replicas)
}

func TestPoolMergeEmitsOnlyOnVolatileChanges(t *testing.T) {
	var events []Event
	n := testNode(t, &events)

	props := mayastor.Pool{
		Name:     "pool-1",
		Disks:    []string{"/dev/sda"},
		State:    mayastor.PoolOnline,
		Capacity: 100,
		Used:     4,
	}
	p := newPool(n, props)
	n.pools[p.Name()] = p

	// Identity-only difference: disks changed, volatile fields equal.
	changed := props
	changed.Disks = []string{"/dev/sdb"}
	evs := mergePool(n, p, changed, nil)
	assert.Empty(t, evs, "disks are immutable identity, no mod event expected")
	assert.Equal(t, []string{"/dev/sda"}, p.Disks())

	degraded := props
	degraded.State = mayastor.PoolDegraded
	evs = mergePool(n, p, degraded, nil)
	require.Len(t, evs, 1)
	assert.Equal(t, KindPool, evs[0].Kind)
	assert.Equal(t, OpMod, evs[0].Op)
	assert.Equal(t, mayastor.PoolDegraded, p.State())

	// Unchanged merge is silent.
	evs = mergePool(n, p, degraded, nil)
	assert.Empty(t, evs)
}

func TestPoolMergeDiffsReplicas(t *testing.T) {
	var events []Event
	n := testNode(t, &events)

	props := mayastor.Pool{Name: "pool-1", State: mayastor.PoolOnline, Capacity: 100}
	p := newPool(n, props)
	n.pools[p.Name()] = p

	rep := mayastor.Replica{
		UUID:  "8b4e6d2e-44fb-4ae8-8c71-9001f2d64e72",
		Pool:  "pool-1",
		Size:  10,
		Share: mayastor.ShareNone,
		URI:   "bdev:///8b4e6d2e-44fb-4ae8-8c71-9001f2d64e72",
		State: mayastor.StateOnline,
	}

	evs := mergePool(n, p, props, []mayastor.Replica{rep})
	require.Len(t, evs, 1)
	assert.Equal(t, KindReplica, evs[0].Kind)
	assert.Equal(t, OpNew, evs[0].Op)
	require.Len(t, p.Replicas(), 1)

	// Share change is volatile.
	rep.Share = mayastor.ShareNvmf
	rep.URI = "nvmf://127.0.0.1:8420/nqn/x"
	evs = mergePool(n, p, props, []mayastor.Replica{rep})
	require.Len(t, evs, 1)
	assert.Equal(t, OpMod, evs[0].Op)

	evs = mergePool(n, p, props, nil)
	require.Len(t, evs, 1)
	assert.Equal(t, OpDel, evs[0].Op)
	assert.Empty(t, p.Replicas())
}

func TestPoolOfflineCascades(t *testing.T) {
	var events []Event
	n := testNode(t, &events)

	props := mayastor.Pool{Name: "pool-1", State: mayastor.PoolOnline, Capacity: 100}
	p := newPool(n, props)
	n.pools[p.Name()] = p
	mergePool(n, p, props, []mayastor.Replica{{
		UUID:  "8b4e6d2e-44fb-4ae8-8c71-9001f2d64e72",
		Pool:  "pool-1",
		State: mayastor.StateOnline,
	}})

	n.mu.Lock()
	evs := p.offline()
	n.mu.Unlock()

	require.Len(t, evs, 2)
	assert.Equal(t, KindPool, evs[0].Kind)
	assert.Equal(t, KindReplica, evs[1].Kind)
	assert.Equal(t, mayastor.PoolOffline, p.State())
	assert.Equal(t, mayastor.StateOffline, p.Replicas()[0].State())
	assert.False(t, p.Accessible())
}
