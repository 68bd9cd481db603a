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
	"context"
	"fmt"
	"sort"

	"google.golang.org/grpc/codes"

	"github.com/openebs/moac/api/mayastor"
)

// Pool is a disk aggregate on one node, the allocation arena for replicas.
// Identity (name, disks) is immutable; state, capacity and used are volatile
// and refreshed by sync.
type Pool struct {
	node  *Node
	name  string
	disks []string

	state    mayastor.PoolState
	capacity uint64
	used     uint64

	replicas map[string]*Replica
}

func newPool(n *Node, props mayastor.Pool) *Pool {
	return &Pool{
		node:     n,
		name:     props.Name,
		disks:    append([]string(nil), props.Disks...),
		state:    props.State,
		capacity: props.Capacity,
		used:     props.Used,
		replicas: map[string]*Replica{},
	}
}

func (p *Pool) Name() string { return p.name }

func (p *Pool) Node() *Node { return p.node }

func (p *Pool) Disks() []string {
	p.node.mu.Lock()
	defer p.node.mu.Unlock()
	return append([]string(nil), p.disks...)
}

func (p *Pool) State() mayastor.PoolState {
	p.node.mu.Lock()
	defer p.node.mu.Unlock()
	return p.state
}

func (p *Pool) Capacity() uint64 {
	p.node.mu.Lock()
	defer p.node.mu.Unlock()
	return p.capacity
}

func (p *Pool) Used() uint64 {
	p.node.mu.Lock()
	defer p.node.mu.Unlock()
	return p.used
}

// FreeBytes is the space still allocatable from the pool.
func (p *Pool) FreeBytes() uint64 {
	p.node.mu.Lock()
	defer p.node.mu.Unlock()
	return p.freeLocked()
}

func (p *Pool) freeLocked() uint64 {
	if p.used > p.capacity {
		return 0
	}
	return p.capacity - p.used
}

// Accessible reports whether the pool can serve new replicas.
func (p *Pool) Accessible() bool {
	p.node.mu.Lock()
	defer p.node.mu.Unlock()
	return p.accessibleLocked()
}

func (p *Pool) accessibleLocked() bool {
	return p.state == mayastor.PoolOnline || p.state == mayastor.PoolDegraded
}

// Replicas returns the replicas allocated from this pool, ordered by uuid.
func (p *Pool) Replicas() []*Replica {
	p.node.mu.Lock()
	defer p.node.mu.Unlock()
	return p.replicasLocked()
}

func (p *Pool) replicasLocked() []*Replica {
	out := make([]*Replica, 0, len(p.replicas))
	for _, r := range p.replicas {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].uuid < out[j].uuid })
	return out
}

// GetReplica looks a replica up by uuid.
func (p *Pool) GetReplica(uuid string) *Replica {
	p.node.mu.Lock()
	defer p.node.mu.Unlock()
	return p.replicas[uuid]
}

// merge folds freshly listed pool properties and the pool's replica list
// into the cached state. A pool mod event fires only when a volatile
// attribute (state, capacity, used) changed; disks are identity and never
// produce events. Replicas are diffed by uuid. Must be called with the node
// lock held; returns the events to emit once the lock is dropped.
func (p *Pool) merge(props mayastor.Pool, replicas []mayastor.Replica) []Event {
	var events []Event

	changed := false
	if p.state != props.State {
		p.state = props.State
		changed = true
	}
	if p.capacity != props.Capacity {
		p.capacity = props.Capacity
		changed = true
	}
	if p.used != props.Used {
		p.used = props.Used
		changed = true
	}
	if changed {
		events = append(events, Event{Kind: KindPool, Op: OpMod, Object: p})
	}

	seen := map[string]bool{}
	for _, rp := range replicas {
		seen[rp.UUID] = true
		if r, ok := p.replicas[rp.UUID]; ok {
			if r.mergeLocked(rp) {
				events = append(events, Event{Kind: KindReplica, Op: OpMod, Object: r})
			}
		} else {
			r := newReplica(p, rp)
			p.replicas[rp.UUID] = r
			events = append(events, Event{Kind: KindReplica, Op: OpNew, Object: r})
		}
	}
	for uuid, r := range p.replicas {
		if !seen[uuid] {
			delete(p.replicas, uuid)
			events = append(events, Event{Kind: KindReplica, Op: OpDel, Object: r})
		}
	}

	return events
}

// offline marks the pool and all owned replicas offline. Used when the node
// connection is lost and the true state can no longer be observed. Must be
// called with the node lock held.
func (p *Pool) offline() []Event {
	var events []Event
	if p.state != mayastor.PoolOffline {
		p.state = mayastor.PoolOffline
		events = append(events, Event{Kind: KindPool, Op: OpMod, Object: p})
	}
	for _, r := range p.replicasLocked() {
		if r.state != mayastor.StateOffline {
			r.state = mayastor.StateOffline
			events = append(events, Event{Kind: KindReplica, Op: OpMod, Object: r})
		}
	}
	return events
}

// Destroy removes the pool from the node. A pool unknown to the node is
// treated as already destroyed.
func (p *Pool) Destroy(ctx context.Context) error {
	err := p.node.call(ctx, func(ctx context.Context, c *mayastor.Client) error {
		return c.DestroyPool(ctx, p.name)
	})
	if err != nil && !isCode(err, codes.NotFound) {
		return fmt.Errorf("failed to destroy pool %s on node %s: %w", p.name, p.node.name, err)
	}

	p.node.mu.Lock()
	var events []Event
	for uuid, r := range p.replicas {
		delete(p.replicas, uuid)
		events = append(events, Event{Kind: KindReplica, Op: OpDel, Object: r})
	}
	if _, ok := p.node.pools[p.name]; ok {
		delete(p.node.pools, p.name)
		events = append(events, Event{Kind: KindPool, Op: OpDel, Object: p})
	}
	p.node.mu.Unlock()

	p.node.emit(events...)
	return nil
}
