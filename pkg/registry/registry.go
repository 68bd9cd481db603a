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

// Package registry is the in-memory catalog of all storage nodes and the
// pools, replicas and nexuses on them. It relays node events to
// subscribers and hosts the pool-selection algorithm.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/openebs/moac/pkg/logger"
	"github.com/openebs/moac/pkg/node"
)

const eventBuffer = 1024

type Registry struct {
	log      *logger.Logger
	nodeOpts node.Options

	mu    sync.Mutex
	ctx   context.Context
	nodes map[string]*node.Node
	subs  []chan node.Event
}

func New(ctx context.Context, log *logger.Logger, nodeOpts node.Options) *Registry {
	return &Registry{
		log:      log,
		nodeOpts: nodeOpts,
		ctx:      ctx,
		nodes:    map[string]*node.Node{},
	}
}

// Subscribe returns a channel carrying every node, pool, replica and nexus
// event from all registered nodes. A slow consumer drops events with a
// warning; a dropped event is not sent again.
func (r *Registry) Subscribe() <-chan node.Event {
	ch := make(chan node.Event, eventBuffer)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

// dispatch fans an event out, but only while the originating node is still
// the registered one under its name. Events from replaced or removed nodes
// are dropped.
func (r *Registry) dispatch(n *node.Node, ev node.Event) {
	r.mu.Lock()
	if r.nodes[n.Name()] != n {
		r.mu.Unlock()
		return
	}
	subs := append([]chan node.Event(nil), r.subs...)
	r.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- ev:
		default:
			r.log.Warning("dropping event on slow subscriber", "kind", ev.Kind, "op", ev.Op)
		}
	}
}

// AddNode registers a storage node, idempotent by name. A node re-registered
// with a different endpoint replaces the old one: the old session is torn
// down and a fresh node connects.
func (r *Registry) AddNode(name, endpoint string) *node.Node {
	r.mu.Lock()
	old := r.nodes[name]
	if old != nil && old.Endpoint() == endpoint {
		r.mu.Unlock()
		return old
	}
	var n *node.Node
	sink := func(ev node.Event) { r.dispatch(n, ev) }
	n = node.New(name, endpoint, sink, r.log, r.nodeOpts)
	r.nodes[name] = n
	ctx := r.ctx
	r.mu.Unlock()

	if old != nil {
		r.log.Info("replacing storage node", "node", name, "endpoint", endpoint)
		old.Disconnect()
	} else {
		r.log.Info("adding storage node", "node", name, "endpoint", endpoint)
	}
	n.Connect(ctx)
	return n
}

// RemoveNode deregisters and disconnects a node. Events still in flight
// from it are ignored by the relay.
func (r *Registry) RemoveNode(name string) {
	r.mu.Lock()
	n := r.nodes[name]
	delete(r.nodes, name)
	r.mu.Unlock()
	if n == nil {
		return
	}
	r.log.Info("removing storage node", "node", name)
	n.Disconnect()
}

func (r *Registry) GetNode(name string) *node.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[name]
}

// Nodes returns the registered nodes ordered by name.
func (r *Registry) Nodes() []*node.Node {
	r.mu.Lock()
	out := make([]*node.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Pools returns every pool in the fleet, ordered by node then pool name.
func (r *Registry) Pools() []*node.Pool {
	var out []*node.Pool
	for _, n := range r.Nodes() {
		out = append(out, n.Pools()...)
	}
	return out
}

func (r *Registry) GetPool(name string) *node.Pool {
	for _, n := range r.Nodes() {
		if p := n.GetPool(name); p != nil {
			return p
		}
	}
	return nil
}

// GetReplicaSet returns all replicas of the given volume uuid across the
// fleet, or every replica when uuid is empty.
func (r *Registry) GetReplicaSet(uuid string) []*node.Replica {
	var out []*node.Replica
	for _, n := range r.Nodes() {
		for _, rep := range n.Replicas() {
			if uuid == "" || rep.UUID() == uuid {
				out = append(out, rep)
			}
		}
	}
	return out
}

// GetNexus finds the nexus of the given volume uuid, if any node runs one.
func (r *Registry) GetNexus(uuid string) *node.Nexus {
	for _, n := range r.Nodes() {
		if x := n.GetNexus(uuid); x != nil {
			return x
		}
	}
	return nil
}

// Nexuses returns every nexus in the fleet, ordered by uuid.
func (r *Registry) Nexuses() []*node.Nexus {
	var out []*node.Nexus
	for _, n := range r.Nodes() {
		out = append(out, n.Nexuses()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID() < out[j].UUID() })
	return out
}

// GetCapacity sums free bytes over accessible pools, scoped to one node
// when nodeName is non-empty.
func (r *Registry) GetCapacity(nodeName string) uint64 {
	var total uint64
	for _, p := range r.Pools() {
		if nodeName != "" && p.Node().Name() != nodeName {
			continue
		}
		if !p.Accessible() {
			continue
		}
		total += p.FreeBytes()
	}
	return total
}
