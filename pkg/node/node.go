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

// Package node maintains a live model of one storage node: a reconnecting
// gRPC session plus the pools, replicas and nexuses discovered on it.
// Changes observed by sync or made through mutators are emitted as events.
package node

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openebs/moac/api/mayastor"
	"github.com/openebs/moac/pkg/logger"
)

const (
	DefaultSyncInterval = 10 * time.Second
	DefaultCallTimeout  = 10 * time.Second

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

func isCode(err error, c codes.Code) bool {
	return status.Code(err) == c
}

type Options struct {
	SyncInterval time.Duration
	CallTimeout  time.Duration
	// DialOptions are appended to the defaults; tests use them to route
	// connections to a bufconn listener.
	DialOptions []grpc.DialOption
}

// Node owns one storage-node session and the entities discovered on it.
type Node struct {
	name     string
	endpoint string
	sink     EventSink
	log      *logger.Logger
	opts     Options

	mu        sync.Mutex
	client    *mayastor.Client
	connected bool
	pools     map[string]*Pool
	nexuses   map[string]*Nexus

	cancel context.CancelFunc
	done   chan struct{}
}

func New(name, endpoint string, sink EventSink, log *logger.Logger, opts Options) *Node {
	if opts.SyncInterval == 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Node{
		name:     name,
		endpoint: endpoint,
		sink:     sink,
		log:      log,
		opts:     opts,
		pools:    map[string]*Pool{},
		nexuses:  map[string]*Nexus{},
	}
}

func (n *Node) Name() string { return n.name }

func (n *Node) Endpoint() string { return n.endpoint }

func (n *Node) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

func (n *Node) emit(events ...Event) {
	if n.sink == nil {
		return
	}
	for _, ev := range events {
		n.sink(ev)
	}
}

// call runs one RPC against the node with the configured deadline.
func (n *Node) call(ctx context.Context, fn func(context.Context, *mayastor.Client) error) error {
	n.mu.Lock()
	client := n.client
	n.mu.Unlock()
	if client == nil {
		return status.Errorf(codes.Unavailable, "node %s is not connected", n.name)
	}
	ctx, cancel := context.WithTimeout(ctx, n.opts.CallTimeout)
	defer cancel()
	return fn(ctx, client)
}

// Connect starts the connection state machine: dial, initial sync, periodic
// sync, and reconnect with bounded exponential backoff on failure. It
// returns immediately; the machine runs until Disconnect or ctx cancel.
func (n *Node) Connect(ctx context.Context) {
	n.mu.Lock()
	if n.done != nil {
		n.mu.Unlock()
		return
	}
	ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})
	done := n.done
	n.mu.Unlock()

	go func() {
		defer close(done)
		n.run(ctx)
	}()
}

// Disconnect stops the state machine and closes the channel. Safe to call
// more than once.
func (n *Node) Disconnect() {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel, n.done = nil, nil
	n.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (n *Node) run(ctx context.Context) {
	backoff := initialBackoff
	for {
		err := n.session(ctx, &backoff)
		n.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		n.log.Warning("lost connection to storage node", "node", n.name, "error", err, "retryIn", backoff.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session dials the node and syncs until the first failure.
func (n *Node) session(ctx context.Context, backoff *time.Duration) error {
	client, err := mayastor.Dial(n.endpoint, n.opts.DialOptions...)
	if err != nil {
		return err
	}
	defer client.Close()

	n.mu.Lock()
	n.client = client
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.client = nil
		n.mu.Unlock()
	}()

	if err := n.Sync(ctx); err != nil {
		return err
	}
	*backoff = initialBackoff
	n.setConnected(true)
	n.log.Info("connected to storage node", "node", n.name, "endpoint", n.endpoint)

	ticker := time.NewTicker(n.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.Sync(ctx); err != nil {
				return err
			}
		}
	}
}

func (n *Node) setConnected(v bool) {
	n.mu.Lock()
	if n.connected == v {
		n.mu.Unlock()
		return
	}
	n.connected = v
	events := []Event{{Kind: KindNode, Op: OpMod, Object: n}}
	if !v {
		// The node state can no longer be observed.
		for _, p := range n.pools {
			events = append(events, p.offline()...)
		}
		for _, x := range n.nexuses {
			if x.state != mayastor.StateOffline {
				x.state = mayastor.StateOffline
				events = append(events, Event{Kind: KindNexus, Op: OpMod, Object: x})
			}
		}
	}
	n.mu.Unlock()
	n.emit(events...)
}

// Sync lists pools, replicas and nexuses on the node and folds the result
// into the cached model. One event per change, in observation order: a
// pool's new event precedes its replicas', a pool's del event follows them.
func (n *Node) Sync(ctx context.Context) error {
	var (
		pools    []mayastor.Pool
		replicas []mayastor.Replica
		nexuses  []mayastor.Nexus
	)
	err := n.call(ctx, func(ctx context.Context, c *mayastor.Client) error {
		var err error
		if pools, err = c.ListPools(ctx); err != nil {
			return err
		}
		if replicas, err = c.ListReplicas(ctx); err != nil {
			return err
		}
		nexuses, err = c.ListNexus(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to sync node %s: %w", n.name, err)
	}

	byPool := map[string][]mayastor.Replica{}
	for _, r := range replicas {
		byPool[r.Pool] = append(byPool[r.Pool], r)
	}

	n.mu.Lock()
	var events []Event

	seenPools := map[string]bool{}
	for _, pp := range pools {
		seenPools[pp.Name] = true
		p, ok := n.pools[pp.Name]
		if !ok {
			p = newPool(n, pp)
			n.pools[pp.Name] = p
			events = append(events, Event{Kind: KindPool, Op: OpNew, Object: p})
		}
		events = append(events, p.merge(pp, byPool[pp.Name])...)
	}
	for name, p := range n.pools {
		if seenPools[name] {
			continue
		}
		for uuid, r := range p.replicas {
			delete(p.replicas, uuid)
			events = append(events, Event{Kind: KindReplica, Op: OpDel, Object: r})
		}
		delete(n.pools, name)
		events = append(events, Event{Kind: KindPool, Op: OpDel, Object: p})
	}

	seenNexuses := map[string]bool{}
	for _, xp := range nexuses {
		seenNexuses[xp.UUID] = true
		if x, ok := n.nexuses[xp.UUID]; ok {
			if x.mergeLocked(xp) {
				events = append(events, Event{Kind: KindNexus, Op: OpMod, Object: x})
			}
		} else {
			x := newNexus(n, xp)
			n.nexuses[xp.UUID] = x
			events = append(events, Event{Kind: KindNexus, Op: OpNew, Object: x})
		}
	}
	for uuid, x := range n.nexuses {
		if seenNexuses[uuid] {
			continue
		}
		delete(n.nexuses, uuid)
		events = append(events, Event{Kind: KindNexus, Op: OpDel, Object: x})
	}
	n.mu.Unlock()

	n.emit(events...)
	return nil
}

// CreatePool creates a pool from the given disk devices. ALREADY_EXISTS
// propagates; the caller decides whether the existing pool matches its
// intent.
func (n *Node) CreatePool(ctx context.Context, name string, disks []string) (*Pool, error) {
	var props *mayastor.Pool
	err := n.call(ctx, func(ctx context.Context, c *mayastor.Client) error {
		var err error
		props, err = c.CreatePool(ctx, &mayastor.CreatePoolRequest{Name: name, Disks: disks})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pool %s on node %s: %w", name, n.name, err)
	}

	n.mu.Lock()
	p, ok := n.pools[name]
	if !ok {
		p = newPool(n, *props)
		n.pools[name] = p
	}
	n.mu.Unlock()

	if !ok {
		n.emit(Event{Kind: KindPool, Op: OpNew, Object: p})
	}
	return p, nil
}

// DestroyPool removes the named pool. Unknown pool is treated as already
// destroyed.
func (n *Node) DestroyPool(ctx context.Context, name string) error {
	n.mu.Lock()
	p := n.pools[name]
	n.mu.Unlock()
	if p == nil {
		err := n.call(ctx, func(ctx context.Context, c *mayastor.Client) error {
			return c.DestroyPool(ctx, name)
		})
		if err != nil && !isCode(err, codes.NotFound) {
			return fmt.Errorf("failed to destroy pool %s on node %s: %w", name, n.name, err)
		}
		return nil
	}
	return p.Destroy(ctx)
}

// CreateReplica allocates a replica of the volume uuid from the named pool.
// On ALREADY_EXISTS the existing replica is adopted only after a re-list
// confirms it has the requested uuid and pool; a foreign collision
// propagates the error.
func (n *Node) CreateReplica(ctx context.Context, uuid, pool string, size uint64, thin bool) (*Replica, error) {
	n.mu.Lock()
	p := n.pools[pool]
	n.mu.Unlock()
	if p == nil {
		return nil, status.Errorf(codes.NotFound, "pool %s does not exist on node %s", pool, n.name)
	}

	var props *mayastor.Replica
	err := n.call(ctx, func(ctx context.Context, c *mayastor.Client) error {
		var err error
		props, err = c.CreateReplica(ctx, &mayastor.CreateReplicaRequest{
			UUID: uuid,
			Pool: pool,
			Size: size,
			Thin: thin,
		})
		return err
	})
	if err != nil && isCode(err, codes.AlreadyExists) {
		props, err = n.adoptReplica(ctx, uuid, pool, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create replica %s on pool %s@%s: %w", uuid, pool, n.name, err)
	}

	n.mu.Lock()
	r, ok := p.replicas[uuid]
	if !ok {
		r = newReplica(p, *props)
		p.replicas[uuid] = r
	} else {
		r.mergeLocked(*props)
	}
	n.mu.Unlock()

	if !ok {
		n.emit(Event{Kind: KindReplica, Op: OpNew, Object: r})
	}
	return r, nil
}

func (n *Node) adoptReplica(ctx context.Context, uuid, pool string, cause error) (*mayastor.Replica, error) {
	var replicas []mayastor.Replica
	err := n.call(ctx, func(ctx context.Context, c *mayastor.Client) error {
		var err error
		replicas, err = c.ListReplicas(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range replicas {
		if replicas[i].UUID == uuid && replicas[i].Pool == pool {
			return &replicas[i], nil
		}
	}
	return nil, cause
}

// CreateNexus creates a nexus for the volume uuid with the given replica
// URIs as children.
func (n *Node) CreateNexus(ctx context.Context, uuid string, size uint64, children []string) (*Nexus, error) {
	var props *mayastor.Nexus
	err := n.call(ctx, func(ctx context.Context, c *mayastor.Client) error {
		var err error
		props, err = c.CreateNexus(ctx, &mayastor.CreateNexusRequest{
			UUID:     uuid,
			Size:     size,
			Children: children,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create nexus %s on node %s: %w", uuid, n.name, err)
	}

	n.mu.Lock()
	x, ok := n.nexuses[uuid]
	if !ok {
		x = newNexus(n, *props)
		n.nexuses[uuid] = x
	} else {
		x.mergeLocked(*props)
	}
	n.mu.Unlock()

	if !ok {
		n.emit(Event{Kind: KindNexus, Op: OpNew, Object: x})
	}
	return x, nil
}

// Pools returns the node's pools ordered by name.
func (n *Node) Pools() []*Pool {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Pool, 0, len(n.pools))
	for _, p := range n.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (n *Node) GetPool(name string) *Pool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pools[name]
}

// Replicas returns every replica on the node, ordered by pool then uuid.
func (n *Node) Replicas() []*Replica {
	var out []*Replica
	for _, p := range n.Pools() {
		out = append(out, p.Replicas()...)
	}
	return out
}

// GetReplica looks a replica up by volume uuid across the node's pools.
func (n *Node) GetReplica(uuid string) *Replica {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.pools {
		if r, ok := p.replicas[uuid]; ok {
			return r
		}
	}
	return nil
}

// Nexuses returns the node's nexuses ordered by uuid.
func (n *Node) Nexuses() []*Nexus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Nexus, 0, len(n.nexuses))
	for _, x := range n.nexuses {
		out = append(out, x)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].uuid < out[j].uuid })
	return out
}

func (n *Node) GetNexus(uuid string) *Nexus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nexuses[uuid]
}
