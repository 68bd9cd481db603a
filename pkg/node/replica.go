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

	"google.golang.org/grpc/codes"

	"github.com/openebs/moac/api/mayastor"
)

// Replica is one copy of a volume's data, allocated from a pool. Its uuid
// equals the volume uuid: at most one replica of a volume lives on a pool.
type Replica struct {
	pool *Pool
	uuid string

	size  uint64
	thin  bool
	share mayastor.ShareProtocol
	uri   string
	state mayastor.ObjectState
}

func newReplica(p *Pool, props mayastor.Replica) *Replica {
	return &Replica{
		pool:  p,
		uuid:  props.UUID,
		size:  props.Size,
		thin:  props.Thin,
		share: props.Share,
		uri:   props.URI,
		state: props.State,
	}
}

func (r *Replica) UUID() string { return r.uuid }

func (r *Replica) Pool() *Pool { return r.pool }

func (r *Replica) Node() *Node { return r.pool.node }

func (r *Replica) Size() uint64 {
	r.pool.node.mu.Lock()
	defer r.pool.node.mu.Unlock()
	return r.size
}

func (r *Replica) Thin() bool {
	r.pool.node.mu.Lock()
	defer r.pool.node.mu.Unlock()
	return r.thin
}

func (r *Replica) Share() mayastor.ShareProtocol {
	r.pool.node.mu.Lock()
	defer r.pool.node.mu.Unlock()
	return r.share
}

func (r *Replica) URI() string {
	r.pool.node.mu.Lock()
	defer r.pool.node.mu.Unlock()
	return r.uri
}

func (r *Replica) State() mayastor.ObjectState {
	r.pool.node.mu.Lock()
	defer r.pool.node.mu.Unlock()
	return r.state
}

// mergeLocked folds listed replica properties into the cache and reports
// whether a volatile attribute changed. Node lock held by the caller.
func (r *Replica) mergeLocked(props mayastor.Replica) bool {
	changed := false
	if r.size != props.Size {
		r.size = props.Size
		changed = true
	}
	if r.share != props.Share {
		r.share = props.Share
		changed = true
	}
	if r.uri != props.URI {
		r.uri = props.URI
		changed = true
	}
	if r.state != props.State {
		r.state = props.State
		changed = true
	}
	return changed
}

// SetShare changes the replica's export protocol. The new access URI comes
// from the node's reply.
func (r *Replica) SetShare(ctx context.Context, share mayastor.ShareProtocol) error {
	n := r.pool.node
	var uri string
	err := n.call(ctx, func(ctx context.Context, c *mayastor.Client) error {
		var err error
		uri, err = c.ShareReplica(ctx, r.uuid, share)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set share %s on replica %s: %w", share, r.uuid, err)
	}

	n.mu.Lock()
	r.share = share
	r.uri = uri
	n.mu.Unlock()

	n.emit(Event{Kind: KindReplica, Op: OpMod, Object: r})
	return nil
}

// Destroy removes the replica from its pool. A replica unknown to the node
// is treated as already destroyed.
func (r *Replica) Destroy(ctx context.Context) error {
	n := r.pool.node
	err := n.call(ctx, func(ctx context.Context, c *mayastor.Client) error {
		return c.DestroyReplica(ctx, r.uuid)
	})
	if err != nil && !isCode(err, codes.NotFound) {
		return fmt.Errorf("failed to destroy replica %s on node %s: %w", r.uuid, n.name, err)
	}

	n.mu.Lock()
	removed := false
	if _, ok := r.pool.replicas[r.uuid]; ok {
		delete(r.pool.replicas, r.uuid)
		removed = true
	}
	n.mu.Unlock()

	if removed {
		n.emit(Event{Kind: KindReplica, Op: OpDel, Object: r})
	}
	return nil
}
