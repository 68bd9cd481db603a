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

// Nexus is the logical frontend of a volume. It mirrors writes across its
// children (replica access URIs) and, when published, exposes a block
// device to the host. The node it runs on is the volume's accessibility
// point.
type Nexus struct {
	node *Node
	uuid string

	size      uint64
	state     mayastor.ObjectState
	children  []mayastor.Child
	deviceURI string
}

func newNexus(n *Node, props mayastor.Nexus) *Nexus {
	return &Nexus{
		node:      n,
		uuid:      props.UUID,
		size:      props.Size,
		state:     props.State,
		children:  append([]mayastor.Child(nil), props.Children...),
		deviceURI: props.DeviceURI,
	}
}

func (x *Nexus) UUID() string { return x.uuid }

func (x *Nexus) Node() *Node { return x.node }

func (x *Nexus) Size() uint64 {
	x.node.mu.Lock()
	defer x.node.mu.Unlock()
	return x.size
}

func (x *Nexus) State() mayastor.ObjectState {
	x.node.mu.Lock()
	defer x.node.mu.Unlock()
	return x.state
}

// Children returns a copy of the child list, order preserved.
func (x *Nexus) Children() []mayastor.Child {
	x.node.mu.Lock()
	defer x.node.mu.Unlock()
	return append([]mayastor.Child(nil), x.children...)
}

// DeviceURI is non-empty iff the nexus is published.
func (x *Nexus) DeviceURI() string {
	x.node.mu.Lock()
	defer x.node.mu.Unlock()
	return x.deviceURI
}

func (x *Nexus) Published() bool {
	return x.DeviceURI() != ""
}

func childrenEqual(a, b []mayastor.Child) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// mergeLocked folds listed nexus properties into the cache and reports
// whether a volatile attribute changed. Node lock held by the caller.
func (x *Nexus) mergeLocked(props mayastor.Nexus) bool {
	changed := false
	if x.size != props.Size {
		x.size = props.Size
		changed = true
	}
	if x.state != props.State {
		x.state = props.State
		changed = true
	}
	if !childrenEqual(x.children, props.Children) {
		x.children = append([]mayastor.Child(nil), props.Children...)
		changed = true
	}
	if x.deviceURI != props.DeviceURI {
		x.deviceURI = props.DeviceURI
		changed = true
	}
	return changed
}

// Publish exposes the nexus as a block device on its node and returns the
// device URI.
func (x *Nexus) Publish(ctx context.Context, share mayastor.NexusShareProtocol) (string, error) {
	var uri string
	err := x.node.call(ctx, func(ctx context.Context, c *mayastor.Client) error {
		var err error
		uri, err = c.PublishNexus(ctx, x.uuid, share)
		return err
	})
	if err != nil {
		return "", err
	}

	x.node.mu.Lock()
	x.deviceURI = uri
	x.node.mu.Unlock()

	x.node.emit(Event{Kind: KindNexus, Op: OpMod, Object: x})
	return uri, nil
}

// Unpublish tears the block device down. Unknown nexus means there is
// nothing to tear down.
func (x *Nexus) Unpublish(ctx context.Context) error {
	err := x.node.call(ctx, func(ctx context.Context, c *mayastor.Client) error {
		return c.UnpublishNexus(ctx, x.uuid)
	})
	if err != nil && !isCode(err, codes.NotFound) {
		return fmt.Errorf("failed to unpublish nexus %s: %w", x.uuid, err)
	}

	x.node.mu.Lock()
	changed := x.deviceURI != ""
	x.deviceURI = ""
	x.node.mu.Unlock()

	if changed {
		x.node.emit(Event{Kind: KindNexus, Op: OpMod, Object: x})
	}
	return nil
}

// AddReplica attaches a replica access URI as a new child.
func (x *Nexus) AddReplica(ctx context.Context, uri string) error {
	var child *mayastor.Child
	err := x.node.call(ctx, func(ctx context.Context, c *mayastor.Client) error {
		var err error
		child, err = c.AddChildNexus(ctx, x.uuid, uri)
		return err
	})
	if err != nil {
		if isCode(err, codes.AlreadyExists) {
			return nil
		}
		return fmt.Errorf("failed to add child %s to nexus %s: %w", uri, x.uuid, err)
	}

	x.node.mu.Lock()
	x.children = append(x.children, *child)
	x.node.mu.Unlock()

	x.node.emit(Event{Kind: KindNexus, Op: OpMod, Object: x})
	return nil
}

// RemoveReplica detaches a child by URI. A child the nexus does not have is
// treated as already removed.
func (x *Nexus) RemoveReplica(ctx context.Context, uri string) error {
	err := x.node.call(ctx, func(ctx context.Context, c *mayastor.Client) error {
		return c.RemoveChildNexus(ctx, x.uuid, uri)
	})
	if err != nil && !isCode(err, codes.NotFound) {
		return fmt.Errorf("failed to remove child %s from nexus %s: %w", uri, x.uuid, err)
	}

	x.node.mu.Lock()
	changed := false
	for i, c := range x.children {
		if c.URI == uri {
			x.children = append(x.children[:i], x.children[i+1:]...)
			changed = true
			break
		}
	}
	x.node.mu.Unlock()

	if changed {
		x.node.emit(Event{Kind: KindNexus, Op: OpMod, Object: x})
	}
	return nil
}

// Destroy removes the nexus from the node. Unknown nexus is treated as
// already destroyed.
func (x *Nexus) Destroy(ctx context.Context) error {
	err := x.node.call(ctx, func(ctx context.Context, c *mayastor.Client) error {
		return c.DestroyNexus(ctx, x.uuid)
	})
	if err != nil && !isCode(err, codes.NotFound) {
		return fmt.Errorf("failed to destroy nexus %s on node %s: %w", x.uuid, x.node.name, err)
	}

	x.node.mu.Lock()
	removed := false
	if _, ok := x.node.nexuses[x.uuid]; ok {
		delete(x.node.nexuses, x.uuid)
		removed = true
	}
	x.node.mu.Unlock()

	if removed {
		x.node.emit(Event{Kind: KindNexus, Op: OpDel, Object: x})
	}
	return nil
}
