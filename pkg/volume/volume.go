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

// Package volume composes replicas and a nexus into user-visible volumes
// and drives convergence between the desired spec and the observed state.
package volume

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openebs/moac/api/mayastor"
	"github.com/openebs/moac/pkg/logger"
	"github.com/openebs/moac/pkg/node"
	"github.com/openebs/moac/pkg/registry"
)

type State string

const (
	StatePending  State = "PENDING"
	StateOnline   State = "ONLINE"
	StateDegraded State = "DEGRADED"
	StateFaulted  State = "FAULTED"
)

// Spec is what the user asked for.
type Spec struct {
	ReplicaCount   int
	RequiredNodes  []string
	PreferredNodes []string
	RequiredBytes  uint64
	LimitBytes     uint64
}

// Volume groups the replicas and the nexus sharing one uuid. All mutation
// goes through Ensure/Destroy/Publish/Unpublish, which the manager
// serializes per uuid; event handlers only fold registry observations into
// the view.
type Volume struct {
	uuid     string
	registry *registry.Registry
	log      *logger.Logger

	mu       sync.Mutex
	spec     Spec
	size     uint64
	replicas map[string]*node.Replica // keyed by node name
	nexus    *node.Nexus
	state    State
	reason   string
}

func newVolume(uuid string, r *registry.Registry, log *logger.Logger, spec Spec) *Volume {
	return &Volume{
		uuid:     uuid,
		registry: r,
		log:      log,
		spec:     spec,
		replicas: map[string]*node.Replica{},
		state:    StatePending,
	}
}

// attachExisting adopts replicas and a nexus already present in the
// registry, e.g. after a control-plane restart.
func (v *Volume) attachExisting() {
	replicas := v.registry.GetReplicaSet(v.uuid)
	nexus := v.registry.GetNexus(v.uuid)

	v.mu.Lock()
	for _, r := range replicas {
		v.replicas[r.Node().Name()] = r
	}
	if nexus != nil {
		v.nexus = nexus
		if v.size == 0 {
			v.size = nexus.Size()
		}
	} else if v.size == 0 {
		for _, r := range replicas {
			if v.size == 0 || r.Size() < v.size {
				v.size = r.Size()
			}
		}
	}
	v.updateStateLocked()
	v.mu.Unlock()
}

func (v *Volume) UUID() string { return v.uuid }

func (v *Volume) Size() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

func (v *Volume) Spec() Spec {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.spec
}

func (v *Volume) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Volume) Reason() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reason
}

func (v *Volume) Nexus() *node.Nexus {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nexus
}

// Replicas returns a copy of the replica view keyed by node name.
func (v *Volume) Replicas() map[string]*node.Replica {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]*node.Replica, len(v.replicas))
	for k, r := range v.replicas {
		out[k] = r
	}
	return out
}

// complete reports whether the volume needs no reconcile work: full replica
// count and a nexus.
func (v *Volume) complete() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nexus != nil && len(v.replicas) == v.spec.ReplicaCount
}

// Update replaces the spec. Changing the byte range so that it no longer
// covers the already-fixed volume size is rejected: volumes do not resize.
// Reports whether anything changed so the caller can decide to re-ensure.
func (v *Volume) Update(spec Spec) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.size > 0 {
		if spec.RequiredBytes > v.size {
			return false, status.Errorf(codes.InvalidArgument,
				"volume %s is %d bytes, cannot require %d", v.uuid, v.size, spec.RequiredBytes)
		}
		if spec.LimitBytes > 0 && spec.LimitBytes < v.size {
			return false, status.Errorf(codes.InvalidArgument,
				"volume %s is %d bytes, cannot limit to %d", v.uuid, v.size, spec.LimitBytes)
		}
	}
	if reflect.DeepEqual(v.spec, spec) {
		return false, nil
	}
	v.spec = spec
	return true, nil
}

// Ensure is the reconciler: replenish replicas, rank them, fix share
// protocols, converge the nexus children, trim the excess. Idempotent; the
// manager guarantees at most one run per uuid at a time.
func (v *Volume) Ensure(ctx context.Context) error {
	err := v.ensure(ctx)

	v.mu.Lock()
	if err != nil {
		v.reason = err.Error()
	} else {
		v.reason = ""
	}
	v.updateStateLocked()
	v.mu.Unlock()

	return err
}

func (v *Volume) ensure(ctx context.Context) error {
	v.mu.Lock()
	spec := v.spec
	size := v.size
	replicas := make(map[string]*node.Replica, len(v.replicas))
	for k, r := range v.replicas {
		replicas[k] = r
	}
	nexus := v.nexus
	v.mu.Unlock()

	// 1. Replenish missing replicas.
	missing := spec.ReplicaCount - len(replicas)
	if missing > 0 {
		pools := v.registry.ChoosePools(spec.RequiredBytes, spec.RequiredNodes, spec.PreferredNodes)
		candidates := pools[:0:0]
		for _, p := range pools {
			if _, ok := replicas[p.Node().Name()]; !ok {
				candidates = append(candidates, p)
			}
		}
		if len(candidates) < missing {
			return status.Errorf(codes.ResourceExhausted,
				"not enough suitable pools for volume %s: need %d, found %d", v.uuid, missing, len(candidates))
		}

		if size == 0 {
			// The volume size is fixed once, conservatively, to the
			// smallest free space among the pools about to be used,
			// capped by the limit (or the required bytes when no limit
			// was given). Candidates were filtered by free >= required,
			// so this never undershoots the request.
			limit := spec.LimitBytes
			if limit == 0 {
				limit = spec.RequiredBytes
			}
			size = candidates[0].FreeBytes()
			for _, p := range candidates[:missing] {
				if f := p.FreeBytes(); f < size {
					size = f
				}
			}
			if size > limit {
				size = limit
			}
			v.mu.Lock()
			v.size = size
			v.mu.Unlock()
		}

		var errs []string
		created := 0
		for _, p := range candidates {
			if created == missing {
				break
			}
			r, err := p.Node().CreateReplica(ctx, v.uuid, p.Name(), size, true)
			if err != nil {
				errs = append(errs, err.Error())
				continue
			}
			replicas[p.Node().Name()] = r
			v.mu.Lock()
			v.replicas[p.Node().Name()] = r
			v.mu.Unlock()
			created++
		}
		if created < missing {
			return status.Errorf(codes.Internal,
				"failed to create replicas for volume %s: %s", v.uuid, strings.Join(errs, ". "))
		}
	}

	// 2. Rank replicas and pick the ones to keep.
	ranked := rankReplicas(replicas, spec, nexus)
	keepCount := spec.ReplicaCount
	if keepCount > len(ranked) {
		keepCount = len(ranked)
	}
	keep := ranked[:keepCount]

	// 3. Fix share protocols relative to the nexus node.
	var nexusNode *node.Node
	if nexus != nil {
		nexusNode = nexus.Node()
	} else {
		nexusNode = keep[0].Node()
	}
	for _, r := range keep {
		local := r.Node().Name() == nexusNode.Name()
		if local && r.Share() != mayastor.ShareNone {
			if err := r.SetShare(ctx, mayastor.ShareNone); err != nil {
				return status.Errorf(codes.Internal, "volume %s: %s", v.uuid, err)
			}
		} else if !local && r.Share() == mayastor.ShareNone {
			if err := r.SetShare(ctx, mayastor.ShareNvmf); err != nil {
				return status.Errorf(codes.Internal, "volume %s: %s", v.uuid, err)
			}
		}
	}

	// 4. Create the nexus or converge its children.
	if nexus == nil {
		uris := make([]string, 0, len(keep))
		for _, r := range keep {
			uris = append(uris, r.URI())
		}
		x, err := nexusNode.CreateNexus(ctx, v.uuid, size, uris)
		if err != nil {
			return status.Errorf(codes.Internal, "volume %s: %s", v.uuid, err)
		}
		v.mu.Lock()
		v.nexus = x
		v.mu.Unlock()
		nexus = x
	} else {
		want := map[string]bool{}
		for _, r := range keep {
			want[r.URI()] = true
		}
		have := map[string]bool{}
		for _, c := range nexus.Children() {
			have[c.URI] = true
		}
		for uri := range have {
			if want[uri] {
				continue
			}
			if err := nexus.RemoveReplica(ctx, uri); err != nil {
				v.log.Warning("failed to remove excess nexus child", "volume", v.uuid, "uri", uri, "error", err)
			}
		}
		for _, r := range keep {
			if have[r.URI()] {
				continue
			}
			if err := nexus.AddReplica(ctx, r.URI()); err != nil {
				return status.Errorf(codes.Internal, "volume %s: %s", v.uuid, err)
			}
		}
	}

	// 5. Trim replicas the nexus does not use.
	children := map[string]bool{}
	for _, c := range nexus.Children() {
		children[c.URI] = true
	}
	for nodeName, r := range replicas {
		if children[r.URI()] {
			continue
		}
		if err := r.Destroy(ctx); err != nil {
			v.log.Warning("failed to destroy excess replica", "volume", v.uuid, "node", nodeName, "error", err)
			continue
		}
		v.mu.Lock()
		if v.replicas[nodeName] == r {
			delete(v.replicas, nodeName)
		}
		v.mu.Unlock()
	}

	return nil
}

// rankReplicas orders replicas best first: required node, then online
// state, then preferred node, then co-location with the current nexus.
// Input order is fixed by node name so the ranking is deterministic.
func rankReplicas(replicas map[string]*node.Replica, spec Spec, nexus *node.Nexus) []*node.Replica {
	names := make([]string, 0, len(replicas))
	for name := range replicas {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*node.Replica, 0, len(replicas))
	for _, name := range names {
		out = append(out, replicas[name])
	}

	score := func(r *node.Replica) int {
		s := 0
		name := r.Node().Name()
		if contains(spec.RequiredNodes, name) {
			s += 10
		}
		if r.State() == mayastor.StateOnline {
			s += 5
		}
		if contains(spec.PreferredNodes, name) {
			s += 2
		}
		if nexus != nil && nexus.Node().Name() == name {
			s++
		}
		return s
	}
	sort.SliceStable(out, func(i, j int) bool { return score(out[i]) > score(out[j]) })
	return out
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// Publish exposes the volume's block device on the nexus node.
func (v *Volume) Publish(ctx context.Context, share mayastor.NexusShareProtocol) (string, error) {
	v.mu.Lock()
	nexus := v.nexus
	v.mu.Unlock()
	if nexus == nil {
		return "", status.Errorf(codes.FailedPrecondition, "volume %s has no nexus", v.uuid)
	}
	uri, err := nexus.Publish(ctx, share)
	if err != nil {
		if isCode(err, codes.AlreadyExists) {
			return nexus.DeviceURI(), nil
		}
		return "", err
	}
	return uri, nil
}

// Unpublish tears the volume's block device down.
func (v *Volume) Unpublish(ctx context.Context) error {
	v.mu.Lock()
	nexus := v.nexus
	v.mu.Unlock()
	if nexus == nil {
		return status.Errorf(codes.FailedPrecondition, "volume %s has no nexus", v.uuid)
	}
	return nexus.Unpublish(ctx)
}

// Destroy removes the nexus first, then all replicas in parallel. Objects
// already gone do not fail the teardown.
func (v *Volume) Destroy(ctx context.Context) error {
	v.mu.Lock()
	nexus := v.nexus
	replicas := make([]*node.Replica, 0, len(v.replicas))
	for _, r := range v.replicas {
		replicas = append(replicas, r)
	}
	v.mu.Unlock()

	var errs []string
	if nexus != nil {
		if err := nexus.Destroy(ctx); err != nil {
			errs = append(errs, err.Error())
		}
	}

	var eg errgroup.Group
	var mu sync.Mutex
	for _, r := range replicas {
		r := r
		eg.Go(func() error {
			if err := r.Destroy(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err.Error())
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	if len(errs) > 0 {
		return status.Errorf(codes.Internal, "failed to destroy volume %s: %s", v.uuid, strings.Join(errs, ". "))
	}

	v.mu.Lock()
	v.nexus = nil
	v.replicas = map[string]*node.Replica{}
	v.updateStateLocked()
	v.mu.Unlock()
	return nil
}

func isCode(err error, c codes.Code) bool {
	return status.Code(err) == c
}

// updateStateLocked derives the user-visible volume state from the nexus
// and its children. Volume lock held by the caller.
func (v *Volume) updateStateLocked() {
	if v.nexus == nil {
		if len(v.replicas) > 0 && v.reason != "" {
			v.state = StateFaulted
		} else {
			v.state = StatePending
		}
		return
	}
	switch v.nexus.State() {
	case mayastor.StateOnline:
		allOnline := true
		for _, c := range v.nexus.Children() {
			if c.State != mayastor.StateOnline {
				allOnline = false
				break
			}
		}
		if allOnline && len(v.replicas) >= v.spec.ReplicaCount {
			v.state = StateOnline
		} else {
			v.state = StateDegraded
		}
	case mayastor.StateDegraded:
		v.state = StateDegraded
	default:
		v.state = StateFaulted
	}
}

// Event handlers fold registry observations into the view. They never call
// the reconciler; the manager schedules that separately.

func (v *Volume) newReplica(r *node.Replica) {
	v.mu.Lock()
	v.replicas[r.Node().Name()] = r
	v.updateStateLocked()
	v.mu.Unlock()
}

func (v *Volume) modReplica(r *node.Replica) {
	v.mu.Lock()
	v.replicas[r.Node().Name()] = r
	v.updateStateLocked()
	v.mu.Unlock()
}

func (v *Volume) delReplica(r *node.Replica) {
	v.mu.Lock()
	if v.replicas[r.Node().Name()] == r {
		delete(v.replicas, r.Node().Name())
	}
	v.updateStateLocked()
	v.mu.Unlock()
}

func (v *Volume) newNexus(x *node.Nexus) {
	v.mu.Lock()
	v.nexus = x
	if v.size == 0 {
		v.size = x.Size()
	}
	v.updateStateLocked()
	v.mu.Unlock()
}

func (v *Volume) modNexus(x *node.Nexus) {
	v.mu.Lock()
	v.nexus = x
	v.updateStateLocked()
	v.mu.Unlock()
}

func (v *Volume) delNexus(x *node.Nexus) {
	v.mu.Lock()
	if v.nexus == x {
		v.nexus = nil
	}
	v.updateStateLocked()
	v.mu.Unlock()
}
