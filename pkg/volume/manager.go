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

package volume

import (
	"context"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openebs/moac/api/mayastor"
	"github.com/openebs/moac/pkg/logger"
	"github.com/openebs/moac/pkg/node"
	"github.com/openebs/moac/pkg/registry"
)

const reconcileInterval = 30 * time.Second

// Manager owns the uuid → Volume map and serializes all volume mutation
// through per-uuid locks: at most one reconcile per volume at a time, and
// CSI requests for the same volume queue behind an in-flight one.
type Manager struct {
	registry *registry.Registry
	log      *logger.Logger

	mu      sync.Mutex
	volumes map[string]*Volume
	locks   map[string]*sync.Mutex
	dirty   map[string]bool
}

func NewManager(r *registry.Registry, log *logger.Logger) *Manager {
	return &Manager{
		registry: r,
		log:      log,
		volumes:  map[string]*Volume{},
		locks:    map[string]*sync.Mutex{},
		dirty:    map[string]bool{},
	}
}

// lockVolume acquires the per-uuid lock and returns the unlock func.
func (m *Manager) lockVolume(uuid string) func() {
	m.mu.Lock()
	l, ok := m.locks[uuid]
	if !ok {
		l = &sync.Mutex{}
		m.locks[uuid] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func validateSpec(spec Spec) error {
	if spec.ReplicaCount < 1 {
		return status.Errorf(codes.InvalidArgument, "replica count must be at least 1")
	}
	if spec.RequiredBytes == 0 {
		return status.Errorf(codes.InvalidArgument, "required bytes must be positive")
	}
	if spec.LimitBytes > 0 && spec.LimitBytes < spec.RequiredBytes {
		return status.Errorf(codes.InvalidArgument, "limit bytes below required bytes")
	}
	return nil
}

// EnsureVolume creates or updates the volume and runs the reconciler. A
// repeated call with an identical spec on an already complete volume is a
// cheap no-op once the lock is acquired.
func (m *Manager) EnsureVolume(ctx context.Context, uuid string, spec Spec) (*Volume, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	unlock := m.lockVolume(uuid)
	defer unlock()

	m.mu.Lock()
	v, ok := m.volumes[uuid]
	if !ok {
		v = newVolume(uuid, m.registry, m.log, spec)
		m.volumes[uuid] = v
	}
	m.mu.Unlock()

	if !ok {
		v.attachExisting()
	}

	changed, err := v.Update(spec)
	if err != nil {
		return nil, err
	}
	if !changed && v.complete() {
		return v, nil
	}

	if err := v.Ensure(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// DestroyVolume tears the volume down: nexus, then replicas. It works from
// the registry when the manager has no Volume object for the uuid (e.g.
// after a restart), and succeeds when there is nothing left to destroy.
func (m *Manager) DestroyVolume(ctx context.Context, uuid string) error {
	unlock := m.lockVolume(uuid)
	defer unlock()

	m.mu.Lock()
	v, ok := m.volumes[uuid]
	m.mu.Unlock()

	if !ok {
		v = newVolume(uuid, m.registry, m.log, Spec{ReplicaCount: 1, RequiredBytes: 1})
		v.attachExisting()
	}

	if err := v.Destroy(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.volumes, uuid)
	delete(m.dirty, uuid)
	m.mu.Unlock()
	return nil
}

// PublishVolume publishes the volume's nexus under the per-uuid lock, so a
// publish queues behind an in-flight reconcile of the same volume.
func (m *Manager) PublishVolume(ctx context.Context, uuid string, share mayastor.NexusShareProtocol) (string, error) {
	unlock := m.lockVolume(uuid)
	defer unlock()

	m.mu.Lock()
	v := m.volumes[uuid]
	m.mu.Unlock()
	if v == nil {
		return "", status.Errorf(codes.NotFound, "volume %s does not exist", uuid)
	}
	return v.Publish(ctx, share)
}

// UnpublishVolume is the counterpart of PublishVolume.
func (m *Manager) UnpublishVolume(ctx context.Context, uuid string) error {
	unlock := m.lockVolume(uuid)
	defer unlock()

	m.mu.Lock()
	v := m.volumes[uuid]
	m.mu.Unlock()
	if v == nil {
		return status.Errorf(codes.NotFound, "volume %s does not exist", uuid)
	}
	return v.Unpublish(ctx)
}

func (m *Manager) GetVolume(uuid string) *Volume {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volumes[uuid]
}

// ListVolumes returns a snapshot of the managed volumes ordered by uuid.
func (m *Manager) ListVolumes() []*Volume {
	m.mu.Lock()
	out := make([]*Volume, 0, len(m.volumes))
	for _, v := range m.volumes {
		out = append(out, v)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].uuid < out[j].uuid })
	return out
}

// Run consumes registry events to keep volume views current and re-runs the
// reconciler for volumes whose events left them incomplete. Blocks until
// ctx is done.
func (m *Manager) Run(ctx context.Context) {
	events := m.registry.Subscribe()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			m.handleEvent(ev)
		case <-ticker.C:
			m.reconcileDirty(ctx)
		}
	}
}

func (m *Manager) handleEvent(ev node.Event) {
	var uuid string
	switch obj := ev.Object.(type) {
	case *node.Replica:
		uuid = obj.UUID()
	case *node.Nexus:
		uuid = obj.UUID()
	default:
		// Node and pool events carry no volume identity; pool selection
		// reads the registry directly.
		return
	}

	m.mu.Lock()
	v := m.volumes[uuid]
	m.mu.Unlock()
	if v == nil {
		return
	}

	switch obj := ev.Object.(type) {
	case *node.Replica:
		switch ev.Op {
		case node.OpNew:
			v.newReplica(obj)
		case node.OpMod:
			v.modReplica(obj)
		case node.OpDel:
			v.delReplica(obj)
		}
	case *node.Nexus:
		switch ev.Op {
		case node.OpNew:
			v.newNexus(obj)
		case node.OpMod:
			v.modNexus(obj)
		case node.OpDel:
			v.delNexus(obj)
		}
	}

	if !v.complete() {
		m.mu.Lock()
		m.dirty[uuid] = true
		m.mu.Unlock()
	}
}

func (m *Manager) reconcileDirty(ctx context.Context) {
	m.mu.Lock()
	uuids := make([]string, 0, len(m.dirty))
	for uuid := range m.dirty {
		uuids = append(uuids, uuid)
	}
	m.dirty = map[string]bool{}
	m.mu.Unlock()

	for _, uuid := range uuids {
		m.mu.Lock()
		v := m.volumes[uuid]
		m.mu.Unlock()
		if v == nil {
			continue
		}

		unlock := m.lockVolume(uuid)
		if v.complete() {
			unlock()
			continue
		}
		if err := v.Ensure(ctx); err != nil {
			m.log.Warning("reconcile failed", "volume", uuid, "error", err)
		}
		unlock()
	}
}
