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

package driver

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openebs/moac/api/mayastor"
	"github.com/openebs/moac/pkg/volume"
)

const nodeIDScheme = "mayastor://"

// Volume names handed down by the external provisioner carry the PV claim
// uuid; it becomes the volume id.
var pvcNameRe = regexp.MustCompile(`^pvc-([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)

func (d *Driver) notReady() error {
	if d.isReady() {
		return nil
	}
	return status.Error(codes.Unavailable, "controller is not ready yet")
}

func parseNodeID(id string) (string, error) {
	if !strings.HasPrefix(id, nodeIDScheme) {
		return "", fmt.Errorf("node id %q does not have scheme %s", id, nodeIDScheme)
	}
	name := id[len(nodeIDScheme):]
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("node id %q does not name a node", id)
	}
	return name, nil
}

func checkAccessModes(caps []*csi.VolumeCapability) error {
	for _, c := range caps {
		if c.GetAccessMode().GetMode() != csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER {
			return status.Errorf(codes.InvalidArgument,
				"only SINGLE_NODE_WRITER volumes are supported, got %s", c.GetAccessMode().GetMode())
		}
	}
	return nil
}

func (d *Driver) CreateVolume(ctx context.Context, request *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {
	if err := d.notReady(); err != nil {
		return nil, err
	}
	d.log.Debug("method CreateVolume", "name", request.Name)

	m := pvcNameRe.FindStringSubmatch(request.Name)
	if m == nil {
		return nil, status.Errorf(codes.InvalidArgument, "expected volume name of the form pvc-{uuid}, got %q", request.Name)
	}
	volumeID := m[1]

	if len(request.VolumeCapabilities) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume capabilities cannot be empty")
	}
	if err := checkAccessModes(request.VolumeCapabilities); err != nil {
		return nil, err
	}

	requiredBytes := request.GetCapacityRange().GetRequiredBytes()
	if requiredBytes <= 0 {
		return nil, status.Error(codes.InvalidArgument, "required capacity must be positive")
	}
	limitBytes := request.GetCapacityRange().GetLimitBytes()

	replicaCount := 1
	if repl, ok := request.GetParameters()["repl"]; ok {
		n, err := strconv.Atoi(repl)
		if err != nil || n <= 0 {
			return nil, status.Errorf(codes.InvalidArgument, "invalid replica count %q", repl)
		}
		replicaCount = n
	}

	var requiredNodes, preferredNodes []string
	if reqs := request.GetAccessibilityRequirements(); reqs != nil {
		for _, topo := range reqs.GetRequisite() {
			for key, host := range topo.GetSegments() {
				if key != topologyKey {
					return nil, status.Errorf(codes.InvalidArgument, "unsupported topology key %q", key)
				}
				requiredNodes = append(requiredNodes, host)
			}
		}
		for _, topo := range reqs.GetPreferred() {
			// Unknown keys on the preferred list carry no obligation.
			if host, ok := topo.GetSegments()[topologyKey]; ok {
				preferredNodes = append(preferredNodes, host)
			}
		}
	}

	v, err := d.volumes.EnsureVolume(ctx, volumeID, volume.Spec{
		ReplicaCount:   replicaCount,
		RequiredNodes:  requiredNodes,
		PreferredNodes: preferredNodes,
		RequiredBytes:  uint64(requiredBytes),
		LimitBytes:     uint64(max64(limitBytes, 0)),
	})
	if err != nil {
		return nil, err
	}

	nexus := v.Nexus()
	if nexus == nil {
		return nil, status.Errorf(codes.Internal, "volume %s has no nexus after provisioning", volumeID)
	}

	return &csi.CreateVolumeResponse{
		Volume: &csi.Volume{
			CapacityBytes: int64(v.Size()),
			VolumeId:      volumeID,
			AccessibleTopology: []*csi.Topology{
				{Segments: map[string]string{topologyKey: nexus.Node().Name()}},
			},
		},
	}, nil
}

func max64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}

func (d *Driver) DeleteVolume(ctx context.Context, request *csi.DeleteVolumeRequest) (*csi.DeleteVolumeResponse, error) {
	if err := d.notReady(); err != nil {
		return nil, err
	}
	d.log.Debug("method DeleteVolume", "volume", request.VolumeId)

	if request.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume id cannot be empty")
	}
	if err := d.volumes.DestroyVolume(ctx, request.VolumeId); err != nil {
		return nil, err
	}
	return &csi.DeleteVolumeResponse{}, nil
}

func (d *Driver) ControllerPublishVolume(ctx context.Context, request *csi.ControllerPublishVolumeRequest) (*csi.ControllerPublishVolumeResponse, error) {
	if err := d.notReady(); err != nil {
		return nil, err
	}
	d.log.Debug("method ControllerPublishVolume", "volume", request.VolumeId, "node", request.NodeId)

	if request.Readonly {
		return nil, status.Error(codes.InvalidArgument, "readonly volumes are not supported")
	}
	if c := request.GetVolumeCapability(); c != nil {
		if err := checkAccessModes([]*csi.VolumeCapability{c}); err != nil {
			return nil, err
		}
	}

	nodeName, err := parseNodeID(request.NodeId)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	v := d.volumes.GetVolume(request.VolumeId)
	if v == nil {
		return nil, status.Errorf(codes.NotFound, "volume %s does not exist", request.VolumeId)
	}
	nexus := v.Nexus()
	if nexus == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "volume %s has no nexus", request.VolumeId)
	}
	if nexus.Node().Name() != nodeName {
		return nil, status.Errorf(codes.InvalidArgument,
			"volume %s is accessible from node %s, not %s", request.VolumeId, nexus.Node().Name(), nodeName)
	}

	deviceURI, err := d.volumes.PublishVolume(ctx, request.VolumeId, mayastor.NexusNbd)
	if err != nil {
		return nil, err
	}

	return &csi.ControllerPublishVolumeResponse{
		PublishContext: map[string]string{"uri": deviceURI},
	}, nil
}

func (d *Driver) ControllerUnpublishVolume(ctx context.Context, request *csi.ControllerUnpublishVolumeRequest) (*csi.ControllerUnpublishVolumeResponse, error) {
	if err := d.notReady(); err != nil {
		return nil, err
	}
	d.log.Debug("method ControllerUnpublishVolume", "volume", request.VolumeId)

	v := d.volumes.GetVolume(request.VolumeId)
	if v == nil {
		return nil, status.Errorf(codes.NotFound, "volume %s does not exist", request.VolumeId)
	}
	nexus := v.Nexus()
	if nexus == nil {
		return &csi.ControllerUnpublishVolumeResponse{}, nil
	}

	if request.NodeId != "" {
		nodeName, err := parseNodeID(request.NodeId)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if nodeName != nexus.Node().Name() {
			d.log.Warning("unpublish request for a different node, unpublishing anyway",
				"volume", request.VolumeId, "requested", nodeName, "nexus", nexus.Node().Name())
		}
	}

	if err := d.volumes.UnpublishVolume(ctx, request.VolumeId); err != nil {
		return nil, err
	}
	return &csi.ControllerUnpublishVolumeResponse{}, nil
}

func (d *Driver) ValidateVolumeCapabilities(_ context.Context, request *csi.ValidateVolumeCapabilitiesRequest) (*csi.ValidateVolumeCapabilitiesResponse, error) {
	if err := d.notReady(); err != nil {
		return nil, err
	}
	d.log.Debug("method ValidateVolumeCapabilities", "volume", request.VolumeId)

	if request.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume id cannot be empty")
	}
	if d.volumes.GetVolume(request.VolumeId) == nil && d.registry.GetNexus(request.VolumeId) == nil {
		return nil, status.Errorf(codes.NotFound, "volume %s does not exist", request.VolumeId)
	}

	for _, c := range request.GetVolumeCapabilities() {
		if c.GetAccessMode().GetMode() == csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER {
			return &csi.ValidateVolumeCapabilitiesResponse{
				Confirmed: &csi.ValidateVolumeCapabilitiesResponse_Confirmed{
					VolumeCapabilities: request.GetVolumeCapabilities(),
				},
			}, nil
		}
	}
	return &csi.ValidateVolumeCapabilitiesResponse{
		Message: "only SINGLE_NODE_WRITER access mode is supported",
	}, nil
}

type pagingContext struct {
	entries []*csi.ListVolumesResponse_Entry
	expires time.Time
}

func (d *Driver) collectExpiredPagingContexts() {
	now := time.Now()
	d.pagingMu.Lock()
	for token, pc := range d.paging {
		if pc.expires.Before(now) {
			delete(d.paging, token)
		}
	}
	d.pagingMu.Unlock()
}

func (d *Driver) ListVolumes(_ context.Context, request *csi.ListVolumesRequest) (*csi.ListVolumesResponse, error) {
	if err := d.notReady(); err != nil {
		return nil, err
	}
	d.log.Debug("method ListVolumes")

	d.collectExpiredPagingContexts()

	var entries []*csi.ListVolumesResponse_Entry
	if token := request.GetStartingToken(); token != "" {
		d.pagingMu.Lock()
		pc, ok := d.paging[token]
		delete(d.paging, token)
		d.pagingMu.Unlock()
		if !ok {
			return nil, status.Errorf(codes.Aborted, "invalid starting token %q", token)
		}
		entries = pc.entries
	} else {
		// A volume is listed for every nexus in the fleet.
		for _, x := range d.registry.Nexuses() {
			entries = append(entries, &csi.ListVolumesResponse_Entry{
				Volume: &csi.Volume{
					VolumeId:      x.UUID(),
					CapacityBytes: int64(x.Size()),
					AccessibleTopology: []*csi.Topology{
						{Segments: map[string]string{topologyKey: x.Node().Name()}},
					},
				},
			})
		}
	}

	resp := &csi.ListVolumesResponse{}
	maxEntries := int(request.GetMaxEntries())
	if maxEntries > 0 && len(entries) > maxEntries {
		resp.Entries = entries[:maxEntries]
		token := uuid.New().String()
		d.pagingMu.Lock()
		d.paging[token] = &pagingContext{
			entries: entries[maxEntries:],
			expires: time.Now().Add(pagingTTL),
		}
		d.pagingMu.Unlock()
		resp.NextToken = token
	} else {
		resp.Entries = entries
	}
	return resp, nil
}

func (d *Driver) GetCapacity(_ context.Context, request *csi.GetCapacityRequest) (*csi.GetCapacityResponse, error) {
	if err := d.notReady(); err != nil {
		return nil, err
	}

	nodeName := ""
	if topo := request.GetAccessibleTopology(); topo != nil {
		nodeName = topo.GetSegments()[topologyKey]
	}
	capacity := d.registry.GetCapacity(nodeName)
	d.log.Debug("method GetCapacity", "node", nodeName, "capacity", capacity)

	return &csi.GetCapacityResponse{
		AvailableCapacity: int64(capacity),
	}, nil
}

func (d *Driver) ControllerGetCapabilities(_ context.Context, _ *csi.ControllerGetCapabilitiesRequest) (*csi.ControllerGetCapabilitiesResponse, error) {
	d.log.Debug("method ControllerGetCapabilities")
	capabilities := []csi.ControllerServiceCapability_RPC_Type{
		csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
		csi.ControllerServiceCapability_RPC_PUBLISH_UNPUBLISH_VOLUME,
		csi.ControllerServiceCapability_RPC_LIST_VOLUMES,
		csi.ControllerServiceCapability_RPC_GET_CAPACITY,
	}

	csiCaps := make([]*csi.ControllerServiceCapability, len(capabilities))
	for i, capability := range capabilities {
		csiCaps[i] = &csi.ControllerServiceCapability{
			Type: &csi.ControllerServiceCapability_Rpc{
				Rpc: &csi.ControllerServiceCapability_RPC{
					Type: capability,
				},
			},
		}
	}

	return &csi.ControllerGetCapabilitiesResponse{
		Capabilities: csiCaps,
	}, nil
}

func (d *Driver) CreateSnapshot(_ context.Context, _ *csi.CreateSnapshotRequest) (*csi.CreateSnapshotResponse, error) {
	return nil, status.Error(codes.Unimplemented, "CreateSnapshot is not implemented")
}

func (d *Driver) DeleteSnapshot(_ context.Context, _ *csi.DeleteSnapshotRequest) (*csi.DeleteSnapshotResponse, error) {
	return nil, status.Error(codes.Unimplemented, "DeleteSnapshot is not implemented")
}

func (d *Driver) ListSnapshots(_ context.Context, _ *csi.ListSnapshotsRequest) (*csi.ListSnapshotsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "ListSnapshots is not implemented")
}

func (d *Driver) ControllerExpandVolume(_ context.Context, _ *csi.ControllerExpandVolumeRequest) (*csi.ControllerExpandVolumeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "ControllerExpandVolume is not implemented")
}

func (d *Driver) ControllerGetVolume(_ context.Context, _ *csi.ControllerGetVolumeRequest) (*csi.ControllerGetVolumeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "ControllerGetVolume is not implemented")
}

func (d *Driver) ControllerModifyVolume(_ context.Context, _ *csi.ControllerModifyVolumeRequest) (*csi.ControllerModifyVolumeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "ControllerModifyVolume is not implemented")
}
