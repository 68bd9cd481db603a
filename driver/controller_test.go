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
	"testing"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openebs/moac/api/mayastor"
	"github.com/openebs/moac/api/mayastor/mayastortest"
	"github.com/openebs/moac/pkg/logger"
	"github.com/openebs/moac/pkg/node"
	"github.com/openebs/moac/pkg/registry"
	"github.com/openebs/moac/pkg/volume"
)

const (
	volUUID = "753b391c-9b04-4ce3-9c74-9d949152e547"
	volName = "pvc-" + volUUID
)

type fixture struct {
	router  *mayastortest.Router
	reg     *registry.Registry
	driver  *Driver
	servers map[string]*mayastortest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.ErrorLevel)
	require.NoError(t, err)

	rt := mayastortest.NewRouter()
	reg := registry.New(context.Background(), log, node.Options{
		SyncInterval: 50 * time.Millisecond,
		CallTimeout:  2 * time.Second,
		DialOptions:  []grpc.DialOption{rt.DialOption()},
	})
	t.Cleanup(func() {
		for _, n := range reg.Nodes() {
			reg.RemoveNode(n.Name())
		}
	})

	vm := volume.NewManager(reg, log)
	d := NewDriver("unix:///tmp/test-csi.sock", "", "test", reg, vm, log)
	d.SetReady(true)
	return &fixture{router: rt, reg: reg, driver: d, servers: map[string]*mayastortest.Server{}}
}

func (f *fixture) addNode(t *testing.T, name string, pools ...mayastor.Pool) *mayastortest.Server {
	t.Helper()
	srv := mayastortest.NewServer("10.0.0." + name[len(name)-1:])
	for _, p := range pools {
		srv.AddPool(p)
	}
	endpoint, stop := f.router.Add(name, srv)
	t.Cleanup(stop)
	f.servers[name] = srv

	f.reg.AddNode(name, endpoint)
	require.Eventually(t, func() bool {
		n := f.reg.GetNode(name)
		return n != nil && n.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)
	return srv
}

func singleWriterCapability() []*csi.VolumeCapability {
	return []*csi.VolumeCapability{{
		AccessMode: &csi.VolumeCapability_AccessMode{
			Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
		},
	}}
}

func createVolumeRequest() *csi.CreateVolumeRequest {
	return &csi.CreateVolumeRequest{
		Name:               volName,
		CapacityRange:      &csi.CapacityRange{RequiredBytes: 64},
		VolumeCapabilities: singleWriterCapability(),
		Parameters:         map[string]string{"repl": "2"},
	}
}

func twoNodeFixture(t *testing.T) *fixture {
	f := newFixture(t)
	f.addNode(t, "n1", mayastor.Pool{Name: "p1", State: mayastor.PoolOnline, Capacity: 100})
	f.addNode(t, "n2", mayastor.Pool{Name: "p2", State: mayastor.PoolOnline, Capacity: 100})
	return f
}

func TestCreateVolume(t *testing.T) {
	f := twoNodeFixture(t)

	resp, err := f.driver.CreateVolume(context.Background(), createVolumeRequest())
	require.NoError(t, err)

	assert.Equal(t, volUUID, resp.Volume.VolumeId)
	assert.Equal(t, int64(64), resp.Volume.CapacityBytes)
	assert.Equal(t, 1, f.servers["n1"].ReplicaCount())
	assert.Equal(t, 1, f.servers["n2"].ReplicaCount())

	require.Len(t, resp.Volume.AccessibleTopology, 1)
	host := resp.Volume.AccessibleTopology[0].Segments[topologyKey]
	assert.Contains(t, []string{"n1", "n2"}, host)

	// The topology names the node running the nexus.
	nexus := f.reg.GetNexus(volUUID)
	require.NotNil(t, nexus)
	assert.Equal(t, nexus.Node().Name(), host)
}

func TestCreateVolumeValidation(t *testing.T) {
	f := twoNodeFixture(t)
	ctx := context.Background()

	req := createVolumeRequest()
	req.Name = "my-volume"
	_, err := f.driver.CreateVolume(ctx, req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	req = createVolumeRequest()
	req.VolumeCapabilities = []*csi.VolumeCapability{{
		AccessMode: &csi.VolumeCapability_AccessMode{
			Mode: csi.VolumeCapability_AccessMode_MULTI_NODE_MULTI_WRITER,
		},
	}}
	_, err = f.driver.CreateVolume(ctx, req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	req = createVolumeRequest()
	req.Parameters = map[string]string{"repl": "zero"}
	_, err = f.driver.CreateVolume(ctx, req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	req = createVolumeRequest()
	req.CapacityRange = &csi.CapacityRange{}
	_, err = f.driver.CreateVolume(ctx, req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// Foreign keys are rejected on the requisite list only.
	req = createVolumeRequest()
	req.AccessibilityRequirements = &csi.TopologyRequirement{
		Requisite: []*csi.Topology{{Segments: map[string]string{"topology.kubernetes.io/zone": "z1"}}},
	}
	_, err = f.driver.CreateVolume(ctx, req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	req = createVolumeRequest()
	req.AccessibilityRequirements = &csi.TopologyRequirement{
		Preferred: []*csi.Topology{{Segments: map[string]string{"topology.kubernetes.io/zone": "z1"}}},
	}
	_, err = f.driver.CreateVolume(ctx, req)
	assert.NoError(t, err)
}

func TestCreateVolumeRequisiteTopology(t *testing.T) {
	f := twoNodeFixture(t)

	req := createVolumeRequest()
	req.Parameters = map[string]string{"repl": "1"}
	req.AccessibilityRequirements = &csi.TopologyRequirement{
		Requisite: []*csi.Topology{{Segments: map[string]string{topologyKey: "n2"}}},
	}

	resp, err := f.driver.CreateVolume(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "n2", resp.Volume.AccessibleTopology[0].Segments[topologyKey])
	assert.Equal(t, 0, f.servers["n1"].ReplicaCount())
	assert.Equal(t, 1, f.servers["n2"].ReplicaCount())
}

func TestDeleteVolumeIsIdempotent(t *testing.T) {
	f := twoNodeFixture(t)
	ctx := context.Background()

	_, err := f.driver.CreateVolume(ctx, createVolumeRequest())
	require.NoError(t, err)

	_, err = f.driver.DeleteVolume(ctx, &csi.DeleteVolumeRequest{VolumeId: volUUID})
	require.NoError(t, err)
	_, err = f.driver.DeleteVolume(ctx, &csi.DeleteVolumeRequest{VolumeId: volUUID})
	require.NoError(t, err)

	assert.Equal(t, 0, f.servers["n1"].ReplicaCount()+f.servers["n2"].ReplicaCount())
}

func TestControllerPublishVolume(t *testing.T) {
	f := twoNodeFixture(t)
	ctx := context.Background()

	_, err := f.driver.CreateVolume(ctx, createVolumeRequest())
	require.NoError(t, err)
	nexusNode := f.reg.GetNexus(volUUID).Node().Name()

	req := &csi.ControllerPublishVolumeRequest{
		VolumeId:         volUUID,
		NodeId:           "mayastor://" + nexusNode,
		VolumeCapability: singleWriterCapability()[0],
	}
	resp, err := f.driver.ControllerPublishVolume(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.PublishContext["uri"])

	// Idempotent on the same node: the node's ALREADY_EXISTS is success.
	_, err = f.driver.ControllerPublishVolume(ctx, req)
	require.NoError(t, err)

	// Rejected on any other node.
	other := "n1"
	if nexusNode == "n1" {
		other = "n2"
	}
	req.NodeId = "mayastor://" + other
	_, err = f.driver.ControllerPublishVolume(ctx, req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// Malformed node ids and readonly publishes are rejected outright.
	req.NodeId = "mayastor://" + nexusNode
	req.Readonly = true
	_, err = f.driver.ControllerPublishVolume(ctx, req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	req.Readonly = false
	req.NodeId = "nvmf://" + nexusNode
	_, err = f.driver.ControllerPublishVolume(ctx, req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestControllerUnpublishVolume(t *testing.T) {
	f := twoNodeFixture(t)
	ctx := context.Background()

	_, err := f.driver.ControllerUnpublishVolume(ctx, &csi.ControllerUnpublishVolumeRequest{
		VolumeId: volUUID,
	})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = f.driver.CreateVolume(ctx, createVolumeRequest())
	require.NoError(t, err)
	nexusNode := f.reg.GetNexus(volUUID).Node().Name()
	_, err = f.driver.ControllerPublishVolume(ctx, &csi.ControllerPublishVolumeRequest{
		VolumeId:         volUUID,
		NodeId:           "mayastor://" + nexusNode,
		VolumeCapability: singleWriterCapability()[0],
	})
	require.NoError(t, err)

	// Wrong node unpublishes anyway, with a warning.
	other := "n1"
	if nexusNode == "n1" {
		other = "n2"
	}
	_, err = f.driver.ControllerUnpublishVolume(ctx, &csi.ControllerUnpublishVolumeRequest{
		VolumeId: volUUID,
		NodeId:   "mayastor://" + other,
	})
	require.NoError(t, err)
	assert.False(t, f.reg.GetNexus(volUUID).Published())

	// And again, now that nothing is published.
	_, err = f.driver.ControllerUnpublishVolume(ctx, &csi.ControllerUnpublishVolumeRequest{
		VolumeId: volUUID,
		NodeId:   "mayastor://" + nexusNode,
	})
	require.NoError(t, err)
}

func TestValidateVolumeCapabilities(t *testing.T) {
	f := twoNodeFixture(t)
	ctx := context.Background()

	_, err := f.driver.ValidateVolumeCapabilities(ctx, &csi.ValidateVolumeCapabilitiesRequest{
		VolumeId:           volUUID,
		VolumeCapabilities: singleWriterCapability(),
	})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = f.driver.CreateVolume(ctx, createVolumeRequest())
	require.NoError(t, err)

	resp, err := f.driver.ValidateVolumeCapabilities(ctx, &csi.ValidateVolumeCapabilitiesRequest{
		VolumeId:           volUUID,
		VolumeCapabilities: singleWriterCapability(),
	})
	require.NoError(t, err)
	assert.NotNil(t, resp.Confirmed)

	resp, err = f.driver.ValidateVolumeCapabilities(ctx, &csi.ValidateVolumeCapabilitiesRequest{
		VolumeId: volUUID,
		VolumeCapabilities: []*csi.VolumeCapability{{
			AccessMode: &csi.VolumeCapability_AccessMode{
				Mode: csi.VolumeCapability_AccessMode_MULTI_NODE_MULTI_WRITER,
			},
		}},
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Confirmed)
	assert.NotEmpty(t, resp.Message)
}

func TestGetCapacity(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "n1", mayastor.Pool{Name: "p1", State: mayastor.PoolOnline, Capacity: 100, Used: 10})
	f.addNode(t, "n2", mayastor.Pool{Name: "p2", State: mayastor.PoolDegraded, Capacity: 100, Used: 25})
	f.addNode(t, "n3", mayastor.Pool{Name: "p3", State: mayastor.PoolFaulted, Capacity: 100, Used: 55})

	resp, err := f.driver.GetCapacity(context.Background(), &csi.GetCapacityRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(165), resp.AvailableCapacity)

	resp, err = f.driver.GetCapacity(context.Background(), &csi.GetCapacityRequest{
		AccessibleTopology: &csi.Topology{Segments: map[string]string{topologyKey: "n2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(75), resp.AvailableCapacity)
}

func TestListVolumesPaging(t *testing.T) {
	f := twoNodeFixture(t)
	ctx := context.Background()

	const otherUUID = "8b4e6d2e-44fb-4ae8-8c71-9001f2d64e72"
	_, err := f.driver.CreateVolume(ctx, createVolumeRequest())
	require.NoError(t, err)
	req := createVolumeRequest()
	req.Name = "pvc-" + otherUUID
	req.Parameters = map[string]string{"repl": "1"}
	_, err = f.driver.CreateVolume(ctx, req)
	require.NoError(t, err)

	resp, err := f.driver.ListVolumes(ctx, &csi.ListVolumesRequest{MaxEntries: 1})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	require.NotEmpty(t, resp.NextToken)

	rest, err := f.driver.ListVolumes(ctx, &csi.ListVolumesRequest{
		MaxEntries:    1,
		StartingToken: resp.NextToken,
	})
	require.NoError(t, err)
	require.Len(t, rest.Entries, 1)
	assert.Empty(t, rest.NextToken)
	assert.NotEqual(t, resp.Entries[0].Volume.VolumeId, rest.Entries[0].Volume.VolumeId)

	_, err = f.driver.ListVolumes(ctx, &csi.ListVolumesRequest{StartingToken: "bogus"})
	assert.Equal(t, codes.Aborted, status.Code(err))
}

func TestControllerGatesOnReady(t *testing.T) {
	f := twoNodeFixture(t)
	f.driver.SetReady(false)

	_, err := f.driver.CreateVolume(context.Background(), createVolumeRequest())
	assert.Equal(t, codes.Unavailable, status.Code(err))

	// Identity is served regardless.
	probe, err := f.driver.Probe(context.Background(), &csi.ProbeRequest{})
	require.NoError(t, err)
	assert.False(t, probe.Ready.GetValue())
}

func TestUnimplementedMethods(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.driver.CreateSnapshot(ctx, &csi.CreateSnapshotRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
	_, err = f.driver.DeleteSnapshot(ctx, &csi.DeleteSnapshotRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
	_, err = f.driver.ListSnapshots(ctx, &csi.ListSnapshotsRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
	_, err = f.driver.ControllerExpandVolume(ctx, &csi.ControllerExpandVolumeRequest{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestParseNodeID(t *testing.T) {
	name, err := parseNodeID("mayastor://node-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", name)

	for _, id := range []string{"node-1", "mayastor://", "mayastor://a/b", "nvmf://node-1"} {
		_, err := parseNodeID(id)
		assert.Error(t, err, "id %q", id)
	}
}
