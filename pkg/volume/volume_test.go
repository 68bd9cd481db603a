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

package volume_test

import (
	"context"
	"testing"
	"time"

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

const volUUID = "753b391c-9b04-4ce3-9c74-9d949152e547"

type fixture struct {
	router   *mayastortest.Router
	registry *registry.Registry
	manager  *volume.Manager
	servers  map[string]*mayastortest.Server
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
	return &fixture{
		router:   rt,
		registry: reg,
		manager:  volume.NewManager(reg, log),
		servers:  map[string]*mayastortest.Server{},
	}
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

	f.registry.AddNode(name, endpoint)
	require.Eventually(t, func() bool {
		n := f.registry.GetNode(name)
		return n != nil && n.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)
	return srv
}

func twoNodeFixture(t *testing.T) *fixture {
	f := newFixture(t)
	f.addNode(t, "n1", mayastor.Pool{Name: "p1", State: mayastor.PoolOnline, Capacity: 100})
	f.addNode(t, "n2", mayastor.Pool{Name: "p2", State: mayastor.PoolOnline, Capacity: 100})
	return f
}

func TestEnsureCreatesReplicasAndNexus(t *testing.T) {
	f := twoNodeFixture(t)

	v, err := f.manager.EnsureVolume(context.Background(), volUUID, volume.Spec{
		ReplicaCount:  2,
		RequiredBytes: 64,
	})
	require.NoError(t, err)

	replicas := v.Replicas()
	require.Len(t, replicas, 2)
	nexus := v.Nexus()
	require.NotNil(t, nexus)
	assert.Equal(t, volUUID, nexus.UUID())
	assert.Equal(t, uint64(64), v.Size())
	assert.Len(t, nexus.Children(), 2)

	// The replica local to the nexus is unshared, the remote one speaks
	// nvmf.
	for nodeName, r := range replicas {
		if nodeName == nexus.Node().Name() {
			assert.Equal(t, mayastor.ShareNone, r.Share())
		} else {
			assert.Equal(t, mayastor.ShareNvmf, r.Share())
		}
	}

	// One replica per node, one nexus in total.
	assert.Equal(t, 1, f.servers["n1"].ReplicaCount())
	assert.Equal(t, 1, f.servers["n2"].ReplicaCount())
	assert.Equal(t, 1, f.servers["n1"].NexusCount()+f.servers["n2"].NexusCount())
}

func TestEnsureIsIdempotent(t *testing.T) {
	f := twoNodeFixture(t)

	spec := volume.Spec{ReplicaCount: 2, RequiredBytes: 64}
	_, err := f.manager.EnsureVolume(context.Background(), volUUID, spec)
	require.NoError(t, err)
	v, err := f.manager.EnsureVolume(context.Background(), volUUID, spec)
	require.NoError(t, err)

	assert.Len(t, v.Replicas(), 2)
	assert.Equal(t, 1, f.servers["n1"].ReplicaCount())
	assert.Equal(t, 1, f.servers["n2"].ReplicaCount())
}

func TestEnsureFailsWithoutCandidates(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "n1", mayastor.Pool{Name: "p1", State: mayastor.PoolOnline, Capacity: 100, Used: 50})

	_, err := f.manager.EnsureVolume(context.Background(), volUUID, volume.Spec{
		ReplicaCount:  1,
		RequiredBytes: 75,
	})
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestEnsureTrimsExcessReplicas(t *testing.T) {
	f := twoNodeFixture(t)

	_, err := f.manager.EnsureVolume(context.Background(), volUUID, volume.Spec{
		ReplicaCount:  2,
		RequiredBytes: 64,
	})
	require.NoError(t, err)

	v, err := f.manager.EnsureVolume(context.Background(), volUUID, volume.Spec{
		ReplicaCount:  1,
		RequiredBytes: 64,
	})
	require.NoError(t, err)

	require.Len(t, v.Replicas(), 1)
	nexus := v.Nexus()
	require.NotNil(t, nexus)
	assert.Len(t, nexus.Children(), 1)
	assert.Equal(t, 1, f.servers["n1"].ReplicaCount()+f.servers["n2"].ReplicaCount())

	// The surviving replica is the one co-located with the nexus.
	for nodeName := range v.Replicas() {
		assert.Equal(t, nexus.Node().Name(), nodeName)
	}
}

func TestDestroyVolumeIsIdempotent(t *testing.T) {
	f := twoNodeFixture(t)

	_, err := f.manager.EnsureVolume(context.Background(), volUUID, volume.Spec{
		ReplicaCount:  2,
		RequiredBytes: 64,
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.DestroyVolume(context.Background(), volUUID))
	require.NoError(t, f.manager.DestroyVolume(context.Background(), volUUID))

	assert.Equal(t, 0, f.servers["n1"].ReplicaCount())
	assert.Equal(t, 0, f.servers["n2"].ReplicaCount())
	assert.Equal(t, 0, f.servers["n1"].NexusCount()+f.servers["n2"].NexusCount())
	assert.Nil(t, f.manager.GetVolume(volUUID))
}

func TestUpdateRejectsResize(t *testing.T) {
	f := twoNodeFixture(t)

	_, err := f.manager.EnsureVolume(context.Background(), volUUID, volume.Spec{
		ReplicaCount:  2,
		RequiredBytes: 64,
	})
	require.NoError(t, err)

	_, err = f.manager.EnsureVolume(context.Background(), volUUID, volume.Spec{
		ReplicaCount:  2,
		RequiredBytes: 80,
	})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.manager.EnsureVolume(context.Background(), volUUID, volume.Spec{
		ReplicaCount:  2,
		RequiredBytes: 64,
		LimitBytes:    63,
	})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPublishIsIdempotent(t *testing.T) {
	f := twoNodeFixture(t)

	v, err := f.manager.EnsureVolume(context.Background(), volUUID, volume.Spec{
		ReplicaCount:  1,
		RequiredBytes: 64,
	})
	require.NoError(t, err)

	uri, err := v.Publish(context.Background(), mayastor.NexusNbd)
	require.NoError(t, err)
	require.NotEmpty(t, uri)

	// The node replies ALREADY_EXISTS; the caller treats it as success.
	again, err := v.Publish(context.Background(), mayastor.NexusNbd)
	require.NoError(t, err)
	assert.Equal(t, uri, again)

	require.NoError(t, v.Unpublish(context.Background()))
	assert.False(t, v.Nexus().Published())
}

func TestShareFailureIsFatal(t *testing.T) {
	f := twoNodeFixture(t)

	f.servers["n1"].FailNext("ShareReplica", status.Error(codes.Internal, "nvmf target failed"))
	f.servers["n2"].FailNext("ShareReplica", status.Error(codes.Internal, "nvmf target failed"))

	_, err := f.manager.EnsureVolume(context.Background(), volUUID, volume.Spec{
		ReplicaCount:  2,
		RequiredBytes: 64,
	})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}
