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

package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/openebs/moac/api/mayastor"
	"github.com/openebs/moac/api/mayastor/mayastortest"
	"github.com/openebs/moac/pkg/logger"
	"github.com/openebs/moac/pkg/node"
	"github.com/openebs/moac/pkg/registry"
)

type fixture struct {
	router   *mayastortest.Router
	registry *registry.Registry
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
	return &fixture{router: rt, registry: reg, servers: map[string]*mayastortest.Server{}}
}

// addNode spins a fake node up with the given pools and registers it.
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

func TestAddNodeIsIdempotentByName(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "n1", mayastor.Pool{Name: "p1", State: mayastor.PoolOnline, Capacity: 100})

	n1 := f.registry.GetNode("n1")
	same := f.registry.AddNode("n1", n1.Endpoint())
	assert.Same(t, n1, same)

	// A different endpoint replaces the node object.
	srv := mayastortest.NewServer("10.0.0.9")
	endpoint, stop := f.router.Add("n1-new", srv)
	t.Cleanup(stop)
	replaced := f.registry.AddNode("n1", endpoint)
	assert.NotSame(t, n1, replaced)
	assert.Equal(t, endpoint, f.registry.GetNode("n1").Endpoint())
}

func TestRemoveNodeDropsItsObjects(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "n1", mayastor.Pool{Name: "p1", State: mayastor.PoolOnline, Capacity: 100})
	require.Len(t, f.registry.Pools(), 1)

	f.registry.RemoveNode("n1")
	assert.Nil(t, f.registry.GetNode("n1"))
	assert.Empty(t, f.registry.Pools())
}

func TestGetCapacitySumsAccessiblePoolsOnly(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "n1", mayastor.Pool{Name: "p1", State: mayastor.PoolOnline, Capacity: 100, Used: 10})
	f.addNode(t, "n2", mayastor.Pool{Name: "p2", State: mayastor.PoolDegraded, Capacity: 100, Used: 25})
	f.addNode(t, "n3", mayastor.Pool{Name: "p3", State: mayastor.PoolFaulted, Capacity: 100, Used: 55})
	f.addNode(t, "n4", mayastor.Pool{Name: "p4", State: mayastor.PoolOffline, Capacity: 100, Used: 99})

	assert.Equal(t, uint64(165), f.registry.GetCapacity(""))
	assert.Equal(t, uint64(75), f.registry.GetCapacity("n2"))
	assert.Equal(t, uint64(0), f.registry.GetCapacity("n3"))
}

func TestEventRelay(t *testing.T) {
	f := newFixture(t)
	events := f.registry.Subscribe()
	f.addNode(t, "n1", mayastor.Pool{Name: "p1", State: mayastor.PoolOnline, Capacity: 100})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == node.KindPool && ev.Op == node.OpNew {
				return
			}
		case <-deadline:
			t.Fatal("pool new event was not relayed")
		}
	}
}
