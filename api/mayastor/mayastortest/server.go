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

// Package mayastortest provides an in-memory Mayastor node server for
// tests, served over bufconn. It enforces the same status codes as the
// real node daemon so idempotence paths get exercised for real.
package mayastortest

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/openebs/moac/api/mayastor"
)

type Server struct {
	addr string

	mu       sync.Mutex
	pools    map[string]*mayastor.Pool
	replicas map[string]*mayastor.Replica
	nexuses  map[string]*mayastor.Nexus
	failNext map[string]error

	// DefaultCapacity is used for pools created through CreatePool, since
	// the request carries only disks.
	DefaultCapacity uint64
}

func NewServer(addr string) *Server {
	return &Server{
		addr:            addr,
		pools:           map[string]*mayastor.Pool{},
		replicas:        map[string]*mayastor.Replica{},
		nexuses:         map[string]*mayastor.Nexus{},
		failNext:        map[string]error{},
		DefaultCapacity: 100 * 1024 * 1024 * 1024,
	}
}

// Serve runs the fake node on an in-process listener.
func Serve(s *Server) (*bufconn.Listener, func()) {
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	mayastor.RegisterMayastorServer(gs, s)
	go func() {
		_ = gs.Serve(lis)
	}()
	return lis, func() { gs.Stop() }
}

// Router connects dialed endpoints to in-process listeners. Register nodes
// under endpoints like "passthrough:///node-1"; the address part after the
// scheme is the routing key.
type Router struct {
	mu  sync.Mutex
	lns map[string]*bufconn.Listener
}

func NewRouter() *Router {
	return &Router{lns: map[string]*bufconn.Listener{}}
}

// Add serves the fake node and routes addr to it. Returns the endpoint to
// register the node with.
func (rt *Router) Add(addr string, s *Server) (endpoint string, stop func()) {
	lis, stop := Serve(s)
	rt.mu.Lock()
	rt.lns[addr] = lis
	rt.mu.Unlock()
	return "passthrough:///" + addr, stop
}

// DialOption routes any connection dialed through it by target address.
func (rt *Router) DialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		rt.mu.Lock()
		lis, ok := rt.lns[addr]
		rt.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no fake node at %s", addr)
		}
		return lis.DialContext(ctx)
	})
}

// AddPool seeds a pool without going through CreatePool.
func (s *Server) AddPool(p mayastor.Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.pools[p.Name] = &cp
}

// SetPoolState mutates a seeded pool so the next sync observes the change.
func (s *Server) SetPoolState(name string, state mayastor.PoolState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pools[name]; ok {
		p.State = state
	}
}

// FailNext makes the next call of the named method return err.
func (s *Server) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[method] = err
}

func (s *Server) takeFailure(method string) error {
	if err, ok := s.failNext[method]; ok {
		delete(s.failNext, method)
		return err
	}
	return nil
}

// ReplicaCount reports how many replicas currently exist on the node.
func (s *Server) ReplicaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replicas)
}

// NexusCount reports how many nexuses currently exist on the node.
func (s *Server) NexusCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nexuses)
}

func (s *Server) ListPools(_ context.Context, _ *mayastor.Null) (*mayastor.ListPoolsReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ListPools"); err != nil {
		return nil, err
	}
	rep := &mayastor.ListPoolsReply{}
	for _, p := range s.pools {
		rep.Pools = append(rep.Pools, *p)
	}
	return rep, nil
}

func (s *Server) CreatePool(_ context.Context, req *mayastor.CreatePoolRequest) (*mayastor.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("CreatePool"); err != nil {
		return nil, err
	}
	if _, ok := s.pools[req.Name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "pool %s exists", req.Name)
	}
	p := &mayastor.Pool{
		Name:     req.Name,
		Disks:    req.Disks,
		State:    mayastor.PoolOnline,
		Capacity: s.DefaultCapacity,
	}
	s.pools[req.Name] = p
	return p, nil
}

func (s *Server) DestroyPool(_ context.Context, req *mayastor.DestroyPoolRequest) (*mayastor.Null, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("DestroyPool"); err != nil {
		return nil, err
	}
	if _, ok := s.pools[req.Name]; !ok {
		return nil, status.Errorf(codes.NotFound, "pool %s does not exist", req.Name)
	}
	for uuid, r := range s.replicas {
		if r.Pool == req.Name {
			delete(s.replicas, uuid)
		}
	}
	delete(s.pools, req.Name)
	return &mayastor.Null{}, nil
}

func (s *Server) ListReplicas(_ context.Context, _ *mayastor.Null) (*mayastor.ListReplicasReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ListReplicas"); err != nil {
		return nil, err
	}
	rep := &mayastor.ListReplicasReply{}
	for _, r := range s.replicas {
		rep.Replicas = append(rep.Replicas, *r)
	}
	return rep, nil
}

func (s *Server) CreateReplica(_ context.Context, req *mayastor.CreateReplicaRequest) (*mayastor.Replica, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("CreateReplica"); err != nil {
		return nil, err
	}
	pool, ok := s.pools[req.Pool]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "pool %s does not exist", req.Pool)
	}
	if _, ok := s.replicas[req.UUID]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "replica %s exists", req.UUID)
	}
	if pool.Capacity-pool.Used < req.Size {
		return nil, status.Errorf(codes.ResourceExhausted, "pool %s out of space", req.Pool)
	}
	pool.Used += req.Size
	r := &mayastor.Replica{
		UUID:  req.UUID,
		Pool:  req.Pool,
		Thin:  req.Thin,
		Size:  req.Size,
		Share: mayastor.ShareNone,
		URI:   "bdev:///" + req.UUID,
		State: mayastor.StateOnline,
	}
	if req.Share != "" && req.Share != mayastor.ShareNone {
		r.Share = req.Share
		r.URI = s.shareURI(req.UUID, req.Share)
	}
	s.replicas[req.UUID] = r
	return r, nil
}

func (s *Server) DestroyReplica(_ context.Context, req *mayastor.DestroyReplicaRequest) (*mayastor.Null, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("DestroyReplica"); err != nil {
		return nil, err
	}
	r, ok := s.replicas[req.UUID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "replica %s does not exist", req.UUID)
	}
	if pool, ok := s.pools[r.Pool]; ok && pool.Used >= r.Size {
		pool.Used -= r.Size
	}
	delete(s.replicas, req.UUID)
	return &mayastor.Null{}, nil
}

func (s *Server) shareURI(uuid string, share mayastor.ShareProtocol) string {
	switch share {
	case mayastor.ShareNvmf:
		return fmt.Sprintf("nvmf://%s:8420/nqn.2019-05.io.openebs:%s/%s", s.addr, uuid, uuid)
	case mayastor.ShareIscsi:
		return fmt.Sprintf("iscsi://%s:3260/iqn.2019-05.io.openebs:%s/%s", s.addr, uuid, uuid)
	default:
		return "bdev:///" + uuid
	}
}

func (s *Server) ShareReplica(_ context.Context, req *mayastor.ShareReplicaRequest) (*mayastor.ShareReplicaReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ShareReplica"); err != nil {
		return nil, err
	}
	r, ok := s.replicas[req.UUID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "replica %s does not exist", req.UUID)
	}
	r.Share = req.Share
	r.URI = s.shareURI(req.UUID, req.Share)
	return &mayastor.ShareReplicaReply{URI: r.URI}, nil
}

func (s *Server) ListNexus(_ context.Context, _ *mayastor.Null) (*mayastor.ListNexusReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ListNexus"); err != nil {
		return nil, err
	}
	rep := &mayastor.ListNexusReply{}
	for _, n := range s.nexuses {
		rep.NexusList = append(rep.NexusList, *n)
	}
	return rep, nil
}

func (s *Server) CreateNexus(_ context.Context, req *mayastor.CreateNexusRequest) (*mayastor.Nexus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("CreateNexus"); err != nil {
		return nil, err
	}
	if _, ok := s.nexuses[req.UUID]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "nexus %s exists", req.UUID)
	}
	n := &mayastor.Nexus{
		UUID:  req.UUID,
		Size:  req.Size,
		State: mayastor.StateOnline,
	}
	for _, uri := range req.Children {
		n.Children = append(n.Children, mayastor.Child{URI: uri, State: mayastor.StateOnline})
	}
	s.nexuses[req.UUID] = n
	return n, nil
}

func (s *Server) DestroyNexus(_ context.Context, req *mayastor.DestroyNexusRequest) (*mayastor.Null, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("DestroyNexus"); err != nil {
		return nil, err
	}
	if _, ok := s.nexuses[req.UUID]; !ok {
		return nil, status.Errorf(codes.NotFound, "nexus %s does not exist", req.UUID)
	}
	delete(s.nexuses, req.UUID)
	return &mayastor.Null{}, nil
}

func (s *Server) AddChildNexus(_ context.Context, req *mayastor.AddChildNexusRequest) (*mayastor.Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("AddChildNexus"); err != nil {
		return nil, err
	}
	n, ok := s.nexuses[req.UUID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "nexus %s does not exist", req.UUID)
	}
	for _, c := range n.Children {
		if c.URI == req.URI {
			return nil, status.Errorf(codes.AlreadyExists, "child %s exists", req.URI)
		}
	}
	child := mayastor.Child{URI: req.URI, State: mayastor.StateOnline}
	n.Children = append(n.Children, child)
	return &child, nil
}

func (s *Server) RemoveChildNexus(_ context.Context, req *mayastor.RemoveChildNexusRequest) (*mayastor.Null, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("RemoveChildNexus"); err != nil {
		return nil, err
	}
	n, ok := s.nexuses[req.UUID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "nexus %s does not exist", req.UUID)
	}
	for i, c := range n.Children {
		if c.URI == req.URI {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return &mayastor.Null{}, nil
		}
	}
	return nil, status.Errorf(codes.NotFound, "child %s does not exist", req.URI)
}

func (s *Server) PublishNexus(_ context.Context, req *mayastor.PublishNexusRequest) (*mayastor.PublishNexusReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("PublishNexus"); err != nil {
		return nil, err
	}
	n, ok := s.nexuses[req.UUID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "nexus %s does not exist", req.UUID)
	}
	if n.DeviceURI != "" {
		return nil, status.Errorf(codes.AlreadyExists, "nexus %s already published", req.UUID)
	}
	n.DeviceURI = "file:///dev/nbd-" + req.UUID
	return &mayastor.PublishNexusReply{DeviceURI: n.DeviceURI}, nil
}

func (s *Server) UnpublishNexus(_ context.Context, req *mayastor.UnpublishNexusRequest) (*mayastor.Null, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("UnpublishNexus"); err != nil {
		return nil, err
	}
	n, ok := s.nexuses[req.UUID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "nexus %s does not exist", req.UUID)
	}
	n.DeviceURI = ""
	return &mayastor.Null{}, nil
}
