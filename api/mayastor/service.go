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

package mayastor

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "mayastor.Mayastor"

// MayastorServer is implemented by the storage-node daemon (and by the
// in-memory fake in mayastortest).
type MayastorServer interface {
	ListPools(context.Context, *Null) (*ListPoolsReply, error)
	CreatePool(context.Context, *CreatePoolRequest) (*Pool, error)
	DestroyPool(context.Context, *DestroyPoolRequest) (*Null, error)
	ListReplicas(context.Context, *Null) (*ListReplicasReply, error)
	CreateReplica(context.Context, *CreateReplicaRequest) (*Replica, error)
	DestroyReplica(context.Context, *DestroyReplicaRequest) (*Null, error)
	ShareReplica(context.Context, *ShareReplicaRequest) (*ShareReplicaReply, error)
	ListNexus(context.Context, *Null) (*ListNexusReply, error)
	CreateNexus(context.Context, *CreateNexusRequest) (*Nexus, error)
	DestroyNexus(context.Context, *DestroyNexusRequest) (*Null, error)
	AddChildNexus(context.Context, *AddChildNexusRequest) (*Child, error)
	RemoveChildNexus(context.Context, *RemoveChildNexusRequest) (*Null, error)
	PublishNexus(context.Context, *PublishNexusRequest) (*PublishNexusReply, error)
	UnpublishNexus(context.Context, *UnpublishNexusRequest) (*Null, error)
}

func RegisterMayastorServer(s grpc.ServiceRegistrar, srv MayastorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req any, Rep any](
	method string,
	call func(MayastorServer, context.Context, *Req) (*Rep, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MayastorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(MayastorServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MayastorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListPools", Handler: unary("ListPools", MayastorServer.ListPools)},
		{MethodName: "CreatePool", Handler: unary("CreatePool", MayastorServer.CreatePool)},
		{MethodName: "DestroyPool", Handler: unary("DestroyPool", MayastorServer.DestroyPool)},
		{MethodName: "ListReplicas", Handler: unary("ListReplicas", MayastorServer.ListReplicas)},
		{MethodName: "CreateReplica", Handler: unary("CreateReplica", MayastorServer.CreateReplica)},
		{MethodName: "DestroyReplica", Handler: unary("DestroyReplica", MayastorServer.DestroyReplica)},
		{MethodName: "ShareReplica", Handler: unary("ShareReplica", MayastorServer.ShareReplica)},
		{MethodName: "ListNexus", Handler: unary("ListNexus", MayastorServer.ListNexus)},
		{MethodName: "CreateNexus", Handler: unary("CreateNexus", MayastorServer.CreateNexus)},
		{MethodName: "DestroyNexus", Handler: unary("DestroyNexus", MayastorServer.DestroyNexus)},
		{MethodName: "AddChildNexus", Handler: unary("AddChildNexus", MayastorServer.AddChildNexus)},
		{MethodName: "RemoveChildNexus", Handler: unary("RemoveChildNexus", MayastorServer.RemoveChildNexus)},
		{MethodName: "PublishNexus", Handler: unary("PublishNexus", MayastorServer.PublishNexus)},
		{MethodName: "UnpublishNexus", Handler: unary("UnpublishNexus", MayastorServer.UnpublishNexus)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mayastor.proto",
}
