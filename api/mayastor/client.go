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
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a thin typed wrapper over one gRPC channel to a storage node.
// Connection lifecycle (reconnects, sync scheduling) is handled a layer up
// in pkg/node.
type Client struct {
	conn *grpc.ClientConn
}

// Dial opens a channel to the given endpoint. The endpoint is either a
// host:port pair or a unix:///path socket URL. The returned client is ready
// to use immediately; gRPC connects lazily on first call.
func Dial(endpoint string, extra ...grpc.DialOption) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	opts = append(opts, extra...)

	conn, err := grpc.Dial(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	return &Client{conn: conn}, nil
}

// NewClientFromConn wraps an existing channel. Used by tests serving the
// fake node over bufconn.
func NewClientFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Req any, Rep any](ctx context.Context, c *Client, method string, req *Req) (*Rep, error) {
	out := new(Rep)
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListPools(ctx context.Context) ([]Pool, error) {
	rep, err := invoke[Null, ListPoolsReply](ctx, c, "ListPools", &Null{})
	if err != nil {
		return nil, err
	}
	return rep.Pools, nil
}

func (c *Client) CreatePool(ctx context.Context, req *CreatePoolRequest) (*Pool, error) {
	return invoke[CreatePoolRequest, Pool](ctx, c, "CreatePool", req)
}

func (c *Client) DestroyPool(ctx context.Context, name string) error {
	_, err := invoke[DestroyPoolRequest, Null](ctx, c, "DestroyPool", &DestroyPoolRequest{Name: name})
	return err
}

func (c *Client) ListReplicas(ctx context.Context) ([]Replica, error) {
	rep, err := invoke[Null, ListReplicasReply](ctx, c, "ListReplicas", &Null{})
	if err != nil {
		return nil, err
	}
	return rep.Replicas, nil
}

func (c *Client) CreateReplica(ctx context.Context, req *CreateReplicaRequest) (*Replica, error) {
	return invoke[CreateReplicaRequest, Replica](ctx, c, "CreateReplica", req)
}

func (c *Client) DestroyReplica(ctx context.Context, uuid string) error {
	_, err := invoke[DestroyReplicaRequest, Null](ctx, c, "DestroyReplica", &DestroyReplicaRequest{UUID: uuid})
	return err
}

func (c *Client) ShareReplica(ctx context.Context, uuid string, share ShareProtocol) (string, error) {
	rep, err := invoke[ShareReplicaRequest, ShareReplicaReply](ctx, c, "ShareReplica", &ShareReplicaRequest{UUID: uuid, Share: share})
	if err != nil {
		return "", err
	}
	return rep.URI, nil
}

func (c *Client) ListNexus(ctx context.Context) ([]Nexus, error) {
	rep, err := invoke[Null, ListNexusReply](ctx, c, "ListNexus", &Null{})
	if err != nil {
		return nil, err
	}
	return rep.NexusList, nil
}

func (c *Client) CreateNexus(ctx context.Context, req *CreateNexusRequest) (*Nexus, error) {
	return invoke[CreateNexusRequest, Nexus](ctx, c, "CreateNexus", req)
}

func (c *Client) DestroyNexus(ctx context.Context, uuid string) error {
	_, err := invoke[DestroyNexusRequest, Null](ctx, c, "DestroyNexus", &DestroyNexusRequest{UUID: uuid})
	return err
}

func (c *Client) AddChildNexus(ctx context.Context, uuid, uri string) (*Child, error) {
	return invoke[AddChildNexusRequest, Child](ctx, c, "AddChildNexus", &AddChildNexusRequest{UUID: uuid, URI: uri})
}

func (c *Client) RemoveChildNexus(ctx context.Context, uuid, uri string) error {
	_, err := invoke[RemoveChildNexusRequest, Null](ctx, c, "RemoveChildNexus", &RemoveChildNexusRequest{UUID: uuid, URI: uri})
	return err
}

func (c *Client) PublishNexus(ctx context.Context, uuid string, share NexusShareProtocol) (string, error) {
	rep, err := invoke[PublishNexusRequest, PublishNexusReply](ctx, c, "PublishNexus", &PublishNexusRequest{UUID: uuid, Share: share})
	if err != nil {
		return "", err
	}
	return rep.DeviceURI, nil
}

func (c *Client) UnpublishNexus(ctx context.Context, uuid string) error {
	_, err := invoke[UnpublishNexusRequest, Null](ctx, c, "UnpublishNexus", &UnpublishNexusRequest{UUID: uuid})
	return err
}
