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

// Package mayastor defines the wire surface of the storage-node RPC
// service. Message shapes follow the mayastor node daemon; requests and
// replies travel over plain gRPC with the json codec from this package.
package mayastor

type PoolState string

const (
	PoolOnline   PoolState = "POOL_ONLINE"
	PoolDegraded PoolState = "POOL_DEGRADED"
	PoolFaulted  PoolState = "POOL_FAULTED"
	PoolOffline  PoolState = "POOL_OFFLINE"
)

type ObjectState string

const (
	StateOnline   ObjectState = "ONLINE"
	StateDegraded ObjectState = "DEGRADED"
	StateFaulted  ObjectState = "FAULTED"
	StateOffline  ObjectState = "OFFLINE"
)

type ShareProtocol string

const (
	ShareNone  ShareProtocol = "REPLICA_NONE"
	ShareNvmf  ShareProtocol = "REPLICA_NVMF"
	ShareIscsi ShareProtocol = "REPLICA_ISCSI"
)

// NexusShareProtocol selects the host-facing block device transport when a
// nexus is published.
type NexusShareProtocol string

const (
	NexusNbd   NexusShareProtocol = "NBD"
	NexusNvmf  NexusShareProtocol = "NVMF"
	NexusIscsi NexusShareProtocol = "ISCSI"
)

type Pool struct {
	Name     string    `json:"name"`
	Disks    []string  `json:"disks"`
	State    PoolState `json:"state"`
	Capacity uint64    `json:"capacity"`
	Used     uint64    `json:"used"`
}

type Replica struct {
	UUID  string        `json:"uuid"`
	Pool  string        `json:"pool"`
	Thin  bool          `json:"thin"`
	Size  uint64        `json:"size"`
	Share ShareProtocol `json:"share"`
	URI   string        `json:"uri"`
	State ObjectState   `json:"state"`
}

type Child struct {
	URI   string      `json:"uri"`
	State ObjectState `json:"state"`
}

type Nexus struct {
	UUID      string      `json:"uuid"`
	Size      uint64      `json:"size"`
	State     ObjectState `json:"state"`
	Children  []Child     `json:"children"`
	DeviceURI string      `json:"deviceUri"`
}

// Null is the empty request/reply message.
type Null struct{}

type ListPoolsReply struct {
	Pools []Pool `json:"pools"`
}

type CreatePoolRequest struct {
	Name  string   `json:"name"`
	Disks []string `json:"disks"`
}

type DestroyPoolRequest struct {
	Name string `json:"name"`
}

type ListReplicasReply struct {
	Replicas []Replica `json:"replicas"`
}

type CreateReplicaRequest struct {
	UUID  string        `json:"uuid"`
	Pool  string        `json:"pool"`
	Size  uint64        `json:"size"`
	Thin  bool          `json:"thin"`
	Share ShareProtocol `json:"share"`
}

type DestroyReplicaRequest struct {
	UUID string `json:"uuid"`
}

type ShareReplicaRequest struct {
	UUID  string        `json:"uuid"`
	Share ShareProtocol `json:"share"`
}

type ShareReplicaReply struct {
	URI string `json:"uri"`
}

type ListNexusReply struct {
	NexusList []Nexus `json:"nexusList"`
}

type CreateNexusRequest struct {
	UUID string `json:"uuid"`
	Size uint64 `json:"size"`
	// Children are replica access URIs, local bdev or nvmf/iscsi.
	Children []string `json:"children"`
}

type DestroyNexusRequest struct {
	UUID string `json:"uuid"`
}

type AddChildNexusRequest struct {
	UUID string `json:"uuid"`
	URI  string `json:"uri"`
}

type RemoveChildNexusRequest struct {
	UUID string `json:"uuid"`
	URI  string `json:"uri"`
}

type PublishNexusRequest struct {
	UUID  string             `json:"uuid"`
	Key   string             `json:"key"`
	Share NexusShareProtocol `json:"share"`
}

type PublishNexusReply struct {
	DeviceURI string `json:"deviceUri"`
}

type UnpublishNexusRequest struct {
	UUID string `json:"uuid"`
}
