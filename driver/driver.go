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

// Package driver serves the CSI Identity and Controller services on a unix
// domain socket and translates them into volume-manager calls.
package driver

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/container-storage-interface/spec/lib/go/csi"

	"github.com/openebs/moac/pkg/logger"
	"github.com/openebs/moac/pkg/registry"
	"github.com/openebs/moac/pkg/volume"
)

const (
	// DefaultDriverName is the canonical plugin name known to Kubernetes.
	DefaultDriverName = "io.openebs.csi-mayastor"

	topologyKey = "kubernetes.io/hostname"

	// pagingTTL bounds the lifetime of a ListVolumes paging context.
	pagingTTL = 60 * time.Second
)

type Driver struct {
	name     string
	version  string
	endpoint string

	registry *registry.Registry
	volumes  *volume.Manager
	log      *logger.Logger

	srv *grpc.Server

	readyMu sync.Mutex // protects ready
	ready   bool

	pagingMu sync.Mutex
	paging   map[string]*pagingContext
}

func NewDriver(endpoint, driverName, version string, r *registry.Registry, vm *volume.Manager, log *logger.Logger) *Driver {
	if driverName == "" {
		driverName = DefaultDriverName
	}
	if version == "" {
		version = "dev"
	}
	return &Driver{
		name:     driverName,
		version:  version,
		endpoint: endpoint,
		registry: r,
		volumes:  vm,
		log:      log,
		paging:   map[string]*pagingContext{},
	}
}

// SetReady flips the gate on the Controller service. Until ready,
// CreateVolume, DeleteVolume, ControllerPublishVolume,
// ControllerUnpublishVolume, ValidateVolumeCapabilities, ListVolumes and
// GetCapacity reply UNAVAILABLE. ControllerGetCapabilities, the
// unimplemented controller methods and the identity methods do not check
// the gate.
func (d *Driver) SetReady(ready bool) {
	d.readyMu.Lock()
	d.ready = ready
	d.readyMu.Unlock()
}

func (d *Driver) isReady() bool {
	d.readyMu.Lock()
	defer d.readyMu.Unlock()
	return d.ready
}

// Run serves CSI on the configured unix socket until ctx is done. A stale
// socket left by a previous instance is removed first.
func (d *Driver) Run(ctx context.Context) error {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return fmt.Errorf("unable to parse address: %q", err)
	}

	grpcAddr := path.Join(u.Host, filepath.FromSlash(u.Path))
	if u.Host == "" {
		grpcAddr = filepath.FromSlash(u.Path)
	}
	if u.Scheme != "unix" {
		return fmt.Errorf("currently only unix domain sockets are supported, have: %s", u.Scheme)
	}

	d.log.Info("removing stale socket", "socket", grpcAddr)
	if err := os.Remove(grpcAddr); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove unix domain socket file %s, error: %s", grpcAddr, err)
	}

	grpcListener, err := net.Listen(u.Scheme, grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}

	errHandler := func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			d.log.Error(err, "method failed", "method", info.FullMethod)
		}
		return resp, err
	}

	d.srv = grpc.NewServer(grpc.UnaryInterceptor(errHandler))
	csi.RegisterIdentityServer(d.srv, d)
	csi.RegisterControllerServer(d.srv, d)

	d.log.Info("starting CSI server", "grpc_addr", grpcAddr)

	var eg errgroup.Group
	eg.Go(func() error {
		go func() {
			<-ctx.Done()
			d.log.Info("CSI server stopped")
			d.SetReady(false)
			d.srv.GracefulStop()
		}()
		return d.srv.Serve(grpcListener)
	})

	return eg.Wait()
}
