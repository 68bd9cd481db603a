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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/openebs/moac/config"
	"github.com/openebs/moac/driver"
	"github.com/openebs/moac/pkg/logger"
	"github.com/openebs/moac/pkg/node"
	"github.com/openebs/moac/pkg/registry"
	"github.com/openebs/moac/pkg/volume"
)

func main() {
	opts, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to create config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(opts.Loglevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New(ctx, log, node.Options{
		SyncInterval: opts.SyncInterval,
		CallTimeout:  opts.CallTimeout,
	})
	volumes := volume.NewManager(reg, log)
	drv := driver.NewDriver(opts.CsiAddress, opts.DriverName, opts.Version, reg, volumes, log)

	// Apply the inventory once before serving, so the controller turns ready
	// only after the registry knows the fleet. The watcher re-reads it on
	// every rescan tick and reports read errors other than a missing file.
	if inv, err := config.LoadInventory(opts.InventoryPath); err == nil {
		config.ApplyInventory(inv, reg)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		volumes.Run(ctx)
		return nil
	})
	eg.Go(func() error {
		config.WatchInventory(ctx, opts.InventoryPath, opts.RescanInterval, reg, log)
		return nil
	})
	eg.Go(func() error {
		// The initial inventory has been applied above; the model fills in
		// as nodes connect and run their initial sync.
		drv.SetReady(true)
		return drv.Run(ctx)
	})

	if err := eg.Wait(); err != nil {
		log.Error(err, "moac exited with an error")
		os.Exit(1)
	}
}
