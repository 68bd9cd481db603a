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

package config

import (
	"flag"
	"os"
	"time"

	"github.com/openebs/moac/pkg/logger"
)

const (
	LogLevel = "LOG_LEVEL"

	DefaultCsiAddress    = "unix:///var/tmp/csi.sock"
	DefaultInventoryPath = "/etc/moac/nodes.yaml"
)

type Options struct {
	Version  string
	Loglevel logger.Verbosity

	CsiAddress    string
	DriverName    string
	InventoryPath string

	SyncInterval   time.Duration
	RescanInterval time.Duration
	CallTimeout    time.Duration
}

func NewConfig() (*Options, error) {
	var opts Options

	loglevel := os.Getenv(LogLevel)
	if loglevel == "" {
		opts.Loglevel = logger.InfoLevel
	} else {
		opts.Loglevel = logger.Verbosity(loglevel)
	}

	opts.Version = "dev"

	fl := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fl.StringVar(&opts.CsiAddress, "csi-address", DefaultCsiAddress, "CSI address")
	fl.StringVar(&opts.DriverName, "driver-name", "", "Name for the driver")
	fl.StringVar(&opts.InventoryPath, "inventory", DefaultInventoryPath, "Path to the storage-node inventory file")
	fl.DurationVar(&opts.SyncInterval, "sync-interval", 10*time.Second, "Period of storage-node state sync")
	fl.DurationVar(&opts.RescanInterval, "rescan-interval", 30*time.Second, "Period of inventory re-reads")
	fl.DurationVar(&opts.CallTimeout, "rpc-timeout", 10*time.Second, "Deadline of storage-node RPCs")

	err := fl.Parse(os.Args[1:])
	if err != nil {
		return &opts, err
	}

	return &opts, nil
}
