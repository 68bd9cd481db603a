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
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openebs/moac/pkg/logger"
	"github.com/openebs/moac/pkg/registry"
)

// Inventory is the yaml file telling the control plane which storage nodes
// exist and where to reach them.
type Inventory struct {
	Nodes []InventoryNode `yaml:"nodes"`
}

type InventoryNode struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
}

func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", path, err)
	}
	for _, n := range inv.Nodes {
		if n.Name == "" || n.Endpoint == "" {
			return nil, fmt.Errorf("inventory %s: every node needs a name and an endpoint", path)
		}
	}
	return &inv, nil
}

// ApplyInventory diffs the inventory against the registry: new or
// re-addressed nodes are (re-)added, vanished nodes are removed.
func ApplyInventory(inv *Inventory, r *registry.Registry) {
	seen := map[string]bool{}
	for _, n := range inv.Nodes {
		seen[n.Name] = true
		r.AddNode(n.Name, n.Endpoint)
	}
	for _, n := range r.Nodes() {
		if !seen[n.Name()] {
			r.RemoveNode(n.Name())
		}
	}
}

// WatchInventory re-reads the inventory on every rescan tick until ctx is
// done. A missing file leaves the fleet as it is; nodes only change on a
// successful read.
func WatchInventory(ctx context.Context, path string, interval time.Duration, r *registry.Registry, log *logger.Logger) {
	apply := func() {
		inv, err := LoadInventory(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warning("failed to read node inventory", "path", path, "error", err)
			}
			return
		}
		ApplyInventory(inv, r)
	}

	apply()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			apply()
		}
	}
}
