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

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openebs/moac/config"
	"github.com/openebs/moac/pkg/logger"
	"github.com/openebs/moac/pkg/node"
	"github.com/openebs/moac/pkg/registry"
)

func writeInventory(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadInventory(t *testing.T) {
	path := writeInventory(t, `
nodes:
  - name: node-1
    endpoint: 10.0.0.1:10124
  - name: node-2
    endpoint: 10.0.0.2:10124
`)
	inv, err := config.LoadInventory(path)
	require.NoError(t, err)
	require.Len(t, inv.Nodes, 2)
	assert.Equal(t, "node-1", inv.Nodes[0].Name)
	assert.Equal(t, "10.0.0.1:10124", inv.Nodes[0].Endpoint)
}

func TestLoadInventoryRejectsIncompleteEntries(t *testing.T) {
	path := writeInventory(t, `
nodes:
  - name: node-1
`)
	_, err := config.LoadInventory(path)
	assert.Error(t, err)
}

func TestApplyInventoryDiffsAgainstRegistry(t *testing.T) {
	log, err := logger.NewLogger(logger.ErrorLevel)
	require.NoError(t, err)
	reg := registry.New(context.Background(), log, node.Options{})
	t.Cleanup(func() {
		for _, n := range reg.Nodes() {
			reg.RemoveNode(n.Name())
		}
	})

	config.ApplyInventory(&config.Inventory{Nodes: []config.InventoryNode{
		{Name: "node-1", Endpoint: "10.0.0.1:10124"},
		{Name: "node-2", Endpoint: "10.0.0.2:10124"},
	}}, reg)
	require.Len(t, reg.Nodes(), 2)

	// node-2 vanished, node-3 appeared.
	config.ApplyInventory(&config.Inventory{Nodes: []config.InventoryNode{
		{Name: "node-1", Endpoint: "10.0.0.1:10124"},
		{Name: "node-3", Endpoint: "10.0.0.3:10124"},
	}}, reg)
	require.Len(t, reg.Nodes(), 2)
	assert.Nil(t, reg.GetNode("node-2"))
	assert.NotNil(t, reg.GetNode("node-3"))
}
