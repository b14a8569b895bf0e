package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTopology(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullTopology(t *testing.T) {
	path := writeTopology(t, `
cluster {
  node "local" {
    device "gpu0" {}
    device "gpu1" {
      vendor   = "amd"
      priority = 2
    }
  }
  node "worker1" {
    addr = "ws://worker1:9310"
  }
}

scheduler {
  out_of_order   = true
  default_node   = "local"
  default_device = "gpu1"
}

addressing {
  small_tensor_limit = 8
}

store {
  backend = "badger"
  path    = "/tmp/fieldgrid"
}
`)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	require.Len(t, cfg.Nodes, 2)
	assert.Equal(t, "local", cfg.Nodes[0].Name)
	require.Len(t, cfg.Nodes[0].Devices, 2)
	assert.Equal(t, map[string]string{"vendor": "amd", "priority": "2"},
		cfg.Nodes[0].Devices[1].Params, "free-form device params convert to strings")
	assert.Equal(t, "ws://worker1:9310", cfg.Nodes[1].Addr)

	assert.True(t, cfg.Scheduler.OutOfOrder)
	assert.Equal(t, "gpu1", cfg.Scheduler.DefaultDevice)
	assert.Equal(t, 8, cfg.Addressing.SmallTensorLimit)
	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, "/tmp/fieldgrid", cfg.Store.Path)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, 8, policy.SmallTensorLimit)
}

func TestLoadDefaultsWhenNoFiles(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.hcl"))
	require.NoError(t, err)

	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, "local", cfg.Nodes[0].Name)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 4, cfg.Addressing.SmallTensorLimit)
}

func TestLoadRejectsBadTensorLimit(t *testing.T) {
	path := writeTopology(t, `
addressing {
  small_tensor_limit = 5
}
`)
	_, err := Load(context.Background(), path)
	assert.ErrorContains(t, err, "small-tensor limit")
}

func TestLoadRejectsDuplicateNode(t *testing.T) {
	path := writeTopology(t, `
cluster {
  node "local" {
    device "gpu0" {}
  }
  node "local" {
    device "gpu0" {}
  }
}
`)
	_, err := Load(context.Background(), path)
	assert.ErrorContains(t, err, "duplicate node")
}

func TestLoadRejectsUnknownDefaultNode(t *testing.T) {
	path := writeTopology(t, `
cluster {
  node "a" {
    device "gpu0" {}
  }
}
scheduler {
  default_node = "b"
}
`)
	_, err := Load(context.Background(), path)
	assert.ErrorContains(t, err, "default node")
}

func TestLoadRejectsUnknownStoreBackend(t *testing.T) {
	path := writeTopology(t, `
store {
  backend = "redis"
}
`)
	_, err := Load(context.Background(), path)
	assert.ErrorContains(t, err, "store backend")
}

func TestLoadRejectsDeviceLessLocalNode(t *testing.T) {
	path := writeTopology(t, `
cluster {
  node "local" {}
}
`)
	_, err := Load(context.Background(), path)
	assert.ErrorContains(t, err, "no devices")
}
