// Package config loads the cluster topology and runtime settings from HCL.
// The configuration describes where kernels may be placed (nodes and their
// devices), how the scheduler dispatches, how small tensors are addressed and
// where circuit state is persisted. It carries no per-program information;
// programs arrive through the codegen API.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/vk/fieldgrid/internal/ctxlog"
	"github.com/vk/fieldgrid/internal/field"
)

// Config is the decoded topology.
type Config struct {
	Nodes      []Node
	Scheduler  Scheduler
	Addressing Addressing
	Store      StoreConfig
}

// Node is one compute node. An empty Addr means the node is supervised
// in-process; otherwise the scheduler dials the transport at Addr.
type Node struct {
	Name    string
	Addr    string
	Devices []Device
}

// Device is one accelerator on a node. Params carry backend-specific options
// passed through to the dispatcher untouched.
type Device struct {
	Name   string
	Params map[string]string
}

// Scheduler mirrors sched.Options.
type Scheduler struct {
	OutOfOrder    bool
	DefaultNode   string
	DefaultDevice string
}

// Addressing configures small-tensor register addressing.
type Addressing struct {
	SmallTensorLimit int
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string
	Path    string
}

type fileRoot struct {
	Clusters   []*clusterBlock  `hcl:"cluster,block"`
	Scheduler  *schedulerBlock  `hcl:"scheduler,block"`
	Addressing *addressingBlock `hcl:"addressing,block"`
	Store      *storeBlock      `hcl:"store,block"`
	Remain     hcl.Body         `hcl:",remain"`
}

type clusterBlock struct {
	Nodes []*nodeBlock `hcl:"node,block"`
}

type nodeBlock struct {
	Name    string         `hcl:"name,label"`
	Addr    *string        `hcl:"addr"`
	Devices []*deviceBlock `hcl:"device,block"`
}

type deviceBlock struct {
	Name   string   `hcl:"name,label"`
	Remain hcl.Body `hcl:",remain"`
}

type schedulerBlock struct {
	OutOfOrder    *bool   `hcl:"out_of_order"`
	DefaultNode   *string `hcl:"default_node"`
	DefaultDevice *string `hcl:"default_device"`
}

type addressingBlock struct {
	SmallTensorLimit *int `hcl:"small_tensor_limit"`
}

type storeBlock struct {
	Backend string  `hcl:"backend"`
	Path    *string `hcl:"path"`
}

// Default returns the single-node topology used when no file is given.
func Default() *Config {
	return &Config{
		Nodes: []Node{{
			Name:    "local",
			Devices: []Device{{Name: "gpu0"}},
		}},
		Scheduler:  Scheduler{DefaultNode: "local", DefaultDevice: "gpu0"},
		Addressing: Addressing{SmallTensorLimit: field.DefaultSmallTensorLimit},
		Store:      StoreConfig{Backend: "memory"},
	}
}

// Load parses every .hcl file under the given paths and merges them into one
// topology. Missing paths are skipped; an empty file set yields Default.
func Load(ctx context.Context, paths ...string) (*Config, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := findHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered topology files.", "count", len(files))

	cfg := Default()
	cfg.Nodes = nil
	parser := hclparse.NewParser()

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parse %s: %w", file, diags)
		}
		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("decode %s: %w", file, diags)
		}
		if err := merge(cfg, &root); err != nil {
			return nil, fmt.Errorf("merge %s: %w", file, err)
		}
	}

	if len(cfg.Nodes) == 0 {
		cfg.Nodes = Default().Nodes
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	logger.Debug("Topology loaded.", "nodes", len(cfg.Nodes))
	return cfg, nil
}

func merge(cfg *Config, root *fileRoot) error {
	for _, cluster := range root.Clusters {
		for _, nb := range cluster.Nodes {
			node := Node{Name: nb.Name}
			if nb.Addr != nil {
				node.Addr = *nb.Addr
			}
			for _, db := range nb.Devices {
				params, err := decodeParams(db.Remain)
				if err != nil {
					return fmt.Errorf("node %q device %q: %w", nb.Name, db.Name, err)
				}
				node.Devices = append(node.Devices, Device{Name: db.Name, Params: params})
			}
			cfg.Nodes = append(cfg.Nodes, node)
		}
	}
	if sb := root.Scheduler; sb != nil {
		if sb.OutOfOrder != nil {
			cfg.Scheduler.OutOfOrder = *sb.OutOfOrder
		}
		if sb.DefaultNode != nil {
			cfg.Scheduler.DefaultNode = *sb.DefaultNode
		}
		if sb.DefaultDevice != nil {
			cfg.Scheduler.DefaultDevice = *sb.DefaultDevice
		}
	}
	if ab := root.Addressing; ab != nil && ab.SmallTensorLimit != nil {
		cfg.Addressing.SmallTensorLimit = *ab.SmallTensorLimit
	}
	if sb := root.Store; sb != nil {
		cfg.Store.Backend = sb.Backend
		if sb.Path != nil {
			cfg.Store.Path = *sb.Path
		}
	}
	return nil
}

// decodeParams converts a device block's free-form attributes into strings.
// Values are evaluated without a context, so only literals are accepted.
func decodeParams(body hcl.Body) (map[string]string, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, diags
		}
		str, err := convert.Convert(val, cty.String)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", name, err)
		}
		params[name] = str.AsString()
	}
	return params, nil
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if seen[n.Name] {
			return fmt.Errorf("duplicate node %q", n.Name)
		}
		seen[n.Name] = true
		if len(n.Devices) == 0 && n.Addr == "" {
			return fmt.Errorf("node %q declares no devices", n.Name)
		}
	}
	if !seen[cfg.Scheduler.DefaultNode] {
		return fmt.Errorf("default node %q is not in the topology", cfg.Scheduler.DefaultNode)
	}
	if _, err := field.NewAddressingPolicy(cfg.Addressing.SmallTensorLimit); err != nil {
		return err
	}
	switch cfg.Store.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return nil
}

// Policy returns the validated addressing policy.
func (c *Config) Policy() (field.AddressingPolicy, error) {
	return field.NewAddressingPolicy(c.Addressing.SmallTensorLimit)
}

// findHCLFiles walks the given paths and returns every .hcl file once.
// A missing path is skipped, not an error.
func findHCLFiles(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, dup := seen[p]; !dup {
			files = append(files, p)
			seen[p] = struct{}{}
		}
	}
	for _, path := range paths {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("access %s: %w", path, err)
		}
		if !info.IsDir() {
			if filepath.Ext(path) == ".hcl" {
				add(path)
			}
			continue
		}
		err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && filepath.Ext(p) == ".hcl" {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}
