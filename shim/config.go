package shim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const configFilename = "config.json"

// The subset of the OCI bundle config the shim cares about.
type bundleConfig struct {
	Root struct {
		Path string `json:"path"`
	} `json:"root"`
	Process struct {
		Args []string `json:"args"`
		Env  []string `json:"env"`
	} `json:"process"`
}

// Bundle is a validated container bundle whose entrypoint is a
// brainfuck script inside the rootfs.
type Bundle struct {
	Root       string
	Entrypoint string
}

// ReadBundle loads and validates <dir>/config.json. The container CMD
// must be a single argument naming a .bf or .brainfuck file that exists
// in the rootfs.
func ReadBundle(dir string) (*Bundle, error) {
	data, err := os.ReadFile(filepath.Join(dir, configFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s not found", configFilename)
		}
		return nil, err
	}

	var config bundleConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configFilename, err)
	}

	if config.Root.Path == "" {
		return nil, fmt.Errorf("root path not found in config file %s", configFilename)
	}

	if len(config.Process.Args) != 1 {
		return nil, fmt.Errorf("incorrect number of args in the CMD. Expected 1, got %d", len(config.Process.Args))
	}
	entrypoint := config.Process.Args[0]

	if ext := filepath.Ext(entrypoint); ext != ".bf" && ext != ".brainfuck" {
		return nil, fmt.Errorf("entry point (%s) is not a .bf file", entrypoint)
	}

	script := filepath.Join(config.Root.Path, entrypoint)
	if _, err := os.Stat(script); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("script %s does not exist: %w", entrypoint, err)
		}
		return nil, fmt.Errorf("checking script %s: %w", entrypoint, err)
	}

	return &Bundle{
		Root:       config.Root.Path,
		Entrypoint: entrypoint,
	}, nil
}

// ScriptPath is the absolute path of the entrypoint script.
func (b *Bundle) ScriptPath() string {
	return filepath.Join(b.Root, b.Entrypoint)
}
